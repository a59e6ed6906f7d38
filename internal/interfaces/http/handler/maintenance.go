package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	appEngine "github.com/taskerino/backend/internal/application/engine"
	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	"github.com/taskerino/backend/internal/domain/search"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/interfaces/http/response"
)

// maxAttachmentUpload 单个附件上传上限
const maxAttachmentUpload = 512 << 20

// MaintenanceHandler 附件、写回队列、索引和关系的运维接口
type MaintenanceHandler struct {
	engine *appEngine.Engine
}

// NewMaintenanceHandler 创建运维处理器
func NewMaintenanceHandler(engine *appEngine.Engine) *MaintenanceHandler {
	return &MaintenanceHandler{engine: engine}
}

// UploadAttachment 上传附件原始内容，返回内容哈希
// @Summary 上传附件
// @Tags 附件
// @Accept octet-stream
// @Produce json
// @Param id query string false "调用方的本地 ID"
// @Param name query string false "文件名"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Failure 507 {object} response.ErrorResponse
// @Router /attachments [post]
func (h *MaintenanceHandler) UploadAttachment(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAttachmentUpload+1))
	if err != nil {
		badRequest(c, err)
		return
	}
	if len(data) > maxAttachmentUpload {
		fail(c, fmt.Errorf("%w: attachment exceeds %d bytes", storage.ErrValidation, maxAttachmentUpload))
		return
	}

	hash, err := h.engine.Attachments().SaveAttachment(c.Request.Context(), &domainAttachment.Attachment{
		ID:       c.Query("id"),
		Name:     c.Query("name"),
		MimeType: c.ContentType(),
		Data:     data,
	})
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"hash": hash, "size": len(data)})
}

// DownloadAttachment 按内容哈希下载附件
// @Summary 下载附件
// @Tags 附件
// @Produce octet-stream
// @Param hash path string true "内容哈希"
// @Success 200 {file} file
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /attachments/{hash} [get]
func (h *MaintenanceHandler) DownloadAttachment(c *gin.Context) {
	ctx := c.Request.Context()
	hash := c.Param("hash")

	data, err := h.engine.Attachments().LoadAttachment(ctx, hash)
	if err != nil {
		fail(c, err)
		return
	}
	if data == nil {
		notFound(c, "attachment")
		return
	}

	contentType := "application/octet-stream"
	if meta, err := h.engine.Attachments().GetMetadata(ctx, hash); err == nil && meta != nil && meta.MimeType != "" {
		contentType = meta.MimeType
	}
	c.Data(http.StatusOK, contentType, data)
}

// AttachmentMetadata 附件元数据与引用
// @Summary 附件元数据
// @Tags 附件
// @Produce json
// @Param hash path string true "内容哈希"
// @Success 200 {object} response.Response{data=domainAttachment.Metadata}
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /attachments/{hash}/metadata [get]
func (h *MaintenanceHandler) AttachmentMetadata(c *gin.Context) {
	meta, err := h.engine.Attachments().GetMetadata(c.Request.Context(), c.Param("hash"))
	if err != nil {
		fail(c, err)
		return
	}
	if meta == nil {
		notFound(c, "attachment")
		return
	}
	response.Success(c, meta)
}

// AttachmentStats 附件存储统计
// @Summary 附件存储统计
// @Tags 附件
// @Produce json
// @Success 200 {object} response.Response{data=domainAttachment.Stats}
// @Failure 500 {object} response.ErrorResponse
// @Router /attachments/stats [get]
func (h *MaintenanceHandler) AttachmentStats(c *gin.Context) {
	stats, err := h.engine.Attachments().GetStats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}

// CollectGarbage 同步执行一次附件回收，进度通过 websocket 推送
// @Summary 回收无引用附件
// @Tags 附件
// @Produce json
// @Success 200 {object} response.Response{data=domainAttachment.GCResult}
// @Failure 503 {object} response.ErrorResponse
// @Router /attachments/gc [post]
func (h *MaintenanceHandler) CollectGarbage(c *gin.Context) {
	result, err := h.engine.CollectGarbage(c.Request.Context(), nil)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// QueueStats 写回队列统计
// @Summary 写回队列统计
// @Tags 队列
// @Produce json
// @Success 200 {object} response.Response
// @Router /queue/stats [get]
func (h *MaintenanceHandler) QueueStats(c *gin.Context) {
	response.Success(c, h.engine.Queue().Stats())
}

// QueueItem 查询队列条目
// @Summary 查询队列条目
// @Tags 队列
// @Produce json
// @Param id path string true "条目 ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.ErrorResponse
// @Router /queue/items/{id} [get]
func (h *MaintenanceHandler) QueueItem(c *gin.Context) {
	item := h.engine.Queue().GetItem(c.Param("id"))
	if item == nil {
		notFound(c, "queue item")
		return
	}
	response.Success(c, item)
}

// CancelQueueItem 取消尚未处理的队列条目
// @Summary 取消队列条目
// @Tags 队列
// @Produce json
// @Param id path string true "条目 ID"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /queue/items/{id} [delete]
func (h *MaintenanceHandler) CancelQueueItem(c *gin.Context) {
	if err := h.engine.Queue().Cancel(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"cancelled": true})
}

// FlushQueue 立即处理队列中的全部条目
// @Summary 立即处理队列
// @Tags 队列
// @Produce json
// @Success 200 {object} response.Response
// @Failure 503 {object} response.ErrorResponse
// @Router /queue/flush [post]
func (h *MaintenanceHandler) FlushQueue(c *gin.Context) {
	if err := h.engine.Flush(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, h.engine.Queue().Stats())
}

// VerifyIndexes 检查索引与元数据是否一致
// @Summary 校验索引
// @Tags 索引
// @Produce json
// @Success 200 {object} response.Response{data=search.IntegrityReport}
// @Failure 500 {object} response.ErrorResponse
// @Router /indexes/verify [get]
func (h *MaintenanceHandler) VerifyIndexes(c *gin.Context) {
	report, err := h.engine.VerifyIndexes(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, report)
}

// RebuildIndexes 重建索引
// @Summary 重建索引
// @Tags 索引
// @Produce json
// @Success 200 {object} response.Response
// @Failure 500 {object} response.ErrorResponse
// @Router /indexes/rebuild [post]
func (h *MaintenanceHandler) RebuildIndexes(c *gin.Context) {
	result, err := h.engine.RebuildIndexes(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// OptimizeIndexes 压缩索引
// @Summary 压缩索引
// @Tags 索引
// @Produce json
// @Success 200 {object} response.Response
// @Failure 500 {object} response.ErrorResponse
// @Router /indexes/optimize [post]
func (h *MaintenanceHandler) OptimizeIndexes(c *gin.Context) {
	result, err := h.engine.OptimizeIndexes(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// AddRelationship 添加实体关系，重复 ID 返回 created=false
// @Summary 添加实体关系
// @Tags 关系
// @Accept json
// @Produce json
// @Param relationship body search.Relationship true "关系"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse
// @Router /relationships [post]
func (h *MaintenanceHandler) AddRelationship(c *gin.Context) {
	var rel search.Relationship
	if err := c.ShouldBindJSON(&rel); err != nil {
		badRequest(c, err)
		return
	}
	added, err := h.engine.AddRelationship(rel)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"created": added})
}

// RemoveRelationship 删除实体关系
// @Summary 删除实体关系
// @Tags 关系
// @Produce json
// @Param id path string true "关系 ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.ErrorResponse
// @Router /relationships/{id} [delete]
func (h *MaintenanceHandler) RemoveRelationship(c *gin.Context) {
	if !h.engine.RemoveRelationship(c.Param("id")) {
		notFound(c, "relationship")
		return
	}
	response.Success(c, gin.H{"deleted": true})
}

// EntityRelationships 实体参与的关系
// @Summary 实体参与的关系
// @Tags 关系
// @Produce json
// @Param id path string true "实体 ID"
// @Success 200 {object} response.Response{data=[]search.Relationship}
// @Router /relationships/{id} [get]
func (h *MaintenanceHandler) EntityRelationships(c *gin.Context) {
	rels := h.engine.Relationships(c.Param("id"))
	if rels == nil {
		rels = []search.Relationship{}
	}
	response.Success(c, rels)
}

// Checkpoint 排空队列并截断 WAL
// @Summary 写入检查点
// @Tags 引擎
// @Produce json
// @Success 200 {object} response.Response
// @Failure 503 {object} response.ErrorResponse
// @Router /engine/checkpoint [post]
func (h *MaintenanceHandler) Checkpoint(c *gin.Context) {
	if err := h.engine.Checkpoint(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"checkpointed": true})
}

// EngineStats 引擎整体统计
// @Summary 引擎整体统计
// @Tags 引擎
// @Produce json
// @Success 200 {object} response.Response{data=appEngine.Stats}
// @Failure 500 {object} response.ErrorResponse
// @Router /engine/stats [get]
func (h *MaintenanceHandler) EngineStats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}
