package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	appEngine "github.com/taskerino/backend/internal/application/engine"
	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/interfaces/http/response"
)

// SessionHandler 会话读写与检索
type SessionHandler struct {
	engine *appEngine.Engine
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(engine *appEngine.Engine) *SessionHandler {
	return &SessionHandler{engine: engine}
}

// SaveResult 保存结果，排队保存时带上队列条目 ID
type SaveResult struct {
	Metadata *domainSession.Metadata `json:"metadata"`
	QueueIDs []string                `json:"queueIds,omitempty"`
}

// List 分页列出会话摘要，按开始时间倒序
// @Summary 获取会话列表
// @Tags 会话
// @Produce json
// @Param page query int false "页码，从 1 开始"
// @Param pageSize query int false "每页条数，默认 50，最大 500"
// @Success 200 {object} response.ResponseWithPage{data=[]domainSession.SessionSummary}
// @Failure 500 {object} response.ErrorResponse
// @Router /sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	summaries, err := h.engine.ListSessions(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	start := min((page-1)*pageSize, len(summaries))
	end := min(start+pageSize, len(summaries))
	response.SuccessWithPage(c, summaries[start:end], page, pageSize, len(summaries))
}

// Save 保存完整会话
// 排队保存立即返回 202，写入由后台队列完成
// @Summary 保存完整会话
// @Tags 会话
// @Accept json
// @Produce json
// @Param session body domainSession.Session true "会话"
// @Param queued query bool false "交给写回队列，立即返回 202"
// @Param priority query string false "排队优先级 critical/normal/low"
// @Success 200 {object} response.Response{data=SaveResult}
// @Success 202 {object} response.Response{data=SaveResult}
// @Failure 400 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Failure 507 {object} response.ErrorResponse
// @Router /sessions [post]
func (h *SessionHandler) Save(c *gin.Context) {
	var s domainSession.Session
	if err := c.ShouldBindJSON(&s); err != nil {
		badRequest(c, err)
		return
	}

	if queued, _ := strconv.ParseBool(c.Query("queued")); queued {
		priority, err := domainQueue.ParsePriority(c.DefaultQuery("priority", string(domainQueue.PriorityNormal)))
		if err != nil {
			fail(c, err)
			return
		}
		meta, ids, err := h.engine.SaveSessionQueued(c.Request.Context(), &s, priority)
		if err != nil {
			fail(c, err)
			return
		}
		response.Accepted(c, SaveResult{Metadata: meta, QueueIDs: ids})
		return
	}

	meta, err := h.engine.SaveSession(c.Request.Context(), &s)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, SaveResult{Metadata: meta})
}

// Get 读取完整会话
// @Summary 读取完整会话
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} response.Response{data=domainSession.Session}
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	s, err := h.engine.LoadSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if s == nil {
		notFound(c, "session")
		return
	}
	response.Success(c, s)
}

// Metadata 读取会话元数据
// @Summary 读取会话元数据
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} response.Response{data=domainSession.Metadata}
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /sessions/{id}/metadata [get]
func (h *SessionHandler) Metadata(c *gin.Context) {
	meta, err := h.engine.LoadMetadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if meta == nil {
		notFound(c, "session")
		return
	}
	response.Success(c, meta)
}

// Delete 删除会话
// @Summary 删除会话
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /sessions/{id} [delete]
func (h *SessionHandler) Delete(c *gin.Context) {
	deleted, err := h.engine.DeleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if !deleted {
		notFound(c, "session")
		return
	}
	response.Success(c, gin.H{"deleted": true})
}

// Search 检索会话
// @Summary 检索会话
// @Tags 会话
// @Accept json
// @Produce json
// @Param query body search.Query true "检索条件"
// @Success 200 {object} response.Response{data=search.Result}
// @Failure 400 {object} response.ErrorResponse
// @Router /sessions/search [post]
func (h *SessionHandler) Search(c *gin.Context) {
	var q search.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		badRequest(c, err)
		return
	}
	response.Success(c, h.engine.Search(q))
}

// Compress 压缩会话块数据
// @Summary 压缩会话块数据
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /sessions/{id}/compress [post]
func (h *SessionHandler) Compress(c *gin.Context) {
	result, err := h.engine.CompressSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// AppendScreenshot 追加截图
// @Summary 追加截图
// @Tags 会话
// @Accept json
// @Produce json
// @Param id path string true "会话 ID"
// @Param screenshot body domainSession.Screenshot true "截图"
// @Success 200 {object} response.Response{data=domainSession.Metadata}
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /sessions/{id}/screenshots [post]
func (h *SessionHandler) AppendScreenshot(c *gin.Context) {
	var shot domainSession.Screenshot
	if err := c.ShouldBindJSON(&shot); err != nil {
		badRequest(c, err)
		return
	}
	meta, err := h.engine.AppendScreenshot(c.Request.Context(), c.Param("id"), shot)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, meta)
}

// AppendAudioSegment 追加音频片段
// @Summary 追加音频片段
// @Tags 会话
// @Accept json
// @Produce json
// @Param id path string true "会话 ID"
// @Param segment body domainSession.AudioSegment true "音频片段"
// @Success 200 {object} response.Response{data=domainSession.Metadata}
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /sessions/{id}/audio-segments [post]
func (h *SessionHandler) AppendAudioSegment(c *gin.Context) {
	var segment domainSession.AudioSegment
	if err := c.ShouldBindJSON(&segment); err != nil {
		badRequest(c, err)
		return
	}
	meta, err := h.engine.AppendAudioSegment(c.Request.Context(), c.Param("id"), segment)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, meta)
}

// AppendVideoChunk 追加视频分段
// @Summary 追加视频分段
// @Tags 会话
// @Accept json
// @Produce json
// @Param id path string true "会话 ID"
// @Param chunk body domainSession.VideoChunk true "视频分段"
// @Success 200 {object} response.Response{data=domainSession.Metadata}
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /sessions/{id}/video-chunks [post]
func (h *SessionHandler) AppendVideoChunk(c *gin.Context) {
	var chunk domainSession.VideoChunk
	if err := c.ShouldBindJSON(&chunk); err != nil {
		badRequest(c, err)
		return
	}
	meta, err := h.engine.AppendVideoChunk(c.Request.Context(), c.Param("id"), chunk)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, meta)
}

type activeSessionRequest struct {
	ID string `json:"id"`
}

// SetActive 设置当前录制中的会话，空 ID 表示清除
// @Summary 设置当前会话
// @Tags 会话
// @Accept json
// @Produce json
// @Param request body activeSessionRequest true "会话 ID，空字符串表示清除"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse
// @Router /sessions/active [put]
func (h *SessionHandler) SetActive(c *gin.Context) {
	var req activeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.engine.SetActiveSession(req.ID); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"activeSession": h.engine.ActiveSession()})
}

// Migrate 导入单体旧格式会话
// @Summary 导入旧格式会话
// @Tags 会话
// @Accept json
// @Produce json
// @Param session body domainSession.LegacySession true "旧格式会话"
// @Success 200 {object} response.Response{data=domainSession.Metadata}
// @Failure 400 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /sessions/migrate [post]
func (h *SessionHandler) Migrate(c *gin.Context) {
	var legacy domainSession.LegacySession
	if err := c.ShouldBindJSON(&legacy); err != nil {
		badRequest(c, err)
		return
	}
	meta, err := h.engine.MigrateLegacySession(c.Request.Context(), &legacy)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, meta)
}
