//go:build integration
// +build integration

// APIClient 基于 resty 封装的 HTTP 客户端，直接复用业务结构体
package framework

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
)

// APIClient 测试用 HTTP 客户端
type APIClient struct {
	client  *resty.Client
	baseURL string
}

// NewAPIClient 创建测试用 HTTP 客户端
func NewAPIClient(baseURL string) *APIClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &APIClient{
		client:  client,
		baseURL: baseURL,
	}
}

// --- 通用响应结构 ---

// APIResponse 通用 API 响应（复用 response.Response 的 JSON 结构）
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`

	// StatusCode HTTP 状态码，不参与 JSON 解析
	StatusCode int `json:"-"`
}

// SaveData 保存会话响应 data
type SaveData struct {
	Metadata *domainSession.Metadata `json:"metadata"`
	QueueIDs []string                `json:"queueIds"`
}

// UploadData 上传附件响应 data
type UploadData struct {
	Hash string `json:"hash"`
	Size int    `json:"size"`
}

// do 执行请求并统一处理成功/错误响应的 JSON 解析
// resty 的 SetResult 仅在 2xx 时解析，SetError 在 4xx/5xx 时解析
// 由于两者的 code/message 字段一致，用同类型接收即可
func do[T any](r *resty.Request, result *APIResponse[T]) *resty.Request {
	return r.SetResult(result).SetError(result)
}

func finish[T any](resp *resty.Response, err error, result *APIResponse[T]) (*APIResponse[T], error) {
	if err != nil {
		return nil, err
	}
	result.StatusCode = resp.StatusCode()
	return result, nil
}

// --- 健康检查 ---

// HealthCheck 健康检查
func (c *APIClient) HealthCheck() error {
	resp, err := c.client.R().Get("/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode())
	}
	return nil
}

// --- 会话 ---

// SaveSession 同步保存会话
func (c *APIClient) SaveSession(s *domainSession.Session) (*APIResponse[SaveData], error) {
	var result APIResponse[SaveData]
	resp, err := do(c.client.R().SetBody(s), &result).Post("/api/v1/sessions")
	return finish(resp, err, &result)
}

// SaveSessionQueued 交给写回队列保存
func (c *APIClient) SaveSessionQueued(s *domainSession.Session, priority domainQueue.Priority) (*APIResponse[SaveData], error) {
	var result APIResponse[SaveData]
	resp, err := do(c.client.R().
		SetBody(s).
		SetQueryParam("queued", "true").
		SetQueryParam("priority", string(priority)), &result).
		Post("/api/v1/sessions")
	return finish(resp, err, &result)
}

// GetSession 读取完整会话
func (c *APIClient) GetSession(id string) (*APIResponse[*domainSession.Session], error) {
	var result APIResponse[*domainSession.Session]
	resp, err := do(c.client.R(), &result).Get("/api/v1/sessions/" + id)
	return finish(resp, err, &result)
}

// DeleteSession 删除会话
func (c *APIClient) DeleteSession(id string) (*APIResponse[map[string]bool], error) {
	var result APIResponse[map[string]bool]
	resp, err := do(c.client.R(), &result).Delete("/api/v1/sessions/" + id)
	return finish(resp, err, &result)
}

// Search 检索会话
func (c *APIClient) Search(q search.Query) (*APIResponse[search.Result], error) {
	var result APIResponse[search.Result]
	resp, err := do(c.client.R().SetBody(q), &result).Post("/api/v1/sessions/search")
	return finish(resp, err, &result)
}

// --- 附件 ---

// UploadAttachment 上传附件原始内容
func (c *APIClient) UploadAttachment(localID, mimeType string, data []byte) (*APIResponse[UploadData], error) {
	var result APIResponse[UploadData]
	resp, err := do(c.client.R().
		SetHeader("Content-Type", mimeType).
		SetQueryParam("id", localID).
		SetBody(data), &result).
		Post("/api/v1/attachments")
	return finish(resp, err, &result)
}

// AttachmentStats 附件存储统计
func (c *APIClient) AttachmentStats() (*APIResponse[domainAttachment.Stats], error) {
	var result APIResponse[domainAttachment.Stats]
	resp, err := do(c.client.R(), &result).Get("/api/v1/attachments/stats")
	return finish(resp, err, &result)
}

// CollectGarbage 触发附件回收
func (c *APIClient) CollectGarbage() (*APIResponse[domainAttachment.GCResult], error) {
	var result APIResponse[domainAttachment.GCResult]
	resp, err := do(c.client.R(), &result).Post("/api/v1/attachments/gc")
	return finish(resp, err, &result)
}

// --- 队列与索引 ---

// FlushQueue 立即处理写回队列
func (c *APIClient) FlushQueue() (*APIResponse[domainQueue.Stats], error) {
	var result APIResponse[domainQueue.Stats]
	resp, err := do(c.client.R(), &result).Post("/api/v1/queue/flush")
	return finish(resp, err, &result)
}

// VerifyIndexes 检查索引一致性
func (c *APIClient) VerifyIndexes() (*APIResponse[search.IntegrityReport], error) {
	var result APIResponse[search.IntegrityReport]
	resp, err := do(c.client.R(), &result).Get("/api/v1/indexes/verify")
	return finish(resp, err, &result)
}

// Metrics 原始 Prometheus 文本
func (c *APIClient) Metrics() (string, error) {
	resp, err := c.client.R().SetHeader("Accept", "text/plain").Get("/metrics")
	if err != nil {
		return "", err
	}
	return resp.String(), nil
}
