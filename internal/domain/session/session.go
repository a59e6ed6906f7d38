// Package session 定义会话聚合、元数据与分块布局
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status 会话状态
type Status string

const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
)

// Screenshot 截图
type Screenshot struct {
	ID           string          `json:"id"`
	AttachmentID string          `json:"attachmentId"`
	Timestamp    time.Time       `json:"timestamp"`
	RelativeTime float64         `json:"relativeTime,omitempty"`
	Analysis     json.RawMessage `json:"analysis,omitempty"`
	UserComment  string          `json:"userComment,omitempty"`
}

// AudioSegment 音频片段
type AudioSegment struct {
	ID            string    `json:"id"`
	AttachmentID  string    `json:"attachmentId"`
	Timestamp     time.Time `json:"timestamp"`
	Duration      float64   `json:"duration"`
	StartTime     float64   `json:"startTime,omitempty"`
	Transcription string    `json:"transcription,omitempty"`
}

// VideoChunk 视频分段
type VideoChunk struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachmentId"`
	Timestamp    time.Time `json:"timestamp"`
	StartTime    float64   `json:"startTime"`
	EndTime      float64   `json:"endTime"`
}

// Session 完整会话聚合
// 大集合按块存储，Summary / Transcript / AudioInsights 为可选大对象
type Session struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Category    string     `json:"category,omitempty"`
	SubCategory string     `json:"subCategory,omitempty"`
	Tags        []string   `json:"tags,omitempty"`

	Screenshots   []Screenshot   `json:"screenshots"`
	AudioSegments []AudioSegment `json:"audioSegments"`
	VideoChunks   []VideoChunk   `json:"videoChunks"`

	Summary       json.RawMessage `json:"summary,omitempty"`
	Transcript    json.RawMessage `json:"transcript,omitempty"`
	AudioInsights json.RawMessage `json:"audioInsights,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate 校验会话
func (s *Session) Validate() error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	return nil
}

// Duration 会话时长，进行中的会话返回 0
func (s *Session) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
