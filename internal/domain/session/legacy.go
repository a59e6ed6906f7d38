package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// LegacyVideo 旧格式中的整段视频
type LegacyVideo struct {
	FullVideoAttachmentID string  `json:"fullVideoAttachmentId"`
	Duration              float64 `json:"duration,omitempty"`
}

// LegacySession 分块之前的单体会话格式（整份 JSON 存在 sessions.json 中）
type LegacySession struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	StartTime     string          `json:"startTime"`
	EndTime       string          `json:"endTime,omitempty"`
	Category      string          `json:"category,omitempty"`
	SubCategory   string          `json:"subCategory,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Status        string          `json:"status,omitempty"`
	Screenshots   []Screenshot    `json:"screenshots,omitempty"`
	AudioSegments []AudioSegment  `json:"audioSegments,omitempty"`
	Video         *LegacyVideo    `json:"video,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Transcript    string          `json:"transcript,omitempty"`
	Summary       json.RawMessage `json:"summary,omitempty"`
}

// ToSession 转换为分块前的完整会话聚合
func (l *LegacySession) ToSession() (*Session, error) {
	if err := ValidateID(l.ID); err != nil {
		return nil, err
	}

	start, err := parseLegacyTime(l.StartTime)
	if err != nil {
		return nil, fmt.Errorf("session %s: invalid startTime: %w", l.ID, err)
	}

	s := &Session{
		ID:            l.ID,
		Name:          l.Name,
		Description:   l.Notes,
		Status:        Status(l.Status),
		StartTime:     start,
		Category:      l.Category,
		SubCategory:   l.SubCategory,
		Tags:          l.Tags,
		Screenshots:   l.Screenshots,
		AudioSegments: l.AudioSegments,
		Summary:       l.Summary,
		CreatedAt:     start,
		UpdatedAt:     start,
	}
	if s.Status == "" {
		s.Status = StatusCompleted
	}

	if l.EndTime != "" {
		end, err := parseLegacyTime(l.EndTime)
		if err != nil {
			return nil, fmt.Errorf("session %s: invalid endTime: %w", l.ID, err)
		}
		s.EndTime = &end
		s.UpdatedAt = end
	}

	if l.Video != nil && l.Video.FullVideoAttachmentID != "" {
		s.VideoChunks = []VideoChunk{{
			ID:           l.ID + "-video",
			AttachmentID: l.Video.FullVideoAttachmentID,
			Timestamp:    start,
			EndTime:      l.Video.Duration,
		}}
	}

	if l.Transcript != "" {
		raw, err := json.Marshal(l.Transcript)
		if err != nil {
			return nil, fmt.Errorf("session %s: encode transcript: %w", l.ID, err)
		}
		s.Transcript = raw
	}

	return s, nil
}

func parseLegacyTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
