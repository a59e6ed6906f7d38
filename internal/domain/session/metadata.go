package session

import "time"

// MetadataVersion 分块存储格式版本
const MetadataVersion = 2

// CollectionInfo 单个大集合的分块描述
// 约束：ChunkCount == ceil(Count / ChunkSize)
type CollectionInfo struct {
	Count      int `json:"count"`
	ChunkSize  int `json:"chunkSize"`
	ChunkCount int `json:"chunkCount"`
}

// NewCollectionInfo 按集合类型的固定块大小计算分块信息
func NewCollectionInfo(c Collection, count int) CollectionInfo {
	size := c.ChunkSize()
	return CollectionInfo{
		Count:      count,
		ChunkSize:  size,
		ChunkCount: ChunkCountFor(count, size),
	}
}

// ChunkCountFor ceil(count / size)
func ChunkCountFor(count, size int) int {
	if count <= 0 || size <= 0 {
		return 0
	}
	return (count + size - 1) / size
}

// LastChunkFill 最后一个块已有的条目数
func (c CollectionInfo) LastChunkFill() int {
	if c.ChunkCount == 0 {
		return 0
	}
	return c.Count - (c.ChunkCount-1)*c.ChunkSize
}

// Metadata 会话元数据（热路径读取的小对象）
type Metadata struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Category    string     `json:"category,omitempty"`
	SubCategory string     `json:"subCategory,omitempty"`
	Tags        []string   `json:"tags,omitempty"`

	Screenshots   CollectionInfo `json:"screenshots"`
	AudioSegments CollectionInfo `json:"audioSegments"`
	VideoChunks   CollectionInfo `json:"videoChunks"`

	HasSummary       bool `json:"hasSummary"`
	HasTranscript    bool `json:"hasTranscript"`
	HasAudioInsights bool `json:"hasAudioInsights"`

	// Compressed 块内容是否经过压缩编码
	Compressed bool `json:"compressed,omitempty"`
	Version    int  `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Info 返回集合的分块信息指针
func (m *Metadata) Info(c Collection) *CollectionInfo {
	switch c {
	case CollectionScreenshots:
		return &m.Screenshots
	case CollectionAudioSegments:
		return &m.AudioSegments
	case CollectionVideoChunks:
		return &m.VideoChunks
	default:
		return nil
	}
}

// HasObject 可选大对象是否存在
func (m *Metadata) HasObject(o Object) bool {
	switch o {
	case ObjectSummary:
		return m.HasSummary
	case ObjectTranscript:
		return m.HasTranscript
	case ObjectAudioInsights:
		return m.HasAudioInsights
	default:
		return false
	}
}

// MetadataFromSession 从完整会话派生元数据
func MetadataFromSession(s *Session) *Metadata {
	return &Metadata{
		ID:               s.ID,
		Name:             s.Name,
		Description:      s.Description,
		Status:           s.Status,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		Category:         s.Category,
		SubCategory:      s.SubCategory,
		Tags:             append([]string(nil), s.Tags...),
		Screenshots:      NewCollectionInfo(CollectionScreenshots, len(s.Screenshots)),
		AudioSegments:    NewCollectionInfo(CollectionAudioSegments, len(s.AudioSegments)),
		VideoChunks:      NewCollectionInfo(CollectionVideoChunks, len(s.VideoChunks)),
		HasSummary:       len(s.Summary) > 0,
		HasTranscript:    len(s.Transcript) > 0,
		HasAudioInsights: len(s.AudioInsights) > 0,
		Version:          MetadataVersion,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

// SessionSummary 会话列表用的轻量投影
type SessionSummary struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Status            Status     `json:"status"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	Category          string     `json:"category,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	ScreenshotCount   int        `json:"screenshotCount"`
	AudioSegmentCount int        `json:"audioSegmentCount"`
	VideoChunkCount   int        `json:"videoChunkCount"`
	HasVideo          bool       `json:"hasVideo"`
	HasSummary        bool       `json:"hasSummary"`
	HasTranscript     bool       `json:"hasTranscript"`
	HasAudioInsights  bool       `json:"hasAudioInsights"`
}

// Summary 元数据投影为摘要
func (m *Metadata) Summary() SessionSummary {
	return SessionSummary{
		ID:                m.ID,
		Name:              m.Name,
		Status:            m.Status,
		StartTime:         m.StartTime,
		EndTime:           m.EndTime,
		Category:          m.Category,
		Tags:              m.Tags,
		ScreenshotCount:   m.Screenshots.Count,
		AudioSegmentCount: m.AudioSegments.Count,
		VideoChunkCount:   m.VideoChunks.Count,
		HasVideo:          m.VideoChunks.Count > 0,
		HasSummary:        m.HasSummary,
		HasTranscript:     m.HasTranscript,
		HasAudioInsights:  m.HasAudioInsights,
	}
}

// Clone 深拷贝，缓存中的元数据不能被调用方改动
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	if m.EndTime != nil {
		end := *m.EndTime
		c.EndTime = &end
	}
	return &c
}
