package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	domainSession "github.com/taskerino/backend/internal/domain/session"
)

// zstdMagic zstd 帧头，用于识别已压缩的块
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// chunkCodec 块内容的压缩编解码，EncodeAll / DecodeAll 可并发调用
type chunkCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newChunkCodec() (*chunkCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &chunkCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *chunkCodec) encode(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// decode 未压缩的内容原样返回
func (c *chunkCodec) decode(data []byte) ([]byte, error) {
	if !isCompressed(data) {
		return data, nil
	}
	return c.decoder.DecodeAll(data, nil)
}

func isCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// encodeCollection 把集合切成固定大小的块，每块编码为 JSON 数组
func encodeCollection(s *domainSession.Session, col domainSession.Collection) ([][]byte, error) {
	switch col {
	case domainSession.CollectionScreenshots:
		return splitChunks(s.Screenshots, col.ChunkSize())
	case domainSession.CollectionAudioSegments:
		return splitChunks(s.AudioSegments, col.ChunkSize())
	case domainSession.CollectionVideoChunks:
		return splitChunks(s.VideoChunks, col.ChunkSize())
	default:
		return nil, fmt.Errorf("unknown collection %q", col)
	}
}

func splitChunks[T any](items []T, size int) ([][]byte, error) {
	chunks := make([][]byte, 0, domainSession.ChunkCountFor(len(items), size))
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		data, err := json.Marshal(items[start:end])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, data)
	}
	return chunks, nil
}

// joinChunks 按块序拼接，总数必须与元数据一致
func joinChunks[T any](chunks [][]byte, want int) ([]T, error) {
	items := make([]T, 0, want)
	for i, data := range chunks {
		var part []T
		if err := json.Unmarshal(data, &part); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		items = append(items, part...)
	}
	if len(items) != want {
		return nil, fmt.Errorf("expected %d items, found %d", want, len(items))
	}
	return items, nil
}

func objectPayload(s *domainSession.Session, obj domainSession.Object) json.RawMessage {
	switch obj {
	case domainSession.ObjectSummary:
		return s.Summary
	case domainSession.ObjectTranscript:
		return s.Transcript
	case domainSession.ObjectAudioInsights:
		return s.AudioInsights
	default:
		return nil
	}
}

// assembleSession 由元数据、块和大对象重建完整会话
func assembleSession(meta *domainSession.Metadata, chunks map[domainSession.Collection][][]byte, objects map[domainSession.Object]json.RawMessage) (*domainSession.Session, error) {
	s := &domainSession.Session{
		ID:          meta.ID,
		Name:        meta.Name,
		Description: meta.Description,
		Status:      meta.Status,
		StartTime:   meta.StartTime,
		EndTime:     meta.EndTime,
		Category:    meta.Category,
		SubCategory: meta.SubCategory,
		Tags:        meta.Tags,
		CreatedAt:   meta.CreatedAt,
		UpdatedAt:   meta.UpdatedAt,

		Summary:       objects[domainSession.ObjectSummary],
		Transcript:    objects[domainSession.ObjectTranscript],
		AudioInsights: objects[domainSession.ObjectAudioInsights],
	}

	var err error
	if s.Screenshots, err = joinChunks[domainSession.Screenshot](chunks[domainSession.CollectionScreenshots], meta.Screenshots.Count); err != nil {
		return nil, fmt.Errorf("screenshots: %w", err)
	}
	if s.AudioSegments, err = joinChunks[domainSession.AudioSegment](chunks[domainSession.CollectionAudioSegments], meta.AudioSegments.Count); err != nil {
		return nil, fmt.Errorf("audio segments: %w", err)
	}
	if s.VideoChunks, err = joinChunks[domainSession.VideoChunk](chunks[domainSession.CollectionVideoChunks], meta.VideoChunks.Count); err != nil {
		return nil, fmt.Errorf("video chunks: %w", err)
	}
	return s, nil
}
