package session

import (
	"context"
	"encoding/json"
	"fmt"

	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/domain/storage"
)

// CompressionResult 压缩结果
type CompressionResult struct {
	SessionID       string  `json:"session_id"`
	Chunks          int     `json:"chunks"`
	OriginalBytes   int64   `json:"original_bytes"`
	CompressedBytes int64   `json:"compressed_bytes"`
	Ratio           float64 `json:"ratio"`
	AlreadyDone     bool    `json:"already_compressed"`
}

// CompressSession 把会话的所有块改写为 zstd 编码并设置压缩标记
// 已压缩的块保持不变，读取路径按帧头透明解压
func (c *ChunkedStorage) CompressSession(ctx context.Context, id string) (*CompressionResult, error) {
	if err := domainSession.ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	meta, err := c.loadMetadataFromAdapter(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w %s", ErrSessionNotFound, id)
	}

	result := &CompressionResult{SessionID: id}
	var ops []storage.Operation

	for _, col := range domainSession.Collections {
		for i := 0; i < meta.Info(col).ChunkCount; i++ {
			key := domainSession.ChunkKey(id, col, i)
			stored, err := c.adapter.Load(ctx, key)
			if err != nil {
				if storage.IsNotFound(err) {
					return nil, fmt.Errorf("%w: missing chunk %s", storage.ErrIntegrity, key)
				}
				return nil, err
			}
			result.Chunks++

			if isCompressed(stored) {
				raw, err := c.codec.decode(stored)
				if err != nil {
					return nil, fmt.Errorf("%w: decode %s: %v", storage.ErrIntegrity, key, err)
				}
				result.OriginalBytes += int64(len(raw))
				result.CompressedBytes += int64(len(stored))
				continue
			}

			encoded := c.codec.encode(stored)
			result.OriginalBytes += int64(len(stored))
			result.CompressedBytes += int64(len(encoded))
			ops = append(ops, storage.Operation{Type: storage.OperationSave, Key: key, Value: encoded})
		}
	}

	if result.OriginalBytes > 0 {
		result.Ratio = float64(result.CompressedBytes) / float64(result.OriginalBytes)
	}
	if len(ops) == 0 && meta.Compressed {
		result.AlreadyDone = true
		return result, nil
	}

	meta.Compressed = true
	meta.UpdatedAt = c.now()
	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	ops = append(ops, storage.Operation{Type: storage.OperationSave, Key: domainSession.MetadataKey(id), Value: metaData})

	if err := c.commit(ctx, ops); err != nil {
		return nil, fmt.Errorf("failed to compress session %s: %w", id, err)
	}
	c.invalidateSession(id)

	c.logger.Info("Session compressed",
		"session_id", id,
		"chunks", result.Chunks,
		"original_bytes", result.OriginalBytes,
		"compressed_bytes", result.CompressedBytes,
		"ratio", result.Ratio,
	)
	return result, nil
}
