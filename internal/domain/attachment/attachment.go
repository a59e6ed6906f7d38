// Package attachment 定义内容寻址附件及其引用集合
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/taskerino/backend/internal/domain/storage"
)

// HashLength SHA-256 十六进制摘要长度
const HashLength = 64

// KeyPrefix 内容寻址存储的键前缀
const KeyPrefix = "attachments-ca/"

// ErrNoPayload 附件没有载荷
var ErrNoPayload = fmt.Errorf("%w: attachment has no payload", storage.ErrValidation)

// Attachment 待保存的附件
type Attachment struct {
	// ID 调用方的本地附件 ID
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"-"`
}

// Ref 引用：某个拥有者（通常是会话）中的某个本地附件
type Ref struct {
	OwnerID string    `json:"ownerId"`
	LocalID string    `json:"localId"`
	AddedAt time.Time `json:"addedAt"`
}

// Metadata 内容对象的元数据与引用集合
// 引用集合非空时对象才会被保留
type Metadata struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	References []Ref     `json:"references"`
}

// AddReference 按 (OwnerID, LocalID) 幂等插入，返回是否新增
func (m *Metadata) AddReference(ownerID, localID string, now time.Time) bool {
	for _, ref := range m.References {
		if ref.OwnerID == ownerID && ref.LocalID == localID {
			return false
		}
	}
	m.References = append(m.References, Ref{OwnerID: ownerID, LocalID: localID, AddedAt: now})
	return true
}

// RemoveOwner 移除某个拥有者的全部引用，返回移除数量
func (m *Metadata) RemoveOwner(ownerID string) int {
	kept := m.References[:0]
	removed := 0
	for _, ref := range m.References {
		if ref.OwnerID == ownerID {
			removed++
			continue
		}
		kept = append(kept, ref)
	}
	m.References = kept
	return removed
}

// Referenced 是否仍被引用
func (m *Metadata) Referenced() bool {
	return len(m.References) > 0
}

// Hash 计算内容哈希（纯函数）
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateHash 校验哈希格式
func ValidateHash(hash string) error {
	if len(hash) != HashLength {
		return fmt.Errorf("%w: invalid hash length %d", storage.ErrValidation, len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("%w: invalid hash %q", storage.ErrValidation, hash)
	}
	return nil
}

// prefix 前两个字符作为扇出目录，限制单目录条目数
func prefix(hash string) string {
	return hash[:2]
}

// DataKey attachments-ca/{prefix}/{hash}/data
func DataKey(hash string) string {
	return KeyPrefix + prefix(hash) + "/" + hash + "/data"
}

// MetadataKey attachments-ca/{prefix}/{hash}/metadata
func MetadataKey(hash string) string {
	return KeyPrefix + prefix(hash) + "/" + hash + "/metadata"
}

// HashFromMetadataKey 从元数据键中取出哈希
func HashFromMetadataKey(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix) || !strings.HasSuffix(key, "/metadata") {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(key, KeyPrefix), "/")
	if len(parts) != 3 || ValidateHash(parts[1]) != nil {
		return "", false
	}
	return parts[1], true
}
