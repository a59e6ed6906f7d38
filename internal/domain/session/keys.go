package session

import (
	"fmt"
	"strings"
)

// Collection 分块存储的大集合类型
type Collection string

const (
	CollectionScreenshots   Collection = "screenshots"
	CollectionAudioSegments Collection = "audioSegments"
	CollectionVideoChunks   Collection = "videoChunks"
)

// Collections 所有分块集合，按固定顺序
var Collections = []Collection{CollectionScreenshots, CollectionAudioSegments, CollectionVideoChunks}

// ChunkSize 每种集合的固定块大小，创建后不再改变
func (c Collection) ChunkSize() int {
	switch c {
	case CollectionScreenshots:
		return 20
	case CollectionAudioSegments, CollectionVideoChunks:
		return 100
	default:
		return 0
	}
}

// Object 可选大对象
type Object string

const (
	ObjectSummary       Object = "summary"
	ObjectTranscript    Object = "transcript"
	ObjectAudioInsights Object = "audio-insights"
)

// Objects 所有可选大对象
var Objects = []Object{ObjectSummary, ObjectTranscript, ObjectAudioInsights}

// SessionsPrefix 所有会话键的前缀
const SessionsPrefix = "sessions/"

// ValidateID 会话 ID 会成为路径段，不能含分隔符
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// MetadataKey sessions/{id}/metadata
func MetadataKey(id string) string {
	return SessionsPrefix + id + "/metadata"
}

// ChunkKey sessions/{id}/{collection}/chunk-{index:03}
func ChunkKey(id string, c Collection, index int) string {
	return fmt.Sprintf("%s%s/%s/chunk-%03d", SessionsPrefix, id, c, index)
}

// ChunkPrefix sessions/{id}/{collection}/
func ChunkPrefix(id string, c Collection) string {
	return SessionsPrefix + id + "/" + string(c) + "/"
}

// ObjectKey sessions/{id}/{object}
func ObjectKey(id string, o Object) string {
	return SessionsPrefix + id + "/" + string(o)
}

// Prefix sessions/{id}/
func Prefix(id string) string {
	return SessionsPrefix + id + "/"
}

// CachePattern 缓存失效用的 glob 模式，覆盖该会话的全部键
func CachePattern(id string) string {
	return Prefix(id) + "*"
}

// IDFromMetadataKey 从元数据键中取出会话 ID
func IDFromMetadataKey(key string) (string, bool) {
	if !strings.HasPrefix(key, SessionsPrefix) || !strings.HasSuffix(key, "/metadata") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, SessionsPrefix), "/metadata")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// IDFromKey 取出 sessions/{id}/... 形式键中的会话 ID
func IDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, SessionsPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, SessionsPrefix)
	i := strings.Index(rest, "/")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
