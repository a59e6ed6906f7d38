package cache

import (
	"encoding/json"
)

// fallbackSize 无法序列化的值按 1KB 计
const fallbackSize = 1024

// EstimateSize 估算值占用的字节数
// 字节切片与字符串取长度，其余值取 JSON 编码后的长度
func EstimateSize(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(val))
	case json.RawMessage:
		return int64(len(val))
	case string:
		return int64(len(val))
	case interface{ SizeBytes() int64 }:
		return val.SizeBytes()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fallbackSize
	}
	return int64(len(data))
}
