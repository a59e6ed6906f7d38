package middleware

import (
	"bytes"
	"io"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// EnsureUTF8Body 把非 UTF-8 的请求体按 GBK 解码
// Windows 中文环境下的命令行客户端常以 GBK 发送会话名称和标签
func EnsureUTF8Body() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 || !isTextual(c.ContentType()) {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		_ = c.Request.Body.Close()
		if err != nil {
			c.Next()
			return
		}

		if !utf8.Valid(body) {
			if decoded, err := decodeGBK(body); err == nil && utf8.Valid(decoded) {
				body = decoded
				c.Request.ContentLength = int64(len(body))
			}
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

// isTextual 附件上传等二进制请求体保持原样
func isTextual(contentType string) bool {
	switch contentType {
	case "", "application/json", "text/plain":
		return true
	default:
		return false
	}
}

func decodeGBK(data []byte) ([]byte, error) {
	return io.ReadAll(transform.NewReader(bytes.NewReader(data), simplifiedchinese.GBK.NewDecoder()))
}
