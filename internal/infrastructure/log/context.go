package log

import (
	"context"
	"log/slog"
)

type contextKey string

// 上下文键定义
const (
	// RequestContextID HTTP 请求 ID
	RequestContextID contextKey = "request_id"

	// SessionContextID 录制会话 ID
	SessionContextID contextKey = "session_id"

	// AttachmentContextID 附件内容哈希
	AttachmentContextID contextKey = "attachment_hash"

	// TransactionContextID 事务 ID
	TransactionContextID contextKey = "transaction_id"
)

// WithRequestID 在上下文中添加请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestContextID, requestID)
}

// WithSessionID 在上下文中添加会话 ID
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionContextID, sessionID)
}

// WithAttachmentHash 在上下文中添加附件哈希
func WithAttachmentHash(ctx context.Context, hash string) context.Context {
	return context.WithValue(ctx, AttachmentContextID, hash)
}

// WithTransactionID 在上下文中添加事务 ID
func WithTransactionID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, TransactionContextID, txID)
}

// LogCtxFromContext 从上下文中提取日志字段
func LogCtxFromContext(ctx context.Context) []any {
	var attrs []any

	for _, key := range []contextKey{RequestContextID, SessionContextID, AttachmentContextID, TransactionContextID} {
		if value, ok := ctx.Value(key).(string); ok && value != "" {
			attrs = append(attrs, slog.String(string(key), value))
		}
	}

	return attrs
}
