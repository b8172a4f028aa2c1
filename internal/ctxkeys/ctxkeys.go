package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	clientIDKey  contextKey = "client_id"
	traceIDKey   contextKey = "trace_id"
)

// WithRequestID 设置 RequestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取 RequestID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithClientID 设置已认证的客户端标识（API Key 指纹或 JWT subject）
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientID 获取客户端标识
func ClientID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(clientIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
