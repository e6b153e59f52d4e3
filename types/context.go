package types

import "context"

type ctxKey int

const (
	traceIDKey ctxKey = iota
	requestIDKey
	subjectKey
)

func withString(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

// 空串视为未设置
func stringFrom(ctx context.Context, k ctxKey) (string, bool) {
	v, _ := ctx.Value(k).(string)
	return v, v != ""
}

// WithTraceID 写入链路追踪 ID。
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, traceIDKey, traceID)
}

func TraceID(ctx context.Context) (string, bool) { return stringFrom(ctx, traceIDKey) }

// WithRequestID 写入 X-Request-ID，handler 写日志和错误体时回读。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestID(ctx context.Context) (string, bool) { return stringFrom(ctx, requestIDKey) }

// WithSubject 写入 JWT subject。
func WithSubject(ctx context.Context, sub string) context.Context {
	return withString(ctx, subjectKey, sub)
}

func Subject(ctx context.Context) (string, bool) { return stringFrom(ctx, subjectKey) }
