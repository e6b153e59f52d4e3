package llm

import (
	"errors"
	"time"
)

// ErrorCode 上游失败的分类。闸门只把 ErrRateLimited 当作限流信号。
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "LLM_INVALID_REQUEST"
	ErrUnauthorized      ErrorCode = "LLM_UNAUTHORIZED"
	ErrForbidden         ErrorCode = "LLM_FORBIDDEN"
	ErrRateLimited       ErrorCode = "LLM_RATE_LIMITED" // 429
	ErrQuotaExceeded     ErrorCode = "LLM_QUOTA_EXCEEDED"
	ErrModelOverloaded   ErrorCode = "LLM_MODEL_OVERLOADED"
	ErrUpstreamTimeout   ErrorCode = "LLM_UPSTREAM_TIMEOUT"
	ErrUpstreamError     ErrorCode = "LLM_UPSTREAM_ERROR"
	ErrMalformedResponse ErrorCode = "LLM_MALFORMED_RESPONSE"
)

// Error 是 Provider 与向量化服务返回的错误
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	Provider   string        `json:"provider,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // 仅限流时可能非零
}

func (e *Error) Error() string { return e.Message }

func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsThrottle 报告 err 是否为上游限流拒绝
func IsThrottle(err error) bool {
	e, ok := asError(err)
	return ok && e.Code == ErrRateLimited
}

// IsRetryable 报告 err 是否为可重试的上游错误
func IsRetryable(err error) bool {
	e, ok := asError(err)
	return ok && e.Retryable
}

// RetryAfterHint 返回上游给出的 Retry-After，没有时为 0
func RetryAfterHint(err error) time.Duration {
	if e, ok := asError(err); ok {
		return e.RetryAfter
	}
	return 0
}
