package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// defaultRetryAfter 错误未携带等待提示时写出的 Retry-After
const defaultRetryAfter = 5 * time.Second

// Response 所有接口共用的响应信封
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 信封中的错误部分。Cause 永远不会出现在响应体里。
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON 以给定状态码写出 data
func WriteJSON(w http.ResponseWriter, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写出 200 与 data
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	WriteJSON(w, http.StatusOK, envelope(r, data, nil))
}

// WriteError 把 err 转成信封写出。非 *types.Error 一律按 INTERNAL_ERROR 返回，
// 原始信息只进日志。
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	te, ok := types.AsError(err)
	if !ok {
		te = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
	status := te.HTTPStatus
	if status == 0 {
		status = statusFor(te.Code)
	}

	logAPIError(logger, r, te, status)

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds(te.RetryAfter))
	}
	WriteJSON(w, status, envelope(r, nil, &ErrorInfo{
		Code:      string(te.Code),
		Message:   te.Message,
		Retryable: te.Retryable,
	}))
}

// WriteErrorMessage 以显式状态码写出错误
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, r, types.NewError(code, message).WithHTTPStatus(status), logger)
}

func envelope(r *http.Request, data any, info *ErrorInfo) Response {
	return Response{
		Success:   info == nil,
		Data:      data,
		Error:     info,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	}
}

func logAPIError(logger *zap.Logger, r *http.Request, te *types.Error, status int) {
	if logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("code", string(te.Code)),
		zap.String("message", te.Message),
		zap.Int("status", status),
		zap.String("request_id", requestID(r)),
	}
	if te.Cause != nil {
		fields = append(fields, zap.Error(te.Cause))
	}
	if status >= http.StatusInternalServerError {
		logger.Error("API error", fields...)
		return
	}
	logger.Warn("API error", fields...)
}

// 向上取整到秒，至少 1
func retryAfterSeconds(d time.Duration) string {
	if d <= 0 {
		d = defaultRetryAfter
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := types.RequestID(r.Context())
	return id
}

func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrMalformedAttr:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrBudgetExceeded, types.ErrRateLimited, types.ErrThrottled:
		return http.StatusTooManyRequests
	case types.ErrProviderFailure:
		return http.StatusBadGateway
	case types.ErrCancelled:
		return http.StatusGatewayTimeout
	case types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
