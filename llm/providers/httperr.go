// Package providers 收纳 HTTP 上游（聊天补全、向量化）共用的错误映射。
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/ddrflow/llm"
)

// FromStatus 按 HTTP 状态码分类。只有 429 映射为 ErrRateLimited。
func FromStatus(status int, msg, provider string) *llm.Error {
	e := &llm.Error{Message: msg, HTTPStatus: status, Provider: provider}
	switch {
	case status == http.StatusTooManyRequests:
		e.Code, e.Retryable = llm.ErrRateLimited, true
	case status == http.StatusUnauthorized:
		e.Code = llm.ErrUnauthorized
	case status == http.StatusForbidden:
		e.Code = llm.ErrForbidden
	case status == http.StatusBadRequest && mentionsQuota(msg):
		e.Code = llm.ErrQuotaExceeded
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		e.Code = llm.ErrInvalidRequest
	case status == http.StatusGatewayTimeout:
		e.Code, e.Retryable = llm.ErrUpstreamTimeout, true
	case status == 529:
		e.Code, e.Retryable = llm.ErrModelOverloaded, true
	default:
		e.Code, e.Retryable = llm.ErrUpstreamError, status >= 500
	}
	return e
}

func mentionsQuota(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "quota") || strings.Contains(m, "credit")
}

// FromResponse 读取错误响应体；限流时附带 Retry-After。
func FromResponse(resp *http.Response, provider string) *llm.Error {
	e := FromStatus(resp.StatusCode, errorBody(resp.Body), provider)
	if e.Code == llm.ErrRateLimited {
		e.RetryAfter = RetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// FromTransport 处理 http.Client.Do 的错误。ctx 已结束时原样返回 ctx.Err()，
// 其余视为可重试的上游故障。
func FromTransport(ctx context.Context, err error, provider string) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return &llm.Error{
		Code:       llm.ErrUpstreamError,
		Message:    fmt.Sprintf("%s unreachable: %v", provider, err),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
	}
}

// RetryAfter 解析秒数或 HTTP 日期格式；无效或已过去时返回 0
func RetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return max(time.Duration(secs*float64(time.Second)), 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

// errorBody 取 OpenAI 风格 {"error":{"message","type"}} 中的消息，否则返回原文
func errorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "unreadable error response"
	}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		if env.Error.Type != "" {
			return env.Error.Message + " (type: " + env.Error.Type + ")"
		}
		return env.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
