// MockProvider 是 LLM Provider 的脚本化测试实现。
//
// 按顺序消费预设的步骤（成功 / 限流 / 错误），脚本用尽后重复最后一步。
package mocks

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/ddrflow/llm"
)

// Step 是一次调用的预设结果
type Step struct {
	Content    string
	Tokens     int
	Err        error
	Delay      time.Duration
	RetryAfter time.Duration
	throttle   bool
}

// Reply 返回成功步骤
func Reply(content string, tokens int) Step { return Step{Content: content, Tokens: tokens} }

// Throttle 返回限流步骤
func Throttle() Step { return Step{throttle: true} }

// ThrottleAfter 返回带 Retry-After 提示的限流步骤
func ThrottleAfter(d time.Duration) Step { return Step{throttle: true, RetryAfter: d} }

// Fail 返回错误步骤
func Fail(err error) Step { return Step{Err: err} }

// MockProvider 是 llm.Provider 的模拟实现
type MockProvider struct {
	mu    sync.Mutex
	name  string
	steps []Step
	calls []*llm.ChatRequest
}

// NewMockProvider 创建新的 MockProvider，默认回复 "Mock response"
func NewMockProvider(steps ...Step) *MockProvider {
	if len(steps) == 0 {
		steps = []Step{Reply("Mock response", 30)}
	}
	return &MockProvider{name: "mock", steps: steps}
}

// WithName 设置 Provider 名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

func (m *MockProvider) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Completion 按脚本返回结果并记录请求
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	idx := len(m.calls)
	if idx >= len(m.steps) {
		idx = len(m.steps) - 1
	}
	step := m.steps[idx]
	m.calls = append(m.calls, req)
	name := m.name
	m.mu.Unlock()

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case step.throttle:
		return nil, &llm.Error{
			Code:       llm.ErrRateLimited,
			Message:    "rate limit reached",
			HTTPStatus: http.StatusTooManyRequests,
			Retryable:  true,
			Provider:   name,
			RetryAfter: step.RetryAfter,
		}
	case step.Err != nil:
		return nil, step.Err
	}

	return &llm.ChatResponse{
		ID:       "mock-" + req.TraceID,
		Provider: name,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: step.Content},
		}},
		Usage:     llm.ChatUsage{TotalTokens: step.Tokens},
		CreatedAt: time.Now(),
	}, nil
}

// Calls 返回收到的请求
func (m *MockProvider) Calls() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*llm.ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
