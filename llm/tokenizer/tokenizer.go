package tokenizer

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Tokenizer 计数接口，预算预留与上下文截断都走这里。
type Tokenizer interface {
	CountTokens(text string) (int, error)
	Name() string
}

// Message 是 tokenizer 包使用的轻量级消息结构，避免依赖 llm 包。
type Message struct {
	Role    string
	Content string
}

// 每条消息的角色标记与分隔符开销，以及对话结束开销.
const (
	perMessageOverhead   = 4
	conversationOverhead = 3
)

// CountMessages 计算消息列表的总 token 数（含每条消息的固定开销）.
func CountMessages(t Tokenizer, messages []Message) (int, error) {
	total := conversationOverhead
	for _, m := range messages {
		n, err := t.CountTokens(m.Content)
		if err != nil {
			return 0, err
		}
		total += n + perMessageOverhead
	}
	return total, nil
}

// EstimateCall 估算一次调用会消耗的 token：prompt 本身加上允许生成的最大 token 数。
func EstimateCall(t Tokenizer, messages []Message, maxTokens int) (int, error) {
	n, err := CountMessages(t, messages)
	if err != nil {
		return 0, err
	}
	if maxTokens > 0 {
		n += maxTokens
	}
	return n, nil
}

// Fallback 优先使用 primary；primary 第一次出错后永久切到 fallback。
type Fallback struct {
	primary  Tokenizer
	fallback Tokenizer
	logger   *zap.Logger
	degraded atomic.Bool
}

func NewFallback(primary, fallback Tokenizer, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{primary: primary, fallback: fallback, logger: logger}
}

// ForModel 默认组合：tiktoken，不可用时退到字符估算
func ForModel(model string, logger *zap.Logger) *Fallback {
	return NewFallback(NewTiktoken(model), NewEstimator(), logger)
}

func (f *Fallback) CountTokens(text string) (int, error) {
	if !f.degraded.Load() {
		n, err := f.primary.CountTokens(text)
		if err == nil {
			return n, nil
		}
		if f.degraded.CompareAndSwap(false, true) {
			f.logger.Warn("tokenizer unavailable, falling back to estimator",
				zap.String("tokenizer", f.primary.Name()),
				zap.Error(err))
		}
	}
	return f.fallback.CountTokens(text)
}

func (f *Fallback) Name() string {
	if f.degraded.Load() {
		return f.fallback.Name()
	}
	return f.primary.Name()
}
