package mocks

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// MockEmbedder 返回预设向量；未预设的文本按哈希生成确定性向量
type MockEmbedder struct {
	mu      sync.RWMutex
	vectors map[string][]float64
	dims    int
	err     error
	calls   atomic.Int64

	// Gate 非 nil 时每次调用都会阻塞直到可读，用于并发去重测试
	Gate chan struct{}
}

// NewMockEmbedder 创建 dims 维的模拟向量化器
func NewMockEmbedder(dims int) *MockEmbedder {
	return &MockEmbedder{vectors: make(map[string][]float64), dims: dims}
}

// WithVector 为文本预设向量
func (m *MockEmbedder) WithVector(text string, vec []float64) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[text] = vec
	return m
}

// WithError 让所有调用返回 err
func (m *MockEmbedder) WithError(err error) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MockEmbedder) Name() string  { return "mock" }
func (m *MockEmbedder) Model() string { return "mock-embedding" }

// Calls 返回调用次数
func (m *MockEmbedder) Calls() int { return int(m.calls.Load()) }

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	m.calls.Add(1)
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	if text == "" {
		return nil, errors.New("empty text")
	}
	if v, ok := m.vectors[text]; ok {
		return append([]float64(nil), v...), nil
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float64, m.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(seed>>11)/float64(1<<53) - 0.5
	}
	return vec, nil
}
