package embedding

import (
	"context"

	"github.com/BaSui01/ddrflow/llm/circuitbreaker"
)

// GuardedEmbedder 在熔断器保护下调用 inner；向量化服务宕机时快速失败。
type GuardedEmbedder struct {
	inner   Embedder
	breaker *circuitbreaker.Breaker
}

// NewGuardedEmbedder 包装 inner
func NewGuardedEmbedder(inner Embedder, breaker *circuitbreaker.Breaker) *GuardedEmbedder {
	return &GuardedEmbedder{inner: inner, breaker: breaker}
}

func (g *GuardedEmbedder) Name() string  { return g.inner.Name() }
func (g *GuardedEmbedder) Model() string { return g.inner.Model() }

// EmbedQuery 实现 Embedder
func (g *GuardedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	return circuitbreaker.Call(ctx, g.breaker, func(ctx context.Context) ([]float64, error) {
		return g.inner.EmbedQuery(ctx, text)
	})
}
