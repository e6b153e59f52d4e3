package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/ddrflow/api"
	"github.com/BaSui01/ddrflow/llm/budget"
	"github.com/BaSui01/ddrflow/rag"
	"go.uber.org/zap"
)

// BudgetSource 提供预算快照，由 budget.Tracker 实现。
type BudgetSource interface {
	Status() budget.Status
}

// IndexSource 提供检索索引规模，由 rag.Orchestrator 实现。
type IndexSource interface {
	Stats() rag.OrchestratorStats
}

// OutcomeCounter 按结果统计历史问答，由 history.Store 实现。
type OutcomeCounter interface {
	Count(ctx context.Context) (map[string]int64, error)
}

// StatsHandler 统计处理器
type StatsHandler struct {
	budget  BudgetSource
	index   IndexSource
	history OutcomeCounter
	logger  *zap.Logger
}

// NewStatsHandler 创建统计处理器，history 可为 nil
func NewStatsHandler(b BudgetSource, idx IndexSource, history OutcomeCounter, logger *zap.Logger) *StatsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsHandler{budget: b, index: idx, history: history, logger: logger}
}

// HandleStats 处理 GET /api/v1/stats
// @Summary 运行统计
// @Tags 统计
// @Produce json
// @Success 200 {object} Response{data=api.StatsResponse}
// @Router /api/v1/stats [get]
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := api.StatsResponse{
		Budget:    h.budget.Status(),
		Retrieval: h.index.Stats(),
	}
	if h.history != nil {
		counts, err := h.history.Count(r.Context())
		if err != nil {
			// 历史库不可用不影响其余统计
			h.logger.Warn("history counts unavailable", zap.Error(err))
		} else {
			resp.History = counts
		}
	}
	WriteSuccess(w, r, resp)
}
