package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/BaSui01/ddrflow/api"
	"github.com/BaSui01/ddrflow/internal/history"
	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// HistoryReader 读取历史问答，由 history.Store 实现。
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.QueryRecord, error)
	Get(ctx context.Context, id string) (*history.QueryRecord, error)
}

// HistoryHandler 历史问答处理器
type HistoryHandler struct {
	store  HistoryReader
	logger *zap.Logger
}

// NewHistoryHandler 创建历史处理器
func NewHistoryHandler(store HistoryReader, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{store: store, logger: logger}
}

// HandleList 处理 GET /api/v1/history?limit=N
// @Summary 最近的问答
// @Tags 历史
// @Produce json
// @Param limit query int false "条数（默认 20，最大 200）"
// @Success 200 {object} Response{data=api.HistoryList}
// @Router /api/v1/history [get]
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, r, types.NewInvalidRequestError("limit must be a non-negative integer"), h.logger)
			return
		}
		limit = n
	}

	rows, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	items := make([]api.HistoryItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, api.NewHistoryItem(row))
	}
	WriteSuccess(w, r, api.HistoryList{Items: items, Count: len(items)})
}

// HandleGet 处理 GET /api/v1/history/{id}
// @Summary 单条问答
// @Tags 历史
// @Produce json
// @Param id path string true "记录 ID"
// @Success 200 {object} Response{data=api.HistoryItem}
// @Failure 404 {object} Response "不存在"
// @Router /api/v1/history/{id} [get]
func (h *HistoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, r, types.NewInvalidRequestError("id is required"), h.logger)
		return
	}
	row, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.NewHistoryItem(*row))
}
