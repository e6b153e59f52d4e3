package api

import (
	"time"

	"github.com/BaSui01/ddrflow/internal/history"
	"github.com/BaSui01/ddrflow/llm/budget"
	"github.com/BaSui01/ddrflow/rag"
)

// =============================================================================
// 问答
// =============================================================================

// AnswerRequest 是 POST /api/v1/answer 的请求体。
// @Description 问答请求
type AnswerRequest struct {
	// 自然语言问题
	Question string `json:"question" example:"Show gas readings above 1.2%" binding:"required"`
	// 单次请求超时（毫秒），超过服务端上限时会被截断
	TimeoutMS int `json:"timeout_ms,omitempty" example:"60000"`
}

// AnswerResponse 是问答结果。
// @Description 问答响应
type AnswerResponse struct {
	ID               string         `json:"id"`
	Question         string         `json:"question"`
	Answer           string         `json:"answer"`
	NoData           bool           `json:"no_data"`
	Intent           string         `json:"intent"`
	Citations        []rag.Citation `json:"citations"`
	ContextItems     int            `json:"context_items"`
	ContextTokens    int            `json:"context_tokens"`
	Attempts         int            `json:"attempts"`
	Model            string         `json:"model,omitempty"`
	PromptTokens     int            `json:"prompt_tokens,omitempty"`
	CompletionTokens int            `json:"completion_tokens,omitempty"`
	Cached           bool           `json:"cached"`
	DurationMS       int64          `json:"duration_ms"`
	CreatedAt        time.Time      `json:"created_at"`
}

// NewAnswerResponse 把编排器结果转换为响应体。
func NewAnswerResponse(a *rag.Answer) AnswerResponse {
	citations := a.Citations
	if citations == nil {
		citations = []rag.Citation{}
	}
	return AnswerResponse{
		ID:               a.ID,
		Question:         a.Question,
		Answer:           a.Text,
		NoData:           a.NoData,
		Intent:           string(a.Intent.Kind),
		Citations:        citations,
		ContextItems:     a.ContextItems,
		ContextTokens:    a.ContextTokens,
		Attempts:         a.Attempts,
		Model:            a.Model,
		PromptTokens:     a.PromptTokens,
		CompletionTokens: a.CompletionTokens,
		Cached:           a.Cached,
		DurationMS:       a.Duration.Milliseconds(),
		CreatedAt:        a.CreatedAt,
	}
}

// =============================================================================
// 统计
// =============================================================================

// StatsResponse 汇总预算、检索索引与历史记录。
type StatsResponse struct {
	Budget    budget.Status         `json:"budget"`
	Retrieval rag.OrchestratorStats `json:"retrieval"`
	// 按结果分类的历史问答数，未启用历史时省略
	History map[string]int64 `json:"history,omitempty"`
}

// =============================================================================
// 历史
// =============================================================================

// HistoryItem 是一条历史问答。
type HistoryItem struct {
	ID        string         `json:"id"`
	Question  string         `json:"question"`
	Answer    string         `json:"answer,omitempty"`
	Outcome   string         `json:"outcome"`
	ErrorCode string         `json:"error_code,omitempty"`
	Intent    string         `json:"intent,omitempty"`
	Citations []rag.Citation `json:"citations,omitempty"`
	Attempts  int            `json:"attempts"`
	LatencyMS int64          `json:"latency_ms"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewHistoryItem 转换持久化记录。
func NewHistoryItem(r history.QueryRecord) HistoryItem {
	return HistoryItem{
		ID:        r.ID,
		Question:  r.Question,
		Answer:    r.Answer,
		Outcome:   r.Outcome,
		ErrorCode: r.ErrorCode,
		Intent:    r.Intent,
		Citations: r.Citations,
		Attempts:  r.Attempts,
		LatencyMS: r.LatencyMS,
		CreatedAt: r.CreatedAt,
	}
}

// HistoryList 是历史列表响应。
type HistoryList struct {
	Items []HistoryItem `json:"items"`
	Count int           `json:"count"`
}
