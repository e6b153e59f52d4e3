package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/ddrflow/api"
	"github.com/BaSui01/ddrflow/rag"
	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// maxQuestionLen 问题最大字符数
const maxQuestionLen = 2000

// Answerer 回答单个问题，由 rag.Orchestrator 实现。
type Answerer interface {
	Answer(ctx context.Context, question string) (*rag.Answer, error)
}

// AnswerHandler 问答处理器
type AnswerHandler struct {
	answerer       Answerer
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	logger         *zap.Logger
}

// NewAnswerHandler 创建问答处理器。defaultTimeout 用于未指定 timeout_ms 的请求，
// maxTimeout 是允许的上限（0 表示不设上限）。
func NewAnswerHandler(answerer Answerer, defaultTimeout, maxTimeout time.Duration, logger *zap.Logger) *AnswerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnswerHandler{
		answerer:       answerer,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
		logger:         logger.With(zap.String("handler", "answer")),
	}
}

// HandleAnswer 处理 POST /api/v1/answer
// @Summary 问答
// @Description 对钻井日报进行混合检索并生成带引用的回答
// @Tags 问答
// @Accept json
// @Produce json
// @Param request body api.AnswerRequest true "问题"
// @Success 200 {object} Response{data=api.AnswerResponse}
// @Failure 400 {object} Response "请求无效"
// @Failure 429 {object} Response "预算不足"
// @Failure 502 {object} Response "模型调用失败"
// @Failure 504 {object} Response "超时或取消"
// @Router /api/v1/answer [post]
func (h *AnswerHandler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		WriteErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.AnswerRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	switch {
	case req.Question == "":
		WriteError(w, r, types.NewInvalidRequestError("question is required"), h.logger)
		return
	case len([]rune(req.Question)) > maxQuestionLen:
		WriteError(w, r, types.NewInvalidRequestError("question is too long"), h.logger)
		return
	case req.TimeoutMS < 0:
		WriteError(w, r, types.NewInvalidRequestError("timeout_ms must not be negative"), h.logger)
		return
	}

	ctx := r.Context()
	if timeout := h.timeout(req.TimeoutMS); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ans, err := h.answerer.Answer(ctx, req.Question)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Debug("question answered",
		zap.String("request_id", requestID(r)),
		zap.Bool("no_data", ans.NoData),
		zap.Bool("cached", ans.Cached),
		zap.Int("attempts", ans.Attempts),
		zap.Duration("duration", ans.Duration),
	)
	WriteSuccess(w, r, api.NewAnswerResponse(ans))
}

func (h *AnswerHandler) timeout(requestedMS int) time.Duration {
	d := h.defaultTimeout
	if requestedMS > 0 {
		d = time.Duration(requestedMS) * time.Millisecond
	}
	if h.maxTimeout > 0 && (d <= 0 || d > h.maxTimeout) {
		d = h.maxTimeout
	}
	return d
}
