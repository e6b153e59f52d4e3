package rag

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BaSui01/ddrflow/llm"
	"github.com/BaSui01/ddrflow/llm/embedding"
	"github.com/BaSui01/ddrflow/llm/gate"
	"github.com/BaSui01/ddrflow/llm/idempotency"
	"github.com/BaSui01/ddrflow/llm/tokenizer"
	"github.com/BaSui01/ddrflow/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// 回答结果类别，用于指标与历史记录.
const (
	OutcomeAnswered = "answered"
	OutcomeNoData   = "no_data"
	OutcomeCached   = "cached"
)

// CallGate 是调用闸门，*gate.Gate 实现了它.
type CallGate interface {
	Do(ctx context.Context, req *llm.ChatRequest, estimatedTokens int) (*gate.Result, error)
}

// Observer 接收编排器的观测事件（Prometheus 采集器实现它）.
type Observer interface {
	ObserveAnswer(outcome string, d time.Duration)
	ObserveRetrieval(source string, hits int)
	ObserveAnswerCache(hit bool)
}

// HistorySink 持久化每次问答.
type HistorySink interface {
	Record(ctx context.Context, rec AnswerRecord) error
}

// Answer 是一次问答的结果.
type Answer struct {
	ID               string        `json:"id"`
	Question         string        `json:"question"`
	Text             string        `json:"answer"`
	NoData           bool          `json:"no_data"`
	Intent           Intent        `json:"intent"`
	Citations        []Citation    `json:"citations"`
	ContextItems     int           `json:"context_items"`
	ContextTokens    int           `json:"context_tokens"`
	Attempts         int           `json:"attempts"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Cached           bool          `json:"cached"`
	Duration         time.Duration `json:"duration"`
	CreatedAt        time.Time     `json:"created_at"`
}

// AnswerRecord 是写入历史的记录，失败的查询也会记录.
type AnswerRecord struct {
	ID        string
	Question  string
	Answer    string
	Outcome   string
	ErrorCode types.ErrorCode
	Intent    IntentKind
	Citations []Citation
	Attempts  int
	Latency   time.Duration
	CreatedAt time.Time
}

// OrchestratorConfig 编排器配置.
type OrchestratorConfig struct {
	TopK           int              `yaml:"top_k" json:"top_k"`
	Limits         Limits           `yaml:"limits" json:"limits"`
	Composer       ComposerConfig   `yaml:"composer" json:"composer"`
	Prompt         PromptConfig     `yaml:"prompt" json:"prompt"`
	Graph          GraphQueryConfig `yaml:"graph" json:"graph"`
	Model          string           `yaml:"model" json:"model"`
	MaxTokens      int              `yaml:"max_tokens" json:"max_tokens"`
	Temperature    float32          `yaml:"temperature" json:"temperature"`
	DepthTolerance float64          `yaml:"depth_tolerance" json:"depth_tolerance"`
	GasThreshold   float64          `yaml:"gas_threshold" json:"gas_threshold"`
	AnswerCacheTTL time.Duration    `yaml:"answer_cache_ttl" json:"answer_cache_ttl"`
	// AnswerTimeout 限制被合并的共享计算的总时长，0 表示不限制。
	// 单个调用方的取消与截止时间只影响它自己的等待。
	AnswerTimeout  time.Duration    `yaml:"answer_timeout" json:"answer_timeout"`
}

// DefaultOrchestratorConfig 返回默认配置.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		TopK:           5,
		Limits:         Limits{MaxItems: 12, MaxTokens: 3000},
		Composer:       DefaultComposerConfig(),
		Graph:          DefaultGraphQueryConfig(),
		MaxTokens:      1024,
		Temperature:    0.1,
		DepthTolerance: defaultDepthTolerance,
		GasThreshold:   defaultGasThreshold,
		AnswerCacheTTL: 10 * time.Minute,
		AnswerTimeout:  5 * time.Minute,
	}
}

// OrchestratorOption 配置可选依赖.
type OrchestratorOption func(*Orchestrator)

// WithAnswerCache 启用回答缓存.
func WithAnswerCache(m idempotency.Manager) OrchestratorOption {
	return func(o *Orchestrator) { o.cache = m }
}

// WithHistory 启用历史记录.
func WithHistory(h HistorySink) OrchestratorOption {
	return func(o *Orchestrator) { o.history = h }
}

// WithObserver 注册观测器.
func WithObserver(obs Observer) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithTokenizer 设置 token 估算器.
func WithTokenizer(t tokenizer.Tokenizer) OrchestratorOption {
	return func(o *Orchestrator) { o.tok = t }
}

// WithNow 替换时钟，用于测试.
func WithNow(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator 回答问题：分类意图，并行检索，组装上下文，经闸门调用模型.
type Orchestrator struct {
	cfg      OrchestratorConfig
	embedder embedding.Embedder
	index    *VectorIndex
	graph    *GraphQueryEngine
	composer *Composer
	gate     CallGate
	tok      tokenizer.Tokenizer
	cache    idempotency.Manager
	history  HistorySink
	observer Observer
	classify ClassifierOptions
	group    singleflight.Group
	now      func() time.Time
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewOrchestrator 创建编排器. 索引和图在服务期间只读.
func NewOrchestrator(
	cfg OrchestratorConfig,
	embedder embedding.Embedder,
	index *VectorIndex,
	graph *KnowledgeGraph,
	callGate CallGate,
	logger *zap.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:      cfg,
		embedder: embedder,
		index:    index,
		graph:    NewGraphQueryEngine(graph, cfg.Graph, logger),
		gate:     callGate,
		now:      time.Now,
		tracer:   otel.Tracer("github.com/BaSui01/ddrflow/rag"),
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tok == nil {
		o.tok = tokenizer.ForModel(cfg.Model, logger)
	}
	o.composer = NewComposer(cfg.Composer, o.tok, logger)

	o.classify = ClassifierOptions{
		Wellbores:           graph.IDsOfType(EntityWellbore),
		DepthTolerance:      cfg.DepthTolerance,
		DefaultGasThreshold: cfg.GasThreshold,
		MaxHops:             o.graph.cfg.MaxHops,
	}
	graph.Entities(func(_ int, e *Entity) bool {
		o.classify.EntityIDs = append(o.classify.EntityIDs, e.ID)
		return true
	})
	for _, w := range index.Wellbores() {
		if !containsFold(o.classify.Wellbores, w) {
			o.classify.Wellbores = append(o.classify.Wellbores, w)
		}
	}
	return o
}

// OrchestratorStats 检索侧统计.
type OrchestratorStats struct {
	Index IndexStats `json:"index"`
	Graph GraphStats `json:"graph"`
}

// Stats 返回索引与图统计.
func (o *Orchestrator) Stats() OrchestratorStats {
	return OrchestratorStats{Index: o.index.Stats(), Graph: o.graph.Graph().Stats()}
}

// GraphEngine 返回图查询引擎.
func (o *Orchestrator) GraphEngine() *GraphQueryEngine { return o.graph }

// Answer 回答问题. 检索结果为空时返回 NoData 回答而不是错误；
// 模型调用失败时返回带类型的错误，不会返回部分回答.
func (o *Orchestrator) Answer(ctx context.Context, question string) (*Answer, error) {
	start := o.now()
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, types.NewInvalidRequestError("question is empty")
	}

	ctx, span := o.tracer.Start(ctx, "rag.Answer", trace.WithAttributes(
		attribute.Int("rag.question_length", len(q)),
	))
	defer span.End()

	key, err := idempotency.Key("answer", strings.ToLower(q), o.cfg.Model)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "fingerprint question").WithCause(err)
	}

	if ans, ok := o.cached(ctx, key); ok {
		ans.Cached = true
		ans.Duration = o.now().Sub(start)
		span.SetAttributes(attribute.Bool("rag.cached", true))
		o.finish(ctx, ans, nil, start)
		return ans, nil
	}

	fail := func(err error) (*Answer, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.finish(ctx, &Answer{Question: q}, err, start)
		return nil, err
	}
	// 已取消的调用方不发起共享计算
	if err := ctx.Err(); err != nil {
		return fail(types.NewCancelledError("answer cancelled", err))
	}

	ch := o.group.DoChan(key, func() (any, error) {
		work := context.WithoutCancel(ctx)
		if o.cfg.AnswerTimeout > 0 {
			var cancel context.CancelFunc
			work, cancel = context.WithTimeout(work, o.cfg.AnswerTimeout)
			defer cancel()
		}
		return o.answer(work, q, key)
	})

	var (
		v      any
		shared bool
	)
	select {
	case res := <-ch:
		v, err, shared = res.Val, res.Err, res.Shared
	case <-ctx.Done():
		err = types.NewCancelledError("answer cancelled", ctx.Err())
	}
	if err != nil {
		return fail(err)
	}
	ans := *v.(*Answer)
	if shared {
		o.logger.Debug("answer shared with concurrent identical question")
	}
	ans.Duration = o.now().Sub(start)
	span.SetAttributes(
		attribute.String("rag.intent", string(ans.Intent.Kind)),
		attribute.Bool("rag.no_data", ans.NoData),
		attribute.Int("rag.context_items", ans.ContextItems),
	)
	o.finish(ctx, &ans, nil, start)
	return &ans, nil
}

func (o *Orchestrator) answer(ctx context.Context, q, key string) (*Answer, error) {
	intent := ClassifyIntent(q, o.classify)
	log := o.logger.With(zap.String("intent", string(intent.Kind)))
	log.Debug("question classified", zap.Int("graph_queries", len(intent.Queries)))

	passages, hits, err := o.retrieve(ctx, q, intent)
	if err != nil {
		return nil, err
	}

	bundle := o.composer.Compose(passages, hits, o.cfg.Limits)
	ans := &Answer{
		ID:            uuid.NewString(),
		Question:      q,
		Intent:        intent,
		ContextItems:  len(bundle.Items),
		ContextTokens: bundle.Tokens,
		CreatedAt:     o.now(),
	}
	if bundle.Empty() {
		log.Info("no relevant data found")
		ans.NoData = true
		ans.Text = NoDataAnswer
		ans.Citations = []Citation{}
		o.store(ctx, key, ans)
		return ans, nil
	}

	msgs := BuildMessages(q, bundle, o.cfg.Prompt)
	tmsgs := make([]tokenizer.Message, len(msgs))
	for i, m := range msgs {
		tmsgs[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	est, err := tokenizer.EstimateCall(o.tok, tmsgs, o.cfg.MaxTokens)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "estimate prompt tokens").WithCause(err)
	}

	req := &llm.ChatRequest{
		TraceID:     ans.ID,
		Model:       o.cfg.Model,
		Messages:    msgs,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
		Metadata:    map[string]string{"intent": string(intent.Kind)},
	}
	res, err := o.gate.Do(ctx, req, est)
	if res != nil {
		ans.Attempts = res.Attempts
	}
	if err != nil {
		log.Warn("answer generation failed", zap.Error(err))
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, types.NewProviderFailureError("answer generation failed", err)
	}

	text, cites := ParseAnswer(res.Response.FirstContent(), bundle)
	if text == "" {
		return nil, types.NewProviderFailureError("model returned an empty answer", nil)
	}
	ans.Text = text
	ans.Citations = cites
	ans.Model = res.Response.Model
	ans.PromptTokens = res.Response.Usage.PromptTokens
	ans.CompletionTokens = res.Response.Usage.CompletionTokens
	o.store(ctx, key, ans)
	return ans, nil
}

// retrieve 并行执行向量检索和图查询.
func (o *Orchestrator) retrieve(ctx context.Context, q string, intent Intent) ([]ScoredPassage, []GraphHit, error) {
	var (
		passages []ScoredPassage
		hits     []GraphHit
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sctx, span := o.tracer.Start(gctx, "rag.vector_search")
		defer span.End()
		vec, err := o.embedder.EmbedQuery(sctx, q)
		if err != nil {
			return embedError(err)
		}
		if intent.Filter.Empty() {
			passages, err = o.index.Search(vec, o.cfg.TopK)
		} else {
			passages, err = o.index.SearchFiltered(vec, o.cfg.TopK, intent.Filter)
		}
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("rag.passages", len(passages)))
		o.observeRetrieval("vector", len(passages))
		return nil
	})

	if intent.Structured() {
		g.Go(func() error {
			sctx, span := o.tracer.Start(gctx, "rag.graph_query")
			defer span.End()
			excluded := 0
			for _, gq := range intent.Queries {
				res, err := o.graph.Run(sctx, gq)
				if err != nil {
					if types.IsErrorCode(err, types.ErrNotFound) {
						continue
					}
					return err
				}
				excluded += len(res.Excluded)
				for _, m := range res.Matches {
					hits = append(hits, GraphHit{Match: m, Structured: gq.Match != nil})
				}
			}
			span.SetAttributes(
				attribute.Int("rag.graph_hits", len(hits)),
				attribute.Int("rag.graph_excluded", excluded),
			)
			if excluded > 0 {
				o.logger.Debug("graph entities excluded for malformed attributes", zap.Int("count", excluded))
			}
			o.observeRetrieval("graph", len(hits))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return passages, hits, nil
}

func embedError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewCancelledError("query embedding cancelled", err)
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewProviderFailureError("query embedding failed", err)
}

func (o *Orchestrator) cached(ctx context.Context, key string) (*Answer, bool) {
	if o.cache == nil {
		return nil, false
	}
	ans, ok, err := idempotency.GetTyped[Answer](ctx, o.cache, key)
	if err != nil {
		o.logger.Warn("answer cache read failed", zap.Error(err))
		return nil, false
	}
	if o.observer != nil {
		o.observer.ObserveAnswerCache(ok)
	}
	if !ok {
		return nil, false
	}
	return &ans, true
}

func (o *Orchestrator) store(ctx context.Context, key string, ans *Answer) {
	if o.cache == nil || o.cfg.AnswerCacheTTL <= 0 {
		return
	}
	if err := o.cache.Set(ctx, key, ans, o.cfg.AnswerCacheTTL); err != nil {
		o.logger.Warn("answer cache write failed", zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, ans *Answer, err error, start time.Time) {
	outcome := OutcomeAnswered
	var code types.ErrorCode
	switch {
	case err != nil:
		code = types.GetErrorCode(err)
		if code == "" {
			code = types.ErrInternalError
		}
		outcome = strings.ToLower(string(code))
	case ans.Cached:
		outcome = OutcomeCached
	case ans.NoData:
		outcome = OutcomeNoData
	}
	latency := o.now().Sub(start)
	if o.observer != nil {
		o.observer.ObserveAnswer(outcome, latency)
	}
	if o.history == nil {
		return
	}
	id := ans.ID
	if id == "" || ans.Cached {
		id = uuid.NewString()
	}
	rec := AnswerRecord{
		ID:        id,
		Question:  ans.Question,
		Answer:    ans.Text,
		Outcome:   outcome,
		ErrorCode: code,
		Intent:    ans.Intent.Kind,
		Citations: ans.Citations,
		Attempts:  ans.Attempts,
		Latency:   latency,
		CreatedAt: o.now(),
	}
	// 请求已取消时仍写入历史
	if err := o.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("history record failed", zap.Error(err))
	}
}

func (o *Orchestrator) observeRetrieval(source string, n int) {
	if o.observer != nil {
		o.observer.ObserveRetrieval(source, n)
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
