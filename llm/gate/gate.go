package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/ddrflow/llm"
	"github.com/BaSui01/ddrflow/llm/budget"
	"github.com/BaSui01/ddrflow/llm/idempotency"
	"github.com/BaSui01/ddrflow/llm/retry"
	"github.com/BaSui01/ddrflow/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State 调用闸门状态。
type State string

const (
	StatePending   State = "pending"
	StateWaiting   State = "waiting"
	StateInFlight  State = "in_flight"
	StateSuccess   State = "success"
	StateThrottled State = "throttled"
	StateFailed    State = "failed"
)

// Terminal 报告 s 是否为终止状态。
func (s State) Terminal() bool { return s == StateSuccess || s == StateFailed }

// Transition 记录一次状态变化。
type Transition struct {
	From    State
	To      State
	Attempt int
	Wait    time.Duration
	At      time.Time
	Reason  string
}

// Observer 同步接收每次状态变化。
type Observer func(Transition)

// Sleeper 挂起调用方 d，ctx 结束时提前返回。
type Sleeper func(ctx context.Context, d time.Duration) error

// Config 闸门配置。
type Config struct {
	Backoff     retry.Policy
	CallTimeout time.Duration
}

// DefaultConfig 返回默认配置：8s 起步、120s 封顶、最多 5 次调用，单次调用超时 60s。
func DefaultConfig() Config {
	return Config{Backoff: retry.DefaultPolicy(), CallTimeout: 60 * time.Second}
}

// Result 描述一次闸门调用的结果。
type Result struct {
	Response      *llm.ChatResponse
	RequestKey    string
	State         State
	Attempts      int
	Backoffs      []time.Duration
	ProactiveWait time.Duration
	Transitions   []Transition
}

// Option 定制 Gate。
type Option func(*Gate)

// WithSleeper 替换等待实现。
func WithSleeper(s Sleeper) Option { return func(g *Gate) { g.sleep = s } }

// WithClock 设置状态变化时间戳使用的时钟。
func WithClock(c budget.Clock) Option { return func(g *Gate) { g.now = c.Now } }

// WithObserver 添加状态观察者。
func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observers = append(g.observers, o) }
}

// WithJitterSource 固定抖动随机源（测试用）。
func WithJitterSource(rnd func() float64) Option {
	return func(g *Gate) { g.backoff = retry.NewBackoff(g.cfg.Backoff, rnd) }
}

// Gate 受预算约束的调用闸门，可安全并发使用。
type Gate struct {
	provider  llm.Provider
	tracker   *budget.Tracker
	backoff   *retry.Backoff
	cfg       Config
	sleep     Sleeper
	now       func() time.Time
	observers []Observer
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New 创建闸门，调用 provider 并在 tracker 上记账。
func New(provider llm.Provider, tracker *budget.Tracker, cfg Config, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Backoff = cfg.Backoff.Normalize()
	g := &Gate{
		provider: provider,
		tracker:  tracker,
		cfg:      cfg,
		backoff:  retry.NewBackoff(cfg.Backoff, nil),
		sleep:    retry.Sleep,
		now:      time.Now,
		tracer:   otel.Tracer("github.com/BaSui01/ddrflow/llm/gate"),
		logger:   logger.With(zap.String("component", "call_gate")),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// run 单次调用的状态
type run struct {
	g     *Gate
	res   *Result
	state State
	log   *zap.Logger
}

func (r *run) to(next State, attempt int, wait time.Duration, reason string) {
	t := Transition{From: r.state, To: next, Attempt: attempt, Wait: wait, At: r.g.now(), Reason: reason}
	r.state = next
	r.res.State = next
	r.res.Transitions = append(r.res.Transitions, t)
	for _, o := range r.g.observers {
		o(t)
	}
}

func (r *run) fail(attempt int, err *types.Error) (*Result, error) {
	r.to(StateFailed, attempt, 0, string(err.Code))
	return r.res, err
}

// Do 经闸门发送 req。每次尝试前先在 Token 预算上预留 estimatedTokens，
// 每次尝试的请求内容完全相同。任何情况下都返回非 nil 的 Result。
func (g *Gate) Do(ctx context.Context, req *llm.ChatRequest, estimatedTokens int) (*Result, error) {
	if req == nil {
		return &Result{State: StateFailed}, types.NewInvalidRequestError("nil chat request")
	}
	key, err := idempotency.Key(req.Model, req.Messages, req.MaxTokens, req.Temperature)
	if err != nil {
		return &Result{State: StateFailed}, types.NewInvalidRequestError("unfingerprintable request").WithCause(err)
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	ctx, span := g.tracer.Start(ctx, "gate.Do", trace.WithAttributes(
		attribute.String("llm.provider", g.provider.Name()),
		attribute.String("llm.request_key", key),
		attribute.Int("llm.estimated_tokens", estimatedTokens),
	))
	defer span.End()

	r := &run{
		g:     g,
		res:   &Result{RequestKey: key, State: StatePending},
		state: StatePending,
		log:   g.logger.With(zap.String("trace_id", req.TraceID), zap.String("request_key", key[:12])),
	}
	res, err := g.loop(ctx, r, req, estimatedTokens)

	span.SetAttributes(
		attribute.String("gate.state", string(res.State)),
		attribute.Int("gate.attempts", res.Attempts),
		attribute.Int("gate.backoffs", len(res.Backoffs)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (g *Gate) loop(ctx context.Context, r *run, req *llm.ChatRequest, est int) (*Result, error) {
	maxAttempts := g.cfg.Backoff.MaxAttempts
	for {
		if r.state == StatePending {
			r.to(StateWaiting, r.res.Attempts+1, 0, "reserve")
		}
		reservation, ferr := g.acquire(ctx, r, est)
		if ferr != nil {
			return r.fail(r.res.Attempts, ferr)
		}

		r.res.Attempts++
		attempt := r.res.Attempts
		r.to(StateInFlight, attempt, 0, "")

		resp, callErr := g.call(ctx, req)
		switch {
		case callErr == nil && resp != nil:
			used := resp.Usage.TotalTokens
			if used <= 0 {
				used = est
			}
			if err := g.tracker.Commit(reservation, used); err != nil {
				r.log.Error("commit failed", zap.Error(err))
			}
			r.res.Response = resp
			r.to(StateSuccess, attempt, 0, "")
			return r.res, nil

		case callErr == nil:
			g.tracker.Release(reservation)
			return r.fail(attempt, types.NewProviderFailureError("provider returned no response", nil))

		case ctx.Err() != nil:
			g.tracker.Release(reservation)
			return r.fail(attempt, types.NewCancelledError("llm call cancelled", ctx.Err()))

		case llm.IsThrottle(callErr):
			g.tracker.Release(reservation)
			g.tracker.RecordThrottle()
			r.to(StateThrottled, attempt, 0, callErr.Error())
			throttled := types.NewError(types.ErrThrottled, "provider rate limit").WithCause(callErr)

			if attempt >= maxAttempts {
				r.log.Error("rate limit retries exhausted", zap.Int("attempts", attempt), zap.Error(callErr))
				return r.fail(attempt, types.NewProviderFailureError(
					fmt.Sprintf("rate limited on all %d attempts", attempt), throttled))
			}

			var prev time.Duration
			if n := len(r.res.Backoffs); n > 0 {
				prev = r.res.Backoffs[n-1]
			}
			delay := g.backoff.Next(attempt-1, llm.RetryAfterHint(callErr), prev)
			r.log.Warn("provider throttled, backing off",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay))

			if exceedsDeadline(ctx, delay) {
				return r.fail(attempt, types.NewBudgetExceededError(
					fmt.Sprintf("backoff of %s exceeds the request deadline", delay)).
					WithCause(throttled).WithRetryAfter(delay))
			}
			r.to(StateWaiting, attempt+1, delay, "backoff")
			if err := g.sleep(ctx, delay); err != nil {
				return r.fail(attempt, types.NewCancelledError("cancelled during backoff", err))
			}
			r.res.Backoffs = append(r.res.Backoffs, delay)

		default:
			g.tracker.Release(reservation)
			r.log.Warn("llm call failed", zap.Int("attempt", attempt), zap.Error(callErr))
			msg := "provider call failed"
			if errors.Is(callErr, context.DeadlineExceeded) {
				msg = fmt.Sprintf("provider call timed out after %s", g.cfg.CallTimeout)
			}
			return r.fail(attempt, types.NewProviderFailureError(msg, callErr).WithProvider(g.provider.Name()))
		}
	}
}

// acquire 反复向 tracker 预留直到成功，按返回的等待时长挂起。
// 等待期间不持有 tracker 的锁。
func (g *Gate) acquire(ctx context.Context, r *run, est int) (*budget.Reservation, *types.Error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, types.NewCancelledError("cancelled before dispatch", err)
		}
		reservation, wait, err := g.tracker.Reserve(est)
		if err != nil {
			if te, ok := types.AsError(err); ok {
				return nil, te
			}
			return nil, types.NewError(types.ErrInternalError, "reserve failed").WithCause(err)
		}
		if reservation != nil {
			return reservation, nil
		}
		if exceedsDeadline(ctx, wait) {
			return nil, types.NewBudgetExceededError(
				fmt.Sprintf("budget wait of %s exceeds the request deadline", wait)).WithRetryAfter(wait)
		}
		r.log.Debug("waiting for budget", zap.Duration("wait", wait))
		if err := g.sleep(ctx, wait); err != nil {
			return nil, types.NewCancelledError("cancelled while waiting for budget", err)
		}
		g.tracker.RecordWait(wait)
		r.res.ProactiveWait += wait
	}
}

// call 用 req 的副本发起一次上游调用。
func (g *Gate) call(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	callCtx := ctx
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}
	return g.provider.Completion(callCtx, clone(req))
}

func clone(req *llm.ChatRequest) *llm.ChatRequest {
	c := *req
	c.Messages = append([]llm.Message(nil), req.Messages...)
	if req.Metadata != nil {
		c.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func exceedsDeadline(ctx context.Context, wait time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return ok && time.Until(deadline) < wait
}
