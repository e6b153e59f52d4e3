package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常放行
	StateClosed State = iota
	// StateOpen 熔断中，直接拒绝
	StateOpen
	// StateHalfOpen 试探恢复，只放行有限个请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen 熔断期间的拒绝原因，可用 errors.Is 判断
var ErrOpen = errors.New("circuit open")

// Config 熔断器配置
type Config struct {
	// Name 出现在日志与拒绝错误里
	Name string
	// Threshold 连续失败多少次后打开
	Threshold int
	// ResetTimeout 打开后多久进入半开
	ResetTimeout time.Duration
	// HalfOpenMaxCalls 半开状态下并发试探的上限
	HalfOpenMaxCalls int
	// IsFailure 判断错误是否计入失败，nil 时使用 DefaultIsFailure
	IsFailure func(error) bool
	// OnStateChange 在持锁之外同步调用
	OnStateChange func(name string, from, to State)
}

// DefaultConfig 返回默认配置：连续 5 次失败熔断 30 秒
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// DefaultIsFailure 调用方自己的取消与无效请求不算下游故障
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !types.IsErrorCode(err, types.ErrInvalidRequest)
}

// Breaker 连续失败计数熔断器，并发安全
type Breaker struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // 半开状态下已放行未返回的试探数
}

// Option 定制 Breaker
type Option func(*Breaker)

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// New 创建熔断器，非法参数回落到默认值
func New(cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", cfg.Name)),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State 返回当前状态。打开且已过 ResetTimeout 时报告半开。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Do 在熔断器保护下执行 fn
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call 在熔断器保护下执行 fn 并返回其结果
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.acquire(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.release(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Reset 手动恢复到关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.inFlight = 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			retryIn := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
			b.mu.Unlock()
			return b.rejection(retryIn)
		}
		b.state = StateHalfOpen
		b.inFlight = 1
		b.mu.Unlock()
		b.logger.Info("circuit half-open, probing")
		b.notify(from, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			return b.rejection(0)
		}
		b.inFlight++
	}
	b.mu.Unlock()
	return nil
}

func (b *Breaker) release(err error) {
	failed := b.cfg.IsFailure(err)

	b.mu.Lock()
	from := b.state
	to := from
	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	switch {
	case !failed && err == nil:
		b.failures = 0
		if b.state == StateHalfOpen {
			to = StateClosed
		}
	case failed:
		b.failures++
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.Threshold) {
			to = StateOpen
			b.openedAt = b.now()
		}
	}
	b.state = to
	failures := b.failures
	if to == StateClosed && from != StateClosed {
		b.inFlight = 0
	}
	b.mu.Unlock()

	if to != from {
		if to == StateOpen {
			b.logger.Warn("circuit opened",
				zap.Int("consecutive_failures", failures),
				zap.Duration("reset_timeout", b.cfg.ResetTimeout),
				zap.Error(err))
		} else {
			b.logger.Info("circuit closed")
		}
		b.notify(from, to)
	}
}

func (b *Breaker) rejection(retryIn time.Duration) error {
	msg := b.cfg.Name + " unavailable: circuit open"
	if retryIn > 0 {
		msg += ", retry in " + retryIn.Round(time.Second).String()
	}
	return types.NewError(types.ErrServiceUnavailable, msg).
		WithCause(ErrOpen).
		WithRetryable(true).
		WithRetryAfter(retryIn)
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
