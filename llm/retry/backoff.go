package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy 定义指数退避策略配置。
// 第 attempt 次退避（从 0 开始）的延迟为 BaseDelay*2^attempt + jitter，
// jitter ∈ [0, JitterFraction*BaseDelay*2^attempt)，结果不超过 MaxDelay。
type Policy struct {
	BaseDelay      time.Duration // 基础延迟
	MaxDelay       time.Duration // 单次延迟上限
	MaxAttempts    int           // 最大调用次数（含首次调用）
	JitterFraction float64       // 抖动比例，取值 [0, 1)
}

// DefaultPolicy 返回默认退避策略（8s 起步，最多 5 次调用，单次不超过 120s）。
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      8 * time.Second,
		MaxDelay:       120 * time.Second,
		MaxAttempts:    5,
		JitterFraction: 0.5,
	}
}

// Normalize 修正非法取值，返回可直接使用的策略。
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	// 抖动必须小于一个基础间隔，才能保证未封顶的延迟严格递增
	if p.JitterFraction < 0 || p.JitterFraction >= 1 || math.IsNaN(p.JitterFraction) {
		p.JitterFraction = def.JitterFraction
	}
	return p
}

// Validate 检查策略是否合法。
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return fmt.Errorf("jitter fraction must be in [0,1), got %v", p.JitterFraction)
	}
	return nil
}

// Backoff 根据策略计算退避延迟，可安全并发使用。
type Backoff struct {
	policy Policy

	mu   sync.Mutex
	rand func() float64
}

// NewBackoff 创建退避计算器。rnd 为 nil 时使用 math/rand。
func NewBackoff(policy Policy, rnd func() float64) *Backoff {
	if rnd == nil {
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		rnd = src.Float64
	}
	return &Backoff{policy: policy.Normalize(), rand: rnd}
}

// Policy 返回规范化后的策略。
func (b *Backoff) Policy() Policy { return b.policy }

// Delay 计算第 attempt 次退避的等待时长。hint 为上游 Retry-After 提示，
// 作为下限使用，但同样受 MaxDelay 约束。
func (b *Backoff) Delay(attempt int, hint time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	maxDelay := float64(b.policy.MaxDelay)
	// 2^attempt 过大时直接封顶，避免溢出
	if attempt > 62 {
		return b.policy.MaxDelay
	}
	raw := float64(b.policy.BaseDelay) * math.Pow(2, float64(attempt))

	b.mu.Lock()
	r := b.rand()
	b.mu.Unlock()
	if r < 0 || r >= 1 {
		r = 0
	}

	delay := raw + r*b.policy.JitterFraction*raw
	if hint > 0 && float64(hint) > delay {
		delay = float64(hint)
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return time.Duration(delay)
}

// Next 与 Delay 相同，但结果不小于上一次退避 prev。
// 较大的 Retry-After 提示之后，下一次退避不会回落到更短的计算值。
func (b *Backoff) Next(attempt int, hint, prev time.Duration) time.Duration {
	d := b.Delay(attempt, hint)
	if prev > d {
		d = min(prev, b.policy.MaxDelay)
	}
	return d
}

// Retryer 对瞬时错误执行有限次重试，用于向量化等非限流敏感的调用。
type Retryer struct {
	backoff   *Backoff
	retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
	logger    *zap.Logger
}

// NewRetryer 创建重试器；retryable 为 nil 时所有错误都会重试。
func NewRetryer(policy Policy, retryable func(error) bool, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Retryer{
		backoff:   NewBackoff(policy, nil),
		retryable: retryable,
		sleep:     Sleep,
		logger:    logger,
	}
}

// WithSleeper 替换等待函数（测试用）。
func (r *Retryer) WithSleeper(fn func(context.Context, time.Duration) error) *Retryer {
	r.sleep = fn
	return r
}

// Do 执行 fn，失败时按策略重试，最多调用 MaxAttempts 次。
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	_, err := DoWithResult(ctx, r, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult 是带返回值的 Do。
func DoWithResult[T any](ctx context.Context, r *Retryer, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := r.backoff.policy.MaxAttempts
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff.Delay(attempt-1, 0)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry cancelled: %w", err)
			}
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !r.retryable(err) {
			return zero, err
		}
	}
	r.logger.Warn("retries exhausted", zap.Int("attempts", attempts), zap.Error(lastErr))
	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// Sleep 等待 d，ctx 取消时提前返回 ctx.Err()。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
