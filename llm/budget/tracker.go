package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// Config 配置双预算跟踪器。
type Config struct {
	RequestsPerWindow   int           `json:"requests_per_window"`
	TokensPerWindow     int           `json:"tokens_per_window"`
	Window              time.Duration `json:"window"`
	RequestSafetyMargin int           `json:"request_safety_margin"`
	TokenSafetyMargin   int           `json:"token_safety_margin"`
	MinInterval         time.Duration `json:"min_interval"`    // 两次放行之间的最小间隔
	AlertThreshold      float64       `json:"alert_threshold"` // 0.0-1.0，0 表示不告警
}

// DefaultConfig 返回面向 Groq 免费档的默认值（30 RPM / 18000 TPM 的保守设置）。
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow:   28,
		TokensPerWindow:     16000,
		Window:              time.Minute,
		RequestSafetyMargin: 3,
		TokenSafetyMargin:   1500,
		MinInterval:         2500 * time.Millisecond,
		AlertThreshold:      0.8,
	}
}

// Validate 检查配置合法性。
func (c Config) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("requests per window must be positive, got %d", c.RequestsPerWindow)
	}
	if c.TokensPerWindow <= 0 {
		return fmt.Errorf("tokens per window must be positive, got %d", c.TokensPerWindow)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.RequestSafetyMargin < 0 || c.RequestSafetyMargin >= c.RequestsPerWindow {
		return fmt.Errorf("request safety margin %d must be in [0,%d)", c.RequestSafetyMargin, c.RequestsPerWindow)
	}
	if c.TokenSafetyMargin < 0 || c.TokenSafetyMargin >= c.TokensPerWindow {
		return fmt.Errorf("token safety margin %d must be in [0,%d)", c.TokenSafetyMargin, c.TokensPerWindow)
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("min interval must not be negative")
	}
	if c.AlertThreshold < 0 || c.AlertThreshold > 1 {
		return fmt.Errorf("alert threshold must be in [0,1], got %v", c.AlertThreshold)
	}
	return nil
}

// Clock 抽象时间来源，便于测试。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Kind 标识预算种类。
type Kind string

const (
	KindRequests Kind = "requests"
	KindTokens   Kind = "tokens"
)

// Alert 表示一次利用率告警。
type Alert struct {
	Kind        Kind      `json:"kind"`
	Threshold   float64   `json:"threshold"`
	Utilisation float64   `json:"utilisation"`
	WindowStart time.Time `json:"window_start"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertHandler 处理预算告警。
type AlertHandler func(alert Alert)

// window 是单个预算的固定窗口状态。
type window struct {
	kind    Kind
	ceiling int64 // 配置上限
	limit   int64 // 上限 − 安全余量
	start   time.Time
	used    int64
	pending int64
	epoch   uint64
	alerted bool
}

// roll 在越过窗口边界时推进起点（按整倍数对齐）并清零已提交用量。
// 在途预留（pending）结转到新窗口，它们提交时计入新窗口，必须继续占用额度。
// 必须在持锁状态下调用；同一边界只会被第一个观察到它的调用方处理。
func (w *window) roll(now time.Time, size time.Duration) bool {
	if now.Before(w.start.Add(size)) {
		return false
	}
	n := now.Sub(w.start) / size
	w.start = w.start.Add(n * size)
	w.used = 0
	w.epoch++
	w.alerted = false
	return true
}

func (w *window) end(size time.Duration) time.Time { return w.start.Add(size) }

func (w *window) fits(amount int64) bool { return w.used+w.pending+amount <= w.limit }

// settle 把一笔预留从 pending 中移出
func (w *window) settle(amount int64) {
	w.pending = max(w.pending-amount, 0)
}

// Reservation 是一次成功预留的凭据。
type Reservation struct {
	Tokens     int
	ReservedAt time.Time

	settled bool
}

// Stats 是累计统计。
type Stats struct {
	TotalRequests  int64         `json:"total_requests"`
	TotalTokens    int64         `json:"total_tokens"`
	Reservations   int64         `json:"reservations"`
	Deferrals      int64         `json:"deferrals"`
	Releases       int64         `json:"releases"`
	RateLimitHits  int64         `json:"rate_limit_hits"`
	TotalWait      time.Duration `json:"total_wait"`
	WindowRollover int64         `json:"window_rollovers"`
}

// WindowStatus 是单个预算当前窗口的快照。
type WindowStatus struct {
	Ceiling     int64     `json:"ceiling"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	Pending     int64     `json:"pending"`
	Utilisation float64   `json:"utilisation"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Status 是两种预算的快照。
type Status struct {
	Requests WindowStatus `json:"requests"`
	Tokens   WindowStatus `json:"tokens"`
	Stats    Stats        `json:"stats"`
}

// Tracker 跟踪请求与 Token 两种独立刷新的预算。
type Tracker struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger

	mu        sync.Mutex
	req       window
	tok       window
	lastAdmit time.Time
	admitted  bool
	stats     Stats
	handlers  []AlertHandler
}

// NewTracker 创建预算跟踪器。clock 为 nil 时使用系统时钟。
func NewTracker(cfg Config, clock Clock, logger *zap.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.NewInvalidRequestError("invalid budget config").WithCause(err)
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock.Now()
	return &Tracker{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With(zap.String("component", "budget_tracker")),
		req: window{
			kind:    KindRequests,
			ceiling: int64(cfg.RequestsPerWindow),
			limit:   int64(cfg.RequestsPerWindow - cfg.RequestSafetyMargin),
			start:   now,
		},
		tok: window{
			kind:    KindTokens,
			ceiling: int64(cfg.TokensPerWindow),
			limit:   int64(cfg.TokensPerWindow - cfg.TokenSafetyMargin),
			start:   now,
		},
	}, nil
}

// Config 返回跟踪器配置。
func (t *Tracker) Config() Config { return t.cfg }

// OnAlert 注册告警处理器。
func (t *Tracker) OnAlert(h AlertHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Reserve 尝试为一次调用预留 1 个请求与 estimatedTokens 个 Token。
//
// 当两种预算与最小间隔都满足时，返回非 nil 的 Reservation 与 0 等待；
// 否则返回 nil 与需要等待的时长（各独立等待中的最大值），调用方等待后应重新 Reserve。
// 估算值超过 Token 可用上限时返回 BudgetExceeded，因为任何等待都无法满足。
func (t *Tracker) Reserve(estimatedTokens int) (*Reservation, time.Duration, error) {
	if estimatedTokens <= 0 {
		return nil, 0, types.NewInvalidRequestError(
			fmt.Sprintf("token estimate must be positive, got %d", estimatedTokens))
	}
	est := int64(estimatedTokens)
	if est > t.tok.limit {
		return nil, 0, types.NewBudgetExceededError(
			fmt.Sprintf("estimate of %d tokens exceeds the per-window limit of %d", est, t.tok.limit)).
			WithRetryable(false)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.rollLocked(now)

	var wait time.Duration
	if !t.req.fits(1) {
		wait = maxDuration(wait, t.req.end(t.cfg.Window).Sub(now))
	}
	if !t.tok.fits(est) {
		wait = maxDuration(wait, t.tok.end(t.cfg.Window).Sub(now))
	}
	if t.admitted && t.cfg.MinInterval > 0 {
		wait = maxDuration(wait, t.lastAdmit.Add(t.cfg.MinInterval).Sub(now))
	}

	if wait > 0 {
		t.stats.Deferrals++
		t.logger.Debug("reservation deferred",
			zap.Int64("estimated_tokens", est),
			zap.Int64("requests_used", t.req.used),
			zap.Int64("requests_pending", t.req.pending),
			zap.Int64("tokens_used", t.tok.used),
			zap.Int64("tokens_pending", t.tok.pending),
			zap.Duration("wait", wait))
		return nil, wait, nil
	}

	t.req.pending++
	t.tok.pending += est
	t.lastAdmit = now
	t.admitted = true
	t.stats.Reservations++

	return &Reservation{Tokens: estimatedTokens, ReservedAt: now}, 0, nil
}

// Commit 记录一次成功调用的实际消耗。若预留之后窗口已翻转，消耗计入新窗口
// （预留额度已随窗口结转，所以不会在新窗口上重复放行）。
// 同一 Reservation 只能结算一次。
func (t *Tracker) Commit(r *Reservation, actualTokens int) error {
	if r == nil {
		return types.NewInvalidRequestError("nil reservation")
	}
	if actualTokens < 0 {
		actualTokens = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r.settled {
		return types.NewInvalidRequestError("reservation already settled")
	}
	r.settled = true

	now := t.clock.Now()
	t.rollLocked(now)

	t.req.settle(1)
	t.tok.settle(int64(r.Tokens))
	t.req.used++
	t.tok.used += int64(actualTokens)

	t.stats.TotalRequests++
	t.stats.TotalTokens += int64(actualTokens)

	t.checkAlertsLocked(now)
	return nil
}

// Release 归还一次未成功调用（被限流或失败）的预留。
func (t *Tracker) Release(r *Reservation) {
	if r == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	t.rollLocked(t.clock.Now())
	t.req.settle(1)
	t.tok.settle(int64(r.Tokens))
	t.stats.Releases++
}

// RecordWait 累计调用方实际发生的主动等待时长。
func (t *Tracker) RecordWait(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.stats.TotalWait += d
	t.mu.Unlock()
}

// RecordThrottle 记录一次上游限流命中。
func (t *Tracker) RecordThrottle() {
	t.mu.Lock()
	t.stats.RateLimitHits++
	t.mu.Unlock()
}

// Stats 返回累计统计。
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Status 返回当前窗口快照。
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(t.clock.Now())
	return Status{
		Requests: t.snapshotLocked(&t.req),
		Tokens:   t.snapshotLocked(&t.tok),
		Stats:    t.stats,
	}
}

func (t *Tracker) snapshotLocked(w *window) WindowStatus {
	return WindowStatus{
		Ceiling:     w.ceiling,
		Limit:       w.limit,
		Used:        w.used,
		Pending:     w.pending,
		Utilisation: float64(w.used) / float64(w.ceiling),
		WindowStart: w.start,
		WindowEnd:   w.end(t.cfg.Window),
	}
}

func (t *Tracker) rollLocked(now time.Time) {
	for _, w := range []*window{&t.req, &t.tok} {
		if w.roll(now, t.cfg.Window) {
			t.stats.WindowRollover++
			t.logger.Debug("budget window rolled over",
				zap.String("kind", string(w.kind)),
				zap.Time("window_start", w.start),
				zap.Uint64("epoch", w.epoch))
		}
	}
}

func (t *Tracker) checkAlertsLocked(now time.Time) {
	threshold := t.cfg.AlertThreshold
	if threshold <= 0 {
		return
	}
	for _, w := range []*window{&t.req, &t.tok} {
		util := float64(w.used) / float64(w.ceiling)
		if util < threshold || w.alerted {
			continue
		}
		w.alerted = true
		alert := Alert{
			Kind:        w.kind,
			Threshold:   threshold,
			Utilisation: util,
			WindowStart: w.start,
			Timestamp:   now,
		}
		t.logger.Warn("budget alert",
			zap.String("kind", string(alert.Kind)),
			zap.Float64("threshold", alert.Threshold),
			zap.Float64("utilisation", alert.Utilisation))
		for _, h := range t.handlers {
			go h(alert)
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if b > a {
		return b
	}
	return a
}
