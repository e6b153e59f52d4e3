package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/ddrflow/llm"
	"github.com/BaSui01/ddrflow/llm/budget"
	"github.com/BaSui01/ddrflow/llm/retry"
	"github.com/BaSui01/ddrflow/testutil"
	"github.com/BaSui01/ddrflow/testutil/mocks"
	"github.com/BaSui01/ddrflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

type harness struct {
	provider *mocks.MockProvider
	tracker  *budget.Tracker
	clock    *testutil.FakeClock
	sleeper  *testutil.RecordingSleeper
	gate     *Gate

	mu          sync.Mutex
	transitions []Transition
}

func newHarness(t testing.TB, bcfg budget.Config, gcfg Config, steps ...mocks.Step) *harness {
	clock := testutil.NewFakeClock(t0)
	tracker, err := budget.NewTracker(bcfg, clock, nil)
	require.NoError(t, err)
	h := &harness{
		provider: mocks.NewMockProvider(steps...),
		tracker:  tracker,
		clock:    clock,
		sleeper:  testutil.NewRecordingSleeper(clock),
	}
	h.gate = New(h.provider, tracker, gcfg, nil,
		WithSleeper(h.sleeper.Sleep),
		WithClock(clock),
		WithJitterSource(func() float64 { return 0 }),
		WithObserver(func(tr Transition) {
			h.mu.Lock()
			h.transitions = append(h.transitions, tr)
			h.mu.Unlock()
		}),
	)
	return h
}

func roomyBudget() budget.Config {
	return budget.Config{RequestsPerWindow: 100, TokensPerWindow: 100000, Window: time.Minute}
}

func fastPolicy() Config {
	return Config{
		Backoff: retry.Policy{BaseDelay: 8 * time.Second, MaxDelay: 120 * time.Second, MaxAttempts: 5},
	}
}

func request() *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:     "llama-3.1-8b-instant",
		MaxTokens: 256,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Answer from the drilling reports."},
			{Role: llm.RoleUser, Content: "Where were gas readings above 1.2%?"},
		},
	}
}

func states(trs []Transition) []State {
	out := make([]State, 0, len(trs)+1)
	if len(trs) > 0 {
		out = append(out, trs[0].From)
	}
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func TestGate_SuccessFirstAttempt(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(), mocks.Reply("ok", 120))

	res, err := h.gate.Do(context.Background(), request(), 400)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Backoffs)
	assert.Equal(t, "ok", res.Response.FirstContent())
	assert.Len(t, res.RequestKey, 64)
	assert.Equal(t, []State{StatePending, StateWaiting, StateInFlight, StateSuccess}, states(res.Transitions))
	assert.Equal(t, res.Transitions, h.transitions)

	st := h.tracker.Status()
	assert.Equal(t, int64(1), st.Requests.Used)
	assert.Equal(t, int64(120), st.Tokens.Used)
	assert.Zero(t, st.Tokens.Pending)
}

func TestGate_CommitFallsBackToEstimateWithoutUsage(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(), mocks.Reply("ok", 0))
	_, err := h.gate.Do(context.Background(), request(), 400)
	require.NoError(t, err)
	assert.Equal(t, int64(400), h.tracker.Status().Tokens.Used)
}

// 三次限流后成功：恰好三次退避，只提交一次用量
func TestGate_ThreeThrottlesThenSuccess(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(),
		mocks.Throttle(), mocks.Throttle(), mocks.Throttle(), mocks.Reply("two peaks", 90))

	req := request()
	res, err := h.gate.Do(context.Background(), req, 400)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, []time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second}, res.Backoffs)
	assert.Equal(t, res.Backoffs, h.sleeper.Sleeps())

	stats := h.tracker.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(90), stats.TotalTokens)
	assert.Equal(t, int64(3), stats.RateLimitHits)
	assert.Equal(t, int64(3), stats.Releases)

	// 每次重试的请求载荷一致
	calls := h.provider.Calls()
	require.Len(t, calls, 4)
	for _, c := range calls[1:] {
		assert.Equal(t, calls[0], c)
	}
	assert.NotSame(t, calls[0], calls[1])
	assert.Equal(t, req.Messages, calls[0].Messages)
	assert.Equal(t, req.TraceID, calls[0].TraceID)

	assert.Equal(t, []State{
		StatePending, StateWaiting, StateInFlight,
		StateThrottled, StateWaiting, StateInFlight,
		StateThrottled, StateWaiting, StateInFlight,
		StateThrottled, StateWaiting, StateInFlight,
		StateSuccess,
	}, states(res.Transitions))
}

func TestGate_ThrottledUntilExhausted(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(), mocks.Throttle())

	res, err := h.gate.Do(context.Background(), request(), 400)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, 5, h.provider.CallCount())
	assert.Equal(t, []time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second, 64 * time.Second}, res.Backoffs)
	assert.True(t, types.IsErrorCode(err, types.ErrProviderFailure))
	assert.True(t, types.IsErrorCode(err, types.ErrThrottled))
	assert.False(t, types.IsErrorCode(err, types.ErrCancelled))

	assert.Zero(t, h.tracker.Stats().TotalRequests)
	assert.Zero(t, h.tracker.Status().Tokens.Pending)
}

func TestGate_BackoffCappedAtMaxDelay(t *testing.T) {
	cfg := fastPolicy()
	cfg.Backoff.MaxDelay = 20 * time.Second
	h := newHarness(t, roomyBudget(), cfg, mocks.Throttle())
	res, err := h.gate.Do(context.Background(), request(), 400)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{8 * time.Second, 16 * time.Second, 20 * time.Second, 20 * time.Second}, res.Backoffs)
}

func TestGate_RetryAfterHintIsFloor(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(), mocks.ThrottleAfter(21*time.Second), mocks.Reply("ok", 10))
	res, err := h.gate.Do(context.Background(), request(), 400)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{21 * time.Second}, res.Backoffs)
}

func TestGate_BackoffNeverShrinksAfterRetryAfter(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(),
		mocks.ThrottleAfter(60*time.Second), mocks.Throttle(), mocks.Throttle(), mocks.Reply("ok", 10))
	res, err := h.gate.Do(context.Background(), request(), 400)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{60 * time.Second, 60 * time.Second, 60 * time.Second}, res.Backoffs)
}

func TestGate_NonThrottleErrorFailsImmediately(t *testing.T) {
	boom := &llm.Error{Code: llm.ErrUpstreamError, Message: "bad gateway", HTTPStatus: 502, Retryable: true}
	h := newHarness(t, roomyBudget(), fastPolicy(), mocks.Fail(boom), mocks.Reply("never", 1))

	res, err := h.gate.Do(context.Background(), request(), 400)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Backoffs)
	assert.True(t, types.IsErrorCode(err, types.ErrProviderFailure))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, h.provider.CallCount())
	assert.Equal(t, int64(1), h.tracker.Stats().Releases)
}

func TestGate_ProactiveWaitForBudget(t *testing.T) {
	bcfg := budget.Config{RequestsPerWindow: 10, TokensPerWindow: 1000, Window: time.Minute}
	h := newHarness(t, bcfg, fastPolicy(), mocks.Reply("ok", 500))

	pre, _, err := h.tracker.Reserve(800)
	require.NoError(t, err)
	require.NoError(t, h.tracker.Commit(pre, 800))
	h.clock.Advance(15 * time.Second)

	res, err := h.gate.Do(context.Background(), request(), 500)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, res.ProactiveWait)
	assert.Empty(t, res.Backoffs)
	assert.Equal(t, []time.Duration{45 * time.Second}, h.sleeper.Sleeps())
	assert.Equal(t, 45*time.Second, h.tracker.Stats().TotalWait)
	assert.Equal(t, int64(500), h.tracker.Status().Tokens.Used)
}

func TestGate_BudgetWaitBeyondDeadline(t *testing.T) {
	bcfg := budget.Config{RequestsPerWindow: 10, TokensPerWindow: 1000, Window: time.Minute}
	h := newHarness(t, bcfg, fastPolicy(), mocks.Reply("ok", 10))
	pre, _, err := h.tracker.Reserve(900)
	require.NoError(t, err)
	require.NoError(t, h.tracker.Commit(pre, 900))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.gate.Do(ctx, request(), 500)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrBudgetExceeded))
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Positive(t, te.RetryAfter, "the predicted wait is surfaced as a retry hint")
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, h.provider.CallCount())
	assert.Empty(t, h.sleeper.Sleeps())
}

func TestGate_EstimateLargerThanBudget(t *testing.T) {
	bcfg := budget.Config{RequestsPerWindow: 10, TokensPerWindow: 1000, Window: time.Minute}
	h := newHarness(t, bcfg, fastPolicy())
	_, err := h.gate.Do(context.Background(), request(), 5000)
	assert.True(t, types.IsErrorCode(err, types.ErrBudgetExceeded))
	assert.Zero(t, h.provider.CallCount())
}

func TestGate_CancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(), mocks.Throttle())
	ctx, cancel := context.WithCancel(context.Background())
	h.gate.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := h.gate.Do(ctx, request(), 400)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCancelled))
	assert.False(t, types.IsErrorCode(err, types.ErrProviderFailure))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, h.provider.CallCount())
}

func TestGate_CancelledInFlight(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(), mocks.Step{Content: "late", Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.gate.Do(ctx, request(), 400)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCancelled))
	assert.Zero(t, h.tracker.Status().Tokens.Pending)
}

func TestGate_CallTimeoutIsProviderFailure(t *testing.T) {
	cfg := fastPolicy()
	cfg.CallTimeout = 20 * time.Millisecond
	h := newHarness(t, roomyBudget(), cfg, mocks.Step{Content: "late", Delay: time.Second})

	res, err := h.gate.Do(context.Background(), request(), 400)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrProviderFailure))
	assert.False(t, types.IsErrorCode(err, types.ErrCancelled))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Attempts)
}

func TestGate_NilRequest(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy())
	res, err := h.gate.Do(context.Background(), nil, 10)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	assert.Equal(t, StateFailed, res.State)
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateSuccess.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateThrottled.Terminal())
	assert.False(t, StateWaiting.Terminal())
}

// 任意次数的连续限流：调用次数有界、退避严格递增、最多提交一次
func TestProperty_ThrottleSequencesTerminate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxAttempts := rapid.IntRange(1, 8).Draw(rt, "max_attempts")
		throttles := rapid.IntRange(0, 10).Draw(rt, "throttles")

		steps := make([]mocks.Step, 0, throttles+1)
		for i := 0; i < throttles; i++ {
			steps = append(steps, mocks.Throttle())
		}
		steps = append(steps, mocks.Reply("ok", 5))

		cfg := Config{Backoff: retry.Policy{BaseDelay: time.Second, MaxDelay: time.Hour, MaxAttempts: maxAttempts, JitterFraction: 0.5}}
		h := newHarness(t, roomyBudget(), cfg, steps...)
		h.gate.backoff = retry.NewBackoff(h.gate.cfg.Backoff, func() float64 {
			return rapid.Float64Range(0, 0.999).Draw(rt, "jitter")
		})

		res, err := h.gate.Do(context.Background(), request(), 50)
		if throttles < maxAttempts {
			if err != nil || res.State != StateSuccess || res.Attempts != throttles+1 {
				rt.Fatalf("expected success after %d throttles: state=%s attempts=%d err=%v", throttles, res.State, res.Attempts, err)
			}
			if len(res.Backoffs) != throttles {
				rt.Fatalf("backoffs %d != throttles %d", len(res.Backoffs), throttles)
			}
		} else {
			if err == nil || res.State != StateFailed || res.Attempts != maxAttempts {
				rt.Fatalf("expected failure after %d attempts: state=%s attempts=%d", maxAttempts, res.State, res.Attempts)
			}
			if len(res.Backoffs) != maxAttempts-1 {
				rt.Fatalf("backoffs %d != %d", len(res.Backoffs), maxAttempts-1)
			}
		}
		for i := 1; i < len(res.Backoffs); i++ {
			if res.Backoffs[i] <= res.Backoffs[i-1] {
				rt.Fatalf("backoffs not strictly increasing: %v", res.Backoffs)
			}
		}
		if got := h.tracker.Stats().TotalRequests; got > 1 {
			rt.Fatalf("committed %d times", got)
		}
	})
}

func TestGate_ConcurrentCallsShareBudget(t *testing.T) {
	bcfg := budget.Config{RequestsPerWindow: 3, TokensPerWindow: 100000, Window: time.Minute}
	h := newHarness(t, bcfg, fastPolicy(), mocks.Reply("ok", 10))

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.gate.Do(context.Background(), request(), 100)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(6), h.tracker.Stats().TotalRequests)
	assert.NotEmpty(t, h.sleeper.Sleeps(), "callers beyond the request budget wait for the next window")
}

func TestGate_TransitionTimestampsUseClock(t *testing.T) {
	h := newHarness(t, roomyBudget(), fastPolicy(), mocks.Throttle(), mocks.Reply("ok", 1))
	res, err := h.gate.Do(context.Background(), request(), 10)
	require.NoError(t, err)
	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, t0.Add(8*time.Second), last.At)
}
