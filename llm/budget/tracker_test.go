package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/ddrflow/testutil"
	"github.com/BaSui01/ddrflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		RequestsPerWindow: 5,
		TokensPerWindow:   1000,
		Window:            time.Minute,
	}
}

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(epoch)
	tr, err := NewTracker(cfg, clock, nil)
	require.NoError(t, err)
	return tr, clock
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := []Config{
		{RequestsPerWindow: 0, TokensPerWindow: 10, Window: time.Minute},
		{RequestsPerWindow: 1, TokensPerWindow: 0, Window: time.Minute},
		{RequestsPerWindow: 1, TokensPerWindow: 10, Window: 0},
		{RequestsPerWindow: 3, TokensPerWindow: 10, Window: time.Minute, RequestSafetyMargin: 3},
		{RequestsPerWindow: 3, TokensPerWindow: 10, Window: time.Minute, TokenSafetyMargin: 10},
		{RequestsPerWindow: 3, TokensPerWindow: 10, Window: time.Minute, MinInterval: -time.Second},
		{RequestsPerWindow: 3, TokensPerWindow: 10, Window: time.Minute, AlertThreshold: 1.5},
	}
	for _, c := range bad {
		assert.Error(t, c.Validate(), "%+v", c)
	}

	_, err := NewTracker(bad[0], nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestReserve_ImmediateWhenSatisfiable(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	res, wait, err := tr.Reserve(100)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Zero(t, wait)

	st := tr.Status()
	assert.Equal(t, int64(1), st.Requests.Pending)
	assert.Equal(t, int64(100), st.Tokens.Pending)
	assert.Zero(t, st.Tokens.Used)
}

func TestReserve_InvalidEstimate(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	_, _, err := tr.Reserve(0)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	_, _, err = tr.Reserve(-5)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestReserve_EstimateAboveCeilingIsBudgetExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.TokenSafetyMargin = 100
	tr, _ := newTestTracker(t, cfg)
	_, _, err := tr.Reserve(901)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrBudgetExceeded))
	assert.False(t, types.IsRetryable(err))

	res, _, err := tr.Reserve(900)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestReserve_TokenBudgetWaitsForWindowEnd(t *testing.T) {
	tr, clock := newTestTracker(t, testConfig())
	res, _, err := tr.Reserve(800)
	require.NoError(t, err)
	require.NoError(t, tr.Commit(res, 800))

	clock.Advance(20 * time.Second)
	res, wait, err := tr.Reserve(300)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 40*time.Second, wait)
	assert.Equal(t, int64(1), tr.Stats().Deferrals)

	clock.Advance(wait)
	res, wait, err = tr.Reserve(300)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Zero(t, wait)
}

func TestReserve_RequestBudgetWaitsForWindowEnd(t *testing.T) {
	tr, clock := newTestTracker(t, testConfig())
	for i := 0; i < 5; i++ {
		res, _, err := tr.Reserve(10)
		require.NoError(t, err)
		require.NotNil(t, res, "reservation %d", i)
		require.NoError(t, tr.Commit(res, 10))
	}
	clock.Advance(5 * time.Second)
	res, wait, err := tr.Reserve(10)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 55*time.Second, wait)
}

// 两种预算同时不足时取最大等待，而非叠加
func TestReserve_MaxOfWaitsDoesNotCompound(t *testing.T) {
	cfg := testConfig()
	tr, clock := newTestTracker(t, cfg)

	for i := 0; i < 5; i++ {
		res, _, err := tr.Reserve(150)
		require.NoError(t, err)
		require.NoError(t, tr.Commit(res, 150))
	}
	clock.Advance(10 * time.Second)
	res, wait, err := tr.Reserve(400)
	require.NoError(t, err)
	assert.Nil(t, res)
	// 两者都在 t0+60s 翻转：等待 50s 而不是 100s
	assert.Equal(t, 50*time.Second, wait)
}

func TestReserve_MinIntervalSpacing(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = 2500 * time.Millisecond
	tr, clock := newTestTracker(t, cfg)

	res, wait, err := tr.Reserve(10)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Zero(t, wait)

	clock.Advance(time.Second)
	res, wait, err = tr.Reserve(10)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1500*time.Millisecond, wait)

	clock.Advance(wait)
	res, _, err = tr.Reserve(10)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestReserve_SafetyMarginReducesLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RequestSafetyMargin = 2
	tr, _ := newTestTracker(t, cfg)
	for i := 0; i < 3; i++ {
		res, _, err := tr.Reserve(1)
		require.NoError(t, err)
		require.NotNil(t, res)
	}
	res, wait, err := tr.Reserve(1)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, time.Minute, wait)
}

func TestPendingCountsAgainstBudget(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	_, _, err := tr.Reserve(600)
	require.NoError(t, err)
	res, wait, err := tr.Reserve(600)
	require.NoError(t, err)
	assert.Nil(t, res, "in-flight reservation must count against the window")
	assert.Positive(t, wait)
}

func TestRelease_ReturnsPending(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	res, _, err := tr.Reserve(600)
	require.NoError(t, err)
	tr.Release(res)

	st := tr.Status()
	assert.Zero(t, st.Tokens.Pending)
	assert.Zero(t, st.Requests.Pending)
	assert.Zero(t, st.Tokens.Used)
	assert.Equal(t, int64(1), st.Stats.Releases)

	// 重复释放无副作用
	tr.Release(res)
	assert.Equal(t, int64(1), tr.Stats().Releases)
}

func TestCommit_OnlyOnce(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	res, _, err := tr.Reserve(100)
	require.NoError(t, err)
	require.NoError(t, tr.Commit(res, 90))
	err = tr.Commit(res, 90)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))

	st := tr.Status()
	assert.Equal(t, int64(1), st.Requests.Used)
	assert.Equal(t, int64(90), st.Tokens.Used)
	assert.Equal(t, int64(1), st.Stats.TotalRequests)

	assert.Error(t, tr.Commit(nil, 1))
}

func TestCommit_AfterRolloverAttributesToNewWindow(t *testing.T) {
	tr, clock := newTestTracker(t, testConfig())
	res, _, err := tr.Reserve(400)
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	require.NoError(t, tr.Commit(res, 350))

	st := tr.Status()
	assert.Equal(t, epoch.Add(time.Minute), st.Tokens.WindowStart)
	assert.Equal(t, int64(350), st.Tokens.Used)
	assert.Zero(t, st.Tokens.Pending, "the carried reservation is settled by the commit")
	assert.Equal(t, int64(1), st.Requests.Used)
}

func TestRollover_InFlightReservationsCarryOver(t *testing.T) {
	cfg := Config{RequestsPerWindow: 10, TokensPerWindow: 10000, Window: time.Minute}
	tr, clock := newTestTracker(t, cfg)

	var old []*Reservation
	for i := 0; i < 10; i++ {
		res, _, err := tr.Reserve(100)
		require.NoError(t, err)
		require.NotNil(t, res)
		old = append(old, res)
	}

	clock.Advance(61 * time.Second)
	st := tr.Status()
	assert.Equal(t, epoch.Add(time.Minute), st.Requests.WindowStart)
	assert.Equal(t, int64(10), st.Requests.Pending)
	assert.Equal(t, int64(1000), st.Tokens.Pending)

	res, wait, err := tr.Reserve(100)
	require.NoError(t, err)
	assert.Nil(t, res, "in-flight calls from the previous window still hold the request budget")
	assert.Equal(t, 59*time.Second, wait)

	for _, r := range old[:4] {
		require.NoError(t, tr.Commit(r, 100))
	}
	for _, r := range old[4:] {
		tr.Release(r)
	}

	admitted := 0
	for {
		r, _, err := tr.Reserve(100)
		require.NoError(t, err)
		if r == nil {
			break
		}
		admitted++
		require.NoError(t, tr.Commit(r, 100))
	}
	st = tr.Status()
	assert.Equal(t, 6, admitted)
	assert.Equal(t, int64(10), st.Requests.Used)
	assert.LessOrEqual(t, st.Requests.Used, st.Requests.Ceiling)
	assert.Zero(t, st.Requests.Pending)
}

func TestWindowRollover_AlignedAndMonotonic(t *testing.T) {
	tr, clock := newTestTracker(t, testConfig())
	clock.Advance(3*time.Minute + 10*time.Second)
	st := tr.Status()
	assert.Equal(t, epoch.Add(3*time.Minute), st.Requests.WindowStart)
	assert.Equal(t, epoch.Add(4*time.Minute), st.Requests.WindowEnd)

	prev := st.Tokens.WindowStart
	for i := 0; i < 10; i++ {
		clock.Advance(17 * time.Second)
		cur := tr.Status().Tokens.WindowStart
		assert.False(t, cur.Before(prev))
		prev = cur
	}
}

func TestAlerts_FireOncePerWindow(t *testing.T) {
	cfg := testConfig()
	cfg.AlertThreshold = 0.5
	tr, clock := newTestTracker(t, cfg)

	alerts := make(chan Alert, 10)
	tr.OnAlert(func(a Alert) { alerts <- a })

	for i := 0; i < 3; i++ {
		res, _, err := tr.Reserve(200)
		require.NoError(t, err)
		require.NoError(t, tr.Commit(res, 200))
	}

	got := map[Kind]int{}
	for i := 0; i < 2; i++ {
		a, ok := testutil.WaitForChannel(alerts, time.Second)
		require.True(t, ok)
		got[a.Kind]++
	}
	assert.Equal(t, map[Kind]int{KindRequests: 1, KindTokens: 1}, got)

	_, ok := testutil.WaitForChannel(alerts, 50*time.Millisecond)
	assert.False(t, ok, "alerts must not repeat within a window")

	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		res, _, err := tr.Reserve(200)
		require.NoError(t, err)
		require.NoError(t, tr.Commit(res, 200))
	}
	_, ok = testutil.WaitForChannel(alerts, time.Second)
	assert.True(t, ok, "a new window re-arms the alert")
}

func TestStats_RecordWaitAndThrottle(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	tr.RecordWait(2 * time.Second)
	tr.RecordWait(-time.Second)
	tr.RecordThrottle()
	st := tr.Stats()
	assert.Equal(t, 2*time.Second, st.TotalWait)
	assert.Equal(t, int64(1), st.RateLimitHits)
}

// 任意 reserve/commit/release 与时钟推进的交错序列，已提交用量加在途预留
// 不超过上限（实际用量不大于估算值时），跨窗口翻转同样成立
func TestProperty_NoOvercommitAcrossWindows(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := Config{
			RequestsPerWindow: rapid.IntRange(1, 50).Draw(rt, "rpm"),
			TokensPerWindow:   rapid.IntRange(10, 5000).Draw(rt, "tpm"),
			Window:            time.Minute,
		}
		clock := testutil.NewFakeClock(epoch)
		tr, err := NewTracker(cfg, clock, nil)
		if err != nil {
			rt.Fatalf("new tracker: %v", err)
		}

		var inflight []*Reservation
		steps := rapid.IntRange(1, 200).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				est := rapid.IntRange(1, cfg.TokensPerWindow).Draw(rt, "est")
				res, wait, err := tr.Reserve(est)
				if err != nil {
					rt.Fatalf("reserve: %v", err)
				}
				if res == nil && wait <= 0 {
					rt.Fatalf("deferred reservation must report a positive wait")
				}
				if res != nil {
					inflight = append(inflight, res)
				}
			case 1:
				if len(inflight) == 0 {
					continue
				}
				idx := rapid.IntRange(0, len(inflight)-1).Draw(rt, "idx")
				r := inflight[idx]
				actual := rapid.IntRange(0, r.Tokens).Draw(rt, "actual")
				if err := tr.Commit(r, actual); err != nil {
					rt.Fatalf("commit: %v", err)
				}
				inflight = append(inflight[:idx], inflight[idx+1:]...)
			case 2:
				if len(inflight) == 0 {
					continue
				}
				tr.Release(inflight[0])
				inflight = inflight[1:]
			case 3:
				clock.Advance(time.Duration(rapid.IntRange(1, 90).Draw(rt, "advance_s")) * time.Second)
			}

			st := tr.Status()
			if st.Requests.Used+st.Requests.Pending > st.Requests.Ceiling {
				rt.Fatalf("requests overcommitted: %+v", st.Requests)
			}
			if st.Tokens.Used+st.Tokens.Pending > st.Tokens.Ceiling {
				rt.Fatalf("tokens overcommitted: %+v", st.Tokens)
			}
		}
	})
}

func TestConcurrentReserveCommit(t *testing.T) {
	cfg := Config{RequestsPerWindow: 40, TokensPerWindow: 4000, Window: time.Minute}
	tr, _ := newTestTracker(t, cfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := tr.Reserve(50)
			if err != nil || res == nil {
				return
			}
			mu.Lock()
			admitted++
			mu.Unlock()
			_ = tr.Commit(res, 50)
		}()
	}
	wg.Wait()

	st := tr.Status()
	assert.Equal(t, 40, admitted)
	assert.Equal(t, int64(40), st.Requests.Used)
	assert.Equal(t, int64(2000), st.Tokens.Used)
	assert.Zero(t, st.Requests.Pending)
}
