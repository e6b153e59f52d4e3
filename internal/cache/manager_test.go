package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := NewManager(Config{Addr: mr.Addr(), KeyPrefix: "test:", DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func TestNewManager_Unreachable(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.ErrorContains(t, err, "127.0.0.1:1")
}

func TestManager_JSONRoundTripUsesPrefixAndDefaultTTL(t *testing.T) {
	mr, m := newTestManager(t)
	ctx := context.Background()

	vec := []float64{0.12, -0.4, 0.9}
	require.NoError(t, m.SetJSON(ctx, "emb:abc", vec, 0))
	assert.True(t, mr.Exists("test:emb:abc"))
	assert.Equal(t, time.Minute, mr.TTL("test:emb:abc"))

	var got []float64
	require.NoError(t, m.GetJSON(ctx, "emb:abc", &got))
	assert.Equal(t, vec, got)
}

func TestManager_MissAndExpiry(t *testing.T) {
	mr, m := newTestManager(t)
	ctx := context.Background()
	var v []float64

	assert.True(t, IsCacheMiss(m.GetJSON(ctx, "missing", &v)))
	assert.False(t, IsCacheMiss(errors.New("other")))

	require.NoError(t, m.SetJSON(ctx, "short", []float64{1}, 2*time.Second))
	mr.FastForward(3 * time.Second)
	assert.True(t, IsCacheMiss(m.GetJSON(ctx, "short", &v)))

	assert.Equal(t, Stats{Misses: 2}, m.Stats())
}

func TestManager_EncodingErrors(t *testing.T) {
	mr, m := newTestManager(t)
	ctx := context.Background()

	assert.Error(t, m.SetJSON(ctx, "bad", make(chan int), 0))

	require.NoError(t, mr.Set("test:broken", "{not json"))
	var v []float64
	err := m.GetJSON(ctx, "broken", &v)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_RedisDown(t *testing.T) {
	mr, m := newTestManager(t)
	mr.Close()

	var v []float64
	err := m.GetJSON(context.Background(), "k", &v)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
	assert.Error(t, m.Ping(context.Background()))
}

func TestManager_Closed(t *testing.T) {
	_, m := newTestManager(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	ctx := context.Background()
	var v []float64
	assert.ErrorIs(t, m.GetJSON(ctx, "a", &v), ErrClosed)
	assert.ErrorIs(t, m.SetJSON(ctx, "a", v, 0), ErrClosed)
	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
}

func TestManager_Concurrent(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("q-%d", id)
			assert.NoError(t, m.SetJSON(ctx, key, []int{id}, 0))
			var got []int
			assert.NoError(t, m.GetJSON(ctx, key, &got))
			assert.Equal(t, []int{id}, got)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(10), m.Stats().Hits)
}
