package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type cachedAnswer struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
}

func TestKey(t *testing.T) {
	k1, err := Key("llama", "gas above 1.2%", 512)
	require.NoError(t, err)
	k2, err := Key("llama", "gas above 1.2%", 512)
	require.NoError(t, err)
	k3, err := Key("llama", "gas above 1.3%", 512)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)

	_, err = Key()
	assert.Error(t, err)
	_, err = Key(func() {})
	assert.Error(t, err)
}

func TestMemoryManager_Expiry(t *testing.T) {
	m := NewMemoryManager(0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", cachedAnswer{Answer: "a"}, time.Minute))
	got, ok, err := GetTyped[cachedAnswer](ctx, m, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.Answer)

	now = now.Add(time.Minute)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestMemoryManager_EvictsWhenFull(t *testing.T) {
	m := NewMemoryManager(2)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", 1, time.Minute))
	require.NoError(t, m.Set(ctx, "b", 2, time.Hour))
	require.NoError(t, m.Set(ctx, "c", 3, time.Hour))

	assert.Equal(t, 2, m.Len())
	_, ok, _ := m.Get(ctx, "a")
	assert.False(t, ok, "entry expiring first is evicted")

	require.NoError(t, m.Delete(ctx, "b"))
	assert.Equal(t, 1, m.Len())
}

func TestRedisManager(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := NewRedisManager(client, "", zap.NewNop())
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	want := cachedAnswer{Answer: "two peaks", Citations: []string{"ddr-15_9-F-11-2013-05-04"}}
	require.NoError(t, m.Set(ctx, "q1", want, 0))
	assert.True(t, mr.Exists("ddrflow:answer:q1"))
	assert.Equal(t, DefaultTTL, mr.TTL("ddrflow:answer:q1"))

	got, ok, err := GetTyped[cachedAnswer](ctx, m, "q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	mr.FastForward(DefaultTTL + time.Second)
	_, ok, err = m.Get(ctx, "q1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "q2", want, time.Minute))
	require.NoError(t, m.Delete(ctx, "q2"))
	assert.False(t, mr.Exists("ddrflow:answer:q2"))
}
