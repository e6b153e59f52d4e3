package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock 是可手动推进的时钟，满足 budget.Clock。
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建从 start 开始的时钟
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 将时钟向前推进 d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set 将时钟设置到指定时间
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// RecordingSleeper 记录每次等待时长，并把假时钟推进同样的时长，不真正阻塞。
type RecordingSleeper struct {
	clock *FakeClock

	mu     sync.Mutex
	sleeps []time.Duration
}

// NewRecordingSleeper 创建记录型等待器；clock 可为 nil
func NewRecordingSleeper(clock *FakeClock) *RecordingSleeper {
	return &RecordingSleeper{clock: clock}
}

// Sleep 满足 gate.Sleeper 签名
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return nil
}

// Sleeps 返回已记录的等待时长副本
func (s *RecordingSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.sleeps))
	copy(out, s.sleeps)
	return out
}
