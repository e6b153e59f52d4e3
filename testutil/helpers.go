package testutil

import (
	"context"
	"testing"
	"time"
)

// pollInterval 是 WaitFor 的轮询间隔，足够小以免拖慢闸门与预算测试
const pollInterval = 5 * time.Millisecond

// TestContext 返回 30 秒后自动取消的上下文，测试结束时释放
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 同 TestContext，超时可指定
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 模拟调用方已放弃的请求
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// WaitFor 轮询 cond，超时前返回 true 即成功。超时后再判断一次。
func WaitFor(cond func() bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-timer.C:
			return cond()
		case <-ticker.C:
		}
	}
}

// AssertEventuallyTrue 是 WaitFor 的断言版本
func AssertEventuallyTrue(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(cond, timeout) {
		t.Errorf("condition still false after %s", timeout)
	}
}

// WaitForChannel 从 ch 取一个值；超时返回零值和 false。
// 用于等待后台协程（例如保留期清理、闸门调用）的结果。
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		return v, ok
	case <-timer.C:
		var zero T
		return zero, false
	}
}
