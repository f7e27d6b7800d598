package testutil

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/stepflow/types"
)

// pollInterval 异步断言的轮询间隔
const pollInterval = 10 * time.Millisecond

// =============================================================================
// 🎯 上下文
// =============================================================================

// TestContext 返回 30 秒超时的上下文，测试结束时取消
func TestContext(t testing.TB) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回自定义超时的上下文，测试结束时取消
func TestContextWithTimeout(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 📡 事件流
// =============================================================================

// CollectChannel 读取 ch 直到关闭；ctx 先结束时返回已读到的部分
func CollectChannel[T any](ctx context.Context, ch <-chan T) []T {
	var items []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return items
			}
			items = append(items, v)
		case <-ctx.Done():
			return items
		}
	}
}

// EventTypes 把事件序列映射为类型名，便于整体比较
func EventTypes[E types.Event](events []E) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType()
	}
	return out
}

// FilterEvents 返回类型为 eventType 的事件，保持原顺序
func FilterEvents[E types.Event](events []E, eventType string) []E {
	var out []E
	for _, ev := range events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// =============================================================================
// ⏱️ 异步断言
// =============================================================================

// AssertEventuallyEqual 在 timeout 内轮询 getter，直到结果与 expected 深度相等
func AssertEventuallyEqual(t testing.TB, expected any, getter func() any, timeout time.Duration) bool {
	t.Helper()
	var last any
	ok := assert.Eventually(t, func() bool {
		last = getter()
		return reflect.DeepEqual(expected, last)
	}, timeout, pollInterval)
	if !ok {
		t.Logf("last value: %v", last)
	}
	return ok
}
