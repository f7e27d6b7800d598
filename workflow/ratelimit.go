package workflow

import (
	"context"

	"golang.org/x/time/rate"
)

// limitedExecutor waits on a token bucket before each invocation of inner.
type limitedExecutor struct {
	inner   Executor
	limiter *rate.Limiter
}

// RateLimited 为执行器加上令牌桶限流，常用于调用外部模型的 agent / team 步骤。
// 每次尝试（包括重试）都会消耗一个令牌。
func RateLimited(inner Executor, limiter *rate.Limiter) Executor {
	if limiter == nil {
		return inner
	}
	return &limitedExecutor{inner: inner, limiter: limiter}
}

// NewLimiter 创建每秒 rps 次、突发 burst 的限流器
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (e *limitedExecutor) ExecutorType() string { return e.inner.ExecutorType() }

func (e *limitedExecutor) ExecutorName() string { return e.inner.ExecutorName() }

func (*limitedExecutor) isExecutor() {}

func (e *limitedExecutor) wait(ctx context.Context) error {
	return e.limiter.Wait(ctx)
}
