package taskclient

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig 控制对远端服务的重试行为。
type RetryConfig struct {
	// MaxAttempts 是每次调用的最大尝试次数，包含首次尝试。
	MaxAttempts int
	// BackoffBase 是第一次重试前的等待时长。
	BackoffBase time.Duration
	// BackoffMultiplier 在每次重试后作用于等待时长。
	BackoffMultiplier float64
	// MaxBackoff 是等待时长上限。
	MaxBackoff time.Duration
}

// DefaultRetryConfig 返回默认重试策略：3 次尝试，1s 起步指数退避。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = c.BackoffBase
	}
	return c
}

// backoff 计算第 attempt 次失败后的等待时长，叠加 ±25% 抖动。
func (c RetryConfig) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.BackoffMultiplier
	}

	wait := time.Duration(float64(c.BackoffBase) * multiplier)
	if wait > c.MaxBackoff {
		wait = c.MaxBackoff
	}

	jitter := float64(wait) * 0.25 * (rand.Float64()*2 - 1)
	return wait + time.Duration(jitter)
}

// sleep 等待指定时长，调用方上下文结束时提前返回其错误。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
