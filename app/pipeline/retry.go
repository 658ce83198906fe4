package pipeline

import (
	"math"
	"time"
)

// RetryPolicy 统一的重试策略，作用于每个阶段
type RetryPolicy struct {
	MaxAttempts int           // 包含第一次尝试
	BaseDelay   time.Duration // 第一次重试前的等待
	MaxDelay    time.Duration
}

// DefaultRetryPolicy 默认最多尝试 3 次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
}

// ShouldRetry 第 attempt 次尝试失败后是否还能重试
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return attempt < maxAttempts
}

// Backoff 第 attempt 次尝试失败后的等待时间，指数增长并封顶
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(math.Pow(2, float64(attempt-1))) * p.BaseDelay
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}
