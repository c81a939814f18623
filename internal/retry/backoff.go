// Package retry provides exponential backoff retries.
// This package is internal and should not be imported by external projects.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`       // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay" env:"INITIAL_DELAY"` // 初始延迟时间
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay" env:"MAX_DELAY"`             // 最大延迟时间
	Multiplier   float64       `yaml:"multiplier" json:"multiplier" env:"MULTIPLIER"`          // 延迟倍增因子
	Jitter       bool          `yaml:"jitter" json:"jitter" env:"JITTER"`                      // 是否添加 ±25% 随机抖动

	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"` // 重试回调
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// normalize 修正非法参数
func (p Policy) normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay 计算第 attempt 次重试（从 1 开始）前的等待时间
// delay = initial * multiplier^(attempt-1)，不超过 MaxDelay，不小于 InitialDelay
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}
	return time.Duration(delay)
}

// =============================================================================
// 🔁 Retryer
// =============================================================================

// Retryer 按策略重试函数调用
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New 创建指数退避重试器
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy.normalize(), logger: logger}
}

// Do 执行 fn，失败时按策略重试
// 被 Permanent 包装的错误不会重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult 执行 fn 并返回结果，失败时按策略重试
func DoWithResult[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.policy.Delay(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			if err := Sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry canceled: %w", err)
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return zero, fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// Sleep 等待 d，ctx 先结束时返回 ctx.Err()
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// 🧱 不可重试错误
// =============================================================================

// PermanentError 标记不应重试的错误
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent 将错误包装为不可重试错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// =============================================================================
// ⏱️ Backoff
// =============================================================================

// Backoff 为无限重连循环提供递增的等待时间，成功后 Reset
// 非并发安全
type Backoff struct {
	policy  Policy
	attempt int
}

// NewBackoff 创建退避计数器，忽略 MaxRetries
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{policy: policy.normalize()}
}

// Next 返回下一次等待时间
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.policy.Delay(b.attempt)
}

// Attempt 返回自上次 Reset 以来的失败次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset 清零计数
func (b *Backoff) Reset() {
	b.attempt = 0
}
