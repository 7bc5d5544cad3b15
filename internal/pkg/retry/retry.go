// Package retry 是基于 cenkalti/backoff 的有界指数退避组合子。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted 表示重试次数耗尽。
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy 重试策略。Retryable 为 nil 时所有错误都重试。
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	Retryable       func(error) bool
	OnRetry         func(attempt int, err error, wait time.Duration)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Permanent 标记不可重试的错误。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do 执行 op，可重试错误按指数退避重试，最多 MaxAttempts 次；上下文取消立即返回。
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue 是带返回值的 Do。
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	retryable := false
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			retryable = false
			return v, err
		}
		if ctx.Err() != nil || (p.Retryable != nil && !p.Retryable(err)) {
			retryable = false
			return v, backoff.Permanent(err)
		}
		retryable = true
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}
	v, err := backoff.RetryNotifyWithData(operation, b, notify)
	if err == nil {
		return v, nil
	}
	if retryable && attempt >= p.MaxAttempts && ctx.Err() == nil {
		return v, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
	return v, err
}
