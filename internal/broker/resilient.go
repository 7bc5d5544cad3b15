package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/pkg/circuit"
	"github.com/1NF3RM0/MyBot/internal/pkg/retry"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

type singleAttemptKey struct{}

// SingleAttempt 标记本次调用不做重试（紧急平仓使用）。
func SingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

func isSingleAttempt(ctx context.Context) bool {
	v, _ := ctx.Value(singleAttemptKey{}).(bool)
	return v
}

// Resilient 为任意 Brokerage 叠加熔断、指数退避重试与单次调用超时。
type Resilient struct {
	inner       Brokerage
	breaker     *circuit.Breaker
	policy      retry.Policy
	callTimeout time.Duration

	// OnRetry 在每次重试前回调，op 为调用名称。
	OnRetry func(op string, attempt int, err error)
}

func NewResilient(inner Brokerage, breaker *circuit.Breaker, policy retry.Policy, callTimeout time.Duration) *Resilient {
	return &Resilient{inner: inner, breaker: breaker, policy: policy, callTimeout: callTimeout}
}

// PolicyFromConfig 把 retry 配置转换为重试策略。
func PolicyFromConfig(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval(),
		MaxInterval:     cfg.MaxInterval(),
		Multiplier:      cfg.Multiplier,
		Jitter:          0.1,
	}
}

func (r *Resilient) Propose(ctx context.Context, symbol string, direction strategy.Action, stake decimal.Decimal) (Quote, error) {
	return call(ctx, r, "propose", func(ctx context.Context) (Quote, error) {
		return r.inner.Propose(ctx, symbol, direction, stake)
	})
}

func (r *Resilient) Buy(ctx context.Context, quoteID string) (Contract, error) {
	return call(ctx, r, "buy", func(ctx context.Context) (Contract, error) {
		return r.inner.Buy(ctx, quoteID)
	})
}

func (r *Resilient) Sell(ctx context.Context, contractID string) (SellResult, error) {
	return call(ctx, r, "sell", func(ctx context.Context) (SellResult, error) {
		return r.inner.Sell(ctx, contractID)
	})
}

func (r *Resilient) OpenContracts(ctx context.Context) ([]Position, error) {
	return call(ctx, r, "open_contracts", func(ctx context.Context) ([]Position, error) {
		return r.inner.OpenContracts(ctx)
	})
}

func (r *Resilient) Balance(ctx context.Context) (Balance, error) {
	return call(ctx, r, "balance", func(ctx context.Context) (Balance, error) {
		return r.inner.Balance(ctx)
	})
}

func (r *Resilient) BreakerState() circuit.State {
	if r.breaker == nil {
		return circuit.StateClosed
	}
	return r.breaker.State()
}

func call[T any](ctx context.Context, r *Resilient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p := r.policy
	p.Retryable = IsTransient
	if isSingleAttempt(ctx) {
		p.MaxAttempts = 1
	}
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Debugf("[broker] %s 第%d次失败，%s 后重试: %v", op, attempt, wait, err)
		if r.OnRetry != nil {
			r.OnRetry(op, attempt, err)
		}
	}
	v, err := retry.DoValue(ctx, p, func(ctx context.Context) (T, error) {
		var zero T
		if r.breaker != nil {
			if err := r.breaker.Allow(); err != nil {
				return zero, retry.Permanent(fmt.Errorf("%s: %w", op, err))
			}
		}
		cctx := ctx
		if r.callTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
		}
		v, err := fn(cctx)
		if r.breaker != nil {
			if err != nil && IsTransient(err) {
				r.breaker.RecordFailure()
			} else {
				r.breaker.RecordSuccess()
			}
		}
		if err != nil {
			return v, fmt.Errorf("%s: %w", op, err)
		}
		return v, nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		if IsTransient(err) {
			logger.Warnf("[broker] %s 失败: %v", op, err)
		}
	}
	return v, err
}
