package broker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/1NF3RM0/MyBot/internal/broker"
	"github.com/1NF3RM0/MyBot/internal/broker/brokertest"
	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/pkg/circuit"
	"github.com/1NF3RM0/MyBot/internal/pkg/retry"
	"github.com/1NF3RM0/MyBot/internal/store"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

type feed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *feed) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *feed) LatestPrice(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return p, ok
}

func paperConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Mode:              "paper",
		Currency:          "USD",
		InitialBalance:    100,
		PayoutRatio:       0.95,
		DurationSeconds:   600,
		ResaleLockSeconds: 60,
		Spread:            0,
	}
}

func TestPaperBuyAndSettleWin(t *testing.T) {
	ctx := context.Background()
	f := &feed{prices: map[string]float64{"BTCUSDT": 100}}
	p := broker.NewPaper(paperConfig(), f)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	q, err := p.Propose(ctx, "btcusdt", strategy.ActionCall, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, q.AskPrice.Equal(decimal.NewFromInt(10)))
	assert.True(t, q.Payout.Equal(decimal.RequireFromString("19.5")))

	c, err := p.Buy(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", c.Symbol)
	bal, _ := p.Balance(ctx)
	assert.True(t, bal.Amount.Equal(decimal.NewFromInt(90)))

	_, err = p.Buy(ctx, q.ID)
	assert.ErrorIs(t, err, broker.ErrRejected, "quote is single use")

	f.set("BTCUSDT", 101)
	now = now.Add(11 * time.Minute)
	positions, err := p.OpenContracts(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Closed)
	assert.True(t, positions[0].SellPrice.Equal(decimal.RequireFromString("19.5")))
	assert.True(t, positions[0].PnL().Equal(decimal.RequireFromString("9.5")))
	bal, _ = p.Balance(ctx)
	assert.True(t, bal.Amount.Equal(decimal.RequireFromString("109.5")))
}

func TestPaperSellAndResaleLock(t *testing.T) {
	ctx := context.Background()
	f := &feed{prices: map[string]float64{"ETHUSDT": 2000}}
	p := broker.NewPaper(paperConfig(), f)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	buy := func() broker.Contract {
		q, err := p.Propose(ctx, "ETHUSDT", strategy.ActionPut, decimal.NewFromInt(5))
		require.NoError(t, err)
		c, err := p.Buy(ctx, q.ID)
		require.NoError(t, err)
		return c
	}
	c1 := buy()
	res, err := p.Sell(ctx, c1.ID)
	require.NoError(t, err)
	assert.True(t, res.SoldFor.IsPositive())

	_, err = p.Sell(ctx, c1.ID)
	assert.ErrorIs(t, err, broker.ErrRejected)

	c2 := buy()
	now = now.Add(9*time.Minute + 30*time.Second)
	_, err = p.Sell(ctx, c2.ID)
	assert.ErrorIs(t, err, broker.ErrResaleUnavailable)

	_, err = p.Sell(ctx, "missing")
	assert.ErrorIs(t, err, broker.ErrUnknownContract)
}

type memPaperStore struct {
	mu   sync.Mutex
	acct *store.PaperAccount
}

func (s *memPaperStore) LoadPaper(_ context.Context, id string) (store.PaperAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acct == nil || s.acct.AccountID != id {
		return store.PaperAccount{}, store.ErrNotFound
	}
	cp := *s.acct
	cp.Contracts = append([]store.PaperContract(nil), s.acct.Contracts...)
	return cp, nil
}

func (s *memPaperStore) SavePaper(_ context.Context, acct store.PaperAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acct = &acct
	return nil
}

func TestPaperAccountSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := &feed{prices: map[string]float64{"BTCUSDT": 100}}
	st := &memPaperStore{}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	first := broker.NewPaper(paperConfig(), f)
	first.SetClock(func() time.Time { return now })
	n, err := first.Attach(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NotNil(t, st.acct, "fresh account is written on attach")

	q, err := first.Propose(ctx, "BTCUSDT", strategy.ActionCall, decimal.NewFromInt(10))
	require.NoError(t, err)
	c, err := first.Buy(ctx, q.ID)
	require.NoError(t, err)

	second := broker.NewPaper(paperConfig(), f)
	second.SetClock(func() time.Time { return now.Add(time.Minute) })
	n, err = second.Attach(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, err := second.Balance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Amount.Equal(decimal.NewFromInt(90)))
	positions, err := second.OpenContracts(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, c.ID, positions[0].ContractID)
	assert.False(t, positions[0].Closed)

	res, err := second.Sell(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.SoldFor.IsPositive())
	require.Len(t, st.acct.Contracts, 1)
	assert.True(t, st.acct.Contracts[0].Closed)
	assert.True(t, st.acct.Balance.Equal(decimal.NewFromInt(90).Add(res.SoldFor)))
}

func TestPaperProposeWithoutPrice(t *testing.T) {
	p := broker.NewPaper(paperConfig(), &feed{prices: map[string]float64{}})
	_, err := p.Propose(context.Background(), "XRPUSDT", strategy.ActionCall, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, broker.ErrRejected)
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}
}

func TestResilientBuyRetriesTransient(t *testing.T) {
	m := &brokertest.MockBrokerage{}
	want := broker.Contract{ID: "c-1", Symbol: "BTCUSDT"}
	m.On("Buy", mock.Anything, "q-1").Return(broker.Contract{}, fmt.Errorf("timeout: %w", broker.ErrTransient)).Twice()
	m.On("Buy", mock.Anything, "q-1").Return(want, nil).Once()

	var retries []int
	r := broker.NewResilient(m, circuit.New("broker", 5, time.Minute), fastPolicy(), time.Second)
	r.OnRetry = func(op string, attempt int, _ error) {
		assert.Equal(t, "buy", op)
		retries = append(retries, attempt)
	}
	got, err := r.Buy(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []int{1, 2}, retries)
	m.AssertNumberOfCalls(t, "Buy", 3)
}

func TestResilientDoesNotRetryRejection(t *testing.T) {
	m := &brokertest.MockBrokerage{}
	m.On("Sell", mock.Anything, "c-1").Return(broker.SellResult{}, broker.ErrResaleUnavailable).Once()
	r := broker.NewResilient(m, nil, fastPolicy(), time.Second)
	_, err := r.Sell(context.Background(), "c-1")
	assert.ErrorIs(t, err, broker.ErrResaleUnavailable)
	m.AssertNumberOfCalls(t, "Sell", 1)
}

func TestResilientCallTimeoutIsTransient(t *testing.T) {
	m := &brokertest.MockBrokerage{}
	m.On("Balance", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(broker.Balance{}, context.DeadlineExceeded)
	r := broker.NewResilient(m, nil, fastPolicy(), 5*time.Millisecond)
	_, err := r.Balance(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	m.AssertNumberOfCalls(t, "Balance", 3)
}

func TestResilientBreakerOpens(t *testing.T) {
	m := &brokertest.MockBrokerage{}
	m.On("OpenContracts", mock.Anything).Return(nil, broker.ErrTransient)
	br := circuit.New("broker", 2, time.Hour)
	p := fastPolicy()
	p.MaxAttempts = 1
	r := broker.NewResilient(m, br, p, time.Second)

	for i := 0; i < 2; i++ {
		_, err := r.OpenContracts(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, circuit.StateOpen, r.BreakerState())
	_, err := r.OpenContracts(context.Background())
	assert.ErrorIs(t, err, circuit.ErrOpen)
	m.AssertNumberOfCalls(t, "OpenContracts", 2)
}

func TestSingleAttemptSkipsRetry(t *testing.T) {
	m := &brokertest.MockBrokerage{}
	m.On("Sell", mock.Anything, "c-9").Return(broker.SellResult{}, broker.ErrTransient)
	r := broker.NewResilient(m, nil, fastPolicy(), time.Second)
	_, err := r.Sell(broker.SingleAttempt(context.Background()), "c-9")
	assert.True(t, errors.Is(err, broker.ErrTransient))
	m.AssertNumberOfCalls(t, "Sell", 1)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, broker.IsTransient(fmt.Errorf("x: %w", broker.ErrTransient)))
	assert.True(t, broker.IsTransient(context.DeadlineExceeded))
	assert.False(t, broker.IsTransient(broker.ErrRejected))
	assert.False(t, broker.IsTransient(nil))
}
