package contract

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/broker"
	"github.com/1NF3RM0/MyBot/internal/broker/brokertest"
	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/decision"
	"github.com/1NF3RM0/MyBot/internal/governor"
	"github.com/1NF3RM0/MyBot/internal/store"
	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]store.ContractRecord
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]store.ContractRecord)} }

func (s *memStore) LoadLive(context.Context) ([]store.ContractRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ContractRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) SaveLive(_ context.Context, recs []store.ContractRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = make(map[string]store.ContractRecord, len(recs))
	for _, r := range recs {
		s.recs[r.ContractID] = r
	}
	return nil
}

func (s *memStore) Upsert(_ context.Context, rec store.ContractRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ContractID] = rec
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type memEvents struct {
	mu   sync.Mutex
	recs []eventlog.Record
}

func (e *memEvents) Append(_ context.Context, rec eventlog.Record) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recs = append(e.recs, rec)
	return int64(len(e.recs)), nil
}

func (e *memEvents) types() []eventlog.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]eventlog.Type, 0, len(e.recs))
	for _, r := range e.recs {
		out = append(out, r.Type)
	}
	return out
}

type snaps map[string]indicator.Snapshot

func (s snaps) Get(symbol, _ string) (indicator.Snapshot, bool) {
	v, ok := s[symbol]
	return v, ok
}

var t0 = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

func tradingCfg() config.TradingConfig {
	return config.TradingConfig{
		MaxAskPrice:               20,
		MinPayout:                 1,
		MaxOpenContracts:          5,
		StopLossPercent:           5,
		TakeProfitPercent:         10,
		TrailingActivationPercent: 8,
		TrailingStopPercent:       4,
		RSIOverbought:             70,
		RSIOversold:               30,
		MonitorIntervalSeconds:    1,
	}
}

type fixture struct {
	m      *Manager
	broker *brokertest.MockBrokerage
	store  *memStore
	events *memEvents
	snaps  snaps
}

func newFixture(t *testing.T, st *memStore, cfg config.TradingConfig) *fixture {
	t.Helper()
	if st == nil {
		st = newMemStore()
	}
	f := &fixture{
		broker: &brokertest.MockBrokerage{},
		store:  st,
		events: &memEvents{},
		snaps:  snaps{},
	}
	f.m = NewManager(f.broker, f.store, f.events, f.snaps, DefaultExitRules(cfg), OptionsFromConfig(cfg, "1h"))
	f.m.SetClock(func() time.Time { return t0 })
	f.m.Start()
	t.Cleanup(func() { _ = f.m.Shutdown(context.Background()) })
	return f
}

func proposal(symbol string, dir strategy.Action) decision.Proposal {
	return decision.Proposal{
		Symbol:      symbol,
		Direction:   dir,
		Confidence:  1.3,
		StrategyIDs: []string{"gc_fast", "macd_std"},
		Regime:      "trending",
	}
}

func quote(id string, ask, payout string) broker.Quote {
	return broker.Quote{
		ID:       id,
		Stake:    decimal.RequireFromString(ask),
		AskPrice: decimal.RequireFromString(ask),
		Payout:   decimal.RequireFromString(payout),
		Spot:     100,
	}
}

func (f *fixture) open(t *testing.T, symbol, quoteID, contractID string, dir strategy.Action, purchased time.Time) Contract {
	t.Helper()
	f.broker.On("Buy", mock.Anything, quoteID).Return(broker.Contract{
		ID:          contractID,
		Symbol:      symbol,
		Direction:   dir,
		BuyPrice:    decimal.NewFromInt(10),
		Payout:      decimal.RequireFromString("19.5"),
		EntrySpot:   100,
		PurchasedAt: purchased,
		ExpiresAt:   purchased.Add(time.Hour),
	}, nil).Once()
	c, err := f.m.Open(context.Background(), proposal(symbol, dir), quote(quoteID, "10", "19.5"))
	require.NoError(t, err)
	return c
}

func position(c Contract, bid string) broker.Position {
	return broker.Position{
		ContractID:  c.ContractID,
		Symbol:      c.Symbol,
		Direction:   c.Direction,
		BuyPrice:    c.BuyPrice,
		BidPrice:    decimal.RequireFromString(bid),
		Payout:      c.Payout,
		EntrySpot:   c.EntrySpot,
		PurchasedAt: c.PurchasedAt,
		ExpiresAt:   c.ExpiresAt,
		ValidToSell: true,
	}
}

func nextOutcome(t *testing.T, m *Manager) Outcome {
	t.Helper()
	select {
	case o := <-m.Outcomes():
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome emitted")
	}
	return Outcome{}
}

func TestOpenRejectsAskAboveCeiling(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	_, err := f.m.Open(context.Background(), proposal("BTCUSDT", strategy.ActionCall), quote("q-1", "25", "48"))
	assert.ErrorIs(t, err, ErrAskAboveCeiling)
	f.broker.AssertNotCalled(t, "Buy", mock.Anything, mock.Anything)
	assert.Empty(t, f.m.Live())
	assert.Equal(t, []eventlog.Type{eventlog.TypeRejected}, f.events.types())
}

func TestOpenRejectsPayoutBelowFloor(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	_, err := f.m.Open(context.Background(), proposal("BTCUSDT", strategy.ActionCall), quote("q-1", "0.5", "0.97"))
	assert.ErrorIs(t, err, ErrPayoutBelowFloor)
	f.broker.AssertNotCalled(t, "Buy", mock.Anything, mock.Anything)
}

func TestOpenBuysAndPersists(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	c := f.open(t, "BTCUSDT", "q-1", "c-1", strategy.ActionCall, t0)

	assert.Equal(t, StateMonitoring, c.State)
	assert.NotEmpty(t, c.CorrelationKey)
	assert.Equal(t, []string{"gc_fast", "macd_std"}, c.StrategyIDs)
	require.Len(t, f.m.Live(), 1)
	assert.Equal(t, 1, f.m.OpenCount())
	assert.Equal(t, 1, f.store.len())
	assert.Equal(t, []eventlog.Type{eventlog.TypeBuy}, f.events.types())
}

func TestOpenCapacity(t *testing.T) {
	cfg := tradingCfg()
	cfg.MaxOpenContracts = 1
	f := newFixture(t, nil, cfg)
	f.open(t, "BTCUSDT", "q-1", "c-1", strategy.ActionCall, t0)
	_, err := f.m.Open(context.Background(), proposal("ETHUSDT", strategy.ActionPut), quote("q-2", "10", "19.5"))
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestBuyFailureIsLogged(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	f.broker.On("Buy", mock.Anything, "q-1").Return(broker.Contract{}, broker.ErrRejected).Once()
	_, err := f.m.Open(context.Background(), proposal("BTCUSDT", strategy.ActionCall), quote("q-1", "10", "19.5"))
	assert.ErrorIs(t, err, ErrBuyFailed)
	assert.ErrorIs(t, err, broker.ErrRejected)
	assert.Empty(t, f.m.Live())
	assert.Equal(t, []eventlog.Type{eventlog.TypeFailed}, f.events.types())
}

func TestRSIOverboughtTriggersEarlyExit(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	c := f.open(t, "BTCUSDT", "q-1", "c-1", strategy.ActionCall, t0)
	f.snaps["BTCUSDT"] = indicator.Snapshot{Symbol: "BTCUSDT", Values: map[string]float64{indicator.RSI: 74.2}}

	f.broker.On("OpenContracts", mock.Anything).Return([]broker.Position{position(c, "10.20")}, nil).Once()
	f.broker.On("Sell", mock.Anything, "c-1").Return(broker.SellResult{ContractID: "c-1", SoldFor: decimal.RequireFromString("10.20")}, nil).Once()
	require.NoError(t, f.m.Poll(context.Background()))

	o := nextOutcome(t, f.m)
	assert.Equal(t, StateEarlyExited, o.State)
	assert.Equal(t, governor.Win, o.Result)
	assert.InDelta(t, 0.2, o.PnL, 1e-9)
	assert.True(t, o.Owned())
	assert.Contains(t, o.Reason, "rsi_against")
	assert.Empty(t, f.m.Live())
	assert.Zero(t, f.store.len())
	assert.Equal(t, []eventlog.Type{eventlog.TypeBuy, eventlog.TypeClose}, f.events.types())
}

func TestRSIDoesNotExitPutOnOverbought(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	c := f.open(t, "BTCUSDT", "q-1", "c-1", strategy.ActionPut, t0)
	f.snaps["BTCUSDT"] = indicator.Snapshot{Symbol: "BTCUSDT", Values: map[string]float64{indicator.RSI: 74.2}}

	f.broker.On("OpenContracts", mock.Anything).Return([]broker.Position{position(c, "10")}, nil).Once()
	require.NoError(t, f.m.Poll(context.Background()))
	f.broker.AssertNotCalled(t, "Sell", mock.Anything, mock.Anything)
	assert.Len(t, f.m.Live(), 1)
}

func TestResaleUnavailableKeepsMonitoringUntilExpiry(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	c := f.open(t, "BTCUSDT", "q-1", "c-1", strategy.ActionCall, t0)

	f.broker.On("OpenContracts", mock.Anything).Return([]broker.Position{position(c, "12")}, nil).Twice()
	f.broker.On("Sell", mock.Anything, "c-1").Return(broker.SellResult{}, broker.ErrResaleUnavailable).Once()
	require.NoError(t, f.m.Poll(context.Background()))
	require.NoError(t, f.m.Poll(context.Background()))
	f.broker.AssertNumberOfCalls(t, "Sell", 1)

	live := f.m.Live()
	require.Len(t, live, 1)
	assert.True(t, live[0].ResaleUnavailable)
	assert.InDelta(t, 20, live[0].PeakPnLPct, 1e-9)

	closed := position(c, "0")
	closed.Closed = true
	closed.SellPrice = decimal.RequireFromString("19.5")
	f.broker.On("OpenContracts", mock.Anything).Return([]broker.Position{closed}, nil).Once()
	require.NoError(t, f.m.Poll(context.Background()))

	o := nextOutcome(t, f.m)
	assert.Equal(t, StateExpired, o.State)
	assert.Equal(t, governor.Win, o.Result)
	assert.InDelta(t, 9.5, o.PnL, 1e-9)
}

func TestUnknownContractBecomesError(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	f.open(t, "BTCUSDT", "q-1", "c-1", strategy.ActionCall, t0)

	f.broker.On("OpenContracts", mock.Anything).Return([]broker.Position{}, nil).Once()
	require.NoError(t, f.m.Poll(context.Background()))

	o := nextOutcome(t, f.m)
	assert.Equal(t, StateError, o.State)
	assert.Equal(t, governor.Unknown, o.Result)
	assert.Zero(t, o.PnL)
	assert.Empty(t, f.m.Live())
	assert.Zero(t, f.store.len())
}

func TestRestartRestoresMonitoringWithoutRebuy(t *testing.T) {
	st := newMemStore()
	first := newFixture(t, st, tradingCfg())
	a := first.open(t, "BTCUSDT", "q-1", "c-1", strategy.ActionCall, t0)
	b := first.open(t, "ETHUSDT", "q-2", "c-2", strategy.ActionPut, t0.Add(time.Minute))
	require.NoError(t, first.m.Shutdown(context.Background()))

	second := newFixture(t, st, tradingCfg())
	n, err := second.m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	live := second.m.Live()
	require.Len(t, live, 2)
	for i, want := range []Contract{a, b} {
		got := live[i]
		assert.Equal(t, StateMonitoring, got.State)
		assert.Equal(t, want.ContractID, got.ContractID)
		assert.Equal(t, want.CorrelationKey, got.CorrelationKey)
		assert.Equal(t, want.StrategyIDs, got.StrategyIDs)
		assert.Equal(t, want.Direction, got.Direction)
		assert.True(t, want.Stake.Equal(got.Stake))
		assert.True(t, want.BuyPrice.Equal(got.BuyPrice))
	}
	second.broker.AssertNotCalled(t, "Buy", mock.Anything, mock.Anything)
}

func TestSyncTracksExternalContractsReadOnly(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	ext := broker.Position{
		ContractID:  "ext-1",
		Symbol:      "solusdt",
		Direction:   strategy.ActionCall,
		BuyPrice:    decimal.NewFromInt(10),
		BidPrice:    decimal.NewFromInt(5),
		PurchasedAt: t0,
		ExpiresAt:   t0.Add(time.Hour),
	}
	f.broker.On("OpenContracts", mock.Anything).Return([]broker.Position{ext}, nil).Twice()
	require.NoError(t, f.m.Sync(context.Background()))

	live := f.m.Live()
	require.Len(t, live, 1)
	assert.False(t, live[0].Owned())
	assert.Equal(t, "SOLUSDT", live[0].Symbol)
	assert.Zero(t, f.m.OpenCount())

	// -50% 也不会触发止损，外部合约只监控
	require.NoError(t, f.m.Poll(context.Background()))
	f.broker.AssertNotCalled(t, "Sell", mock.Anything, mock.Anything)

	ext.Closed = true
	f.broker.On("OpenContracts", mock.Anything).Return([]broker.Position{ext}, nil).Once()
	require.NoError(t, f.m.Poll(context.Background()))
	o := nextOutcome(t, f.m)
	assert.False(t, o.Owned())
	assert.Equal(t, StateExpired, o.State)
}

func TestEmergencyStop(t *testing.T) {
	f := newFixture(t, nil, tradingCfg())
	f.open(t, "BTCUSDT", "q-1", "c-1", strategy.ActionCall, t0)
	f.open(t, "ETHUSDT", "q-2", "c-2", strategy.ActionPut, t0.Add(time.Second))

	f.broker.On("Sell", mock.Anything, "c-1").Return(broker.SellResult{SoldFor: decimal.RequireFromString("9")}, nil).Once()
	f.broker.On("Sell", mock.Anything, "c-2").Return(broker.SellResult{}, broker.ErrResaleUnavailable).Once()

	reports, err := f.m.EmergencyStop(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.True(t, reports[0].Sold)
	assert.InDelta(t, 9, reports[0].SoldFor, 1e-9)
	assert.False(t, reports[1].Sold)
	assert.NotEmpty(t, reports[1].Error)

	o := nextOutcome(t, f.m)
	assert.Equal(t, "c-1", o.ContractID)
	assert.Equal(t, governor.Loss, o.Result)

	live := f.m.Live()
	require.Len(t, live, 1)
	assert.True(t, live[0].ResaleUnavailable)
}

func TestStoppedManagerRejectsCommands(t *testing.T) {
	m := NewManager(&brokertest.MockBrokerage{}, nil, nil, nil, nil, Options{})
	err := m.Poll(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	m.Start()
	require.NoError(t, m.Shutdown(context.Background()))
	assert.ErrorIs(t, m.Poll(context.Background()), ErrStopped)
}
