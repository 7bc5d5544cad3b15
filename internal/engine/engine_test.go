package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/broker"
	"github.com/1NF3RM0/MyBot/internal/coins"
	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/contract"
	"github.com/1NF3RM0/MyBot/internal/governor"
	"github.com/1NF3RM0/MyBot/internal/guard"
	"github.com/1NF3RM0/MyBot/internal/market"
	"github.com/1NF3RM0/MyBot/internal/store"
	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
	"github.com/1NF3RM0/MyBot/internal/store/gormstore"
	"github.com/1NF3RM0/MyBot/internal/strategy"
	"github.com/1NF3RM0/MyBot/internal/tuner"
)

// fakeSnapshots 按标的返回固定的指标值；未登记的标的视为历史不足。
type fakeSnapshots struct {
	mu     sync.Mutex
	base   map[string]map[string]float64
	higher map[string]map[string]float64
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{base: map[string]map[string]float64{}, higher: map[string]map[string]float64{}}
}

func (f *fakeSnapshots) set(symbol string, values map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base[symbol] = values
}

func (f *fakeSnapshots) setHigher(symbol string, values map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.higher[symbol] = values
}

func (f *fakeSnapshots) Build(_ context.Context, symbol, _ string) (Snapshots, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vals, ok := f.base[symbol]
	if !ok {
		return Snapshots{}, fmt.Errorf("%s: %w", symbol, indicator.ErrInsufficientHistory)
	}
	out := Snapshots{Base: indicator.NewSnapshot(symbol, "1h", nil, copyValues(vals))}
	if h, ok := f.higher[symbol]; ok {
		snap := indicator.NewSnapshot(symbol, "4h", nil, copyValues(h))
		out.Higher = &snap
	}
	return out, nil
}

func copyValues(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// 区间行情下 rsi_dip 与 bollinger_breakout 同时看涨。
func bullish() map[string]float64 {
	return map[string]float64{
		indicator.Close:   110,
		indicator.RSI:     20,
		indicator.BBUpper: 100,
		indicator.BBLower: 90,
	}
}

type fixture struct {
	cfg       *config.Config
	engine    *Engine
	gov       *governor.Governor
	manager   *contract.Manager
	snaps     *fakeSnapshots
	prices    *market.PriceBook
	stats     *gormstore.GormStore
	eventsLog *eventlog.Store
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Trading.MinCombinedConfidence = 1.0
	cfg.Trading.LoopDelaySeconds = 3600
	cfg.Trading.Parallelism = 4
	cfg.Broker.Spread = 0
	cfg.App.ShutdownTimeoutSeconds = 5
	return cfg
}

func testDefinitions() []strategy.Definition {
	return []strategy.Definition{
		{ID: "golden_cross", Kind: "golden_cross", Weight: 1.0},
		{ID: "rsi_dip", Kind: "rsi_dip", Weight: 0.8},
		{ID: "macd_crossover", Kind: "macd_crossover", Weight: 0.9},
		{ID: "bollinger_breakout", Kind: "bollinger_breakout", Weight: 0.85},
	}
}

func openStats(t *testing.T) *gormstore.GormStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := gormstore.NewGormStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFixture(t *testing.T, symbols ...string) *fixture {
	t.Helper()
	return newFixtureWithStore(t, testConfig(), openStats(t), symbols...)
}

func newFixtureWithStore(t *testing.T, cfg *config.Config, db *gormstore.GormStore, symbols ...string) *fixture {
	t.Helper()
	events, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	prices := market.NewPriceBook()
	for _, sym := range symbols {
		prices.Update(market.Tick{Symbol: sym, Price: 100, EventTime: time.Now().UnixMilli()})
	}
	paper := broker.NewPaper(cfg.Broker, prices)
	_, err = paper.Attach(context.Background(), db)
	require.NoError(t, err)
	cache := store.NewSnapshotCache(0)
	manager := contract.NewManager(paper, db, events, cache,
		contract.DefaultExitRules(cfg.Trading), contract.OptionsFromConfig(cfg.Trading, cfg.Market.Interval))
	manager.Start()
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	gov, err := governor.New(cfg.Governor, cfg.Regime.Routing, testDefinitions())
	require.NoError(t, err)
	snaps := newFakeSnapshots()
	eng, err := New(Deps{
		Config:      cfg,
		Symbols:     coins.NewStaticProvider(symbols, cfg.Market.QuoteAsset),
		Snapshots:   snaps,
		Governor:    gov,
		Tuner:       tuner.New(cfg.Tuner),
		Guard:       guard.New(cfg.Guard),
		Broker:      paper,
		Contracts:   manager,
		Events:      events,
		Stats:       db,
		Cache:       cache,
		EventBuffer: 256,
	})
	require.NoError(t, err)
	return &fixture{cfg: cfg, engine: eng, gov: gov, manager: manager, snaps: snaps, prices: prices, stats: db, eventsLog: events}
}

func lastCycleReport(t *testing.T, e *Engine) CycleReport {
	t.Helper()
	var last *CycleReport
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == EventCycle {
				r := ev.Data.(CycleReport)
				last = &r
			}
		default:
			require.NotNil(t, last, "no cycle event published")
			return *last
		}
	}
}

func TestCycleOpensOneContractPerSymbol(t *testing.T) {
	f := newFixture(t, "BTCUSDT", "ETHUSDT")
	f.snaps.set("BTCUSDT", bullish())
	f.snaps.set("ETHUSDT", bullish())
	f.engine.accepting.Store(true)
	ctx := context.Background()

	f.engine.runCycle(ctx)

	live := f.manager.Live()
	require.Len(t, live, 2)
	for _, c := range live {
		assert.Equal(t, strategy.ActionCall, c.Direction)
		assert.Equal(t, []string{"bollinger_breakout", "rsi_dip"}, c.StrategyIDs)
		assert.True(t, c.Owned())
	}
	report := lastCycleReport(t, f.engine)
	assert.Equal(t, 2, report.Outcomes[outcomeBought])

	buys, err := f.eventsLog.List(ctx, eventlog.Query{Type: eventlog.TypeBuy})
	require.NoError(t, err)
	assert.Len(t, buys, 2)

	// 第二个周期处于冷却期，不再开仓
	f.engine.runCycle(ctx)
	assert.Len(t, f.manager.Live(), 2)
	report = lastCycleReport(t, f.engine)
	assert.Equal(t, 2, report.Outcomes[outcomeCooldown])
	assert.Zero(t, report.Outcomes[outcomeBought])
}

func TestCycleStakeRespectsMaxStake(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.snaps.set("BTCUSDT", bullish())
	f.engine.accepting.Store(true)

	f.engine.runCycle(context.Background())

	live := f.manager.Live()
	require.Len(t, live, 1)
	assert.Equal(t, "10.00", live[0].Stake.StringFixed(2))
	assert.InDelta(t, 990, f.engine.Status().Balance, 1e-9)
}

func TestDisagreeingSignalsDoNotTrade(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	vals := bullish()
	vals[indicator.Close] = 80 // 跌破下轨：bollinger 看跌，rsi 看涨
	f.snaps.set("BTCUSDT", vals)
	f.engine.accepting.Store(true)

	f.engine.runCycle(context.Background())

	assert.Empty(t, f.manager.Live())
	assert.Equal(t, 0, lastCycleReport(t, f.engine).Proposals)
}

func TestHigherTimeframeDisagreementSkipsSymbol(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.snaps.set("BTCUSDT", bullish())
	f.snaps.setHigher("BTCUSDT", map[string]float64{
		indicator.Close:  110,
		indicator.ADX:    40,
		indicator.SMASep: 0.01,
	})
	f.engine.accepting.Store(true)
	ctx := context.Background()

	f.engine.runCycle(ctx)

	assert.Empty(t, f.manager.Live())
	skips, err := f.eventsLog.List(ctx, eventlog.Query{Type: eventlog.TypeSkip})
	require.NoError(t, err)
	require.Len(t, skips, 1)
	assert.Equal(t, "BTCUSDT", skips[0].Symbol)
}

func TestMissingHistoryIsSkipped(t *testing.T) {
	f := newFixture(t, "BTCUSDT", "ETHUSDT")
	f.snaps.set("ETHUSDT", bullish())
	f.engine.accepting.Store(true)

	f.engine.runCycle(context.Background())

	live := f.manager.Live()
	require.Len(t, live, 1)
	assert.Equal(t, "ETHUSDT", live[0].Symbol)
}

func TestStoppedEngineDoesNotOpen(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.snaps.set("BTCUSDT", bullish())

	f.engine.runCycle(context.Background())

	assert.Empty(t, f.manager.Live())
	assert.Equal(t, 1, lastCycleReport(t, f.engine).Outcomes[outcomeSkipped])
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.snaps.set("BTCUSDT", bullish())
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	assert.ErrorIs(t, f.engine.Start(ctx), ErrRunning)
	assert.Equal(t, StateRunning, f.engine.Status().State)
	require.Eventually(t, func() bool { return f.engine.Status().Cycle == 1 && len(f.manager.Live()) == 1 },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.engine.Stop())
	assert.ErrorIs(t, f.engine.Stop(), ErrNotRunning)
	assert.Equal(t, StateStopped, f.engine.Status().State)
	assert.False(t, f.engine.accepting.Load())
}

func TestOwnedOutcomeFeedsGovernorOncePerStrategy(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	ctx := context.Background()

	f.engine.handleOutcome(ctx, contract.Outcome{
		ContractID:     "c-1",
		CorrelationKey: "key-1",
		Symbol:         "BTCUSDT",
		StrategyIDs:    []string{"rsi_dip", "bollinger_breakout", "rsi_dip"},
		State:          contract.StateExpired,
		Result:         governor.Win,
		PnL:            9.5,
	})
	f.engine.handleOutcome(ctx, contract.Outcome{
		ContractID:  "ext-1",
		Symbol:      "BTCUSDT",
		StrategyIDs: []string{"rsi_dip"},
		State:       contract.StateExpired,
		Result:      governor.Loss,
		PnL:         -5,
	})

	rsi, ok := f.gov.View("rsi_dip")
	require.True(t, ok)
	assert.Equal(t, 1, rsi.Trades)
	assert.Equal(t, 1, rsi.Wins)
	bb, ok := f.gov.View("bollinger_breakout")
	require.True(t, ok)
	assert.Equal(t, 1, bb.Trades)

	m := f.engine.Metrics()
	assert.Equal(t, 1, m.TotalTrades)
	assert.Equal(t, 1, m.Wins)
	assert.InDelta(t, 9.5, m.TotalPnL, 1e-9)
	assert.InDelta(t, 1.0, m.WinRate, 1e-9)
}

func TestStrategyStatsSurviveRestart(t *testing.T) {
	cfg := testConfig()
	db := openStats(t)
	f := newFixtureWithStore(t, cfg, db, "BTCUSDT")
	ctx := context.Background()
	f.engine.handleOutcome(ctx, contract.Outcome{
		ContractID:     "c-1",
		CorrelationKey: "key-1",
		StrategyIDs:    []string{"rsi_dip"},
		State:          contract.StateEarlyExited,
		Result:         governor.Loss,
		PnL:            -4,
	})
	before, _ := f.gov.View("rsi_dip")

	restarted := newFixtureWithStore(t, cfg, db, "BTCUSDT")
	require.NoError(t, restarted.engine.Restore(ctx))

	after, ok := restarted.gov.View("rsi_dip")
	require.True(t, ok)
	assert.Equal(t, 1, after.Trades)
	assert.Equal(t, 1, after.Losses)
	assert.InDelta(t, before.Confidence, after.Confidence, 1e-9)
}

func TestToggleStrategyPersists(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	ctx := context.Background()

	view, err := f.engine.ToggleStrategy("macd_crossover")
	require.NoError(t, err)
	assert.False(t, view.Active)

	_, err = f.engine.ToggleStrategy("nope")
	assert.ErrorIs(t, err, governor.ErrUnknownStrategy)

	rows, err := f.stats.LoadStats(ctx)
	require.NoError(t, err)
	found := false
	for _, r := range rows {
		if r.StrategyID == "macd_crossover" {
			found = true
			assert.False(t, r.Active)
		}
	}
	assert.True(t, found)
}

func TestPendingDefinitionsApplyAtCycleStart(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	defs := append(testDefinitions(), strategy.Definition{ID: "ao", Kind: "awesome_oscillator", Weight: 0.8})
	f.engine.UpdateDefinitions(defs)

	_, ok := f.gov.View("ao")
	assert.False(t, ok, "definitions wait for the next cycle")

	f.engine.runCycle(context.Background())
	_, ok = f.gov.View("ao")
	assert.True(t, ok)
}

func TestEventBusDropsOldest(t *testing.T) {
	drops := 0
	bus := newEventBus(2, func() { drops++ })
	for i := 1; i <= 3; i++ {
		bus.publish(Event{Type: EventCycle, Data: i})
	}
	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, 1, drops)
	assert.Equal(t, 2, (<-bus.ch).Data)
	assert.Equal(t, 3, (<-bus.ch).Data)
}

func TestEmergencyStopSellsAndStops(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ResaleLockSeconds = 0
	f := newFixtureWithStore(t, cfg, openStats(t), "BTCUSDT")
	f.snaps.set("BTCUSDT", bullish())
	f.engine.accepting.Store(true)
	ctx := context.Background()
	f.engine.runCycle(ctx)
	require.Len(t, f.manager.Live(), 1)

	reports, err := f.engine.EmergencyStop(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Sold)
	assert.Empty(t, f.manager.Live())
	assert.Equal(t, StateStopped, f.engine.Status().State)
}

func TestOutcomesWaitForCycleBoundary(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	ctx := context.Background()

	// 模拟周期进行中
	f.engine.cycleMu.Lock()
	f.engine.handleOutcome(ctx, contract.Outcome{
		ContractID:     "c-1",
		CorrelationKey: "key-1",
		StrategyIDs:    []string{"rsi_dip"},
		State:          contract.StateEarlyExited,
		Result:         governor.Loss,
		PnL:            -3,
	})
	rsi, _ := f.gov.View("rsi_dip")
	assert.Zero(t, rsi.Trades, "governor is untouched while a cycle runs")
	assert.Equal(t, 1, f.engine.Metrics().TotalTrades)
	f.engine.cycleMu.Unlock()

	f.engine.runCycle(ctx)
	rsi, _ = f.gov.View("rsi_dip")
	assert.Equal(t, 1, rsi.Trades)
	assert.Equal(t, 1, rsi.Losses)
}

func nextOutcome(t *testing.T, m *contract.Manager) contract.Outcome {
	t.Helper()
	select {
	case o := <-m.Outcomes():
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome emitted")
		return contract.Outcome{}
	}
}

func TestBrokerUnknownContractsDoNotDisableStrategy(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, f.stats.Upsert(ctx, store.ContractRecord{
			ContractID:     fmt.Sprintf("lost-%d", i),
			CorrelationKey: fmt.Sprintf("key-%d", i),
			Symbol:         "BTCUSDT",
			Direction:      string(strategy.ActionCall),
			StrategyIDs:    []string{"rsi_dip"},
			State:          string(contract.StateMonitoring),
			Stake:          decimal.NewFromInt(10),
			BuyPrice:       decimal.NewFromInt(10),
			Payout:         decimal.RequireFromString("19.5"),
			EntrySpot:      100,
			PurchasedAt:    now,
			ExpiresAt:      now.Add(time.Hour),
		}))
	}
	require.NoError(t, f.engine.Restore(ctx))
	require.Len(t, f.manager.Live(), 6)
	require.NoError(t, f.manager.Poll(ctx))

	for i := 0; i < 6; i++ {
		o := nextOutcome(t, f.manager)
		assert.Equal(t, contract.StateError, o.State)
		assert.Equal(t, governor.Unknown, o.Result)
		f.engine.handleOutcome(ctx, o)
	}
	rsi, ok := f.gov.View("rsi_dip")
	require.True(t, ok)
	assert.Equal(t, 6, rsi.Trades)
	assert.True(t, rsi.Active, "unknown results carry no win/loss evidence")
	assert.Empty(t, f.manager.Live())
}

func TestRestoredContractsResumeMonitoring(t *testing.T) {
	cfg := testConfig()
	db := openStats(t)
	f := newFixtureWithStore(t, cfg, db, "BTCUSDT")
	f.snaps.set("BTCUSDT", bullish())
	f.engine.accepting.Store(true)
	ctx := context.Background()
	f.engine.runCycle(ctx)
	require.Len(t, f.manager.Live(), 1)
	opened := f.manager.Live()[0]
	require.NoError(t, f.manager.Shutdown(ctx))

	restarted := newFixtureWithStore(t, cfg, db, "BTCUSDT")
	require.NoError(t, restarted.engine.Restore(ctx))
	require.NoError(t, restarted.manager.Poll(ctx))
	require.NoError(t, restarted.manager.Poll(ctx))

	live := restarted.manager.Live()
	require.Len(t, live, 1)
	assert.Equal(t, opened.ContractID, live[0].ContractID)
	assert.Equal(t, contract.StateMonitoring, live[0].State)
	assert.True(t, live[0].Owned())
	select {
	case o := <-restarted.manager.Outcomes():
		t.Fatalf("unexpected outcome %s %s", o.ContractID, o.State)
	default:
	}
	bal, err := restarted.engine.broker.Balance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Amount.Equal(decimal.NewFromInt(990)), "paper account restored with the open stake deducted")
}
