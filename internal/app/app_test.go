package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brcfg "github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/contract"
	"github.com/1NF3RM0/MyBot/internal/decision"
	"github.com/1NF3RM0/MyBot/internal/market"
	"github.com/1NF3RM0/MyBot/internal/market/markettest"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

const testStrategies = `
strategies:
  - id: golden_cross
    kind: golden_cross
    weight: 1.0
  - id: rsi_dip
    kind: rsi_dip
    weight: 0.8
  - id: bollinger_breakout
    kind: bollinger_breakout
    weight: 0.85
`

func testConfig(t *testing.T) *brcfg.Config {
	t.Helper()
	dir := t.TempDir()
	stratPath := filepath.Join(dir, "strategies.yaml")
	require.NoError(t, os.WriteFile(stratPath, []byte(testStrategies), 0o644))

	cfg := brcfg.Default()
	cfg.Market.Source = "static"
	cfg.Market.Symbols = []string{"BTC"}
	cfg.Market.HigherInterval = ""
	cfg.Storage.DBPath = filepath.Join(dir, "state.db")
	cfg.Storage.EventLogPath = filepath.Join(dir, "events.db")
	cfg.Strategies.File = stratPath
	cfg.Strategies.Watch = false
	cfg.HTTP.Enabled = false
	cfg.Trading.LoopDelaySeconds = 3600
	cfg.App.ShutdownTimeoutSeconds = 2
	return cfg
}

func staticSource(cfg *brcfg.Config) *market.StaticSource {
	src := market.NewStaticSource()
	src.SetCandles("BTCUSDT", cfg.Market.Interval, markettest.Trend(cfg.Market.Window, 100, 0.5))
	return src
}

func TestBuildAssemblesApp(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewAppBuilder(cfg, WithSource(staticSource(cfg))).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(app.close)

	assert.Equal(t, []string{"BTCUSDT"}, app.symbols)
	assert.Len(t, app.Engine().Strategies(), 3)
	require.NotNil(t, app.Summary)

	var buf bytes.Buffer
	app.Summary.out = &buf
	app.Summary.Print()
	assert.Contains(t, buf.String(), "BTCUSDT")
	assert.Contains(t, buf.String(), "golden_cross")
}

func TestBuildFailsWithoutSymbols(t *testing.T) {
	cfg := testConfig(t)
	cfg.Market.Symbols = nil
	_, err := NewAppBuilder(cfg, WithSource(market.NewStaticSource())).Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "标的列表为空")
}

func TestBuildFailsOnMissingStrategyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies.File = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewAppBuilder(cfg, WithSource(staticSource(cfg))).Build(context.Background())
	require.Error(t, err)
}

func TestRunCyclesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewAppBuilder(cfg, WithSource(staticSource(cfg))).Build(context.Background())
	require.NoError(t, err)
	app.Summary = nil
	app.AutoStart = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.Engine().Status().Cycle >= 1
	}, 5*time.Second, 20*time.Millisecond)

	price, ok := app.prices.LatestPrice("BTCUSDT")
	assert.True(t, ok)
	assert.Greater(t, price, 0.0)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
	assert.False(t, app.Engine().Running())
}

func TestRestartKeepsPaperContractsMonitored(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := NewAppBuilder(cfg, WithSource(staticSource(cfg))).Build(ctx)
	require.NoError(t, err)
	first.seedPrices(ctx)
	first.manager.Start()
	q, err := first.broker.Propose(ctx, "BTCUSDT", strategy.ActionCall, decimal.NewFromInt(5))
	require.NoError(t, err)
	opened, err := first.manager.Open(ctx, decision.Proposal{
		Symbol:      "BTCUSDT",
		Direction:   strategy.ActionCall,
		Confidence:  1.6,
		StrategyIDs: []string{"golden_cross", "rsi_dip"},
	}, q)
	require.NoError(t, err)
	first.close()

	second, err := NewAppBuilder(cfg, WithSource(staticSource(cfg))).Build(ctx)
	require.NoError(t, err)
	t.Cleanup(second.close)
	second.seedPrices(ctx)
	second.manager.Start()
	require.NoError(t, second.engine.Restore(ctx))
	require.NoError(t, second.manager.Sync(ctx))
	require.NoError(t, second.manager.Poll(ctx))

	live := second.manager.Live()
	require.Len(t, live, 1)
	assert.Equal(t, opened.ContractID, live[0].ContractID)
	assert.Equal(t, contract.StateMonitoring, live[0].State)
	assert.True(t, live[0].Owned(), "restored contract keeps its correlation key")
	select {
	case o := <-second.manager.Outcomes():
		t.Fatalf("unexpected outcome %s %s: %s", o.ContractID, o.State, o.Reason)
	default:
	}
}

func TestRunSyncsAccountContractsAtStartup(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := NewAppBuilder(cfg, WithSource(staticSource(cfg))).Build(ctx)
	require.NoError(t, err)
	first.seedPrices(ctx)
	// 绕过合约管理器直接在账户上买入，模拟外部开仓
	q, err := first.broker.Propose(ctx, "BTCUSDT", strategy.ActionPut, decimal.NewFromInt(5))
	require.NoError(t, err)
	external, err := first.broker.Buy(ctx, q.ID)
	require.NoError(t, err)
	first.close()

	second, err := NewAppBuilder(cfg, WithSource(staticSource(cfg))).Build(ctx)
	require.NoError(t, err)
	second.Summary = nil

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- second.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return len(second.manager.Live()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	c := second.manager.Live()[0]
	assert.Equal(t, external.ID, c.ContractID)
	assert.False(t, c.Owned(), "account contracts found by sync are monitored read-only")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
}
