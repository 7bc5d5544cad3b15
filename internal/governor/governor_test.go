package governor

import (
	"testing"

	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/regime"
	"github.com/1NF3RM0/MyBot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func govCfg() config.GovernorConfig {
	return config.GovernorConfig{
		HistoryWindow:      20,
		MinTrades:          5,
		Smoothing:          0.2,
		DisableWinRate:     0.4,
		DisablePnLFloor:    -50,
		ReenableWindow:     3,
		ReenableWinRate:    1.0,
		ReenableConfidence: 0.5,
		Fallback:           true,
	}
}

func defs() []strategy.Definition {
	return []strategy.Definition{
		{ID: "golden_cross", Kind: "golden_cross"},
		{ID: "rsi_dip", Kind: "rsi_dip"},
		{ID: "macd_crossover", Kind: "macd_crossover"},
		{ID: "bollinger_breakout", Kind: "bollinger_breakout"},
	}
}

func newGov(t *testing.T) *Governor {
	t.Helper()
	g, err := New(govCfg(), nil, defs())
	require.NoError(t, err)
	return g
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Strategy.ID()
	}
	return out
}

func TestEligibleRoutesByRegime(t *testing.T) {
	g := newGov(t)
	assert.Equal(t, []string{"golden_cross", "macd_crossover"}, ids(g.Eligible(regime.Trending)))
	assert.Equal(t, []string{"bollinger_breakout", "rsi_dip"}, ids(g.Eligible(regime.Ranging)))
	assert.Equal(t, []string{"bollinger_breakout"}, ids(g.Eligible(regime.Volatile)))
}

func TestEligibleFallsBackToHighestConfidence(t *testing.T) {
	g := newGov(t)
	_, err := g.Toggle("bollinger_breakout")
	require.NoError(t, err)

	got := g.Eligible(regime.Volatile)
	require.Len(t, got, 1)
	assert.Equal(t, "golden_cross", got[0].Strategy.ID(), "golden_cross has the highest initial confidence")

	for _, id := range []string{"golden_cross", "rsi_dip", "macd_crossover"} {
		_, err := g.Toggle(id)
		require.NoError(t, err)
	}
	assert.Empty(t, g.Eligible(regime.Volatile))
}

func TestConfidenceStaysInUnitInterval(t *testing.T) {
	g := newGov(t)
	results := []Result{Win, Win, Loss, Unknown, Win, Loss, Loss, Win, Win, Win, Loss, Unknown}
	for i := 0; i < 40; i++ {
		v, err := g.Record(Outcome{StrategyID: "rsi_dip", Result: results[i%len(results)], PnL: float64(i%5) - 2})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v.Confidence, 0.0)
		assert.LessOrEqual(t, v.Confidence, 1.0)
	}
	e, ok := g.Entry("rsi_dip")
	require.True(t, ok)
	assert.Len(t, e.History, 20)
	assert.Equal(t, 40, e.Trades)
}

func TestConfidenceEMA(t *testing.T) {
	g := newGov(t)
	v, err := g.Record(Outcome{StrategyID: "rsi_dip", Result: Loss})
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.8, v.Confidence, 1e-9)
	v, err = g.Record(Outcome{StrategyID: "rsi_dip", Result: Unknown})
	require.NoError(t, err)
	assert.InDelta(t, 0.2*0.5+0.8*0.64, v.Confidence, 1e-9)
}

func TestDisableThenRecover(t *testing.T) {
	g := newGov(t)
	for i := 0; i < 4; i++ {
		v, err := g.Record(Outcome{StrategyID: "golden_cross", Result: Loss, PnL: -1})
		require.NoError(t, err)
		assert.True(t, v.Active, "below min_trades")
	}
	v, err := g.Record(Outcome{StrategyID: "golden_cross", Result: Loss, PnL: -1})
	require.NoError(t, err)
	assert.False(t, v.Active)
	assert.NotContains(t, ids(g.Eligible(regime.Trending)), "golden_cross")

	// 停用后仍记录历史
	_, err = g.Record(Outcome{StrategyID: "golden_cross", Result: Win, PnL: 1})
	require.NoError(t, err)
	_, err = g.Record(Outcome{StrategyID: "golden_cross", Result: Loss, PnL: -1})
	require.NoError(t, err)
	e, _ := g.Entry("golden_cross")
	assert.False(t, e.Active)
	assert.Equal(t, 0, e.RecoveryStreak)

	for i := 0; i < 2; i++ {
		v, err = g.Record(Outcome{StrategyID: "golden_cross", Result: Win, PnL: 1})
		require.NoError(t, err)
		assert.False(t, v.Active)
	}
	v, err = g.Record(Outcome{StrategyID: "golden_cross", Result: Win, PnL: 1})
	require.NoError(t, err)
	assert.True(t, v.Active)
	assert.GreaterOrEqual(t, v.Confidence, 0.5)
	assert.Contains(t, ids(g.Eligible(regime.Trending)), "golden_cross")
}

func TestDisableOnPnLFloor(t *testing.T) {
	g := newGov(t)
	var v StrategyView
	var err error
	for i := 0; i < 5; i++ {
		result := Win
		if i == 0 {
			result = Loss
		}
		v, err = g.Record(Outcome{StrategyID: "macd_crossover", Result: result, PnL: -20})
		require.NoError(t, err)
	}
	assert.False(t, v.Active, "win rate is fine but pnl is below the floor")
}

func TestUnknownOutcomesNeverDisable(t *testing.T) {
	g := newGov(t)
	var v StrategyView
	var err error
	for i := 0; i < 10; i++ {
		v, err = g.Record(Outcome{StrategyID: "rsi_dip", Result: Unknown})
		require.NoError(t, err)
	}
	assert.True(t, v.Active)
	assert.Equal(t, 10, v.Trades)

	// 窗口里混有 unknown 时，只有第 min_trades 个有胜负的结果才触发停用规则
	for i := 0; i < 4; i++ {
		v, err = g.Record(Outcome{StrategyID: "rsi_dip", Result: Loss, PnL: -1})
		require.NoError(t, err)
		assert.True(t, v.Active, "decided trades below min_trades")
	}
	v, err = g.Record(Outcome{StrategyID: "rsi_dip", Result: Loss, PnL: -1})
	require.NoError(t, err)
	assert.False(t, v.Active)
}

func TestManualToggleNeverAutoReenables(t *testing.T) {
	g := newGov(t)
	v, err := g.Toggle("rsi_dip")
	require.NoError(t, err)
	assert.False(t, v.Active)
	for i := 0; i < 5; i++ {
		v, err = g.Record(Outcome{StrategyID: "rsi_dip", Result: Win, PnL: 1})
		require.NoError(t, err)
	}
	assert.False(t, v.Active)

	v, err = g.Toggle("rsi_dip")
	require.NoError(t, err)
	assert.True(t, v.Active)

	_, err = g.Toggle("nope")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	_, err = g.Record(Outcome{StrategyID: "nope", Result: Win})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestSnapshotRestore(t *testing.T) {
	g := newGov(t)
	_, err := g.Record(Outcome{StrategyID: "rsi_dip", Result: Win, PnL: 2})
	require.NoError(t, err)
	_, err = g.Toggle("macd_crossover")
	require.NoError(t, err)
	states := g.Snapshot()

	fresh := newGov(t)
	n := fresh.Restore(append(states, State{ID: "removed"}))
	assert.Equal(t, len(states), n)
	assert.Equal(t, g.Views(), fresh.Views())
}

func TestUpdateParamsPreservesStats(t *testing.T) {
	g := newGov(t)
	_, err := g.Record(Outcome{StrategyID: "rsi_dip", Result: Win, PnL: 3})
	require.NoError(t, err)
	before, _ := g.View("rsi_dip")

	updated := []strategy.Definition{
		{ID: "rsi_dip", Kind: "rsi_dip", Params: map[string]any{"dip": 40.0}},
		{ID: "ichimoku_cloud", Kind: "ichimoku_cloud"},
	}
	require.NoError(t, g.UpdateParams(updated))
	after, ok := g.View("rsi_dip")
	require.True(t, ok)
	assert.Equal(t, before.Confidence, after.Confidence)
	assert.Equal(t, 1, after.Trades)
	assert.EqualValues(t, 40.0, after.Params["dip"])
	_, ok = g.View("golden_cross")
	assert.False(t, ok)
	_, ok = g.View("ichimoku_cloud")
	assert.True(t, ok)

	bad := []strategy.Definition{{ID: "x", Kind: "golden_cross", Params: map[string]any{"fast": 50, "slow": 10}}}
	assert.Error(t, g.UpdateParams(bad))
	_, ok = g.View("ichimoku_cloud")
	assert.True(t, ok, "invalid update leaves state untouched")
}

func TestViewsSorted(t *testing.T) {
	views := newGov(t).Views()
	require.Len(t, views, 4)
	assert.Equal(t, "bollinger_breakout", views[0].ID)
	assert.Equal(t, "rsi_dip", views[3].ID)
}
