package factory

import (
	"context"
	"testing"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/market"
	"github.com/1NF3RM0/MyBot/internal/market/markettest"
	"github.com/1NF3RM0/MyBot/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marketCfg() config.MarketConfig {
	return config.MarketConfig{Interval: "1h", HigherInterval: "4h", Window: 200}
}

func TestBuildProducesBaseAndHigherSnapshots(t *testing.T) {
	src := market.NewStaticSource()
	src.SetCandles("BTCUSDT", "1h", markettest.Trend(150, 100, 1))
	src.SetCandles("BTCUSDT", "4h", markettest.Trend(80, 100, 4))

	p, err := (&Factory{Source: src}).Build(marketCfg())
	require.NoError(t, err)

	ac := pipeline.NewContext("BTCUSDT", "c1")
	require.NoError(t, p.Run(context.Background(), ac))
	assert.Empty(t, ac.Warnings())

	base, ok := ac.Snapshot("1h")
	require.True(t, ok)
	for _, name := range []string{indicator.SMA10, indicator.RSI, indicator.ATRPct, indicator.ADX} {
		_, has := base.Value(name)
		assert.True(t, has, name)
	}
	_, ok = ac.Snapshot("4h")
	assert.True(t, ok)
}

func TestBuildHigherIntervalShortHistoryWarns(t *testing.T) {
	src := market.NewStaticSource()
	src.SetCandles("BTCUSDT", "1h", markettest.Trend(150, 100, 1))
	src.SetCandles("BTCUSDT", "4h", markettest.Trend(20, 100, 4))

	p, err := (&Factory{Source: src}).Build(marketCfg())
	require.NoError(t, err)
	ac := pipeline.NewContext("BTCUSDT", "c1")
	require.NoError(t, p.Run(context.Background(), ac))
	assert.NotEmpty(t, ac.Warnings())

	_, ok := ac.Snapshot("1h")
	assert.True(t, ok)
	_, ok = ac.Snapshot("4h")
	assert.False(t, ok)
}

func TestBuildMissingHigherCandlesDegrades(t *testing.T) {
	src := market.NewStaticSource()
	src.SetCandles("BTCUSDT", "1h", markettest.Trend(150, 100, 1))

	p, err := (&Factory{Source: src}).Build(marketCfg())
	require.NoError(t, err)
	ac := pipeline.NewContext("BTCUSDT", "c1")
	require.NoError(t, p.Run(context.Background(), ac))
	assert.Equal(t, []pipeline.Role{pipeline.RoleCandles}, ac.Degraded())

	_, ok := ac.Snapshot("1h")
	assert.True(t, ok)
}

func TestBuildBaseShortHistoryFails(t *testing.T) {
	src := market.NewStaticSource()
	src.SetCandles("BTCUSDT", "1h", markettest.Trend(30, 100, 1))

	p, err := (&Factory{Source: src}).Build(config.MarketConfig{Interval: "1h", Window: 200})
	require.NoError(t, err)
	err = p.Run(context.Background(), pipeline.NewContext("BTCUSDT", "c1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, indicator.ErrInsufficientHistory)
	var snapErr *pipeline.SnapshotError
	require.ErrorAs(t, err, &snapErr)
	assert.Equal(t, pipeline.RoleTrend, snapErr.Role)
	assert.Equal(t, "1h", snapErr.Interval)
}

func TestBuildRequiresSource(t *testing.T) {
	_, err := (&Factory{}).Build(marketCfg())
	assert.Error(t, err)
}
