package decision

import (
	"math/rand"
	"testing"

	"github.com/1NF3RM0/MyBot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sig(id string, action strategy.Action, strength float64) strategy.Signal {
	return strategy.Signal{Symbol: "BTCUSDT", StrategyID: id, Action: action, Strength: strength}
}

func TestAggregateTwoAgreeingStrategies(t *testing.T) {
	agg := NewAggregator(2, 1.0)
	signals := []strategy.Signal{
		sig("rsi_dip", strategy.ActionCall, 0.6),
		sig("golden_cross", strategy.ActionCall, 0.7),
		sig("macd_crossover", strategy.ActionNone, 0),
	}
	conf := map[string]float64{"rsi_dip": 1, "golden_cross": 1, "macd_crossover": 1}
	p, ok := agg.Aggregate("btcusdt", signals, conf)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Equal(t, strategy.ActionCall, p.Direction)
	assert.InDelta(t, 1.3, p.Confidence, 1e-9)
	assert.Equal(t, []string{"golden_cross", "rsi_dip"}, p.StrategyIDs)
}

func TestAggregateRejects(t *testing.T) {
	conf := map[string]float64{"a": 1, "b": 1, "c": 1, "d": 1}
	cases := []struct {
		name    string
		signals []strategy.Signal
		conf    map[string]float64
	}{
		{name: "single strategy", signals: []strategy.Signal{sig("a", strategy.ActionCall, 1)}, conf: conf},
		{name: "same strategy twice", signals: []strategy.Signal{sig("a", strategy.ActionCall, 0.9), sig("a", strategy.ActionCall, 0.9)}, conf: conf},
		{name: "below combined", signals: []strategy.Signal{sig("a", strategy.ActionCall, 0.4), sig("b", strategy.ActionCall, 0.5)}, conf: conf},
		{name: "confidence scales down", signals: []strategy.Signal{sig("a", strategy.ActionCall, 0.6), sig("b", strategy.ActionCall, 0.7)}, conf: map[string]float64{"a": 0.5, "b": 0.5}},
		{name: "contradiction", signals: []strategy.Signal{
			sig("a", strategy.ActionCall, 0.8), sig("b", strategy.ActionCall, 0.8),
			sig("c", strategy.ActionPut, 0.8), sig("d", strategy.ActionPut, 0.8),
		}, conf: conf},
		{name: "only none", signals: []strategy.Signal{sig("a", strategy.ActionNone, 1), sig("b", strategy.ActionNone, 1)}, conf: conf},
	}
	agg := NewAggregator(2, 1.0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := agg.Aggregate("BTCUSDT", tc.signals, tc.conf)
			assert.False(t, ok)
		})
	}
}

func TestAggregateMinorityOppositeDoesNotBlock(t *testing.T) {
	agg := NewAggregator(2, 1.0)
	signals := []strategy.Signal{
		sig("a", strategy.ActionPut, 0.6), sig("b", strategy.ActionPut, 0.6),
		sig("c", strategy.ActionCall, 0.9),
	}
	p, ok := agg.Aggregate("ETHUSDT", signals, map[string]float64{"a": 1, "b": 1, "c": 1})
	require.True(t, ok)
	assert.Equal(t, strategy.ActionPut, p.Direction)
}

func TestAggregateOrderIndependent(t *testing.T) {
	agg := NewAggregator(2, 1.0)
	signals := []strategy.Signal{
		sig("a", strategy.ActionCall, 0.5), sig("b", strategy.ActionCall, 0.4),
		sig("c", strategy.ActionCall, 0.3), sig("d", strategy.ActionPut, 0.9),
	}
	conf := map[string]float64{"a": 1, "b": 1, "c": 1, "d": 1}
	want, ok := agg.Aggregate("BTCUSDT", signals, conf)
	require.True(t, ok)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]strategy.Signal(nil), signals...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, ok := agg.Aggregate("BTCUSDT", shuffled, conf)
		require.True(t, ok)
		assert.Equal(t, want.StrategyIDs, got.StrategyIDs)
		assert.InDelta(t, want.Confidence, got.Confidence, 1e-12)
		assert.Equal(t, want.Direction, got.Direction)
	}
}

func TestNewAggregatorEnforcesMinimum(t *testing.T) {
	assert.Equal(t, 2, NewAggregator(1, 1).MinAgreeing)
	assert.Equal(t, 3, NewAggregator(3, 1).MinAgreeing)
}
