package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate(cfg))
	assert.Equal(t, 2, cfg.Trading.MinAgreeing)
	assert.Equal(t, 1.5, cfg.Trading.MinCombinedConfidence)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Regime.MultiTimeframe)
	assert.Equal(t, []string{"bollinger_breakout"}, cfg.Regime.Routing["volatile"])
	assert.Equal(t, 1800, cfg.Tuner.High.CooldownSeconds)
	assert.Equal(t, 0.025, cfg.Tuner.Low.RiskFraction)
}

func TestLoadBytesKeepsExplicitValues(t *testing.T) {
	raw := []byte(`
trading:
  max_ask_price: 5
  min_payout: 0
regime:
  multi_timeframe: false
governor:
  fallback: false
`)
	cfg, err := LoadBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.Trading.MaxAskPrice)
	assert.Equal(t, 0.0, cfg.Trading.MinPayout)
	assert.False(t, cfg.Regime.MultiTimeframe)
	assert.False(t, cfg.Governor.Fallback)
	assert.Equal(t, defaultLoopDelay, cfg.Trading.LoopDelaySeconds)
}

func TestLoadBytesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"single agreeing":  "trading:\n  min_agreeing: 1\n",
		"stake inverted":   "trading:\n  min_stake: 5\n  max_stake: 2\n",
		"unknown regime":   "regime:\n  routing:\n    sideways: [rsi_dip]\n",
		"reenable > hist":  "governor:\n  history_window: 2\n  reenable_window: 3\n",
		"static no symbol": "market:\n  source: static\n",
		"same interval":    "market:\n  interval: 1h\n  higher_interval: 1h\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadBytes([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	main := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(base, []byte("trading:\n  max_ask_price: 7\n  min_payout: 2\n"), 0o644))
	require.NoError(t, os.WriteFile(main, []byte("include:\n  - base.yaml\ntrading:\n  min_payout: 3\n"), 0o644))

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, 7.0, cfg.Trading.MaxAskPrice)
	assert.Equal(t, 3.0, cfg.Trading.MinPayout)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	require.NoError(t, os.WriteFile(a, []byte("include: [b.yaml]\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("include: [a.yaml]\n"), 0o644))

	_, err := Load(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}
