package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFile = `
strategies:
  - id: golden_cross
    kind: golden_cross
    name: Golden Cross
    weight: 1.0
    params:
      fast: 10
      slow: 25
  - id: rsi_dip
    kind: rsi_dip
    weight: 0.8
    params:
      dip: "42"
  - id: bb
    kind: bollinger_breakout
    active: false
`

func TestParseStrategies(t *testing.T) {
	defs, err := ParseStrategies([]byte(validFile))
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "golden_cross", defs[0].ID)
	assert.Equal(t, 42.0, defs[1].Params["dip"])
	assert.False(t, defs[2].IsActive())
	assert.True(t, defs[0].IsActive())
}

func TestParseStrategiesRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: "strategies:\n  - id: a\n    kind: rsi_dip\n    colour: red\n"},
		{name: "unknown kind", body: "strategies:\n  - id: a\n    kind: ml_prediction\n"},
		{name: "duplicate id", body: "strategies:\n  - id: a\n    kind: rsi_dip\n  - id: a\n    kind: golden_cross\n"},
		{name: "schema violation", body: "strategies:\n  - id: a\n    kind: golden_cross\n    params:\n      fast: 7\n"},
		{name: "unknown param", body: "strategies:\n  - id: a\n    kind: macd_crossover\n    params:\n      fast: 12\n"},
		{name: "cross-field rule", body: "strategies:\n  - id: a\n    kind: rsi_dip\n    params:\n      dip: 80\n      peak: 70\n"},
		{name: "empty", body: "strategies: []\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseStrategies([]byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestRegistryReloadKeepsLastGoodSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFile), 0o644))

	reg, err := NewStrategyRegistry(path, false)
	require.NoError(t, err)
	first := reg.Snapshot()
	assert.Equal(t, int64(1), first.Version)

	notified := make(chan Snapshot, 1)
	reg.OnChange(func(s Snapshot) { notified <- s })

	require.NoError(t, os.WriteFile(path, []byte("strategies:\n  - id: a\n    kind: nope\n"), 0o644))
	assert.Error(t, reg.Reload())
	assert.Equal(t, int64(1), reg.Snapshot().Version)

	updated := "strategies:\n  - id: rsi_dip\n    kind: rsi_dip\n    params:\n      dip: 40\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, reg.Reload())
	select {
	case snap := <-notified:
		assert.Equal(t, int64(2), snap.Version)
		require.Len(t, snap.Definitions, 1)
		assert.Equal(t, 40.0, snap.Definitions[0].Params["dip"])
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFile), 0o644))
	reg, err := NewStrategyRegistry(path, false)
	require.NoError(t, err)

	snap := reg.Snapshot()
	snap.Definitions[0].Params["fast"] = 50.0
	assert.Equal(t, 10.0, reg.Snapshot().Definitions[0].Params["fast"])
}
