package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
)

type fakeSource struct {
	rows []eventlog.StrategyPerformance
	err  error
}

func (f fakeSource) StrategyReport(context.Context) ([]eventlog.StrategyPerformance, error) {
	return f.rows, f.err
}

func sampleRows() []eventlog.StrategyPerformance {
	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	return []eventlog.StrategyPerformance{
		{
			StrategyID: "golden_cross", Trades: 2, Wins: 1, Losses: 1, WinRatio: 0.5,
			AvgPayout: 9.5, AvgBuyPrice: 5, TotalPnL: 4,
			CumulativePnL: []eventlog.PnLPoint{
				{Timestamp: t0, Cumulative: 9},
				{Timestamp: t0.Add(2 * time.Minute), Cumulative: 4},
			},
		},
		{
			StrategyID: "rsi_dip", Trades: 1, Wins: 0, Losses: 1,
			AvgBuyPrice: 5, TotalPnL: -5,
			CumulativePnL: []eventlog.PnLPoint{
				{Timestamp: t0.Add(time.Minute), Cumulative: -5},
			},
		},
	}
}

func TestBuildHTMLContainsStrategies(t *testing.T) {
	html, err := BuildHTML(sampleRows(), time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	body := string(html)
	assert.Contains(t, body, "Win rate by strategy")
	assert.Contains(t, body, "golden_cross")
	assert.Contains(t, body, "rsi_dip")
}

func TestBuildHTMLEmpty(t *testing.T) {
	html, err := BuildHTML(nil, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(html), "Win rate by strategy")
}

func TestAlignSeriesCarriesForward(t *testing.T) {
	rows := sampleRows()
	axis := timeline(rows)
	require.Len(t, axis, 3)

	gc := alignSeries(axis, rows[0].CumulativePnL)
	assert.Equal(t, []opts.LineData{{Value: 9.0}, {Value: 9.0}, {Value: 4.0}}, gc)

	rsi := alignSeries(axis, rows[1].CumulativePnL)
	assert.Nil(t, rsi[0].Value)
	assert.Equal(t, -5.0, rsi[1].Value)
	assert.Equal(t, -5.0, rsi[2].Value)
}

func TestGenerateWritesHTML(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	res, err := Generate(context.Background(), fakeSource{rows: sampleRows()}, Options{Dir: dir})
	require.NoError(t, err)
	assert.Empty(t, res.PNGPath)
	assert.Len(t, res.Rows, 2)

	data, err := os.ReadFile(res.HTMLPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "golden_cross")
}

func TestGeneratePropagatesSourceError(t *testing.T) {
	boom := errors.New("db closed")
	_, err := Generate(context.Background(), fakeSource{err: boom}, Options{Dir: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
