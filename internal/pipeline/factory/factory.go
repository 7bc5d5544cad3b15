package factory

import (
	"fmt"
	"strings"
	"time"

	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/pipeline"
	"github.com/1NF3RM0/MyBot/internal/pipeline/middlewares"
)

// Factory 根据行情配置组装快照 pipeline。
type Factory struct {
	Source  middlewares.HistoryFetcher
	Timeout time.Duration
}

// Build 生成两阶段 pipeline：stage 0 拉取 K 线（主周期关键、高周期可选），
// stage 1 并发计算趋势（关键）、动量与波动率（可选）。
func (f *Factory) Build(cfg config.MarketConfig) (*pipeline.Pipeline, error) {
	if f.Source == nil {
		return nil, fmt.Errorf("pipeline factory 缺少行情源")
	}
	base := strings.ToLower(strings.TrimSpace(cfg.Interval))
	if base == "" {
		return nil, fmt.Errorf("pipeline factory 缺少 interval")
	}
	intervals := []string{base}
	mws := []pipeline.Middleware{
		middlewares.NewCandleFetcher(middlewares.CandleFetcherConfig{
			Stage: 0, Timeout: f.Timeout, Interval: base, Limit: cfg.Window,
		}, f.Source),
	}
	if higher := strings.ToLower(strings.TrimSpace(cfg.HigherInterval)); higher != "" && higher != base {
		intervals = append(intervals, higher)
		mws = append(mws, middlewares.NewCandleFetcher(middlewares.CandleFetcherConfig{
			Stage: 0, Optional: true, Timeout: f.Timeout, Interval: higher, Limit: cfg.Window,
		}, f.Source))
	}
	mws = append(mws,
		middlewares.NewTrend(middlewares.IndicatorConfig{Stage: 1, Intervals: intervals}),
		middlewares.NewMomentum(middlewares.IndicatorConfig{Stage: 1, Intervals: intervals}),
		middlewares.NewVolatility(middlewares.IndicatorConfig{Stage: 1, Intervals: intervals}),
	)
	return pipeline.New("snapshot", mws...), nil
}
