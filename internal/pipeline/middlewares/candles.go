package middlewares

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/1NF3RM0/MyBot/internal/market"
	"github.com/1NF3RM0/MyBot/internal/pipeline"
)

// HistoryFetcher 是 K 线来源，market.Source 即满足。
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

// CandleFetcherConfig 控制 k 线抓取。Optional 用于高周期：拉取失败只让快照降级。
type CandleFetcherConfig struct {
	Name     string
	Stage    int
	Optional bool
	Timeout  time.Duration
	Interval string
	Limit    int
}

// CandleFetcher 将指定周期的 K 线写入 AnalysisContext。
type CandleFetcher struct {
	meta     pipeline.MiddlewareMeta
	source   HistoryFetcher
	interval string
	limit    int
}

// NewCandleFetcher 构造中间件。
func NewCandleFetcher(cfg CandleFetcherConfig, source HistoryFetcher) *CandleFetcher {
	if cfg.Limit <= 0 {
		cfg.Limit = 200
	}
	interval := strings.ToLower(strings.TrimSpace(cfg.Interval))
	return &CandleFetcher{
		meta: pipeline.MiddlewareMeta{
			Name:     nameOrDefault(cfg.Name, "kline_fetcher_"+interval),
			Stage:    cfg.Stage,
			Role:     pipeline.RoleCandles,
			Interval: interval,
			Optional: cfg.Optional,
			Timeout:  cfg.Timeout,
		},
		source:   source,
		interval: interval,
		limit:    cfg.Limit,
	}
}

// Meta 实现 pipeline.Middleware。
func (c *CandleFetcher) Meta() pipeline.MiddlewareMeta { return c.meta }

// Handle 拉取数据。
func (c *CandleFetcher) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	if c.source == nil {
		return fmt.Errorf("kline source unavailable")
	}
	if ac == nil {
		return fmt.Errorf("nil analysis context")
	}
	if c.interval == "" {
		return fmt.Errorf("no interval configured")
	}
	candles, err := c.source.FetchHistory(ctx, ac.Symbol, c.interval, c.limit)
	if err != nil {
		return fmt.Errorf("fetch %s %s: %w", ac.Symbol, c.interval, err)
	}
	if len(candles) == 0 {
		return fmt.Errorf("fetch %s %s: empty history", ac.Symbol, c.interval)
	}
	ac.SetCandles(c.interval, candles)
	return nil
}
