package middlewares

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/pipeline"
)

// ComputeFunc 从 OHLC 序列计算一组指标。
type ComputeFunc func(indicator.Series) map[string]float64

// IndicatorConfig 控制指标中间件。Intervals[0] 为主周期：主周期失败返回错误，其余周期失败只记警告。
// 是否关键由中间件的角色决定：趋势关键，动量与波动率可选。
type IndicatorConfig struct {
	Name      string
	Stage     int
	Timeout   time.Duration
	Intervals []string
}

// IndicatorMiddleware 对各周期 K 线执行一个 ComputeFunc。
type IndicatorMiddleware struct {
	meta      pipeline.MiddlewareMeta
	intervals []string
	compute   ComputeFunc
}

func newIndicatorMiddleware(cfg IndicatorConfig, role pipeline.Role, fn ComputeFunc) *IndicatorMiddleware {
	intervals := make([]string, 0, len(cfg.Intervals))
	for _, iv := range cfg.Intervals {
		if iv = strings.ToLower(strings.TrimSpace(iv)); iv != "" {
			intervals = append(intervals, iv)
		}
	}
	primary := ""
	if len(intervals) > 0 {
		primary = intervals[0]
	}
	return &IndicatorMiddleware{
		meta: pipeline.MiddlewareMeta{
			Name:     nameOrDefault(cfg.Name, string(role)),
			Stage:    cfg.Stage,
			Role:     role,
			Interval: primary,
			Timeout:  cfg.Timeout,
		},
		intervals: intervals,
		compute:   fn,
	}
}

// NewTrend 计算均线与一目均衡表。
func NewTrend(cfg IndicatorConfig) *IndicatorMiddleware {
	return newIndicatorMiddleware(cfg, pipeline.RoleTrend, indicator.ComputeTrend)
}

// NewMomentum 计算 RSI/MACD/AO。
func NewMomentum(cfg IndicatorConfig) *IndicatorMiddleware {
	return newIndicatorMiddleware(cfg, pipeline.RoleMomentum, indicator.ComputeMomentum)
}

// NewVolatility 计算布林带/ATR/ADX。
func NewVolatility(cfg IndicatorConfig) *IndicatorMiddleware {
	return newIndicatorMiddleware(cfg, pipeline.RoleVolatility, indicator.ComputeVolatility)
}

// Meta 实现接口。
func (m *IndicatorMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

// Handle 计算指标并写入上下文。
func (m *IndicatorMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	if len(m.intervals) == 0 {
		return fmt.Errorf("%s: no intervals configured", m.meta.Name)
	}
	for i, iv := range m.intervals {
		if err := ctx.Err(); err != nil {
			return err
		}
		series, err := indicator.NewSeries(ac.Candles(iv))
		if err != nil {
			if i == 0 {
				return fmt.Errorf("%s %s: %w", m.meta.Name, iv, err)
			}
			ac.AddWarning(fmt.Sprintf("%s %s skipped: %v", m.meta.Name, iv, err))
			continue
		}
		ac.MergeValues(iv, m.compute(series))
	}
	return nil
}

func nameOrDefault(val, fallback string) string {
	if val = strings.TrimSpace(val); val != "" {
		return val
	}
	return fallback
}
