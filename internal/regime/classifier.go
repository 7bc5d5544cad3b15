// Package regime 把指标快照归类为趋势、震荡或高波动三种行情。
package regime

import (
	"fmt"
	"strings"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/config"
)

// Regime 行情类型。
type Regime string

const (
	Trending Regime = "trending"
	Ranging  Regime = "ranging"
	Volatile Regime = "volatile"
)

// All 返回全部行情类型，顺序固定。
func All() []Regime { return []Regime{Trending, Ranging, Volatile} }

// Parse 解析行情名称。
func Parse(s string) (Regime, error) {
	switch Regime(strings.ToLower(strings.TrimSpace(s))) {
	case Trending:
		return Trending, nil
	case Ranging:
		return Ranging, nil
	case Volatile:
		return Volatile, nil
	}
	return "", fmt.Errorf("unknown regime %q", s)
}

// Condition 是一次分类结果，Strength ∈ [0,1]。
type Condition struct {
	Regime   Regime
	Strength float64
}

// Thresholds 分类阈值。
type Thresholds struct {
	ADXTrend      float64
	ADXRange      float64
	SMASeparation float64
	BBNarrow      float64
	BBWide        float64
	ATRVolatile   float64
}

// ThresholdsFromConfig 从配置提取阈值。
func ThresholdsFromConfig(cfg config.RegimeConfig) Thresholds {
	return Thresholds{
		ADXTrend:      cfg.ADXTrend,
		ADXRange:      cfg.ADXRange,
		SMASeparation: cfg.SMASeparation,
		BBNarrow:      cfg.BBNarrow,
		BBWide:        cfg.BBWide,
		ATRVolatile:   cfg.ATRVolatile,
	}
}

const (
	trendSignals    = 3
	rangeSignals    = 3
	volatileSignals = 2
)

// Classify 按三个维度打分，得分最高者胜出；平局或全零时判为震荡。
func Classify(s indicator.Snapshot, th Thresholds) Condition {
	trend, rng, vol := 0, 0, 0

	adx, hasADX := s.Value(indicator.ADX)
	if hasADX && adx > th.ADXTrend {
		trend++
	}
	if hasADX && adx < th.ADXRange {
		rng++
	}
	if sep, ok := s.Value(indicator.SMASep); ok && abs(sep) > th.SMASeparation {
		trend++
	}
	switch cloudPosition(s) {
	case cloudAligned:
		trend++
	case cloudInside:
		rng++
	}
	bbWidth, hasWidth := s.Value(indicator.BBWidth)
	if hasWidth && bbWidth < th.BBNarrow {
		rng++
	}
	if hasWidth && bbWidth > th.BBWide {
		vol++
	}
	if atrPct, ok := s.Value(indicator.ATRPct); ok && atrPct > th.ATRVolatile {
		vol++
	}

	switch {
	case trend > rng && trend > vol:
		return Condition{Regime: Trending, Strength: float64(trend) / trendSignals}
	case vol > trend && vol > rng:
		return Condition{Regime: Volatile, Strength: float64(vol) / volatileSignals}
	default:
		return Condition{Regime: Ranging, Strength: float64(rng) / rangeSignals}
	}
}

type cloud int

const (
	cloudUnknown cloud = iota
	cloudInside
	cloudAligned
	cloudOutside
)

// cloudPosition 判断收盘价相对云层的位置；云外且与转换线/基准线排列同向视为 aligned。
func cloudPosition(s indicator.Snapshot) cloud {
	a, okA := s.Value(indicator.IchimokuSpanA)
	b, okB := s.Value(indicator.IchimokuSpanB)
	if !okA || !okB {
		return cloudUnknown
	}
	top, bottom := a, b
	if bottom > top {
		top, bottom = bottom, top
	}
	px := s.Close()
	if px >= bottom && px <= top {
		return cloudInside
	}
	conv, okC := s.Value(indicator.IchimokuConversion)
	base, okBase := s.Value(indicator.IchimokuBase)
	if !okC || !okBase {
		return cloudOutside
	}
	if (px > top && conv > base) || (px < bottom && conv < base) {
		return cloudAligned
	}
	return cloudOutside
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Classifier 带多周期确认的分类器。
type Classifier struct {
	th             Thresholds
	multiTimeframe bool
}

func NewClassifier(cfg config.RegimeConfig) *Classifier {
	return &Classifier{th: ThresholdsFromConfig(cfg), multiTimeframe: cfg.MultiTimeframe}
}

// Classify 对单个快照分类。
func (c *Classifier) Classify(s indicator.Snapshot) Condition {
	return Classify(s, c.th)
}

// ClassifyMulti 用高周期确认主周期的分类；两者不一致时 ok=false，本轮跳过该标的。
// higher 为 nil 时放弃确认。
func (c *Classifier) ClassifyMulti(base indicator.Snapshot, higher *indicator.Snapshot) (Condition, bool) {
	cond := Classify(base, c.th)
	if !c.multiTimeframe || higher == nil {
		return cond, true
	}
	if Classify(*higher, c.th).Regime != cond.Regime {
		return cond, false
	}
	return cond, true
}
