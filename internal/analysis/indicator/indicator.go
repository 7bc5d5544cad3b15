package indicator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/1NF3RM0/MyBot/internal/market"
)

// MinBars 是生成快照所需的最少 K 线数（MACD/AO 需要 34 根，再留出前值与 ADX 余量）。
const MinBars = 60

// ErrInsufficientHistory 表示 K 线不足以计算核心指标。
var ErrInsufficientHistory = errors.New("indicator: insufficient history")

// 指标名称。带 _prev 后缀的为上一根 K 线的值，用于判断交叉。
const (
	Close              = "close"
	SMA10              = "sma10"
	SMA20              = "sma20"
	SMA25              = "sma25"
	SMA50              = "sma50"
	SMA200             = "sma200"
	SMASep             = "sma_sep"
	RSI                = "rsi"
	MACD               = "macd"
	MACDSignal         = "macd_signal"
	MACDHist           = "macd_hist"
	BBUpper            = "bb_upper"
	BBMiddle           = "bb_middle"
	BBLower            = "bb_lower"
	BBWidth            = "bb_width"
	ATR                = "atr"
	ATRPct             = "atr_pct"
	ADX                = "adx"
	AO                 = "ao"
	IchimokuConversion = "ichimoku_conversion"
	IchimokuBase       = "ichimoku_base"
	IchimokuSpanA      = "ichimoku_span_a"
	IchimokuSpanB      = "ichimoku_span_b"
)

// Prev 返回指标前值的名称。
func Prev(name string) string { return name + "_prev" }

// Snapshot 是某个标的在某个周期上的指标快照，生成后只读。
type Snapshot struct {
	Symbol    string
	Interval  string
	Timestamp time.Time
	Candles   market.Candles
	Values    map[string]float64
}

// Value 读取指标值，缺失（回看不足）时 ok=false。
func (s Snapshot) Value(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Pair 同时读取当前值与前值。
func (s Snapshot) Pair(name string) (cur, prev float64, ok bool) {
	cur, ok1 := s.Values[name]
	prev, ok2 := s.Values[Prev(name)]
	return cur, prev, ok1 && ok2
}

func (s Snapshot) Close() float64 {
	return s.Values[Close]
}

// Names 返回已计算的指标名（排序后），日志与审计用。
func (s Snapshot) Names() []string {
	out := make([]string, 0, len(s.Values))
	for k := range s.Values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Compute 一次性计算全部指标。
func Compute(symbol, interval string, candles []market.Candle) (Snapshot, error) {
	series, err := NewSeries(candles)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s %s: %w", symbol, interval, err)
	}
	values := make(map[string]float64, 48)
	for _, fn := range []func(Series) map[string]float64{ComputeTrend, ComputeMomentum, ComputeVolatility} {
		for k, v := range fn(series) {
			values[k] = v
		}
	}
	return NewSnapshot(symbol, interval, candles, values), nil
}

// NewSnapshot 组装快照，时间戳取最后一根 K 线的收盘时间。
func NewSnapshot(symbol, interval string, candles []market.Candle, values map[string]float64) Snapshot {
	cs := market.Candles(append([]market.Candle(nil), candles...))
	snap := Snapshot{Symbol: symbol, Interval: interval, Candles: cs, Values: values}
	if last, ok := cs.Last(); ok {
		snap.Timestamp = time.UnixMilli(last.CloseTime).UTC()
		if _, has := values[Close]; !has {
			values[Close] = last.Close
		}
	}
	return snap
}

// Series 是 talib 所需的 OHLC 切片。
type Series struct {
	Closes []float64
	Highs  []float64
	Lows   []float64
}

func NewSeries(candles []market.Candle) (Series, error) {
	if len(candles) < MinBars {
		return Series{}, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, len(candles), MinBars)
	}
	cs := market.Candles(candles)
	return Series{Closes: cs.Closes(), Highs: cs.Highs(), Lows: cs.Lows()}, nil
}

func (s Series) last() int { return len(s.Closes) - 1 }

// ComputeTrend 计算均线、均线分离度与一目均衡表。
func ComputeTrend(s Series) map[string]float64 {
	out := make(map[string]float64, 16)
	n := s.last()
	closePx := s.Closes[n]
	out[Close] = round8(closePx)
	for name, period := range map[string]int{SMA10: 10, SMA20: 20, SMA25: 25, SMA50: 50, SMA200: 200} {
		putWithPrev(out, name, talib.Sma(s.Closes, period), period-1, n)
	}
	if fast, ok := out[SMA10]; ok {
		if slow, ok := out[SMA50]; ok && closePx != 0 {
			out[SMASep] = round8((fast - slow) / closePx)
		}
	}

	conv := midline(s, 9)
	base := midline(s, 26)
	spanB := midline(s, 52)
	if v, ok := valueAt(conv, 8, n); ok {
		out[IchimokuConversion] = round8(v)
	}
	if v, ok := valueAt(base, 25, n); ok {
		out[IchimokuBase] = round8(v)
	}
	// 当前云层由 26 根之前的先行带投影而来
	shifted := n - 26
	c, okC := valueAt(conv, 8, shifted)
	b, okB := valueAt(base, 25, shifted)
	if okC && okB {
		out[IchimokuSpanA] = round8((c + b) / 2)
	}
	if v, ok := valueAt(spanB, 51, shifted); ok {
		out[IchimokuSpanB] = round8(v)
	}
	return out
}

// ComputeMomentum 计算 RSI、MACD 与 Awesome Oscillator。
func ComputeMomentum(s Series) map[string]float64 {
	out := make(map[string]float64, 12)
	n := s.last()
	putWithPrev(out, RSI, talib.Rsi(s.Closes, 14), 14, n)

	macd, signal, hist := talib.Macd(s.Closes, 12, 26, 9)
	putWithPrev(out, MACD, macd, 33, n)
	putWithPrev(out, MACDSignal, signal, 33, n)
	putWithPrev(out, MACDHist, hist, 33, n)

	median := talib.MedPrice(s.Highs, s.Lows)
	fast := talib.Sma(median, 5)
	slow := talib.Sma(median, 34)
	ao := make([]float64, len(median))
	for i := range ao {
		ao[i] = fast[i] - slow[i]
	}
	putWithPrev(out, AO, ao, 33, n)
	return out
}

// ComputeVolatility 计算布林带、ATR 与 ADX。
func ComputeVolatility(s Series) map[string]float64 {
	out := make(map[string]float64, 10)
	n := s.last()
	closePx := s.Closes[n]

	upper, middle, lower := talib.BBands(s.Closes, 20, 2, 2, talib.SMA)
	u, okU := valueAt(upper, 19, n)
	m, okM := valueAt(middle, 19, n)
	l, okL := valueAt(lower, 19, n)
	if okU && okM && okL {
		out[BBUpper] = round8(u)
		out[BBMiddle] = round8(m)
		out[BBLower] = round8(l)
		if m != 0 {
			out[BBWidth] = round8((u - l) / m)
		}
	}

	if v, ok := valueAt(talib.Atr(s.Highs, s.Lows, s.Closes, 14), 14, n); ok {
		out[ATR] = round8(v)
		if closePx != 0 {
			out[ATRPct] = round8(v / closePx)
		}
	}
	if v, ok := valueAt(talib.Adx(s.Highs, s.Lows, s.Closes, 14), 27, n); ok {
		out[ADX] = round8(v)
	}
	return out
}

// AverageATRPct 计算一组快照的平均 atr_pct，供参数调优使用。
func AverageATRPct(snaps []Snapshot) (float64, bool) {
	sum, count := 0.0, 0
	for _, s := range snaps {
		if v, ok := s.Value(ATRPct); ok {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// midline 计算 (最高价+最低价)/2 的滚动中线。
func midline(s Series, period int) []float64 {
	hi := talib.Max(s.Highs, period)
	lo := talib.Min(s.Lows, period)
	out := make([]float64, len(hi))
	for i := range hi {
		out[i] = (hi[i] + lo[i]) / 2
	}
	return out
}

func putWithPrev(dst map[string]float64, name string, series []float64, lookback, idx int) {
	if v, ok := valueAt(series, lookback, idx); ok {
		dst[name] = round8(v)
	}
	if v, ok := valueAt(series, lookback, idx-1); ok {
		dst[Prev(name)] = round8(v)
	}
}

// valueAt 读取 talib 输出中有效区间内的值；talib 在回看期内填 0。
func valueAt(series []float64, lookback, idx int) (float64, bool) {
	if idx < lookback || idx < 0 || idx >= len(series) {
		return 0, false
	}
	v := series[idx]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
