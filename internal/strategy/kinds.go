package strategy

import (
	"fmt"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
)

// 强度缩放的参考幅度。
const (
	smaRef   = 0.005
	rsiRef   = 15.0
	macdRef  = 0.002
	bandRef  = 0.01
	aoRef    = 0.005
	cloudRef = 0.01
)

// GoldenCross 快线上穿/下穿慢线。调优阈值 sma_threshold 作为交叉所需的最小分离度。
type GoldenCross struct {
	base
	P GoldenCrossParams
}

func (s *GoldenCross) Params() map[string]any { return paramsMap(s.P) }

func (s *GoldenCross) Evaluate(snap indicator.Snapshot, tune Tuning) (Signal, error) {
	fastName, slowName := smaName(s.P.Fast), smaName(s.P.Slow)
	fast, fastPrev, ok1 := snap.Pair(fastName)
	slow, slowPrev, ok2 := snap.Pair(slowName)
	px := snap.Close()
	if !ok1 || !ok2 || px <= 0 {
		return s.none("missing " + fastName + "/" + slowName), nil
	}
	margin := tune.SMAThreshold
	cur := (fast - slow) / px
	prev := (fastPrev - slowPrev) / px
	switch {
	case prev <= margin && cur > margin:
		return s.fire(ActionCall, cur-margin, smaRef, s.Params(), fmt.Sprintf("%s 上穿 %s sep=%.5f", fastName, slowName, cur)), nil
	case prev >= -margin && cur < -margin:
		return s.fire(ActionPut, -cur-margin, smaRef, s.Params(), fmt.Sprintf("%s 下穿 %s sep=%.5f", fastName, slowName, cur)), nil
	}
	return s.none("no cross"), nil
}

func smaName(period int) string {
	return fmt.Sprintf("sma%d", period)
}

// RSIDip RSI 低于 dip 看涨、高于 peak 看跌。调优阈值 rsi_threshold 向外扩展两侧区间。
type RSIDip struct {
	base
	P RSIDipParams
}

func (s *RSIDip) Params() map[string]any { return paramsMap(s.P) }

func (s *RSIDip) Evaluate(snap indicator.Snapshot, tune Tuning) (Signal, error) {
	rsi, ok := snap.Value(indicator.RSI)
	if !ok {
		return s.none("missing rsi"), nil
	}
	dip := s.P.Dip - tune.RSIThreshold
	peak := s.P.Peak + tune.RSIThreshold
	switch {
	case rsi < dip:
		return s.fire(ActionCall, dip-rsi, rsiRef, s.Params(), fmt.Sprintf("rsi=%.2f < %.2f", rsi, dip)), nil
	case rsi > peak:
		return s.fire(ActionPut, rsi-peak, rsiRef, s.Params(), fmt.Sprintf("rsi=%.2f > %.2f", rsi, peak)), nil
	}
	return s.none("rsi neutral"), nil
}

// MACDCrossover MACD 线穿越信号线。
type MACDCrossover struct {
	base
	P MACDCrossoverParams
}

func (s *MACDCrossover) Params() map[string]any { return paramsMap(s.P) }

func (s *MACDCrossover) Evaluate(snap indicator.Snapshot, _ Tuning) (Signal, error) {
	macd, macdPrev, ok1 := snap.Pair(indicator.MACD)
	sig, sigPrev, ok2 := snap.Pair(indicator.MACDSignal)
	px := snap.Close()
	if !ok1 || !ok2 || px <= 0 {
		return s.none("missing macd"), nil
	}
	cur := (macd - sig) / px
	prev := (macdPrev - sigPrev) / px
	gap := s.P.MinGap
	switch {
	case prev <= 0 && cur > gap:
		return s.fire(ActionCall, cur-gap, macdRef, s.Params(), "macd 上穿信号线"), nil
	case prev >= 0 && cur < -gap:
		return s.fire(ActionPut, -cur-gap, macdRef, s.Params(), "macd 下穿信号线"), nil
	}
	return s.none("no cross"), nil
}

// BollingerBreakout 收盘价突破布林带上/下轨。
type BollingerBreakout struct {
	base
	P BollingerBreakoutParams
}

func (s *BollingerBreakout) Params() map[string]any { return paramsMap(s.P) }

func (s *BollingerBreakout) Evaluate(snap indicator.Snapshot, _ Tuning) (Signal, error) {
	upper, ok1 := snap.Value(indicator.BBUpper)
	lower, ok2 := snap.Value(indicator.BBLower)
	px := snap.Close()
	if !ok1 || !ok2 || px <= 0 {
		return s.none("missing bbands"), nil
	}
	hi := upper * (1 + s.P.Buffer)
	lo := lower * (1 - s.P.Buffer)
	switch {
	case px > hi:
		return s.fire(ActionCall, (px-hi)/px, bandRef, s.Params(), fmt.Sprintf("close=%.4f > upper=%.4f", px, hi)), nil
	case px < lo:
		return s.fire(ActionPut, (lo-px)/px, bandRef, s.Params(), fmt.Sprintf("close=%.4f < lower=%.4f", px, lo)), nil
	}
	return s.none("inside bands"), nil
}

// AwesomeOscillator AO 穿越零轴。
type AwesomeOscillator struct {
	base
	P AwesomeOscillatorParams
}

func (s *AwesomeOscillator) Params() map[string]any { return paramsMap(s.P) }

func (s *AwesomeOscillator) Evaluate(snap indicator.Snapshot, _ Tuning) (Signal, error) {
	ao, aoPrev, ok := snap.Pair(indicator.AO)
	px := snap.Close()
	if !ok || px <= 0 {
		return s.none("missing ao"), nil
	}
	cur := ao / px
	gap := s.P.MinGap
	switch {
	case aoPrev <= 0 && cur > gap:
		return s.fire(ActionCall, cur-gap, aoRef, s.Params(), "ao 上穿零轴"), nil
	case aoPrev >= 0 && cur < -gap:
		return s.fire(ActionPut, -cur-gap, aoRef, s.Params(), "ao 下穿零轴"), nil
	}
	return s.none("no zero cross"), nil
}

// IchimokuCloud 转换线在基准线之上且收盘价位于云层之上看涨，反之看跌。
type IchimokuCloud struct {
	base
	P IchimokuCloudParams
}

func (s *IchimokuCloud) Params() map[string]any { return paramsMap(s.P) }

func (s *IchimokuCloud) Evaluate(snap indicator.Snapshot, _ Tuning) (Signal, error) {
	conv, ok1 := snap.Value(indicator.IchimokuConversion)
	baseLine, ok2 := snap.Value(indicator.IchimokuBase)
	a, ok3 := snap.Value(indicator.IchimokuSpanA)
	b, ok4 := snap.Value(indicator.IchimokuSpanB)
	px := snap.Close()
	if !ok1 || !ok2 || !ok3 || !ok4 || px <= 0 {
		return s.none("missing ichimoku"), nil
	}
	top, bottom := a, b
	if bottom > top {
		top, bottom = bottom, top
	}
	top *= 1 + s.P.Buffer
	bottom *= 1 - s.P.Buffer
	switch {
	case conv > baseLine && px > top:
		return s.fire(ActionCall, (px-top)/px, cloudRef, s.Params(), "价格位于云层上方"), nil
	case conv < baseLine && px < bottom:
		return s.fire(ActionPut, (bottom-px)/px, cloudRef, s.Params(), "价格位于云层下方"), nil
	}
	return s.none("inside or misaligned"), nil
}
