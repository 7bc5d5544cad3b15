// Package markettest 提供测试用的确定性 K 线序列。
package markettest

import (
	"math"
	"time"

	"github.com/1NF3RM0/MyBot/internal/market"
)

// Start 是所有生成序列的起点时间。
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FromCloses 以收盘价构建 K 线，高低点在收盘价上下 spread 比例处。
func FromCloses(closes []float64, interval time.Duration, spread float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	prev := closes[0]
	for i, c := range closes {
		open := prev
		hi := math.Max(open, c) * (1 + spread)
		lo := math.Min(open, c) * (1 - spread)
		openTime := Start.Add(time.Duration(i) * interval)
		out[i] = market.Candle{
			OpenTime:  openTime.UnixMilli(),
			CloseTime: openTime.Add(interval).UnixMilli() - 1,
			Open:      open,
			High:      hi,
			Low:       lo,
			Close:     c,
			Volume:    100,
		}
		prev = c
	}
	return out
}

// Linear 生成线性变化的收盘价。
func Linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

// Sine 生成围绕 center 振荡的收盘价。
func Sine(n int, center, amplitude, period float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = center + amplitude*math.Sin(2*math.Pi*float64(i)/period)
	}
	return out
}

// Trend 生成持续上涨（step>0）或下跌的 K 线。
func Trend(n int, start, step float64) []market.Candle {
	return FromCloses(Linear(n, start, step), time.Hour, 0.001)
}

// Range 生成窄幅震荡的 K 线。
func Range(n int, center, amplitude float64) []market.Candle {
	return FromCloses(Sine(n, center, amplitude, 12), time.Hour, 0.0005)
}
