package market

import "time"

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Closed 判断 K 线在 now 时刻是否已收盘。
func (c Candle) Closed(now time.Time) bool {
	return c.CloseTime > 0 && now.UnixMilli() >= c.CloseTime
}

// Candles 是按时间升序排列的 K 线序列。
type Candles []Candle

func (cs Candles) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

func (cs Candles) Highs() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.High
	}
	return out
}

func (cs Candles) Lows() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Low
	}
	return out
}

// Last 返回最后一根 K 线，序列为空时 ok=false。
func (cs Candles) Last() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}

// DropUnclosed 去掉尚未收盘的最后一根 K 线，交易所 REST 接口总会带上它。
func (cs Candles) DropUnclosed(now time.Time) Candles {
	if len(cs) == 0 {
		return cs
	}
	if !cs[len(cs)-1].Closed(now) {
		return cs[:len(cs)-1]
	}
	return cs
}
