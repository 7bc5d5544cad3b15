package market

import (
	"context"
	"errors"
)

// ErrUnknownSymbol 表示行情源没有该标的。
var ErrUnknownSymbol = errors.New("market: unknown symbol")

// Tick 是一笔成交（或报价）快照。
type Tick struct {
	Symbol    string
	Price     float64
	Quantity  float64
	EventTime int64
}

type StreamOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Source 是行情数据的抽象：标的列表、历史 K 线与实时 tick 流。
type Source interface {
	ListSymbols(ctx context.Context) ([]string, error)

	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	StreamTicks(ctx context.Context, symbols []string, opts StreamOptions) (<-chan Tick, error)

	Stats() SourceStats

	Close() error
}
