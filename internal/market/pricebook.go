package market

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/1NF3RM0/MyBot/internal/logger"
)

// PriceBook 维护每个标的的最新成交价，由 tick 流持续更新。
type PriceBook struct {
	mu     sync.RWMutex
	latest map[string]Tick

	OnTick func(Tick)

	startOnce sync.Once
}

func NewPriceBook() *PriceBook {
	return &PriceBook{latest: make(map[string]Tick)}
}

func (b *PriceBook) Update(t Tick) {
	if t.Price <= 0 {
		return
	}
	sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
	if sym == "" {
		return
	}
	t.Symbol = sym
	b.mu.Lock()
	prev, ok := b.latest[sym]
	if !ok || t.EventTime >= prev.EventTime {
		b.latest[sym] = t
	}
	b.mu.Unlock()
	if b.OnTick != nil {
		b.OnTick(t)
	}
}

func (b *PriceBook) Latest(symbol string) (Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.latest[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

func (b *PriceBook) LatestPrice(symbol string) (float64, bool) {
	t, ok := b.Latest(symbol)
	if !ok {
		return 0, false
	}
	return t.Price, true
}

// SeedFromCandles 用最近收盘价初始化（tick 流尚未推送时使用）。
func (b *PriceBook) SeedFromCandles(symbol string, candles []Candle) {
	last, ok := Candles(candles).Last()
	if !ok {
		return
	}
	b.mu.RLock()
	_, exists := b.latest[strings.ToUpper(symbol)]
	b.mu.RUnlock()
	if exists {
		return
	}
	b.Update(Tick{Symbol: symbol, Price: last.Close, EventTime: last.CloseTime})
}

// Follow 订阅 tick 流并在后台持续写入，ctx 取消后退出。
func (b *PriceBook) Follow(ctx context.Context, src Source, symbols []string) error {
	if src == nil {
		return fmt.Errorf("price book missing source")
	}
	if len(symbols) == 0 {
		return fmt.Errorf("price book requires symbols")
	}
	ticks, err := src.StreamTicks(ctx, symbols, StreamOptions{
		OnDisconnect: func(err error) {
			if err != nil {
				logger.Warnf("[ticks] 连接断开: %v", err)
			}
		},
	})
	if err != nil {
		return err
	}
	b.startOnce.Do(func() {
		go b.consume(ctx, ticks)
	})
	logger.Infof("[ticks] 订阅已启动 symbols=%v", symbols)
	return nil
}

func (b *PriceBook) consume(ctx context.Context, ticks <-chan Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			b.Update(t)
		}
	}
}
