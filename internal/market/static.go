package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StaticSource 是内存行情源，用于测试与离线演练。
type StaticSource struct {
	mu      sync.RWMutex
	candles map[string]map[string][]Candle
	subs    []chan Tick
}

func NewStaticSource() *StaticSource {
	return &StaticSource{candles: make(map[string]map[string][]Candle)}
}

func (s *StaticSource) SetCandles(symbol, interval string, candles []Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym := strings.ToUpper(symbol)
	if s.candles[sym] == nil {
		s.candles[sym] = make(map[string][]Candle)
	}
	s.candles[sym][strings.ToLower(interval)] = append([]Candle(nil), candles...)
}

func (s *StaticSource) ListSymbols(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.candles))
	for sym := range s.candles {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (s *StaticSource) FetchHistory(_ context.Context, symbol, interval string, limit int) ([]Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byInterval, ok := s.candles[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	series := byInterval[strings.ToLower(interval)]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return append([]Candle(nil), series...), nil
}

func (s *StaticSource) StreamTicks(ctx context.Context, _ []string, opts StreamOptions) (<-chan Tick, error) {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Tick, buffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// Push 向所有订阅者广播 tick，订阅缓冲满时丢弃。
func (s *StaticSource) Push(t Tick) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub <- t:
		default:
		}
	}
}

func (s *StaticSource) Stats() SourceStats { return SourceStats{} }

func (s *StaticSource) Close() error { return nil }
