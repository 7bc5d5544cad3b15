package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Source 基于 go-binance SDK 实现 market.Source。
type Source struct {
	cfg    Config
	client *futures.Client
	now    func() time.Time

	mu          sync.Mutex
	tradeCancel context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{cfg: final, client: client, now: time.Now}, nil
}

// ListSymbols 返回交易中、以配置计价资产结算的永续合约。
func (s *Source) ListSymbols(ctx context.Context) ([]string, error) {
	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}
	out := make([]string, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		if !strings.EqualFold(sym.Status, "TRADING") {
			continue
		}
		if !strings.EqualFold(sym.QuoteAsset, s.cfg.QuoteAsset) {
			continue
		}
		if sym.ContractType != "" && sym.ContractType != futures.ContractTypePerpetual {
			continue
		}
		out = append(out, strings.ToUpper(sym.Symbol))
	}
	sort.Strings(out)
	return out, nil
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	// 多取一根，丢弃未收盘 K 线后仍有 limit 根
	kls, err := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit + 1).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make(market.Candles, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	out = out.DropUnclosed(s.now())
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Source) StreamTicks(ctx context.Context, symbols []string, opts market.StreamOptions) (<-chan market.Tick, error) {
	clean := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			clean = append(clean, sym)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("no valid symbols for trade subscription")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	out := make(chan market.Tick, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.tradeCancel != nil {
		s.tradeCancel()
	}
	s.tradeCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runTradeLoop(subCtx, clean, out, opts)
	}()
	return out, nil
}

func (s *Source) runTradeLoop(ctx context.Context, symbols []string, out chan<- market.Tick, opts market.StreamOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsAggTradeEvent) {
			tick, ok := convertAggTradeEvent(event)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
			case out <- tick:
			default:
				logger.Warnf("[binance] aggTrade channel full, drop %s", tick.Symbol)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedAggTradeServe(symbols, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tradeCancel != nil {
		s.tradeCancel()
		s.tradeCancel = nil
	}
	return nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func convertAggTradeEvent(ev *futures.WsAggTradeEvent) (market.Tick, bool) {
	if ev == nil {
		return market.Tick{}, false
	}
	price := parseFloat(ev.Price)
	if price <= 0 {
		return market.Tick{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return market.Tick{}, false
	}
	return market.Tick{
		Symbol:    symbol,
		Price:     price,
		Quantity:  parseFloat(ev.Quantity),
		EventTime: ev.Time,
	}, true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

func (s *Source) recordSubscribeError(err error) {
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}
