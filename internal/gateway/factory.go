package gateway

import (
	"fmt"
	"strings"

	"github.com/1NF3RM0/MyBot/internal/coins"
	brcfg "github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/gateway/binance"
	"github.com/1NF3RM0/MyBot/internal/market"
)

// NewSourceFromConfig 按 market.source 构造行情源。
func NewSourceFromConfig(cfg *brcfg.Config) (market.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	m := cfg.Market
	switch strings.ToLower(strings.TrimSpace(m.Source)) {
	case "", "binance", "binance-futures":
		return binance.New(binance.Config{
			RESTBaseURL:  m.RESTBaseURL,
			HTTPTimeout:  m.HTTPTimeout(),
			QuoteAsset:   m.QuoteAsset,
			ProxyEnabled: m.Proxy.Enabled,
			RESTProxyURL: m.Proxy.RESTURL,
			WSProxyURL:   m.Proxy.WSURL,
		})
	case "static":
		return market.NewStaticSource(), nil
	default:
		return nil, fmt.Errorf("unsupported market source: %s", m.Source)
	}
}

// NewSymbolProvider 选择标的来源：显式列表优先，其次 HTTP 接口，最后回退到行情源自身。
func NewSymbolProvider(cfg brcfg.MarketConfig, src market.Source) coins.SymbolProvider {
	switch {
	case len(cfg.Symbols) > 0:
		return coins.NewStaticProvider(cfg.Symbols, cfg.QuoteAsset)
	case strings.TrimSpace(cfg.SymbolsAPI) != "":
		return coins.NewHTTPProvider(cfg.SymbolsAPI, cfg.SymbolsJSONPath, cfg.QuoteAsset)
	default:
		return coins.NewSourceProvider(src, cfg.MaxSymbols)
	}
}
