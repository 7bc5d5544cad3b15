package coins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/1NF3RM0/MyBot/internal/market"

	"github.com/tidwall/gjson"
)

// SymbolProvider 标的来源接口
type SymbolProvider interface {
	List(ctx context.Context) ([]string, error)
	Name() string
}

// NormalizeSymbols 标准化标的列表：去重、转大写、补齐计价资产后缀。
func NormalizeSymbols(symbols []string, quote string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, errors.New("symbol list is empty")
	}
	quote = strings.ToUpper(strings.TrimSpace(quote))
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		s = strings.ReplaceAll(s, "/", "")
		if s == "" {
			continue
		}
		if quote != "" && !strings.HasSuffix(s, quote) {
			s += quote
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("symbol list is empty after normalization")
	}
	return out, nil
}

// StaticProvider 默认实现：配置中的静态列表
type StaticProvider struct {
	symbols []string
	quote   string
}

func NewStaticProvider(symbols []string, quote string) *StaticProvider {
	return &StaticProvider{symbols: symbols, quote: quote}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) List(_ context.Context) ([]string, error) {
	return NormalizeSymbols(p.symbols, p.quote)
}

// HTTPProvider 从自定义 API 拉取标的列表，Path 为 gjson 路径。
type HTTPProvider struct {
	URL    string
	Path   string
	Quote  string
	Client *http.Client
}

func NewHTTPProvider(url, path, quote string) *HTTPProvider {
	return &HTTPProvider{URL: url, Path: path, Quote: quote, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) List(ctx context.Context) ([]string, error) {
	if p.URL == "" {
		return nil, errors.New("symbol API URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching symbols: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return ParseSymbols(body, p.Path, p.Quote)
}

// ParseSymbols 支持顶层数组 ["BTCUSDT"] 或 gjson 路径指向的数组（如 "data.#.symbol"）。
func ParseSymbols(body []byte, path, quote string) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("parsing response: invalid json")
	}
	root := gjson.ParseBytes(body)
	var node gjson.Result
	if root.IsArray() {
		node = root
	} else {
		node = root.Get(strings.TrimSpace(path))
	}
	if !node.Exists() || !node.IsArray() {
		return nil, fmt.Errorf("parsing response: path %q is not an array", path)
	}
	var symbols []string
	node.ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String {
			symbols = append(symbols, value.String())
		}
		return true
	})
	return NormalizeSymbols(symbols, quote)
}

// SourceProvider 直接使用行情源的交易对列表，Limit>0 时截断。
type SourceProvider struct {
	Source market.Source
	Limit  int
}

func NewSourceProvider(src market.Source, limit int) *SourceProvider {
	return &SourceProvider{Source: src, Limit: limit}
}

func (p *SourceProvider) Name() string { return "source" }

func (p *SourceProvider) List(ctx context.Context) ([]string, error) {
	if p.Source == nil {
		return nil, errors.New("market source not configured")
	}
	symbols, err := p.Source.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	out, err := NormalizeSymbols(symbols, "")
	if err != nil {
		return nil, err
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}
