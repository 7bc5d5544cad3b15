package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	brcfg "github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/governor"
)

type StartupSummary struct {
	Market     MarketSummary
	Trading    TradingSummary
	Strategies []governor.StrategyView
	HTTPAddr   string

	out io.Writer
}

type MarketSummary struct {
	Source         string
	SymbolSource   string
	Symbols        []string
	Interval       string
	HigherInterval string
	Window         int
}

type TradingSummary struct {
	LoopDelay      string
	Parallelism    int
	MinAgreeing    int
	MinCombined    float64
	MaxOpen        int
	Stake          string
	InitialBalance string
}

func newStartupSummary(cfg *brcfg.Config, symbolSource string, symbols []string, views []governor.StrategyView) *StartupSummary {
	s := &StartupSummary{
		Market: MarketSummary{
			Source:         cfg.Market.Source,
			SymbolSource:   symbolSource,
			Symbols:        symbols,
			Interval:       cfg.Market.Interval,
			HigherInterval: cfg.Market.HigherInterval,
			Window:         cfg.Market.Window,
		},
		Trading: TradingSummary{
			LoopDelay:      cfg.Trading.LoopDelay().String(),
			Parallelism:    cfg.Trading.Parallelism,
			MinAgreeing:    cfg.Trading.MinAgreeing,
			MinCombined:    cfg.Trading.MinCombinedConfidence,
			MaxOpen:        cfg.Trading.MaxOpenContracts,
			Stake:          fmt.Sprintf("%.2f ~ %.2f", cfg.Trading.MinStake, cfg.Trading.MaxStake),
			InitialBalance: fmt.Sprintf("%.2f %s", cfg.Broker.InitialBalance, cfg.Broker.Currency),
		},
		Strategies: views,
	}
	if cfg.HTTP.Enabled {
		s.HTTPAddr = cfg.HTTP.Addr
	}
	return s
}

func (s *StartupSummary) Print() {
	w := s.out
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[行情 (MARKET)]")
	fmt.Fprintf(w, "  行情源: %s\n", s.Market.Source)
	fmt.Fprintf(w, "  标的来源: %s\n", s.Market.SymbolSource)
	fmt.Fprintf(w, "  监控币种: %s\n", formatList(s.Market.Symbols))
	fmt.Fprintf(w, "  周期: %s / 高周期: %s\n", s.Market.Interval, orDash(s.Market.HigherInterval))
	fmt.Fprintf(w, "  窗口长度: %d\n", s.Market.Window)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[交易 (TRADING)]")
	fmt.Fprintf(w, "  循环间隔: %s  并发: %d\n", s.Trading.LoopDelay, s.Trading.Parallelism)
	fmt.Fprintf(w, "  最少同向策略: %d  最低合并置信度: %.2f\n", s.Trading.MinAgreeing, s.Trading.MinCombined)
	fmt.Fprintf(w, "  最大持仓: %d  下注范围: %s\n", s.Trading.MaxOpen, s.Trading.Stake)
	fmt.Fprintf(w, "  初始余额: %s\n", s.Trading.InitialBalance)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[策略 (STRATEGIES)]")
	if len(s.Strategies) == 0 {
		fmt.Fprintln(w, "  (无)")
	}
	for _, v := range s.Strategies {
		state := "on"
		if !v.Active {
			state = "off"
		}
		fmt.Fprintf(w, "  > %-20s kind=%-20s confidence=%.2f %s\n", v.ID, v.Kind, v.Confidence, state)
	}
	if s.HTTPAddr != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "[HTTP] %s\n", s.HTTPAddr)
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
