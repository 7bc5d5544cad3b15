package contract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

// ExitInput 是单次监控轮询中交给出场规则的输入。
type ExitInput struct {
	Contract    Contract
	PnLPct      float64
	Snapshot    indicator.Snapshot
	HasSnapshot bool
}

// ExitRule 判断是否提前平仓。
type ExitRule interface {
	// ID 唯一标识，写入事件日志。
	ID() string
	Evaluate(in ExitInput) (reason string, hit bool)
}

// ExitRegistry 按注册顺序评估规则，第一个命中的生效。
type ExitRegistry struct {
	mu    sync.RWMutex
	rules []ExitRule
}

func NewExitRegistry() *ExitRegistry {
	return &ExitRegistry{}
}

// Register 注册规则，ID 重复时替换原位置的规则。
func (r *ExitRegistry) Register(rule ExitRule) {
	if r == nil || rule == nil {
		return
	}
	id := strings.TrimSpace(rule.ID())
	if id == "" {
		panic("exit rule 注册失败: ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.rules {
		if existing.ID() == id {
			r.rules[i] = rule
			return
		}
	}
	r.rules = append(r.rules, rule)
}

func (r *ExitRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.ID())
	}
	return out
}

// Evaluate 返回第一个命中的规则。
func (r *ExitRegistry) Evaluate(in ExitInput) (ruleID, reason string, hit bool) {
	if r == nil {
		return "", "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if reason, ok := rule.Evaluate(in); ok {
			return rule.ID(), reason, true
		}
	}
	return "", "", false
}

// DefaultExitRules 注册 RSI 反向、止损、止盈、移动止损四条规则。
func DefaultExitRules(cfg config.TradingConfig) *ExitRegistry {
	reg := NewExitRegistry()
	reg.Register(RSIAgainstRule{Overbought: cfg.RSIOverbought, Oversold: cfg.RSIOversold})
	reg.Register(StopLossRule{Percent: cfg.StopLossPercent})
	reg.Register(TakeProfitRule{Percent: cfg.TakeProfitPercent})
	reg.Register(TrailingStopRule{Activation: cfg.TrailingActivationPercent, Trail: cfg.TrailingStopPercent})
	return reg
}

// RSIAgainstRule call 持仓遇到超买、put 持仓遇到超卖时离场。
type RSIAgainstRule struct {
	Overbought float64
	Oversold   float64
}

func (RSIAgainstRule) ID() string { return "rsi_against" }

func (r RSIAgainstRule) Evaluate(in ExitInput) (string, bool) {
	if !in.HasSnapshot {
		return "", false
	}
	rsi, ok := in.Snapshot.Value(indicator.RSI)
	if !ok {
		return "", false
	}
	switch in.Contract.Direction {
	case strategy.ActionCall:
		if r.Overbought > 0 && rsi > r.Overbought {
			return fmt.Sprintf("RSI %.2f 超买 (>%.0f)", rsi, r.Overbought), true
		}
	case strategy.ActionPut:
		if r.Oversold > 0 && rsi < r.Oversold {
			return fmt.Sprintf("RSI %.2f 超卖 (<%.0f)", rsi, r.Oversold), true
		}
	}
	return "", false
}

type StopLossRule struct {
	Percent float64
}

func (StopLossRule) ID() string { return "stop_loss" }

func (r StopLossRule) Evaluate(in ExitInput) (string, bool) {
	if r.Percent <= 0 || !in.Contract.BuyPrice.IsPositive() {
		return "", false
	}
	if in.PnLPct <= -r.Percent {
		return fmt.Sprintf("pnl %.2f%% <= -%.2f%%", in.PnLPct, r.Percent), true
	}
	return "", false
}

type TakeProfitRule struct {
	Percent float64
}

func (TakeProfitRule) ID() string { return "take_profit" }

func (r TakeProfitRule) Evaluate(in ExitInput) (string, bool) {
	if r.Percent <= 0 || !in.Contract.BuyPrice.IsPositive() {
		return "", false
	}
	if in.PnLPct >= r.Percent {
		return fmt.Sprintf("pnl %.2f%% >= %.2f%%", in.PnLPct, r.Percent), true
	}
	return "", false
}

// TrailingStopRule 峰值收益达到 Activation 后，从峰值回撤 Trail 个百分点即离场。
type TrailingStopRule struct {
	Activation float64
	Trail      float64
}

func (TrailingStopRule) ID() string { return "trailing_stop" }

func (r TrailingStopRule) Evaluate(in ExitInput) (string, bool) {
	if r.Trail <= 0 {
		return "", false
	}
	peak := in.Contract.PeakPnLPct
	if peak < r.Activation || peak <= 0 {
		return "", false
	}
	if peak-in.PnLPct >= r.Trail {
		return fmt.Sprintf("peak %.2f%% -> %.2f%%", peak, in.PnLPct), true
	}
	return "", false
}
