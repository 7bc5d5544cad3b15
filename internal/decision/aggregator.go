// Package decision 把多个策略信号聚合成一次交易提议。
package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/1NF3RM0/MyBot/internal/strategy"
)

// Proposal 是一次待定价的交易提议。
type Proposal struct {
	Symbol      string
	Direction   strategy.Action
	Confidence  float64
	StrategyIDs []string
	Fingerprint []float64
	Regime      string
	Reason      string
}

// Breakdown 记录某个方向的投票情况，用于日志与事件留痕。
type Breakdown struct {
	Action     strategy.Action
	Strategies []string
	Combined   float64
	Qualified  bool
}

// Aggregator 多策略确认：同方向至少 MinAgreeing 个不同策略，且加权和达到 MinCombined。
type Aggregator struct {
	MinAgreeing int
	MinCombined float64
}

func NewAggregator(minAgreeing int, minCombined float64) Aggregator {
	if minAgreeing < 2 {
		minAgreeing = 2
	}
	return Aggregator{MinAgreeing: minAgreeing, MinCombined: minCombined}
}

// Aggregate 对 symbol 的信号投票。两个方向同时达标视为矛盾，不产生提议。
// 结果与输入顺序无关。
func (a Aggregator) Aggregate(symbol string, signals []strategy.Signal, confidences map[string]float64) (Proposal, bool) {
	breakdown := a.Votes(signals, confidences)
	var winner *Breakdown
	for i := range breakdown {
		b := &breakdown[i]
		if !b.Qualified {
			continue
		}
		if winner != nil {
			return Proposal{}, false
		}
		winner = b
	}
	if winner == nil {
		return Proposal{}, false
	}
	return Proposal{
		Symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
		Direction:   winner.Action,
		Confidence:  winner.Combined,
		StrategyIDs: winner.Strategies,
		Reason:      fmt.Sprintf("%s by %s combined=%.3f", winner.Action, strings.Join(winner.Strategies, ","), winner.Combined),
	}, true
}

// Votes 按方向统计，同一策略同一方向只计一票（取最大权重）。
func (a Aggregator) Votes(signals []strategy.Signal, confidences map[string]float64) []Breakdown {
	votes := map[strategy.Action]map[string]float64{}
	for _, sig := range signals {
		if sig.Action != strategy.ActionCall && sig.Action != strategy.ActionPut {
			continue
		}
		id := strings.TrimSpace(sig.StrategyID)
		if id == "" {
			continue
		}
		if votes[sig.Action] == nil {
			votes[sig.Action] = map[string]float64{}
		}
		w := sig.Strength * confidences[id]
		if prev, ok := votes[sig.Action][id]; !ok || w > prev {
			votes[sig.Action][id] = w
		}
	}
	actions := make([]string, 0, len(votes))
	for act := range votes {
		actions = append(actions, string(act))
	}
	sort.Strings(actions)
	out := make([]Breakdown, 0, len(actions))
	for _, act := range actions {
		byID := votes[strategy.Action(act)]
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		combined := 0.0
		for _, id := range ids {
			combined += byID[id]
		}
		out = append(out, Breakdown{
			Action:     strategy.Action(act),
			Strategies: ids,
			Combined:   combined,
			Qualified:  len(ids) >= a.MinAgreeing && combined >= a.MinCombined,
		})
	}
	return out
}
