package governor

import "github.com/1NF3RM0/MyBot/internal/strategy"

// StrategyView 是控制面展示的策略行。
type StrategyView struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       strategy.Kind  `json:"kind"`
	Active     bool           `json:"active"`
	ManualOff  bool           `json:"manual_off"`
	Confidence float64        `json:"confidence"`
	Weight     float64        `json:"weight"`
	Trades     int            `json:"trades"`
	Wins       int            `json:"wins"`
	Losses     int            `json:"losses"`
	WinRate    float64        `json:"win_rate"`
	PnL        float64        `json:"pnl"`
	Params     map[string]any `json:"params"`
}

func viewOf(e *Entry) StrategyView {
	v := StrategyView{
		ID:         e.Strategy.ID(),
		Name:       e.Strategy.Name(),
		Kind:       e.Strategy.Kind(),
		Active:     e.Active,
		ManualOff:  e.ManualOff,
		Confidence: e.Confidence,
		Weight:     e.Strategy.Weight(),
		Trades:     e.Trades,
		Wins:       e.Wins,
		Losses:     e.Losses,
		PnL:        e.PnL,
		Params:     e.Strategy.Params(),
	}
	if decided := e.Wins + e.Losses; decided > 0 {
		v.WinRate = float64(e.Wins) / float64(decided)
	}
	return v
}

// Views 返回全部策略（按 ID 排序）。
func (g *Governor) Views() []StrategyView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.sortedIDsLocked()
	out := make([]StrategyView, 0, len(ids))
	for _, id := range ids {
		out = append(out, viewOf(g.entries[id]))
	}
	return out
}

// View 返回单个策略。
func (g *Governor) View(id string) (StrategyView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	if !ok {
		return StrategyView{}, false
	}
	return viewOf(e), true
}
