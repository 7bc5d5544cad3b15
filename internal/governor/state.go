package governor

import "github.com/1NF3RM0/MyBot/internal/logger"

// State 是单个策略可持久化的运行状态。
type State struct {
	ID             string   `json:"id"`
	Confidence     float64  `json:"confidence"`
	Active         bool     `json:"active"`
	ManualOff      bool     `json:"manual_off"`
	History        []Trade  `json:"history"`
	Recovery       []Result `json:"recovery"`
	RecoveryStreak int      `json:"recovery_streak"`
	Trades         int      `json:"trades"`
	Wins           int      `json:"wins"`
	Losses         int      `json:"losses"`
	PnL            float64  `json:"pnl"`
}

// Snapshot 导出全部策略状态（按 ID 排序）。
func (g *Governor) Snapshot() []State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.sortedIDsLocked()
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		e := g.entries[id]
		out = append(out, State{
			ID:             id,
			Confidence:     e.Confidence,
			Active:         e.Active,
			ManualOff:      e.ManualOff,
			History:        append([]Trade(nil), e.History...),
			Recovery:       append([]Result(nil), e.Recovery...),
			RecoveryStreak: e.RecoveryStreak,
			Trades:         e.Trades,
			Wins:           e.Wins,
			Losses:         e.Losses,
			PnL:            e.PnL,
		})
	}
	return out
}

// Restore 恢复持久化状态。配置中已不存在的策略被忽略，返回实际恢复的数量。
func (g *Governor) Restore(states []State) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	restored := 0
	for _, st := range states {
		e, ok := g.entries[st.ID]
		if !ok {
			logger.Warnf("[governor] 忽略未知策略的持久化状态 %s", st.ID)
			continue
		}
		e.Confidence = clamp01(st.Confidence)
		e.Active = st.Active
		e.ManualOff = st.ManualOff
		e.History = append([]Trade(nil), st.History...)
		if w := g.cfg.HistoryWindow; w > 0 && len(e.History) > w {
			e.History = e.History[len(e.History)-w:]
		}
		e.Recovery = append([]Result(nil), st.Recovery...)
		e.RecoveryStreak = st.RecoveryStreak
		e.Trades = st.Trades
		e.Wins = st.Wins
		e.Losses = st.Losses
		e.PnL = st.PnL
		restored++
	}
	return restored
}
