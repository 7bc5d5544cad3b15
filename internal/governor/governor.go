// Package governor 维护策略的滚动表现、置信度与启停状态，并按行情路由可用策略。
package governor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/regime"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

// ErrUnknownStrategy 表示策略 ID 不存在。
var ErrUnknownStrategy = errors.New("governor: unknown strategy")

// Result 合约结果。
type Result string

const (
	Win     Result = "win"
	Loss    Result = "loss"
	Unknown Result = "unknown"
)

// reward 是置信度 EMA 的观测值。
func (r Result) reward() float64 {
	switch r {
	case Win:
		return 1
	case Loss:
		return 0
	}
	return 0.5
}

// Outcome 是归属到某个策略的一次合约结果。
type Outcome struct {
	StrategyID string
	Result     Result
	PnL        float64
}

// Trade 是滚动历史中的一条记录。
type Trade struct {
	Result Result  `json:"result"`
	PnL    float64 `json:"pnl"`
}

// Entry 是 Governor 持有的单个策略状态。
type Entry struct {
	Strategy   strategy.Strategy
	Confidence float64
	Active     bool
	// ManualOff 为 true 表示人工关闭，不会自动恢复。
	ManualOff bool
	History   []Trade
	// Recovery 记录自动停用之后的结果，最多保留 reenable_window 条。
	Recovery       []Result
	RecoveryStreak int

	Trades int
	Wins   int
	Losses int
	PnL    float64
}

func (e *Entry) clone() Entry {
	cp := *e
	cp.History = append([]Trade(nil), e.History...)
	cp.Recovery = append([]Result(nil), e.Recovery...)
	return cp
}

// WinRate 返回滚动窗口内的胜率，unknown 结果不计入分母。
func (e *Entry) WinRate() float64 {
	wins, decided := e.tally()
	if decided == 0 {
		return 0
	}
	return float64(wins) / float64(decided)
}

// Decided 返回滚动窗口内有明确胜负的结果数。
func (e *Entry) Decided() int {
	_, decided := e.tally()
	return decided
}

func (e *Entry) tally() (wins, decided int) {
	for _, t := range e.History {
		switch t.Result {
		case Win:
			wins++
			decided++
		case Loss:
			decided++
		}
	}
	return wins, decided
}

func (e *Entry) windowPnL() float64 {
	sum := 0.0
	for _, t := range e.History {
		sum += t.PnL
	}
	return sum
}

// Governor 独占所有策略状态；写操作只由引擎协程发起，读操作加读锁。
type Governor struct {
	cfg     config.GovernorConfig
	routing map[regime.Regime]map[strategy.Kind]struct{}

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New 根据策略定义构造 Governor，初始置信度等于基础权重。
func New(cfg config.GovernorConfig, routing map[string][]string, defs []strategy.Definition) (*Governor, error) {
	g := &Governor{cfg: cfg, entries: make(map[string]*Entry, len(defs))}
	if err := g.setRouting(routing); err != nil {
		return nil, err
	}
	for _, def := range defs {
		s, err := strategy.New(def)
		if err != nil {
			return nil, err
		}
		if _, dup := g.entries[s.ID()]; dup {
			return nil, fmt.Errorf("duplicate strategy id %s", s.ID())
		}
		g.entries[s.ID()] = &Entry{
			Strategy:   s,
			Confidence: clamp01(s.Weight()),
			Active:     def.IsActive(),
			ManualOff:  !def.IsActive(),
		}
	}
	if len(g.entries) == 0 {
		return nil, fmt.Errorf("governor requires at least one strategy")
	}
	return g, nil
}

func (g *Governor) setRouting(routing map[string][]string) error {
	if len(routing) == 0 {
		routing = config.DefaultRouting()
	}
	out := make(map[regime.Regime]map[strategy.Kind]struct{}, len(routing))
	for name, kinds := range routing {
		r, err := regime.Parse(name)
		if err != nil {
			return err
		}
		set := make(map[strategy.Kind]struct{}, len(kinds))
		for _, raw := range kinds {
			k, err := strategy.ParseKind(raw)
			if err != nil {
				return fmt.Errorf("routing %s: %w", name, err)
			}
			set[k] = struct{}{}
		}
		out[r] = set
	}
	g.routing = out
	return nil
}

// Eligible 返回路由到该行情的启用策略（按 ID 排序）。
// 没有匹配时回退到置信度最高的启用策略；全部停用时返回空。
func (g *Governor) Eligible(r regime.Regime) []Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	routed := g.routing[r]
	var out []Entry
	var best *Entry
	for _, id := range g.sortedIDsLocked() {
		e := g.entries[id]
		if !e.Active {
			continue
		}
		if _, ok := routed[e.Strategy.Kind()]; ok {
			out = append(out, e.clone())
		}
		if best == nil || e.Confidence > best.Confidence {
			best = e
		}
	}
	if len(out) == 0 && best != nil && g.cfg.Fallback {
		logger.Debugf("[governor] regime=%s 无可用策略，回退到 %s", r, best.Strategy.ID())
		out = append(out, best.clone())
	}
	return out
}

// Confidences 返回所有策略当前置信度。
func (g *Governor) Confidences() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(g.entries))
	for id, e := range g.entries {
		out[id] = e.Confidence
	}
	return out
}

// Record 追加一次结果，更新置信度并执行停用/恢复规则。
func (g *Governor) Record(o Outcome) (StrategyView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[strings.TrimSpace(o.StrategyID)]
	if !ok {
		return StrategyView{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, o.StrategyID)
	}
	if o.Result != Win && o.Result != Loss {
		o.Result = Unknown
	}
	window := g.cfg.HistoryWindow
	if window <= 0 {
		window = 20
	}
	e.History = append(e.History, Trade{Result: o.Result, PnL: o.PnL})
	if len(e.History) > window {
		e.History = append([]Trade(nil), e.History[len(e.History)-window:]...)
	}
	e.Trades++
	e.PnL += o.PnL
	switch o.Result {
	case Win:
		e.Wins++
	case Loss:
		e.Losses++
	}
	alpha := g.cfg.Smoothing
	e.Confidence = clamp01(alpha*o.Result.reward() + (1-alpha)*e.Confidence)

	if e.Active {
		g.maybeDisableLocked(e)
	} else if !e.ManualOff {
		g.maybeReenableLocked(e, o.Result)
	}
	return viewOf(e), nil
}

func (g *Governor) maybeDisableLocked(e *Entry) {
	// 只看有胜负的结果；unknown 不会让策略被停用。
	if e.Decided() < g.cfg.MinTrades {
		return
	}
	winRate := e.WinRate()
	pnl := e.windowPnL()
	if winRate >= g.cfg.DisableWinRate && pnl >= g.cfg.DisablePnLFloor {
		return
	}
	e.Active = false
	e.Recovery = nil
	e.RecoveryStreak = 0
	logger.Warnf("[governor] 停用策略 %s win_rate=%.2f pnl=%.2f confidence=%.2f", e.Strategy.ID(), winRate, pnl, e.Confidence)
}

func (g *Governor) maybeReenableLocked(e *Entry, r Result) {
	switch r {
	case Win:
		e.RecoveryStreak++
	case Loss:
		e.RecoveryStreak = 0
	}
	window := g.cfg.ReenableWindow
	if window <= 0 {
		window = 3
	}
	e.Recovery = append(e.Recovery, r)
	if len(e.Recovery) > window {
		e.Recovery = append([]Result(nil), e.Recovery[len(e.Recovery)-window:]...)
	}
	if len(e.Recovery) < window {
		return
	}
	wins := 0
	for _, res := range e.Recovery {
		if res == Win {
			wins++
		}
	}
	if float64(wins)/float64(window) < g.cfg.ReenableWinRate {
		return
	}
	e.Active = true
	if e.Confidence < g.cfg.ReenableConfidence {
		e.Confidence = clamp01(g.cfg.ReenableConfidence)
	}
	e.Recovery = nil
	e.RecoveryStreak = 0
	logger.Infof("[governor] 恢复策略 %s confidence=%.2f", e.Strategy.ID(), e.Confidence)
}

// Toggle 人工切换启用状态。人工关闭的策略不会被自动恢复。
func (g *Governor) Toggle(id string) (StrategyView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[strings.TrimSpace(id)]
	if !ok {
		return StrategyView{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	e.Active = !e.Active
	e.ManualOff = !e.Active
	e.Recovery = nil
	e.RecoveryStreak = 0
	logger.Infof("[governor] 人工切换策略 %s active=%v", e.Strategy.ID(), e.Active)
	return viewOf(e), nil
}

// UpdateParams 应用热加载的策略定义：已有策略替换参数并保留置信度与历史，
// 新策略加入，文件中删除的策略移除。任一定义无效时整体不生效。
func (g *Governor) UpdateParams(defs []strategy.Definition) error {
	built := make(map[string]strategy.Strategy, len(defs))
	active := make(map[string]bool, len(defs))
	for _, def := range defs {
		s, err := strategy.New(def)
		if err != nil {
			return err
		}
		built[s.ID()] = s
		active[s.ID()] = def.IsActive()
	}
	if len(built) == 0 {
		return fmt.Errorf("governor requires at least one strategy")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.entries {
		if _, ok := built[id]; !ok {
			logger.Warnf("[governor] 策略 %s 已从配置移除", id)
			delete(g.entries, id)
		}
	}
	for id, s := range built {
		if e, ok := g.entries[id]; ok {
			e.Strategy = s
			continue
		}
		g.entries[id] = &Entry{Strategy: s, Confidence: clamp01(s.Weight()), Active: active[id], ManualOff: !active[id]}
		logger.Infof("[governor] 新增策略 %s kind=%s", id, s.Kind())
	}
	return nil
}

// Entry 返回单个策略状态副本。
func (g *Governor) Entry(id string) (Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (g *Governor) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.entries))
	for id := range g.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
