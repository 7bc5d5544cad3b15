// Package guard 负责入场冷却、相似行情去重，以及每个周期每个标的只放行一笔。
package guard

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/regime"
)

var (
	ErrCooldown  = errors.New("guard: symbol in cooldown")
	ErrSimilar   = errors.New("guard: similar to recent entry")
	ErrSlotTaken = errors.New("guard: symbol already reserved this cycle")
)

// Entry 记录标的最近一次成交。
type Entry struct {
	Symbol      string
	LastTrade   time.Time
	Fingerprint []float64
}

// Guard 在引擎协程上串行使用，内部仍加锁以便控制面并发读取。
type Guard struct {
	tolerance float64
	ttl       time.Duration
	override  time.Duration

	mu       sync.Mutex
	cooldown time.Duration
	entries  map[string]Entry
	cycle    string
	slots    map[string]struct{}
}

func New(cfg config.GuardConfig) *Guard {
	return &Guard{
		tolerance: cfg.SimilarityTolerance,
		ttl:       cfg.SimilarityTTL(),
		override:  time.Duration(cfg.CooldownOverrideSeconds) * time.Second,
		entries:   make(map[string]Entry),
		slots:     make(map[string]struct{}),
	}
}

// SetCooldown 由参数调优器更新冷却时长；配置了 cooldown_override 时以覆盖值为准。
func (g *Guard) SetCooldown(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldown = d
}

// Cooldown 返回当前生效的冷却时长。
func (g *Guard) Cooldown() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownLocked()
}

func (g *Guard) cooldownLocked() time.Duration {
	if g.override > 0 {
		return g.override
	}
	return g.cooldown
}

// BeginCycle 开启新周期并清空占位表。
func (g *Guard) BeginCycle(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cycle = id
	g.slots = make(map[string]struct{})
}

// Admit 判断是否放行；放行后该标的在本周期内的唯一占位即被占用。
func (g *Guard) Admit(symbol string, fp []float64, now time.Time) error {
	sym := normalize(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.entries[sym]; ok {
		elapsed := now.Sub(entry.LastTrade)
		if cd := g.cooldownLocked(); cd > 0 && elapsed < cd {
			return fmt.Errorf("%w: %s 剩余 %.0fs", ErrCooldown, sym, (cd - elapsed).Seconds())
		}
		if g.ttl > 0 && elapsed < g.ttl && len(fp) > 0 && Distance(entry.Fingerprint, fp) <= g.tolerance {
			return fmt.Errorf("%w: %s", ErrSimilar, sym)
		}
	}
	if _, taken := g.slots[sym]; taken {
		return fmt.Errorf("%w: %s cycle=%s", ErrSlotTaken, sym, g.cycle)
	}
	g.slots[sym] = struct{}{}
	return nil
}

// Commit 在买入成功后记录冷却信息。
func (g *Guard) Commit(symbol string, fp []float64, now time.Time) {
	sym := normalize(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[sym] = Entry{Symbol: sym, LastTrade: now, Fingerprint: append([]float64(nil), fp...)}
}

// Prune 删除冷却与相似度窗口都已过期的记录，返回删除数量。
func (g *Guard) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	horizon := g.cooldownLocked()
	if g.ttl > horizon {
		horizon = g.ttl
	}
	removed := 0
	for sym, e := range g.entries {
		if now.Sub(e.LastTrade) >= horizon {
			delete(g.entries, sym)
			removed++
		}
	}
	return removed
}

// Entries 返回当前冷却记录的副本。
func (g *Guard) Entries() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Entry, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e)
	}
	return out
}

// Fingerprint 生成量化后的行情指纹：RSI/100、MACD 柱/收盘价、布林带宽、atr_pct、均线分离度、行情类型。
// 各分量都落在同一量级，便于用 L∞ 距离比较。缺失值记为 0。
func Fingerprint(s indicator.Snapshot, r regime.Regime, quantum float64) []float64 {
	px := s.Close()
	get := func(name string) float64 {
		v, _ := s.Value(name)
		return v
	}
	hist := 0.0
	if px != 0 {
		hist = get(indicator.MACDHist) / px
	}
	raw := []float64{
		get(indicator.RSI) / 100,
		hist,
		get(indicator.BBWidth),
		get(indicator.ATRPct),
		get(indicator.SMASep),
		regimeCode(r),
	}
	for i, v := range raw {
		raw[i] = quantize(v, quantum)
	}
	return raw
}

// Distance 计算两个指纹的 L∞ 距离；长度不一致视为完全不同。
func Distance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	maxDiff := 0.0
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff
}

func regimeCode(r regime.Regime) float64 {
	switch r {
	case regime.Trending:
		return 1
	case regime.Ranging:
		return 2
	case regime.Volatile:
		return 3
	}
	return 0
}

func quantize(v, quantum float64) float64 {
	if quantum <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return math.Round(v/quantum) * quantum
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
