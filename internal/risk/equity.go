package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EquitySnapshot 是 EquityTracker 的只读视图。
type EquitySnapshot struct {
	Current     decimal.Decimal `json:"current"`
	Peak        decimal.Decimal `json:"peak"`
	Valley      decimal.Decimal `json:"valley"`
	Drawdown    float64         `json:"drawdown"`
	MaxDrawdown float64         `json:"max_drawdown"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EquityTracker 记录权益峰值，提供当前回撤（相对峰值的比例）。
type EquityTracker struct {
	mu          sync.RWMutex
	current     decimal.Decimal
	peak        decimal.Decimal
	valley      decimal.Decimal
	maxDrawdown float64
	updatedAt   time.Time
}

func NewEquityTracker(initial decimal.Decimal) *EquityTracker {
	return &EquityTracker{current: initial, peak: initial, valley: initial}
}

// Observe 更新当前权益并返回最新回撤。
func (t *EquityTracker) Observe(equity decimal.Decimal, at time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = equity
	t.updatedAt = at
	if equity.GreaterThan(t.peak) {
		t.peak = equity
	}
	if t.valley.IsZero() || equity.LessThan(t.valley) {
		t.valley = equity
	}
	dd := t.drawdownLocked()
	if dd > t.maxDrawdown {
		t.maxDrawdown = dd
	}
	return dd
}

func (t *EquityTracker) Drawdown() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.drawdownLocked()
}

func (t *EquityTracker) Snapshot() EquitySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return EquitySnapshot{
		Current:     t.current,
		Peak:        t.peak,
		Valley:      t.valley,
		Drawdown:    t.drawdownLocked(),
		MaxDrawdown: t.maxDrawdown,
		UpdatedAt:   t.updatedAt,
	}
}

func (t *EquityTracker) drawdownLocked() float64 {
	if !t.peak.IsPositive() || !t.current.LessThan(t.peak) {
		return 0
	}
	dd, _ := t.peak.Sub(t.current).Div(t.peak).Float64()
	return dd
}
