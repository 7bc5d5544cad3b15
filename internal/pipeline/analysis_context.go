package pipeline

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/market"
)

// AnalysisContext 表示某个 symbol 在一次 Pipeline 执行过程中的上下文。
type AnalysisContext struct {
	Symbol    string
	CycleID   string
	StartedAt time.Time

	mu        sync.RWMutex
	intervals map[string][]market.Candle
	values    map[string]map[string]float64
	warnings  []string
	degraded  map[Role]struct{}
}

// NewContext 初始化上下文。
func NewContext(symbol, cycleID string) *AnalysisContext {
	return &AnalysisContext{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		CycleID:   cycleID,
		StartedAt: time.Now(),
		intervals: make(map[string][]market.Candle),
		values:    make(map[string]map[string]float64),
		degraded:  make(map[Role]struct{}),
	}
}

func normalizeInterval(interval string) string {
	return strings.ToLower(strings.TrimSpace(interval))
}

// SetCandles 保存一个周期的 K 线。
func (ac *AnalysisContext) SetCandles(interval string, candles []market.Candle) {
	iv := normalizeInterval(interval)
	if iv == "" {
		return
	}
	dst := make([]market.Candle, len(candles))
	copy(dst, candles)
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.intervals[iv] = dst
}

// Candles 读取一个周期的 K 线副本。
func (ac *AnalysisContext) Candles(interval string) []market.Candle {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	data := ac.intervals[normalizeInterval(interval)]
	if len(data) == 0 {
		return nil
	}
	out := make([]market.Candle, len(data))
	copy(out, data)
	return out
}

// Intervals 返回已有的周期列表。
func (ac *AnalysisContext) Intervals() []string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make([]string, 0, len(ac.intervals))
	for k := range ac.intervals {
		out = append(out, k)
	}
	return out
}

// MergeValues 合并某个周期的指标值。各中间件写入的键互不重叠。
func (ac *AnalysisContext) MergeValues(interval string, values map[string]float64) {
	iv := normalizeInterval(interval)
	if iv == "" || len(values) == 0 {
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	dst := ac.values[iv]
	if dst == nil {
		dst = make(map[string]float64, len(values))
		ac.values[iv] = dst
	}
	for k, v := range values {
		dst[k] = v
	}
}

// Values 返回某个周期指标值的副本。
func (ac *AnalysisContext) Values(interval string) map[string]float64 {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	src := ac.values[normalizeInterval(interval)]
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Snapshot 把某个周期的 K 线与指标组装成只读快照；该周期没有任何指标时 ok=false。
func (ac *AnalysisContext) Snapshot(interval string) (indicator.Snapshot, bool) {
	values := ac.Values(interval)
	if len(values) == 0 {
		return indicator.Snapshot{}, false
	}
	return indicator.NewSnapshot(ac.Symbol, normalizeInterval(interval), ac.Candles(interval), values), true
}

// AddWarning 记录警告。
func (ac *AnalysisContext) AddWarning(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.warnings = append(ac.warnings, msg)
}

// Warnings 获取告警列表。
func (ac *AnalysisContext) Warnings() []string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make([]string, len(ac.warnings))
	copy(out, ac.warnings)
	return out
}

func (ac *AnalysisContext) markDegraded(role Role) {
	if role == "" {
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.degraded[role] = struct{}{}
}

// Degraded 返回本次执行中失败的可选部分，按名称排序。
func (ac *AnalysisContext) Degraded() []Role {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make([]Role, 0, len(ac.degraded))
	for r := range ac.degraded {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
