// Package engine 驱动决策周期：并发生成快照与策略信号，串行完成聚合、冷却校验与开仓，
// 并把合约结果回灌给策略治理器。Engine 同时是控制面的实现。
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/1NF3RM0/MyBot/internal/broker"
	"github.com/1NF3RM0/MyBot/internal/coins"
	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/contract"
	"github.com/1NF3RM0/MyBot/internal/decision"
	"github.com/1NF3RM0/MyBot/internal/governor"
	"github.com/1NF3RM0/MyBot/internal/guard"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/metrics"
	"github.com/1NF3RM0/MyBot/internal/regime"
	"github.com/1NF3RM0/MyBot/internal/risk"
	"github.com/1NF3RM0/MyBot/internal/scheduler"
	"github.com/1NF3RM0/MyBot/internal/store"
	"github.com/1NF3RM0/MyBot/internal/strategy"
	"github.com/1NF3RM0/MyBot/internal/tuner"
)

var (
	ErrRunning    = errors.New("engine: already running")
	ErrNotRunning = errors.New("engine: not running")
)

// State 引擎运行状态。
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Status 是控制面的状态快照。
type Status struct {
	State         State      `json:"state"`
	Cycle         uint64     `json:"cycle"`
	OpenContracts int        `json:"open_contracts"`
	Balance       float64    `json:"balance"`
	Currency      string     `json:"currency"`
	Drawdown      float64    `json:"drawdown"`
	Band          tuner.Band `json:"band"`
	LastCycleAt   time.Time  `json:"last_cycle_at,omitempty"`
	DroppedEvents uint64     `json:"dropped_events"`
}

// StrategyMetrics 是单个策略的表现行。
type StrategyMetrics struct {
	ID         string  `json:"id"`
	Active     bool    `json:"active"`
	Confidence float64 `json:"confidence"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	WinRate    float64 `json:"win_rate"`
	PnL        float64 `json:"pnl"`
}

// MetricsView 汇总本进程开仓合约的表现，每个合约只计一次。
type MetricsView struct {
	TotalTrades int               `json:"total_trades"`
	Wins        int               `json:"wins"`
	Losses      int               `json:"losses"`
	WinRate     float64           `json:"win_rate"`
	TotalPnL    float64           `json:"total_pnl"`
	Drawdown    float64           `json:"drawdown"`
	MaxDrawdown float64           `json:"max_drawdown"`
	PeakEquity  float64           `json:"peak_equity"`
	Equity      float64           `json:"equity"`
	Strategies  []StrategyMetrics `json:"strategies"`
}

// Deps 是 Engine 的全部协作者，由 app 层组装。
type Deps struct {
	Config     *config.Config
	Symbols    coins.SymbolProvider
	Snapshots  SnapshotBuilder
	Classifier *regime.Classifier
	Governor   *governor.Governor
	Tuner      *tuner.Tuner
	Guard      *guard.Guard
	Sizer      *risk.Sizer
	Equity     *risk.EquityTracker
	Broker     broker.Brokerage
	Contracts  *contract.Manager
	Events     contract.EventSink
	Stats      store.StrategyStore
	Cache      *store.SnapshotCache
	Metrics    *metrics.Recorder

	EventBuffer int
}

type totals struct {
	trades int
	wins   int
	losses int
	pnl    float64
}

// Engine 是进程级上下文：持有治理器、调优器、冷却守卫、权益跟踪与合约管理器。
type Engine struct {
	cfg        *config.Config
	symbols    coins.SymbolProvider
	snapshots  SnapshotBuilder
	classifier *regime.Classifier
	gov        *governor.Governor
	tuner      *tuner.Tuner
	guard      *guard.Guard
	sizer      *risk.Sizer
	equity     *risk.EquityTracker
	broker     broker.Brokerage
	contracts  *contract.Manager
	events     contract.EventSink
	stats      store.StrategyStore
	cache      *store.SnapshotCache
	metrics    *metrics.Recorder
	agg        decision.Aggregator
	bus        *eventBus

	// accepting 在每次开仓前检查，Stop 时最先置为 false。
	accepting atomic.Bool
	cycle     atomic.Uint64

	pendingDefs atomic.Pointer[[]strategy.Definition]

	// cycleMu 在整个周期内持有；治理器的结果回灌只发生在周期之间。
	cycleMu        sync.Mutex
	outcomeMu      sync.Mutex
	pendingResults []governor.Outcome

	mu       sync.Mutex
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	balance  decimal.Decimal
	currency string
	lastAt   time.Time
	totals   totals

	now func() time.Time
}

// New 校验依赖并构造 Engine（不启动）。
func New(d Deps) (*Engine, error) {
	switch {
	case d.Config == nil:
		return nil, fmt.Errorf("engine requires config")
	case d.Symbols == nil:
		return nil, fmt.Errorf("engine requires symbol provider")
	case d.Snapshots == nil:
		return nil, fmt.Errorf("engine requires snapshot builder")
	case d.Governor == nil || d.Tuner == nil || d.Guard == nil:
		return nil, fmt.Errorf("engine requires governor, tuner and guard")
	case d.Broker == nil || d.Contracts == nil:
		return nil, fmt.Errorf("engine requires broker and contract manager")
	}
	if d.Classifier == nil {
		d.Classifier = regime.NewClassifier(d.Config.Regime)
	}
	if d.Sizer == nil {
		d.Sizer = risk.NewSizer(d.Config.Trading)
	}
	if d.Equity == nil {
		d.Equity = risk.NewEquityTracker(decimal.NewFromFloat(d.Config.Broker.InitialBalance))
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Cache == nil {
		d.Cache = store.NewSnapshotCache(0)
	}
	e := &Engine{
		cfg:        d.Config,
		symbols:    d.Symbols,
		snapshots:  d.Snapshots,
		classifier: d.Classifier,
		gov:        d.Governor,
		tuner:      d.Tuner,
		guard:      d.Guard,
		sizer:      d.Sizer,
		equity:     d.Equity,
		broker:     d.Broker,
		contracts:  d.Contracts,
		events:     d.Events,
		stats:      d.Stats,
		cache:      d.Cache,
		metrics:    d.Metrics,
		agg:        decision.NewAggregator(d.Config.Trading.MinAgreeing, d.Config.Trading.MinCombinedConfidence),
		balance:    decimal.NewFromFloat(d.Config.Broker.InitialBalance),
		currency:   d.Config.Broker.Currency,
		now:        time.Now,
	}
	e.bus = newEventBus(d.EventBuffer, e.metrics.EventDropped)
	e.publishConfidences()
	return e, nil
}

// SetClock 仅用于测试。
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Events 返回状态推送通道。
func (e *Engine) Events() <-chan Event { return e.bus.ch }

// Restore 恢复策略表现与活跃合约，启动前调用。
func (e *Engine) Restore(ctx context.Context) error {
	if e.stats != nil {
		rows, err := e.stats.LoadStats(ctx)
		if err != nil {
			return fmt.Errorf("load strategy stats: %w", err)
		}
		states := make([]governor.State, 0, len(rows))
		for _, row := range rows {
			st := governor.State{
				Confidence: row.Confidence,
				Active:     row.Active,
				ManualOff:  !row.Active,
				Trades:     row.Trades,
				Wins:       row.Wins,
				Losses:     row.Losses,
				PnL:        row.PnL,
			}
			if len(row.Payload) > 0 {
				if err := json.Unmarshal(row.Payload, &st); err != nil {
					logger.Warnf("[engine] 策略 %s 状态解析失败: %v", row.StrategyID, err)
					continue
				}
			}
			st.ID = row.StrategyID
			states = append(states, st)
		}
		if n := e.gov.Restore(states); n > 0 {
			logger.Infof("[engine] 恢复 %d 个策略的历史表现", n)
		}
		e.publishConfidences()
	}
	if _, err := e.contracts.Restore(ctx); err != nil {
		return fmt.Errorf("restore contracts: %w", err)
	}
	e.metrics.SetOpenContracts(len(e.contracts.Live()))
	return nil
}

// Run 处理合约结果直到 ctx 取消；退出时停止周期并持久化策略表现。
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
	outcomes := e.contracts.Outcomes()
	for {
		select {
		case <-ctx.Done():
			if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
				logger.Warnf("[engine] 停止失败: %v", err)
			}
			e.drainOutcomes()
			if err := e.persistStats(context.WithoutCancel(ctx)); err != nil {
				logger.Errorf("[engine] 持久化策略表现失败: %v", err)
			}
			return nil
		case o := <-outcomes:
			e.handleOutcome(ctx, o)
		}
	}
}

func (e *Engine) drainOutcomes() {
	ctx := context.Background()
	for {
		select {
		case o := <-e.contracts.Outcomes():
			e.handleOutcome(ctx, o)
		default:
			return
		}
	}
}

// Start 开始周期循环；已运行时返回 ErrRunning。ctx 只用于确定父上下文，
// 请求结束不会停止引擎。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}
	parent := e.baseCtx
	if parent == nil {
		parent = context.WithoutCancel(ctx)
	}
	cycleCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	e.running = true
	e.cancel = cancel
	e.done = done
	e.accepting.Store(true)

	ticker := scheduler.NewTicker("engine", e.cfg.Trading.LoopDelay(), true)
	go func() {
		defer close(done)
		runs := ticker.Run(cycleCtx, e.runCycle)
		logger.Infof("[engine] 周期循环退出 runs=%d", runs)
	}()
	logger.Infof("[engine] started loop_delay=%s parallelism=%d", e.cfg.Trading.LoopDelay(), e.cfg.Trading.Parallelism)
	e.publish(EventStatus, e.statusLocked(StateRunning))
	return nil
}

// Stop 优雅停止：先拒绝新提议，再取消周期并等待在途调用结束（最长 shutdown_timeout）。
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.accepting.Store(false)
	cancel, done := e.cancel, e.done
	e.running = false
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	cancel()
	timeout := e.cfg.App.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warnf("[engine] 等待周期结束超时 %s", timeout)
	}
	logger.Infof("[engine] stopped")
	e.flushOutcomes(context.Background())
	e.publish(EventStatus, e.Status())
	return e.persistStats(context.Background())
}

// EmergencyStop 停止周期并尝试卖出全部活跃合约。
func (e *Engine) EmergencyStop(ctx context.Context) ([]contract.SellReport, error) {
	if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		logger.Warnf("[engine] emergency stop: %v", err)
	}
	reports, err := e.contracts.EmergencyStop(ctx)
	if err != nil {
		return nil, err
	}
	sold := 0
	for _, r := range reports {
		if r.Sold {
			sold++
		}
	}
	logger.Warnf("[engine] 紧急平仓完成 sold=%d total=%d", sold, len(reports))
	e.publish(EventEmergencyStop, reports)
	return reports, nil
}

// Running 报告周期循环是否在运行。
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := StateStopped
	if e.running {
		state = StateRunning
	}
	return e.statusLocked(state)
}

func (e *Engine) statusLocked(state State) Status {
	bal, _ := e.balance.Float64()
	st := Status{
		State:         state,
		Cycle:         e.cycle.Load(),
		OpenContracts: len(e.contracts.Live()),
		Balance:       bal,
		Currency:      e.currency,
		Drawdown:      e.equity.Drawdown(),
		LastCycleAt:   e.lastAt,
		DroppedEvents: e.bus.Dropped(),
	}
	if p := e.tuner.Current(); p != nil {
		st.Band = p.Band
	}
	return st
}

func (e *Engine) Strategies() []governor.StrategyView {
	return e.gov.Views()
}

// ToggleStrategy 人工启停策略并立即持久化。
func (e *Engine) ToggleStrategy(id string) (governor.StrategyView, error) {
	view, err := e.gov.Toggle(id)
	if err != nil {
		return governor.StrategyView{}, err
	}
	if err := e.persistStats(context.Background()); err != nil {
		logger.Warnf("[engine] 持久化策略表现失败: %v", err)
	}
	e.publish(EventStrategy, view)
	return view, nil
}

// Contracts 返回活跃合约。
func (e *Engine) Contracts() []contract.Contract {
	return e.contracts.Live()
}

func (e *Engine) Metrics() MetricsView {
	e.mu.Lock()
	t := e.totals
	e.mu.Unlock()
	eq := e.equity.Snapshot()
	peak, _ := eq.Peak.Float64()
	cur, _ := eq.Current.Float64()
	v := MetricsView{
		TotalTrades: t.trades,
		Wins:        t.wins,
		Losses:      t.losses,
		TotalPnL:    t.pnl,
		Drawdown:    eq.Drawdown,
		MaxDrawdown: eq.MaxDrawdown,
		PeakEquity:  peak,
		Equity:      cur,
	}
	if decided := t.wins + t.losses; decided > 0 {
		v.WinRate = float64(t.wins) / float64(decided)
	}
	for _, sv := range e.gov.Views() {
		v.Strategies = append(v.Strategies, StrategyMetrics{
			ID:         sv.ID,
			Active:     sv.Active,
			Confidence: sv.Confidence,
			Trades:     sv.Trades,
			Wins:       sv.Wins,
			Losses:     sv.Losses,
			WinRate:    sv.WinRate,
			PnL:        sv.PnL,
		})
	}
	return v
}

// UpdateDefinitions 登记热加载的策略定义，在下一个周期开始时生效。
func (e *Engine) UpdateDefinitions(defs []strategy.Definition) {
	cp := append([]strategy.Definition(nil), defs...)
	e.pendingDefs.Store(&cp)
}

func (e *Engine) applyPendingDefinitions() {
	defs := e.pendingDefs.Swap(nil)
	if defs == nil {
		return
	}
	if err := e.gov.UpdateParams(*defs); err != nil {
		logger.Errorf("[engine] 策略定义更新失败，保留原参数: %v", err)
		return
	}
	logger.Infof("[engine] 已应用策略定义 count=%d", len(*defs))
	e.publishConfidences()
}

// ---------------------------------------------------------------- outcomes

// handleOutcome 只有本进程开仓（带关联键）的合约会回灌治理器，每个策略只计一次。
func (e *Engine) handleOutcome(ctx context.Context, o contract.Outcome) {
	e.metrics.ContractClosed(string(o.State), string(o.Result))
	e.metrics.SetOpenContracts(len(e.contracts.Live()))
	e.publish(EventContractClosed, o)
	if !o.Owned() {
		logger.Debugf("[engine] 外部合约 %s 结束，不计入策略表现", o.ContractID)
		return
	}
	e.mu.Lock()
	e.totals.trades++
	switch o.Result {
	case governor.Win:
		e.totals.wins++
	case governor.Loss:
		e.totals.losses++
	}
	e.totals.pnl += o.PnL
	e.mu.Unlock()

	seen := make(map[string]struct{}, len(o.StrategyIDs))
	e.outcomeMu.Lock()
	for _, id := range o.StrategyIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		e.pendingResults = append(e.pendingResults, governor.Outcome{StrategyID: id, Result: o.Result, PnL: o.PnL})
	}
	e.outcomeMu.Unlock()
	if !e.flushOutcomes(ctx) {
		logger.Debugf("[engine] 合约 %s 结果排队，下一周期开始时计入策略表现", o.ContractID)
	}
}

// flushOutcomes 没有周期在运行时立即回灌排队的结果；周期进行中返回 false。
func (e *Engine) flushOutcomes(ctx context.Context) bool {
	if !e.cycleMu.TryLock() {
		return false
	}
	defer e.cycleMu.Unlock()
	e.applyPendingOutcomes(ctx)
	return true
}

// applyPendingOutcomes 调用方需持有 cycleMu。
func (e *Engine) applyPendingOutcomes(ctx context.Context) {
	e.outcomeMu.Lock()
	pending := e.pendingResults
	e.pendingResults = nil
	e.outcomeMu.Unlock()
	if len(pending) == 0 {
		return
	}
	for _, o := range pending {
		view, err := e.gov.Record(o)
		if err != nil {
			logger.Warnf("[engine] 记录策略结果失败 strategy=%s: %v", o.StrategyID, err)
			continue
		}
		e.metrics.SetConfidence(o.StrategyID, view.Confidence)
	}
	if err := e.persistStats(ctx); err != nil {
		logger.Errorf("[engine] 持久化策略表现失败: %v", err)
	}
}

func (e *Engine) persistStats(ctx context.Context) error {
	if e.stats == nil {
		return nil
	}
	states := e.gov.Snapshot()
	now := e.now()
	rows := make([]store.StrategyStat, 0, len(states))
	for _, st := range states {
		payload, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode strategy %s: %w", st.ID, err)
		}
		rows = append(rows, store.StrategyStat{
			StrategyID: st.ID,
			Confidence: st.Confidence,
			Active:     st.Active,
			Trades:     st.Trades,
			Wins:       st.Wins,
			Losses:     st.Losses,
			PnL:        st.PnL,
			Payload:    payload,
			UpdatedAt:  now,
		})
	}
	return e.stats.SaveStats(ctx, rows)
}

func (e *Engine) publishConfidences() {
	for id, c := range e.gov.Confidences() {
		e.metrics.SetConfidence(id, c)
	}
}

func (e *Engine) publish(t EventType, data any) {
	e.bus.publish(Event{Type: t, Time: e.now(), Data: data})
}
