package contract

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/broker"
	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/decision"
	"github.com/1NF3RM0/MyBot/internal/governor"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/store"
	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
)

// SnapshotSource 提供监控所需的最新指标快照。
type SnapshotSource interface {
	Get(symbol, interval string) (indicator.Snapshot, bool)
}

// EventSink 接收交易事件日志。
type EventSink interface {
	Append(ctx context.Context, rec eventlog.Record) (int64, error)
}

// Options 是 Manager 的运行参数。
type Options struct {
	MaxAskPrice     decimal.Decimal
	MinPayout       decimal.Decimal
	MaxOpen         int
	SnapshotTF      string
	MonitorInterval time.Duration
	SyncEvery       int
	OutcomeBuffer   int
}

// OptionsFromConfig 从交易配置构造 Options。
func OptionsFromConfig(cfg config.TradingConfig, snapshotInterval string) Options {
	return Options{
		MaxAskPrice:     decimal.NewFromFloat(cfg.MaxAskPrice),
		MinPayout:       decimal.NewFromFloat(cfg.MinPayout),
		MaxOpen:         cfg.MaxOpenContracts,
		SnapshotTF:      snapshotInterval,
		MonitorInterval: cfg.MonitorInterval(),
		SyncEvery:       cfg.SyncEvery,
	}
}

type command struct {
	name  string
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// Manager 是合约生命周期的单线程 actor：所有状态迁移都在 runLoop 中串行执行，
// 同一合约不会被两个处理者同时迁移。
type Manager struct {
	broker broker.Brokerage
	store  store.ContractStore
	events EventSink
	snaps  SnapshotSource
	exits  *ExitRegistry
	opts   Options

	// live 只在 actor goroutine 中读写。
	live  map[string]*Contract
	polls int

	cmdCh    chan command
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool

	outcomes chan Outcome
	view     atomic.Pointer[[]Contract]
	now      func() time.Time
}

// NewManager 构造合约管理器（不启动 actor）；exits 为空时不启用任何出场规则。
func NewManager(b broker.Brokerage, st store.ContractStore, events EventSink, snaps SnapshotSource, exits *ExitRegistry, opts Options) *Manager {
	if opts.OutcomeBuffer <= 0 {
		opts.OutcomeBuffer = 256
	}
	if exits == nil {
		exits = NewExitRegistry()
	}
	m := &Manager{
		broker:   b,
		store:    st,
		events:   events,
		snaps:    snaps,
		exits:    exits,
		opts:     opts,
		live:     make(map[string]*Contract),
		cmdCh:    make(chan command, 64),
		stopCh:   make(chan struct{}),
		outcomes: make(chan Outcome, opts.OutcomeBuffer),
		now:      time.Now,
	}
	m.refreshView()
	return m
}

// SetClock 仅用于测试；需在 Start 之前调用。
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Outcomes 返回终态结果通道。
func (m *Manager) Outcomes() <-chan Outcome { return m.outcomes }

func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.runLoop()
}

func (m *Manager) runLoop() {
	defer m.wg.Done()
	logger.Infof("[contract] manager actor started")
	for {
		select {
		case cmd := <-m.cmdCh:
			m.handle(cmd)
		case <-m.stopCh:
			logger.Infof("[contract] manager actor stopping")
			return
		}
	}
}

func (m *Manager) handle(cmd command) {
	var err error
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[contract] panic handling %s: %v\n%s", cmd.name, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
		m.refreshView()
		if cmd.reply != nil {
			cmd.reply <- err
			close(cmd.reply)
		}
		if dur := time.Since(start); dur > 5*time.Second {
			logger.Warnf("[contract] slow command %s took %v", cmd.name, dur)
		}
	}()
	err = cmd.fn(cmd.ctx)
}

// do 把 fn 投递给 actor 并等待结果。
func (m *Manager) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !m.started.Load() {
		return fmt.Errorf("%w: not started", ErrStopped)
	}
	select {
	case <-m.stopCh:
		return ErrStopped
	default:
	}
	cmd := command{name: name, ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case m.cmdCh <- cmd:
	case <-m.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.stopCh:
		return ErrStopped
	}
}

// Live 返回活跃合约的只读副本（按买入时间排序）。
func (m *Manager) Live() []Contract {
	if v := m.view.Load(); v != nil {
		return *v
	}
	return nil
}

// OpenCount 返回本进程开仓的活跃合约数量。
func (m *Manager) OpenCount() int {
	n := 0
	for _, c := range m.Live() {
		if c.Owned() {
			n++
		}
	}
	return n
}

func (m *Manager) refreshView() {
	out := make([]Contract, 0, len(m.live))
	for _, c := range m.live {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PurchasedAt.Equal(out[j].PurchasedAt) {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].PurchasedAt.Before(out[j].PurchasedAt)
	})
	m.view.Store(&out)
}

// ---------------------------------------------------------------- entry

// Open 校验报价并买入：超过 ask 上限、payout 低于下限或持仓已满时直接拒绝且不重试。
func (m *Manager) Open(ctx context.Context, p decision.Proposal, q broker.Quote) (Contract, error) {
	var out Contract
	err := m.do(ctx, "open", func(ctx context.Context) error {
		c, err := m.open(ctx, p, q)
		out = c
		return err
	})
	return out, err
}

func (m *Manager) open(ctx context.Context, p decision.Proposal, q broker.Quote) (Contract, error) {
	c := Contract{
		Symbol:      strings.ToUpper(p.Symbol),
		Direction:   p.Direction,
		StrategyIDs: append([]string(nil), p.StrategyIDs...),
		Regime:      string(p.Regime),
		Confidence:  p.Confidence,
		State:       StateProposed,
		Stake:       q.Stake,
		BuyPrice:    q.AskPrice,
		Payout:      q.Payout,
		EntrySpot:   q.Spot,
	}
	if err := m.validate(q); err != nil {
		m.appendEvent(ctx, eventlog.Record{
			Type: eventlog.TypeRejected, Symbol: c.Symbol, Strategy: eventlog.JoinStrategies(c.StrategyIDs),
			Action: string(c.Direction), Price: decFloat(q.AskPrice), Payout: decFloat(q.Payout), Message: err.Error(),
		})
		logger.Infof("[contract] 拒绝 symbol=%s ask=%s payout=%s: %v", c.Symbol, q.AskPrice, q.Payout, err)
		return c, err
	}
	c.State = StateValidated

	bought, err := m.broker.Buy(ctx, q.ID)
	if err != nil {
		m.appendEvent(ctx, eventlog.Record{
			Type: eventlog.TypeFailed, Symbol: c.Symbol, Strategy: eventlog.JoinStrategies(c.StrategyIDs),
			Action: string(c.Direction), Price: decFloat(q.AskPrice), Payout: decFloat(q.Payout), Message: err.Error(),
		})
		logger.Warnf("[contract] 买入失败 symbol=%s: %v", c.Symbol, err)
		return c, fmt.Errorf("%w: %w", ErrBuyFailed, err)
	}
	c.State = StateBought
	c.ContractID = bought.ID
	c.CorrelationKey = uuid.NewString()
	if bought.BuyPrice.IsPositive() {
		c.BuyPrice = bought.BuyPrice
	}
	if bought.Payout.IsPositive() {
		c.Payout = bought.Payout
	}
	if bought.EntrySpot > 0 {
		c.EntrySpot = bought.EntrySpot
	}
	c.BidPrice = c.BuyPrice
	c.CurrentSpot = c.EntrySpot
	c.PurchasedAt = bought.PurchasedAt
	if c.PurchasedAt.IsZero() {
		c.PurchasedAt = m.now()
	}
	c.ExpiresAt = bought.ExpiresAt
	c.UpdatedAt = m.now()

	c.State = StateMonitoring
	m.live[c.ContractID] = &c
	m.persist(ctx, &c)
	m.appendEvent(ctx, eventlog.Record{
		Type: eventlog.TypeBuy, Symbol: c.Symbol, Strategy: eventlog.JoinStrategies(c.StrategyIDs),
		Action: string(c.Direction), Price: decFloat(c.BuyPrice), Payout: decFloat(c.Payout),
		CorrelationKey: c.CorrelationKey, Message: c.ContractID,
	})
	logger.Infof("[contract] 买入 %s symbol=%s dir=%s price=%s payout=%s strategies=%s",
		c.ContractID, c.Symbol, c.Direction, c.BuyPrice, c.Payout, strings.Join(c.StrategyIDs, ","))
	return c.clone(), nil
}

func (m *Manager) validate(q broker.Quote) error {
	if m.opts.MaxAskPrice.IsPositive() && q.AskPrice.GreaterThan(m.opts.MaxAskPrice) {
		return fmt.Errorf("%w: %s > %s", ErrAskAboveCeiling, q.AskPrice, m.opts.MaxAskPrice)
	}
	if q.Payout.LessThan(m.opts.MinPayout) {
		return fmt.Errorf("%w: %s < %s", ErrPayoutBelowFloor, q.Payout, m.opts.MinPayout)
	}
	if m.opts.MaxOpen > 0 && m.ownedLocked() >= m.opts.MaxOpen {
		return fmt.Errorf("%w: %d", ErrCapacity, m.opts.MaxOpen)
	}
	return nil
}

func (m *Manager) ownedLocked() int {
	n := 0
	for _, c := range m.live {
		if c.Owned() {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------- monitor

// Monitor 按 MonitorInterval 轮询，直到 ctx 取消。
func (m *Manager) Monitor(ctx context.Context) error {
	interval := m.opts.MonitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStopped) {
				logger.Warnf("[contract] poll 失败: %v", err)
			}
		}
	}
}

// Poll 对所有活跃合约执行一次状态检查与出场规则评估。
func (m *Manager) Poll(ctx context.Context) error {
	return m.do(ctx, "poll", m.poll)
}

func (m *Manager) poll(ctx context.Context) error {
	m.polls++
	if m.opts.SyncEvery > 0 && m.polls%m.opts.SyncEvery == 0 {
		if err := m.sync(ctx); err != nil {
			logger.Warnf("[contract] sync 失败: %v", err)
		}
	}
	if len(m.live) == 0 {
		return nil
	}
	positions, err := m.broker.OpenContracts(ctx)
	if err != nil {
		return fmt.Errorf("open contracts: %w", err)
	}
	byID := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		byID[p.ContractID] = p
	}
	for _, id := range m.sortedIDs() {
		c := m.live[id]
		pos, ok := byID[id]
		switch {
		case !ok:
			m.finish(ctx, c, StateError, governor.Unknown, 0, "unknown contract id")
		case pos.Closed:
			sell := decFloat(pos.SellPrice)
			pnl := decFloat(pos.SellPrice.Sub(c.BuyPrice))
			m.finish(ctx, c, StateExpired, resultOf(pnl), sell, "expired")
		default:
			m.monitorOne(ctx, c, pos)
		}
	}
	return nil
}

func (m *Manager) monitorOne(ctx context.Context, c *Contract, pos broker.Position) {
	changed := false
	if !pos.BidPrice.Equal(c.BidPrice) {
		c.BidPrice = pos.BidPrice
		changed = true
	}
	if pos.CurrentSpot > 0 {
		c.CurrentSpot = pos.CurrentSpot
	}
	if c.ExpiresAt.IsZero() && !pos.ExpiresAt.IsZero() {
		c.ExpiresAt = pos.ExpiresAt
		changed = true
	}
	pct := c.PnLPct()
	if pct > c.PeakPnLPct {
		c.PeakPnLPct = pct
		changed = true
	}
	if changed {
		c.UpdatedAt = m.now()
		m.persist(ctx, c)
	}
	if !c.Owned() || c.ResaleUnavailable {
		return
	}
	in := ExitInput{Contract: c.clone(), PnLPct: pct}
	if m.snaps != nil {
		in.Snapshot, in.HasSnapshot = m.snaps.Get(c.Symbol, m.opts.SnapshotTF)
	}
	ruleID, reason, hit := m.exits.Evaluate(in)
	if !hit {
		return
	}
	logger.Infof("[contract] 触发出场 %s symbol=%s rule=%s %s", c.ContractID, c.Symbol, ruleID, reason)
	res, err := m.broker.Sell(ctx, c.ContractID)
	switch {
	case err == nil:
		sold := decFloat(res.SoldFor)
		pnl := decFloat(res.SoldFor.Sub(c.BuyPrice))
		m.finish(ctx, c, StateEarlyExited, resultOf(pnl), sold, ruleID+": "+reason)
	case errors.Is(err, broker.ErrResaleUnavailable):
		c.ResaleUnavailable = true
		c.UpdatedAt = m.now()
		m.persist(ctx, c)
		logger.Warnf("[contract] %s 无法转售，持有至到期", c.ContractID)
	case errors.Is(err, broker.ErrUnknownContract):
		m.finish(ctx, c, StateError, governor.Unknown, 0, err.Error())
	default:
		logger.Warnf("[contract] 卖出 %s 失败，下次轮询重试: %v", c.ContractID, err)
	}
}

// finish 处理终态：移出活跃集合、持久化删除、发出 outcome、写平仓事件。
func (m *Manager) finish(ctx context.Context, c *Contract, state State, result governor.Result, sellPrice float64, reason string) {
	c.State = state
	delete(m.live, c.ContractID)
	if m.store != nil {
		if err := m.store.Delete(ctx, c.ContractID); err != nil {
			logger.Errorf("[contract] 删除持久化合约 %s 失败: %v", c.ContractID, err)
		}
	}
	pnl := 0.0
	if state != StateError {
		pnl = sellPrice - decFloat(c.BuyPrice)
	}
	out := Outcome{
		ContractID:     c.ContractID,
		CorrelationKey: c.CorrelationKey,
		Symbol:         c.Symbol,
		Direction:      c.Direction,
		StrategyIDs:    append([]string(nil), c.StrategyIDs...),
		State:          state,
		Result:         result,
		PnL:            pnl,
		BuyPrice:       decFloat(c.BuyPrice),
		Payout:         decFloat(c.Payout),
		SellPrice:      sellPrice,
		Reason:         reason,
		ClosedAt:       m.now(),
	}
	if state == StateError {
		logger.Errorf("[contract] %s symbol=%s 进入 error: %s", c.ContractID, c.Symbol, reason)
	} else {
		logger.Infof("[contract] %s symbol=%s %s result=%s pnl=%.2f", c.ContractID, c.Symbol, state, result, pnl)
	}
	m.appendEvent(ctx, eventlog.Record{
		Type: eventlog.TypeClose, Symbol: c.Symbol, Strategy: eventlog.JoinStrategies(c.StrategyIDs),
		Action: string(c.Direction), Price: out.BuyPrice, Payout: out.Payout, Outcome: string(result),
		PnL: pnl, CorrelationKey: c.CorrelationKey, Message: string(state) + ": " + reason,
	})
	select {
	case m.outcomes <- out:
	case <-m.stopCh:
		logger.Errorf("[contract] manager 已停止，丢弃 outcome %s", c.ContractID)
	}
}

func resultOf(pnl float64) governor.Result {
	if pnl > 0 {
		return governor.Win
	}
	return governor.Loss
}

// ---------------------------------------------------------------- sync / restore

// Sync 把账户上存在但不在活跃集合中的合约加入监控（无关联键，不归因）。
func (m *Manager) Sync(ctx context.Context) error {
	return m.do(ctx, "sync", m.sync)
}

func (m *Manager) sync(ctx context.Context) error {
	positions, err := m.broker.OpenContracts(ctx)
	if err != nil {
		return fmt.Errorf("open contracts: %w", err)
	}
	added := 0
	for _, p := range positions {
		if p.Closed {
			continue
		}
		if _, ok := m.live[p.ContractID]; ok {
			continue
		}
		c := &Contract{
			ContractID:  p.ContractID,
			Symbol:      strings.ToUpper(p.Symbol),
			Direction:   p.Direction,
			State:       StateMonitoring,
			BuyPrice:    p.BuyPrice,
			Payout:      p.Payout,
			BidPrice:    p.BidPrice,
			EntrySpot:   p.EntrySpot,
			CurrentSpot: p.CurrentSpot,
			PurchasedAt: p.PurchasedAt,
			ExpiresAt:   p.ExpiresAt,
			UpdatedAt:   m.now(),
		}
		m.live[c.ContractID] = c
		m.persist(ctx, c)
		added++
	}
	if added > 0 {
		logger.Infof("[contract] sync 发现 %d 个外部合约，仅监控", added)
	}
	return nil
}

// Restore 从存储加载活跃集合，合约直接进入 Monitoring，不重新校验、不重新买入。
func (m *Manager) Restore(ctx context.Context) (int, error) {
	n := 0
	err := m.do(ctx, "restore", func(ctx context.Context) error {
		if m.store == nil {
			return nil
		}
		recs, err := m.store.LoadLive(ctx)
		if err != nil {
			return fmt.Errorf("load live contracts: %w", err)
		}
		for _, rec := range recs {
			c := fromRecord(rec)
			m.live[c.ContractID] = &c
		}
		n = len(recs)
		return nil
	})
	if err == nil && n > 0 {
		logger.Infof("[contract] 恢复 %d 个活跃合约", n)
	}
	return n, err
}

// ---------------------------------------------------------------- stop

// EmergencyStop 并行尝试卖出全部活跃合约，每个只尝试一次。
func (m *Manager) EmergencyStop(ctx context.Context) ([]SellReport, error) {
	var reports []SellReport
	err := m.do(ctx, "emergency_stop", func(ctx context.Context) error {
		ids := m.sortedIDs()
		results := make([]SellReport, len(ids))
		sold := make([]decimal.Decimal, len(ids))
		errs := make([]error, len(ids))
		g, gctx := errgroup.WithContext(ctx)
		for i, id := range ids {
			i, c := i, m.live[id]
			results[i] = SellReport{ContractID: c.ContractID, Symbol: c.Symbol}
			if c.ResaleUnavailable {
				errs[i] = broker.ErrResaleUnavailable
				continue
			}
			g.Go(func() error {
				res, err := m.broker.Sell(broker.SingleAttempt(gctx), c.ContractID)
				if err != nil {
					errs[i] = err
					return nil
				}
				sold[i] = res.SoldFor
				return nil
			})
		}
		_ = g.Wait()
		for i, id := range ids {
			c := m.live[id]
			switch {
			case errs[i] == nil:
				results[i].Sold = true
				results[i].SoldFor = decFloat(sold[i])
				pnl := decFloat(sold[i].Sub(c.BuyPrice))
				m.finish(ctx, c, StateEarlyExited, resultOf(pnl), results[i].SoldFor, "emergency stop")
			case errors.Is(errs[i], broker.ErrUnknownContract):
				results[i].Error = errs[i].Error()
				m.finish(ctx, c, StateError, governor.Unknown, 0, errs[i].Error())
			default:
				results[i].Error = errs[i].Error()
				if errors.Is(errs[i], broker.ErrResaleUnavailable) && !c.ResaleUnavailable {
					c.ResaleUnavailable = true
					m.persist(ctx, c)
				}
			}
		}
		reports = results
		return nil
	})
	return reports, err
}

// Shutdown 持久化完整活跃集合并停止 actor。
func (m *Manager) Shutdown(ctx context.Context) error {
	var saveErr error
	if m.started.Load() {
		saveErr = m.do(ctx, "shutdown", func(ctx context.Context) error {
			if m.store == nil {
				return nil
			}
			recs := make([]store.ContractRecord, 0, len(m.live))
			for _, id := range m.sortedIDs() {
				recs = append(recs, toRecord(*m.live[id]))
			}
			if err := m.store.SaveLive(ctx, recs); err != nil {
				return fmt.Errorf("save live contracts: %w", err)
			}
			logger.Infof("[contract] 已持久化 %d 个活跃合约", len(recs))
			return nil
		})
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return saveErr
}

// ---------------------------------------------------------------- helpers

func (m *Manager) sortedIDs() []string {
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.live[ids[i]], m.live[ids[j]]
		if a.PurchasedAt.Equal(b.PurchasedAt) {
			return a.ContractID < b.ContractID
		}
		return a.PurchasedAt.Before(b.PurchasedAt)
	})
	return ids
}

func (m *Manager) persist(ctx context.Context, c *Contract) {
	if m.store == nil {
		return
	}
	if err := m.store.Upsert(ctx, toRecord(*c)); err != nil {
		logger.Errorf("[contract] 持久化 %s 失败: %v", c.ContractID, err)
	}
}

func (m *Manager) appendEvent(ctx context.Context, rec eventlog.Record) {
	if m.events == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	if _, err := m.events.Append(ctx, rec); err != nil {
		logger.Warnf("[contract] 写事件日志失败 type=%s symbol=%s: %v", rec.Type, rec.Symbol, err)
	}
}

func decFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
