package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/contract"
	"github.com/1NF3RM0/MyBot/internal/decision"
	"github.com/1NF3RM0/MyBot/internal/guard"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/regime"
	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
	"github.com/1NF3RM0/MyBot/internal/strategy"
	"github.com/1NF3RM0/MyBot/internal/tuner"
)

// 提议结果，对应 proposals_total 的 outcome 标签。
const (
	outcomeBought   = "bought"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
	outcomeCooldown = "cooldown"
	outcomeSimilar  = "similar"
	outcomeSkipped  = "skipped"
)

type strategyFailure struct {
	StrategyID string
	Err        error
}

// evaluation 是单个标的在并行阶段的结果，每个 goroutine 只写自己的槽位。
type evaluation struct {
	Symbol    string
	Snapshot  indicator.Snapshot
	Condition regime.Condition
	Signals   []strategy.Signal
	Failures  []strategyFailure
	Skip      string
	Err       error
}

// CycleReport 汇总一个周期，作为 cycle 事件推送。
type CycleReport struct {
	Cycle     uint64         `json:"cycle"`
	ID        string         `json:"id"`
	Symbols   int            `json:"symbols"`
	Proposals int            `json:"proposals"`
	Outcomes  map[string]int `json:"outcomes"`
	Band      tuner.Band     `json:"band"`
	Duration  time.Duration  `json:"duration"`
}

// runCycle 执行一个完整周期：周期开始时取一次调优参数指针，整个周期共用。
func (e *Engine) runCycle(ctx context.Context) {
	started := time.Now()
	n := e.cycle.Add(1)
	cycleID := fmt.Sprintf("%d-%s", n, uuid.NewString()[:8])
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	e.applyPendingDefinitions()
	e.applyPendingOutcomes(ctx)

	params := e.tuner.Current()
	e.guard.SetCooldown(params.Cooldown)
	e.guard.BeginCycle(cycleID)
	if removed := e.guard.Prune(e.now()); removed > 0 {
		logger.Debugf("[engine] 清理过期冷却记录 %d", removed)
	}

	report := CycleReport{Cycle: n, ID: cycleID, Band: params.Band, Outcomes: map[string]int{}}
	symbols, err := e.symbols.List(ctx)
	if err != nil {
		logger.Errorf("[engine] cycle=%s 获取标的失败(%s): %v", cycleID, e.symbols.Name(), err)
		return
	}
	report.Symbols = len(symbols)

	e.refreshBalance(ctx)
	evals := e.evaluate(ctx, cycleID, symbols, params)
	if ctx.Err() == nil {
		e.decide(ctx, evals, params, &report)
	}

	if every := e.tuner.EveryCycles(); every > 0 && n%uint64(every) == 0 {
		snaps := make([]indicator.Snapshot, 0, len(evals))
		for _, ev := range evals {
			if ev.Err == nil {
				snaps = append(snaps, ev.Snapshot)
			}
		}
		avg, ok := indicator.AverageATRPct(snaps)
		e.tuner.Retune(tuner.Inputs{AvgATRPct: avg, HasATR: ok, Drawdown: e.equity.Drawdown()})
	}

	report.Duration = time.Since(started)
	e.mu.Lock()
	e.lastAt = e.now()
	e.mu.Unlock()
	e.metrics.CycleCompleted(report.Duration.Seconds())
	e.metrics.SetOpenContracts(len(e.contracts.Live()))
	e.publish(EventCycle, report)
	logger.Infof("[engine] cycle=%s symbols=%d proposals=%d outcomes=%v band=%s took=%s",
		cycleID, report.Symbols, report.Proposals, report.Outcomes, report.Band, report.Duration.Truncate(time.Millisecond))
}

// refreshBalance 刷新余额，并以 余额+活跃合约估值 作为权益观测回撤。
func (e *Engine) refreshBalance(ctx context.Context) {
	bal, err := e.broker.Balance(ctx)
	if err != nil {
		logger.Warnf("[engine] 获取余额失败，沿用上次余额: %v", err)
		return
	}
	equity := bal.Amount
	for _, c := range e.contracts.Live() {
		if c.Owned() {
			equity = equity.Add(c.BidPrice)
		}
	}
	dd := e.equity.Observe(equity, e.now())
	e.mu.Lock()
	e.balance = bal.Amount
	if bal.Currency != "" {
		e.currency = bal.Currency
	}
	e.mu.Unlock()
	b, _ := bal.Amount.Float64()
	e.metrics.SetEquity(b, dd)
}

// evaluate 并行为每个标的生成快照、分类行情并评估路由到的策略。
func (e *Engine) evaluate(ctx context.Context, cycleID string, symbols []string, params *tuner.Params) []evaluation {
	out := make([]evaluation, len(symbols))
	limit := e.cfg.Trading.Parallelism
	if limit <= 0 {
		limit = 1
	}
	tune := params.Tuning()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			out[i] = e.evaluateSymbol(gctx, cycleID, sym, tune)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) evaluateSymbol(ctx context.Context, cycleID, symbol string, tune strategy.Tuning) evaluation {
	ev := evaluation{Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
	snaps, err := e.snapshots.Build(ctx, ev.Symbol, cycleID)
	if err != nil {
		ev.Err = err
		return ev
	}
	if len(snaps.Degraded) > 0 {
		logger.Debugf("[engine] %s 快照降级 missing=%v", ev.Symbol, snaps.Degraded)
	}
	ev.Snapshot = snaps.Base
	e.cache.Put(snaps.Base)
	if snaps.Higher != nil {
		e.cache.Put(*snaps.Higher)
	}
	cond, ok := e.classifier.ClassifyMulti(snaps.Base, snaps.Higher)
	ev.Condition = cond
	if !ok {
		ev.Skip = fmt.Sprintf("regime %s 未获高周期确认", cond.Regime)
		return ev
	}
	for _, entry := range e.gov.Eligible(cond.Regime) {
		sig, err := strategy.SafeEvaluate(entry.Strategy, snaps.Base, tune)
		if err != nil {
			ev.Failures = append(ev.Failures, strategyFailure{StrategyID: entry.Strategy.ID(), Err: err})
			continue
		}
		sig.Symbol = ev.Symbol
		ev.Signals = append(ev.Signals, sig)
	}
	return ev
}

// decide 在引擎协程上串行执行：聚合、冷却校验、定价、开仓。
func (e *Engine) decide(ctx context.Context, evals []evaluation, params *tuner.Params, report *CycleReport) {
	sort.Slice(evals, func(i, j int) bool { return evals[i].Symbol < evals[j].Symbol })
	confidences := e.gov.Confidences()
	for _, ev := range evals {
		if ctx.Err() != nil {
			return
		}
		if ev.Err != nil {
			if errors.Is(ev.Err, indicator.ErrInsufficientHistory) {
				logger.Debugf("[engine] %s 历史不足，跳过: %v", ev.Symbol, ev.Err)
			} else {
				logger.Warnf("[engine] %s 快照失败: %v", ev.Symbol, ev.Err)
			}
			e.appendEvent(ctx, eventlog.Record{Type: eventlog.TypeSkip, Symbol: ev.Symbol, Message: ev.Err.Error()})
			continue
		}
		for _, f := range ev.Failures {
			logger.Warnf("[engine] 策略异常 symbol=%s strategy=%s: %v", ev.Symbol, f.StrategyID, f.Err)
			e.appendEvent(ctx, eventlog.Record{Type: eventlog.TypeStrategyError, Symbol: ev.Symbol, Strategy: f.StrategyID, Message: f.Err.Error()})
		}
		if ev.Skip != "" {
			logger.Debugf("[engine] %s skip: %s", ev.Symbol, ev.Skip)
			e.appendEvent(ctx, eventlog.Record{Type: eventlog.TypeSkip, Symbol: ev.Symbol, Message: ev.Skip})
			continue
		}
		prop, ok := e.agg.Aggregate(ev.Symbol, ev.Signals, confidences)
		if !ok {
			continue
		}
		prop.Regime = string(ev.Condition.Regime)
		prop.Fingerprint = guard.Fingerprint(ev.Snapshot, ev.Condition.Regime, e.cfg.Guard.Quantum)
		report.Proposals++
		e.appendEvent(ctx, eventlog.Record{
			Type:     eventlog.TypeDecision,
			Symbol:   prop.Symbol,
			Strategy: eventlog.JoinStrategies(prop.StrategyIDs),
			Action:   string(prop.Direction),
			Price:    ev.Snapshot.Close(),
			Message:  fmt.Sprintf("%s regime=%s", prop.Reason, prop.Regime),
		})
		outcome := e.propose(ctx, prop, params)
		report.Outcomes[outcome]++
		e.metrics.Proposal(outcome)
	}
}

// propose 处理单个提议，返回结果标签。Guard.Admit 是同一标的的串行化点。
func (e *Engine) propose(ctx context.Context, prop decision.Proposal, params *tuner.Params) string {
	if !e.accepting.Load() {
		e.skip(ctx, prop, "engine stopping")
		return outcomeSkipped
	}
	now := e.now()
	if err := e.guard.Admit(prop.Symbol, prop.Fingerprint, now); err != nil {
		e.skip(ctx, prop, err.Error())
		switch {
		case errors.Is(err, guard.ErrCooldown):
			return outcomeCooldown
		case errors.Is(err, guard.ErrSimilar):
			return outcomeSimilar
		}
		return outcomeSkipped
	}

	e.mu.Lock()
	balance := e.balance
	e.mu.Unlock()
	stake, err := e.sizer.Stake(balance, params.RiskFraction)
	if err != nil {
		e.skip(ctx, prop, fmt.Sprintf("stake: %v", err))
		return outcomeSkipped
	}

	quote, err := e.broker.Propose(ctx, prop.Symbol, prop.Direction, stake)
	if err != nil {
		logger.Warnf("[engine] 报价失败 symbol=%s dir=%s: %v", prop.Symbol, prop.Direction, err)
		e.appendEvent(ctx, eventlog.Record{
			Type:     eventlog.TypeFailed,
			Symbol:   prop.Symbol,
			Strategy: eventlog.JoinStrategies(prop.StrategyIDs),
			Action:   string(prop.Direction),
			Message:  "propose: " + err.Error(),
		})
		return outcomeFailed
	}
	ask, _ := quote.AskPrice.Float64()
	payout, _ := quote.Payout.Float64()
	e.appendEvent(ctx, eventlog.Record{
		Type:     eventlog.TypeProposal,
		Symbol:   prop.Symbol,
		Strategy: eventlog.JoinStrategies(prop.StrategyIDs),
		Action:   string(prop.Direction),
		Price:    ask,
		Payout:   payout,
		Message:  fmt.Sprintf("quote=%s stake=%s confidence=%.3f", quote.ID, stake.StringFixed(2), prop.Confidence),
	})
	e.publish(EventProposal, prop)

	if !e.accepting.Load() {
		e.skip(ctx, prop, "engine stopping")
		return outcomeSkipped
	}
	c, err := e.contracts.Open(ctx, prop, quote)
	if err != nil {
		switch {
		case errors.Is(err, contract.ErrAskAboveCeiling),
			errors.Is(err, contract.ErrPayoutBelowFloor),
			errors.Is(err, contract.ErrCapacity):
			logger.Infof("[engine] 提议被拒绝 symbol=%s: %v", prop.Symbol, err)
			return outcomeRejected
		default:
			logger.Warnf("[engine] 开仓失败 symbol=%s: %v", prop.Symbol, err)
			return outcomeFailed
		}
	}
	e.guard.Commit(prop.Symbol, prop.Fingerprint, now)
	e.mu.Lock()
	if e.balance.GreaterThanOrEqual(c.BuyPrice) {
		e.balance = e.balance.Sub(c.BuyPrice)
	} else {
		e.balance = decimal.Zero
	}
	e.mu.Unlock()
	e.publish(EventContractOpened, c)
	return outcomeBought
}

func (e *Engine) skip(ctx context.Context, prop decision.Proposal, reason string) {
	logger.Infof("[engine] skip symbol=%s dir=%s: %s", prop.Symbol, prop.Direction, reason)
	e.appendEvent(ctx, eventlog.Record{
		Type:     eventlog.TypeSkip,
		Symbol:   prop.Symbol,
		Strategy: eventlog.JoinStrategies(prop.StrategyIDs),
		Action:   string(prop.Direction),
		Message:  reason,
	})
}

func (e *Engine) appendEvent(ctx context.Context, rec eventlog.Record) {
	if e.events == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now()
	}
	if _, err := e.events.Append(ctx, rec); err != nil {
		logger.Warnf("[engine] 写事件日志失败 type=%s symbol=%s: %v", rec.Type, rec.Symbol, err)
	}
}
