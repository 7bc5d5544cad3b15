package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/store"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

const (
	quoteTTL         = 30 * time.Second
	settledRetention = time.Hour
	paperAccountID   = "paper"
	saveTimeout      = 5 * time.Second
)

// PriceFeed 提供最新现货价格。
type PriceFeed interface {
	LatestPrice(symbol string) (float64, bool)
}

// Paper 是进程内的模拟券商：二元期权式合约，到期按现价与入场价比较结算。
type Paper struct {
	mu        sync.Mutex
	cfg       config.BrokerConfig
	prices    PriceFeed
	balance   decimal.Decimal
	quotes    map[string]Quote
	contracts map[string]*paperContract
	store     store.PaperStore
	now       func() time.Time
}

type paperContract struct {
	Contract
	closed    bool
	sellPrice decimal.Decimal
	closedAt  time.Time
}

func NewPaper(cfg config.BrokerConfig, prices PriceFeed) *Paper {
	return &Paper{
		cfg:       cfg,
		prices:    prices,
		balance:   decFromFloat(cfg.InitialBalance),
		quotes:    make(map[string]Quote),
		contracts: make(map[string]*paperContract),
		now:       time.Now,
	}
}

// Attach 绑定账户存储：已有快照时用它覆盖初始余额与合约，之后每次变更都写回。
// 返回恢复的未结算合约数。
func (p *Paper) Attach(ctx context.Context, st store.PaperStore) (int, error) {
	if st == nil {
		return 0, nil
	}
	acct, err := st.LoadPaper(ctx, paperAccountID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = st
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.persistLocked()
		return 0, nil
	case err != nil:
		p.store = nil
		return 0, fmt.Errorf("load paper account: %w", err)
	}
	p.balance = acct.Balance
	p.contracts = make(map[string]*paperContract, len(acct.Contracts))
	open := 0
	for _, rec := range acct.Contracts {
		p.contracts[rec.ID] = &paperContract{
			Contract: Contract{
				ID:          rec.ID,
				Symbol:      rec.Symbol,
				Direction:   strategy.Action(rec.Direction),
				BuyPrice:    rec.BuyPrice,
				Payout:      rec.Payout,
				EntrySpot:   rec.EntrySpot,
				PurchasedAt: rec.PurchasedAt,
				ExpiresAt:   rec.ExpiresAt,
			},
			closed:    rec.Closed,
			sellPrice: rec.SellPrice,
			closedAt:  rec.ClosedAt,
		}
		if !rec.Closed {
			open++
		}
	}
	logger.Infof("[paper] 恢复账户 balance=%s contracts=%d open=%d", p.balance, len(p.contracts), open)
	return open, nil
}

func (p *Paper) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *Paper) Propose(_ context.Context, symbol string, direction strategy.Action, stake decimal.Decimal) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if direction != strategy.ActionCall && direction != strategy.ActionPut {
		return Quote{}, fmt.Errorf("%w: invalid direction %q", ErrRejected, direction)
	}
	if !stake.IsPositive() {
		return Quote{}, fmt.Errorf("%w: stake must be positive", ErrRejected)
	}
	spot, ok := p.prices.LatestPrice(symbol)
	if !ok || spot <= 0 {
		return Quote{}, fmt.Errorf("%w: no price for %s", ErrRejected, symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.pruneQuotesLocked(now)
	q := Quote{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Direction: direction,
		Stake:     stake,
		AskPrice:  stake.Mul(decimal.NewFromInt(1).Add(decFromFloat(p.cfg.Spread))).Round(2),
		Payout:    stake.Mul(decimal.NewFromInt(1).Add(decFromFloat(p.cfg.PayoutRatio))).Round(2),
		Spot:      spot,
		ExpiresAt: now.Add(quoteTTL),
	}
	p.quotes[q.ID] = q
	return q, nil
}

func (p *Paper) Buy(_ context.Context, quoteID string) (Contract, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	q, ok := p.quotes[quoteID]
	if !ok || now.After(q.ExpiresAt) {
		delete(p.quotes, quoteID)
		return Contract{}, fmt.Errorf("%w: quote %s expired or unknown", ErrRejected, quoteID)
	}
	if p.balance.LessThan(q.AskPrice) {
		return Contract{}, fmt.Errorf("%w: insufficient balance %s < %s", ErrRejected, p.balance, q.AskPrice)
	}
	delete(p.quotes, quoteID)
	p.balance = p.balance.Sub(q.AskPrice)
	c := Contract{
		ID:          "paper-" + uuid.NewString(),
		Symbol:      q.Symbol,
		Direction:   q.Direction,
		BuyPrice:    q.AskPrice,
		Payout:      q.Payout,
		EntrySpot:   q.Spot,
		PurchasedAt: now,
		ExpiresAt:   now.Add(p.cfg.Duration()),
	}
	p.contracts[c.ID] = &paperContract{Contract: c}
	p.persistLocked()
	logger.Debugf("[paper] buy %s %s %s ask=%s payout=%s", c.ID, c.Symbol, c.Direction, c.BuyPrice, c.Payout)
	return c, nil
}

func (p *Paper) Sell(_ context.Context, contractID string) (SellResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.settleLocked(now) {
		p.persistLocked()
	}
	c, ok := p.contracts[contractID]
	if !ok {
		return SellResult{}, fmt.Errorf("%w: %s", ErrUnknownContract, contractID)
	}
	if c.closed {
		return SellResult{}, fmt.Errorf("%w: contract %s already closed", ErrRejected, contractID)
	}
	if !p.resaleOpenLocked(c, now) {
		return SellResult{}, fmt.Errorf("%w: %s", ErrResaleUnavailable, contractID)
	}
	bid := p.bidLocked(c)
	c.closed = true
	c.sellPrice = bid
	c.closedAt = now
	p.balance = p.balance.Add(bid)
	p.persistLocked()
	return SellResult{ContractID: contractID, SoldFor: bid, SoldAt: now}, nil
}

func (p *Paper) OpenContracts(context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.settleLocked(now) {
		p.persistLocked()
	}
	out := make([]Position, 0, len(p.contracts))
	for _, c := range p.contracts {
		pos := Position{
			ContractID:  c.ID,
			Symbol:      c.Symbol,
			Direction:   c.Direction,
			BuyPrice:    c.BuyPrice,
			Payout:      c.Payout,
			EntrySpot:   c.EntrySpot,
			CurrentSpot: p.spotLocked(c),
			PurchasedAt: c.PurchasedAt,
			ExpiresAt:   c.ExpiresAt,
			Closed:      c.closed,
			SellPrice:   c.sellPrice,
		}
		if !c.closed {
			pos.BidPrice = p.bidLocked(c)
			pos.ValidToSell = p.resaleOpenLocked(c, now)
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.Before(out[j].PurchasedAt) })
	return out, nil
}

func (p *Paper) Balance(context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settleLocked(p.now()) {
		p.persistLocked()
	}
	return Balance{Amount: p.balance, Currency: p.cfg.Currency}, nil
}

// settleLocked 结算到期合约，并清理保留期之外的已结算记录；有变化时返回 true。
func (p *Paper) settleLocked(now time.Time) bool {
	changed := false
	for id, c := range p.contracts {
		if c.closed {
			if now.Sub(c.closedAt) > settledRetention {
				delete(p.contracts, id)
				changed = true
			}
			continue
		}
		if now.Before(c.ExpiresAt) {
			continue
		}
		spot := p.spotLocked(c)
		won := (c.Direction == strategy.ActionCall && spot > c.EntrySpot) ||
			(c.Direction == strategy.ActionPut && spot < c.EntrySpot)
		c.closed = true
		c.closedAt = now
		c.sellPrice = decimal.Zero
		if won {
			c.sellPrice = c.Payout
			p.balance = p.balance.Add(c.Payout)
		}
		changed = true
		logger.Debugf("[paper] settle %s %s won=%v", c.ID, c.Symbol, won)
	}
	return changed
}

// persistLocked 把账户快照写回存储；失败只记日志，内存状态仍然有效。
func (p *Paper) persistLocked() {
	if p.store == nil {
		return
	}
	acct := store.PaperAccount{
		AccountID: paperAccountID,
		Currency:  p.cfg.Currency,
		Balance:   p.balance,
		Contracts: make([]store.PaperContract, 0, len(p.contracts)),
		UpdatedAt: p.now(),
	}
	for _, c := range p.contracts {
		acct.Contracts = append(acct.Contracts, store.PaperContract{
			ID:          c.ID,
			Symbol:      c.Symbol,
			Direction:   string(c.Direction),
			BuyPrice:    c.BuyPrice,
			Payout:      c.Payout,
			EntrySpot:   c.EntrySpot,
			PurchasedAt: c.PurchasedAt,
			ExpiresAt:   c.ExpiresAt,
			Closed:      c.closed,
			SellPrice:   c.sellPrice,
			ClosedAt:    c.closedAt,
		})
	}
	sort.Slice(acct.Contracts, func(i, j int) bool { return acct.Contracts[i].ID < acct.Contracts[j].ID })
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := p.store.SavePaper(ctx, acct); err != nil {
		logger.Errorf("[paper] 保存账户失败: %v", err)
	}
}

func (p *Paper) pruneQuotesLocked(now time.Time) {
	for id, q := range p.quotes {
		if now.After(q.ExpiresAt) {
			delete(p.quotes, id)
		}
	}
}

func (p *Paper) resaleOpenLocked(c *paperContract, now time.Time) bool {
	return now.Before(c.ExpiresAt.Add(-p.cfg.ResaleLock()))
}

func (p *Paper) spotLocked(c *paperContract) float64 {
	if spot, ok := p.prices.LatestPrice(c.Symbol); ok && spot > 0 {
		return spot
	}
	return c.EntrySpot
}

// bidLocked 用现价相对入场价的偏移估算获胜概率，再扣除点差。
func (p *Paper) bidLocked(c *paperContract) decimal.Decimal {
	spot := p.spotLocked(c)
	move := 0.0
	if c.EntrySpot > 0 {
		move = (spot - c.EntrySpot) / c.EntrySpot
	}
	if c.Direction == strategy.ActionPut {
		move = -move
	}
	prob := 0.5 + 0.5*math.Tanh(move*100)
	bid := c.Payout.Mul(decFromFloat(prob)).Mul(decimal.NewFromInt(1).Sub(decFromFloat(p.cfg.Spread)))
	return bid.Round(2)
}

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}
