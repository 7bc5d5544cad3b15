// Package contract 管理合约生命周期：入场校验、买入、监控、提前平仓与重启恢复。
package contract

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/1NF3RM0/MyBot/internal/governor"
	"github.com/1NF3RM0/MyBot/internal/store"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

var (
	ErrAskAboveCeiling  = errors.New("contract: ask price above ceiling")
	ErrPayoutBelowFloor = errors.New("contract: payout below floor")
	ErrCapacity         = errors.New("contract: too many open contracts")
	ErrBuyFailed        = errors.New("contract: buy failed")
	ErrStopped          = errors.New("contract: manager stopped")
)

// State 合约状态机：Proposed → Validated → Bought → Monitoring → {EarlyExited | Expired | Error}。
type State string

const (
	StateProposed    State = "proposed"
	StateValidated   State = "validated"
	StateBought      State = "bought"
	StateMonitoring  State = "monitoring"
	StateEarlyExited State = "early_exited"
	StateExpired     State = "expired"
	StateError       State = "error"
)

func (s State) Terminal() bool {
	switch s {
	case StateEarlyExited, StateExpired, StateError:
		return true
	}
	return false
}

// Contract 是活跃集合中的合约。
type Contract struct {
	ContractID     string          `json:"contract_id"`
	CorrelationKey string          `json:"correlation_key,omitempty"`
	Symbol         string          `json:"symbol"`
	Direction      strategy.Action `json:"direction"`
	StrategyIDs    []string        `json:"strategy_ids,omitempty"`
	Regime         string          `json:"regime,omitempty"`
	Confidence     float64         `json:"confidence"`
	State          State           `json:"state"`
	Stake          decimal.Decimal `json:"stake"`
	BuyPrice       decimal.Decimal `json:"buy_price"`
	Payout         decimal.Decimal `json:"payout"`
	BidPrice       decimal.Decimal `json:"bid_price"`
	EntrySpot      float64         `json:"entry_spot"`
	CurrentSpot    float64         `json:"current_spot"`
	PeakPnLPct     float64         `json:"peak_pnl_pct"`
	// ResaleUnavailable 为 true 后不再尝试卖出，等待自然到期。
	ResaleUnavailable bool      `json:"resale_unavailable"`
	PurchasedAt       time.Time `json:"purchased_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Owned 表示由本进程开仓（有关联键），外部合约只监控状态。
func (c Contract) Owned() bool { return c.CorrelationKey != "" }

// PnL 以当前 bid 估算。
func (c Contract) PnL() decimal.Decimal { return c.BidPrice.Sub(c.BuyPrice) }

// PnLPct 返回百分比（5 表示 5%）。
func (c Contract) PnLPct() float64 { return pnlPct(c.BidPrice, c.BuyPrice) }

func pnlPct(value, cost decimal.Decimal) float64 {
	if !cost.IsPositive() {
		return 0
	}
	pct, _ := value.Sub(cost).Div(cost).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func (c Contract) clone() Contract {
	cp := c
	cp.StrategyIDs = append([]string(nil), c.StrategyIDs...)
	return cp
}

// Outcome 是终态合约的结果，每个终态都会产生一条（Error 对应 unknown）。
type Outcome struct {
	ContractID     string          `json:"contract_id"`
	CorrelationKey string          `json:"correlation_key,omitempty"`
	Symbol         string          `json:"symbol"`
	Direction      strategy.Action `json:"direction"`
	StrategyIDs    []string        `json:"strategy_ids,omitempty"`
	State          State           `json:"state"`
	Result         governor.Result `json:"result"`
	PnL            float64         `json:"pnl"`
	BuyPrice       float64         `json:"buy_price"`
	Payout         float64         `json:"payout"`
	SellPrice      float64         `json:"sell_price"`
	Reason         string          `json:"reason,omitempty"`
	ClosedAt       time.Time       `json:"closed_at"`
}

// Owned 与 Contract.Owned 一致。
func (o Outcome) Owned() bool { return o.CorrelationKey != "" }

// SellReport 是紧急平仓的单合约结果。
type SellReport struct {
	ContractID string  `json:"contract_id"`
	Symbol     string  `json:"symbol"`
	Sold       bool    `json:"sold"`
	SoldFor    float64 `json:"sold_for,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func toRecord(c Contract) store.ContractRecord {
	return store.ContractRecord{
		ContractID:        c.ContractID,
		CorrelationKey:    c.CorrelationKey,
		Symbol:            c.Symbol,
		Direction:         string(c.Direction),
		StrategyIDs:       append([]string(nil), c.StrategyIDs...),
		Regime:            c.Regime,
		Confidence:        c.Confidence,
		State:             string(c.State),
		Stake:             c.Stake,
		BuyPrice:          c.BuyPrice,
		Payout:            c.Payout,
		BidPrice:          c.BidPrice,
		EntrySpot:         c.EntrySpot,
		PeakPnLPct:        c.PeakPnLPct,
		ResaleUnavailable: c.ResaleUnavailable,
		PurchasedAt:       c.PurchasedAt,
		ExpiresAt:         c.ExpiresAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

// fromRecord 恢复的合约一律进入 Monitoring。
func fromRecord(r store.ContractRecord) Contract {
	return Contract{
		ContractID:        r.ContractID,
		CorrelationKey:    r.CorrelationKey,
		Symbol:            r.Symbol,
		Direction:         strategy.Action(r.Direction),
		StrategyIDs:       append([]string(nil), r.StrategyIDs...),
		Regime:            r.Regime,
		Confidence:        r.Confidence,
		State:             StateMonitoring,
		Stake:             r.Stake,
		BuyPrice:          r.BuyPrice,
		Payout:            r.Payout,
		BidPrice:          r.BidPrice,
		EntrySpot:         r.EntrySpot,
		PeakPnLPct:        r.PeakPnLPct,
		ResaleUnavailable: r.ResaleUnavailable,
		PurchasedAt:       r.PurchasedAt,
		ExpiresAt:         r.ExpiresAt,
		UpdatedAt:         r.UpdatedAt,
	}
}
