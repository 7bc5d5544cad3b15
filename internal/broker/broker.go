// Package broker 定义券商抽象（报价、买入、卖出、持仓、余额）及其实现。
package broker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"github.com/1NF3RM0/MyBot/internal/strategy"
)

var (
	// ErrTransient 标记可重试的错误：超时、限流、断线。
	ErrTransient = errors.New("broker: transient failure")
	// ErrRejected 表示券商明确拒绝，不重试。
	ErrRejected          = errors.New("broker: rejected")
	ErrUnknownContract   = errors.New("broker: unknown contract")
	ErrResaleUnavailable = errors.New("broker: resale unavailable")
)

// IsTransient 判断错误是否值得重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Brokerage 是引擎依赖的券商接口。
type Brokerage interface {
	Propose(ctx context.Context, symbol string, direction strategy.Action, stake decimal.Decimal) (Quote, error)
	Buy(ctx context.Context, quoteID string) (Contract, error)
	Sell(ctx context.Context, contractID string) (SellResult, error)
	OpenContracts(ctx context.Context) ([]Position, error)
	Balance(ctx context.Context) (Balance, error)
}

// Quote 是尚未成交的报价。
type Quote struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Direction strategy.Action `json:"direction"`
	Stake     decimal.Decimal `json:"stake"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Payout    decimal.Decimal `json:"payout"`
	Spot      float64         `json:"spot"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Contract 是买入成功后的合约。
type Contract struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Direction   strategy.Action `json:"direction"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	Payout      decimal.Decimal `json:"payout"`
	EntrySpot   float64         `json:"entry_spot"`
	PurchasedAt time.Time       `json:"purchased_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Position 是账户上的合约视图，Closed 为 true 时 SellPrice 为结算金额。
type Position struct {
	ContractID  string          `json:"contract_id"`
	Symbol      string          `json:"symbol"`
	Direction   strategy.Action `json:"direction"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	BidPrice    decimal.Decimal `json:"bid_price"`
	Payout      decimal.Decimal `json:"payout"`
	EntrySpot   float64         `json:"entry_spot"`
	CurrentSpot float64         `json:"current_spot"`
	PurchasedAt time.Time       `json:"purchased_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Closed      bool            `json:"closed"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	ValidToSell bool            `json:"valid_to_sell"`
}

// PnL 以 bid（或结算价）减去买入价估算。
func (p Position) PnL() decimal.Decimal {
	if p.Closed {
		return p.SellPrice.Sub(p.BuyPrice)
	}
	return p.BidPrice.Sub(p.BuyPrice)
}

type SellResult struct {
	ContractID string          `json:"contract_id"`
	SoldFor    decimal.Decimal `json:"sold_for"`
	SoldAt     time.Time       `json:"sold_at"`
}

type Balance struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}
