package model

import (
	"gorm.io/datatypes"
)

// LiveContractModel 对应 live_contracts 表。
type LiveContractModel struct {
	ContractID        string         `gorm:"column:contract_id;primaryKey"`
	CorrelationKey    string         `gorm:"column:correlation_key;index"`
	Symbol            string         `gorm:"column:symbol;index"`
	Direction         string         `gorm:"column:direction"`
	StrategyIDs       datatypes.JSON `gorm:"column:strategy_ids;type:TEXT"`
	Regime            string         `gorm:"column:regime"`
	Confidence        float64        `gorm:"column:confidence"`
	State             string         `gorm:"column:state"`
	Stake             string         `gorm:"column:stake"`
	BuyPrice          string         `gorm:"column:buy_price"`
	Payout            string         `gorm:"column:payout"`
	BidPrice          string         `gorm:"column:bid_price"`
	EntrySpot         float64        `gorm:"column:entry_spot"`
	PeakPnLPct        float64        `gorm:"column:peak_pnl_pct"`
	ResaleUnavailable bool           `gorm:"column:resale_unavailable"`
	PurchasedAtUnix   int64          `gorm:"column:purchased_at"`
	ExpiresAtUnix     int64          `gorm:"column:expires_at"`
	UpdatedAtUnix     int64          `gorm:"column:updated_at"`
}

func (LiveContractModel) TableName() string { return "live_contracts" }

// StrategyStatModel 对应 strategy_stats 表。
type StrategyStatModel struct {
	StrategyID    string         `gorm:"column:strategy_id;primaryKey"`
	Confidence    float64        `gorm:"column:confidence"`
	Active        bool           `gorm:"column:active"`
	Trades        int            `gorm:"column:trades"`
	Wins          int            `gorm:"column:wins"`
	Losses        int            `gorm:"column:losses"`
	PnL           float64        `gorm:"column:pnl"`
	StateJSON     datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (StrategyStatModel) TableName() string { return "strategy_stats" }

// PaperAccountModel 对应 paper_accounts 表，合约列表以 JSON 保存。
type PaperAccountModel struct {
	AccountID     string         `gorm:"column:account_id;primaryKey"`
	Currency      string         `gorm:"column:currency"`
	Balance       string         `gorm:"column:balance"`
	Contracts     datatypes.JSON `gorm:"column:contracts;type:TEXT"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (PaperAccountModel) TableName() string { return "paper_accounts" }
