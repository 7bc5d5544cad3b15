package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("store: not found")

// ContractRecord 是活跃合约集合中的一条持久化记录。
// CorrelationKey 为空表示账户同步发现的外部合约，只监控不归因。
type ContractRecord struct {
	ContractID        string
	CorrelationKey    string
	Symbol            string
	Direction         string
	StrategyIDs       []string
	Regime            string
	Confidence        float64
	State             string
	Stake             decimal.Decimal
	BuyPrice          decimal.Decimal
	Payout            decimal.Decimal
	BidPrice          decimal.Decimal
	EntrySpot         float64
	PeakPnLPct        float64
	ResaleUnavailable bool
	PurchasedAt       time.Time
	ExpiresAt         time.Time
	UpdatedAt         time.Time
}

// ContractStore 持久化活跃合约集合。
type ContractStore interface {
	LoadLive(ctx context.Context) ([]ContractRecord, error)
	// SaveLive 以事务整体覆盖活跃集合。
	SaveLive(ctx context.Context, recs []ContractRecord) error
	Upsert(ctx context.Context, rec ContractRecord) error
	Delete(ctx context.Context, contractID string) error
}

// StrategyStat 是单个策略的累计表现；Payload 保存完整的运行状态 JSON。
type StrategyStat struct {
	StrategyID string
	Confidence float64
	Active     bool
	Trades     int
	Wins       int
	Losses     int
	PnL        float64
	Payload    []byte
	UpdatedAt  time.Time
}

// StrategyStore 持久化策略表现。
type StrategyStore interface {
	LoadStats(ctx context.Context) ([]StrategyStat, error)
	SaveStats(ctx context.Context, stats []StrategyStat) error
}

// PaperAccount 是模拟券商账户的完整快照（余额与合约，含保留期内已结算的）。
type PaperAccount struct {
	AccountID string
	Currency  string
	Balance   decimal.Decimal
	Contracts []PaperContract
	UpdatedAt time.Time
}

type PaperContract struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Direction   string          `json:"direction"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	Payout      decimal.Decimal `json:"payout"`
	EntrySpot   float64         `json:"entry_spot"`
	PurchasedAt time.Time       `json:"purchased_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Closed      bool            `json:"closed"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	ClosedAt    time.Time       `json:"closed_at,omitempty"`
}

// PaperStore 持久化模拟券商账户，使重启后合约仍能被查询与卖出。
type PaperStore interface {
	// LoadPaper 在账户不存在时返回 ErrNotFound。
	LoadPaper(ctx context.Context, accountID string) (PaperAccount, error)
	SavePaper(ctx context.Context, acct PaperAccount) error
}
