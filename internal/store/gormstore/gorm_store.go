package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/1NF3RM0/MyBot/internal/store"
	storemodel "github.com/1NF3RM0/MyBot/internal/store/model"
)

type liveContractModel = storemodel.LiveContractModel
type strategyStatModel = storemodel.StrategyStatModel
type paperAccountModel = storemodel.PaperAccountModel

// GormStore 基于 Gorm + SQLite 保存活跃合约集合与策略表现。
type GormStore struct {
	db *gorm.DB
}

var (
	_ store.ContractStore = (*GormStore)(nil)
	_ store.StrategyStore = (*GormStore)(nil)
	_ store.PaperStore    = (*GormStore)(nil)
)

// NewGormStore 打开（必要时创建）数据库并迁移表结构。
// path 以 "file:" 开头时按 DSN 原样使用（测试用内存库）。
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&liveContractModel{}, &strategyStatModel{}, &paperAccountModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

// --------------------- live contracts -------------------------

func (s *GormStore) LoadLive(ctx context.Context) ([]store.ContractRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []liveContractModel
	if err := s.db.WithContext(ctx).Order("purchased_at ASC, contract_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.ContractRecord, 0, len(models))
	for _, m := range models {
		rec, err := contractModelToRecord(m)
		if err != nil {
			return nil, fmt.Errorf("decode contract %s: %w", m.ContractID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) SaveLive(ctx context.Context, recs []store.ContractRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	models := make([]liveContractModel, 0, len(recs))
	for _, rec := range recs {
		m, err := newContractModel(rec)
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&liveContractModel{}).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		return tx.Create(&models).Error
	})
}

func (s *GormStore) Upsert(ctx context.Context, rec store.ContractRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	m, err := newContractModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contract_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *GormStore) Delete(ctx context.Context, contractID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return fmt.Errorf("contract_id 必填")
	}
	return s.db.WithContext(ctx).Where("contract_id = ?", contractID).Delete(&liveContractModel{}).Error
}

// --------------------- strategy stats -------------------------

func (s *GormStore) LoadStats(ctx context.Context) ([]store.StrategyStat, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []strategyStatModel
	if err := s.db.WithContext(ctx).Order("strategy_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.StrategyStat, 0, len(models))
	for _, m := range models {
		out = append(out, store.StrategyStat{
			StrategyID: m.StrategyID,
			Confidence: m.Confidence,
			Active:     m.Active,
			Trades:     m.Trades,
			Wins:       m.Wins,
			Losses:     m.Losses,
			PnL:        m.PnL,
			Payload:    []byte(m.StateJSON),
			UpdatedAt:  time.UnixMilli(m.UpdatedAtUnix),
		})
	}
	return out, nil
}

func (s *GormStore) SaveStats(ctx context.Context, stats []store.StrategyStat) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if len(stats) == 0 {
		return nil
	}
	now := time.Now()
	models := make([]strategyStatModel, 0, len(stats))
	for _, st := range stats {
		ts := st.UpdatedAt
		if ts.IsZero() {
			ts = now
		}
		models = append(models, strategyStatModel{
			StrategyID:    st.StrategyID,
			Confidence:    st.Confidence,
			Active:        st.Active,
			Trades:        st.Trades,
			Wins:          st.Wins,
			Losses:        st.Losses,
			PnL:           st.PnL,
			StateJSON:     datatypes.JSON(st.Payload),
			UpdatedAtUnix: ts.UnixMilli(),
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy_id"}},
			UpdateAll: true,
		}).
		Create(&models).Error
}

// --------------------- paper account -------------------------

func (s *GormStore) LoadPaper(ctx context.Context, accountID string) (store.PaperAccount, error) {
	if s == nil || s.db == nil {
		return store.PaperAccount{}, fmt.Errorf("gorm store 未初始化")
	}
	var m paperAccountModel
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.PaperAccount{}, store.ErrNotFound
	}
	if err != nil {
		return store.PaperAccount{}, err
	}
	acct := store.PaperAccount{
		AccountID: m.AccountID,
		Currency:  m.Currency,
		UpdatedAt: fromUnixMilli(m.UpdatedAtUnix),
	}
	if acct.Balance, err = parseDecimal(m.Balance); err != nil {
		return acct, fmt.Errorf("decode paper balance: %w", err)
	}
	if len(m.Contracts) > 0 {
		if err := json.Unmarshal(m.Contracts, &acct.Contracts); err != nil {
			return acct, fmt.Errorf("decode paper contracts: %w", err)
		}
	}
	return acct, nil
}

func (s *GormStore) SavePaper(ctx context.Context, acct store.PaperAccount) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(acct.AccountID) == "" {
		return fmt.Errorf("account_id 必填")
	}
	contracts := acct.Contracts
	if contracts == nil {
		contracts = []store.PaperContract{}
	}
	raw, err := json.Marshal(contracts)
	if err != nil {
		return err
	}
	updated := acct.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	m := paperAccountModel{
		AccountID:     acct.AccountID,
		Currency:      acct.Currency,
		Balance:       acct.Balance.String(),
		Contracts:     datatypes.JSON(raw),
		UpdatedAtUnix: updated.UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

// --------------------- helpers -------------------------

func newContractModel(rec store.ContractRecord) (liveContractModel, error) {
	if strings.TrimSpace(rec.ContractID) == "" {
		return liveContractModel{}, fmt.Errorf("contract_id 必填")
	}
	ids, err := json.Marshal(rec.StrategyIDs)
	if err != nil {
		return liveContractModel{}, err
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return liveContractModel{
		ContractID:        rec.ContractID,
		CorrelationKey:    rec.CorrelationKey,
		Symbol:            rec.Symbol,
		Direction:         rec.Direction,
		StrategyIDs:       datatypes.JSON(ids),
		Regime:            rec.Regime,
		Confidence:        rec.Confidence,
		State:             rec.State,
		Stake:             rec.Stake.String(),
		BuyPrice:          rec.BuyPrice.String(),
		Payout:            rec.Payout.String(),
		BidPrice:          rec.BidPrice.String(),
		EntrySpot:         rec.EntrySpot,
		PeakPnLPct:        rec.PeakPnLPct,
		ResaleUnavailable: rec.ResaleUnavailable,
		PurchasedAtUnix:   unixMilli(rec.PurchasedAt),
		ExpiresAtUnix:     unixMilli(rec.ExpiresAt),
		UpdatedAtUnix:     updated.UnixMilli(),
	}, nil
}

func contractModelToRecord(m liveContractModel) (store.ContractRecord, error) {
	var ids []string
	if len(m.StrategyIDs) > 0 {
		if err := json.Unmarshal(m.StrategyIDs, &ids); err != nil {
			return store.ContractRecord{}, err
		}
	}
	rec := store.ContractRecord{
		ContractID:        m.ContractID,
		CorrelationKey:    m.CorrelationKey,
		Symbol:            m.Symbol,
		Direction:         m.Direction,
		StrategyIDs:       ids,
		Regime:            m.Regime,
		Confidence:        m.Confidence,
		State:             m.State,
		EntrySpot:         m.EntrySpot,
		PeakPnLPct:        m.PeakPnLPct,
		ResaleUnavailable: m.ResaleUnavailable,
		PurchasedAt:       fromUnixMilli(m.PurchasedAtUnix),
		ExpiresAt:         fromUnixMilli(m.ExpiresAtUnix),
		UpdatedAt:         fromUnixMilli(m.UpdatedAtUnix),
	}
	var err error
	if rec.Stake, err = parseDecimal(m.Stake); err != nil {
		return rec, err
	}
	if rec.BuyPrice, err = parseDecimal(m.BuyPrice); err != nil {
		return rec, err
	}
	if rec.Payout, err = parseDecimal(m.Payout); err != nil {
		return rec, err
	}
	if rec.BidPrice, err = parseDecimal(m.BidPrice); err != nil {
		return rec, err
	}
	return rec, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
