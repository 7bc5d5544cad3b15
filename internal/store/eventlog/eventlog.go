// Package eventlog 是只追加的交易事件日志（modernc sqlite）。
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Type 事件类型。
type Type string

const (
	TypeDecision      Type = "decision"
	TypeProposal      Type = "proposal"
	TypeBuy           Type = "buy"
	TypeRejected      Type = "rejected"
	TypeFailed        Type = "failed"
	TypeSkip          Type = "skip"
	TypeClose         Type = "close"
	TypeStrategyError Type = "strategy_error"
)

// Record 是一条交易事件。Strategy 为逗号分隔的策略 ID。
type Record struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"ts"`
	Type           Type      `json:"type"`
	Symbol         string    `json:"symbol"`
	Strategy       string    `json:"strategy"`
	Action         string    `json:"action"`
	Price          float64   `json:"price"`
	Payout         float64   `json:"payout"`
	Outcome        string    `json:"outcome"`
	PnL            float64   `json:"pnl"`
	CorrelationKey string    `json:"correlation_key"`
	Message        string    `json:"message"`
}

// Store 管理 trade_events 表。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open 打开事件日志；path 以 "file:" 开头时按 DSN 原样使用。
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("event log path 不能为空")
	}
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trade_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			price REAL NOT NULL DEFAULT 0,
			payout REAL NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			pnl REAL NOT NULL DEFAULT 0,
			correlation_key TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_ts ON trade_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_type ON trade_events(type, ts)`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("event log schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Append 写入一条事件，返回自增 ID。
func (s *Store) Append(ctx context.Context, rec Record) (int64, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, fmt.Errorf("event log store 未初始化")
	}
	if rec.Type == "" {
		return 0, fmt.Errorf("event type 必填")
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO trade_events
			(ts, type, symbol, strategy, action, price, payout, outcome, pnl, correlation_key, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UnixMilli(), string(rec.Type), rec.Symbol, rec.Strategy, rec.Action,
		rec.Price, rec.Payout, rec.Outcome, rec.PnL, rec.CorrelationKey, rec.Message)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Query 查询条件，零值字段不参与过滤。
type Query struct {
	Type   Type
	Symbol string
	Since  time.Time
	Limit  int
}

// List 按时间倒序返回事件。
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("event log store 未初始化")
	}
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(q.Symbol))
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	sqlText := `SELECT id, ts, type, symbol, strategy, action, price, payout, outcome, pnl, correlation_key, message FROM trade_events`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY ts DESC, id DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	sqlText += " LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec Record
			ts  int64
			typ string
		)
		if err := rows.Scan(&rec.ID, &ts, &typ, &rec.Symbol, &rec.Strategy, &rec.Action,
			&rec.Price, &rec.Payout, &rec.Outcome, &rec.PnL, &rec.CorrelationKey, &rec.Message); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Type = Type(typ)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PnLPoint 是累计盈亏曲线上的一个点。
type PnLPoint struct {
	Timestamp  time.Time `json:"ts"`
	Cumulative float64   `json:"cumulative"`
}

// StrategyPerformance 是单个策略的统计。
type StrategyPerformance struct {
	StrategyID    string     `json:"strategy_id"`
	Trades        int        `json:"trades"`
	Wins          int        `json:"wins"`
	Losses        int        `json:"losses"`
	WinRatio      float64    `json:"win_ratio"`
	AvgPayout     float64    `json:"avg_payout"`
	AvgBuyPrice   float64    `json:"avg_buy_price"`
	TotalPnL      float64    `json:"total_pnl"`
	CumulativePnL []PnLPoint `json:"cumulative_pnl"`

	sumPayout   float64
	sumBuyPrice float64
}

// StrategyReport 汇总有归属（correlation_key 非空）的平仓事件，按策略 ID 排序返回。
func (s *Store) StrategyReport(ctx context.Context) ([]StrategyPerformance, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("event log store 未初始化")
	}
	rows, err := db.QueryContext(ctx, `
		SELECT ts, strategy, price, payout, outcome, pnl
		FROM trade_events
		WHERE type = ? AND correlation_key != ''
		ORDER BY ts ASC, id ASC`, string(TypeClose))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := make(map[string]*StrategyPerformance)
	for rows.Next() {
		var (
			ts                 int64
			strategies, result string
			price, payout, pnl float64
		)
		if err := rows.Scan(&ts, &strategies, &price, &payout, &result, &pnl); err != nil {
			return nil, err
		}
		for _, id := range strings.Split(strategies, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			st := stats[id]
			if st == nil {
				st = &StrategyPerformance{StrategyID: id}
				stats[id] = st
			}
			st.Trades++
			switch result {
			case "win":
				st.Wins++
			case "loss":
				st.Losses++
			}
			st.sumPayout += payout
			st.sumBuyPrice += price
			st.TotalPnL += pnl
			st.CumulativePnL = append(st.CumulativePnL, PnLPoint{Timestamp: time.UnixMilli(ts), Cumulative: st.TotalPnL})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]StrategyPerformance, 0, len(stats))
	for _, st := range stats {
		if decided := st.Wins + st.Losses; decided > 0 {
			st.WinRatio = float64(st.Wins) / float64(decided)
		}
		if st.Trades > 0 {
			st.AvgPayout = st.sumPayout / float64(st.Trades)
			st.AvgBuyPrice = st.sumBuyPrice / float64(st.Trades)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out, nil
}

// JoinStrategies 生成 Record.Strategy 字段。
func JoinStrategies(ids []string) string {
	return strings.Join(ids, ",")
}
