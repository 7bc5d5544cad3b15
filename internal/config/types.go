package config

import (
	"strings"
	"time"
)

// Config 是 MyBot 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Market     MarketConfig     `toml:"market"`
	Broker     BrokerConfig     `toml:"broker"`
	Trading    TradingConfig    `toml:"trading"`
	Regime     RegimeConfig     `toml:"regime"`
	Governor   GovernorConfig   `toml:"governor"`
	Guard      GuardConfig      `toml:"guard"`
	Tuner      TunerConfig      `toml:"tuner"`
	Retry      RetryConfig      `toml:"retry"`
	Circuit    CircuitConfig    `toml:"circuit"`
	Storage    StorageConfig    `toml:"storage"`
	Strategies StrategiesConfig `toml:"strategies"`
	HTTP       HTTPConfig       `toml:"http"`
	Report     ReportConfig     `toml:"report"`
}

type AppConfig struct {
	Env                    string `toml:"env"`
	LogLevel               string `toml:"log_level"`
	LogFormat              string `toml:"log_format"`
	LogPath                string `toml:"log_path"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds" validate:"gte=1"`
}

func (a AppConfig) ShutdownTimeout() time.Duration {
	return time.Duration(a.ShutdownTimeoutSeconds) * time.Second
}

// MarketConfig 描述行情来源与标的选择。
type MarketConfig struct {
	Source             string      `toml:"source" validate:"oneof=binance static"`
	RESTBaseURL        string      `toml:"rest_base_url"`
	HTTPTimeoutSeconds int         `toml:"http_timeout_seconds" validate:"gte=1"`
	Interval           string      `toml:"interval" validate:"required"`
	HigherInterval     string      `toml:"higher_interval"`
	Window             int         `toml:"window" validate:"gte=60,lte=1500"`
	QuoteAsset         string      `toml:"quote_asset"`
	Symbols            []string    `toml:"symbols"`
	SymbolsAPI         string      `toml:"symbols_api"`
	SymbolsJSONPath    string      `toml:"symbols_json_path"`
	MaxSymbols         int         `toml:"max_symbols" validate:"gte=0"`
	Proxy              ProxyConfig `toml:"proxy"`
}

func (m MarketConfig) HTTPTimeout() time.Duration {
	return time.Duration(m.HTTPTimeoutSeconds) * time.Second
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
}

// BrokerConfig 描述模拟券商的合约定价方式。
type BrokerConfig struct {
	Mode              string  `toml:"mode" validate:"oneof=paper"`
	Currency          string  `toml:"currency" validate:"required"`
	InitialBalance    float64 `toml:"initial_balance" validate:"gt=0"`
	PayoutRatio       float64 `toml:"payout_ratio" validate:"gt=0,lte=5"`
	DurationSeconds   int     `toml:"duration_seconds" validate:"gte=1"`
	ResaleLockSeconds int     `toml:"resale_lock_seconds" validate:"gte=0"`
	Spread            float64 `toml:"spread" validate:"gte=0,lt=1"`
}

func (b BrokerConfig) Duration() time.Duration {
	return time.Duration(b.DurationSeconds) * time.Second
}

func (b BrokerConfig) ResaleLock() time.Duration {
	return time.Duration(b.ResaleLockSeconds) * time.Second
}

// TradingConfig 控制周期节奏、入场校验与出场规则。
type TradingConfig struct {
	LoopDelaySeconds          int     `toml:"loop_delay_seconds" validate:"gte=1"`
	MonitorIntervalSeconds    int     `toml:"monitor_interval_seconds" validate:"gte=1"`
	Parallelism               int     `toml:"parallelism" validate:"gte=1,lte=64"`
	MinAgreeing               int     `toml:"min_agreeing" validate:"gte=2"`
	MinCombinedConfidence     float64 `toml:"min_combined_confidence" validate:"gt=0"`
	MaxAskPrice               float64 `toml:"max_ask_price" validate:"gt=0"`
	MinPayout                 float64 `toml:"min_payout" validate:"gte=0"`
	MaxOpenContracts          int     `toml:"max_open_contracts" validate:"gte=1"`
	StopLossPercent           float64 `toml:"stop_loss_percent" validate:"gte=0"`
	TakeProfitPercent         float64 `toml:"take_profit_percent" validate:"gte=0"`
	TrailingActivationPercent float64 `toml:"trailing_activation_percent" validate:"gte=0"`
	TrailingStopPercent       float64 `toml:"trailing_stop_percent" validate:"gte=0"`
	RSIOverbought             float64 `toml:"rsi_overbought" validate:"gt=50,lte=100"`
	RSIOversold               float64 `toml:"rsi_oversold" validate:"gte=0,lt=50"`
	MinStake                  float64 `toml:"min_stake" validate:"gt=0"`
	MaxStake                  float64 `toml:"max_stake" validate:"gtfield=MinStake"`
	SyncEvery                 int     `toml:"sync_every" validate:"gte=1"`
}

func (t TradingConfig) LoopDelay() time.Duration {
	return time.Duration(t.LoopDelaySeconds) * time.Second
}

func (t TradingConfig) MonitorInterval() time.Duration {
	return time.Duration(t.MonitorIntervalSeconds) * time.Second
}

// RegimeConfig 为行情分类器提供阈值与策略路由。
type RegimeConfig struct {
	ADXTrend       float64             `toml:"adx_trend" validate:"gt=0"`
	ADXRange       float64             `toml:"adx_range" validate:"gt=0,ltfield=ADXTrend"`
	SMASeparation  float64             `toml:"sma_separation" validate:"gt=0"`
	BBNarrow       float64             `toml:"bb_narrow" validate:"gt=0"`
	BBWide         float64             `toml:"bb_wide" validate:"gtfield=BBNarrow"`
	ATRVolatile    float64             `toml:"atr_volatile" validate:"gt=0"`
	MultiTimeframe bool                `toml:"multi_timeframe"`
	Routing        map[string][]string `toml:"routing"`
}

type GovernorConfig struct {
	HistoryWindow      int     `toml:"history_window" validate:"gte=1"`
	MinTrades          int     `toml:"min_trades" validate:"gte=1"`
	Smoothing          float64 `toml:"smoothing" validate:"gt=0,lte=1"`
	DisableWinRate     float64 `toml:"disable_win_rate" validate:"gte=0,lte=1"`
	DisablePnLFloor    float64 `toml:"disable_pnl_floor"`
	ReenableWindow     int     `toml:"reenable_window" validate:"gte=1"`
	ReenableWinRate    float64 `toml:"reenable_win_rate" validate:"gt=0,lte=1"`
	ReenableConfidence float64 `toml:"reenable_confidence" validate:"gte=0,lte=1"`
	Fallback           bool    `toml:"fallback"`
}

type GuardConfig struct {
	CooldownOverrideSeconds int     `toml:"cooldown_override_seconds" validate:"gte=0"`
	SimilarityTolerance     float64 `toml:"similarity_tolerance" validate:"gte=0"`
	SimilarityTTLSeconds    int     `toml:"similarity_ttl_seconds" validate:"gte=0"`
	Quantum                 float64 `toml:"quantum" validate:"gt=0"`
}

func (g GuardConfig) SimilarityTTL() time.Duration {
	return time.Duration(g.SimilarityTTLSeconds) * time.Second
}

// TunerBand 是某个波动区间下的参数集。
type TunerBand struct {
	CooldownSeconds int     `toml:"cooldown_seconds" validate:"gte=0"`
	SMAThreshold    float64 `toml:"sma_threshold" validate:"gte=0"`
	RSIThreshold    float64 `toml:"rsi_threshold" validate:"gte=0"`
	RiskFraction    float64 `toml:"risk_fraction" validate:"gt=0,lte=1"`
}

type TunerConfig struct {
	EveryCycles        int       `toml:"every_cycles" validate:"gte=1"`
	HighVolatility     float64   `toml:"high_volatility" validate:"gt=0"`
	LowVolatility      float64   `toml:"low_volatility" validate:"gt=0,ltfield=HighVolatility"`
	High               TunerBand `toml:"high"`
	Normal             TunerBand `toml:"normal"`
	Low                TunerBand `toml:"low"`
	MaxDrawdown        float64   `toml:"max_drawdown" validate:"gt=0,lte=1"`
	DrawdownRiskFactor float64   `toml:"drawdown_risk_factor" validate:"gt=0,lte=1"`
}

// RetryConfig 描述券商调用的指数退避策略。
type RetryConfig struct {
	MaxAttempts        int     `toml:"max_attempts" validate:"gte=1,lte=10"`
	InitialIntervalMs  int     `toml:"initial_interval_ms" validate:"gte=1"`
	MaxIntervalMs      int     `toml:"max_interval_ms" validate:"gtefield=InitialIntervalMs"`
	Multiplier         float64 `toml:"multiplier" validate:"gte=1"`
	CallTimeoutSeconds int     `toml:"call_timeout_seconds" validate:"gte=1"`
}

func (r RetryConfig) InitialInterval() time.Duration {
	return time.Duration(r.InitialIntervalMs) * time.Millisecond
}

func (r RetryConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMs) * time.Millisecond
}

func (r RetryConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutSeconds) * time.Second
}

type CircuitConfig struct {
	FailureThreshold int `toml:"failure_threshold" validate:"gte=1"`
	CooldownSeconds  int `toml:"cooldown_seconds" validate:"gte=1"`
}

func (c CircuitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

type StorageConfig struct {
	DBPath       string `toml:"db_path" validate:"required"`
	EventLogPath string `toml:"event_log_path" validate:"required"`
}

type StrategiesConfig struct {
	File  string `toml:"file" validate:"required"`
	Watch bool   `toml:"watch"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type ReportConfig struct {
	Dir string `toml:"dir"`
	PNG bool   `toml:"png"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
