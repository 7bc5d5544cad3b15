package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppLogFormat       = "text"
	defaultAppShutdownTimeout = 15

	defaultMarketSource      = "binance"
	defaultMarketREST        = "https://fapi.binance.com"
	defaultMarketHTTPTimeout = 10
	defaultMarketInterval    = "1h"
	defaultMarketHigher      = "4h"
	defaultMarketWindow      = 200
	defaultMarketQuote       = "USDT"
	defaultMarketJSONPath    = "symbols"

	defaultBrokerMode       = "paper"
	defaultBrokerCurrency   = "USD"
	defaultBrokerBalance    = 1000
	defaultBrokerPayout     = 0.95
	defaultBrokerDuration   = 3600
	defaultBrokerResaleLock = 60

	defaultLoopDelay          = 60
	defaultMonitorInterval    = 10
	defaultParallelism        = 8
	defaultMinAgreeing        = 2
	defaultMinCombined        = 1.5
	defaultMaxAskPrice        = 20
	defaultMinPayout          = 1
	defaultMaxOpenContracts   = 5
	defaultStopLossPercent    = 5
	defaultTakeProfitPercent  = 10
	defaultTrailingActivation = 8
	defaultTrailingStop       = 4
	defaultRSIOverbought      = 70
	defaultRSIOversold        = 30
	defaultMinStake           = 0.5
	defaultMaxStake           = 10
	defaultSyncEvery          = 6

	defaultADXTrend      = 25
	defaultADXRange      = 20
	defaultSMASeparation = 0.002
	defaultBBNarrow      = 0.04
	defaultBBWide        = 0.08
	defaultATRVolatile   = 0.01

	defaultHistoryWindow      = 20
	defaultMinTrades          = 5
	defaultSmoothing          = 0.2
	defaultDisableWinRate     = 0.4
	defaultDisablePnLFloor    = -50
	defaultReenableWindow     = 3
	defaultReenableWinRate    = 1.0
	defaultReenableConfidence = 0.5

	defaultSimilarityTolerance = 0.05
	defaultSimilarityTTL       = 6 * 3600
	defaultQuantum             = 0.01

	defaultTunerEvery       = 1
	defaultHighVolatility   = 0.005
	defaultLowVolatility    = 0.001
	defaultMaxDrawdown      = 0.1
	defaultDrawdownFactor   = 0.5
	defaultRetryAttempts    = 3
	defaultRetryInitialMs   = 500
	defaultRetryMaxMs       = 5000
	defaultRetryMultiplier  = 2
	defaultRetryCallTimeout = 10
	defaultCircuitFailures  = 5
	defaultCircuitCooldown  = 30

	defaultDBPath         = "data/mybot.db"
	defaultEventLogPath   = "data/events.db"
	defaultStrategiesFile = "configs/strategies.yaml"
	defaultHTTPAddr       = ":9991"
	defaultReportDir      = "data/reports"
)

// DefaultRouting 是行情状态到策略类型的默认路由。
func DefaultRouting() map[string][]string {
	return map[string][]string{
		"trending": {"golden_cross", "macd_crossover", "awesome_oscillator", "ichimoku_cloud"},
		"ranging":  {"rsi_dip", "bollinger_breakout"},
		"volatile": {"bollinger_breakout"},
	}
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Regime.applyDefaults(keys)
	c.Governor.applyDefaults(keys)
	c.Guard.applyDefaults(keys)
	c.Tuner.applyDefaults(keys)
	c.Retry.applyDefaults(keys)
	c.Circuit.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Strategies.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
	c.Report.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		intFieldDefault("app.shutdown_timeout_seconds", &a.ShutdownTimeoutSeconds, defaultAppShutdownTimeout),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.source", &m.Source, defaultMarketSource),
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		intFieldDefault("market.http_timeout_seconds", &m.HTTPTimeoutSeconds, defaultMarketHTTPTimeout),
		stringFieldDefault("market.interval", &m.Interval, defaultMarketInterval),
		stringFieldDefault("market.higher_interval", &m.HigherInterval, defaultMarketHigher),
		intFieldDefault("market.window", &m.Window, defaultMarketWindow),
		stringFieldDefault("market.quote_asset", &m.QuoteAsset, defaultMarketQuote),
		stringFieldDefault("market.symbols_json_path", &m.SymbolsJSONPath, defaultMarketJSONPath),
	)
	m.Interval = strings.ToLower(strings.TrimSpace(m.Interval))
	m.HigherInterval = strings.ToLower(strings.TrimSpace(m.HigherInterval))
	m.QuoteAsset = strings.ToUpper(strings.TrimSpace(m.QuoteAsset))
	m.Proxy.normalize()
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		stringFieldDefault("broker.currency", &b.Currency, defaultBrokerCurrency),
		floatFieldDefault("broker.initial_balance", &b.InitialBalance, defaultBrokerBalance),
		floatFieldDefault("broker.payout_ratio", &b.PayoutRatio, defaultBrokerPayout),
		intFieldDefault("broker.duration_seconds", &b.DurationSeconds, defaultBrokerDuration),
		intFieldDefault("broker.resale_lock_seconds", &b.ResaleLockSeconds, defaultBrokerResaleLock),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("trading.loop_delay_seconds", &t.LoopDelaySeconds, defaultLoopDelay),
		intFieldDefault("trading.monitor_interval_seconds", &t.MonitorIntervalSeconds, defaultMonitorInterval),
		intFieldDefault("trading.parallelism", &t.Parallelism, defaultParallelism),
		intFieldDefault("trading.min_agreeing", &t.MinAgreeing, defaultMinAgreeing),
		floatFieldDefault("trading.min_combined_confidence", &t.MinCombinedConfidence, defaultMinCombined),
		floatFieldDefault("trading.max_ask_price", &t.MaxAskPrice, defaultMaxAskPrice),
		floatFieldDefault("trading.min_payout", &t.MinPayout, defaultMinPayout),
		intFieldDefault("trading.max_open_contracts", &t.MaxOpenContracts, defaultMaxOpenContracts),
		floatFieldDefault("trading.stop_loss_percent", &t.StopLossPercent, defaultStopLossPercent),
		floatFieldDefault("trading.take_profit_percent", &t.TakeProfitPercent, defaultTakeProfitPercent),
		floatFieldDefault("trading.trailing_activation_percent", &t.TrailingActivationPercent, defaultTrailingActivation),
		floatFieldDefault("trading.trailing_stop_percent", &t.TrailingStopPercent, defaultTrailingStop),
		floatFieldDefault("trading.rsi_overbought", &t.RSIOverbought, defaultRSIOverbought),
		floatFieldDefault("trading.rsi_oversold", &t.RSIOversold, defaultRSIOversold),
		floatFieldDefault("trading.min_stake", &t.MinStake, defaultMinStake),
		floatFieldDefault("trading.max_stake", &t.MaxStake, defaultMaxStake),
		intFieldDefault("trading.sync_every", &t.SyncEvery, defaultSyncEvery),
	)
}

func (r *RegimeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("regime.adx_trend", &r.ADXTrend, defaultADXTrend),
		floatFieldDefault("regime.adx_range", &r.ADXRange, defaultADXRange),
		floatFieldDefault("regime.sma_separation", &r.SMASeparation, defaultSMASeparation),
		floatFieldDefault("regime.bb_narrow", &r.BBNarrow, defaultBBNarrow),
		floatFieldDefault("regime.bb_wide", &r.BBWide, defaultBBWide),
		floatFieldDefault("regime.atr_volatile", &r.ATRVolatile, defaultATRVolatile),
		boolFieldDefault("regime.multi_timeframe", &r.MultiTimeframe, true),
	)
	if len(r.Routing) == 0 {
		r.Routing = DefaultRouting()
	}
	for regime, kinds := range r.Routing {
		norm := make([]string, 0, len(kinds))
		for _, k := range kinds {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				norm = append(norm, k)
			}
		}
		r.Routing[strings.ToLower(strings.TrimSpace(regime))] = norm
	}
}

func (g *GovernorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("governor.history_window", &g.HistoryWindow, defaultHistoryWindow),
		intFieldDefault("governor.min_trades", &g.MinTrades, defaultMinTrades),
		floatFieldDefault("governor.smoothing", &g.Smoothing, defaultSmoothing),
		floatFieldDefault("governor.disable_win_rate", &g.DisableWinRate, defaultDisableWinRate),
		fieldDefault{
			key:   "governor.disable_pnl_floor",
			need:  func() bool { return g.DisablePnLFloor == 0 },
			apply: func() { g.DisablePnLFloor = defaultDisablePnLFloor },
		},
		intFieldDefault("governor.reenable_window", &g.ReenableWindow, defaultReenableWindow),
		floatFieldDefault("governor.reenable_win_rate", &g.ReenableWinRate, defaultReenableWinRate),
		floatFieldDefault("governor.reenable_confidence", &g.ReenableConfidence, defaultReenableConfidence),
		boolFieldDefault("governor.fallback", &g.Fallback, true),
	)
}

func (g *GuardConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("guard.similarity_tolerance", &g.SimilarityTolerance, defaultSimilarityTolerance),
		intFieldDefault("guard.similarity_ttl_seconds", &g.SimilarityTTLSeconds, defaultSimilarityTTL),
		floatFieldDefault("guard.quantum", &g.Quantum, defaultQuantum),
	)
}

func (t *TunerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("tuner.every_cycles", &t.EveryCycles, defaultTunerEvery),
		floatFieldDefault("tuner.high_volatility", &t.HighVolatility, defaultHighVolatility),
		floatFieldDefault("tuner.low_volatility", &t.LowVolatility, defaultLowVolatility),
		floatFieldDefault("tuner.max_drawdown", &t.MaxDrawdown, defaultMaxDrawdown),
		floatFieldDefault("tuner.drawdown_risk_factor", &t.DrawdownRiskFactor, defaultDrawdownFactor),
	)
	t.High.applyDefaults(keys, "tuner.high", TunerBand{CooldownSeconds: 1800, SMAThreshold: 0.002, RSIThreshold: 2, RiskFraction: 0.015})
	t.Normal.applyDefaults(keys, "tuner.normal", TunerBand{CooldownSeconds: 3600, SMAThreshold: 0.001, RSIThreshold: 1, RiskFraction: 0.02})
	t.Low.applyDefaults(keys, "tuner.low", TunerBand{CooldownSeconds: 7200, SMAThreshold: 0.0005, RSIThreshold: 0.5, RiskFraction: 0.025})
}

func (b *TunerBand) applyDefaults(keys keySet, prefix string, def TunerBand) {
	applyFieldDefaults(keys,
		intFieldDefault(prefix+".cooldown_seconds", &b.CooldownSeconds, def.CooldownSeconds),
		floatFieldDefault(prefix+".sma_threshold", &b.SMAThreshold, def.SMAThreshold),
		floatFieldDefault(prefix+".rsi_threshold", &b.RSIThreshold, def.RSIThreshold),
		floatFieldDefault(prefix+".risk_fraction", &b.RiskFraction, def.RiskFraction),
	)
}

func (r *RetryConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("retry.max_attempts", &r.MaxAttempts, defaultRetryAttempts),
		intFieldDefault("retry.initial_interval_ms", &r.InitialIntervalMs, defaultRetryInitialMs),
		intFieldDefault("retry.max_interval_ms", &r.MaxIntervalMs, defaultRetryMaxMs),
		floatFieldDefault("retry.multiplier", &r.Multiplier, defaultRetryMultiplier),
		intFieldDefault("retry.call_timeout_seconds", &r.CallTimeoutSeconds, defaultRetryCallTimeout),
	)
}

func (c *CircuitConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("circuit.failure_threshold", &c.FailureThreshold, defaultCircuitFailures),
		intFieldDefault("circuit.cooldown_seconds", &c.CooldownSeconds, defaultCircuitCooldown),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("storage.db_path", &s.DBPath, defaultDBPath),
		stringFieldDefault("storage.event_log_path", &s.EventLogPath, defaultEventLogPath),
	)
}

func (s *StrategiesConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("strategies.file", &s.File, defaultStrategiesFile),
		boolFieldDefault("strategies.watch", &s.Watch, true),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
		boolFieldDefault("http.enabled", &h.Enabled, true),
	)
}

func (r *ReportConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("report.dir", &r.Dir, defaultReportDir),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// boolFieldDefault 仅在配置未显式设置时生效，显式 false 会被保留。
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
