package app

import (
	"context"
	"fmt"

	"github.com/1NF3RM0/MyBot/internal/broker"
	brcfg "github.com/1NF3RM0/MyBot/internal/config"
	cfgloader "github.com/1NF3RM0/MyBot/internal/config/loader"
	"github.com/1NF3RM0/MyBot/internal/contract"
	"github.com/1NF3RM0/MyBot/internal/engine"
	"github.com/1NF3RM0/MyBot/internal/gateway"
	"github.com/1NF3RM0/MyBot/internal/governor"
	"github.com/1NF3RM0/MyBot/internal/guard"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/market"
	"github.com/1NF3RM0/MyBot/internal/metrics"
	"github.com/1NF3RM0/MyBot/internal/pipeline/factory"
	"github.com/1NF3RM0/MyBot/internal/pkg/circuit"
	"github.com/1NF3RM0/MyBot/internal/regime"
	"github.com/1NF3RM0/MyBot/internal/risk"
	"github.com/1NF3RM0/MyBot/internal/store"
	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
	"github.com/1NF3RM0/MyBot/internal/store/gormstore"
	"github.com/1NF3RM0/MyBot/internal/tuner"
	livehttp "github.com/1NF3RM0/MyBot/internal/transport/http/live"
)

// AppBuilder 按配置组装全部依赖；各 *Fn 字段可在测试中替换。
type AppBuilder struct {
	cfg *brcfg.Config

	sourceFn   func(*brcfg.Config) (market.Source, error)
	registryFn func(brcfg.StrategiesConfig) (*cfgloader.StrategyRegistry, error)
	liveHTTPFn func(brcfg.HTTPConfig, livehttp.Controller, *metrics.Recorder, brcfg.AppConfig) (*livehttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithSource 替换行情源（离线演练与测试使用）。
func WithSource(src market.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.sourceFn = func(*brcfg.Config) (market.Source, error) { return src, nil }
	}
}

func NewAppBuilder(cfg *brcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		sourceFn:   gateway.NewSourceFromConfig,
		registryFn: loadStrategyRegistry,
		liveHTTPFn: buildLiveHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func loadStrategyRegistry(cfg brcfg.StrategiesConfig) (*cfgloader.StrategyRegistry, error) {
	return cfgloader.NewStrategyRegistry(cfg.File, cfg.Watch)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var closers []func() error
	success := false
	defer func() {
		if success {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	registry, err := b.registryFn(cfg.Strategies)
	if err != nil {
		return nil, fmt.Errorf("加载策略注册文件失败: %w", err)
	}
	defs := registry.Snapshot().Definitions
	logger.Infof("✓ 已加载 %d 个策略定义 (%s)", len(defs), cfg.Strategies.File)

	src, err := b.sourceFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化行情源失败: %w", err)
	}
	closers = append(closers, src.Close)

	symbolProvider := gateway.NewSymbolProvider(cfg.Market, src)
	symbols, err := symbolProvider.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取标的列表失败 (%s): %w", symbolProvider.Name(), err)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("标的列表为空 (%s)", symbolProvider.Name())
	}
	logger.Infof("✓ 已加载 %d 个交易对 (%s): %v", len(symbols), symbolProvider.Name(), symbols)

	pf := &factory.Factory{Source: src, Timeout: cfg.Market.HTTPTimeout()}
	pl, err := pf.Build(cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("初始化快照 pipeline 失败: %w", err)
	}
	snapshots := &engine.PipelineSnapshots{
		Pipeline:       pl,
		Interval:       cfg.Market.Interval,
		HigherInterval: cfg.Market.HigherInterval,
	}

	stats, err := gormstore.NewGormStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化状态库失败: %w", err)
	}
	closers = append(closers, stats.Close)

	events, err := eventlog.Open(cfg.Storage.EventLogPath)
	if err != nil {
		return nil, fmt.Errorf("初始化交易事件日志失败: %w", err)
	}
	closers = append(closers, events.Close)

	gov, err := governor.New(cfg.Governor, cfg.Regime.Routing, defs)
	if err != nil {
		return nil, fmt.Errorf("初始化策略治理器失败: %w", err)
	}

	recorder := metrics.New()
	prices := market.NewPriceBook()
	brk, err := buildBroker(ctx, cfg, prices, recorder, stats)
	if err != nil {
		return nil, err
	}
	cache := store.NewSnapshotCache(0)
	manager := contract.NewManager(brk, stats, events, cache,
		contract.DefaultExitRules(cfg.Trading), contract.OptionsFromConfig(cfg.Trading, cfg.Market.Interval))

	eng, err := engine.New(engine.Deps{
		Config:     cfg,
		Symbols:    symbolProvider,
		Snapshots:  snapshots,
		Classifier: regime.NewClassifier(cfg.Regime),
		Governor:   gov,
		Tuner:      tuner.New(cfg.Tuner),
		Guard:      guard.New(cfg.Guard),
		Sizer:      risk.NewSizer(cfg.Trading),
		Broker:     brk,
		Contracts:  manager,
		Events:     events,
		Stats:      stats,
		Cache:      cache,
		Metrics:    recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化引擎失败: %w", err)
	}

	var httpSrv *livehttp.Server
	if cfg.HTTP.Enabled {
		httpSrv, err = b.liveHTTPFn(cfg.HTTP, eng, recorder, cfg.App)
		if err != nil {
			return nil, err
		}
	}

	success = true
	return &App{
		cfg:      cfg,
		source:   src,
		prices:   prices,
		broker:   brk,
		symbols:  symbols,
		registry: registry,
		engine:   eng,
		manager:  manager,
		stats:    stats,
		events:   events,
		http:     httpSrv,
		metrics:  recorder,
		Summary:  newStartupSummary(cfg, symbolProvider.Name(), symbols, gov.Views()),
	}, nil
}

// buildBroker 构造模拟券商（账户持久化到状态库），并叠加熔断与重试。
func buildBroker(ctx context.Context, cfg *brcfg.Config, prices *market.PriceBook, recorder *metrics.Recorder, accounts store.PaperStore) (broker.Brokerage, error) {
	paper := broker.NewPaper(cfg.Broker, prices)
	open, err := paper.Attach(ctx, accounts)
	if err != nil {
		return nil, fmt.Errorf("恢复模拟账户失败: %w", err)
	}
	breaker := circuit.New("broker", cfg.Circuit.FailureThreshold, cfg.Circuit.Cooldown())
	res := broker.NewResilient(paper, breaker, broker.PolicyFromConfig(cfg.Retry), cfg.Retry.CallTimeout())
	res.OnRetry = func(op string, attempt int, err error) {
		recorder.BrokerRetry(op)
		logger.Warnf("[broker] 重试 op=%s attempt=%d err=%v", op, attempt, err)
	}
	logger.Infof("✓ 券商模式=%s currency=%s payout_ratio=%.2f open=%d", cfg.Broker.Mode, cfg.Broker.Currency, cfg.Broker.PayoutRatio, open)
	return res, nil
}

func buildLiveHTTPServer(cfg brcfg.HTTPConfig, ctrl livehttp.Controller, recorder *metrics.Recorder, appCfg brcfg.AppConfig) (*livehttp.Server, error) {
	server, err := livehttp.NewServer(livehttp.ServerConfig{
		Addr:             cfg.Addr,
		Engine:           ctrl,
		Metrics:          recorder.Handler(),
		EmergencyTimeout: appCfg.ShutdownTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 控制面失败: %w", err)
	}
	logger.Infof("✓ HTTP 控制面监听 %s", server.Addr())
	return server, nil
}
