package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1NF3RM0/MyBot/internal/broker"
	brcfg "github.com/1NF3RM0/MyBot/internal/config"
	cfgloader "github.com/1NF3RM0/MyBot/internal/config/loader"
	"github.com/1NF3RM0/MyBot/internal/contract"
	"github.com/1NF3RM0/MyBot/internal/engine"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/market"
	"github.com/1NF3RM0/MyBot/internal/metrics"
	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
	"github.com/1NF3RM0/MyBot/internal/store/gormstore"
	livehttp "github.com/1NF3RM0/MyBot/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：恢复状态→启动合约监控、价格订阅、引擎循环与 HTTP 控制面。
type App struct {
	cfg      *brcfg.Config
	source   market.Source
	prices   *market.PriceBook
	broker   broker.Brokerage
	symbols  []string
	registry *cfgloader.StrategyRegistry
	engine   *engine.Engine
	manager  *contract.Manager
	stats    *gormstore.GormStore
	events   *eventlog.Store
	http     *livehttp.Server
	metrics  *metrics.Recorder
	Summary  *StartupSummary

	// AutoStart 为 true 时 Run 启动后立即开始周期循环。
	AutoStart bool
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *brcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 阻塞直到 ctx 取消或任一组件返回错误，退出前完成优雅关闭。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.close()

	a.manager.Start()
	if err := a.engine.Restore(ctx); err != nil {
		return fmt.Errorf("恢复状态失败: %w", err)
	}
	if err := a.manager.Sync(ctx); err != nil {
		logger.Warnf("[app] 启动时账户同步失败: %v", err)
	}
	a.seedPrices(ctx)
	if err := a.prices.Follow(ctx, a.source, a.symbols); err != nil {
		logger.Warnf("[app] 价格订阅启动失败，模拟券商将只使用 K 线收盘价: %v", err)
	}
	if a.registry != nil {
		a.registry.OnChange(func(s cfgloader.Snapshot) {
			logger.Infof("[app] 策略注册文件 v%d 已更新，下一周期生效", s.Version)
			a.engine.UpdateDefinitions(s.Definitions)
		})
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.engine.Run(gctx)
	})
	group.Go(func() error {
		return a.manager.Monitor(gctx)
	})
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if a.AutoStart {
		if err := a.engine.Start(gctx); err != nil && !errors.Is(err, engine.ErrRunning) {
			logger.Errorf("[app] 引擎启动失败: %v", err)
		}
	}
	return group.Wait()
}

// seedPrices 用最近一根收盘价预热价格簿，避免首个周期因无报价而跳过。
func (a *App) seedPrices(ctx context.Context) {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(a.cfg.Trading.Parallelism)
	for _, sym := range a.symbols {
		sym := sym
		group.Go(func() error {
			candles, err := a.source.FetchHistory(gctx, sym, a.cfg.Market.Interval, 2)
			if err != nil {
				logger.Warnf("[app] 预热价格失败 symbol=%s: %v", sym, err)
				return nil
			}
			a.prices.SeedFromCandles(sym, candles)
			return nil
		})
	}
	_ = group.Wait()
}

func (a *App) close() {
	timeout := a.cfg.App.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.manager.Shutdown(ctx); err != nil {
		logger.Errorf("[app] 合约管理器关闭失败: %v", err)
	}
	if err := a.source.Close(); err != nil {
		logger.Warnf("[app] 行情源关闭失败: %v", err)
	}
	if err := a.events.Close(); err != nil {
		logger.Warnf("[app] 事件日志关闭失败: %v", err)
	}
	if err := a.stats.Close(); err != nil {
		logger.Warnf("[app] 状态库关闭失败: %v", err)
	}
	logger.Infof("[app] 已退出")
}

// Engine 暴露引擎实例（测试与工具使用）。
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Metrics 暴露指标记录器。
func (a *App) Metrics() *metrics.Recorder {
	if a == nil {
		return nil
	}
	return a.metrics
}
