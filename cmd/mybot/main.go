package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/1NF3RM0/MyBot/internal/app"
	brcfg "github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/report"
	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("MYBOT_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := brcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，config=%s）", cfg.App.Env, cfgPath)

	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run":
		err = runEngine(ctx, cfg, args)
	case "report":
		err = runReport(ctx, cfg, args)
	default:
		err = fmt.Errorf("unknown command %q (run | report)", cmd)
	}
	if err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func runEngine(ctx context.Context, cfg *brcfg.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	paused := fs.Bool("paused", false, "启动后不自动开始周期，等待 HTTP 控制面 start")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	a.AutoStart = !*paused
	return a.Run(ctx)
}

func runReport(ctx context.Context, cfg *brcfg.Config, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	dir := fs.String("dir", cfg.Report.Dir, "输出目录")
	png := fs.Bool("png", cfg.Report.PNG, "同时渲染 PNG（需要 headless Chrome）")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := eventlog.Open(cfg.Storage.EventLogPath)
	if err != nil {
		return fmt.Errorf("打开交易事件日志失败: %w", err)
	}
	defer events.Close()
	res, err := report.Generate(ctx, events, report.Options{Dir: *dir, PNG: *png})
	if err != nil {
		return err
	}
	for _, r := range res.Rows {
		fmt.Printf("%-20s trades=%-4d wins=%-4d losses=%-4d win=%.1f%% avg_payout=%.2f avg_buy=%.2f pnl=%.2f\n",
			r.StrategyID, r.Trades, r.Wins, r.Losses, r.WinRatio*100, r.AvgPayout, r.AvgBuyPrice, r.TotalPnL)
	}
	fmt.Println(res.HTMLPath)
	if res.PNGPath != "" {
		fmt.Println(res.PNGPath)
	}
	return nil
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
