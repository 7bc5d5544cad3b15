// Package report 把交易事件日志中的策略表现渲染为 HTML 图表，可选输出 PNG。
package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/store/eventlog"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorWin           = "#34d399"
	colorLoss          = "#f87171"
	colorPayout        = "#fbbf24"

	chartWidthPx  = 1200
	chartHeightPx = 420

	htmlFile = "strategy_report.html"
	pngFile  = "strategy_report.png"
)

// Source 提供策略表现汇总，eventlog.Store 满足该接口。
type Source interface {
	StrategyReport(ctx context.Context) ([]eventlog.StrategyPerformance, error)
}

// Result 是一次报表输出的结果。
type Result struct {
	HTMLPath string
	PNGPath  string
	Rows     []eventlog.StrategyPerformance
}

// Options 控制报表输出。
type Options struct {
	Dir string
	PNG bool
	Now func() time.Time
}

// Generate 读取汇总并写出报表文件。
func Generate(ctx context.Context, src Source, opt Options) (Result, error) {
	if src == nil {
		return Result{}, fmt.Errorf("report source required")
	}
	rows, err := src.StrategyReport(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load strategy report: %w", err)
	}
	now := time.Now
	if opt.Now != nil {
		now = opt.Now
	}
	html, err := BuildHTML(rows, now())
	if err != nil {
		return Result{}, err
	}
	dir := opt.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create report dir: %w", err)
	}
	res := Result{Rows: rows, HTMLPath: filepath.Join(dir, htmlFile)}
	if err := os.WriteFile(res.HTMLPath, html, 0o644); err != nil {
		return Result{}, fmt.Errorf("write report html: %w", err)
	}
	logger.Infof("[report] HTML 已写入 %s strategies=%d", res.HTMLPath, len(rows))
	if !opt.PNG {
		return res, nil
	}
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return res, fmt.Errorf("headless chrome unavailable: %w", err)
	}
	png, err := renderHTMLToPNG(ctx, html, chartWidthPx+80, 3*chartHeightPx+120)
	if err != nil {
		return res, fmt.Errorf("render report png: %w", err)
	}
	res.PNGPath = filepath.Join(dir, pngFile)
	if err := os.WriteFile(res.PNGPath, png, 0o644); err != nil {
		return res, fmt.Errorf("write report png: %w", err)
	}
	logger.Infof("[report] PNG 已写入 %s", res.PNGPath)
	return res, nil
}

// BuildHTML 生成胜率柱状图、平均价格柱状图和累计盈亏曲线。
func BuildHTML(rows []eventlog.StrategyPerformance, generatedAt time.Time) ([]byte, error) {
	page := components.NewPage()
	page.PageTitle = "MyBot strategy report"
	page.SetLayout(components.PageFlexLayout)

	subtitle := fmt.Sprintf("generated %s", generatedAt.UTC().Format("2006-01-02 15:04 MST"))
	if len(rows) == 0 {
		subtitle += " | 暂无已平仓交易"
	}
	page.AddCharts(
		buildWinRateChart(rows, subtitle),
		buildPriceChart(rows),
		buildPnLChart(rows),
	)
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, fmt.Errorf("render report page: %w", err)
	}
	return buf.Bytes(), nil
}

func initOpts() opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", chartHeightPx),
		BackgroundColor: colorBackground,
	}
}

func axisOpts() (opts.XAxis, opts.YAxis) {
	return opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}, opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}
}

func buildWinRateChart(rows []eventlog.StrategyPerformance, subtitle string) *charts.Bar {
	bar := charts.NewBar()
	x, y := axisOpts()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts()),
		charts.WithTitleOpts(opts.Title{
			Title:         "Win rate by strategy",
			Subtitle:      subtitle,
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	names := make([]string, len(rows))
	ratio := make([]opts.BarData, len(rows))
	wins := make([]opts.BarData, len(rows))
	losses := make([]opts.BarData, len(rows))
	for i, r := range rows {
		names[i] = r.StrategyID
		color := colorLoss
		if r.WinRatio >= 0.5 {
			color = colorWin
		}
		ratio[i] = opts.BarData{
			Value:     round(r.WinRatio*100, 2),
			ItemStyle: &opts.ItemStyle{Color: color},
		}
		wins[i] = opts.BarData{Value: r.Wins}
		losses[i] = opts.BarData{Value: r.Losses}
	}
	bar.SetXAxis(names)
	bar.AddSeries("Win %", ratio)
	bar.AddSeries("Wins", wins, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorWin, Opacity: opts.Float(0.5)}))
	bar.AddSeries("Losses", losses, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorLoss, Opacity: opts.Float(0.5)}))
	return bar
}

func buildPriceChart(rows []eventlog.StrategyPerformance) *charts.Bar {
	bar := charts.NewBar()
	x, y := axisOpts()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts()),
		charts.WithTitleOpts(opts.Title{Title: "Average buy price / payout", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	names := make([]string, len(rows))
	buy := make([]opts.BarData, len(rows))
	payout := make([]opts.BarData, len(rows))
	for i, r := range rows {
		names[i] = r.StrategyID
		buy[i] = opts.BarData{Value: round(r.AvgBuyPrice, 4)}
		payout[i] = opts.BarData{Value: round(r.AvgPayout, 4)}
	}
	bar.SetXAxis(names)
	bar.AddSeries("Avg buy price", buy, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorTextSecondary}))
	bar.AddSeries("Avg payout", payout, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorPayout}))
	return bar
}

// buildPnLChart 把各策略的累计盈亏对齐到同一条时间轴上，缺失点沿用上一值。
func buildPnLChart(rows []eventlog.StrategyPerformance) *charts.Line {
	line := charts.NewLine()
	x, y := axisOpts()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts()),
		charts.WithTitleOpts(opts.Title{Title: "Cumulative P&L", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	axis := timeline(rows)
	labels := make([]string, len(axis))
	for i, ts := range axis {
		labels[i] = ts.UTC().Format("01-02 15:04:05")
	}
	line.SetXAxis(labels)
	for _, r := range rows {
		line.AddSeries(r.StrategyID, alignSeries(axis, r.CumulativePnL))
	}
	return line
}

func timeline(rows []eventlog.StrategyPerformance) []time.Time {
	seen := make(map[int64]time.Time)
	for _, r := range rows {
		for _, p := range r.CumulativePnL {
			seen[p.Timestamp.UnixMilli()] = p.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func alignSeries(axis []time.Time, points []eventlog.PnLPoint) []opts.LineData {
	data := make([]opts.LineData, len(axis))
	idx := 0
	var last *float64
	for i, ts := range axis {
		for idx < len(points) && !points[idx].Timestamp.After(ts) {
			v := round(points[idx].Cumulative, 4)
			last = &v
			idx++
		}
		if last == nil {
			data[i] = opts.LineData{Value: nil}
			continue
		}
		data[i] = opts.LineData{Value: *last}
	}
	return data
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 检查本机是否可以启动 headless Chrome，结果只探测一次。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		defer cancel()
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
