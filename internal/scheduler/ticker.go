// Package scheduler 提供固定间隔的周期驱动与 K 线周期解析。
package scheduler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/1NF3RM0/MyBot/internal/logger"
)

// Ticker 以固定间隔驱动 task：间隔从上一次 task 结束开始计算，
// 因此慢周期不会堆积。
type Ticker struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewTicker(name string, interval time.Duration, runImmediately bool) *Ticker {
	return &Ticker{
		Name:           name,
		Interval:       interval,
		RunImmediately: runImmediately,
		nowFn:          time.Now,
	}
}

// Run 阻塞直到 ctx 取消，返回已执行的次数。
func (t *Ticker) Run(ctx context.Context, task func(ctx context.Context)) int {
	if t == nil || task == nil {
		return 0
	}
	prefix := "Ticker"
	if t.Name != "" {
		prefix += "[" + t.Name + "]"
	}
	if t.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, t.Interval)
		return 0
	}
	if t.nowFn == nil {
		t.nowFn = time.Now
	}
	startAt := t.nowFn().UTC()
	logger.Infof("%s: started interval=%s run_immediately=%v at=%s",
		prefix, t.Interval, t.RunImmediately, startAt.Format(time.RFC3339))

	runs := 0
	if t.RunImmediately {
		if ctx.Err() != nil {
			return runs
		}
		task(ctx)
		runs++
	}
	for {
		timer := time.NewTimer(t.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("%s: ctx done after %d runs, uptime=%s", prefix, runs, t.nowFn().UTC().Sub(startAt).Truncate(time.Second))
			return runs
		case <-timer.C:
		}
		task(ctx)
		runs++
	}
}

// ParseIntervalDuration 解析 "30s", "15m", "1h", "4h", "1d", "1w"。
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(strings.TrimSpace(interval[:len(interval)-1]))
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	}
	return 0, false
}
