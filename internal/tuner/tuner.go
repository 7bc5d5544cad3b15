// Package tuner 根据最近一个周期的波动率与账户回撤计算运行参数。
package tuner

import (
	"sync/atomic"
	"time"

	"github.com/1NF3RM0/MyBot/internal/config"
	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

// Band 波动率区间。
type Band string

const (
	BandHigh   Band = "high"
	BandNormal Band = "normal"
	BandLow    Band = "low"
)

// Inputs 调优输入。HasATR=false 表示上一周期没有可用的 atr_pct。
type Inputs struct {
	AvgATRPct float64
	HasATR    bool
	Drawdown  float64
}

// Params 是一个周期内共享的只读参数集。
type Params struct {
	Band         Band
	Cooldown     time.Duration
	SMAThreshold float64
	RSIThreshold float64
	RiskFraction float64
	DrawdownCut  bool
	AvgATRPct    float64
	Drawdown     float64
	ComputedAt   time.Time
}

// Tuning 转成策略使用的阈值。
func (p Params) Tuning() strategy.Tuning {
	return strategy.Tuning{SMAThreshold: p.SMAThreshold, RSIThreshold: p.RSIThreshold}
}

// Compute 纯函数：按波动率选区间，回撤超限时缩小风险比例。
func Compute(in Inputs, cfg config.TunerConfig) Params {
	band, row := BandNormal, cfg.Normal
	if in.HasATR {
		switch {
		case in.AvgATRPct > cfg.HighVolatility:
			band, row = BandHigh, cfg.High
		case in.AvgATRPct < cfg.LowVolatility:
			band, row = BandLow, cfg.Low
		}
	}
	p := Params{
		Band:         band,
		Cooldown:     time.Duration(row.CooldownSeconds) * time.Second,
		SMAThreshold: row.SMAThreshold,
		RSIThreshold: row.RSIThreshold,
		RiskFraction: row.RiskFraction,
		AvgATRPct:    in.AvgATRPct,
		Drawdown:     in.Drawdown,
	}
	if in.Drawdown > cfg.MaxDrawdown {
		p.RiskFraction *= cfg.DrawdownRiskFactor
		p.DrawdownCut = true
	}
	return p
}

// Tuner 以原子指针持有当前参数；周期开始时取一次指针，整个周期都用这一份。
type Tuner struct {
	cfg     config.TunerConfig
	current atomic.Pointer[Params]
	now     func() time.Time
}

// New 以 normal 区间初始化。
func New(cfg config.TunerConfig) *Tuner {
	t := &Tuner{cfg: cfg, now: time.Now}
	initial := Compute(Inputs{}, cfg)
	initial.ComputedAt = t.now()
	t.current.Store(&initial)
	return t
}

// Current 返回当前参数快照。
func (t *Tuner) Current() *Params {
	return t.current.Load()
}

// Retune 计算新参数并整体替换。
func (t *Tuner) Retune(in Inputs) *Params {
	next := Compute(in, t.cfg)
	next.ComputedAt = t.now()
	prev := t.current.Swap(&next)
	if prev == nil || prev.Band != next.Band || prev.DrawdownCut != next.DrawdownCut {
		logger.Infof("[tuner] band=%s atr_pct=%.5f drawdown=%.3f cooldown=%s risk=%.4f", next.Band, in.AvgATRPct, in.Drawdown, next.Cooldown, next.RiskFraction)
	}
	return &next
}

// EveryCycles 返回调优间隔（周期数）。
func (t *Tuner) EveryCycles() int {
	if t.cfg.EveryCycles <= 0 {
		return 1
	}
	return t.cfg.EveryCycles
}
