// Package risk 负责下注金额计算与权益回撤跟踪。
package risk

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/1NF3RM0/MyBot/internal/config"
)

var ErrInsufficientBalance = errors.New("risk: balance below min stake")

// Sizer 按 balance × risk_fraction 计算 stake，下限 min_stake，上限 max_stake。
type Sizer struct {
	minStake decimal.Decimal
	maxStake decimal.Decimal
}

func NewSizer(cfg config.TradingConfig) *Sizer {
	return &Sizer{
		minStake: decFromFloat(cfg.MinStake),
		maxStake: decFromFloat(cfg.MaxStake),
	}
}

// Stake 返回保留两位小数的下注金额；余额不足 min_stake 时返回 ErrInsufficientBalance。
func (s *Sizer) Stake(balance decimal.Decimal, riskFraction float64) (decimal.Decimal, error) {
	if balance.LessThan(s.minStake) {
		return decimal.Zero, ErrInsufficientBalance
	}
	frac := decFromFloat(riskFraction)
	if frac.IsNegative() {
		frac = decimal.Zero
	}
	stake := balance.Mul(frac)
	if stake.LessThan(s.minStake) {
		stake = s.minStake
	}
	if s.maxStake.IsPositive() && stake.GreaterThan(s.maxStake) {
		stake = s.maxStake
	}
	return stake.RoundDown(2), nil
}

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}
