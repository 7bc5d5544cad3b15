// Package brokertest 提供基于 testify/mock 的 Brokerage 替身。
package brokertest

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/1NF3RM0/MyBot/internal/broker"
	"github.com/1NF3RM0/MyBot/internal/strategy"
)

type MockBrokerage struct {
	mock.Mock
}

var _ broker.Brokerage = (*MockBrokerage)(nil)

func (m *MockBrokerage) Propose(ctx context.Context, symbol string, direction strategy.Action, stake decimal.Decimal) (broker.Quote, error) {
	args := m.Called(ctx, symbol, direction, stake)
	return args.Get(0).(broker.Quote), args.Error(1)
}

func (m *MockBrokerage) Buy(ctx context.Context, quoteID string) (broker.Contract, error) {
	args := m.Called(ctx, quoteID)
	return args.Get(0).(broker.Contract), args.Error(1)
}

func (m *MockBrokerage) Sell(ctx context.Context, contractID string) (broker.SellResult, error) {
	args := m.Called(ctx, contractID)
	return args.Get(0).(broker.SellResult), args.Error(1)
}

func (m *MockBrokerage) OpenContracts(ctx context.Context) ([]broker.Position, error) {
	args := m.Called(ctx)
	var out []broker.Position
	if v := args.Get(0); v != nil {
		out = v.([]broker.Position)
	}
	return out, args.Error(1)
}

func (m *MockBrokerage) Balance(ctx context.Context) (broker.Balance, error) {
	args := m.Called(ctx)
	return args.Get(0).(broker.Balance), args.Error(1)
}
