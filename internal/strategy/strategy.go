// Package strategy 定义封闭的技术分析策略集合：每种 Kind 对应一个带独立参数的结构体，
// 统一通过 Evaluate(snapshot, tuning) 输出 Signal。
package strategy

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/logger"
)

// Kind 策略类型。
type Kind string

const (
	KindGoldenCross       Kind = "golden_cross"
	KindRSIDip            Kind = "rsi_dip"
	KindMACDCrossover     Kind = "macd_crossover"
	KindBollingerBreakout Kind = "bollinger_breakout"
	KindAwesomeOscillator Kind = "awesome_oscillator"
	KindIchimokuCloud     Kind = "ichimoku_cloud"
)

// Kinds 返回全部策略类型，顺序固定。
func Kinds() []Kind {
	return []Kind{KindGoldenCross, KindRSIDip, KindMACDCrossover, KindBollingerBreakout, KindAwesomeOscillator, KindIchimokuCloud}
}

// ParseKind 解析策略类型名称。
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown strategy kind %q", s)
}

// DefaultWeight 各类型的基础权重。
func DefaultWeight(k Kind) float64 {
	switch k {
	case KindGoldenCross:
		return 1.0
	case KindMACDCrossover:
		return 0.9
	case KindBollingerBreakout, KindIchimokuCloud:
		return 0.85
	default:
		return 0.8
	}
}

// Action 信号方向。
type Action string

const (
	ActionCall Action = "call"
	ActionPut  Action = "put"
	ActionNone Action = "none"
)

// Opposite 返回反方向，none 仍为 none。
func (a Action) Opposite() Action {
	switch a {
	case ActionCall:
		return ActionPut
	case ActionPut:
		return ActionCall
	}
	return ActionNone
}

// Signal 是一次策略评估结果。
type Signal struct {
	Symbol     string
	StrategyID string
	Kind       Kind
	Action     Action
	Strength   float64
	Params     map[string]any
	Reason     string
}

// Tuning 是参数调优器下发给策略的阈值，一个周期内所有策略共享同一份。
type Tuning struct {
	SMAThreshold float64
	RSIThreshold float64
}

// Definition 描述一个策略实例，来自 strategies.yaml。
type Definition struct {
	ID     string         `yaml:"id" json:"id"`
	Kind   string         `yaml:"kind" json:"kind"`
	Name   string         `yaml:"name" json:"name"`
	Weight float64        `yaml:"weight" json:"weight"`
	Active *bool          `yaml:"active,omitempty" json:"active,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsActive 未声明 active 时视为启用。
func (d Definition) IsActive() bool {
	return d.Active == nil || *d.Active
}

// Strategy 是所有策略实现的统一接口，Evaluate 只读取快照与自身参数。
type Strategy interface {
	ID() string
	Name() string
	Kind() Kind
	Weight() float64
	Params() map[string]any
	Evaluate(snap indicator.Snapshot, tune Tuning) (Signal, error)
}

// New 根据定义构造策略实例：补齐默认参数并校验。
func New(def Definition) (Strategy, error) {
	kind, err := ParseKind(def.Kind)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(def.ID)
	if id == "" {
		id = string(kind)
	}
	b := base{id: id, name: strings.TrimSpace(def.Name), kind: kind, weight: def.Weight}
	if b.name == "" {
		b.name = id
	}
	if b.weight <= 0 {
		b.weight = DefaultWeight(kind)
	}
	if b.weight > 1 {
		return nil, fmt.Errorf("strategy %s: weight %.2f out of range (0,1]", id, b.weight)
	}
	switch kind {
	case KindGoldenCross:
		s := &GoldenCross{base: b}
		return built(s, decodeParams(id, def.Params, &s.P))
	case KindRSIDip:
		s := &RSIDip{base: b}
		return built(s, decodeParams(id, def.Params, &s.P))
	case KindMACDCrossover:
		s := &MACDCrossover{base: b}
		return built(s, decodeParams(id, def.Params, &s.P))
	case KindBollingerBreakout:
		s := &BollingerBreakout{base: b}
		return built(s, decodeParams(id, def.Params, &s.P))
	case KindAwesomeOscillator:
		s := &AwesomeOscillator{base: b}
		return built(s, decodeParams(id, def.Params, &s.P))
	case KindIchimokuCloud:
		s := &IchimokuCloud{base: b}
		return built(s, decodeParams(id, def.Params, &s.P))
	}
	return nil, fmt.Errorf("unsupported strategy kind %q", kind)
}

func built(s Strategy, err error) (Strategy, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SafeEvaluate 执行 Evaluate，panic 与错误都被转为 ActionNone，并返回错误供上层记录。
func SafeEvaluate(s Strategy, snap indicator.Snapshot, tune Tuning) (sig Signal, err error) {
	none := Signal{Symbol: snap.Symbol, StrategyID: s.ID(), Kind: s.Kind(), Action: ActionNone, Params: s.Params()}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("策略 panic strategy=%s symbol=%s: %v\n%s", s.ID(), snap.Symbol, r, debug.Stack())
			sig = none
			sig.Reason = "panic"
			err = fmt.Errorf("strategy %s panic: %v", s.ID(), r)
		}
	}()
	sig, err = s.Evaluate(snap, tune)
	if err != nil {
		logger.Errorf("策略评估失败 strategy=%s symbol=%s: %v", s.ID(), snap.Symbol, err)
		none.Reason = err.Error()
		return none, err
	}
	sig.Symbol = snap.Symbol
	sig.StrategyID = s.ID()
	sig.Kind = s.Kind()
	if sig.Action == "" {
		sig.Action = ActionNone
	}
	if sig.Action == ActionNone {
		sig.Strength = 0
	}
	sig.Strength = clamp01(sig.Strength)
	return sig, nil
}

type base struct {
	id     string
	name   string
	kind   Kind
	weight float64
}

func (b base) ID() string      { return b.id }
func (b base) Name() string    { return b.name }
func (b base) Kind() Kind      { return b.kind }
func (b base) Weight() float64 { return b.weight }

func (b base) none(reason string) Signal {
	return Signal{StrategyID: b.id, Kind: b.kind, Action: ActionNone, Reason: reason}
}

func (b base) fire(action Action, excess, ref float64, params map[string]any, reason string) Signal {
	return Signal{
		StrategyID: b.id,
		Kind:       b.kind,
		Action:     action,
		Strength:   scaled(b.weight, excess, ref),
		Params:     params,
		Reason:     reason,
	}
}

// scaled 把基础权重按越过阈值的幅度缩放：刚好触发为 weight/2，超出 ref 时为满额。
func scaled(weight, excess, ref float64) float64 {
	ratio := 1.0
	if ref > 0 {
		ratio = clamp01(excess / ref)
	}
	return clamp01(weight * (0.5 + 0.5*ratio))
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
