package strategy

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var paramValidator = validator.New()

// GoldenCrossParams 快慢均线周期，只支持快照中已有的 SMA。
type GoldenCrossParams struct {
	Fast int `mapstructure:"fast" default:"10" validate:"oneof=10 20 25 50 200,ltfield=Slow"`
	Slow int `mapstructure:"slow" default:"25" validate:"oneof=10 20 25 50 200"`
}

type RSIDipParams struct {
	Dip  float64 `mapstructure:"dip" default:"45" validate:"gt=0,ltfield=Peak"`
	Peak float64 `mapstructure:"peak" default:"70" validate:"lt=100"`
}

// MACDCrossoverParams MinGap 为 MACD 与信号线差值占收盘价的最小比例。
type MACDCrossoverParams struct {
	MinGap float64 `mapstructure:"min_gap" default:"0" validate:"gte=0,lt=0.1"`
}

// BollingerBreakoutParams Buffer 为突破轨道的最小比例。
type BollingerBreakoutParams struct {
	Buffer float64 `mapstructure:"buffer" default:"0" validate:"gte=0,lt=0.1"`
}

type AwesomeOscillatorParams struct {
	MinGap float64 `mapstructure:"min_gap" default:"0" validate:"gte=0,lt=0.1"`
}

// IchimokuCloudParams Buffer 为收盘价离开云层的最小比例。
type IchimokuCloudParams struct {
	Buffer float64 `mapstructure:"buffer" default:"0" validate:"gte=0,lt=0.1"`
}

// decodeParams 依次应用默认值、覆盖配置、校验。未知字段视为错误。
func decodeParams(id string, raw map[string]any, dst any) error {
	if err := defaults.Set(dst); err != nil {
		return fmt.Errorf("strategy %s: apply defaults: %w", id, err)
	}
	if len(raw) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           dst,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return fmt.Errorf("strategy %s: %w", id, err)
		}
		if err := dec.Decode(raw); err != nil {
			return fmt.Errorf("strategy %s: decode params: %w", id, err)
		}
	}
	if err := paramValidator.Struct(dst); err != nil {
		return fmt.Errorf("strategy %s: invalid params: %w", id, err)
	}
	return nil
}

// paramsMap 把参数结构体转成 map，用于信号留痕与控制面展示。
func paramsMap(p any) map[string]any {
	out := make(map[string]any)
	if err := mapstructure.Decode(p, &out); err != nil {
		return map[string]any{}
	}
	return out
}
