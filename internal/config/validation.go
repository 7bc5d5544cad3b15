package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

var knownRegimes = map[string]struct{}{
	"trending": {},
	"ranging":  {},
	"volatile": {},
}

// validate 对配置进行基础校验：先走 struct tag，再做跨字段检查。
func validate(c *Config) error {
	if err := structValidator.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Regime.validate(); err != nil {
		return err
	}
	if err := c.Governor.validate(); err != nil {
		return err
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(parts, "; "))
}

func (m *MarketConfig) validate() error {
	if m.Source == "static" && len(m.Symbols) == 0 {
		return fmt.Errorf("market.symbols is required when market.source=static")
	}
	if m.Proxy.Enabled && m.Proxy.RESTURL == "" && m.Proxy.WSURL == "" {
		return fmt.Errorf("market.proxy enabled but no rest_url or ws_url")
	}
	if m.HigherInterval != "" && m.HigherInterval == m.Interval {
		return fmt.Errorf("market.higher_interval must differ from market.interval")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if t.MinStake > t.MaxAskPrice {
		return fmt.Errorf("trading.min_stake (%.2f) exceeds trading.max_ask_price (%.2f)", t.MinStake, t.MaxAskPrice)
	}
	if t.TrailingStopPercent > 0 && t.TrailingActivationPercent < t.TrailingStopPercent {
		return fmt.Errorf("trading.trailing_activation_percent must be >= trading.trailing_stop_percent")
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	for name, kinds := range r.Routing {
		if _, ok := knownRegimes[name]; !ok {
			return fmt.Errorf("regime.routing has unknown regime %q", name)
		}
		if len(kinds) == 0 {
			return fmt.Errorf("regime.routing.%s is empty", name)
		}
	}
	return nil
}

func (g *GovernorConfig) validate() error {
	if g.ReenableWindow > g.HistoryWindow {
		return fmt.Errorf("governor.reenable_window (%d) exceeds governor.history_window (%d)", g.ReenableWindow, g.HistoryWindow)
	}
	return nil
}
