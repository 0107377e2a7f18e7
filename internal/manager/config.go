package manager

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
)

// Config manager 配置文档，保存在 managers.config。
type Config struct {
	Model            string `json:"model"`
	AllowFallback    bool   `json:"allow_fallback"`
	DecisionInterval string `json:"decision_interval"`
	Persona          string `json:"persona,omitempty"`
	RiskTolerance    string `json:"risk_tolerance"`
	MaxAgents        int    `json:"max_agents"`
	MaxInstruments   int    `json:"max_instruments"`
	RecentTrades     int    `json:"recent_trades"`
	PreviewChars     int    `json:"preview_chars"`
}

func (c Config) Interval() time.Duration {
	return scheduler.IntervalOrDefault(c.DecisionInterval, 24*time.Hour)
}

func (c Config) Validate() error {
	if _, ok := scheduler.ParseIntervalDuration(c.DecisionInterval); !ok {
		return fmt.Errorf("manager config: invalid decision_interval %q", c.DecisionInterval)
	}
	switch strings.ToLower(c.RiskTolerance) {
	case "", "conservative", "moderate", "aggressive":
	default:
		return fmt.Errorf("manager config: unknown risk_tolerance %q", c.RiskTolerance)
	}
	if c.MaxAgents < 0 || c.MaxInstruments < 0 || c.RecentTrades < 0 {
		return fmt.Errorf("manager config: limits cannot be negative")
	}
	return nil
}

func DecodeConfig(raw []byte, defaults Config) (Config, error) {
	cfg := defaults
	if len(strings.TrimSpace(string(raw))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode manager config: %w", err)
	}
	return cfg, nil
}

// MergeConfig 用 params 的顶层键覆盖 base。
func MergeConfig(base Config, params map[string]any) (Config, error) {
	if len(params) == 0 {
		return base, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Config{}, err
	}
	return DecodeConfig(raw, base)
}

func (c Config) Encode() ([]byte, error) {
	return json.Marshal(c)
}
