package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"

	"github.com/mitchellh/mapstructure"
)

// Config agent 配置文档，以 JSON 保存在 agents.config。
type Config struct {
	Pairs                  []string `json:"pairs" mapstructure:"pairs"`
	Model                  string   `json:"model" mapstructure:"model"`
	AllowFallback          bool     `json:"allow_fallback" mapstructure:"allow_fallback"`
	Strategy               string   `json:"strategy,omitempty" mapstructure:"strategy"`
	Venue                  string   `json:"venue,omitempty" mapstructure:"venue"`
	Persona                string   `json:"persona,omitempty" mapstructure:"persona"`
	AnalysisInterval       string   `json:"analysis_interval" mapstructure:"analysis_interval"`
	InitialBalance         float64  `json:"initial_balance" mapstructure:"initial_balance"`
	Slippage               float64  `json:"slippage" mapstructure:"slippage"`
	MaxPositionSizePct     float64  `json:"max_position_size_pct" mapstructure:"max_position_size_pct"`
	DefaultPositionSizePct float64  `json:"default_position_size_pct" mapstructure:"default_position_size_pct"`
	MaxOpenPositions       int      `json:"max_open_positions" mapstructure:"max_open_positions"`
	StopLossPct            float64  `json:"stop_loss_pct" mapstructure:"stop_loss_pct"`
	TakeProfitPct          float64  `json:"take_profit_pct" mapstructure:"take_profit_pct"`
	MaxDailyLossPct        float64  `json:"max_daily_loss_pct" mapstructure:"max_daily_loss_pct"`
	CooldownMinutes        int      `json:"cooldown_minutes" mapstructure:"cooldown_minutes"`
	RecentDecisions        int      `json:"recent_decisions" mapstructure:"recent_decisions"`
}

// Interval 解析 analysis_interval，非法时回退到 1h。
func (c Config) Interval() time.Duration {
	return scheduler.IntervalOrDefault(c.AnalysisInterval, time.Hour)
}

func (c Config) Validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("agent config: pairs cannot be empty")
	}
	if _, ok := scheduler.ParseIntervalDuration(c.AnalysisInterval); !ok {
		return fmt.Errorf("agent config: invalid analysis_interval %q", c.AnalysisInterval)
	}
	if c.InitialBalance <= 0 {
		return fmt.Errorf("agent config: initial_balance must be > 0")
	}
	if c.Slippage < 0 || c.Slippage >= 1 {
		return fmt.Errorf("agent config: slippage must be in [0,1)")
	}
	if c.MaxPositionSizePct < 0 || c.MaxPositionSizePct > 100 {
		return fmt.Errorf("agent config: max_position_size_pct must be in [0,100]")
	}
	if c.MaxOpenPositions < 0 {
		return fmt.Errorf("agent config: max_open_positions cannot be negative")
	}
	return nil
}

// Decode 以 defaults 为底解析存储的配置文档，缺失字段取默认值。
func Decode(raw []byte, defaults Config) (Config, error) {
	cfg := defaults
	cfg.Pairs = append([]string(nil), defaults.Pairs...)
	if len(strings.TrimSpace(string(raw))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode agent config: %w", err)
	}
	return cfg, nil
}

func (c Config) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Merge 浅合并：params 中出现的顶层键覆盖原值，其余保持不变。
// 键支持 camelCase，未知键返回在 ignored 中。
func Merge(base Config, params map[string]any) (merged Config, ignored []string, err error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return Config{}, nil, err
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Config{}, nil, err
	}
	for k, v := range params {
		doc[snakeKey(k)] = v
	}
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &merged,
		Metadata:         &md,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Config{}, nil, err
	}
	if err := dec.Decode(doc); err != nil {
		return Config{}, nil, fmt.Errorf("merge agent config: %w", err)
	}
	ignored = append(ignored, md.Unused...)
	sort.Strings(ignored)
	return merged, ignored, nil
}

// snakeKey stopLossPct -> stop_loss_pct
func snakeKey(key string) string {
	var sb strings.Builder
	for i, r := range strings.TrimSpace(key) {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
