package config

import (
	"fmt"
	"strings"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"

	"github.com/robfig/cron/v3"
)

var knownProviders = map[string]struct{}{
	"geckoterminal": {},
	"dexscreener":   {},
	"binance":       {},
}

// validate 对配置进行基础校验。
func validate(c *Config) error {
	checks := []func() error{
		c.App.validate,
		c.Database.validate,
		c.Cache.validate,
		c.Market.validate,
		c.AI.validate,
		c.Agent.validate,
		c.Manager.validate,
		c.Scheduler.validate,
		c.Notify.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (a *AppConfig) validate() error {
	if _, ok := logger.ParseLevel(a.LogLevel); !ok {
		return fmt.Errorf("app.log_level %q is not a known level", a.LogLevel)
	}
	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case "sqlite":
		if strings.TrimSpace(d.Path) == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(d.DSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or memory, got %q", d.Driver)
	}
	return nil
}

func (c *CacheConfig) validate() error {
	switch c.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("cache.redis_addr is required for redis")
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("cache.redis_db must be >= 0")
		}
	default:
		return fmt.Errorf("cache.driver must be memory or redis, got %q", c.Driver)
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Providers) == 0 {
		return fmt.Errorf("market.providers requires at least one provider")
	}
	for _, p := range m.Providers {
		if _, ok := knownProviders[p]; !ok {
			return fmt.Errorf("market.providers contains unknown provider %q", p)
		}
	}
	return nil
}

func (a *AIConfig) validate() error {
	if strings.TrimSpace(a.DefaultModel) == "" {
		return fmt.Errorf("ai.default_model is required")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("ai.temperature must be in [0,2]")
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("ai.max_retries must be >= 0")
	}
	return nil
}

func (a *AgentDefaults) validate() error {
	if _, ok := scheduler.ParseIntervalDuration(a.AnalysisInterval); !ok {
		return fmt.Errorf("agent.analysis_interval %q is not a valid interval", a.AnalysisInterval)
	}
	if a.Slippage < 0 || a.Slippage >= 1 {
		return fmt.Errorf("agent.slippage must be in [0,1)")
	}
	if a.MaxPositionSizePct < 0 || a.MaxPositionSizePct > 100 {
		return fmt.Errorf("agent.max_position_size_pct must be in [0,100]")
	}
	if a.MaxOpenPositions < 0 || a.CooldownMinutes < 0 {
		return fmt.Errorf("agent limits cannot be negative")
	}
	return nil
}

func (m *ManagerDefaults) validate() error {
	if _, ok := scheduler.ParseIntervalDuration(m.DecisionInterval); !ok {
		return fmt.Errorf("manager.decision_interval %q is not a valid interval", m.DecisionInterval)
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if _, err := cron.ParseStandard(s.HealSweepSpec); err != nil {
		return fmt.Errorf("scheduler.heal_sweep_spec: %w", err)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram enabled but bot_token or chat_id is empty")
	}
	return nil
}
