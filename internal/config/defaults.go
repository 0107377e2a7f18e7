package config

import "strings"

const (
	defaultAppEnv         = "dev"
	defaultAppLogLevel    = "info"
	defaultAppHTTPAddr    = ":8787"
	defaultAppLogPath     = "data/logs/heppy.log"
	defaultAppLLMLogPath  = "data/logs/heppy-llm.log"
	defaultDBDriver       = "sqlite"
	defaultDBPath         = "data/heppy.db"
	defaultCacheDriver    = "memory"
	defaultCacheTTL       = 30
	defaultMarketNetwork  = "base"
	defaultMarketTimeout  = 10
	defaultMarketCandles  = 48
	defaultBreakerFails   = 3
	defaultBreakerCool    = 60
	defaultAIAPIURL       = "https://openrouter.ai/api/v1"
	defaultAIModel        = "meta-llama/llama-3.3-70b-instruct:free"
	defaultAITimeout      = 45
	defaultAITemperature  = 0.2
	defaultAIMaxRetries   = 1
	defaultAgentInterval  = "1h"
	defaultManagerEvery   = "1d"
	defaultRiskTolerance  = "moderate"
	defaultHealSweepSpec  = "@every 30s"
	defaultFirstTickDelay = 5
	defaultHealAfter      = 10
	defaultHealDelay      = 3
	defaultStaleTick      = 15
)

var (
	defaultMarketProviders = []string{"geckoterminal", "dexscreener"}
	defaultAgentPairs      = []string{"WETH/USDC"}
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Agent.applyDefaults(keys)
	c.Manager.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.llm_log_path", &a.LLMLog, defaultAppLLMLogPath),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("database.driver", &d.Driver, defaultDBDriver),
		stringFieldDefault("database.path", &d.Path, defaultDBPath),
	)
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("cache.driver", &c.Driver, defaultCacheDriver),
		positiveFieldDefault(&c.TTLSeconds, defaultCacheTTL),
	)
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "market.providers",
			need:  func() bool { return len(m.Providers) == 0 },
			apply: func() { m.Providers = append([]string(nil), defaultMarketProviders...) },
		},
		stringFieldDefault("market.network", &m.Network, defaultMarketNetwork),
		positiveFieldDefault(&m.TimeoutSeconds, defaultMarketTimeout),
		positiveFieldDefault(&m.Candles, defaultMarketCandles),
		positiveFieldDefault(&m.BreakerThreshold, defaultBreakerFails),
		positiveFieldDefault(&m.BreakerCooldownSeconds, defaultBreakerCool),
	)
	m.Providers = normalizeList(m.Providers, true)
}

func (a *AIConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("ai.api_url", &a.APIURL, defaultAIAPIURL),
		stringFieldDefault("ai.default_model", &a.DefaultModel, defaultAIModel),
		positiveFieldDefault(&a.TimeoutSeconds, defaultAITimeout),
		unsetFieldDefault("ai.temperature", &a.Temperature, defaultAITemperature),
		unsetFieldDefault("ai.max_retries", &a.MaxRetries, defaultAIMaxRetries),
	)
	a.AllowedModels = normalizeList(a.AllowedModels, false)
	a.FallbackModels = normalizeList(a.FallbackModels, false)
}

// Agent 的数值默认值只在键缺省时应用，显式写 0 表示关闭对应风控。
func (a *AgentDefaults) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "agent.pairs",
			need:  func() bool { return len(a.Pairs) == 0 },
			apply: func() { a.Pairs = append([]string(nil), defaultAgentPairs...) },
		},
		stringFieldDefault("agent.analysis_interval", &a.AnalysisInterval, defaultAgentInterval),
		positiveFieldDefault(&a.InitialBalance, 10000),
		unsetFieldDefault("agent.slippage", &a.Slippage, 0.003),
		unsetFieldDefault("agent.max_position_size_pct", &a.MaxPositionSizePct, 25),
		unsetFieldDefault("agent.default_position_size_pct", &a.DefaultPositionSizePct, 10),
		unsetFieldDefault("agent.max_open_positions", &a.MaxOpenPositions, 3),
		unsetFieldDefault("agent.stop_loss_pct", &a.StopLossPct, 5),
		unsetFieldDefault("agent.take_profit_pct", &a.TakeProfitPct, 7),
		unsetFieldDefault("agent.max_daily_loss_pct", &a.MaxDailyLossPct, 10),
		unsetFieldDefault("agent.cooldown_minutes", &a.CooldownMinutes, 30),
		positiveFieldDefault(&a.RecentDecisions, 10),
	)
}

func (m *ManagerDefaults) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("manager.decision_interval", &m.DecisionInterval, defaultManagerEvery),
		stringFieldDefault("manager.risk_tolerance", &m.RiskTolerance, defaultRiskTolerance),
		positiveFieldDefault(&m.MaxInstruments, 5),
		positiveFieldDefault(&m.RecentTrades, 10),
		positiveFieldDefault(&m.PreviewChars, 200),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		positiveFieldDefault(&s.FirstTickDelaySeconds, defaultFirstTickDelay),
		positiveFieldDefault(&s.HealAfterSeconds, defaultHealAfter),
		positiveFieldDefault(&s.HealDelaySeconds, defaultHealDelay),
		positiveFieldDefault(&s.StaleTickMinutes, defaultStaleTick),
		stringFieldDefault("scheduler.heal_sweep_spec", &s.HealSweepSpec, defaultHealSweepSpec),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

// positiveFieldDefault 值 <= 0 时应用，即使键已显式设置。
func positiveFieldDefault[T int | float64](target *T, def T) fieldDefault {
	return fieldDefault{
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// unsetFieldDefault 仅在键缺省时应用，允许显式配置为 0。
func unsetFieldDefault[T int | float64](key string, target *T, def T) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}

func normalizeList(in []string, lower bool) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if lower {
			item = strings.ToLower(item)
		}
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
