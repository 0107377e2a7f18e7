package config

import "strings"

// Config 服务主配置，对应 configs/config.yaml。
type Config struct {
	App       AppConfig       `toml:"app"`
	Database  DatabaseConfig  `toml:"database"`
	Cache     CacheConfig     `toml:"cache"`
	Market    MarketConfig    `toml:"market"`
	AI        AIConfig        `toml:"ai"`
	Agent     AgentDefaults   `toml:"agent"`
	Manager   ManagerDefaults `toml:"manager"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	LLMLog   string `toml:"llm_log_path"`
	LLMDump  bool   `toml:"llm_dump_payload"`
	SeedPath string `toml:"seed_path"`
}

// DatabaseConfig driver: sqlite | postgres | memory。
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type CacheConfig struct {
	Driver        string `toml:"driver"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	TTLSeconds    int    `toml:"ttl_seconds"`
}

// MarketConfig Providers 的顺序即降级顺序。
type MarketConfig struct {
	Providers              []string `toml:"providers"`
	Network                string   `toml:"network"`
	GeckoTerminalURL       string   `toml:"geckoterminal_url"`
	DexScreenerURL         string   `toml:"dexscreener_url"`
	BinanceURL             string   `toml:"binance_url"`
	TimeoutSeconds         int      `toml:"timeout_seconds"`
	Candles                int      `toml:"candles"`
	BreakerThreshold       int      `toml:"breaker_threshold"`
	BreakerCooldownSeconds int      `toml:"breaker_cooldown_seconds"`
}

// AIConfig OpenAI 兼容接口；api_key 也可以来自环境变量 HEPPY_AI_API_KEY / OPENROUTER_API_KEY。
type AIConfig struct {
	APIURL         string   `toml:"api_url"`
	APIKey         string   `toml:"api_key"`
	DefaultModel   string   `toml:"default_model"`
	AllowedModels  []string `toml:"allowed_models"`
	FallbackModels []string `toml:"fallback_models"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	Temperature    float64  `toml:"temperature"`
	MaxRetries     int      `toml:"max_retries"`
}

// AgentDefaults 新建 agent 时未指定字段的默认值。
type AgentDefaults struct {
	Pairs                  []string `toml:"pairs"`
	Strategy               string   `toml:"strategy"`
	Venue                  string   `toml:"venue"`
	AnalysisInterval       string   `toml:"analysis_interval"`
	InitialBalance         float64  `toml:"initial_balance"`
	Slippage               float64  `toml:"slippage"`
	MaxPositionSizePct     float64  `toml:"max_position_size_pct"`
	DefaultPositionSizePct float64  `toml:"default_position_size_pct"`
	MaxOpenPositions       int      `toml:"max_open_positions"`
	StopLossPct            float64  `toml:"stop_loss_pct"`
	TakeProfitPct          float64  `toml:"take_profit_pct"`
	MaxDailyLossPct        float64  `toml:"max_daily_loss_pct"`
	CooldownMinutes        int      `toml:"cooldown_minutes"`
	RecentDecisions        int      `toml:"recent_decisions"`
}

type ManagerDefaults struct {
	DecisionInterval string `toml:"decision_interval"`
	RiskTolerance    string `toml:"risk_tolerance"`
	MaxInstruments   int    `toml:"max_instruments"`
	RecentTrades     int    `toml:"recent_trades"`
	PreviewChars     int    `toml:"preview_chars"`
}

type SchedulerConfig struct {
	FirstTickDelaySeconds int    `toml:"first_tick_delay_seconds"`
	HealAfterSeconds      int    `toml:"heal_after_seconds"`
	HealDelaySeconds      int    `toml:"heal_delay_seconds"`
	StaleTickMinutes      int    `toml:"stale_tick_minutes"`
	HealSweepSpec         string `toml:"heal_sweep_spec"`
}

// NotifyConfig 风控事件推送；bot_token 也可以来自 HEPPY_TELEGRAM_BOT_TOKEN。
type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	APIURL   string `toml:"api_url"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

// fieldDefault key 已在配置文件中出现时跳过；need 为 nil 表示只要未设置就应用。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
