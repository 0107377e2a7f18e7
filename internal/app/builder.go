package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/agent"
	"github.com/jan-miksik/heppy-market-sub000/internal/config"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/manager"
	"github.com/jan-miksik/heppy-market-sub000/internal/market"
	"github.com/jan-miksik/heppy-market-sub000/internal/notify"
	"github.com/jan-miksik/heppy-market-sub000/internal/oracle"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/gormstore"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/memstore"
	httpapi "github.com/jan-miksik/heppy-market-sub000/internal/transport/http"
)

// Builder 按配置装配依赖；各 *Fn 字段可在测试中替换。
type Builder struct {
	cfg     *config.Config
	cfgPath string

	storeFn     func(config.DatabaseConfig) (store.Store, io.Closer, error)
	marketFn    func(*config.Config) (*MarketStack, error)
	completerFn func(config.AIConfig) oracle.Completer
	alarm       scheduler.Alarm
}

type BuilderOption func(*Builder)

// WithConfigPath 设置后 Run 会监听该文件并热更新模型白名单。
func WithConfigPath(path string) BuilderOption {
	return func(b *Builder) { b.cfgPath = strings.TrimSpace(path) }
}

func WithStore(st store.Store) BuilderOption {
	return func(b *Builder) {
		b.storeFn = func(config.DatabaseConfig) (store.Store, io.Closer, error) { return st, nil, nil }
	}
}

func WithMarket(p market.Provider) BuilderOption {
	return func(b *Builder) {
		b.marketFn = func(*config.Config) (*MarketStack, error) { return &MarketStack{Provider: p}, nil }
	}
}

func WithCompleter(c oracle.Completer) BuilderOption {
	return func(b *Builder) {
		b.completerFn = func(config.AIConfig) oracle.Completer { return c }
	}
}

func WithAlarm(a scheduler.Alarm) BuilderOption {
	return func(b *Builder) { b.alarm = a }
}

func NewBuilder(cfg *config.Config, opts ...BuilderOption) *Builder {
	b := &Builder{
		cfg:         cfg,
		storeFn:     openStore,
		marketFn:    buildMarketStack,
		completerFn: buildCompleter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openStore(cfg config.DatabaseConfig) (store.Store, io.Closer, error) {
	if strings.EqualFold(cfg.Driver, "memory") {
		logger.Warnf("database driver memory: state is lost on restart")
		return memstore.New(), nil, nil
	}
	gs, err := gormstore.Open(gormstore.Options{Driver: cfg.Driver, Path: cfg.Path, DSN: cfg.DSN})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return gs, gs, nil
}

func buildCompleter(cfg config.AIConfig) oracle.Completer {
	if strings.TrimSpace(cfg.APIKey) == "" {
		logger.Warnf("ai.api_key not set: every decision will hold until credentials are configured")
	}
	return oracle.NewOpenAIClient(oracle.ClientConfig{
		BaseURL:     cfg.APIURL,
		APIKey:      cfg.APIKey,
		MaxRetries:  cfg.MaxRetries,
		Temperature: cfg.Temperature,
		HTTPTimeout: seconds(cfg.TimeoutSeconds),
	})
}

func buildNotifier(cfg config.NotifyConfig) notify.Notifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notify.Nop{}
	}
	logger.Infof("✓ telegram notifications enabled (chat %s)", tg.ChatID)
	return notify.NewTelegram(tg.APIURL, tg.BotToken, tg.ChatID)
}

// Build 装配存储、行情、oracle、两个注册表与 HTTP 接口；ctx 是所有调度循环的根 context。
func (b *Builder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, errors.New("nil config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	st, closer, err := b.storeFn(cfg.Database)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success && closer != nil {
			_ = closer.Close()
		}
	}()

	stack, err := b.marketFn(cfg)
	if err != nil {
		return nil, err
	}

	policy := oracle.NewModelPolicy(cfg.AI.DefaultModel, cfg.AI.AllowedModels)
	orc := oracle.New(b.completerFn(cfg.AI), policy, cfg.AI.FallbackModels, seconds(cfg.AI.TimeoutSeconds))

	alarm := b.alarm
	if alarm == nil {
		alarm = scheduler.NewTimerAlarm()
	}
	opts := schedulerOptions(cfg.Scheduler)

	agents := agent.NewRegistry(ctx, agent.Deps{
		Store:    st,
		Market:   stack.Provider,
		Oracle:   orc,
		Notifier: buildNotifier(cfg.Notify),
		Defaults: agentDefaults(cfg),
	}, alarm, opts, policy)
	managers := manager.NewRegistry(ctx, manager.Deps{
		Store:    st,
		Agents:   agents,
		Market:   stack.Provider,
		Oracle:   orc,
		Defaults: managerDefaults(cfg),
	}, alarm, opts, policy)

	srv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:     cfg.App.HTTPAddr,
		Agents:   agents,
		Managers: managers,
		History:  st,
	})
	if err != nil {
		return nil, err
	}

	success = true
	return &App{
		cfg:      cfg,
		cfgPath:  b.cfgPath,
		store:    st,
		closers:  compactClosers(closer, stack.Closer),
		alarm:    alarm,
		policy:   policy,
		agents:   agents,
		managers: managers,
		http:     srv,
		Summary:  newStartupSummary(cfg, stack),
	}, nil
}

func agentDefaults(cfg *config.Config) agent.Config {
	d := cfg.Agent
	return agent.Config{
		Pairs:                  d.Pairs,
		Model:                  cfg.AI.DefaultModel,
		Strategy:               d.Strategy,
		Venue:                  d.Venue,
		AnalysisInterval:       d.AnalysisInterval,
		InitialBalance:         d.InitialBalance,
		Slippage:               d.Slippage,
		MaxPositionSizePct:     d.MaxPositionSizePct,
		DefaultPositionSizePct: d.DefaultPositionSizePct,
		MaxOpenPositions:       d.MaxOpenPositions,
		StopLossPct:            d.StopLossPct,
		TakeProfitPct:          d.TakeProfitPct,
		MaxDailyLossPct:        d.MaxDailyLossPct,
		CooldownMinutes:        d.CooldownMinutes,
		RecentDecisions:        d.RecentDecisions,
	}
}

func managerDefaults(cfg *config.Config) manager.Config {
	d := cfg.Manager
	return manager.Config{
		Model:            cfg.AI.DefaultModel,
		DecisionInterval: d.DecisionInterval,
		RiskTolerance:    d.RiskTolerance,
		MaxInstruments:   d.MaxInstruments,
		RecentTrades:     d.RecentTrades,
		PreviewChars:     d.PreviewChars,
	}
}

func schedulerOptions(cfg config.SchedulerConfig) scheduler.Options {
	return scheduler.Options{
		FirstTickDelay: seconds(cfg.FirstTickDelaySeconds),
		HealAfter:      seconds(cfg.HealAfterSeconds),
		HealDelay:      seconds(cfg.HealDelaySeconds),
		StaleTickAfter: time.Duration(cfg.StaleTickMinutes) * time.Minute,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func compactClosers(in ...io.Closer) []io.Closer {
	out := make([]io.Closer, 0, len(in))
	for _, c := range in {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
