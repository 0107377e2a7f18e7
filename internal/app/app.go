// Package app 负责应用级编排：装配依赖、恢复调度、运行 HTTP 接口与自愈巡检。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jan-miksik/heppy-market-sub000/internal/agent"
	"github.com/jan-miksik/heppy-market-sub000/internal/config"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/manager"
	"github.com/jan-miksik/heppy-market-sub000/internal/oracle"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	httpapi "github.com/jan-miksik/heppy-market-sub000/internal/transport/http"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg      *config.Config
	cfgPath  string
	store    store.Store
	closers  []io.Closer
	alarm    scheduler.Alarm
	policy   *oracle.ModelPolicy
	agents   *agent.Registry
	managers *manager.Registry
	http     *httpapi.Server
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(ctx context.Context, cfg *config.Config, cfgPath string) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	return NewBuilder(cfg, WithConfigPath(cfgPath)).Build(ctx)
}

func (a *App) Agents() *agent.Registry { return a.agents }

func (a *App) Managers() *manager.Registry { return a.managers }

// Start 写入种子并恢复 running 状态的调度；Run 会先调用它。
func (a *App) Start(ctx context.Context) error {
	if path := a.cfg.App.SeedPath; path != "" {
		seeds, err := LoadSeeds(path)
		if err != nil {
			return err
		}
		if err := ApplySeeds(ctx, seeds, a.agents, a.managers); err != nil {
			return err
		}
	}
	if err := a.managers.Restore(ctx); err != nil {
		return fmt.Errorf("restore managers: %w", err)
	}
	if err := a.agents.Restore(ctx); err != nil {
		return fmt.Errorf("restore agents: %w", err)
	}
	return nil
}

// Run 阻塞直到 ctx 取消或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return errors.New("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return a.runHealSweep(ctx)
	})
	if a.cfgPath != "" {
		if err := config.Watch(a.cfgPath, a.applyConfig); err != nil {
			logger.Warnf("config watch disabled: %v", err)
		}
	}
	return group.Wait()
}

// runHealSweep 定期读取所有 running 调度的状态，借 Status 的自愈规则补回丢失的唤醒。
func (a *App) runHealSweep(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(a.cfg.Scheduler.HealSweepSpec, func() { a.heal(ctx) }); err != nil {
		return fmt.Errorf("heal sweep %q: %w", a.cfg.Scheduler.HealSweepSpec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (a *App) heal(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	a.managers.Heal(ctx)
	a.agents.Heal(ctx)
}

// applyConfig 热更新：只有模型白名单、默认模型与日志级别在运行时生效。
func (a *App) applyConfig(cfg *config.Config) {
	a.policy.Update(cfg.AI.DefaultModel, cfg.AI.AllowedModels)
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("model policy updated: default=%s allowed=%v", cfg.AI.DefaultModel, cfg.AI.AllowedModels)
}

// Close 停止定时器，等待进行中的 tick 收尾后关闭存储。
func (a *App) Close() {
	if a == nil {
		return
	}
	if closer, ok := a.alarm.(interface{ Close() }); ok {
		closer.Close()
	}
	a.agents.Wait()
	a.managers.Wait()
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}
	a.closers = nil
}
