package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jan-miksik/heppy-market-sub000/internal/config"
)

// StartupSummary 启动时打印一次的配置摘要。
type StartupSummary struct {
	Env            string
	HTTPAddr       string
	Database       string
	Sources        []string
	Cache          string
	DefaultModel   string
	AllowedModels  []string
	FallbackModels []string
	AgentInterval  string
	ManagerCadence string
	HealSweep      string
}

func newStartupSummary(cfg *config.Config, stack *MarketStack) *StartupSummary {
	db := cfg.Database.Driver
	if cfg.Database.Driver == "sqlite" {
		db += " (" + cfg.Database.Path + ")"
	}
	return &StartupSummary{
		Env:            cfg.App.Env,
		HTTPAddr:       cfg.App.HTTPAddr,
		Database:       db,
		Sources:        stack.Sources,
		Cache:          stack.Cache,
		DefaultModel:   cfg.AI.DefaultModel,
		AllowedModels:  cfg.AI.AllowedModels,
		FallbackModels: cfg.AI.FallbackModels,
		AgentInterval:  cfg.Agent.AnalysisInterval,
		ManagerCadence: cfg.Manager.DecisionInterval,
		HealSweep:      cfg.Scheduler.HealSweepSpec,
	}
}

func (s *StartupSummary) Print() {
	s.Render(os.Stdout)
}

func (s *StartupSummary) Render(w io.Writer) {
	if s == nil {
		return
	}
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  环境:       %s\n", orDash(s.Env))
	fmt.Fprintf(w, "  HTTP:       %s\n", orDash(s.HTTPAddr))
	fmt.Fprintf(w, "  存储:       %s\n", orDash(s.Database))
	fmt.Fprintf(w, "  行情来源:   %s (cache=%s)\n", formatList(s.Sources), orDash(s.Cache))
	fmt.Fprintf(w, "  默认模型:   %s\n", orDash(s.DefaultModel))
	fmt.Fprintf(w, "  模型白名单: %s\n", formatList(s.AllowedModels))
	fmt.Fprintf(w, "  备用模型:   %s\n", formatList(s.FallbackModels))
	fmt.Fprintf(w, "  agent 周期: %s / manager 周期: %s\n", orDash(s.AgentInterval), orDash(s.ManagerCadence))
	fmt.Fprintf(w, "  自愈巡检:   %s\n", orDash(s.HealSweep))
	fmt.Fprintln(w, line)
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
