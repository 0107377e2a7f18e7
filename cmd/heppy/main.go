package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jan-miksik/heppy-market-sub000/internal/app"
	"github.com/jan-miksik/heppy-market-sub000/internal/config"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
)

func main() {
	flagPath := flag.String("config", "", "config file path (overrides "+config.EnvConfigPath+")")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := config.Path(*flagPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLLMWriter(nil)
	if cfg.App.LLMDump {
		f, err := openAppend(cfg.App.LLMLog)
		if err != nil {
			log.Fatalf("初始化 LLM 日志失败: %v", err)
		}
		if f != nil {
			logger.SetLLMWriter(f)
			defer f.Close()
		}
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.EnableLLMPayloadDump(cfg.App.LLMDump)
	logger.Infof("✓ 配置加载成功（环境=%s，配置=%s）", cfg.App.Env, cfgPath)

	a, err := app.NewApp(ctx, cfg, cfgPath)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("shutdown complete")
}

func setupLogOutput(path string) (*os.File, error) {
	file, err := openAppend(path)
	if err != nil || file == nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

func openAppend(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
