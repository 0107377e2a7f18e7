// Package config 加载 YAML 配置：include 合并、按键补默认值、分段校验，并支持热更新。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	EnvConfigPath = "HEPPY_CONFIG"
	DefaultPath   = "configs/config.yaml"
)

// Path 配置文件路径：显式参数优先，其次环境变量，最后默认路径。
func Path(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	files, err := resolveIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeFile(v, file); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	// 密钥不写进配置文件时从环境变量读取
	_ = v.BindEnv("ai.api_key", "HEPPY_AI_API_KEY", "OPENROUTER_API_KEY")
	_ = v.BindEnv("database.dsn", "HEPPY_DATABASE_DSN")
	_ = v.BindEnv("cache.redis_password", "HEPPY_REDIS_PASSWORD")
	_ = v.BindEnv("notify.telegram.bot_token", "HEPPY_TELEGRAM_BOT_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	keys := make(keySet)
	flattenKeys("", v.AllSettings(), keys)
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// resolveIncludes 深度优先展开 include，被包含文件先于包含者合并。
func resolveIncludes(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var (
		ordered []string
		done    = map[string]bool{}
		visit   func(p string, stack []string) error
	)
	visit = func(p string, stack []string) error {
		p = filepath.Clean(p)
		for _, s := range stack {
			if s == p {
				return fmt.Errorf("config include cycle: %s", strings.Join(append(stack, p), " -> "))
			}
		}
		if done[p] {
			return nil
		}
		includes, err := readIncludes(p)
		if err != nil {
			return fmt.Errorf("config include %s: %w", p, err)
		}
		for _, inc := range includes {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(filepath.Dir(p), inc)
			}
			if err := visit(inc, append(stack, p)); err != nil {
				return err
			}
		}
		done[p] = true
		ordered = append(ordered, p)
		return nil
	}
	if err := visit(abs, nil); err != nil {
		return nil, err
	}
	return ordered, nil
}

func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// flattenKeys 记录配置文件里显式出现过的键（小写点分路径）。
func flattenKeys(prefix string, node any, dest keySet) {
	m, ok := node.(map[string]any)
	if !ok {
		dest.mark(prefix)
		return
	}
	for k, v := range m {
		next := strings.ToLower(strings.TrimSpace(k))
		if next == "" {
			continue
		}
		if prefix != "" {
			next = prefix + "." + next
		}
		flattenKeys(next, v, dest)
	}
}
