package config

import (
	"path/filepath"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeFunc 配置重新加载成功后回调。
type ChangeFunc func(*Config)

type watcher struct {
	path     string
	onChange ChangeFunc
}

// Watch 监听配置文件，写入或替换后重新走一遍 Load；加载失败时保留旧配置。
func Watch(path string, onChange ChangeFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	w := &watcher{path: abs, onChange: onChange}
	v.OnConfigChange(w.handle)
	v.WatchConfig()
	logger.Infof("watching config %s", abs)
	return nil
}

func (w *watcher) handle(evt fsnotify.Event) {
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		logger.Errorf("config reload failed (%s): %v", evt.Name, err)
		return
	}
	logger.Infof("config reloaded (%s)", evt.Name)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
