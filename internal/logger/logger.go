// Package logger 进程级日志：slog 文本输出，额外的 CRITICAL 级别，以及 oracle 原文转储。
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LevelCritical 高于 ERROR，只用于会导致调度静默停止的故障。
const LevelCritical = slog.Level(12)

var (
	level  slog.LevelVar
	active atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelInfo)
	SetOutput(os.Stdout)
}

func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	active.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       &level,
		ReplaceAttr: criticalLabel,
	})))
}

func criticalLabel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
			a.Value = slog.StringValue("CRITICAL")
		}
	}
	return a
}

// ParseLevel 接受 debug/info/warn/error/critical（warning、fatal 为别名）。
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "critical", "fatal":
		return LevelCritical, true
	}
	return slog.LevelInfo, false
}

// SetLevel 无法识别的名字按 info 处理。
func SetLevel(name string) {
	lvl, _ := ParseLevel(name)
	level.Set(lvl)
}

func logf(lvl slog.Level, format string, v []any) {
	l := active.Load()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	l.Log(context.Background(), lvl, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v) }

func Infof(format string, v ...any) { logf(slog.LevelInfo, format, v) }

func Warnf(format string, v ...any) { logf(slog.LevelWarn, format, v) }

func Errorf(format string, v ...any) { logf(slog.LevelError, format, v) }

// Criticalf 记录必须人工关注的故障，例如定时器无法重新挂载。
func Criticalf(format string, v ...any) { logf(LevelCritical, format, v) }
