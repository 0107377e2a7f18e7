package scheduler

import (
	"strconv"
	"strings"
	"time"
)

var intervalUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseIntervalDuration 解析 agent/manager 的周期写法："30s" "15m" "4h" "1d" "1w"，
// 也接受 time.ParseDuration 的组合写法如 "1h30m"。结果必须为正。
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	s := strings.ToLower(strings.TrimSpace(interval))
	if len(s) < 2 {
		return 0, false
	}
	if unit, ok := intervalUnits[s[len(s)-1]]; ok {
		if n, err := strconv.Atoi(s[:len(s)-1]); err == nil {
			if n <= 0 {
				return 0, false
			}
			return time.Duration(n) * unit, true
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// IntervalOrDefault 解析失败时返回 fallback。
func IntervalOrDefault(interval string, fallback time.Duration) time.Duration {
	if d, ok := ParseIntervalDuration(interval); ok {
		return d
	}
	return fallback
}
