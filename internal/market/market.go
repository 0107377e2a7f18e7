// Package market 提供行情快照：GeckoTerminal / DexScreener / Binance 三个来源，
// 通过 FallbackProvider 按顺序降级。
package market

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoMatch 来源可用但找不到对应交易对。
var ErrNoMatch = errors.New("no matching instrument")

// Candle 一根 K 线，时间为毫秒。
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// Snapshot 单个交易对在某一时刻的行情上下文。
type Snapshot struct {
	Pair           string     `json:"pair"`
	PriceUSD       float64    `json:"price_usd"`
	PriceChange24h float64    `json:"price_change_24h"`
	Volume24h      float64    `json:"volume_24h"`
	LiquidityUSD   float64    `json:"liquidity_usd"`
	RecentCloses   []float64  `json:"recent_closes,omitempty"`
	Indicators     Indicators `json:"indicators"`
	Source         string     `json:"source"`
	FetchedAt      time.Time  `json:"fetched_at"`
}

// Provider 按标签（如 "WETH/USDC"）查询行情；无匹配返回 ErrNoMatch。
type Provider interface {
	Name() string
	Search(ctx context.Context, pair string) (*Snapshot, error)
}

// ParsePair 拆分 "BASE/QUOTE"；没有斜杠时 quote 为空。
func ParsePair(pair string) (base, quote string) {
	pair = strings.TrimSpace(pair)
	if idx := strings.IndexAny(pair, "/-"); idx > 0 {
		return strings.TrimSpace(pair[:idx]), strings.TrimSpace(pair[idx+1:])
	}
	return pair, ""
}

func symbolMatch(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
