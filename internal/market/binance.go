package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

const defaultBinanceCandles = 48

// wrapped 链上代币映射到合约标的。
var binanceAliases = map[string]string{
	"WETH":  "ETH",
	"CBETH": "ETH",
	"WBTC":  "BTC",
	"CBBTC": "BTC",
	"TBTC":  "BTC",
}

// Binance U 本位合约行情，仅作为最后兜底：没有流动性数据。
type Binance struct {
	client  *futures.Client
	candles int
	nowFn   func() time.Time
}

func NewBinance(opts ProviderOptions) *Binance {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		client.BaseURL = strings.TrimRight(base, "/")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	candles := opts.Candles
	if candles <= 0 {
		candles = defaultBinanceCandles
	}
	return &Binance{client: client, candles: candles, nowFn: time.Now}
}

func (b *Binance) Name() string { return "binance" }

// BinanceSymbol "WETH/USDC" -> "ETHUSDT"
func BinanceSymbol(pair string) string {
	base, _ := ParsePair(pair)
	base = strings.ToUpper(base)
	if alias, ok := binanceAliases[base]; ok {
		base = alias
	}
	if base == "" {
		return ""
	}
	return base + "USDT"
}

func (b *Binance) Search(ctx context.Context, pair string) (*Snapshot, error) {
	symbol := BinanceSymbol(pair)
	if symbol == "" {
		return nil, fmt.Errorf("binance: empty pair")
	}
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	var stat *futures.PriceChangeStats
	for _, s := range stats {
		if s != nil && strings.EqualFold(s.Symbol, symbol) {
			stat = s
			break
		}
	}
	if stat == nil || parseFloat(stat.LastPrice) <= 0 {
		return nil, fmt.Errorf("binance %s: %w", symbol, ErrNoMatch)
	}
	snap := &Snapshot{
		Pair:           pair,
		PriceUSD:       parseFloat(stat.LastPrice),
		PriceChange24h: parseFloat(stat.PriceChangePercent),
		Volume24h:      parseFloat(stat.QuoteVolume),
		Source:         b.Name(),
		FetchedAt:      b.nowFn(),
	}
	kls, err := b.client.NewKlinesService().Symbol(symbol).Interval("1h").Limit(b.candles).Do(ctx)
	if err == nil {
		candles := make([]Candle, 0, len(kls))
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			candles = append(candles, Candle{
				OpenTime: kl.OpenTime,
				Open:     parseFloat(kl.Open),
				High:     parseFloat(kl.High),
				Low:      parseFloat(kl.Low),
				Close:    parseFloat(kl.Close),
				Volume:   parseFloat(kl.Volume),
			})
		}
		snap.RecentCloses = closesOf(candles)
	}
	return snap, nil
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
