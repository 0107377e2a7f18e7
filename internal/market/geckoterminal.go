package market

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"

	"github.com/tidwall/gjson"
)

const (
	defaultGeckoTerminalURL = "https://api.geckoterminal.com/api/v2"
	defaultCandles          = 48
)

// GeckoTerminal 先搜索池子，再取小时级 OHLCV 收盘价。
type GeckoTerminal struct {
	getter  jsonGetter
	network string
	candles int
	nowFn   func() time.Time
}

func NewGeckoTerminal(opts ProviderOptions) *GeckoTerminal {
	candles := opts.Candles
	if candles <= 0 {
		candles = defaultCandles
	}
	network := strings.ToLower(strings.TrimSpace(opts.Network))
	if network == "" {
		network = "base"
	}
	return &GeckoTerminal{
		getter:  newJSONGetter("geckoterminal", opts.BaseURL, defaultGeckoTerminalURL, opts.Timeout, opts.Cache, opts.TTL),
		network: network,
		candles: candles,
		nowFn:   time.Now,
	}
}

func (g *GeckoTerminal) Name() string { return "geckoterminal" }

func (g *GeckoTerminal) Search(ctx context.Context, pair string) (*Snapshot, error) {
	base, quote := ParsePair(pair)
	if base == "" {
		return nil, fmt.Errorf("geckoterminal: empty pair")
	}
	res, err := g.getter.get(ctx, "/search/pools", map[string]string{"query": pair, "network": g.network})
	if err != nil {
		return nil, err
	}
	var best gjson.Result
	bestReserve := -1.0
	res.Get("data").ForEach(func(_, pool gjson.Result) bool {
		attrs := pool.Get("attributes")
		poolBase, poolQuote := splitPoolName(attrs.Get("name").String())
		if !symbolMatch(poolBase, base) {
			return true
		}
		if quote != "" && !symbolMatch(poolQuote, quote) {
			return true
		}
		if attrs.Get("base_token_price_usd").Float() <= 0 {
			return true
		}
		if reserve := attrs.Get("reserve_in_usd").Float(); reserve > bestReserve {
			best, bestReserve = attrs, reserve
		}
		return true
	})
	if !best.Exists() {
		return nil, fmt.Errorf("geckoterminal %s: %w", pair, ErrNoMatch)
	}
	snap := &Snapshot{
		Pair:           pair,
		PriceUSD:       best.Get("base_token_price_usd").Float(),
		PriceChange24h: best.Get("price_change_percentage.h24").Float(),
		Volume24h:      best.Get("volume_usd.h24").Float(),
		LiquidityUSD:   best.Get("reserve_in_usd").Float(),
		Source:         g.Name(),
		FetchedAt:      g.nowFn(),
	}
	if address := best.Get("address").String(); address != "" {
		candles, err := g.ohlcv(ctx, address)
		if err != nil {
			// 没有 K 线不影响现价。
			logger.Warnf("geckoterminal ohlcv %s: %v", pair, err)
		} else {
			snap.RecentCloses = closesOf(candles)
		}
	}
	return snap, nil
}

func (g *GeckoTerminal) ohlcv(ctx context.Context, address string) ([]Candle, error) {
	path := fmt.Sprintf("/networks/%s/pools/%s/ohlcv/hour", url.PathEscape(g.network), url.PathEscape(address))
	res, err := g.getter.get(ctx, path, map[string]string{"limit": fmt.Sprint(g.candles)})
	if err != nil {
		return nil, err
	}
	var out []Candle
	res.Get("data.attributes.ohlcv_list").ForEach(func(_, row gjson.Result) bool {
		vals := row.Array()
		if len(vals) < 6 {
			return true
		}
		out = append(out, Candle{
			OpenTime: vals[0].Int() * 1000,
			Open:     vals[1].Float(),
			High:     vals[2].Float(),
			Low:      vals[3].Float(),
			Close:    vals[4].Float(),
			Volume:   vals[5].Float(),
		})
		return true
	})
	// 接口按时间倒序返回。
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// splitPoolName "WETH / USDC 0.05%" -> WETH, USDC
func splitPoolName(name string) (string, string) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 {
		return strings.TrimSpace(name), ""
	}
	quote := strings.TrimSpace(parts[1])
	if idx := strings.IndexByte(quote, ' '); idx > 0 {
		quote = quote[:idx]
	}
	return strings.TrimSpace(parts[0]), quote
}

func closesOf(candles []Candle) []float64 {
	out := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.Close > 0 {
			out = append(out, c.Close)
		}
	}
	return out
}
