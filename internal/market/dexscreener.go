package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/cache"

	"github.com/tidwall/gjson"
)

const defaultDexScreenerURL = "https://api.dexscreener.com"

// DexScreener 搜索接口只给出现价与 24h 汇总，没有 K 线。
type DexScreener struct {
	getter  jsonGetter
	network string
	nowFn   func() time.Time
}

type ProviderOptions struct {
	BaseURL string
	Network string
	Timeout time.Duration
	Cache   cache.Store
	TTL     time.Duration
	Candles int
}

func NewDexScreener(opts ProviderOptions) *DexScreener {
	return &DexScreener{
		getter:  newJSONGetter("dexscreener", opts.BaseURL, defaultDexScreenerURL, opts.Timeout, opts.Cache, opts.TTL),
		network: strings.ToLower(strings.TrimSpace(opts.Network)),
		nowFn:   time.Now,
	}
}

func (d *DexScreener) Name() string { return "dexscreener" }

func (d *DexScreener) Search(ctx context.Context, pair string) (*Snapshot, error) {
	base, quote := ParsePair(pair)
	if base == "" {
		return nil, fmt.Errorf("dexscreener: empty pair")
	}
	res, err := d.getter.get(ctx, "/latest/dex/search", map[string]string{"q": strings.TrimSpace(base + " " + quote)})
	if err != nil {
		return nil, err
	}
	var best gjson.Result
	bestLiq := -1.0
	res.Get("pairs").ForEach(func(_, p gjson.Result) bool {
		if d.network != "" && !strings.EqualFold(p.Get("chainId").String(), d.network) {
			return true
		}
		if !symbolMatch(p.Get("baseToken.symbol").String(), base) {
			return true
		}
		if quote != "" && !symbolMatch(p.Get("quoteToken.symbol").String(), quote) {
			return true
		}
		if p.Get("priceUsd").Float() <= 0 {
			return true
		}
		if liq := p.Get("liquidity.usd").Float(); liq > bestLiq {
			best, bestLiq = p, liq
		}
		return true
	})
	if !best.Exists() {
		return nil, fmt.Errorf("dexscreener %s: %w", pair, ErrNoMatch)
	}
	return &Snapshot{
		Pair:           pair,
		PriceUSD:       best.Get("priceUsd").Float(),
		PriceChange24h: best.Get("priceChange.h24").Float(),
		Volume24h:      best.Get("volume.h24").Float(),
		LiquidityUSD:   best.Get("liquidity.usd").Float(),
		Source:         d.Name(),
		FetchedAt:      d.nowFn(),
	}, nil
}
