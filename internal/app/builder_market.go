package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/jan-miksik/heppy-market-sub000/internal/config"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/market"
	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/cache"

	"github.com/redis/go-redis/v9"
)

const redisCachePrefix = "heppy:market:"

// MarketStack 行情来源链与其底层缓存。
type MarketStack struct {
	Provider market.Provider
	Sources  []string
	Cache    string
	Closer   io.Closer
}

func buildMarketStack(cfg *config.Config) (*MarketStack, error) {
	store, closer, err := buildCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	opts := market.ProviderOptions{
		Network: cfg.Market.Network,
		Timeout: seconds(cfg.Market.TimeoutSeconds),
		Cache:   store,
		TTL:     seconds(cfg.Cache.TTLSeconds),
		Candles: cfg.Market.Candles,
	}
	providers := make([]market.Provider, 0, len(cfg.Market.Providers))
	names := make([]string, 0, len(cfg.Market.Providers))
	for _, name := range cfg.Market.Providers {
		p, err := newProvider(name, cfg.Market, opts)
		if err != nil {
			if closer != nil {
				_ = closer.Close()
			}
			return nil, err
		}
		providers = append(providers, p)
		names = append(names, p.Name())
	}
	logger.Infof("✓ market sources: %s (cache=%s)", strings.Join(names, " -> "), cfg.Cache.Driver)
	return &MarketStack{
		Provider: market.NewFallbackProvider(providers, cfg.Market.BreakerThreshold, seconds(cfg.Market.BreakerCooldownSeconds)),
		Sources:  names,
		Cache:    cfg.Cache.Driver,
		Closer:   closer,
	}, nil
}

func newProvider(name string, cfg config.MarketConfig, opts market.ProviderOptions) (market.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "geckoterminal":
		opts.BaseURL = cfg.GeckoTerminalURL
		return market.NewGeckoTerminal(opts), nil
	case "dexscreener":
		opts.BaseURL = cfg.DexScreenerURL
		return market.NewDexScreener(opts), nil
	case "binance":
		opts.BaseURL = cfg.BinanceURL
		return market.NewBinance(opts), nil
	default:
		return nil, fmt.Errorf("unknown market provider %q", name)
	}
}

func buildCache(cfg config.CacheConfig) (cache.Store, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return cache.NewMemoryStore(), nil, nil
	case "redis":
		rs := cache.NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, redisCachePrefix)
		return rs, rs, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
