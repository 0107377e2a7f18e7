package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const dexSearchBody = `{"pairs":[
 {"chainId":"ethereum","baseToken":{"symbol":"WETH"},"quoteToken":{"symbol":"USDC"},"priceUsd":"3000","liquidity":{"usd":9000000}},
 {"chainId":"base","baseToken":{"symbol":"WETH"},"quoteToken":{"symbol":"USDC"},"priceUsd":"3100.5","priceChange":{"h24":-2.5},"volume":{"h24":123456},"liquidity":{"usd":500000}},
 {"chainId":"base","baseToken":{"symbol":"WETH"},"quoteToken":{"symbol":"USDC"},"priceUsd":"3099","liquidity":{"usd":1000}},
 {"chainId":"base","baseToken":{"symbol":"WETH"},"quoteToken":{"symbol":"DAI"},"priceUsd":"3098","liquidity":{"usd":99999999}}
]}`

func TestDexScreenerPicksMostLiquidMatchingPair(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/latest/dex/search", r.URL.Path)
		assert.Equal(t, "WETH USDC", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(dexSearchBody))
	}))
	defer srv.Close()

	d := NewDexScreener(ProviderOptions{BaseURL: srv.URL, Network: "base", Cache: cache.NewMemoryStore(), TTL: time.Minute})
	snap, err := d.Search(context.Background(), "WETH/USDC")
	require.NoError(t, err)
	assert.InDelta(t, 3100.5, snap.PriceUSD, 1e-9)
	assert.InDelta(t, -2.5, snap.PriceChange24h, 1e-9)
	assert.InDelta(t, 123456, snap.Volume24h, 1e-9)
	assert.InDelta(t, 500000, snap.LiquidityUSD, 1e-9)
	assert.Equal(t, "dexscreener", snap.Source)

	_, err = d.Search(context.Background(), "WETH/USDC")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second call served from cache")
}

func TestDexScreenerNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"pairs":[]}`))
	}))
	defer srv.Close()
	_, err := NewDexScreener(ProviderOptions{BaseURL: srv.URL}).Search(context.Background(), "NOPE/USDC")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestDexScreenerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err := NewDexScreener(ProviderOptions{BaseURL: srv.URL}).Search(context.Background(), "WETH/USDC")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMatch)
	assert.Contains(t, err.Error(), "429")
}

func TestGeckoTerminalSearchWithCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/search/pools":
			assert.Equal(t, "base", r.URL.Query().Get("network"))
			_, _ = w.Write([]byte(`{"data":[
			 {"attributes":{"name":"WETH / USDC 0.05%","address":"0xpool","base_token_price_usd":"2500.25","reserve_in_usd":"8000000","price_change_percentage":{"h24":"1.5"},"volume_usd":{"h24":"420000"}}},
			 {"attributes":{"name":"WETH / USDC 1%","address":"0xsmall","base_token_price_usd":"2499","reserve_in_usd":"100"}}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/networks/base/pools/0xpool/ohlcv/hour"):
			_, _ = w.Write([]byte(`{"data":{"attributes":{"ohlcv_list":[
			 [1700007200,3,3,3,30,1],[1700003600,2,2,2,20,1],[1700000000,1,1,1,10,1]
			]}}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGeckoTerminal(ProviderOptions{BaseURL: srv.URL})
	snap, err := g.Search(context.Background(), "WETH/USDC")
	require.NoError(t, err)
	assert.InDelta(t, 2500.25, snap.PriceUSD, 1e-9)
	assert.InDelta(t, 1.5, snap.PriceChange24h, 1e-9)
	assert.InDelta(t, 8000000, snap.LiquidityUSD, 1e-9)
	assert.Equal(t, []float64{10, 20, 30}, snap.RecentCloses)
}

func TestBinanceSymbol(t *testing.T) {
	assert.Equal(t, "ETHUSDT", BinanceSymbol("WETH/USDC"))
	assert.Equal(t, "BTCUSDT", BinanceSymbol("cbBTC/USDC"))
	assert.Equal(t, "AEROUSDT", BinanceSymbol("AERO/USDC"))
	assert.Equal(t, "", BinanceSymbol(""))
}

func TestBinanceSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ticker/24hr"):
			assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
			_, _ = w.Write([]byte(`[{"symbol":"ETHUSDT","lastPrice":"2450.10","priceChangePercent":"-1.20","quoteVolume":"1000000"}]`))
		case strings.HasSuffix(r.URL.Path, "/klines"):
			_, _ = w.Write([]byte(`[[1700000000000,"1","1","1","2400","10",1700003599999,"1",1,"1","1","0"]]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	snap, err := NewBinance(ProviderOptions{BaseURL: srv.URL}).Search(context.Background(), "WETH/USDC")
	require.NoError(t, err)
	assert.InDelta(t, 2450.10, snap.PriceUSD, 1e-9)
	assert.InDelta(t, -1.2, snap.PriceChange24h, 1e-9)
	assert.Equal(t, []float64{2400}, snap.RecentCloses)
}

type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Search(ctx context.Context, pair string) (*Snapshot, error) {
	args := m.Called(ctx, pair)
	snap, _ := args.Get(0).(*Snapshot)
	return snap, args.Error(1)
}

func TestFallbackUsesNextProvider(t *testing.T) {
	primary := &mockProvider{name: "primary"}
	secondary := &mockProvider{name: "secondary"}
	primary.On("Search", mock.Anything, "WETH/USDC").Return(nil, errors.New("timeout"))
	secondary.On("Search", mock.Anything, "WETH/USDC").Return(&Snapshot{Pair: "WETH/USDC", PriceUSD: 10, Source: "secondary"}, nil)

	f := NewFallbackProvider([]Provider{primary, secondary}, 3, time.Minute)
	snap, err := f.Search(context.Background(), "WETH/USDC")
	require.NoError(t, err)
	assert.Equal(t, "secondary", snap.Source)
	primary.AssertExpectations(t)
	secondary.AssertExpectations(t)
}

func TestFallbackOpensBreakerAfterFailures(t *testing.T) {
	primary := &mockProvider{name: "primary"}
	secondary := &mockProvider{name: "secondary"}
	primary.On("Search", mock.Anything, mock.Anything).Return(nil, errors.New("down"))
	secondary.On("Search", mock.Anything, mock.Anything).Return(&Snapshot{PriceUSD: 1}, nil)

	f := NewFallbackProvider([]Provider{primary, secondary}, 2, time.Hour)
	for i := 0; i < 4; i++ {
		_, err := f.Search(context.Background(), "X/USDC")
		require.NoError(t, err)
	}
	primary.AssertNumberOfCalls(t, "Search", 2)
	secondary.AssertNumberOfCalls(t, "Search", 4)
}

func TestFallbackNoMatchEverywhere(t *testing.T) {
	only := &mockProvider{name: "only"}
	only.On("Search", mock.Anything, mock.Anything).Return(nil, ErrNoMatch)
	_, err := NewFallbackProvider([]Provider{only}, 1, time.Hour).Search(context.Background(), "X/USDC")
	assert.ErrorIs(t, err, ErrNoMatch)
	_, err = NewFallbackProvider([]Provider{only}, 1, time.Hour).Search(context.Background(), "X/USDC")
	assert.ErrorIs(t, err, ErrNoMatch, "no-match must not trip the breaker")
}

func TestCollectSkipsFailuresAndKeepsOrder(t *testing.T) {
	p := &mockProvider{name: "p"}
	p.On("Search", mock.Anything, "A/USDC").Return(&Snapshot{Pair: "A/USDC"}, nil)
	p.On("Search", mock.Anything, "B/USDC").Return(nil, ErrNoMatch)
	p.On("Search", mock.Anything, "C/USDC").Return(&Snapshot{Pair: "C/USDC"}, nil)

	got := Collect(context.Background(), p, []string{"A/USDC", "B/USDC", "C/USDC"})
	require.Len(t, got, 2)
	assert.Equal(t, "A/USDC", got[0].Pair)
	assert.Equal(t, "C/USDC", got[1].Pair)
}

func TestComputeIndicators(t *testing.T) {
	short := ComputeIndicators([]float64{1, 2, 3})
	assert.Nil(t, short.RSI14)
	assert.Nil(t, short.EMA9)

	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = float64(100 + i)
	}
	ind := ComputeIndicators(closes)
	require.NotNil(t, ind.RSI14)
	require.NotNil(t, ind.EMA9)
	require.NotNil(t, ind.EMA21)
	assert.Greater(t, *ind.RSI14, 90.0, "monotonic rise is overbought")
	assert.Greater(t, *ind.EMA9, *ind.EMA21)
}

func TestParsePair(t *testing.T) {
	b, q := ParsePair(" WETH/USDC ")
	assert.Equal(t, "WETH", b)
	assert.Equal(t, "USDC", q)
	b, q = ParsePair("AERO")
	assert.Equal(t, "AERO", b)
	assert.Empty(t, q)
}
