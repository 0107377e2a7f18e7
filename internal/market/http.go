package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/cache"

	"github.com/tidwall/gjson"
)

// jsonGetter HTTP GET + 缓存，GeckoTerminal 与 DexScreener 共用。
type jsonGetter struct {
	provider string
	baseURL  string
	http     *http.Client
	cache    cache.Store
	ttl      time.Duration
}

func newJSONGetter(provider, baseURL, fallbackURL string, timeout time.Duration, c cache.Store, ttl time.Duration) jsonGetter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = fallbackURL
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return jsonGetter{provider: provider, baseURL: base, http: &http.Client{Timeout: timeout}, cache: c, ttl: ttl}
}

func (g jsonGetter) buildURL(path string, query map[string]string) (string, error) {
	u, err := url.Parse(g.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (g jsonGetter) get(ctx context.Context, path string, query map[string]string) (gjson.Result, error) {
	u, err := g.buildURL(path, query)
	if err != nil {
		return gjson.Result{}, err
	}
	key := cacheKey(g.provider, path, query)
	if g.cache != nil {
		if b, found, err := g.cache.Get(ctx, key); err == nil && found && gjson.ValidBytes(b) {
			return gjson.ParseBytes(b), nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := g.http.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, fmt.Errorf("%s http %d", g.provider, resp.StatusCode)
	}
	if !gjson.ValidBytes(b) {
		return gjson.Result{}, fmt.Errorf("%s: invalid json response", g.provider)
	}
	if g.cache != nil {
		_ = g.cache.Set(ctx, key, b, g.ttl)
	}
	return gjson.ParseBytes(b), nil
}

// cacheKey 例：mkt:dexscreener:/latest/dex/search:q=WETH/USDC
func cacheKey(provider, path string, parts map[string]string) string {
	sb := strings.Builder{}
	sb.WriteString("mkt:")
	sb.WriteString(provider)
	sb.WriteString(":")
	sb.WriteString(path)
	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(":")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(parts[k])
	}
	return sb.String()
}
