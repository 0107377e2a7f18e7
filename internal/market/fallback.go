package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/circuit"

	"golang.org/x/sync/errgroup"
)

type guardedProvider struct {
	provider Provider
	breaker  *circuit.Breaker
}

// FallbackProvider 依次尝试各来源；ErrNoMatch 不计入熔断。
type FallbackProvider struct {
	chain []guardedProvider
}

var _ Provider = (*FallbackProvider)(nil)

func NewFallbackProvider(providers []Provider, threshold int, cooldown time.Duration) *FallbackProvider {
	chain := make([]guardedProvider, 0, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		chain = append(chain, guardedProvider{provider: p, breaker: circuit.New(p.Name(), threshold, cooldown)})
	}
	return &FallbackProvider{chain: chain}
}

func (f *FallbackProvider) Name() string { return "fallback" }

func (f *FallbackProvider) Search(ctx context.Context, pair string) (*Snapshot, error) {
	var errs []error
	for _, g := range f.chain {
		if !g.breaker.Allow() {
			errs = append(errs, fmt.Errorf("%s: circuit open", g.provider.Name()))
			continue
		}
		snap, err := g.provider.Search(ctx, pair)
		if err == nil && snap != nil {
			g.breaker.RecordSuccess()
			snap.Indicators = ComputeIndicators(snap.RecentCloses)
			return snap, nil
		}
		if err == nil {
			err = fmt.Errorf("%s: empty snapshot", g.provider.Name())
		}
		if errors.Is(err, ErrNoMatch) {
			g.breaker.RecordSuccess()
		} else {
			g.breaker.RecordFailure()
		}
		logger.Debugf("market %s via %s failed: %v", pair, g.provider.Name(), err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("market %s: no providers configured", pair)
	}
	return nil, errors.Join(errs...)
}

// Collect 并发获取多个交易对，结果保持输入顺序，失败的交易对直接跳过。
func Collect(ctx context.Context, provider Provider, pairs []string) []Snapshot {
	results := make([]*Snapshot, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, pair := range pairs {
		g.Go(func() error {
			snap, err := provider.Search(gctx, pair)
			if err != nil {
				logger.Warnf("market data unavailable for %s: %v", pair, err)
				return nil
			}
			results[i] = snap
			return nil
		})
	}
	_ = g.Wait()
	out := make([]Snapshot, 0, len(pairs))
	for _, s := range results {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}
