package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"wallet-copy-trader/internal/wallet"
)

// ObserveWallets compares every active wallet against its baseline. It
// returns the number of behavior changes detected.
func (p *Pipeline) ObserveWallets(ctx context.Context) (int, error) {
	var detected atomic.Int64
	err := p.forEachActive(ctx, func(ctx context.Context, address string, m wallet.WalletMetrics, _ wallet.WalletHistory) {
		changes := p.Monitor.Observe(ctx, address, m)
		detected.Add(int64(len(changes)))
	})
	p.refreshGauges()
	return int(detected.Load()), err
}

// RescoreWallets re-scores and re-screens every active wallet and applies
// the rotation rule. It returns the number of wallets removed.
func (p *Pipeline) RescoreWallets(ctx context.Context) (int, error) {
	var removed atomic.Int64
	err := p.forEachActive(ctx, func(ctx context.Context, address string, m wallet.WalletMetrics, h wallet.WalletHistory) {
		registry := p.Monitor.Registry()
		verdict := p.Detector.Evaluate(ctx, m, h)
		if verdict.InvalidInput != "" && verdict.Current == nil {
			p.logger.Warn().Str("wallet", address).Str("cause", verdict.InvalidInput).Msg("Malformed metrics, rotation left unchanged")
			return
		}
		if verdict.Excluded && verdict.Current != nil {
			if registry.Remove(ctx, address, verdict.Current.Severity, "excluded: "+string(verdict.Current.Flag)) {
				removed.Add(1)
			}
			return
		}

		score := p.Scorer.Score(m)
		out, err := registry.Rescore(ctx, address, score.Composite)
		if err != nil {
			p.logger.Debug().Err(err).Str("wallet", address).Msg("Rescore skipped")
			return
		}
		if out {
			removed.Add(1)
		}
	})
	p.refreshGauges()
	return int(removed.Load()), err
}

// Sweep evicts expired cache entries across components.
func (p *Pipeline) Sweep() int {
	n := p.Scorer.Sweep() + p.Detector.Sweep() + p.Monitor.Sweep()
	p.refreshGauges()
	return n
}

func (p *Pipeline) forEachActive(ctx context.Context, fn func(context.Context, string, wallet.WalletMetrics, wallet.WalletHistory)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, address := range p.Monitor.Registry().Active() {
		address := address
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			m, h, err := p.Source.Snapshot(gctx, address)
			if err != nil {
				p.logger.Warn().Err(err).Str("wallet", address).Msg("Snapshot unavailable, wallet skipped this cycle")
				return nil
			}
			if m.Address == "" {
				m.Address = address
			}
			fn(gctx, address, m, h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Pipeline) refreshGauges() {
	p.Metrics.ActiveWallets.Set(float64(len(p.Monitor.Registry().Active())))
	p.Metrics.ExcludedWallets.Set(float64(p.Detector.ActiveCount()))
	p.Metrics.ExposureUSD.Set(p.Sizer.Ledger().Total().InexactFloat64())
	p.Metrics.SetBreakerState(p.Breaker.GetState())
}
