package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"wallet-copy-trader/internal/cache"
	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

// Config tunes the scorer.
type Config struct {
	CacheTTL        time.Duration
	MaxCacheEntries int
	// SmoothingWeight is the weight given to the prior composite when metrics
	// change. 0 disables smoothing.
	SmoothingWeight float64
	BatchWorkers    int
	// HistoryRetention bounds how long the last score per wallet is kept for
	// tier-change detection and smoothing.
	HistoryRetention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         5 * time.Minute,
		MaxCacheEntries:  10000,
		SmoothingWeight:  0.2,
		BatchWorkers:     8,
		HistoryRetention: 30 * 24 * time.Hour,
	}
}

// Scorer computes and caches quality scores.
type Scorer struct {
	cfg       Config
	logger    zerolog.Logger
	publisher events.Publisher
	now       func() time.Time

	// mu serializes the read-prior/write-result step so concurrent scores of
	// one wallet never interleave across the two caches.
	mu      sync.Mutex
	cache   *cache.TTLCache[QualityScore]
	history *cache.TTLCache[QualityScore]
}

// NewScorer creates a scorer. publisher may be nil.
func NewScorer(cfg Config, publisher events.Publisher, logger zerolog.Logger) *Scorer {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 1
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultConfig().HistoryRetention
	}
	return &Scorer{
		cfg:       cfg,
		logger:    logger.With().Str("component", events.ComponentQuality).Logger(),
		publisher: publisher,
		now:       time.Now,
		cache:     cache.NewTTLCache[QualityScore](cfg.CacheTTL, cfg.MaxCacheEntries),
		history:   cache.NewTTLCache[QualityScore](cfg.HistoryRetention, cfg.MaxCacheEntries*4),
	}
}

// SetClock overrides the time source (tests).
func (s *Scorer) SetClock(now func() time.Time) {
	s.now = now
	s.cache.SetClock(now)
	s.history.SetClock(now)
}

// Score grades a wallet. Malformed metrics yield a zero Poor score and are
// never cached.
func (s *Scorer) Score(metrics wallet.WalletMetrics) QualityScore {
	if err := metrics.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("wallet", metrics.Address).Msg("Scoring malformed metrics as POOR")
		return QualityScore{
			Address:  metrics.Address,
			Tier:     wallet.TierPoor,
			Flags:    []Flag{FlagInvalidData},
			ScoredAt: s.now(),
		}
	}

	address, _ := wallet.NormalizeAddress(metrics.Address)
	fingerprint := metrics.Fingerprint()

	if cached, ok := s.cache.Get(address); ok && cached.Fingerprint == fingerprint {
		return cached
	}

	fresh := compute(&metrics)
	fresh.Address = address
	fresh.Fingerprint = fingerprint
	fresh.ScoredAt = s.now()

	result, prior, hadPrior := s.store(address, fresh)

	if hadPrior && prior.Tier != result.Tier {
		s.logger.Info().
			Str("wallet", address).
			Str("from", string(prior.Tier)).
			Str("to", string(result.Tier)).
			Float64("composite", result.Composite).
			Msg("Wallet tier changed")

		severity := wallet.SeverityLow
		if result.Tier == wallet.TierPoor {
			severity = wallet.SeverityMedium
		}
		s.publisher.Publish(events.Event{
			Type:      events.EventTierChanged,
			Wallet:    address,
			Component: events.ComponentQuality,
			Severity:  severity,
			Reason:    fmt.Sprintf("tier %s -> %s", prior.Tier, result.Tier),
			Data: map[string]interface{}{
				"from":      prior.Tier,
				"to":        result.Tier,
				"composite": result.Composite,
			},
		})
	}

	if result.HasFlag(FlagMarketMaker) && !(hadPrior && prior.HasFlag(FlagMarketMaker)) {
		s.logger.Warn().
			Str("wallet", address).
			Int("trades", metrics.TradeCount).
			Dur("avg_hold", metrics.AvgHoldDuration).
			Float64("win_rate", metrics.WinRate).
			Msg("Market maker detected, composite forced to 0")
	}

	return result
}

// store applies smoothing against the last known score and writes both caches
// in one critical section.
func (s *Scorer) store(address string, fresh QualityScore) (QualityScore, QualityScore, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, hadPrior := s.history.Get(address)
	switch {
	case hadPrior && prior.Fingerprint == fresh.Fingerprint:
		// Same metrics as last time: return the identical score.
		fresh = prior
	case hadPrior && s.cfg.SmoothingWeight > 0 &&
		!fresh.HasFlag(FlagMarketMaker) && !prior.HasFlag(FlagMarketMaker):
		w := s.cfg.SmoothingWeight
		fresh.Composite = round(wallet.Clamp((1-w)*fresh.Composite+w*prior.Composite, 0, 10))
		fresh.Tier = wallet.TierForScore(fresh.Composite)
		fresh.Smoothed = true
	}

	s.cache.Set(address, fresh)
	s.history.Set(address, fresh)
	return fresh, prior, hadPrior
}

// ScoreBatch re-scores wallets in parallel. Cancellation stops scheduling new
// wallets; every wallet either has its full new score stored or is untouched.
// Results keep input order; wallets skipped by cancellation are zero values.
func (s *Scorer) ScoreBatch(ctx context.Context, batch []wallet.WalletMetrics) ([]QualityScore, error) {
	results := make([]QualityScore, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchWorkers)

	for i := range batch {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.Score(batch[i])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("score batch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("score batch: %w", err)
	}
	return results, nil
}

// Cached returns the current cached score, if any.
func (s *Scorer) Cached(address string) (QualityScore, bool) {
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		address = normalized
	}
	return s.cache.Get(address)
}

// Last returns the most recent score within the retention horizon, even if
// the short-lived cache entry has expired.
func (s *Scorer) Last(address string) (QualityScore, bool) {
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		address = normalized
	}
	return s.history.Get(address)
}

// Sweep drops expired cache entries.
func (s *Scorer) Sweep() int {
	removed := s.cache.Sweep() + s.history.Sweep()
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Swept expired scores")
	}
	return removed
}

// Len returns the number of cached scores.
func (s *Scorer) Len() int {
	return s.cache.Len()
}
