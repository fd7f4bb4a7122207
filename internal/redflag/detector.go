package redflag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

// Detector evaluates wallets and owns the in-memory exclusion log.
type Detector struct {
	cfg       Config
	store     ExclusionStore
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.RWMutex
	records    map[string][]ExclusionRecord // address -> records, oldest first
	lastRaised map[string]time.Time         // address|flag -> last record time
}

// NewDetector creates a detector. store and publisher may be nil.
func NewDetector(cfg Config, store ExclusionStore, publisher events.Publisher, logger zerolog.Logger) *Detector {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Detector{
		cfg:        cfg,
		store:      store,
		publisher:  publisher,
		logger:     logger.With().Str("component", events.ComponentRedFlag).Logger(),
		now:        time.Now,
		records:    make(map[string][]ExclusionRecord),
		lastRaised: make(map[string]time.Time),
	}
}

// SetClock overrides the time source (tests).
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Evaluate scans the wallet for every red-flag pattern, appends new records and
// returns the wallet's current exclusion state. Malformed input excludes the
// wallet for this evaluation only; nothing is recorded.
func (d *Detector) Evaluate(ctx context.Context, metrics wallet.WalletMetrics, history wallet.WalletHistory) Verdict {
	if err := metrics.Validate(); err != nil {
		return d.rejectInvalid(metrics.Address, err)
	}
	address, _ := wallet.NormalizeAddress(metrics.Address)
	return d.apply(ctx, address, d.cfg.scan(&metrics, history))
}

func (d *Detector) rejectInvalid(address string, cause error) Verdict {
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		address = normalized
	} else {
		address = strings.ToLower(strings.TrimSpace(address))
	}
	d.logger.Warn().Err(cause).Str("wallet", address).Msg("Treating wallet with malformed metrics as excluded")

	d.mu.RLock()
	now := d.now()
	verdict := Verdict{Address: address, At: now, Excluded: true, InvalidInput: cause.Error()}
	if current, ok := d.currentLocked(address, now); ok {
		verdict.Current = &current
	}
	d.mu.RUnlock()
	return verdict
}

// RecordMarketMaker appends a MARKET_MAKER record raised by the quality scorer.
func (d *Detector) RecordMarketMaker(ctx context.Context, address, reason string) Verdict {
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		address = normalized
	}
	return d.apply(ctx, address, []finding{{
		flag:       FlagMarketMaker,
		severity:   wallet.SeverityHigh,
		confidence: 1,
		reason:     reason,
	}})
}

func (d *Detector) apply(ctx context.Context, address string, findings []finding) Verdict {
	d.mu.Lock()
	now := d.now()
	verdict := Verdict{Address: address, At: now}

	for _, f := range findings {
		verdict.Findings = append(verdict.Findings, f.flag)

		key := dedupKey(address, f.flag)
		if last, ok := d.lastRaised[key]; ok && now.Sub(last) < d.cfg.DedupWindow {
			continue
		}
		// An unexpired record for the same flag already excludes the wallet.
		if d.hasActiveLocked(address, f.flag, now) {
			continue
		}

		rec := ExclusionRecord{
			ID:         uuid.NewString(),
			Address:    address,
			Flag:       f.flag,
			Severity:   f.severity,
			Confidence: f.confidence,
			Reason:     f.reason,
			CreatedAt:  now,
			Permanent:  f.permanent || f.severity == wallet.SeverityCritical,
		}
		if !rec.Permanent {
			rec.ReconsiderAt = now.Add(reconsiderWindow(f.severity, f.confidence, d.countLocked(address, f.flag)))
		}

		d.appendLocked(rec)
		d.lastRaised[key] = now
		verdict.Added = append(verdict.Added, rec)
	}

	if current, ok := d.currentLocked(address, now); ok {
		verdict.Excluded = true
		verdict.Current = &current
	}
	d.mu.Unlock()

	// Persistence and fan-out happen outside the lock.
	for _, rec := range verdict.Added {
		d.persist(ctx, rec)
		d.announce(rec)
	}

	return verdict
}

func (d *Detector) persist(ctx context.Context, rec ExclusionRecord) {
	if d.store == nil {
		return
	}
	if err := d.store.AppendExclusion(ctx, rec); err != nil {
		// The record stays in memory, so the wallet remains excluded.
		d.logger.Error().Err(err).Str("wallet", rec.Address).Str("flag", string(rec.Flag)).
			Msg("Failed to persist exclusion record")
		d.publisher.Publish(events.Event{
			Type:      events.EventError,
			Wallet:    rec.Address,
			Component: events.ComponentRedFlag,
			Severity:  wallet.SeverityHigh,
			Reason:    fmt.Sprintf("persist exclusion: %v", err),
		})
	}
}

func (d *Detector) announce(rec ExclusionRecord) {
	logEvt := d.logger.Warn()
	if rec.Severity < wallet.SeverityHigh {
		logEvt = d.logger.Info()
	}
	logEvt.
		Str("wallet", rec.Address).
		Str("flag", string(rec.Flag)).
		Str("severity", rec.Severity.String()).
		Float64("confidence", rec.Confidence).
		Time("reconsider_at", rec.ReconsiderAt).
		Bool("permanent", rec.Permanent).
		Msg(rec.Reason)

	d.publisher.Publish(events.Event{
		Type:      events.EventExclusionAdded,
		Wallet:    rec.Address,
		Component: events.ComponentRedFlag,
		Severity:  rec.Severity,
		Reason:    fmt.Sprintf("%s: %s", rec.Flag, rec.Reason),
		Data: map[string]interface{}{
			"record_id":     rec.ID,
			"flag":          rec.Flag,
			"confidence":    rec.Confidence,
			"reconsider_at": rec.ReconsiderAt,
			"permanent":     rec.Permanent,
		},
	})
}

// Current returns the most severe unexpired record for the wallet.
func (d *Detector) Current(address string) (ExclusionRecord, bool) {
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		address = normalized
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentLocked(address, d.now())
}

// IsExcluded reports whether any unexpired record exists for the wallet.
func (d *Detector) IsExcluded(address string) bool {
	_, ok := d.Current(address)
	return ok
}

// History returns a copy of every retained record for the wallet.
func (d *Detector) History(address string) []ExclusionRecord {
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		address = normalized
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ExclusionRecord, len(d.records[address]))
	copy(out, d.records[address])
	return out
}

// ActiveCount returns the number of currently excluded wallets.
func (d *Detector) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.now()
	n := 0
	for address := range d.records {
		if _, ok := d.currentLocked(address, now); ok {
			n++
		}
	}
	return n
}

// Restore reloads persisted records, typically at startup.
func (d *Detector) Restore(records []ExclusionRecord) {
	sorted := make([]ExclusionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range sorted {
		d.appendLocked(rec)
		key := dedupKey(rec.Address, rec.Flag)
		if rec.CreatedAt.After(d.lastRaised[key]) {
			d.lastRaised[key] = rec.CreatedAt
		}
	}
	d.sweepLocked(d.now())
	d.logger.Info().Int("records", len(records)).Int("wallets", len(d.records)).Msg("Restored exclusion records")
}

// Load restores from the configured store.
func (d *Detector) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	records, err := d.store.LoadExclusions(ctx)
	if err != nil {
		return fmt.Errorf("load exclusions: %w", err)
	}
	d.Restore(records)
	return nil
}

// Sweep evicts inactive records older than the retention horizon and stale
// dedup entries. Active records are never evicted.
func (d *Detector) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sweepLocked(d.now())
}

func (d *Detector) sweepLocked(now time.Time) int {
	removed := 0
	horizon := now.Add(-d.cfg.Retention)
	for address, recs := range d.records {
		kept := recs[:0]
		for _, r := range recs {
			if !r.Active(now) && r.CreatedAt.Before(horizon) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(d.records, address)
			continue
		}
		d.records[address] = kept
	}
	for key, at := range d.lastRaised {
		if now.Sub(at) >= d.cfg.DedupWindow {
			delete(d.lastRaised, key)
		}
	}
	return removed
}

func (d *Detector) appendLocked(rec ExclusionRecord) {
	if _, exists := d.records[rec.Address]; !exists && d.cfg.MaxWallets > 0 && len(d.records) >= d.cfg.MaxWallets {
		now := d.now()
		d.sweepLocked(now)
		if len(d.records) >= d.cfg.MaxWallets {
			d.evictInactiveLocked(now)
		}
	}
	d.records[rec.Address] = append(d.records[rec.Address], rec)
}

// evictInactiveLocked drops the wallet with no active record whose latest
// record is oldest. Wallets under active exclusion are kept even if that
// overflows the bound.
func (d *Detector) evictInactiveLocked(now time.Time) {
	var victim string
	var oldest time.Time
	for address, recs := range d.records {
		if _, active := d.currentLocked(address, now); active {
			continue
		}
		latest := recs[len(recs)-1].CreatedAt
		if victim == "" || latest.Before(oldest) {
			victim, oldest = address, latest
		}
	}
	if victim == "" {
		d.logger.Warn().Int("wallets", len(d.records)).Msg("Exclusion store over capacity with only active exclusions")
		return
	}
	delete(d.records, victim)
}

func (d *Detector) currentLocked(address string, now time.Time) (ExclusionRecord, bool) {
	var best ExclusionRecord
	found := false
	for _, r := range d.records[address] {
		if !r.Active(now) {
			continue
		}
		if !found || moreSevere(r, best) {
			best, found = r, true
		}
	}
	return best, found
}

func (d *Detector) hasActiveLocked(address string, flag FlagType, now time.Time) bool {
	for _, r := range d.records[address] {
		if r.Flag == flag && r.Active(now) {
			return true
		}
	}
	return false
}

func (d *Detector) countLocked(address string, flag FlagType) int {
	n := 0
	for _, r := range d.records[address] {
		if r.Flag == flag {
			n++
		}
	}
	return n
}

func dedupKey(address string, flag FlagType) string {
	return address + "|" + string(flag)
}
