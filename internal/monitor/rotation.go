package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

var (
	ErrRotationCooldown        = errors.New("wallet is in rotation cooldown")
	ErrInsufficientImprovement = errors.New("score has not improved enough for readmission")
	ErrNotAdmitted             = errors.New("wallet not in rotation")
)

// RotationConfig holds admission and removal rules.
type RotationConfig struct {
	Cooldown           time.Duration
	ScoreDeclineLimit  float64
	ReadmitImprovement float64
}

// Registry is the active rotation set.
type Registry struct {
	cfg       RotationConfig
	store     BaselineStore
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]RotationEntry
}

// NewRegistry creates an empty registry. store and publisher may be nil.
func NewRegistry(cfg RotationConfig, store BaselineStore, publisher events.Publisher, logger zerolog.Logger) *Registry {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Registry{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "rotation_registry").Logger(),
		now:       time.Now,
		entries:   make(map[string]RotationEntry),
	}
}

// Admit adds a wallet to the active set. A previously removed wallet must have
// served its cooldown and improved on its removal score.
func (r *Registry) Admit(ctx context.Context, address string, score float64) error {
	address = normalize(address)

	r.mu.Lock()
	now := r.now()
	prev, known := r.entries[address]
	if known && prev.Active {
		r.mu.Unlock()
		return nil
	}
	if known && !prev.Active {
		if now.Sub(prev.RemovedAt) < r.cfg.Cooldown {
			r.mu.Unlock()
			return fmt.Errorf("%w: eligible at %s", ErrRotationCooldown, prev.RemovedAt.Add(r.cfg.Cooldown).Format(time.RFC3339))
		}
		if score-prev.RemovalScore <= r.cfg.ReadmitImprovement {
			r.mu.Unlock()
			return fmt.Errorf("%w: %.2f vs %.2f at removal", ErrInsufficientImprovement, score, prev.RemovalScore)
		}
	}

	entry := RotationEntry{
		Address:        address,
		Active:         true,
		AdmissionScore: score,
		LastScore:      score,
		AdmittedAt:     now,
		SizeFactor:     1.0,
	}
	r.entries[address] = entry
	r.mu.Unlock()

	r.logger.Info().Str("wallet", address).Float64("score", score).Bool("readmission", known).Msg("Wallet admitted to rotation")
	r.persist(ctx, entry)
	r.publisher.Publish(events.Event{
		Type:      events.EventWalletRotated,
		Wallet:    address,
		Component: events.ComponentMonitor,
		Severity:  wallet.SeverityLow,
		Reason:    fmt.Sprintf("admitted at score %.2f", score),
		Data:      map[string]interface{}{"action": "admitted", "score": score},
	})
	return nil
}

// Rescore applies the rotation rule to a fresh composite. It returns true when
// the wallet was removed.
func (r *Registry) Rescore(ctx context.Context, address string, score float64) (bool, error) {
	address = normalize(address)

	r.mu.Lock()
	entry, ok := r.entries[address]
	if !ok || !entry.Active {
		r.mu.Unlock()
		return false, ErrNotAdmitted
	}

	declining := score < entry.LastScore
	entry.LastScore = score

	var reason string
	switch {
	case entry.AdmissionScore-score > r.cfg.ScoreDeclineLimit:
		reason = fmt.Sprintf("score declined %.2f from admission %.2f", entry.AdmissionScore-score, entry.AdmissionScore)
	case score < wallet.GoodThreshold && declining:
		reason = fmt.Sprintf("score %.2f below GOOD and declining", score)
	}

	if reason == "" {
		r.entries[address] = entry
		r.mu.Unlock()
		r.persist(ctx, entry)
		return false, nil
	}
	entry = r.removeLocked(entry, score, reason)
	r.mu.Unlock()

	r.announceRemoval(ctx, entry, wallet.SeverityHigh)
	return true, nil
}

// Remove drops a wallet from the active set immediately.
func (r *Registry) Remove(ctx context.Context, address string, severity wallet.Severity, reason string) bool {
	address = normalize(address)

	r.mu.Lock()
	entry, ok := r.entries[address]
	if !ok || !entry.Active {
		r.mu.Unlock()
		return false
	}
	entry = r.removeLocked(entry, entry.LastScore, reason)
	r.mu.Unlock()

	r.announceRemoval(ctx, entry, severity)
	return true
}

func (r *Registry) removeLocked(entry RotationEntry, score float64, reason string) RotationEntry {
	entry.Active = false
	entry.RemovedAt = r.now()
	entry.RemovalScore = score
	entry.RemovalReason = reason
	entry.SizeFactor = 0
	r.entries[entry.Address] = entry
	return entry
}

func (r *Registry) announceRemoval(ctx context.Context, entry RotationEntry, severity wallet.Severity) {
	r.logger.Warn().
		Str("wallet", entry.Address).
		Float64("score", entry.RemovalScore).
		Str("reason", entry.RemovalReason).
		Msg("Wallet removed from rotation")
	r.persist(ctx, entry)
	r.publisher.Publish(events.Event{
		Type:      events.EventWalletRotated,
		Wallet:    entry.Address,
		Component: events.ComponentMonitor,
		Severity:  severity,
		Reason:    entry.RemovalReason,
		Data: map[string]interface{}{
			"action":        "removed",
			"score":         entry.RemovalScore,
			"eligible_from": entry.RemovedAt.Add(r.cfg.Cooldown),
		},
	})
}

// Reduce lowers the wallet's size factor. Factors only ratchet down until
// ResetFactor is called.
func (r *Registry) Reduce(ctx context.Context, address string, factor float64) {
	address = normalize(address)

	r.mu.Lock()
	entry, ok := r.entries[address]
	if !ok || !entry.Active || factor >= entry.SizeFactor {
		r.mu.Unlock()
		return
	}
	entry.SizeFactor = factor
	r.entries[address] = entry
	r.mu.Unlock()

	r.logger.Info().Str("wallet", address).Float64("size_factor", factor).Msg("Reduced wallet size factor")
	r.persist(ctx, entry)
}

// ResetFactor restores full sizing for a healthy wallet.
func (r *Registry) ResetFactor(ctx context.Context, address string) {
	address = normalize(address)

	r.mu.Lock()
	entry, ok := r.entries[address]
	if !ok || !entry.Active || entry.SizeFactor == 1.0 {
		r.mu.Unlock()
		return
	}
	entry.SizeFactor = 1.0
	r.entries[address] = entry
	r.mu.Unlock()

	r.persist(ctx, entry)
}

// SizeFactor implements sizing.Eligibility.
func (r *Registry) SizeFactor(address string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[normalize(address)]
	if !ok || !entry.Active {
		return 0, false
	}
	return entry.SizeFactor, true
}

// Entry returns the wallet's rotation entry.
func (r *Registry) Entry(address string) (RotationEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[normalize(address)]
	return entry, ok
}

// Known reports whether the wallet was ever admitted.
func (r *Registry) Known(address string) bool {
	_, ok := r.Entry(address)
	return ok
}

// Active returns the addresses currently in rotation.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for address, e := range r.entries {
		if e.Active {
			out = append(out, address)
		}
	}
	return out
}

// Restore reloads persisted entries.
func (r *Registry) Restore(entries []RotationEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.entries[e.Address] = e
	}
}

func (r *Registry) persist(ctx context.Context, entry RotationEntry) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRotation(ctx, entry); err != nil {
		r.logger.Error().Err(err).Str("wallet", entry.Address).Msg("Failed to persist rotation entry")
	}
}

func normalize(address string) string {
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		return normalized
	}
	return address
}
