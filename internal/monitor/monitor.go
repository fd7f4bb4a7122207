package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

// ChangeType is a drift axis.
type ChangeType string

const (
	ChangeWinRateDrop        ChangeType = "WIN_RATE_DROP"
	ChangeSizeInflation      ChangeType = "SIZE_INFLATION"
	ChangeCategoryShift      ChangeType = "CATEGORY_SHIFT"
	ChangeVolatilityIncrease ChangeType = "VOLATILITY_INCREASE"
)

// Action is what a change does to the wallet's rotation standing.
type Action string

const (
	ActionMonitor Action = "MONITOR"
	ActionReduce  Action = "REDUCE"
	ActionRemove  Action = "REMOVE"
)

// Drift thresholds. Win-rate and volatility changes are relative to baseline.
const (
	WinRateDropHigh     = 0.15
	WinRateDropCritical = 0.25
	SizeInflationHigh   = 2.0
	SizeInflationCrit   = 3.0
	NewCategoriesHigh   = 3
	VolIncreaseMedium   = 0.20
	VolIncreaseHigh     = 0.25
	RealizedVolCritical = 0.30
)

// BehaviorChange is one detected drift.
type BehaviorChange struct {
	Address  string          `json:"address"`
	Type     ChangeType      `json:"type"`
	Severity wallet.Severity `json:"severity"`
	Action   Action          `json:"action"`
	// SizeFactor is the multiplier a REDUCE action imposes.
	SizeFactor float64   `json:"size_factor,omitempty"`
	Baseline   float64   `json:"baseline"`
	Current    float64   `json:"current"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
	// Alerted is false when the change was suppressed as a duplicate.
	Alerted bool `json:"alerted"`
}

// Config holds monitor parameters.
type Config struct {
	BaselineWindow time.Duration
	DedupWindow    time.Duration
	Rotation       RotationConfig
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		BaselineWindow: 7 * 24 * time.Hour,
		DedupWindow:    time.Hour,
		Rotation: RotationConfig{
			Cooldown:           7 * 24 * time.Hour,
			ScoreDeclineLimit:  1.0,
			ReadmitImprovement: 1.0,
		},
	}
}

// Monitor compares fresh metrics against stored baselines.
type Monitor struct {
	cfg       Config
	registry  *Registry
	store     BaselineStore
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	baselines map[string]Baseline
	lastAlert map[string]time.Time // address|type
}

// New creates a monitor and its rotation registry. store and publisher may be nil.
func New(cfg Config, store BaselineStore, publisher events.Publisher, logger zerolog.Logger) *Monitor {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Monitor{
		cfg:       cfg,
		registry:  NewRegistry(cfg.Rotation, store, publisher, logger),
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", events.ComponentMonitor).Logger(),
		now:       time.Now,
		baselines: make(map[string]Baseline),
		lastAlert: make(map[string]time.Time),
	}
}

// SetClock overrides the time source for the monitor and registry (tests).
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	m.registry.mu.Lock()
	m.registry.now = now
	m.registry.mu.Unlock()
}

// Registry returns the rotation registry.
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// Admit places a wallet in rotation and captures its baseline.
func (m *Monitor) Admit(ctx context.Context, metrics wallet.WalletMetrics, score float64) error {
	if err := metrics.Validate(); err != nil {
		return fmt.Errorf("admit: %w", err)
	}
	metrics.Address = normalize(metrics.Address)
	if err := m.registry.Admit(ctx, metrics.Address, score); err != nil {
		return err
	}
	m.captureBaseline(ctx, metrics)
	return nil
}

// Observe compares metrics to the wallet's baseline, applies the resulting
// rotation actions and returns every detected change. A wallet without a
// baseline gets one captured and reports no change.
func (m *Monitor) Observe(ctx context.Context, address string, metrics wallet.WalletMetrics) []BehaviorChange {
	if err := metrics.Validate(); err != nil {
		m.logger.Warn().Err(err).Str("wallet", address).Msg("Skipping observation of malformed metrics")
		return nil
	}
	address = normalize(address)
	metrics.Address = address

	m.mu.RLock()
	baseline, ok := m.baselines[address]
	now := m.now()
	m.mu.RUnlock()

	if !ok {
		m.captureBaseline(ctx, metrics)
		return nil
	}

	changes := detect(baseline, metrics, now)

	m.mu.Lock()
	for i := range changes {
		key := address + "|" + string(changes[i].Type)
		if last, seen := m.lastAlert[key]; seen && now.Sub(last) < m.cfg.DedupWindow {
			continue
		}
		m.lastAlert[key] = now
		changes[i].Alerted = true
	}
	m.mu.Unlock()

	m.apply(ctx, address, changes)

	if len(changes) == 0 {
		// Healthy wallets roll their baseline forward and regain full size.
		if now.Sub(baseline.CapturedAt) >= m.cfg.BaselineWindow {
			m.captureBaseline(ctx, metrics)
			m.registry.ResetFactor(ctx, address)
		}
	}
	return changes
}

func (m *Monitor) apply(ctx context.Context, address string, changes []BehaviorChange) {
	removeReason := ""
	factor := 1.0
	for _, c := range changes {
		if c.Alerted {
			m.announce(c)
		}
		switch c.Action {
		case ActionRemove:
			if removeReason == "" {
				removeReason = c.Reason
			}
		case ActionReduce:
			if c.SizeFactor < factor {
				factor = c.SizeFactor
			}
		}
	}

	if removeReason != "" {
		m.registry.Remove(ctx, address, wallet.SeverityCritical, removeReason)
		return
	}
	if factor < 1.0 {
		m.registry.Reduce(ctx, address, factor)
	}
}

func (m *Monitor) announce(c BehaviorChange) {
	evt := m.logger.Info()
	if c.Severity >= wallet.SeverityHigh {
		evt = m.logger.Warn()
	}
	evt.Str("wallet", c.Address).
		Str("change", string(c.Type)).
		Str("severity", c.Severity.String()).
		Str("action", string(c.Action)).
		Float64("baseline", c.Baseline).
		Float64("current", c.Current).
		Msg(c.Reason)

	m.publisher.Publish(events.Event{
		Type:      events.EventBehaviorChange,
		Wallet:    c.Address,
		Component: events.ComponentMonitor,
		Severity:  c.Severity,
		Reason:    c.Reason,
		Data: map[string]interface{}{
			"change":   c.Type,
			"action":   c.Action,
			"baseline": c.Baseline,
			"current":  c.Current,
		},
	})
}

func (m *Monitor) captureBaseline(ctx context.Context, metrics wallet.WalletMetrics) {
	m.mu.Lock()
	b := NewBaseline(metrics, m.now())
	m.baselines[b.Address] = b
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.SaveBaseline(ctx, b); err != nil {
		m.logger.Error().Err(err).Str("wallet", b.Address).Msg("Failed to persist baseline")
		m.publisher.Publish(events.Event{
			Type:      events.EventError,
			Wallet:    b.Address,
			Component: events.ComponentMonitor,
			Severity:  wallet.SeverityMedium,
			Reason:    fmt.Sprintf("persist baseline: %v", err),
		})
	}
}

// Baseline returns the stored baseline for a wallet.
func (m *Monitor) Baseline(address string) (Baseline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[normalize(address)]
	return b, ok
}

// Load restores baselines and rotation entries from the store.
func (m *Monitor) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	baselines, err := m.store.LoadBaselines(ctx)
	if err != nil {
		return fmt.Errorf("load baselines: %w", err)
	}
	rotations, err := m.store.LoadRotations(ctx)
	if err != nil {
		return fmt.Errorf("load rotations: %w", err)
	}

	m.mu.Lock()
	for _, b := range baselines {
		m.baselines[b.Address] = b
	}
	m.mu.Unlock()
	m.registry.Restore(rotations)

	m.logger.Info().Int("baselines", len(baselines)).Int("rotations", len(rotations)).Msg("Restored monitor state")
	return nil
}

// Sweep drops stale dedup entries and baselines of wallets no longer tracked.
func (m *Monitor) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, at := range m.lastAlert {
		if now.Sub(at) >= m.cfg.DedupWindow {
			delete(m.lastAlert, key)
		}
	}
	for address, b := range m.baselines {
		if !m.registry.Known(address) && now.Sub(b.CapturedAt) >= 4*m.cfg.BaselineWindow {
			delete(m.baselines, address)
			removed++
		}
	}
	return removed
}

// detect evaluates the four drift axes.
func detect(b Baseline, m wallet.WalletMetrics, now time.Time) []BehaviorChange {
	var changes []BehaviorChange
	add := func(t ChangeType, sev wallet.Severity, action Action, factor, base, cur float64, reason string) {
		changes = append(changes, BehaviorChange{
			Address:    m.Address,
			Type:       t,
			Severity:   sev,
			Action:     action,
			SizeFactor: factor,
			Baseline:   base,
			Current:    cur,
			Reason:     reason,
			DetectedAt: now,
		})
	}

	// Win-rate drop
	if b.WinRate > 0 {
		drop := (b.WinRate - m.WinRate) / b.WinRate
		reason := fmt.Sprintf("win rate fell %.0f%% (%.1f%% -> %.1f%%)", drop*100, b.WinRate*100, m.WinRate*100)
		switch {
		case drop > WinRateDropCritical:
			add(ChangeWinRateDrop, wallet.SeverityCritical, ActionRemove, 0, b.WinRate, m.WinRate, reason)
		case drop > WinRateDropHigh:
			add(ChangeWinRateDrop, wallet.SeverityHigh, ActionReduce, 0.5, b.WinRate, m.WinRate, reason)
		}
	}

	// Position-size inflation
	if cur := m.AvgPositionSize(); b.AvgPositionSize > 0 && cur > 0 {
		ratio := cur / b.AvgPositionSize
		reason := fmt.Sprintf("average size %.1fx baseline ($%.2f -> $%.2f)", ratio, b.AvgPositionSize, cur)
		switch {
		case ratio > SizeInflationCrit:
			add(ChangeSizeInflation, wallet.SeverityCritical, ActionRemove, 0, b.AvgPositionSize, cur, reason)
		case ratio > SizeInflationHigh:
			add(ChangeSizeInflation, wallet.SeverityHigh, ActionReduce, 0.25, b.AvgPositionSize, cur, reason)
		}
	}

	// Category shift
	newCats := 0
	for c := range m.Categories() {
		if !b.hasCategory(c) {
			newCats++
		}
	}
	if newCats > 0 {
		reason := fmt.Sprintf("%d new categories since baseline", newCats)
		if newCats >= NewCategoriesHigh {
			add(ChangeCategoryShift, wallet.SeverityHigh, ActionReduce, 0.5, float64(len(b.Categories)), float64(newCats), reason)
		} else {
			add(ChangeCategoryShift, wallet.SeverityMedium, ActionMonitor, 0, float64(len(b.Categories)), float64(newCats), reason)
		}
	}

	// Volatility increase
	switch {
	case m.RealizedVol > RealizedVolCritical:
		add(ChangeVolatilityIncrease, wallet.SeverityCritical, ActionRemove, 0, b.RealizedVol, m.RealizedVol,
			fmt.Sprintf("realized volatility %.1f%% above %.0f%%", m.RealizedVol*100, RealizedVolCritical*100))
	case b.RealizedVol > 0:
		rise := (m.RealizedVol - b.RealizedVol) / b.RealizedVol
		reason := fmt.Sprintf("volatility up %.0f%% (%.1f%% -> %.1f%%)", rise*100, b.RealizedVol*100, m.RealizedVol*100)
		switch {
		case rise > VolIncreaseHigh:
			add(ChangeVolatilityIncrease, wallet.SeverityHigh, ActionReduce, 0.5, b.RealizedVol, m.RealizedVol, reason)
		case rise >= VolIncreaseMedium:
			add(ChangeVolatilityIncrease, wallet.SeverityMedium, ActionMonitor, 0, b.RealizedVol, m.RealizedVol, reason)
		}
	}

	return changes
}
