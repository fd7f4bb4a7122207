package circuit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"    // Normal operation
	StateOpen     BreakerState = "OPEN"      // Trading halted
	StateHalfOpen BreakerState = "HALF_OPEN" // Testing recovery
)

var (
	ErrOperatorRequired = errors.New("manual override requires an operator and a reason")
	ErrPersistence      = errors.New("circuit breaker state could not be persisted")
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled                   bool
	MaxDailyLossUSD           float64       // Trip when realized daily loss exceeds this
	MaxConsecutiveLosses      int           // Trip when the losing streak exceeds this
	MaxFailureRate            float64       // Trip when failed/attempts exceeds this
	FailureWindow             time.Duration // Trailing window for the failure rate
	MinAttemptsForFailureRate int           // Minimum sample before the rate counts
	Cooldown                  time.Duration // OPEN -> HALF_OPEN delay
	DailyResetHourUTC         int           // Daily loss accounting boundary
}

// DefaultCircuitBreakerConfig returns safe defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:                   true,
		MaxDailyLossUSD:           300,
		MaxConsecutiveLosses:      5,
		MaxFailureRate:            0.5,
		FailureWindow:             15 * time.Minute,
		MinAttemptsForFailureRate: 5,
		Cooldown:                  30 * time.Minute,
		DailyResetHourUTC:         0,
	}
}

// Attempt is one execution attempt inside the failure-rate window.
type Attempt struct {
	At     time.Time `json:"at"`
	Failed bool      `json:"failed"`
}

// Snapshot is the durable breaker state.
type Snapshot struct {
	State             BreakerState `json:"state"`
	ConsecutiveLosses int          `json:"consecutive_losses"`
	DailyLoss         float64      `json:"daily_loss"`
	DailyResetAt      time.Time    `json:"daily_reset_at"`
	TrippedAt         time.Time    `json:"tripped_at,omitempty"`
	CooldownUntil     time.Time    `json:"cooldown_until,omitempty"`
	TripReason        string       `json:"trip_reason,omitempty"`
	ProbeInFlight     bool         `json:"probe_in_flight"`
	Attempts          []Attempt    `json:"attempts,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// StateStore persists breaker snapshots. LoadBreakerState returns nil, nil
// when nothing was saved yet.
type StateStore interface {
	SaveBreakerState(ctx context.Context, snapshot Snapshot) error
	LoadBreakerState(ctx context.Context) (*Snapshot, error)
}

// CircuitBreaker is the process-wide trading gate.
type CircuitBreaker struct {
	config    CircuitBreakerConfig
	store     StateStore
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         BreakerState
	consecutive   int
	dailyLoss     float64
	dailyResetAt  time.Time
	trippedAt     time.Time
	cooldownUntil time.Time
	tripReason    string
	probeInFlight bool
	probeSeq      uint64
	attempts      []Attempt
	persistFailed bool

	onTrip  func(reason string)
	onReset func()
}

// NewCircuitBreaker creates a breaker in CLOSED state. store and publisher may be nil.
func NewCircuitBreaker(config CircuitBreakerConfig, store StateStore, publisher events.Publisher, logger zerolog.Logger) *CircuitBreaker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	cb := &CircuitBreaker{
		config:    config,
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", events.ComponentBreaker).Logger(),
		now:       time.Now,
		state:     StateClosed,
	}
	cb.dailyResetAt = cb.nextDailyReset(cb.now())
	return cb
}

// SetClock overrides the time source (tests).
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	cb.dailyResetAt = cb.nextDailyReset(now())
}

// OnTrip sets callback for when breaker trips
func (cb *CircuitBreaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker closes again
func (cb *CircuitBreaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// transition is an event produced under the lock and published after it.
type transition struct {
	from, to BreakerState
	reason   string
	severity wallet.Severity
}

// Permit answers one Allow call. It is handed back to RecordExecution so
// that only the attempt let through as the HALF_OPEN probe resolves it.
type Permit struct {
	Allowed bool
	Reason  string
	probe   uint64
}

// Probe reports whether this permit is the HALF_OPEN probe.
func (p Permit) Probe() bool {
	return p.probe != 0
}

// Allow reports whether a trade attempt may proceed. It must be called per
// attempt, immediately before execution. In HALF_OPEN exactly one attempt is
// let through as a probe.
func (cb *CircuitBreaker) Allow() Permit {
	if !cb.config.Enabled {
		return Permit{Allowed: true}
	}

	cb.mu.Lock()
	var pending []transition
	defer func() {
		cb.mu.Unlock()
		cb.publish(pending)
	}()

	now := cb.now()
	changed := cb.resetDailyIfNeeded(now)

	if cb.state == StateOpen && !now.Before(cb.cooldownUntil) {
		pending = append(pending, cb.setState(StateHalfOpen, "cooldown elapsed", wallet.SeverityMedium))
		changed = true
	}

	permit := Permit{}
	switch cb.state {
	case StateOpen:
		remaining := cb.cooldownUntil.Sub(now)
		permit.Reason = fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
			remaining.Round(time.Second), cb.tripReason)
	case StateHalfOpen:
		if cb.probeInFlight {
			permit.Reason = "circuit breaker half-open, probe in flight"
		} else {
			cb.probeSeq++
			cb.probeInFlight = true
			changed = true
			permit.Allowed = true
			permit.probe = cb.probeSeq
		}
	default:
		permit.Allowed = true
	}

	if changed || cb.persistFailed {
		if err := cb.persistLocked(); err != nil {
			if permit.Probe() {
				cb.probeInFlight = false
			}
			return Permit{Reason: err.Error()}
		}
	}
	return permit
}

// RecordExecution feeds the failure-rate window with the outcome of the
// attempt allowed by permit. When permit is the current HALF_OPEN probe it
// resolves it: success closes the breaker, failure reopens it.
func (cb *CircuitBreaker) RecordExecution(permit Permit, success bool) error {
	if !cb.config.Enabled {
		return nil
	}

	cb.mu.Lock()
	var pending []transition
	defer func() {
		cb.mu.Unlock()
		cb.publish(pending)
	}()

	now := cb.now()
	cb.resetDailyIfNeeded(now)
	cb.attempts = append(cb.attempts, Attempt{At: now, Failed: !success})
	cb.pruneAttempts(now)

	if cb.state == StateHalfOpen && cb.probeInFlight && permit.Probe() && permit.probe == cb.probeSeq {
		cb.probeInFlight = false
		if success {
			pending = append(pending, cb.setState(StateClosed, "probe succeeded", wallet.SeverityLow))
		} else {
			pending = append(pending, cb.trip(now, "probe failed"))
		}
	}

	if cb.state == StateClosed {
		if reason := cb.failureRateReason(); reason != "" {
			pending = append(pending, cb.trip(now, reason))
		}
	}

	return cb.persistLocked()
}

// Release hands back a permit whose attempt ended without a known result,
// such as a cancelled request. Nothing enters the failure-rate window; a
// released probe frees the HALF_OPEN slot for the next attempt.
func (cb *CircuitBreaker) Release(permit Permit) error {
	if !cb.config.Enabled || !permit.Probe() {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateHalfOpen || !cb.probeInFlight || permit.probe != cb.probeSeq {
		return nil
	}
	cb.probeInFlight = false
	cb.logger.Info().Msg("Probe released without a result")
	return cb.persistLocked()
}

// RecordTrade records realized P&L in USD from a closed position. Losses add
// to daily accounting and the losing streak; any profit resets the streak only.
func (cb *CircuitBreaker) RecordTrade(pnlUSD float64) error {
	if !cb.config.Enabled {
		return nil
	}

	// Validate PnL value to prevent NaN/Inf from breaking the circuit breaker
	if math.IsNaN(pnlUSD) || math.IsInf(pnlUSD, 0) {
		cb.logger.Warn().Float64("pnl", pnlUSD).Msg("Ignoring non-finite trade result")
		return nil
	}

	cb.mu.Lock()
	var pending []transition
	defer func() {
		cb.mu.Unlock()
		cb.publish(pending)
	}()

	now := cb.now()
	cb.resetDailyIfNeeded(now)

	if pnlUSD < 0 {
		cb.consecutive++
		cb.dailyLoss += -pnlUSD
	} else if pnlUSD > 0 {
		cb.consecutive = 0
	}

	if cb.state != StateOpen {
		if reason := cb.lossReason(); reason != "" {
			pending = append(pending, cb.trip(now, reason))
		}
	}

	return cb.persistLocked()
}

func (cb *CircuitBreaker) lossReason() string {
	switch {
	case cb.dailyLoss > cb.config.MaxDailyLossUSD:
		return fmt.Sprintf("daily loss $%.2f exceeds $%.2f", cb.dailyLoss, cb.config.MaxDailyLossUSD)
	case cb.consecutive > cb.config.MaxConsecutiveLosses:
		return fmt.Sprintf("consecutive losses: %d", cb.consecutive)
	}
	return ""
}

func (cb *CircuitBreaker) failureRateReason() string {
	if len(cb.attempts) < cb.config.MinAttemptsForFailureRate || len(cb.attempts) == 0 {
		return ""
	}
	failed := 0
	for _, a := range cb.attempts {
		if a.Failed {
			failed++
		}
	}
	rate := float64(failed) / float64(len(cb.attempts))
	if rate > cb.config.MaxFailureRate {
		return fmt.Sprintf("execution failure rate %.0f%% over %d attempts", rate*100, len(cb.attempts))
	}
	return ""
}

func (cb *CircuitBreaker) pruneAttempts(now time.Time) {
	cutoff := now.Add(-cb.config.FailureWindow)
	i := 0
	for i < len(cb.attempts) && cb.attempts[i].At.Before(cutoff) {
		i++
	}
	cb.attempts = append(cb.attempts[:0], cb.attempts[i:]...)
}

// trip opens the circuit breaker and restarts the cooldown
func (cb *CircuitBreaker) trip(now time.Time, reason string) transition {
	t := cb.setState(StateOpen, reason, wallet.SeverityCritical)
	cb.trippedAt = now
	cb.cooldownUntil = now.Add(cb.config.Cooldown)
	cb.tripReason = reason
	cb.probeInFlight = false
	// A fresh window after the trip keeps old failures from re-tripping a probe.
	cb.attempts = cb.attempts[:0]

	if cb.onTrip != nil {
		go cb.onTrip(reason)
	}
	return t
}

func (cb *CircuitBreaker) setState(to BreakerState, reason string, severity wallet.Severity) transition {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.tripReason = ""
		cb.probeInFlight = false
		if from != StateClosed && cb.onReset != nil {
			go cb.onReset()
		}
	}
	return transition{from: from, to: to, reason: reason, severity: severity}
}

// resetDailyIfNeeded clears daily loss at the UTC boundary regardless of state.
func (cb *CircuitBreaker) resetDailyIfNeeded(now time.Time) bool {
	if now.Before(cb.dailyResetAt) {
		return false
	}
	if cb.dailyLoss != 0 {
		cb.logger.Info().Float64("daily_loss", cb.dailyLoss).Msg("Daily loss accounting reset")
	}
	cb.dailyLoss = 0
	cb.dailyResetAt = cb.nextDailyReset(now)
	return true
}

func (cb *CircuitBreaker) nextDailyReset(now time.Time) time.Time {
	now = now.UTC()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), cb.config.DailyResetHourUTC, 0, 0, 0, time.UTC)
	if !now.Before(boundary) {
		boundary = boundary.Add(24 * time.Hour)
	}
	return boundary
}

// ResetDailyIfDue applies the daily loss reset when the boundary has passed
// and persists it. Calls on other paths reset lazily as well.
func (cb *CircuitBreaker) ResetDailyIfDue() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.resetDailyIfNeeded(cb.now()) {
		return false, nil
	}
	return true, cb.persistLocked()
}

// ForceClose is the explicit manual override to CLOSED.
func (cb *CircuitBreaker) ForceClose(operator, reason string) error {
	if operator == "" || reason == "" {
		return ErrOperatorRequired
	}

	cb.mu.Lock()
	var pending []transition
	defer func() {
		cb.mu.Unlock()
		cb.publish(pending)
	}()

	prev := cb.state
	cb.consecutive = 0
	cb.attempts = cb.attempts[:0]
	cb.cooldownUntil = time.Time{}
	t := cb.setState(StateClosed, fmt.Sprintf("manual override by %s: %s", operator, reason), wallet.SeverityHigh)
	if prev != StateClosed {
		pending = append(pending, t)
	}

	cb.logger.Warn().
		Str("operator", operator).
		Str("reason", reason).
		Str("from", string(prev)).
		Float64("daily_loss", cb.dailyLoss).
		Msg("Circuit breaker manually closed")

	return cb.persistLocked()
}

// Load restores persisted state. A probe that was in flight at shutdown has
// an unknown outcome and reopens the breaker.
func (cb *CircuitBreaker) Load(ctx context.Context) error {
	if cb.store == nil {
		return nil
	}
	snap, err := cb.store.LoadBreakerState(ctx)
	if err != nil {
		cb.mu.Lock()
		cb.persistFailed = true
		cb.mu.Unlock()
		return fmt.Errorf("load breaker state: %w", err)
	}
	if snap == nil {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = snap.State
	cb.consecutive = snap.ConsecutiveLosses
	cb.dailyLoss = snap.DailyLoss
	cb.dailyResetAt = snap.DailyResetAt
	if cb.dailyResetAt.IsZero() {
		cb.dailyResetAt = cb.nextDailyReset(cb.now())
	}
	cb.trippedAt = snap.TrippedAt
	cb.cooldownUntil = snap.CooldownUntil
	cb.tripReason = snap.TripReason
	cb.attempts = append(cb.attempts[:0], snap.Attempts...)

	if snap.State == StateHalfOpen && snap.ProbeInFlight {
		now := cb.now()
		cb.logger.Warn().Msg("Probe outcome lost across restart, reopening breaker")
		cb.trip(now, "probe outcome unknown after restart")
	}

	cb.logger.Info().
		Str("state", string(cb.state)).
		Time("cooldown_until", cb.cooldownUntil).
		Float64("daily_loss", cb.dailyLoss).
		Int("consecutive_losses", cb.consecutive).
		Msg("Restored circuit breaker state")

	return cb.persistLocked()
}

func (cb *CircuitBreaker) snapshotLocked() Snapshot {
	attempts := make([]Attempt, len(cb.attempts))
	copy(attempts, cb.attempts)
	return Snapshot{
		State:             cb.state,
		ConsecutiveLosses: cb.consecutive,
		DailyLoss:         cb.dailyLoss,
		DailyResetAt:      cb.dailyResetAt,
		TrippedAt:         cb.trippedAt,
		CooldownUntil:     cb.cooldownUntil,
		TripReason:        cb.tripReason,
		ProbeInFlight:     cb.probeInFlight,
		Attempts:          attempts,
		UpdatedAt:         cb.now(),
	}
}

// persistLocked saves state while holding the lock so snapshots are written in
// transition order. Failure makes Allow deny until a save succeeds.
func (cb *CircuitBreaker) persistLocked() error {
	if cb.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cb.store.SaveBreakerState(ctx, cb.snapshotLocked()); err != nil {
		if !cb.persistFailed {
			cb.logger.Error().Err(err).Msg("Failed to persist breaker state, failing closed")
		}
		cb.persistFailed = true
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if cb.persistFailed {
		cb.logger.Info().Msg("Breaker state persistence recovered")
	}
	cb.persistFailed = false
	return nil
}

func (cb *CircuitBreaker) publish(pending []transition) {
	for _, t := range pending {
		evt := cb.logger.Info()
		if t.to == StateOpen {
			evt = cb.logger.Warn()
		}
		evt.Str("from", string(t.from)).Str("to", string(t.to)).Msg(t.reason)

		cb.publisher.Publish(events.Event{
			Type:      events.EventBreakerTransition,
			Component: events.ComponentBreaker,
			Severity:  t.severity,
			Reason:    t.reason,
			Data: map[string]interface{}{
				"from": t.from,
				"to":   t.to,
			},
		})
	}
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a copy of the current state for dashboards.
func (cb *CircuitBreaker) Stats() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

// PersistenceHealthy reports whether the last save succeeded.
func (cb *CircuitBreaker) PersistenceHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.persistFailed
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}
