package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/metrics"
	"wallet-copy-trader/internal/monitor"
	"wallet-copy-trader/internal/quality"
	"wallet-copy-trader/internal/recorder"
	"wallet-copy-trader/internal/redflag"
	"wallet-copy-trader/internal/sizing"
	"wallet-copy-trader/internal/wallet"
)

// Deps are the collaborators a Pipeline drives. Recorder, Metrics and
// Publisher are optional.
type Deps struct {
	Source   MetricsSource
	Account  AccountSource
	Executor Executor

	Scorer   *quality.Scorer
	Detector *redflag.Detector
	Sizer    *sizing.Sizer
	Monitor  *monitor.Monitor
	Breaker  *circuit.CircuitBreaker

	Recorder  recorder.Recorder
	Metrics   *metrics.Metrics
	Publisher events.Publisher
}

// Pipeline is the per-trade decision loop.
type Pipeline struct {
	Deps
	logger  zerolog.Logger
	now     func() time.Time
	workers int

	mu        sync.Mutex
	positions map[string]Position
}

// New validates deps and builds a pipeline.
func New(deps Deps, logger zerolog.Logger) (*Pipeline, error) {
	var missing []error
	if deps.Source == nil {
		missing = append(missing, errors.New("metrics source is required"))
	}
	if deps.Account == nil {
		missing = append(missing, errors.New("account source is required"))
	}
	if deps.Executor == nil {
		missing = append(missing, errors.New("executor is required"))
	}
	if deps.Scorer == nil || deps.Detector == nil || deps.Sizer == nil || deps.Monitor == nil || deps.Breaker == nil {
		missing = append(missing, errors.New("scorer, detector, sizer, monitor and breaker are required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	if deps.Recorder == nil {
		deps.Recorder = recorder.NewNoopRecorder()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}

	return &Pipeline{
		Deps:      deps,
		logger:    logger.With().Str("component", events.ComponentPipeline).Logger(),
		now:       time.Now,
		workers:   8,
		positions: make(map[string]Position),
	}, nil
}

// SetClock overrides the time source (tests).
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// SetWorkers bounds concurrency of the periodic jobs.
func (p *Pipeline) SetWorkers(n int) {
	if n > 0 {
		p.workers = n
	}
}

// Process decides and, when permitted, executes the copy of one observed
// trade. A non-nil error is returned only for bad input, an unavailable
// snapshot or a failed execution; every other stop is a Result outcome.
func (p *Pipeline) Process(ctx context.Context, obs TradeObservation) (Result, error) {
	res := Result{Observation: obs, Outcome: OutcomeSkipped}

	address, err := wallet.NormalizeAddress(obs.Address)
	if err != nil || obs.AmountUSD <= 0 || obs.MarketID == "" {
		p.Metrics.TradesTotal.WithLabelValues(OutcomeSkipped).Inc()
		return res, fmt.Errorf("%w: address=%q amount=%v market=%q", ErrInvalidObservation, obs.Address, obs.AmountUSD, obs.MarketID)
	}
	obs.Address = address
	res.Observation = obs

	log := p.logger.With().Str("wallet", address).Str("market", obs.MarketID).Logger()

	m, history, err := p.Source.Snapshot(ctx, address)
	if err != nil {
		p.Metrics.TradesTotal.WithLabelValues(OutcomeSkipped).Inc()
		return res, fmt.Errorf("snapshot %s: %w", address, err)
	}
	if m.Address == "" {
		m.Address = address
	}

	// Scoring and red-flag evaluation are independent.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.Score = p.Scorer.Score(m)
		return nil
	})
	g.Go(func() error {
		res.Verdict = p.Detector.Evaluate(gctx, m, history)
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if res.Score.HasFlag(quality.FlagMarketMaker) {
		res.Verdict = p.Detector.RecordMarketMaker(ctx, address, "market-maker trading profile")
	}

	p.updateRotation(ctx, m, res, log)

	balance, err := p.Account.Balance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Account balance unavailable, skipping copy")
		balance = 0
	}

	req := sizing.SizeRequest{
		Address:           address,
		Category:          obs.Category,
		Score:             res.Score,
		Excluded:          res.Verdict.Excluded,
		OriginalAmountUSD: obs.AmountUSD,
		Volatility:        obs.Volatility,
		AccountBalance:    balance,
	}
	switch {
	case res.Verdict.Current != nil:
		req.ExclusionReason = fmt.Sprintf("%s (%s)", res.Verdict.Current.Flag, res.Verdict.Current.Reason)
	case res.Verdict.InvalidInput != "":
		req.ExclusionReason = "malformed metrics (" + res.Verdict.InvalidInput + ")"
	}

	res.Decision = p.Sizer.Size(req)
	p.record(res.Decision, log)

	if res.Decision.Skipped {
		p.Metrics.TradesTotal.WithLabelValues(OutcomeSkipped).Inc()
		p.Metrics.SkipsTotal.WithLabelValues(skipLabel(res.Decision.Reason)).Inc()
		res.Breaker = p.Breaker.GetState()
		return res, nil
	}

	// The breaker is the last gate and is asked for every attempt.
	permit := p.Breaker.Allow()
	res.Breaker = p.Breaker.GetState()
	if !permit.Allowed {
		p.Sizer.ReleaseDecision(res.Decision)
		res.Outcome = OutcomeBlocked
		res.BlockReason = permit.Reason
		p.Metrics.TradesTotal.WithLabelValues(OutcomeBlocked).Inc()
		log.Info().Str("reason", permit.Reason).Float64("amount", res.Decision.Final).Msg("Copy blocked by circuit breaker")
		return res, nil
	}

	order := Order{
		DecisionID:   res.Decision.ID,
		SourceWallet: address,
		MarketID:     obs.MarketID,
		Category:     obs.Category,
		Side:         obs.Side,
		AmountUSD:    res.Decision.Final,
	}
	fill, execErr := p.Executor.Execute(ctx, order)
	if cancelled(ctx, execErr) {
		if err := p.Breaker.Release(permit); err != nil {
			log.Error().Err(err).Msg("Breaker state not persisted after cancelled execution")
		}
		p.Sizer.ReleaseDecision(res.Decision)
		res.Breaker = p.Breaker.GetState()
		res.Outcome = OutcomeCancelled
		p.Metrics.TradesTotal.WithLabelValues(OutcomeCancelled).Inc()
		log.Warn().Err(execErr).Float64("amount", res.Decision.Final).Msg("Copy execution cancelled")
		return res, fmt.Errorf("execute %s: %w", res.Decision.ID, execErr)
	}
	if err := p.Breaker.RecordExecution(permit, execErr == nil); err != nil {
		log.Error().Err(err).Msg("Breaker state not persisted after execution")
	}
	res.Breaker = p.Breaker.GetState()

	if execErr != nil {
		p.Sizer.ReleaseDecision(res.Decision)
		res.Outcome = OutcomeFailed
		p.Metrics.TradesTotal.WithLabelValues(OutcomeFailed).Inc()
		p.recordOutcome(&recorder.TradeOutcome{
			DecisionID: res.Decision.ID,
			Address:    address,
			Category:   string(obs.Category),
			AmountUSD:  res.Decision.Final,
			Error:      execErr.Error(),
			At:         p.now(),
		}, log)
		log.Error().Err(execErr).Float64("amount", res.Decision.Final).Msg("Copy execution failed")
		return res, fmt.Errorf("execute %s: %w", res.Decision.ID, execErr)
	}

	filled := fill.FilledUSD
	if filled <= 0 || filled > res.Decision.Final {
		filled = res.Decision.Final
	}
	if unused := res.Decision.Final - filled; unused > 0 {
		p.Sizer.Release(address, obs.Category, unused)
	}

	p.mu.Lock()
	p.positions[res.Decision.ID] = Position{
		DecisionID: res.Decision.ID,
		Address:    address,
		MarketID:   obs.MarketID,
		Category:   obs.Category,
		AmountUSD:  filled,
		OpenedAt:   p.now(),
	}
	p.mu.Unlock()

	res.Fill = &fill
	res.Outcome = OutcomeExecuted
	p.Metrics.TradesTotal.WithLabelValues(OutcomeExecuted).Inc()
	p.Metrics.SizedAmountUSD.Observe(filled)
	p.Metrics.ExposureUSD.Set(p.Sizer.Ledger().Total().InexactFloat64())

	p.Publisher.Publish(events.Event{
		Type:      events.EventTradeSized,
		Wallet:    address,
		Component: events.ComponentPipeline,
		Severity:  wallet.SeverityLow,
		Reason:    fmt.Sprintf("copied $%.2f (%s)", filled, res.Decision.Binding),
		Data: map[string]interface{}{
			"decision_id": res.Decision.ID,
			"market_id":   obs.MarketID,
			"amount_usd":  filled,
			"tier":        res.Score.Tier,
			"binding":     res.Decision.Binding,
		},
	})
	log.Info().
		Str("decision_id", res.Decision.ID).
		Float64("amount", filled).
		Str("tier", string(res.Score.Tier)).
		Msg("Copy trade executed")

	return res, nil
}

// cancelled reports whether err comes from the caller abandoning ctx rather
// than from the executor itself.
func cancelled(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// updateRotation admits qualifying wallets and pulls excluded ones.
func (p *Pipeline) updateRotation(ctx context.Context, m wallet.WalletMetrics, res Result, log zerolog.Logger) {
	registry := p.Monitor.Registry()
	address := m.Address

	// Malformed metrics block this copy but are not evidence against the wallet.
	if res.Verdict.InvalidInput != "" && res.Verdict.Current == nil {
		return
	}
	if res.Verdict.Excluded {
		reason := "excluded"
		severity := wallet.SeverityHigh
		if res.Verdict.Current != nil {
			reason = fmt.Sprintf("excluded: %s", res.Verdict.Current.Flag)
			severity = res.Verdict.Current.Severity
		}
		registry.Remove(ctx, address, severity, reason)
		return
	}

	if res.Score.Tier == wallet.TierPoor {
		return
	}
	if _, active := registry.SizeFactor(address); active {
		return
	}
	if err := p.Monitor.Admit(ctx, m, res.Score.Composite); err != nil {
		log.Debug().Err(err).Msg("Wallet not admitted to rotation")
	}
}

// ReportOutcome closes a copied position: the exposure is released and the
// realized P&L is fed to the breaker.
func (p *Pipeline) ReportOutcome(ctx context.Context, decisionID string, pnlUSD float64) error {
	if math.IsNaN(pnlUSD) || math.IsInf(pnlUSD, 0) {
		return fmt.Errorf("%w: %v for %s", ErrInvalidPnL, pnlUSD, decisionID)
	}

	p.mu.Lock()
	pos, ok := p.positions[decisionID]
	delete(p.positions, decisionID)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, decisionID)
	}

	log := p.logger.With().Str("wallet", pos.Address).Str("decision_id", decisionID).Logger()

	p.Sizer.Release(pos.Address, pos.Category, pos.AmountUSD)
	p.Metrics.ExposureUSD.Set(p.Sizer.Ledger().Total().InexactFloat64())

	breakerErr := p.Breaker.RecordTrade(pnlUSD)
	if breakerErr != nil {
		log.Error().Err(breakerErr).Msg("Breaker state not persisted after outcome")
	}

	p.recordOutcome(&recorder.TradeOutcome{
		DecisionID: decisionID,
		Address:    pos.Address,
		Category:   string(pos.Category),
		AmountUSD:  pos.AmountUSD,
		PnLUSD:     pnlUSD,
		Success:    true,
		At:         p.now(),
	}, log)

	severity := wallet.SeverityLow
	if pnlUSD < 0 {
		severity = wallet.SeverityMedium
	}
	p.Publisher.Publish(events.Event{
		Type:      events.EventTradeOutcome,
		Wallet:    pos.Address,
		Component: events.ComponentPipeline,
		Severity:  severity,
		Reason:    fmt.Sprintf("closed with P&L $%.2f", pnlUSD),
		Data: map[string]interface{}{
			"decision_id": decisionID,
			"amount_usd":  pos.AmountUSD,
			"pnl_usd":     pnlUSD,
		},
	})
	log.Info().Float64("pnl", pnlUSD).Msg("Copy position closed")

	return breakerErr
}

// OpenPositions lists executed copies not yet closed.
func (p *Pipeline) OpenPositions() []Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out
}

func (p *Pipeline) record(d sizing.PositionSizeDecision, log zerolog.Logger) {
	if err := p.Recorder.RecordDecision(&d); err != nil {
		log.Warn().Err(err).Str("decision_id", d.ID).Msg("Failed to record sizing decision")
	}
}

func (p *Pipeline) recordOutcome(o *recorder.TradeOutcome, log zerolog.Logger) {
	if err := p.Recorder.RecordOutcome(o); err != nil {
		log.Warn().Err(err).Msg("Failed to record trade outcome")
	}
}

// skipLabel keeps the skip metric's cardinality bounded.
func skipLabel(reason string) string {
	for _, known := range []string{
		sizing.SkipExcluded, sizing.SkipPoorTier, sizing.SkipInvalidBalance,
		sizing.SkipInactive, sizing.SkipBelowFloor,
	} {
		if strings.HasPrefix(reason, known) {
			return known
		}
	}
	return "other"
}
