package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/monitor"
	"wallet-copy-trader/internal/quality"
	"wallet-copy-trader/internal/redflag"
	"wallet-copy-trader/internal/sizing"
	"wallet-copy-trader/internal/wallet"
)

const (
	eliteWallet = "0x1111111111111111111111111111111111111111"
	newWallet   = "0x2222222222222222222222222222222222222222"
	mmWallet    = "0x3333333333333333333333333333333333333333"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	metrics map[string]wallet.WalletMetrics
	history map[string]wallet.WalletHistory
}

func (s *fakeSource) Snapshot(_ context.Context, address string) (wallet.WalletMetrics, wallet.WalletHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[address]
	if !ok {
		return wallet.WalletMetrics{}, wallet.WalletHistory{}, errors.New("no data")
	}
	return m, s.history[address], nil
}

func (s *fakeSource) set(m wallet.WalletMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.Address] = m
}

type fixedBalance float64

func (b fixedBalance) Balance(context.Context) (float64, error) { return float64(b), nil }

type fakeExecutor struct {
	mu     sync.Mutex
	orders []Order
	err    error
}

func (e *fakeExecutor) Execute(_ context.Context, o Order) (Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders = append(e.orders, o)
	if e.err != nil {
		return Fill{}, e.err
	}
	return Fill{OrderID: "ord-" + o.DecisionID, FilledUSD: o.AmountUSD, FilledAt: epoch}, nil
}

func eliteMetrics(address string) wallet.WalletMetrics {
	return wallet.WalletMetrics{
		Address:          address,
		TradeCount:       120,
		WinRate:          0.80,
		AvgHoldDuration:  36 * time.Hour,
		ProfitFactor:     3.5,
		MaxDrawdown:      0.05,
		ReturnOnCapital:  0.60,
		ReturnVolatility: 0.05,
		ProfitPerTrade:   0.04,
		RealizedVol:      0.10,
		PositionSizes:    []float64{100, 120, 110},
		RollingWinRates:  []float64{0.78, 0.80, 0.82},
		CategoryCounts:   map[wallet.Category]int{"politics": 100, "sports": 20},
		AccountAge:       400 * 24 * time.Hour,
	}
}

type harness struct {
	p        *Pipeline
	source   *fakeSource
	exec     *fakeExecutor
	breaker  *circuit.CircuitBreaker
	sizer    *sizing.Sizer
	detector *redflag.Detector
	monitor  *monitor.Monitor
	events   *events.Recorder
	now      *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := epoch
	clock := func() time.Time { return now }
	rec := &events.Recorder{}
	log := zerolog.Nop()

	scorer := quality.NewScorer(quality.DefaultConfig(), rec, log)
	scorer.SetClock(clock)
	detector := redflag.NewDetector(redflag.DefaultConfig(), nil, rec, log)
	detector.SetClock(clock)
	mon := monitor.New(monitor.DefaultConfig(), nil, rec, log)
	mon.SetClock(clock)
	sizer := sizing.NewSizer(sizing.DefaultConfig(), sizing.NewLedger(), mon.Registry(), log)
	breaker := circuit.NewCircuitBreaker(circuit.DefaultCircuitBreakerConfig(), nil, rec, log)
	breaker.SetClock(clock)

	source := &fakeSource{metrics: map[string]wallet.WalletMetrics{}, history: map[string]wallet.WalletHistory{}}
	exec := &fakeExecutor{}

	p, err := New(Deps{
		Source:    source,
		Account:   fixedBalance(10000),
		Executor:  exec,
		Scorer:    scorer,
		Detector:  detector,
		Sizer:     sizer,
		Monitor:   mon,
		Breaker:   breaker,
		Publisher: rec,
	}, log)
	if err != nil {
		t.Fatal(err)
	}
	p.SetClock(clock)

	return &harness{p: p, source: source, exec: exec, breaker: breaker, sizer: sizer,
		detector: detector, monitor: mon, events: rec, now: &now}
}

func observation(address string, amount float64) TradeObservation {
	return TradeObservation{
		Address:    address,
		MarketID:   "election-2026",
		Category:   "politics",
		Side:       "BUY",
		AmountUSD:  amount,
		Volatility: 0.10,
		ObservedAt: epoch,
	}
}

func TestEliteTradeIsCopied(t *testing.T) {
	h := newHarness(t)
	h.source.set(eliteMetrics(eliteWallet))

	res, err := h.p.Process(context.Background(), observation(eliteWallet, 1000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Outcome != OutcomeExecuted {
		t.Fatalf("Expected executed, got %s (%s)", res.Outcome, res.Decision.Reason)
	}
	if res.Score.Tier != wallet.TierElite {
		t.Errorf("Expected ELITE, got %s", res.Score.Tier)
	}
	// 10000 * 2% * (0.5 + 9.504*0.15) * 1.0 * 1.0
	if res.Decision.Final != 385.12 {
		t.Errorf("Expected 385.12, got %v", res.Decision.Final)
	}
	if len(h.exec.orders) != 1 || h.exec.orders[0].AmountUSD != 385.12 {
		t.Errorf("Expected one order for 385.12, got %+v", h.exec.orders)
	}
	if _, active := h.monitor.Registry().SizeFactor(eliteWallet); !active {
		t.Error("Expected wallet admitted to rotation")
	}
	if got := h.sizer.Ledger().WalletExposure(eliteWallet).InexactFloat64(); got != 385.12 {
		t.Errorf("Expected exposure 385.12, got %v", got)
	}
	if len(h.events.OfType(events.EventTradeSized)) != 1 {
		t.Error("Expected a TRADE_SIZED event")
	}
}

func TestOutcomeReleasesExposureAndFeedsBreaker(t *testing.T) {
	h := newHarness(t)
	h.source.set(eliteMetrics(eliteWallet))
	ctx := context.Background()

	res, err := h.p.Process(ctx, observation(eliteWallet, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.ReportOutcome(ctx, res.Decision.ID, -120); err != nil {
		t.Fatal(err)
	}

	if got := h.sizer.Ledger().Total().InexactFloat64(); got != 0 {
		t.Errorf("Expected exposure released, got %v", got)
	}
	if got := h.breaker.Stats().DailyLoss; got != 120 {
		t.Errorf("Expected breaker daily loss 120, got %v", got)
	}
	if len(h.p.OpenPositions()) != 0 {
		t.Error("Expected no open positions")
	}
	if err := h.p.ReportOutcome(ctx, res.Decision.ID, 0); !errors.Is(err, ErrUnknownPosition) {
		t.Errorf("Expected unknown position on double close, got %v", err)
	}
}

func TestOutcomeRejectsNonFinitePnL(t *testing.T) {
	h := newHarness(t)
	h.source.set(eliteMetrics(eliteWallet))
	ctx := context.Background()

	res, err := h.p.Process(ctx, observation(eliteWallet, 1000))
	if err != nil {
		t.Fatal(err)
	}
	for _, pnl := range []float64{math.NaN(), math.Inf(-1)} {
		if err := h.p.ReportOutcome(ctx, res.Decision.ID, pnl); !errors.Is(err, ErrInvalidPnL) {
			t.Errorf("Expected ErrInvalidPnL for %v, got %v", pnl, err)
		}
	}
	if len(h.p.OpenPositions()) != 1 {
		t.Error("Expected the position to stay open")
	}
	if n := len(h.events.OfType(events.EventTradeOutcome)); n != 0 {
		t.Errorf("Expected no TRADE_OUTCOME events, got %d", n)
	}
	if err := h.p.ReportOutcome(ctx, res.Decision.ID, 25); err != nil {
		t.Errorf("Expected a finite outcome to close the position, got %v", err)
	}
}

func TestNewWalletLargeBetIsSkipped(t *testing.T) {
	h := newHarness(t)
	m := eliteMetrics(newWallet)
	m.AccountAge = 2 * 24 * time.Hour
	m.PositionSizes = []float64{5000}
	h.source.set(m)

	res, err := h.p.Process(context.Background(), observation(newWallet, 5000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || !res.Decision.Skipped {
		t.Fatalf("Expected skipped, got %s", res.Outcome)
	}
	if !res.Verdict.Excluded || res.Verdict.Current.Flag != redflag.FlagNewWalletLargeBet {
		t.Errorf("Expected NEW_WALLET_LARGE_BET exclusion, got %+v", res.Verdict)
	}
	if len(h.exec.orders) != 0 {
		t.Error("Expected no orders")
	}
	if h.monitor.Registry().Known(newWallet) {
		t.Error("Expected excluded wallet kept out of rotation")
	}
}

func TestMarketMakerIsExcluded(t *testing.T) {
	h := newHarness(t)
	m := eliteMetrics(mmWallet)
	m.TradeCount = 900
	m.AvgHoldDuration = 20 * time.Minute
	m.WinRate = 0.52
	m.ProfitPerTrade = 0.002
	h.source.set(m)

	res, err := h.p.Process(context.Background(), observation(mmWallet, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("Expected skipped, got %s", res.Outcome)
	}
	rec, ok := h.detector.Current(mmWallet)
	if !ok || rec.Flag != redflag.FlagMarketMaker {
		t.Errorf("Expected MARKET_MAKER record, got %+v", rec)
	}
}

func TestMalformedSnapshotKeepsWalletInRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(eliteMetrics(eliteWallet))
	if _, err := h.p.Process(ctx, observation(eliteWallet, 1000)); err != nil {
		t.Fatal(err)
	}

	bad := eliteMetrics(eliteWallet)
	bad.ProfitPerTrade = math.NaN()
	h.source.set(bad)

	res, err := h.p.Process(ctx, observation(eliteWallet, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || !res.Verdict.Excluded {
		t.Fatalf("Expected malformed snapshot to skip, got %s", res.Outcome)
	}
	if removed, err := h.p.RescoreWallets(ctx); err != nil || removed != 0 {
		t.Errorf("Expected rescore to leave the wallet alone, got removed=%d err=%v", removed, err)
	}
	if _, active := h.monitor.Registry().SizeFactor(eliteWallet); !active {
		t.Fatal("Expected wallet to stay in rotation")
	}
	if h.detector.IsExcluded(eliteWallet) {
		t.Error("Expected no exclusion record for malformed metrics")
	}

	*h.now = h.now.Add(2 * time.Hour)
	h.source.set(eliteMetrics(eliteWallet))
	res, err = h.p.Process(ctx, observation(eliteWallet, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeExecuted {
		t.Errorf("Expected clean snapshot to be copied, got %s (%s)", res.Outcome, res.Decision.Reason)
	}
}

func TestOpenBreakerBlocksAndReleases(t *testing.T) {
	h := newHarness(t)
	h.source.set(eliteMetrics(eliteWallet))
	h.breaker.RecordTrade(-400)

	res, err := h.p.Process(context.Background(), observation(eliteWallet, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeBlocked || res.BlockReason == "" {
		t.Fatalf("Expected blocked with a reason, got %s", res.Outcome)
	}
	if res.Breaker != circuit.StateOpen {
		t.Errorf("Expected OPEN, got %s", res.Breaker)
	}
	if got := h.sizer.Ledger().Total().InexactFloat64(); got != 0 {
		t.Errorf("Expected reservation released, got %v", got)
	}
	if len(h.exec.orders) != 0 {
		t.Error("Expected executor untouched")
	}
}

func TestExecutionFailureReleasesAndCounts(t *testing.T) {
	h := newHarness(t)
	h.source.set(eliteMetrics(eliteWallet))
	h.exec.err = errors.New("exchange timeout")

	res, err := h.p.Process(context.Background(), observation(eliteWallet, 1000))
	if err == nil {
		t.Fatal("Expected execution error")
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("Expected failed, got %s", res.Outcome)
	}
	if got := h.sizer.Ledger().Total().InexactFloat64(); got != 0 {
		t.Errorf("Expected reservation released, got %v", got)
	}
	if attempts := h.breaker.Stats().Attempts; len(attempts) != 1 || !attempts[0].Failed {
		t.Errorf("Expected one failed attempt recorded, got %+v", attempts)
	}
}

// cancellingExecutor simulates a caller that goes away mid-execution.
type cancellingExecutor struct {
	cancel context.CancelFunc
}

func (e cancellingExecutor) Execute(ctx context.Context, _ Order) (Fill, error) {
	e.cancel()
	return Fill{}, ctx.Err()
}

func TestCancelledExecutionIsNotAFailure(t *testing.T) {
	tests := []struct {
		name     string
		halfOpen bool
	}{
		{"closed breaker", false},
		{"half-open probe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.source.set(eliteMetrics(eliteWallet))
			if tt.halfOpen {
				h.breaker.RecordTrade(-400)
				*h.now = h.now.Add(31 * time.Minute)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.p.Executor = cancellingExecutor{cancel: cancel}

			res, err := h.p.Process(ctx, observation(eliteWallet, 1000))
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("Expected context.Canceled, got %v", err)
			}
			if res.Outcome != OutcomeCancelled {
				t.Errorf("Expected cancelled, got %s", res.Outcome)
			}
			if n := len(h.breaker.Stats().Attempts); n != 0 {
				t.Errorf("Expected no attempt recorded, got %d", n)
			}
			if got := h.sizer.Ledger().Total().InexactFloat64(); got != 0 {
				t.Errorf("Expected reservation released, got %v", got)
			}
			if tt.halfOpen {
				if res.Breaker != circuit.StateHalfOpen {
					t.Errorf("Expected HALF_OPEN, got %s", res.Breaker)
				}
				if !h.breaker.Allow().Probe() {
					t.Error("Expected the probe slot to be free again")
				}
			}
		})
	}
}

func TestInvalidObservation(t *testing.T) {
	h := newHarness(t)
	tests := []TradeObservation{
		{Address: "not-an-address", MarketID: "m", AmountUSD: 10},
		{Address: eliteWallet, MarketID: "m", AmountUSD: 0},
		{Address: eliteWallet, AmountUSD: 10},
	}
	for _, obs := range tests {
		if _, err := h.p.Process(context.Background(), obs); !errors.Is(err, ErrInvalidObservation) {
			t.Errorf("Expected invalid observation for %+v, got %v", obs, err)
		}
	}
}

func TestSnapshotFailureIsReported(t *testing.T) {
	h := newHarness(t)
	if _, err := h.p.Process(context.Background(), observation(eliteWallet, 1000)); err == nil {
		t.Error("Expected snapshot error")
	}
}

func TestObserveAndRescoreJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(eliteMetrics(eliteWallet))
	if _, err := h.p.Process(ctx, observation(eliteWallet, 1000)); err != nil {
		t.Fatal(err)
	}

	drifted := eliteMetrics(eliteWallet)
	drifted.WinRate = 0.50
	h.source.set(drifted)

	changes, err := h.p.ObserveWallets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if changes == 0 {
		t.Error("Expected a behavior change")
	}
	if _, active := h.monitor.Registry().SizeFactor(eliteWallet); active {
		t.Error("Expected 37% win-rate drop to remove the wallet")
	}

	removed, err := h.p.RescoreWallets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("Expected nothing left to remove, got %d", removed)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing deps")
	}
}
