package redflag

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

const testWallet = "0x2222222222222222222222222222222222222222"

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu      sync.Mutex
	records []ExclusionRecord
	err     error
}

func (s *memoryStore) AppendExclusion(_ context.Context, r ExclusionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memoryStore) LoadExclusions(context.Context) ([]ExclusionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExclusionRecord(nil), s.records...), s.err
}

func newTestDetector(store ExclusionStore, pub events.Publisher) (*Detector, *time.Time) {
	now := baseTime
	d := NewDetector(DefaultConfig(), store, pub, zerolog.Nop())
	d.SetClock(func() time.Time { return now })
	return d, &now
}

// cleanMetrics trips no pattern on its own.
func cleanMetrics() wallet.WalletMetrics {
	return wallet.WalletMetrics{
		Address:        testWallet,
		TradeCount:     80,
		WinRate:        0.68,
		ProfitFactor:   1.8,
		MaxDrawdown:    0.12,
		CategoryCounts: map[wallet.Category]int{"politics": 60, "sports": 20},
		AccountAge:     200 * 24 * time.Hour,
	}
}

func trade(market, side string, amount float64, at time.Time) wallet.Trade {
	return wallet.Trade{MarketID: market, Side: side, AmountUSD: amount, OpenedAt: at}
}

func closedTrade(amount, pnl float64, at time.Time) wallet.Trade {
	return wallet.Trade{MarketID: "m", Side: "BUY", AmountUSD: amount, PnLUSD: pnl, Closed: true, OpenedAt: at, ClosedAt: at.Add(time.Hour)}
}

func TestNewWalletLargeBetScenario(t *testing.T) {
	d, now := newTestDetector(nil, nil)

	m := wallet.WalletMetrics{
		Address:      testWallet,
		TradeCount:   1,
		ProfitFactor: 1.0,
		AccountAge:   3 * 24 * time.Hour,
	}
	h := wallet.WalletHistory{Address: testWallet, Trades: []wallet.Trade{
		trade("m1", "BUY", 1500, now.Add(-time.Hour)),
	}}

	v := d.Evaluate(context.Background(), m, h)

	if !v.Excluded {
		t.Fatal("Expected wallet to be excluded")
	}
	if len(v.Added) != 1 {
		t.Fatalf("Expected 1 record, got %d (%v)", len(v.Added), v.Findings)
	}
	rec := v.Added[0]
	if rec.Flag != FlagNewWalletLargeBet || rec.Severity != wallet.SeverityHigh {
		t.Errorf("Expected NEW_WALLET_LARGE_BET/HIGH, got %s/%s", rec.Flag, rec.Severity)
	}
	window := rec.ReconsiderAt.Sub(*now)
	if window < 7*24*time.Hour || window > 30*24*time.Hour {
		t.Errorf("Expected reconsideration in 7-30 days, got %s", window)
	}
}

func TestPatterns(t *testing.T) {
	tests := []struct {
		name     string
		metrics  func() wallet.WalletMetrics
		history  func() []wallet.Trade
		want     FlagType
		severity wallet.Severity
	}{
		{
			name: "luck not skill",
			metrics: func() wallet.WalletMetrics {
				m := cleanMetrics()
				m.TradeCount, m.WinRate = 12, 0.95
				return m
			},
			want:     FlagLuckNotSkill,
			severity: wallet.SeverityMedium,
		},
		{
			name:    "wash trading",
			metrics: cleanMetrics,
			history: func() []wallet.Trade {
				return []wallet.Trade{
					trade("m1", "BUY", 500, baseTime),
					trade("m1", "SELL", 495, baseTime.Add(2*time.Minute)),
					trade("m2", "BUY", 300, baseTime.Add(time.Hour)),
					trade("m2", "SELL", 300, baseTime.Add(time.Hour+5*time.Minute)),
				}
			},
			want:     FlagWashTrading,
			severity: wallet.SeverityCritical,
		},
		{
			name: "negative profit factor",
			metrics: func() wallet.WalletMetrics {
				m := cleanMetrics()
				m.ProfitFactor = 0.7
				return m
			},
			want:     FlagNegativeProfitFactor,
			severity: wallet.SeverityHigh,
		},
		{
			name: "no specialization",
			metrics: func() wallet.WalletMetrics {
				m := cleanMetrics()
				m.CategoryCounts = map[wallet.Category]int{"a": 10, "b": 10, "c": 10, "d": 10, "e": 10, "f": 10}
				return m
			},
			want:     FlagNoSpecialization,
			severity: wallet.SeverityMedium,
		},
		{
			name: "excessive drawdown",
			metrics: func() wallet.WalletMetrics {
				m := cleanMetrics()
				m.MaxDrawdown = 0.42
				return m
			},
			want:     FlagExcessiveDrawdown,
			severity: wallet.SeverityHigh,
		},
		{
			name: "low win rate",
			metrics: func() wallet.WalletMetrics {
				m := cleanMetrics()
				m.WinRate = 0.52
				return m
			},
			want:     FlagLowWinRate,
			severity: wallet.SeverityMedium,
		},
		{
			name:    "insider pattern",
			metrics: cleanMetrics,
			history: func() []wallet.Trade {
				var trades []wallet.Trade
				for i := 0; i < 10; i++ {
					trades = append(trades, trade("m", "BUY", 100, baseTime.Add(time.Duration(i)*24*time.Hour)))
				}
				spike := trade("election", "BUY", 1000, baseTime.Add(20*24*time.Hour))
				spike.EventAt = spike.OpenedAt.Add(2 * time.Hour)
				return append(trades, spike)
			},
			want:     FlagInsiderPattern,
			severity: wallet.SeverityHigh,
		},
		{
			name:    "suicidal sizing",
			metrics: cleanMetrics,
			history: func() []wallet.Trade {
				return []wallet.Trade{
					closedTrade(100, 20, baseTime),
					closedTrade(100, 15, baseTime.Add(time.Hour)),
					closedTrade(100, -30, baseTime.Add(2*time.Hour)),
					closedTrade(100, -40, baseTime.Add(3*time.Hour)),
					closedTrade(100, -25, baseTime.Add(4*time.Hour)),
					trade("m", "BUY", 400, baseTime.Add(5*time.Hour)),
				}
			},
			want:     FlagSuicidalSizing,
			severity: wallet.SeverityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDetector(nil, nil)
			h := wallet.WalletHistory{Address: testWallet}
			if tt.history != nil {
				h.Trades = tt.history()
			}

			v := d.Evaluate(context.Background(), tt.metrics(), h)

			if len(v.Added) != 1 {
				t.Fatalf("Expected exactly one record, got %v", v.Findings)
			}
			if v.Added[0].Flag != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, v.Added[0].Flag)
			}
			if v.Added[0].Severity != tt.severity {
				t.Errorf("Expected severity %s, got %s", tt.severity, v.Added[0].Severity)
			}
			if tt.severity == wallet.SeverityCritical && !v.Added[0].Permanent {
				t.Error("Expected CRITICAL record to be permanent")
			}
		})
	}
}

func TestCleanWalletNotExcluded(t *testing.T) {
	d, _ := newTestDetector(nil, nil)
	v := d.Evaluate(context.Background(), cleanMetrics(), wallet.WalletHistory{Address: testWallet})
	if v.Excluded || len(v.Findings) != 0 {
		t.Errorf("Expected clean verdict, got %+v", v)
	}
}

func TestDuplicateFlagsSuppressed(t *testing.T) {
	rec := &events.Recorder{}
	d, now := newTestDetector(nil, rec)
	m := cleanMetrics()
	m.MaxDrawdown = 0.5

	first := d.Evaluate(context.Background(), m, wallet.WalletHistory{})
	*now = now.Add(10 * time.Minute)
	second := d.Evaluate(context.Background(), m, wallet.WalletHistory{})

	if len(first.Added) != 1 {
		t.Fatalf("Expected first evaluation to add a record, got %d", len(first.Added))
	}
	if len(second.Added) != 0 {
		t.Errorf("Expected duplicate to be suppressed, got %d records", len(second.Added))
	}
	if len(second.Findings) != 1 {
		t.Errorf("Expected the finding to still be reported, got %v", second.Findings)
	}
	if !second.Excluded {
		t.Error("Expected wallet to remain excluded")
	}
	if got := len(rec.OfType(events.EventExclusionAdded)); got != 1 {
		t.Errorf("Expected 1 EXCLUSION_ADDED event, got %d", got)
	}
}

func TestReconsiderationAndRepeatOffense(t *testing.T) {
	d, now := newTestDetector(nil, nil)
	m := cleanMetrics()
	m.WinRate = 0.52 // LOW_WIN_RATE, MEDIUM

	first := d.Evaluate(context.Background(), m, wallet.WalletHistory{}).Added[0]
	firstWindow := first.ReconsiderAt.Sub(first.CreatedAt)

	*now = first.ReconsiderAt.Add(time.Minute)
	if d.IsExcluded(testWallet) {
		t.Fatal("Expected exclusion to lapse after its reconsideration time")
	}

	v := d.Evaluate(context.Background(), m, wallet.WalletHistory{})
	if len(v.Added) != 1 {
		t.Fatalf("Expected a new record for the repeat offense, got %d", len(v.Added))
	}
	second := v.Added[0]
	if got := second.ReconsiderAt.Sub(second.CreatedAt); got != 2*firstWindow {
		t.Errorf("Expected window to double to %s, got %s", 2*firstWindow, got)
	}
	if len(d.History(testWallet)) != 2 {
		t.Errorf("Expected both records retained, got %d", len(d.History(testWallet)))
	}
}

func TestCurrentIsMostSevereUnexpired(t *testing.T) {
	d, now := newTestDetector(nil, nil)
	d.Restore([]ExclusionRecord{
		{ID: "low", Address: testWallet, Flag: FlagLuckNotSkill, Severity: wallet.SeverityLow, CreatedAt: now.Add(-time.Hour), ReconsiderAt: now.Add(7 * 24 * time.Hour)},
		{ID: "high-expired", Address: testWallet, Flag: FlagExcessiveDrawdown, Severity: wallet.SeverityHigh, CreatedAt: now.Add(-40 * 24 * time.Hour), ReconsiderAt: now.Add(-time.Hour)},
		{ID: "medium", Address: testWallet, Flag: FlagLowWinRate, Severity: wallet.SeverityMedium, CreatedAt: now.Add(-2 * time.Hour), ReconsiderAt: now.Add(14 * 24 * time.Hour)},
	})

	cur, ok := d.Current(testWallet)
	if !ok {
		t.Fatal("Expected an active exclusion")
	}
	if cur.ID != "medium" {
		t.Errorf("Expected medium record to be current, got %s", cur.ID)
	}
}

func TestInvalidMetricsExcludeWithoutRecord(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*wallet.WalletMetrics)
	}{
		{"bad address", func(m *wallet.WalletMetrics) { m.Address = "not-an-address" }},
		{"non-finite profit per trade", func(m *wallet.WalletMetrics) { m.ProfitPerTrade = math.NaN() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memoryStore{}
			rec := &events.Recorder{}
			d, _ := newTestDetector(store, rec)
			m := cleanMetrics()
			tt.mutate(&m)

			v := d.Evaluate(context.Background(), m, wallet.WalletHistory{})
			if !v.Excluded || v.InvalidInput == "" {
				t.Fatalf("Expected malformed metrics to exclude, got %+v", v)
			}
			if v.Current != nil || len(v.Added) != 0 {
				t.Errorf("Expected no exclusion record, got current=%v added=%d", v.Current, len(v.Added))
			}
			if len(store.records) != 0 {
				t.Errorf("Expected nothing persisted, got %d records", len(store.records))
			}
			if got := len(rec.OfType(events.EventExclusionAdded)); got != 0 {
				t.Errorf("Expected no exclusion events, got %d", got)
			}
		})
	}
}

func TestCleanSnapshotAfterMalformedOne(t *testing.T) {
	store := &memoryStore{}
	d, now := newTestDetector(store, nil)

	bad := cleanMetrics()
	bad.ProfitPerTrade = math.NaN()
	d.Evaluate(context.Background(), bad, wallet.WalletHistory{})

	*now = now.Add(2 * time.Hour)
	v := d.Evaluate(context.Background(), cleanMetrics(), wallet.WalletHistory{})
	if v.Excluded {
		t.Errorf("Expected clean snapshot to pass, got current=%v invalid=%q", v.Current, v.InvalidInput)
	}
	if d.IsExcluded(testWallet) || len(d.History(testWallet)) != 0 {
		t.Error("Expected no exclusion history for the wallet")
	}
}

func TestInvalidMetricsKeepExistingExclusion(t *testing.T) {
	d, _ := newTestDetector(nil, nil)
	d.RecordMarketMaker(context.Background(), testWallet, "spread capture")

	m := cleanMetrics()
	m.WinRate = 1.5
	v := d.Evaluate(context.Background(), m, wallet.WalletHistory{})
	if !v.Excluded || v.Current == nil || v.Current.Flag != FlagMarketMaker {
		t.Errorf("Expected the standing MARKET_MAKER record as current, got %+v", v)
	}
}

func TestMarketMakerRecord(t *testing.T) {
	d, _ := newTestDetector(nil, nil)
	v := d.RecordMarketMaker(context.Background(), testWallet, "spread capture")
	if !v.Excluded || v.Current.Flag != FlagMarketMaker {
		t.Errorf("Expected MARKET_MAKER exclusion, got %+v", v)
	}
}

func TestPersistenceAndLoad(t *testing.T) {
	store := &memoryStore{}
	d, _ := newTestDetector(store, nil)
	m := cleanMetrics()
	m.ProfitFactor = 0.5

	d.Evaluate(context.Background(), m, wallet.WalletHistory{})
	if len(store.records) != 1 {
		t.Fatalf("Expected 1 persisted record, got %d", len(store.records))
	}

	restarted, _ := newTestDetector(store, nil)
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !restarted.IsExcluded(testWallet) {
		t.Error("Expected exclusion to survive restart")
	}
	// The restored record keeps suppressing the same flag.
	if v := restarted.Evaluate(context.Background(), m, wallet.WalletHistory{}); len(v.Added) != 0 {
		t.Errorf("Expected no new record after restore, got %d", len(v.Added))
	}
}

func TestPersistenceFailureStillExcludes(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	rec := &events.Recorder{}
	d, _ := newTestDetector(store, rec)
	m := cleanMetrics()
	m.MaxDrawdown = 0.6

	v := d.Evaluate(context.Background(), m, wallet.WalletHistory{})
	if !v.Excluded {
		t.Error("Expected wallet excluded despite persistence failure")
	}
	if len(rec.OfType(events.EventError)) != 1 {
		t.Errorf("Expected an ERROR event, got %d", len(rec.OfType(events.EventError)))
	}
}

func TestSweepKeepsActiveAndPermanent(t *testing.T) {
	d, now := newTestDetector(nil, nil)
	other := "0x3333333333333333333333333333333333333333"
	d.Restore([]ExclusionRecord{
		{ID: "stale", Address: other, Flag: FlagLowWinRate, Severity: wallet.SeverityMedium, CreatedAt: now.Add(-60 * 24 * time.Hour), ReconsiderAt: now.Add(-40 * 24 * time.Hour)},
		{ID: "wash", Address: testWallet, Flag: FlagWashTrading, Severity: wallet.SeverityCritical, CreatedAt: now.Add(-200 * 24 * time.Hour), Permanent: true},
	})

	if len(d.History(other)) != 0 {
		t.Errorf("Expected stale record to be evicted on restore, got %d", len(d.History(other)))
	}
	*now = now.Add(365 * 24 * time.Hour)
	d.Sweep()
	if !d.IsExcluded(testWallet) {
		t.Error("Expected permanent exclusion to survive sweeps")
	}
}

func TestReconsiderWindowBounds(t *testing.T) {
	tests := []struct {
		severity   wallet.Severity
		confidence float64
		prior      int
		want       time.Duration
	}{
		{wallet.SeverityLow, 1, 0, 7 * 24 * time.Hour},
		{wallet.SeverityLow, 0, 0, 7 * 24 * time.Hour},
		{wallet.SeverityMedium, 1, 0, 14 * 24 * time.Hour},
		{wallet.SeverityHigh, 1, 0, 30 * 24 * time.Hour},
		{wallet.SeverityHigh, 0.5, 0, 22*24*time.Hour + 12*time.Hour},
		{wallet.SeverityHigh, 1, 1, 60 * 24 * time.Hour},
		{wallet.SeverityHigh, 1, 5, 90 * 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := reconsiderWindow(tt.severity, tt.confidence, tt.prior); got != tt.want {
			t.Errorf("reconsiderWindow(%s, %v, %d): expected %s, got %s", tt.severity, tt.confidence, tt.prior, tt.want, got)
		}
	}
}
