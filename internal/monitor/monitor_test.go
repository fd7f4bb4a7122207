package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

const testWallet = "0x6666666666666666666666666666666666666666"

type memoryStore struct {
	mu        sync.Mutex
	baselines map[string]Baseline
	rotations map[string]RotationEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{baselines: map[string]Baseline{}, rotations: map[string]RotationEntry{}}
}

func (s *memoryStore) SaveBaseline(_ context.Context, b Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[b.Address] = b
	return nil
}

func (s *memoryStore) LoadBaselines(context.Context) ([]Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Baseline
	for _, b := range s.baselines {
		out = append(out, b)
	}
	return out, nil
}

func (s *memoryStore) SaveRotation(_ context.Context, e RotationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations[e.Address] = e
	return nil
}

func (s *memoryStore) LoadRotations(context.Context) ([]RotationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RotationEntry
	for _, e := range s.rotations {
		out = append(out, e)
	}
	return out, nil
}

func baselineMetrics() wallet.WalletMetrics {
	return wallet.WalletMetrics{
		Address:        testWallet,
		TradeCount:     100,
		WinRate:        0.70,
		ProfitFactor:   2.0,
		RealizedVol:    0.10,
		PositionSizes:  []float64{100, 100, 100},
		CategoryCounts: map[wallet.Category]int{"politics": 50, "sports": 50},
		AccountAge:     300 * 24 * time.Hour,
	}
}

func newTestMonitor(store BaselineStore, pub events.Publisher) (*Monitor, *time.Time) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := New(DefaultConfig(), store, pub, zerolog.Nop())
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func admitted(t *testing.T, store BaselineStore, pub events.Publisher) (*Monitor, *time.Time) {
	t.Helper()
	m, now := newTestMonitor(store, pub)
	if err := m.Admit(context.Background(), baselineMetrics(), 8.0); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	return m, now
}

func TestDriftLadders(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*wallet.WalletMetrics)
		change   ChangeType
		severity wallet.Severity
		action   Action
		factor   float64
		active   bool
	}{
		{"win rate down 20%", func(m *wallet.WalletMetrics) { m.WinRate = 0.56 }, ChangeWinRateDrop, wallet.SeverityHigh, ActionReduce, 0.5, true},
		{"win rate down 30%", func(m *wallet.WalletMetrics) { m.WinRate = 0.49 }, ChangeWinRateDrop, wallet.SeverityCritical, ActionRemove, 0, false},
		{"size 2.5x", func(m *wallet.WalletMetrics) { m.PositionSizes = []float64{250, 250} }, ChangeSizeInflation, wallet.SeverityHigh, ActionReduce, 0.25, true},
		{"size 4x", func(m *wallet.WalletMetrics) { m.PositionSizes = []float64{400} }, ChangeSizeInflation, wallet.SeverityCritical, ActionRemove, 0, false},
		{"one new category", func(m *wallet.WalletMetrics) {
			m.CategoryCounts = map[wallet.Category]int{"politics": 50, "sports": 40, "crypto": 10}
		}, ChangeCategoryShift, wallet.SeverityMedium, ActionMonitor, 1.0, true},
		{"three new categories", func(m *wallet.WalletMetrics) {
			m.CategoryCounts = map[wallet.Category]int{"politics": 50, "crypto": 10, "weather": 10, "culture": 10}
		}, ChangeCategoryShift, wallet.SeverityHigh, ActionReduce, 0.5, true},
		{"volatility up 22%", func(m *wallet.WalletMetrics) { m.RealizedVol = 0.122 }, ChangeVolatilityIncrease, wallet.SeverityMedium, ActionMonitor, 1.0, true},
		{"volatility up 40%", func(m *wallet.WalletMetrics) { m.RealizedVol = 0.14 }, ChangeVolatilityIncrease, wallet.SeverityHigh, ActionReduce, 0.5, true},
		{"realized volatility above 30%", func(m *wallet.WalletMetrics) { m.RealizedVol = 0.31 }, ChangeVolatilityIncrease, wallet.SeverityCritical, ActionRemove, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &events.Recorder{}
			m, _ := admitted(t, nil, rec)

			metrics := baselineMetrics()
			tt.mutate(&metrics)
			changes := m.Observe(context.Background(), testWallet, metrics)

			if len(changes) != 1 {
				t.Fatalf("Expected 1 change, got %d: %+v", len(changes), changes)
			}
			c := changes[0]
			if c.Type != tt.change || c.Severity != tt.severity || c.Action != tt.action {
				t.Errorf("Expected %s/%s/%s, got %s/%s/%s", tt.change, tt.severity, tt.action, c.Type, c.Severity, c.Action)
			}

			factor, active := m.Registry().SizeFactor(testWallet)
			if active != tt.active {
				t.Errorf("Expected active=%v, got %v", tt.active, active)
			}
			if active && factor != tt.factor {
				t.Errorf("Expected size factor %v, got %v", tt.factor, factor)
			}
			if len(rec.OfType(events.EventBehaviorChange)) != 1 {
				t.Errorf("Expected 1 BEHAVIOR_CHANGE event, got %d", len(rec.OfType(events.EventBehaviorChange)))
			}
			if !tt.active && len(rec.OfType(events.EventWalletRotated)) != 2 {
				t.Errorf("Expected admission and removal events, got %d", len(rec.OfType(events.EventWalletRotated)))
			}
		})
	}
}

func TestHealthyWalletReportsNothing(t *testing.T) {
	m, _ := admitted(t, nil, nil)
	if changes := m.Observe(context.Background(), testWallet, baselineMetrics()); len(changes) != 0 {
		t.Errorf("Expected no changes, got %+v", changes)
	}
}

func TestAlertDeduplication(t *testing.T) {
	rec := &events.Recorder{}
	m, now := admitted(t, nil, rec)
	metrics := baselineMetrics()
	metrics.RealizedVol = 0.122

	m.Observe(context.Background(), testWallet, metrics)
	*now = now.Add(30 * time.Minute)
	second := m.Observe(context.Background(), testWallet, metrics)
	*now = now.Add(31 * time.Minute)
	third := m.Observe(context.Background(), testWallet, metrics)

	if len(second) != 1 || second[0].Alerted {
		t.Errorf("Expected suppressed duplicate within the hour, got %+v", second)
	}
	if len(third) != 1 || !third[0].Alerted {
		t.Errorf("Expected re-alert after the hour, got %+v", third)
	}
	if got := len(rec.OfType(events.EventBehaviorChange)); got != 2 {
		t.Errorf("Expected 2 BEHAVIOR_CHANGE events, got %d", got)
	}
}

func TestBaselineRollsForwardWhileHealthy(t *testing.T) {
	m, now := admitted(t, nil, nil)
	first, _ := m.Baseline(testWallet)

	*now = now.Add(8 * 24 * time.Hour)
	metrics := baselineMetrics()
	metrics.WinRate = 0.72
	m.Observe(context.Background(), testWallet, metrics)

	b, _ := m.Baseline(testWallet)
	if !b.CapturedAt.After(first.CapturedAt) {
		t.Error("Expected baseline to refresh after the window")
	}
	if b.WinRate != 0.72 {
		t.Errorf("Expected refreshed win rate 0.72, got %v", b.WinRate)
	}
}

func TestBaselineHeldWhileDrifting(t *testing.T) {
	m, now := admitted(t, nil, nil)
	*now = now.Add(8 * 24 * time.Hour)

	metrics := baselineMetrics()
	metrics.WinRate = 0.56
	m.Observe(context.Background(), testWallet, metrics)

	b, _ := m.Baseline(testWallet)
	if b.WinRate != 0.70 {
		t.Errorf("Expected baseline to stay at 0.70 while drifting, got %v", b.WinRate)
	}
}

func TestRotationRules(t *testing.T) {
	ctx := context.Background()
	m, now := admitted(t, nil, nil)
	r := m.Registry()

	if removed, _ := r.Rescore(ctx, testWallet, 7.5); removed {
		t.Fatal("Expected a 0.5 decline to keep the wallet")
	}
	if removed, _ := r.Rescore(ctx, testWallet, 6.9); !removed {
		t.Fatal("Expected a 1.1 decline from admission to remove the wallet")
	}
	if _, active := r.SizeFactor(testWallet); active {
		t.Error("Expected removed wallet to be ineligible")
	}

	// Too early, even with a big improvement.
	*now = now.Add(6 * 24 * time.Hour)
	if err := r.Admit(ctx, testWallet, 9.0); !errors.Is(err, ErrRotationCooldown) {
		t.Errorf("Expected cooldown error, got %v", err)
	}

	// After cooldown, improvement must exceed 1.0 over the removal score.
	*now = now.Add(2 * 24 * time.Hour)
	if err := r.Admit(ctx, testWallet, 7.8); !errors.Is(err, ErrInsufficientImprovement) {
		t.Errorf("Expected insufficient improvement, got %v", err)
	}
	if err := r.Admit(ctx, testWallet, 8.0); err != nil {
		t.Errorf("Expected readmission, got %v", err)
	}
	if factor, active := r.SizeFactor(testWallet); !active || factor != 1.0 {
		t.Errorf("Expected active with factor 1.0, got %v/%v", factor, active)
	}
}

func TestRotationRemovesDecliningBelowGood(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor(nil, nil)
	metrics := baselineMetrics()
	if err := m.Admit(ctx, metrics, 5.4); err != nil {
		t.Fatal(err)
	}
	r := m.Registry()

	if removed, _ := r.Rescore(ctx, testWallet, 5.6); removed {
		t.Fatal("Expected improving wallet to stay")
	}
	if removed, _ := r.Rescore(ctx, testWallet, 4.9); !removed {
		t.Error("Expected wallet below GOOD and declining to be removed")
	}
}

func TestMonitorStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	m, _ := admitted(t, store, nil)
	m.Registry().Reduce(ctx, testWallet, 0.5)

	restarted, _ := newTestMonitor(store, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := restarted.Baseline(testWallet); !ok {
		t.Error("Expected baseline after restart")
	}
	if factor, active := restarted.Registry().SizeFactor(testWallet); !active || factor != 0.5 {
		t.Errorf("Expected active wallet with factor 0.5, got %v/%v", factor, active)
	}
}

func TestFirstObservationCapturesBaseline(t *testing.T) {
	m, _ := newTestMonitor(nil, nil)
	if changes := m.Observe(context.Background(), testWallet, baselineMetrics()); changes != nil {
		t.Errorf("Expected no changes on first observation, got %+v", changes)
	}
	if _, ok := m.Baseline(testWallet); !ok {
		t.Error("Expected baseline captured")
	}
}
