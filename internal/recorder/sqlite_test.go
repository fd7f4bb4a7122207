package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/sizing"
	"wallet-copy-trader/internal/wallet"
)

const testWallet = "0x3333333333333333333333333333333333333333"

func TestSQLiteRecorderRoundTrip(t *testing.T) {
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "audit.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, final := range []float64{100, 200, 0} {
		d := &sizing.PositionSizeDecision{
			ID:        string(rune('a' + i)),
			Address:   testWallet,
			Category:  "politics",
			Tier:      wallet.TierElite,
			Final:     final,
			Binding:   sizing.BindingAbsoluteCap,
			Skipped:   final == 0,
			DecidedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := r.RecordDecision(d); err != nil {
			t.Fatalf("RecordDecision: %v", err)
		}
	}
	if err := r.RecordOutcome(&TradeOutcome{DecisionID: "a", Address: testWallet, AmountUSD: 100, PnLUSD: -5, Success: true}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got, err := r.RecentDecisions(testWallet, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 decisions, got %d", len(got))
	}
	if got[0].ID != "c" || !got[0].Skipped {
		t.Errorf("Expected newest skipped decision first, got %+v", got[0])
	}
	if got[1].Final != 200 || got[1].Tier != wallet.TierElite || got[1].Binding != sizing.BindingAbsoluteCap {
		t.Errorf("Unexpected decision %+v", got[1])
	}
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NewNoopRecorder()
	if err := r.RecordDecision(&sizing.PositionSizeDecision{}); err != nil {
		t.Error(err)
	}
	if got, _ := r.RecentDecisions(testWallet, 5); got != nil {
		t.Errorf("Expected nil, got %v", got)
	}
}
