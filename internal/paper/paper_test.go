package paper

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/pipeline"
	"wallet-copy-trader/internal/wallet"
)

const testWallet = "0x2222222222222222222222222222222222222222"

func TestAccountFollowsOutcomes(t *testing.T) {
	a := NewAccount(1000)
	a.HandleEvent(events.Event{Type: events.EventTradeOutcome, Data: map[string]interface{}{"pnl_usd": -120.5}})
	a.HandleEvent(events.Event{Type: events.EventTradeSized, Data: map[string]interface{}{"pnl_usd": 999.0}})

	got, err := a.Balance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != 879.5 {
		t.Errorf("Expected balance 879.5, got %v", got)
	}
}

func TestAccountIgnoresNonFinitePnL(t *testing.T) {
	a := NewAccount(1000)
	for _, pnl := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		a.Apply(pnl)
	}
	if got, _ := a.Balance(context.Background()); got != 1000 {
		t.Errorf("Expected balance 1000, got %v", got)
	}
}

func TestExecutorFillsInFull(t *testing.T) {
	e := NewExecutor()
	fill, err := e.Execute(context.Background(), pipeline.Order{DecisionID: "d1", AmountUSD: 42})
	if err != nil {
		t.Fatal(err)
	}
	if fill.FilledUSD != 42 || fill.OrderID == "" {
		t.Errorf("Expected full fill with an order id, got %+v", fill)
	}

	if _, err := e.Execute(context.Background(), pipeline.Order{DecisionID: "d2"}); err == nil {
		t.Error("Expected zero-size order to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Execute(ctx, pipeline.Order{DecisionID: "d3", AmountUSD: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if len(e.Orders()) != 1 {
		t.Errorf("Expected 1 recorded order, got %d", len(e.Orders()))
	}
}

func TestFeedSnapshot(t *testing.T) {
	f := NewFeed()
	if err := f.Put(Snapshot{Metrics: wallet.WalletMetrics{Address: testWallet, TradeCount: 12}}); err != nil {
		t.Fatal(err)
	}

	m, h, err := f.Snapshot(context.Background(), testWallet)
	if err != nil {
		t.Fatal(err)
	}
	if m.TradeCount != 12 || h.Address != testWallet {
		t.Errorf("Unexpected snapshot %+v %+v", m, h)
	}

	other := "0x3333333333333333333333333333333333333333"
	if _, _, err := f.Snapshot(context.Background(), other); !errors.Is(err, ErrUnknownWallet) {
		t.Errorf("Expected ErrUnknownWallet, got %v", err)
	}
}

func TestFeedLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	body := `[
		{"metrics": {"address": "` + testWallet + `", "trade_count": 80, "win_rate": 0.7}},
		{"metrics": {"address": "bogus"}}
	]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFeed()
	loaded, err := f.LoadFile(path)
	if loaded != 1 {
		t.Errorf("Expected 1 snapshot loaded, got %d", loaded)
	}
	if !errors.Is(err, wallet.ErrInvalidAddress) {
		t.Errorf("Expected invalid address reported, got %v", err)
	}
	if f.Len() != 1 {
		t.Errorf("Expected feed size 1, got %d", f.Len())
	}
}
