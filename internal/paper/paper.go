// Package paper provides in-process collaborators for running the copy
// pipeline without a live venue: a simulated account, an executor that
// fills every order, and a wallet snapshot feed.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/pipeline"
)

// Account is a simulated copy account whose balance follows realized P&L.
type Account struct {
	mu      sync.RWMutex
	balance decimal.Decimal
}

// NewAccount creates an account holding startingUSD.
func NewAccount(startingUSD float64) *Account {
	return &Account{balance: decimal.NewFromFloat(startingUSD)}
}

// Balance implements pipeline.AccountSource.
func (a *Account) Balance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balance.InexactFloat64(), nil
}

// Apply books realized P&L. Non-finite values are ignored.
func (a *Account) Apply(pnlUSD float64) {
	if math.IsNaN(pnlUSD) || math.IsInf(pnlUSD, 0) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = a.balance.Add(decimal.NewFromFloat(pnlUSD))
}

// HandleEvent is an events.Subscriber for TRADE_OUTCOME events.
func (a *Account) HandleEvent(e events.Event) {
	if e.Type != events.EventTradeOutcome {
		return
	}
	if pnl, ok := e.Data["pnl_usd"].(float64); ok {
		a.Apply(pnl)
	}
}

// Executor fills every order in full at the requested size.
type Executor struct {
	now func() time.Time

	mu     sync.Mutex
	orders []pipeline.Order
}

// NewExecutor creates a paper executor.
func NewExecutor() *Executor {
	return &Executor{now: time.Now}
}

// Execute implements pipeline.Executor.
func (e *Executor) Execute(ctx context.Context, order pipeline.Order) (pipeline.Fill, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Fill{}, err
	}
	if order.AmountUSD <= 0 {
		return pipeline.Fill{}, fmt.Errorf("paper order %s has non-positive amount %.2f", order.DecisionID, order.AmountUSD)
	}

	e.mu.Lock()
	e.orders = append(e.orders, order)
	e.mu.Unlock()

	return pipeline.Fill{
		OrderID:   "paper_" + uuid.NewString(),
		FilledUSD: order.AmountUSD,
		FilledAt:  e.now(),
	}, nil
}

// Orders returns the orders placed so far.
func (e *Executor) Orders() []pipeline.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]pipeline.Order, len(e.orders))
	copy(out, e.orders)
	return out
}
