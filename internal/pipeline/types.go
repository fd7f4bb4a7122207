// Package pipeline runs each observed source-wallet trade through scoring,
// red-flag checks, sizing and the circuit breaker before handing it to the
// executor, and feeds outcomes back into the risk state.
package pipeline

import (
	"context"
	"errors"
	"time"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/quality"
	"wallet-copy-trader/internal/redflag"
	"wallet-copy-trader/internal/sizing"
	"wallet-copy-trader/internal/wallet"
)

var (
	ErrInvalidObservation = errors.New("invalid trade observation")
	ErrUnknownPosition    = errors.New("unknown position")
	ErrInvalidPnL         = errors.New("realized P&L must be a finite number")
)

// Outcome labels for a processed observation.
const (
	OutcomeExecuted = "executed"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeBlocked  = "blocked"
	// OutcomeCancelled means the caller went away during execution.
	OutcomeCancelled = "cancelled"
)

// TradeObservation is one trade made by a tracked wallet.
type TradeObservation struct {
	Address    string          `json:"address"`
	MarketID   string          `json:"market_id"`
	Category   wallet.Category `json:"category"`
	Side       string          `json:"side"`
	AmountUSD  float64         `json:"amount_usd"`
	Volatility float64         `json:"volatility"` // realized volatility of the market
	ObservedAt time.Time       `json:"observed_at"`
}

// Order is what the executor is asked to place.
type Order struct {
	DecisionID   string          `json:"decision_id"`
	SourceWallet string          `json:"source_wallet"`
	MarketID     string          `json:"market_id"`
	Category     wallet.Category `json:"category"`
	Side         string          `json:"side"`
	AmountUSD    float64         `json:"amount_usd"`
}

// Fill is the executor's confirmation.
type Fill struct {
	OrderID   string    `json:"order_id"`
	FilledUSD float64   `json:"filled_usd"`
	FilledAt  time.Time `json:"filled_at"`
}

// MetricsSource supplies the latest metrics and trade history for a wallet.
type MetricsSource interface {
	Snapshot(ctx context.Context, address string) (wallet.WalletMetrics, wallet.WalletHistory, error)
}

// AccountSource reports the copy account's balance.
type AccountSource interface {
	Balance(ctx context.Context) (float64, error)
}

// Executor places copy orders.
type Executor interface {
	Execute(ctx context.Context, order Order) (Fill, error)
}

// Result is everything decided about one observation.
type Result struct {
	Observation TradeObservation            `json:"observation"`
	Score       quality.QualityScore        `json:"score"`
	Verdict     redflag.Verdict             `json:"verdict"`
	Decision    sizing.PositionSizeDecision `json:"decision"`
	Breaker     circuit.BreakerState        `json:"breaker"`
	BlockReason string                      `json:"block_reason,omitempty"`
	Fill        *Fill                       `json:"fill,omitempty"`
	Outcome     string                      `json:"outcome"`
}

// Position is an executed copy awaiting its close.
type Position struct {
	DecisionID string          `json:"decision_id"`
	Address    string          `json:"address"`
	MarketID   string          `json:"market_id"`
	Category   wallet.Category `json:"category"`
	AmountUSD  float64         `json:"amount_usd"`
	OpenedAt   time.Time       `json:"opened_at"`
}
