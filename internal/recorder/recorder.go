// Package recorder keeps an audit trail of sizing decisions and trade
// outcomes for offline analysis.
package recorder

import (
	"time"

	"wallet-copy-trader/internal/sizing"
)

// TradeOutcome is the executor's report for one copied trade.
type TradeOutcome struct {
	DecisionID string
	Address    string
	Category   string
	AmountUSD  float64
	PnLUSD     float64
	Success    bool
	Error      string
	At         time.Time
}

// Recorder persists decisions and outcomes.
type Recorder interface {
	RecordDecision(d *sizing.PositionSizeDecision) error
	RecordOutcome(o *TradeOutcome) error
	RecentDecisions(address string, limit int) ([]sizing.PositionSizeDecision, error)
	Close() error
}
