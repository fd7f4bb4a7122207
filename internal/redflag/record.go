// Package redflag detects disqualifying wallet behavior and keeps the
// append-only exclusion log that gates position sizing.
package redflag

import (
	"context"
	"time"

	"wallet-copy-trader/internal/wallet"
)

// FlagType enumerates red-flag patterns.
type FlagType string

const (
	FlagNewWalletLargeBet    FlagType = "NEW_WALLET_LARGE_BET"
	FlagLuckNotSkill         FlagType = "LUCK_NOT_SKILL"
	FlagWashTrading          FlagType = "WASH_TRADING"
	FlagNegativeProfitFactor FlagType = "NEGATIVE_PROFIT_FACTOR"
	FlagNoSpecialization     FlagType = "NO_SPECIALIZATION"
	FlagExcessiveDrawdown    FlagType = "EXCESSIVE_DRAWDOWN"
	FlagLowWinRate           FlagType = "LOW_WIN_RATE"
	FlagInsiderPattern       FlagType = "INSIDER_PATTERN"
	FlagSuicidalSizing       FlagType = "SUICIDAL_SIZING"
	FlagMarketMaker          FlagType = "MARKET_MAKER"
)

// Reconsideration windows per severity before confidence and repeat scaling.
var baseWindows = map[wallet.Severity]time.Duration{
	wallet.SeverityLow:    7 * 24 * time.Hour,
	wallet.SeverityMedium: 14 * 24 * time.Hour,
	wallet.SeverityHigh:   30 * 24 * time.Hour,
}

const (
	MinReconsiderWindow = 7 * 24 * time.Hour
	MaxReconsiderWindow = 90 * 24 * time.Hour
)

// ExclusionRecord is one immutable flag raised against a wallet.
type ExclusionRecord struct {
	ID           string          `json:"id"`
	Address      string          `json:"address"`
	Flag         FlagType        `json:"flag"`
	Severity     wallet.Severity `json:"severity"`
	Confidence   float64         `json:"confidence"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
	ReconsiderAt time.Time       `json:"reconsider_at,omitempty"`
	Permanent    bool            `json:"permanent"`
}

// Active reports whether the record still excludes the wallet at now.
func (r ExclusionRecord) Active(now time.Time) bool {
	return r.Permanent || now.Before(r.ReconsiderAt)
}

// moreSevere orders records for the current exclusion: severity first, then
// the later reconsideration time.
func moreSevere(a, b ExclusionRecord) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	if a.Permanent != b.Permanent {
		return a.Permanent
	}
	return a.ReconsiderAt.After(b.ReconsiderAt)
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Address  string           `json:"address"`
	Excluded bool             `json:"excluded"`
	Current  *ExclusionRecord `json:"current,omitempty"`
	// InvalidInput is set when the metrics failed validation. The wallet is
	// treated as excluded for this evaluation without a record being written.
	InvalidInput string `json:"invalid_input,omitempty"`
	// Added lists records created by this evaluation (after dedup).
	Added []ExclusionRecord `json:"added,omitempty"`
	// Findings lists every pattern that fired, including suppressed duplicates.
	Findings []FlagType `json:"findings,omitempty"`
	At       time.Time  `json:"at"`
}

// ExclusionStore persists the append-only exclusion log.
type ExclusionStore interface {
	AppendExclusion(ctx context.Context, record ExclusionRecord) error
	LoadExclusions(ctx context.Context) ([]ExclusionRecord, error)
}

// reconsiderWindow scales the base window by confidence and doubles it for
// each earlier record of the same flag.
func reconsiderWindow(severity wallet.Severity, confidence float64, priorOffenses int) time.Duration {
	base, ok := baseWindows[severity]
	if !ok {
		base = baseWindows[wallet.SeverityHigh]
	}
	window := time.Duration(float64(base) * (0.5 + 0.5*wallet.Clamp(confidence, 0, 1)))
	for i := 0; i < priorOffenses && window < MaxReconsiderWindow; i++ {
		window *= 2
	}
	if window < MinReconsiderWindow {
		window = MinReconsiderWindow
	}
	if window > MaxReconsiderWindow {
		window = MaxReconsiderWindow
	}
	return window
}
