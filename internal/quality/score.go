// Package quality grades wallets on a 0-10 composite built from performance,
// risk and consistency sub-scores, with a hard override for spread-capturing
// market makers.
package quality

import (
	"math"
	"sort"
	"time"

	"wallet-copy-trader/internal/wallet"
)

// Flag marks a scoring override.
type Flag string

const (
	FlagMarketMaker Flag = "MARKET_MAKER"
	FlagInvalidData Flag = "INVALID_DATA"
)

// Composite weights.
const (
	PerformanceWeight = 0.40
	RiskWeight        = 0.30
	ConsistencyWeight = 0.30
)

// Market-maker predicate thresholds.
const (
	MarketMakerMinTrades      = 500
	MarketMakerMaxHold        = time.Hour
	MarketMakerWinRateBand    = 0.10
	MarketMakerMaxProfitTrade = 0.01
)

// Domain expertise thresholds.
const (
	DomainVolumeShare   = 0.70
	DomainMaxCategories = 2
	DomainMinWinRate    = 0.65
	DomainMaxMultiplier = 1.5
)

// QualityScore is the immutable result of one evaluation.
type QualityScore struct {
	Address          string      `json:"address"`
	Performance      float64     `json:"performance"`
	Risk             float64     `json:"risk"`
	Consistency      float64     `json:"consistency"`
	DomainMultiplier float64     `json:"domain_multiplier"`
	Composite        float64     `json:"composite"`
	Tier             wallet.Tier `json:"tier"`
	Flags            []Flag      `json:"flags,omitempty"`
	Smoothed         bool        `json:"smoothed"`
	Fingerprint      string      `json:"fingerprint"`
	ScoredAt         time.Time   `json:"scored_at"`
}

// HasFlag reports whether the score carries f.
func (q QualityScore) HasFlag(f Flag) bool {
	for _, existing := range q.Flags {
		if existing == f {
			return true
		}
	}
	return false
}

// IsMarketMaker applies the hard override predicate.
func IsMarketMaker(m *wallet.WalletMetrics) bool {
	return m.TradeCount > MarketMakerMinTrades &&
		m.AvgHoldDuration < MarketMakerMaxHold &&
		math.Abs(m.WinRate-0.5) <= MarketMakerWinRateBand &&
		m.ProfitPerTrade < MarketMakerMaxProfitTrade
}

// compute is the pure scoring function. It assumes validated metrics.
func compute(m *wallet.WalletMetrics) QualityScore {
	s := QualityScore{
		Performance:      performanceScore(m),
		Risk:             riskScore(m),
		Consistency:      consistencyScore(m),
		DomainMultiplier: domainMultiplier(m),
	}

	if IsMarketMaker(m) {
		s.Composite = 0
		s.Tier = wallet.TierPoor
		s.Flags = []Flag{FlagMarketMaker}
		return s
	}

	raw := PerformanceWeight*s.Performance + RiskWeight*s.Risk + ConsistencyWeight*s.Consistency
	s.Composite = round(wallet.Clamp(raw*s.DomainMultiplier, 0, 10))
	s.Tier = wallet.TierForScore(s.Composite)
	return s
}

// performanceScore blends return on capital, win rate and profit factor.
// 50% ROC, 80% win rate and a profit factor of 3 each saturate at 10.
func performanceScore(m *wallet.WalletMetrics) float64 {
	roc := wallet.Clamp(m.ReturnOnCapital/0.5*10, 0, 10)
	win := wallet.Clamp((m.WinRate-0.4)/0.4*10, 0, 10)
	pf := wallet.Clamp((m.ProfitFactor-1)/2*10, 0, 10)
	return round(0.4*roc + 0.3*win + 0.3*pf)
}

// riskScore falls linearly to 0 at a 50% drawdown or 50% return volatility.
// Slow recovery from the worst drawdown costs up to one more point.
func riskScore(m *wallet.WalletMetrics) float64 {
	dd := wallet.Clamp(10*(1-m.MaxDrawdown/0.5), 0, 10)
	vol := wallet.Clamp(10*(1-m.ReturnVolatility/0.5), 0, 10)
	score := 0.6*dd + 0.4*vol

	const slowRecovery = 30 * 24 * time.Hour
	if m.DrawdownRecovery > slowRecovery {
		score -= wallet.Clamp(float64(m.DrawdownRecovery-slowRecovery)/float64(slowRecovery), 0, 1)
	}
	return round(math.Max(score, 0))
}

// consistencyScore is the inverse of the rolling 30-day win rate dispersion.
// A stddev of 25 points or more scores 0. Too few samples score neutral.
func consistencyScore(m *wallet.WalletMetrics) float64 {
	if len(m.RollingWinRates) < 2 {
		return 5
	}
	sd := wallet.StdDev(m.RollingWinRates)
	return round(wallet.Clamp(10*(1-sd/0.25), 0, 10))
}

// domainMultiplier rewards wallets that concentrate >=70% of volume in at most
// two categories and win >=65% there. It scales from 1.0 at the win-rate
// threshold to 1.5 at a perfect record.
func domainMultiplier(m *wallet.WalletMetrics) float64 {
	total := m.TotalCategoryVolume()
	if total <= 0 {
		return 1.0
	}

	type share struct {
		category wallet.Category
		volume   float64
	}
	shares := make([]share, 0, len(m.CategoryVolume))
	for c, v := range m.CategoryVolume {
		shares = append(shares, share{c, v})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].volume == shares[j].volume {
			return shares[i].category < shares[j].category
		}
		return shares[i].volume > shares[j].volume
	})

	var volume float64
	var trades, wins int
	concentrated := false
	for i := 0; i < len(shares) && i < DomainMaxCategories; i++ {
		c := shares[i].category
		volume += shares[i].volume
		trades += m.CategoryCounts[c]
		wins += m.CategoryWins[c]
		if volume/total >= DomainVolumeShare {
			concentrated = true
			break
		}
	}
	if !concentrated || trades == 0 {
		return 1.0
	}

	winRate := float64(wins) / float64(trades)
	if winRate < DomainMinWinRate {
		return 1.0
	}
	scale := (winRate - DomainMinWinRate) / (1 - DomainMinWinRate)
	return round(1.0 + (DomainMaxMultiplier-1.0)*wallet.Clamp(scale, 0, 1))
}

// round keeps scores stable to 4 decimals so float noise cannot flip a tier.
func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
