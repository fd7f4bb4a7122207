package redflag

import (
	"fmt"
	"math"
	"sort"
	"time"

	"wallet-copy-trader/internal/wallet"
)

// Config holds pattern thresholds and store bounds.
type Config struct {
	NewWalletAge          time.Duration
	LargeBetUSD           float64
	LuckWinRate           float64
	LuckMaxTrades         int
	WashTradingScore      float64
	MinProfitFactor       float64
	MaxCategories         int
	DominantCategoryShare float64
	MaxDrawdown           float64
	LowWinRate            float64
	LowWinRateMinTrades   int
	InsiderVolumeRatio    float64
	InsiderWindow         time.Duration
	SuicidalSizeMultiple  float64
	LossStreakLength      int

	DedupWindow time.Duration
	Retention   time.Duration
	MaxWallets  int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		NewWalletAge:          7 * 24 * time.Hour,
		LargeBetUSD:           1000,
		LuckWinRate:           0.90,
		LuckMaxTrades:         20,
		WashTradingScore:      0.7,
		MinProfitFactor:       1.0,
		MaxCategories:         5,
		DominantCategoryShare: 0.40,
		MaxDrawdown:           0.35,
		LowWinRate:            0.60,
		LowWinRateMinTrades:   50,
		InsiderVolumeRatio:    5.0,
		InsiderWindow:         24 * time.Hour,
		SuicidalSizeMultiple:  3.0,
		LossStreakLength:      3,
		DedupWindow:           time.Hour,
		Retention:             30 * 24 * time.Hour,
		MaxWallets:            50000,
	}
}

// finding is a pattern hit before it becomes a record.
type finding struct {
	flag       FlagType
	severity   wallet.Severity
	confidence float64
	reason     string
	permanent  bool
}

// Round trips closer than this with amounts within washAmountTolerance count
// toward the wash-trading score.
const (
	washRoundTripWindow = 10 * time.Minute
	washAmountTolerance = 0.05
	washMinTrades       = 4
	rollingSizeWindow   = 20
)

// scan runs every pattern against validated input. Each pattern yields at most
// one finding.
func (c Config) scan(m *wallet.WalletMetrics, h wallet.WalletHistory) []finding {
	var findings []finding

	// Check 1: New wallet placing a large bet
	largest := math.Max(h.LargestTrade(), maxOf(m.PositionSizes))
	if m.AccountAge < c.NewWalletAge && largest > c.LargeBetUSD {
		findings = append(findings, finding{
			flag:       FlagNewWalletLargeBet,
			severity:   wallet.SeverityHigh,
			confidence: wallet.Clamp(largest/(2*c.LargeBetUSD), 0.5, 1),
			reason: fmt.Sprintf("account age %s with a $%.2f trade",
				m.AccountAge.Round(time.Hour), largest),
		})
	}

	// Check 2: High win rate on too few trades
	if m.TradeCount > 0 && m.TradeCount < c.LuckMaxTrades && m.WinRate > c.LuckWinRate {
		findings = append(findings, finding{
			flag:       FlagLuckNotSkill,
			severity:   wallet.SeverityMedium,
			confidence: wallet.Clamp(1-float64(m.TradeCount)/float64(c.LuckMaxTrades), 0.3, 1),
			reason:     fmt.Sprintf("win rate %.0f%% over %d trades", m.WinRate*100, m.TradeCount),
		})
	}

	// Check 3: Wash trading
	if score := washTradingScore(h); score > c.WashTradingScore {
		findings = append(findings, finding{
			flag:       FlagWashTrading,
			severity:   wallet.SeverityCritical,
			confidence: score,
			reason:     fmt.Sprintf("round-trip/self-transfer score %.2f", score),
			permanent:  true,
		})
	}

	// Check 4: Losing money overall
	if m.TradeCount > 0 && m.ProfitFactor < c.MinProfitFactor {
		findings = append(findings, finding{
			flag:       FlagNegativeProfitFactor,
			severity:   wallet.SeverityHigh,
			confidence: wallet.Clamp(float64(m.TradeCount)/float64(c.LowWinRateMinTrades), 0.3, 1),
			reason:     fmt.Sprintf("profit factor %.2f", m.ProfitFactor),
		})
	}

	// Check 5: Spread thin with no dominant category
	if cats := len(m.Categories()); cats > c.MaxCategories {
		if share := dominantShare(m); share < c.DominantCategoryShare {
			findings = append(findings, finding{
				flag:       FlagNoSpecialization,
				severity:   wallet.SeverityMedium,
				confidence: wallet.Clamp(1-share/c.DominantCategoryShare, 0.3, 1),
				reason:     fmt.Sprintf("%d categories, top share %.0f%%", cats, share*100),
			})
		}
	}

	// Check 6: Excessive drawdown
	if m.MaxDrawdown > c.MaxDrawdown {
		findings = append(findings, finding{
			flag:       FlagExcessiveDrawdown,
			severity:   wallet.SeverityHigh,
			confidence: wallet.Clamp(m.MaxDrawdown/(2*c.MaxDrawdown), 0.5, 1),
			reason:     fmt.Sprintf("max drawdown %.1f%%", m.MaxDrawdown*100),
		})
	}

	// Check 7: Chronically low win rate
	if m.TradeCount >= c.LowWinRateMinTrades && m.WinRate < c.LowWinRate {
		findings = append(findings, finding{
			flag:       FlagLowWinRate,
			severity:   wallet.SeverityMedium,
			confidence: wallet.Clamp((c.LowWinRate-m.WinRate)/c.LowWinRate*4, 0.3, 1),
			reason:     fmt.Sprintf("win rate %.0f%% over %d trades", m.WinRate*100, m.TradeCount),
		})
	}

	// Check 8: Volume spike right before market resolution
	if ratio := c.insiderVolumeRatio(h); ratio > c.InsiderVolumeRatio {
		findings = append(findings, finding{
			flag:       FlagInsiderPattern,
			severity:   wallet.SeverityHigh,
			confidence: wallet.Clamp(ratio/(2*c.InsiderVolumeRatio), 0.5, 1),
			reason: fmt.Sprintf("pre-event volume %.1fx normal within %s of resolution",
				ratio, c.InsiderWindow),
		})
	}

	// Check 9: Oversized bet right after a loss streak
	if multiple, streak := c.suicidalSizing(h); multiple > c.SuicidalSizeMultiple {
		findings = append(findings, finding{
			flag:       FlagSuicidalSizing,
			severity:   wallet.SeverityHigh,
			confidence: wallet.Clamp(multiple/(2*c.SuicidalSizeMultiple), 0.5, 1),
			reason:     fmt.Sprintf("size %.1fx rolling average after %d straight losses", multiple, streak),
		})
	}

	return findings
}

// washTradingScore is the share of trades that are self-transfers or part of
// a quick opposite-side round trip of near-equal size in the same market.
func washTradingScore(h wallet.WalletHistory) float64 {
	n := len(h.Trades)
	if n < washMinTrades {
		return 0
	}

	trades := sortedByOpen(h.Trades)
	matched := make([]bool, n)
	for i, t := range trades {
		if t.Counterparty != "" && equalAddress(t.Counterparty, h.Address) {
			matched[i] = true
		}
	}
	for i := 0; i < n; i++ {
		if matched[i] {
			continue
		}
		for j := i + 1; j < n; j++ {
			if trades[j].OpenedAt.Sub(trades[i].OpenedAt) > washRoundTripWindow {
				break
			}
			if matched[j] || trades[j].MarketID != trades[i].MarketID || trades[j].Side == trades[i].Side {
				continue
			}
			if nearEqual(trades[i].AmountUSD, trades[j].AmountUSD) {
				matched[i], matched[j] = true, true
				break
			}
		}
	}

	count := 0
	for _, ok := range matched {
		if ok {
			count++
		}
	}
	return float64(count) / float64(n)
}

// insiderVolumeRatio compares the average size of trades opened inside the
// pre-resolution window against the wallet's other trades.
func (c Config) insiderVolumeRatio(h wallet.WalletHistory) float64 {
	var inside, outside []float64
	for _, t := range h.Trades {
		if !t.EventAt.IsZero() && !t.OpenedAt.After(t.EventAt) && t.EventAt.Sub(t.OpenedAt) <= c.InsiderWindow {
			inside = append(inside, t.AmountUSD)
			continue
		}
		outside = append(outside, t.AmountUSD)
	}
	if len(inside) == 0 || len(outside) == 0 {
		return 0
	}
	normal := wallet.Mean(outside)
	if normal <= 0 {
		return 0
	}
	return wallet.Mean(inside) / normal
}

// suicidalSizing returns the worst size multiple (against the rolling average
// of prior trades) among trades that follow a qualifying loss streak.
func (c Config) suicidalSizing(h wallet.WalletHistory) (float64, int) {
	trades := wallet.WalletHistory{Address: h.Address, Trades: sortedByOpen(h.Trades)}
	worst, worstStreak := 0.0, 0
	for i := range trades.Trades {
		streak := trades.LossStreakBefore(i)
		if streak < c.LossStreakLength {
			continue
		}
		start := i - rollingSizeWindow
		if start < 0 {
			start = 0
		}
		prior := make([]float64, 0, i-start)
		for _, t := range trades.Trades[start:i] {
			prior = append(prior, t.AmountUSD)
		}
		avg := wallet.Mean(prior)
		if avg <= 0 {
			continue
		}
		if multiple := trades.Trades[i].AmountUSD / avg; multiple > worst {
			worst, worstStreak = multiple, streak
		}
	}
	return worst, worstStreak
}

// dominantShare is the top category's share of volume, or of trade count when
// no volume is reported.
func dominantShare(m *wallet.WalletMetrics) float64 {
	if total := m.TotalCategoryVolume(); total > 0 {
		top := 0.0
		for _, v := range m.CategoryVolume {
			top = math.Max(top, v)
		}
		return top / total
	}
	total, top := 0, 0
	for _, n := range m.CategoryCounts {
		total += n
		if n > top {
			top = n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(top) / float64(total)
}

func sortedByOpen(trades []wallet.Trade) []wallet.Trade {
	out := make([]wallet.Trade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func nearEqual(a, b float64) bool {
	hi := math.Max(a, b)
	if hi <= 0 {
		return false
	}
	return math.Abs(a-b)/hi <= washAmountTolerance
}

func equalAddress(a, b string) bool {
	na, errA := wallet.NormalizeAddress(a)
	nb, errB := wallet.NormalizeAddress(b)
	return errA == nil && errB == nil && na == nb
}

func maxOf(values []float64) float64 {
	largest := 0.0
	for _, v := range values {
		largest = math.Max(largest, v)
	}
	return largest
}
