// Package wallet holds the read-only trading history records shared by every
// risk component: per-wallet rolling metrics, individual trades, tiers and
// severities.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Category is a market category such as "politics" or "sports".
type Category string

var (
	ErrInvalidAddress = errors.New("invalid wallet address")
	ErrInvalidMetrics = errors.New("invalid wallet metrics")
)

// WalletMetrics is the rolling statistics snapshot produced by the ingester.
// All ratio fields are fractions (0.55 == 55%).
type WalletMetrics struct {
	Address string `json:"address"`

	TradeCount       int           `json:"trade_count"`
	WinRate          float64       `json:"win_rate"`
	AvgHoldDuration  time.Duration `json:"avg_hold_duration"`
	ProfitFactor     float64       `json:"profit_factor"`       // gross gains / gross losses
	MaxDrawdown      float64       `json:"max_drawdown"`        // peak-to-trough fraction
	DrawdownRecovery time.Duration `json:"drawdown_recovery"`   // time to recover from MaxDrawdown
	ReturnOnCapital  float64       `json:"return_on_capital"`   // net PnL / capital deployed
	ReturnVolatility float64       `json:"return_volatility"`   // stddev of per-trade returns
	ProfitPerTrade   float64       `json:"profit_per_trade"`    // avg net return per trade
	RealizedVol      float64       `json:"realized_volatility"` // annualised-free stddev of daily returns

	// Category distribution: trade counts, winning trades and USD volume.
	CategoryCounts map[Category]int     `json:"category_counts"`
	CategoryWins   map[Category]int     `json:"category_wins"`
	CategoryVolume map[Category]float64 `json:"category_volume"`

	// PositionSizes is the USD size series, oldest first.
	PositionSizes []float64 `json:"position_sizes"`
	// RollingWinRates holds rolling 30-day win rate samples, oldest first.
	RollingWinRates []float64 `json:"rolling_win_rates"`

	AccountAge time.Duration `json:"account_age"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// NormalizeAddress validates a hex wallet address and returns its checksummed form.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return common.HexToAddress(address).Hex(), nil
}

// Validate reports malformed snapshots. Callers downgrade to a safe default
// rather than propagating the error.
func (m *WalletMetrics) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil metrics", ErrInvalidMetrics)
	}
	if _, err := NormalizeAddress(m.Address); err != nil {
		return err
	}
	if m.TradeCount < 0 {
		return fmt.Errorf("%w: negative trade count %d", ErrInvalidMetrics, m.TradeCount)
	}
	if m.AccountAge < 0 || m.AvgHoldDuration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidMetrics)
	}
	for name, v := range map[string]float64{
		"win_rate":          m.WinRate,
		"profit_factor":     m.ProfitFactor,
		"max_drawdown":      m.MaxDrawdown,
		"return_on_capital": m.ReturnOnCapital,
		"return_volatility": m.ReturnVolatility,
		"profit_per_trade":  m.ProfitPerTrade,
		"realized_vol":      m.RealizedVol,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidMetrics, name)
		}
	}
	if m.WinRate < 0 || m.WinRate > 1 {
		return fmt.Errorf("%w: win rate %.4f out of range", ErrInvalidMetrics, m.WinRate)
	}
	if m.MaxDrawdown < 0 || m.ProfitFactor < 0 || m.ReturnVolatility < 0 || m.RealizedVol < 0 {
		return fmt.Errorf("%w: negative ratio", ErrInvalidMetrics)
	}
	return nil
}

// Fingerprint is a stable hash of the snapshot used to detect meaningful changes.
// UpdatedAt is excluded so a refresh with identical numbers keeps the same key.
func (m WalletMetrics) Fingerprint() string {
	m.UpdatedAt = time.Time{}
	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// AvgPositionSize returns the mean of the position-size series.
func (m *WalletMetrics) AvgPositionSize() float64 {
	return Mean(m.PositionSizes)
}

// TotalCategoryVolume sums USD volume across categories.
func (m *WalletMetrics) TotalCategoryVolume() float64 {
	total := 0.0
	for _, v := range m.CategoryVolume {
		total += v
	}
	return total
}

// Categories returns the set of categories the wallet traded.
func (m *WalletMetrics) Categories() map[Category]struct{} {
	set := make(map[Category]struct{}, len(m.CategoryCounts))
	for c, n := range m.CategoryCounts {
		if n > 0 {
			set[c] = struct{}{}
		}
	}
	return set
}

// Mean returns the arithmetic mean, 0 for an empty series.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
