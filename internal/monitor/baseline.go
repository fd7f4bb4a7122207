// Package monitor watches admitted wallets for behavior drift against a
// rolling baseline and maintains the active rotation set the sizer consults.
package monitor

import (
	"context"
	"sort"
	"time"

	"wallet-copy-trader/internal/wallet"
)

// Baseline is the behavior snapshot a wallet is compared against.
type Baseline struct {
	Address         string            `json:"address"`
	WinRate         float64           `json:"win_rate"`
	AvgPositionSize float64           `json:"avg_position_size"`
	Categories      []wallet.Category `json:"categories"`
	RealizedVol     float64           `json:"realized_volatility"`
	CapturedAt      time.Time         `json:"captured_at"`
}

// NewBaseline snapshots metrics.
func NewBaseline(m wallet.WalletMetrics, at time.Time) Baseline {
	cats := make([]wallet.Category, 0, len(m.CategoryCounts))
	for c := range m.Categories() {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	return Baseline{
		Address:         m.Address,
		WinRate:         m.WinRate,
		AvgPositionSize: m.AvgPositionSize(),
		Categories:      cats,
		RealizedVol:     m.RealizedVol,
		CapturedAt:      at,
	}
}

func (b Baseline) hasCategory(c wallet.Category) bool {
	for _, existing := range b.Categories {
		if existing == c {
			return true
		}
	}
	return false
}

// RotationEntry is a wallet's standing in the active set.
type RotationEntry struct {
	Address        string    `json:"address"`
	Active         bool      `json:"active"`
	AdmissionScore float64   `json:"admission_score"`
	LastScore      float64   `json:"last_score"`
	AdmittedAt     time.Time `json:"admitted_at"`
	RemovedAt      time.Time `json:"removed_at,omitempty"`
	RemovalScore   float64   `json:"removal_score,omitempty"`
	RemovalReason  string    `json:"removal_reason,omitempty"`
	SizeFactor     float64   `json:"size_factor"`
}

// BaselineStore persists baselines and rotation state.
type BaselineStore interface {
	SaveBaseline(ctx context.Context, baseline Baseline) error
	LoadBaselines(ctx context.Context) ([]Baseline, error)
	SaveRotation(ctx context.Context, entry RotationEntry) error
	LoadRotations(ctx context.Context) ([]RotationEntry, error)
}
