// Package sizing turns a quality score and a followed wallet's trade into a
// bounded copy size, and tracks the exposure each wallet has been allocated.
package sizing

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/quality"
	"wallet-copy-trader/internal/wallet"
)

// BindingConstraint names the limit that determined the final size.
type BindingConstraint string

const (
	BindingNone         BindingConstraint = "NONE"
	BindingPortfolioCap BindingConstraint = "PORTFOLIO_CAP"
	BindingAbsoluteCap  BindingConstraint = "ABSOLUTE_CAP"
	BindingTierExposure BindingConstraint = "TIER_EXPOSURE_CAP"
	BindingFloor        BindingConstraint = "FLOOR"
)

// Skip reasons
const (
	SkipExcluded       = "wallet excluded"
	SkipPoorTier       = "tier POOR"
	SkipInactive       = "wallet rotated out"
	SkipInvalidBalance = "account balance not positive"
	SkipBelowFloor     = "size below minimum trade"
)

// Config holds sizing parameters. Percent fields are fractions.
type Config struct {
	BaseRiskPercent     float64
	PortfolioCapPercent float64
	AbsoluteCapUSD      float64
	MinTradeUSD         float64
	TierExposureCaps    map[wallet.Tier]float64

	// A category holding at least CategoryConcentrationLimit of the portfolio
	// gets CategoryConcentrationMult applied to new trades.
	CategoryConcentrationLimit float64
	CategoryConcentrationMult  float64
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		BaseRiskPercent:     0.02,
		PortfolioCapPercent: 0.05,
		AbsoluteCapUSD:      500,
		MinTradeUSD:         1,
		TierExposureCaps: map[wallet.Tier]float64{
			wallet.TierElite:  0.15,
			wallet.TierExpert: 0.10,
			wallet.TierGood:   0.07,
			wallet.TierPoor:   0,
		},
		CategoryConcentrationLimit: 0.25,
		CategoryConcentrationMult:  0.5,
	}
}

// Eligibility reports whether a wallet is in the active rotation and the size
// factor behavior drift has imposed on it.
type Eligibility interface {
	SizeFactor(address string) (factor float64, eligible bool)
}

// SizeRequest carries one copy candidate.
type SizeRequest struct {
	Address           string
	Category          wallet.Category
	Score             quality.QualityScore
	Excluded          bool
	ExclusionReason   string
	OriginalAmountUSD float64
	Volatility        float64 // realized volatility of the market, fraction
	AccountBalance    float64
}

// PositionSizeDecision is the audit record of one sizing call.
type PositionSizeDecision struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Category  wallet.Category `json:"category"`
	Tier      wallet.Tier     `json:"tier"`
	Composite float64         `json:"composite"`

	OriginalAmountUSD float64 `json:"original_amount_usd"`
	Volatility        float64 `json:"volatility"`
	AccountBalance    float64 `json:"account_balance"`

	Base         float64 `json:"base"`
	QualityMult  float64 `json:"quality_mult"`
	TradeMult    float64 `json:"trade_mult"`
	RiskMult     float64 `json:"risk_mult"`
	CategoryMult float64 `json:"category_mult"`
	BehaviorMult float64 `json:"behavior_mult"`
	Raw          float64 `json:"raw"`

	PortfolioCap   float64 `json:"portfolio_cap"`
	AbsoluteCap    float64 `json:"absolute_cap"`
	TierHeadroom   float64 `json:"tier_headroom"`
	WalletExposure float64 `json:"wallet_exposure"`

	Capped  float64           `json:"capped"`
	Final   float64           `json:"final"`
	Binding BindingConstraint `json:"binding"`
	Skipped bool              `json:"skipped"`
	Reason  string            `json:"reason,omitempty"`

	DecidedAt time.Time `json:"decided_at"`
}

// Sizer computes copy sizes and reserves exposure.
type Sizer struct {
	cfg         Config
	ledger      *Ledger
	eligibility Eligibility
	logger      zerolog.Logger
	now         func() time.Time

	// mu makes headroom check and reservation one step.
	mu sync.Mutex
}

// NewSizer creates a sizer. eligibility may be nil.
func NewSizer(cfg Config, ledger *Ledger, eligibility Eligibility, logger zerolog.Logger) *Sizer {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &Sizer{
		cfg:         cfg,
		ledger:      ledger,
		eligibility: eligibility,
		logger:      logger.With().Str("component", events.ComponentSizer).Logger(),
		now:         time.Now,
	}
}

// SetEligibility wires the rotation registry after construction.
func (s *Sizer) SetEligibility(e Eligibility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eligibility = e
}

// Ledger exposes the exposure ledger.
func (s *Sizer) Ledger() *Ledger {
	return s.ledger
}

// Size computes the copy size and, when non-zero, reserves it against the
// wallet's exposure cap.
func (s *Sizer) Size(req SizeRequest) PositionSizeDecision {
	address := req.Address
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		address = normalized
	}

	d := PositionSizeDecision{
		ID:                uuid.NewString(),
		Address:           address,
		Category:          req.Category,
		Tier:              req.Score.Tier,
		Composite:         req.Score.Composite,
		OriginalAmountUSD: req.OriginalAmountUSD,
		Volatility:        req.Volatility,
		AccountBalance:    req.AccountBalance,
		Binding:           BindingNone,
		DecidedAt:         s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case req.Excluded:
		return s.skip(d, fmt.Sprintf("%s: %s", SkipExcluded, req.ExclusionReason))
	case req.Score.Tier == wallet.TierPoor || req.Score.Tier == "":
		return s.skip(d, SkipPoorTier)
	case req.AccountBalance <= 0:
		return s.skip(d, SkipInvalidBalance)
	}

	d.BehaviorMult = 1.0
	if s.eligibility != nil {
		factor, eligible := s.eligibility.SizeFactor(address)
		if !eligible {
			return s.skip(d, SkipInactive)
		}
		d.BehaviorMult = factor
	}

	balance := req.AccountBalance
	d.Base = balance * s.cfg.BaseRiskPercent
	d.QualityMult = 0.5 + req.Score.Composite*0.15
	d.TradeMult = wallet.Clamp(req.OriginalAmountUSD/1000, 0.5, 1.5)
	d.RiskMult = riskMultiplier(req.Volatility)
	d.CategoryMult = 1.0
	if share := s.ledger.CategoryExposure(req.Category).InexactFloat64() / balance; share >= s.cfg.CategoryConcentrationLimit {
		d.CategoryMult = s.cfg.CategoryConcentrationMult
	}
	d.Raw = d.Base * d.QualityMult * d.TradeMult * d.RiskMult * d.CategoryMult * d.BehaviorMult

	exposure := s.ledger.WalletExposure(address)
	tierLimit := decimal.NewFromFloat(balance * s.cfg.TierExposureCaps[req.Score.Tier]).RoundDown(2)
	headroom := decimal.Max(tierLimit.Sub(exposure), decimal.Zero)

	d.PortfolioCap = balance * s.cfg.PortfolioCapPercent
	d.AbsoluteCap = s.cfg.AbsoluteCapUSD
	d.TierHeadroom = headroom.InexactFloat64()
	d.WalletExposure = exposure.InexactFloat64()

	// The absolute cap wins ties so a $500 ceiling is reported as such.
	d.Capped = d.Raw
	for _, limit := range []struct {
		binding BindingConstraint
		value   float64
	}{
		{BindingAbsoluteCap, d.AbsoluteCap},
		{BindingPortfolioCap, d.PortfolioCap},
		{BindingTierExposure, d.TierHeadroom},
	} {
		if limit.value < d.Capped {
			d.Capped = limit.value
			d.Binding = limit.binding
		}
	}

	if d.Capped < s.cfg.MinTradeUSD {
		d.Binding = BindingFloor
		return s.skip(d, SkipBelowFloor)
	}

	// Reserve whole cents, never more than the headroom.
	amount := decimal.NewFromFloat(d.Capped).Round(2)
	if amount.GreaterThan(headroom) {
		amount = headroom.RoundDown(2)
	}
	d.Final = amount.InexactFloat64()
	s.ledger.Reserve(address, req.Category, amount)

	s.logger.Debug().
		Str("wallet", address).
		Str("decision_id", d.ID).
		Float64("raw", d.Raw).
		Float64("final", d.Final).
		Str("binding", string(d.Binding)).
		Float64("wallet_exposure", d.WalletExposure+d.Final).
		Msg("Sized copy trade")

	return d
}

func (s *Sizer) skip(d PositionSizeDecision, reason string) PositionSizeDecision {
	d.Skipped = true
	d.Final = 0
	d.Reason = reason
	s.logger.Debug().Str("wallet", d.Address).Str("decision_id", d.ID).Str("reason", reason).Msg("Copy trade skipped")
	return d
}

// Release frees exposure after a position closes or execution fails.
func (s *Sizer) Release(address string, category wallet.Category, amountUSD float64) float64 {
	if normalized, err := wallet.NormalizeAddress(address); err == nil {
		address = normalized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := s.ledger.Release(address, category, decimal.NewFromFloat(amountUSD))
	return freed.InexactFloat64()
}

// ReleaseDecision frees exactly what a decision reserved.
func (s *Sizer) ReleaseDecision(d PositionSizeDecision) float64 {
	if d.Skipped || d.Final <= 0 {
		return 0
	}
	return s.Release(d.Address, d.Category, d.Final)
}

// TierCap returns the exposure cap fraction for a tier.
func (s *Sizer) TierCap(tier wallet.Tier) float64 {
	return s.cfg.TierExposureCaps[tier]
}

func riskMultiplier(volatility float64) float64 {
	switch {
	case volatility < 0.20:
		return 1.0
	case volatility <= 0.30:
		return 0.8
	default:
		return 0.5
	}
}
