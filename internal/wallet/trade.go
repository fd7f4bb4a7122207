package wallet

import "time"

// Trade is a single observed trade of a followed wallet.
type Trade struct {
	ID           string    `json:"id"`
	MarketID     string    `json:"market_id"`
	Category     Category  `json:"category"`
	Side         string    `json:"side"` // BUY or SELL
	AmountUSD    float64   `json:"amount_usd"`
	PnLUSD       float64   `json:"pnl_usd"`
	Closed       bool      `json:"closed"`
	OpenedAt     time.Time `json:"opened_at"`
	ClosedAt     time.Time `json:"closed_at,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	// EventAt is the resolution time of the market the trade belongs to, if known.
	EventAt time.Time `json:"event_at,omitempty"`
}

// IsLoss reports whether a closed trade lost money.
func (t Trade) IsLoss() bool {
	return t.Closed && t.PnLUSD < 0
}

// WalletHistory is the ordered (oldest first) trade history of one wallet.
type WalletHistory struct {
	Address string  `json:"address"`
	Trades  []Trade `json:"trades"`
}

// LargestTrade returns the largest single trade amount.
func (h WalletHistory) LargestTrade() float64 {
	largest := 0.0
	for _, t := range h.Trades {
		if t.AmountUSD > largest {
			largest = t.AmountUSD
		}
	}
	return largest
}

// LossStreakBefore counts consecutive closed losing trades immediately preceding index i.
func (h WalletHistory) LossStreakBefore(i int) int {
	streak := 0
	for j := i - 1; j >= 0; j-- {
		t := h.Trades[j]
		if !t.Closed {
			continue
		}
		if !t.IsLoss() {
			break
		}
		streak++
	}
	return streak
}
