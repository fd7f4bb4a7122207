package sizing

import (
	"sync"

	"github.com/shopspring/decimal"

	"wallet-copy-trader/internal/wallet"
)

// Exposure is one wallet's open allocation.
type Exposure struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

// Ledger tracks open exposure per followed wallet and per market category.
type Ledger struct {
	mu         sync.RWMutex
	wallets    map[string]decimal.Decimal
	categories map[wallet.Category]decimal.Decimal
	total      decimal.Decimal
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		wallets:    make(map[string]decimal.Decimal),
		categories: make(map[wallet.Category]decimal.Decimal),
	}
}

// Reserve adds amount to the wallet and category totals.
func (l *Ledger) Reserve(address string, category wallet.Category, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.wallets[address] = l.wallets[address].Add(amount)
	l.categories[category] = l.categories[category].Add(amount)
	l.total = l.total.Add(amount)
}

// Release frees amount. Totals never go below zero, and the amount released
// is what was actually outstanding.
func (l *Ledger) Release(address string, category wallet.Category, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.wallets[address]
	freed := decimal.Min(current, amount)
	if !freed.IsPositive() {
		return decimal.Zero
	}

	if remaining := current.Sub(freed); remaining.IsPositive() {
		l.wallets[address] = remaining
	} else {
		delete(l.wallets, address)
	}

	cat := decimal.Max(l.categories[category].Sub(freed), decimal.Zero)
	if cat.IsPositive() {
		l.categories[category] = cat
	} else {
		delete(l.categories, category)
	}

	l.total = decimal.Max(l.total.Sub(freed), decimal.Zero)
	return freed
}

// WalletExposure returns the wallet's open exposure.
func (l *Ledger) WalletExposure(address string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.wallets[address]
}

// CategoryExposure returns open exposure in a category.
func (l *Ledger) CategoryExposure(category wallet.Category) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.categories[category]
}

// Total returns total open exposure.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Exposures returns a copy of per-wallet exposure.
func (l *Ledger) Exposures() []Exposure {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Exposure, 0, len(l.wallets))
	for address, amount := range l.wallets {
		out = append(out, Exposure{Address: address, Amount: amount})
	}
	return out
}
