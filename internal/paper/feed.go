package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"wallet-copy-trader/internal/wallet"
)

var ErrUnknownWallet = errors.New("no snapshot for wallet")

// Snapshot is one wallet's metrics and trade history.
type Snapshot struct {
	Metrics wallet.WalletMetrics `json:"metrics"`
	History wallet.WalletHistory `json:"history"`
}

// Feed holds the latest snapshot per wallet. It implements
// pipeline.MetricsSource.
type Feed struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{snapshots: make(map[string]Snapshot)}
}

// Put replaces a wallet's snapshot.
func (f *Feed) Put(s Snapshot) error {
	address, err := wallet.NormalizeAddress(s.Metrics.Address)
	if err != nil {
		return err
	}
	s.Metrics.Address = address
	s.History.Address = address

	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[address] = s
	return nil
}

// Snapshot implements pipeline.MetricsSource.
func (f *Feed) Snapshot(ctx context.Context, address string) (wallet.WalletMetrics, wallet.WalletHistory, error) {
	if err := ctx.Err(); err != nil {
		return wallet.WalletMetrics{}, wallet.WalletHistory{}, err
	}
	normalized, err := wallet.NormalizeAddress(address)
	if err != nil {
		return wallet.WalletMetrics{}, wallet.WalletHistory{}, err
	}

	f.mu.RLock()
	s, ok := f.snapshots[normalized]
	f.mu.RUnlock()
	if !ok {
		return wallet.WalletMetrics{}, wallet.WalletHistory{}, fmt.Errorf("%w: %s", ErrUnknownWallet, normalized)
	}
	return s.Metrics, s.History, nil
}

// Len returns the number of wallets with a snapshot.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.snapshots)
}

// LoadFile preloads a JSON array of snapshots. Entries with a bad address
// are skipped and reported together.
func (f *Feed) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read snapshots: %w", err)
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return 0, fmt.Errorf("parse snapshots: %w", err)
	}

	var errs []error
	loaded := 0
	for _, s := range snapshots {
		if err := f.Put(s); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}
