package recorder

import "wallet-copy-trader/internal/sizing"

// NoopRecorder is used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordDecision(_ *sizing.PositionSizeDecision) error { return nil }
func (n *NoopRecorder) RecordOutcome(_ *TradeOutcome) error                 { return nil }
func (n *NoopRecorder) RecentDecisions(_ string, _ int) ([]sizing.PositionSizeDecision, error) {
	return nil, nil
}
func (n *NoopRecorder) Close() error { return nil }
