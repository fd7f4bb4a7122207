package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

func TestHandleEventTracksBreaker(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.HandleEvent(events.Event{
		Type:     events.EventBreakerTransition,
		Severity: wallet.SeverityCritical,
		Data:     map[string]interface{}{"from": circuit.StateClosed, "to": circuit.StateOpen},
	})

	if got := testutil.ToFloat64(m.BreakerState); got != 2 {
		t.Errorf("Expected breaker gauge 2, got %v", got)
	}
	counter := m.EventsTotal.WithLabelValues(string(events.EventBreakerTransition), "CRITICAL")
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Errorf("Expected 1 event counted, got %v", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	m := New(prometheus.NewRegistry())
	tests := []struct {
		state circuit.BreakerState
		want  float64
	}{
		{circuit.StateClosed, 0},
		{circuit.StateHalfOpen, 1},
		{circuit.StateOpen, 2},
	}
	for _, tt := range tests {
		m.SetBreakerState(tt.state)
		if got := testutil.ToFloat64(m.BreakerState); got != tt.want {
			t.Errorf("Expected %v for %s, got %v", tt.want, tt.state, got)
		}
	}
}
