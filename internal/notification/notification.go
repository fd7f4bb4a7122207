package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

// Notification is an alert derived from a risk event.
type Notification struct {
	Type      events.EventType
	Severity  wallet.Severity
	Title     string
	Message   string
	Wallet    string
	Component string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// FromEvent renders an event as a notification.
func FromEvent(e events.Event) *Notification {
	title := fmt.Sprintf("[%s] %s", e.Severity, e.Type)
	if e.Wallet != "" {
		title += " " + shortAddress(e.Wallet)
	}
	return &Notification{
		Type:      e.Type,
		Severity:  e.Severity,
		Title:     title,
		Message:   e.Reason,
		Wallet:    e.Wallet,
		Component: e.Component,
		Timestamp: e.Timestamp,
		Extra:     e.Data,
	}
}

func shortAddress(a string) string {
	if len(a) <= 12 {
		return a
	}
	return a[:6] + "…" + a[len(a)-4:]
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans events out to every enabled notifier. Delivery runs on its
// own goroutine so publishers never wait on a webhook.
type Manager struct {
	notifiers   []Notifier
	minSeverity wallet.Severity
	logger      zerolog.Logger
	queue       chan *Notification

	mu      sync.Mutex
	dropped int
}

// NewManager creates a manager that forwards events at or above minSeverity.
func NewManager(minSeverity wallet.Severity, logger zerolog.Logger) *Manager {
	return &Manager{
		minSeverity: minSeverity,
		logger:      logger.With().Str("component", "notification").Logger(),
		queue:       make(chan *Notification, 256),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// HandleEvent is an events.Subscriber. Below-threshold events are ignored;
// when the queue is full the notification is dropped and counted.
func (m *Manager) HandleEvent(e events.Event) {
	if e.Severity < m.minSeverity {
		return
	}
	select {
	case m.queue <- FromEvent(e):
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn().Str("type", string(e.Type)).Msg("Notification queue full, dropping alert")
	}
}

// Dropped returns how many notifications were lost to a full queue.
func (m *Manager) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Run delivers queued notifications until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-m.queue:
			if err := m.Send(ctx, n); err != nil {
				m.logger.Error().Err(err).Str("title", n.Title).Msg("Notification delivery failed")
			}
		}
	}
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	var errs []error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, notification); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alerts").Logger()}
}

func (l *LogNotifier) Name() string    { return "log" }
func (l *LogNotifier) IsEnabled() bool { return true }

func (l *LogNotifier) Send(_ context.Context, n *Notification) error {
	evt := l.logger.Info()
	if n.Severity >= wallet.SeverityHigh {
		evt = l.logger.Warn()
	}
	evt.Str("type", string(n.Type)).
		Str("severity", n.Severity.String()).
		Str("wallet", n.Wallet).
		Str("source", n.Component).
		Msg(n.Message)
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

var severityColors = map[wallet.Severity]int{
	wallet.SeverityLow:      0x2ECC71,
	wallet.SeverityMedium:   0xF1C40F,
	wallet.SeverityHigh:     0xE67E22,
	wallet.SeverityCritical: 0xE74C3C,
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       severityColors[notification.Severity],
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	fields := []map[string]interface{}{
		{"name": "Component", "value": notification.Component, "inline": true},
	}
	if notification.Wallet != "" {
		fields = append(fields, map[string]interface{}{
			"name": "Wallet", "value": notification.Wallet, "inline": true,
		})
	}
	embed["fields"] = fields

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
