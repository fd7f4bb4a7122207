package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/wallet"
)

func TestWSHubBroadcastsEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(nil, zerolog.Nop())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws/events", hub.ServeWS)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	var welcome map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("Failed to read welcome: %v", err)
	}
	if welcome["type"] != "CONNECTED" {
		t.Errorf("Expected CONNECTED welcome, got %v", welcome["type"])
	}
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("Expected 1 client, got %d", hub.ClientCount())
	}

	hub.HandleEvent(events.Event{
		Type:      events.EventExclusionAdded,
		Wallet:    "0xabc",
		Component: events.ComponentRedFlag,
		Severity:  wallet.SeverityHigh,
		Reason:    "new wallet placed a large bet",
	})

	var got map[string]interface{}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if got["type"] != string(events.EventExclusionAdded) {
		t.Errorf("Expected %s, got %v", events.EventExclusionAdded, got["type"])
	}
	if got["component"] != events.ComponentRedFlag {
		t.Errorf("Expected component %s, got %v", events.ComponentRedFlag, got["component"])
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows any", nil, "https://evil.example", true},
		{"wildcard allows any", []string{"*"}, "https://evil.example", true},
		{"listed origin", []string{"https://ops.example"}, "https://ops.example", true},
		{"unlisted origin", []string{"https://ops.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://ops.example"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.allowed)(req); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
