package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.expected, got)
		}
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, closer := New(&Config{Level: "INFO", Output: path, JSONFormat: true, Component: "test"})
	logger.Info().Str("wallet", "0xabc").Msg("hello")
	logger.Debug().Msg("filtered")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"message":"hello"`) || !strings.Contains(out, `"component":"test"`) {
		t.Errorf("Expected JSON log line with component, got %s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Error("Expected debug line to be filtered at INFO level")
	}
}

func TestTradeContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx, _ := TradeContext(context.Background(), base, "0xabc", "t-1")
	FromContext(ctx).Info().Msg("processing")

	out := buf.String()
	if !strings.Contains(out, `"trace_id"`) || !strings.Contains(out, `"trade_id":"t-1"`) {
		t.Errorf("Expected context logger fields, got %s", out)
	}
}
