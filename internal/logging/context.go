package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TradeContext attaches a trace id and wallet fields to ctx so every log line
// emitted while processing one observed trade can be correlated.
func TradeContext(ctx context.Context, logger zerolog.Logger, walletAddress, tradeID string) (context.Context, zerolog.Logger) {
	l := logger.With().
		Str("trace_id", uuid.NewString()).
		Str("wallet", walletAddress).
		Str("trade_id", tradeID).
		Logger()
	return l.WithContext(ctx), l
}

// FromContext retrieves the logger from context, falling back to the
// disabled logger zerolog returns for contexts without one.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
