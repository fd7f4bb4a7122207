package recorder

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"wallet-copy-trader/internal/sizing"
	"wallet-copy-trader/internal/wallet"
)

// SQLiteRecorder writes the audit trail to a SQLite database.
type SQLiteRecorder struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string, logger zerolog.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets dashboards read while the pipeline writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, logger: logger.With().Str("component", "recorder").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.logger.Info().Str("path", dbPath).Msg("SQLite recorder opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sizing_decisions (
			id                  TEXT PRIMARY KEY,
			timestamp           INTEGER NOT NULL,
			address             TEXT NOT NULL,
			category            TEXT,
			tier                TEXT,
			composite           REAL,
			original_amount_usd REAL,
			volatility          REAL,
			account_balance     REAL,
			base                REAL,
			quality_mult        REAL,
			trade_mult          REAL,
			risk_mult           REAL,
			category_mult       REAL,
			behavior_mult       REAL,
			raw                 REAL,
			portfolio_cap       REAL,
			absolute_cap        REAL,
			tier_headroom       REAL,
			wallet_exposure     REAL,
			capped              REAL,
			final               REAL,
			binding             TEXT,
			skipped             INTEGER,
			reason              TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_address_ts ON sizing_decisions(address, timestamp)`,

		`CREATE TABLE IF NOT EXISTS trade_outcomes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   INTEGER NOT NULL,
			decision_id TEXT,
			address     TEXT NOT NULL,
			category    TEXT,
			amount_usd  REAL,
			pnl_usd     REAL,
			success     INTEGER,
			error       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_ts ON trade_outcomes(timestamp)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// RecordDecision stores every multiplier and cap of a sizing decision.
func (r *SQLiteRecorder) RecordDecision(d *sizing.PositionSizeDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT OR REPLACE INTO sizing_decisions
		(id, timestamp, address, category, tier, composite,
		 original_amount_usd, volatility, account_balance,
		 base, quality_mult, trade_mult, risk_mult, category_mult, behavior_mult, raw,
		 portfolio_cap, absolute_cap, tier_headroom, wallet_exposure,
		 capped, final, binding, skipped, reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.DecidedAt.UnixNano(), d.Address, string(d.Category), string(d.Tier), d.Composite,
		d.OriginalAmountUSD, d.Volatility, d.AccountBalance,
		d.Base, d.QualityMult, d.TradeMult, d.RiskMult, d.CategoryMult, d.BehaviorMult, d.Raw,
		d.PortfolioCap, d.AbsoluteCap, d.TierHeadroom, d.WalletExposure,
		d.Capped, d.Final, string(d.Binding), d.Skipped, d.Reason,
	)
	return err
}

// RecordOutcome stores an execution result.
func (r *SQLiteRecorder) RecordOutcome(o *TradeOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.Exec(`INSERT INTO trade_outcomes
		(timestamp, decision_id, address, category, amount_usd, pnl_usd, success, error)
		VALUES (?,?,?,?,?,?,?,?)`,
		at.UnixNano(), o.DecisionID, o.Address, o.Category, o.AmountUSD, o.PnLUSD, o.Success, o.Error,
	)
	return err
}

// RecentDecisions returns the newest decisions for a wallet, newest first.
func (r *SQLiteRecorder) RecentDecisions(address string, limit int) ([]sizing.PositionSizeDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT id, timestamp, address, category, tier, composite,
		original_amount_usd, base, quality_mult, trade_mult, risk_mult, category_mult, behavior_mult, raw,
		portfolio_cap, absolute_cap, tier_headroom, capped, final, binding, skipped, reason
		FROM sizing_decisions WHERE address = ? ORDER BY timestamp DESC LIMIT ?`, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sizing.PositionSizeDecision
	for rows.Next() {
		var (
			d        sizing.PositionSizeDecision
			ts       int64
			category string
			tier     string
			binding  string
			reason   sql.NullString
		)
		if err := rows.Scan(&d.ID, &ts, &d.Address, &category, &tier, &d.Composite,
			&d.OriginalAmountUSD, &d.Base, &d.QualityMult, &d.TradeMult, &d.RiskMult, &d.CategoryMult, &d.BehaviorMult, &d.Raw,
			&d.PortfolioCap, &d.AbsoluteCap, &d.TierHeadroom, &d.Capped, &d.Final, &binding, &d.Skipped, &reason); err != nil {
			return nil, err
		}
		d.DecidedAt = time.Unix(0, ts).UTC()
		d.Category = wallet.Category(category)
		d.Tier = wallet.Tier(tier)
		d.Binding = sizing.BindingConstraint(binding)
		d.Reason = reason.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	r.logger.Info().Msg("Closing SQLite recorder")
	return r.db.Close()
}
