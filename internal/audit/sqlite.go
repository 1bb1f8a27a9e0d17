package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"atlas/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Sink = (*SQLiteSink)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS trading_sessions (
	id TEXT PRIMARY KEY,
	start_time TEXT NOT NULL,
	end_time TEXT,
	mode TEXT NOT NULL,
	strategy_name TEXT,
	initial_balance REAL NOT NULL,
	final_balance REAL,
	total_trades INTEGER DEFAULT 0,
	pnl REAL DEFAULT 0.0,
	max_drawdown REAL DEFAULT 0.0,
	win_rate REAL DEFAULT 0.0
);

CREATE TABLE IF NOT EXISTS order_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	status TEXT NOT NULL,
	quantity REAL NOT NULL,
	filled_quantity REAL NOT NULL,
	average_fill_price REAL NOT NULL,
	timestamp TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES trading_sessions (id)
);

CREATE TABLE IF NOT EXISTS position_snapshots (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	entry_price REAL NOT NULL,
	current_price REAL NOT NULL,
	unrealized_pnl REAL NOT NULL,
	stop_loss REAL,
	take_profit REAL,
	timestamp TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES trading_sessions (id)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES trading_sessions (id)
);

CREATE INDEX IF NOT EXISTS idx_order_events_session ON order_events (session_id);
CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events (order_id);
CREATE INDEX IF NOT EXISTS idx_position_snapshots_session ON position_snapshots (session_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events (session_id);
`

// SQLiteSink persists the audit stream in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// OpenSession records the start of a session and returns its id.
func (s *SQLiteSink) OpenSession(ctx context.Context, mode, strategyName string, initialBalance float64) (string, error) {
	sessionID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_sessions (id, start_time, mode, strategy_name, initial_balance)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, now(), mode, strategyName, initialBalance,
	)
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	return sessionID, nil
}

// CloseSession records the end of a session with its final statistics.
func (s *SQLiteSink) CloseSession(ctx context.Context, sessionID string, summary SessionSummary) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trading_sessions SET
			end_time = ?, final_balance = ?, total_trades = ?,
			pnl = ?, max_drawdown = ?, win_rate = ?
		WHERE id = ?`,
		now(), summary.FinalBalance, summary.TotalTrades,
		summary.PnL, summary.MaxDrawdown, summary.WinRate, sessionID,
	)
	if err != nil {
		return fmt.Errorf("closing session %s: %w", sessionID, err)
	}
	return nil
}

// RecordOrderEvent appends one order lifecycle event.
func (s *SQLiteSink) RecordOrderEvent(ctx context.Context, sessionID, eventType string, order domain.TrackedOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_events (
			id, session_id, order_id, event_type, symbol, side, order_type,
			status, quantity, filled_quantity, average_fill_price, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, order.OrderID, eventType,
		order.Symbol, string(order.Side), string(order.Type),
		string(order.Status), order.Quantity, order.FilledQuantity,
		order.AverageFillPrice, now(),
	)
	if err != nil {
		return fmt.Errorf("recording order event: %w", err)
	}
	return nil
}

// RecordPositionSnapshot appends the current state of a position.
func (s *SQLiteSink) RecordPositionSnapshot(ctx context.Context, sessionID string, position domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO position_snapshots (
			id, session_id, symbol, side, quantity, entry_price,
			current_price, unrealized_pnl, stop_loss, take_profit, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, position.Symbol, string(position.Side),
		position.Quantity, position.EntryPrice, position.CurrentPrice,
		position.UnrealizedPnL, position.StopLoss, position.TakeProfit, now(),
	)
	if err != nil {
		return fmt.Errorf("recording position snapshot: %w", err)
	}
	return nil
}

// RecordEvent appends a free-form audit event. The payload is stored as
// JSON.
func (s *SQLiteSink) RecordEvent(ctx context.Context, sessionID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, session_id, event_type, event_data, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, eventType, string(data), now(),
	)
	if err != nil {
		return fmt.Errorf("recording audit event: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
