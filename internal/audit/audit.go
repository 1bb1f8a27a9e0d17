// Package audit persists trading sessions and their event trail. The sink
// is write-only from the trading core's perspective: nothing in the
// decision path ever reads back from it, so a degraded sink reduces to lost
// history, never to halted trading.
package audit

import (
	"context"

	"atlas/internal/domain"
)

// Order lifecycle event types.
const (
	OrderEventCreated   = "created"
	OrderEventSubmitted = "submitted"
	OrderEventFilled    = "filled"
	OrderEventCancelled = "cancelled"
	OrderEventRejected  = "rejected"
	OrderEventExpired   = "expired"
)

// SessionSummary carries the closing statistics of a trading session.
type SessionSummary struct {
	FinalBalance float64
	TotalTrades  int
	PnL          float64
	MaxDrawdown  float64
	WinRate      float64
}

// Sink receives the audit stream of a trading session.
type Sink interface {
	// OpenSession records the start of a session and returns its id.
	OpenSession(ctx context.Context, mode, strategyName string, initialBalance float64) (string, error)

	// CloseSession records the end of a session with its final statistics.
	CloseSession(ctx context.Context, sessionID string, summary SessionSummary) error

	// RecordOrderEvent appends one order lifecycle event.
	RecordOrderEvent(ctx context.Context, sessionID, eventType string, order domain.TrackedOrder) error

	// RecordPositionSnapshot appends the current state of a position.
	RecordPositionSnapshot(ctx context.Context, sessionID string, position domain.Position) error

	// RecordEvent appends a free-form audit event with a structured payload.
	RecordEvent(ctx context.Context, sessionID, eventType string, payload any) error

	// Close releases the sink's resources.
	Close() error
}

// Compile-time interface check.
var _ Sink = (*NopSink)(nil)

// NopSink discards everything. Used when auditing is disabled and in tests.
type NopSink struct{}

// OpenSession returns a fixed session id.
func (NopSink) OpenSession(context.Context, string, string, float64) (string, error) {
	return "nop", nil
}

// CloseSession discards the summary.
func (NopSink) CloseSession(context.Context, string, SessionSummary) error { return nil }

// RecordOrderEvent discards the event.
func (NopSink) RecordOrderEvent(context.Context, string, string, domain.TrackedOrder) error {
	return nil
}

// RecordPositionSnapshot discards the snapshot.
func (NopSink) RecordPositionSnapshot(context.Context, string, domain.Position) error { return nil }

// RecordEvent discards the event.
func (NopSink) RecordEvent(context.Context, string, string, any) error { return nil }

// Close is a no-op.
func (NopSink) Close() error { return nil }
