// Package store persists market data used to warm up the trading engine:
// daily bars cached between sessions so liquidity checks and indicator
// pipelines do not refetch history on every start.
package store

import (
	"context"
	"time"

	"atlas/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars, merging with any already stored.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the symbol within [start, end], ordered
	// oldest first.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}
