// Package broker defines the Broker interface and provides implementations
// for executing orders and managing accounts across different brokerages.
package broker

import (
	"context"

	"atlas/internal/domain"
)

// Broker abstracts brokerage operations for order execution, account
// management, and market data access.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// Connect establishes the broker session.
	Connect(ctx context.Context) error

	// Disconnect tears down the broker session.
	Disconnect(ctx context.Context) error

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.Account, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetPosition returns the position for a symbol, or nil if none is held.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// GetBars returns up to limit recent bars for the symbol, ordered
	// oldest-first (most recent last).
	GetBars(ctx context.Context, symbol string, limit int) ([]domain.Bar, error)

	// GetQuote returns the current bid/ask for the symbol. Ask is always
	// strictly greater than Bid.
	GetQuote(ctx context.Context, symbol string) (*domain.Quote, error)

	// PlaceOrder submits an order for execution and returns the broker's
	// view of it, including the broker-assigned order id.
	PlaceOrder(ctx context.Context, order domain.Order) (*domain.TrackedOrder, error)

	// CancelOrder requests cancellation of an open order. It returns true
	// when the cancellation took effect and false when the order was no
	// longer cancellable (already filled or terminal); neither is an error.
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// GetOrder retrieves a single order by its broker id.
	GetOrder(ctx context.Context, orderID string) (*domain.TrackedOrder, error)

	// GetOrders returns orders filtered by status; an empty status returns
	// all orders.
	GetOrders(ctx context.Context, status domain.OrderStatus) ([]domain.TrackedOrder, error)
}

// FillFunc receives asynchronous fill events from a broker. Events for a
// single order arrive in fill order; there is no ordering guarantee across
// orders.
type FillFunc func(brokerOrderID string, qty, price float64, complete bool)

// FillStream is implemented by brokers that push fill events instead of
// requiring callers to poll order status.
type FillStream interface {
	// OnFill registers the handler invoked for every fill event.
	OnFill(fn FillFunc)
}
