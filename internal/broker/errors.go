package broker

import (
	"errors"
	"fmt"
)

// Broker faults are a small closed set of typed errors so callers branch on
// kind rather than message text. The order-placement subfamily additionally
// implements OrderError, letting callers handle all placement failures
// uniformly with errors.As.

// ConnectionError indicates a transient connectivity fault. Operations
// failing with ConnectionError are safe to retry.
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: connection error: %v", e.Broker, e.Err)
	}
	return fmt.Sprintf("%s: connection error", e.Broker)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError indicates rejected credentials. Not retryable.
type AuthenticationError struct {
	Broker string
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Broker, e.Reason)
}

// OrderError is the family of order-placement failures. Every concrete
// placement error implements it.
type OrderError interface {
	error
	orderError()
}

// InvalidOrderError indicates malformed order parameters.
type InvalidOrderError struct {
	Symbol string
	Reason string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid order for %s: %s", e.Symbol, e.Reason)
}

func (e *InvalidOrderError) orderError() {}

// InsufficientFundsError indicates the order notional exceeds buying power.
type InsufficientFundsError struct {
	Symbol    string
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: need $%.2f, have $%.2f",
		e.Symbol, e.Required, e.Available)
}

func (e *InsufficientFundsError) orderError() {}

// MarketClosedError indicates the order was placed outside trading hours.
type MarketClosedError struct {
	Broker string
}

func (e *MarketClosedError) Error() string {
	return fmt.Sprintf("%s: market is closed", e.Broker)
}

func (e *MarketClosedError) orderError() {}

// SymbolNotFoundError indicates an unknown or untradable symbol.
type SymbolNotFoundError struct {
	Symbol string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol not found: %s", e.Symbol)
}

func (e *SymbolNotFoundError) orderError() {}

// IsTransient reports whether the error is a retryable connectivity fault.
func IsTransient(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsOrderError reports whether the error belongs to the order-placement
// family.
func IsOrderError(err error) bool {
	var oe OrderError
	return errors.As(err, &oe)
}
