package broker

import (
	"errors"
	"fmt"
	"testing"
)

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("connecting: %w", &ConnectionError{Broker: "alpaca", Err: cause})

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatal("errors.As failed to find ConnectionError through wrapping")
	}
	if connErr.Broker != "alpaca" {
		t.Errorf("Broker = %q, want alpaca", connErr.Broker)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is failed to find the wrapped cause")
	}
	if !IsTransient(err) {
		t.Error("wrapped ConnectionError should be transient")
	}
}

func TestOrderErrorFamily(t *testing.T) {
	orderErrs := []error{
		&InvalidOrderError{Symbol: "AAPL", Reason: "bad quantity"},
		&InsufficientFundsError{Symbol: "AAPL", Required: 1000, Available: 500},
		&MarketClosedError{Broker: "simulator"},
		&SymbolNotFoundError{Symbol: "NOPE"},
	}
	for _, err := range orderErrs {
		if !IsOrderError(err) {
			t.Errorf("%T should satisfy IsOrderError", err)
		}
		if IsTransient(err) {
			t.Errorf("%T should not be transient", err)
		}
		// Wrapped order errors still match the family.
		if !IsOrderError(fmt.Errorf("placing order: %w", err)) {
			t.Errorf("wrapped %T should satisfy IsOrderError", err)
		}
	}
}

func TestNonOrderErrors(t *testing.T) {
	others := []error{
		&ConnectionError{Broker: "alpaca"},
		&AuthenticationError{Broker: "alpaca", Reason: "bad key"},
		errors.New("something else"),
		nil,
	}
	for _, err := range others {
		if IsOrderError(err) {
			t.Errorf("%T should not satisfy IsOrderError", err)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&InsufficientFundsError{Symbol: "AAPL", Required: 1500, Available: 1000}, "insufficient funds for AAPL: need $1500.00, have $1000.00"},
		{&SymbolNotFoundError{Symbol: "NOPE"}, "symbol not found: NOPE"},
		{&MarketClosedError{Broker: "simulator"}, "simulator: market is closed"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}
