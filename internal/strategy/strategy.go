// Package strategy defines the Strategy interface for trading strategies and
// provides a SignalGenerator that fans feature snapshots out to a registered
// set of strategies.
package strategy

import (
	"log/slog"

	"atlas/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// GenerateSignals maps a feature snapshot plus the current open
	// positions to zero or more trading signals. positions is keyed by
	// symbol.
	GenerateSignals(symbol string, features domain.FeatureSet, positions map[string]domain.Position) []domain.Signal
}

// SignalGenerator holds an ordered collection of registered strategies and
// concatenates their signals. Strategies are invoked in registration order so
// the output sequence is reproducible.
type SignalGenerator struct {
	strategies []Strategy
	log        *slog.Logger
}

// NewSignalGenerator creates an empty SignalGenerator.
func NewSignalGenerator() *SignalGenerator {
	return &SignalGenerator{
		log: slog.Default().With("component", "signals"),
	}
}

// Register appends a strategy to the generator. Registering the same
// strategy twice invokes it twice.
func (g *SignalGenerator) Register(s Strategy) {
	g.strategies = append(g.strategies, s)
}

// Strategies returns the registered strategy names in registration order.
func (g *SignalGenerator) Strategies() []string {
	names := make([]string, 0, len(g.strategies))
	for _, s := range g.strategies {
		names = append(names, s.Name())
	}
	return names
}

// GenerateSignals invokes every registered strategy with the snapshot and
// concatenates the results in registration order.
func (g *SignalGenerator) GenerateSignals(symbol string, features domain.FeatureSet, positions map[string]domain.Position) []domain.Signal {
	var signals []domain.Signal
	for _, s := range g.strategies {
		out := s.GenerateSignals(symbol, features, positions)
		if len(out) > 0 {
			g.log.Debug("strategy produced signals",
				"strategy", s.Name(),
				"symbol", symbol,
				"count", len(out),
			)
		}
		signals = append(signals, out...)
	}
	return signals
}
