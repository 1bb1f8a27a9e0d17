// Package risk implements order admission control. Every strategy signal
// passes through the Manager, which either rejects it with a typed reason or
// sizes it into a broker-agnostic order. Rejections are normal operation,
// not errors.
package risk

import (
	"log/slog"
	"sync"

	"atlas/internal/domain"
	"atlas/internal/portfolio"
)

// Compile-time interface check: closed trades feed the circuit breaker.
var _ portfolio.TradeRecorder = (*Manager)(nil)

// Manager validates signals against risk limits and live portfolio state.
// The daily-loss disable is sticky: once tripped, trading stays off until
// Enable is called. The circuit breaker trips after a configured number of
// consecutive losing closes and requires an explicit reset.
type Manager struct {
	portfolio *portfolio.Portfolio
	limits    domain.RiskLimits

	mu                   sync.Mutex
	tradingEnabled       bool
	circuitBreakerActive bool
	consecutiveLosses    int
	symbolVolumes        map[string]float64

	log *slog.Logger
}

// NewManager creates a Manager guarding the given portfolio with the given
// limits.
func NewManager(p *portfolio.Portfolio, limits domain.RiskLimits) *Manager {
	return &Manager{
		portfolio:      p,
		limits:         limits,
		tradingEnabled: true,
		symbolVolumes:  make(map[string]float64),
		log:            slog.Default().With("component", "risk"),
	}
}

// Limits returns the configured risk limits. Limits are configuration and
// never change at runtime.
func (m *Manager) Limits() domain.RiskLimits {
	return m.limits
}

// TradingEnabled reports whether new entries are currently admitted.
func (m *Manager) TradingEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradingEnabled
}

// CircuitBreakerActive reports whether the consecutive-loss breaker has
// tripped.
func (m *Manager) CircuitBreakerActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.circuitBreakerActive
}

// ConsecutiveLosses returns the current losing streak length.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveLosses
}

// Enable re-admits trading after a manual or daily-loss disable.
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradingEnabled = true
}

// Disable halts admission of new orders. Open positions are unaffected.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradingEnabled = false
}

// ResetCircuitBreaker clears the breaker and the loss streak.
func (m *Manager) ResetCircuitBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitBreakerActive = false
	m.consecutiveLosses = 0
	m.log.Info("circuit breaker reset")
}

// UpdateSymbolVolume caches the average daily volume for a symbol, used by
// the liquidity check. Symbols never reported pass the check.
func (m *Manager) UpdateSymbolVolume(symbol string, avgVolume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbolVolumes[symbol] = avgVolume
}

// ValidateSignal runs the admission checks in a fixed order and, on
// approval, returns the sized order. Exactly one rejection reason accompanies
// every rejection. HOLD signals and CLOSE signals for flat symbols are
// dropped without a reason: they are no-ops, not rejections.
func (m *Manager) ValidateSignal(signal domain.Signal) (bool, *domain.Order, domain.RejectionReason) {
	if signal.Action == domain.ActionHold {
		return false, nil, domain.RejectNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tradingEnabled {
		return false, nil, domain.RejectTradingDisabled
	}
	if m.circuitBreakerActive {
		return false, nil, domain.RejectCircuitBreakerActive
	}

	// One consistent read of the portfolio for every remaining check.
	snap := m.portfolio.Snapshot()

	if snap.Account.DailyPnLPct <= -m.limits.DailyLossLimitPct {
		m.tradingEnabled = false
		m.log.Warn("daily loss limit hit, trading disabled",
			"dailyPnLPct", snap.Account.DailyPnLPct,
			"limit", m.limits.DailyLossLimitPct,
		)
		return false, nil, domain.RejectDailyLossLimitHit
	}

	if signal.Action == domain.ActionClose {
		return m.closeOrder(signal, snap)
	}

	_, held := snap.Positions[signal.Symbol]
	if len(snap.Positions) >= m.limits.MaxPositions && !held {
		return false, nil, domain.RejectMaxPositionsReached
	}

	if signal.EntryPrice <= 0 || signal.SizePct <= 0 {
		// Entries cannot be sized without a price.
		return false, nil, domain.RejectPositionSizeExceeded
	}

	notional := signal.SizePct * snap.Account.Equity
	quantity := notional / signal.EntryPrice
	if quantity <= 0 {
		return false, nil, domain.RejectPositionSizeExceeded
	}

	if notional > m.limits.MaxPositionSizePct*snap.Account.Equity {
		return false, nil, domain.RejectPositionSizeExceeded
	}
	exposure := 0.0
	for _, pos := range snap.Positions {
		exposure += pos.Notional()
	}
	if exposure+notional > m.limits.MaxTotalExposurePct*snap.Account.Equity {
		return false, nil, domain.RejectPositionSizeExceeded
	}

	if volume, known := m.symbolVolumes[signal.Symbol]; known && volume < float64(m.limits.MinAvgVolume) {
		return false, nil, domain.RejectInsufficientLiquidity
	}

	side := domain.OrderSideBuy
	if signal.Action == domain.ActionSell {
		side = domain.OrderSideSell
	}
	order := &domain.Order{
		Symbol:       signal.Symbol,
		Side:         side,
		Quantity:     quantity,
		Type:         domain.OrderTypeLimit,
		LimitPrice:   signal.EntryPrice,
		TimeInForce:  domain.TimeInForceDay,
		StopLoss:     signal.StopLoss,
		TakeProfit:   signal.TakeProfit,
		StrategyName: signal.StrategyName,
		Reasoning:    signal.Reasoning,
	}
	return true, order, domain.RejectNone
}

// closeOrder builds a market order unwinding the held position. Called with
// m.mu held.
func (m *Manager) closeOrder(signal domain.Signal, snap portfolio.Snapshot) (bool, *domain.Order, domain.RejectionReason) {
	pos, held := snap.Positions[signal.Symbol]
	if !held {
		return false, nil, domain.RejectNone
	}

	side := domain.OrderSideSell
	if pos.Side == domain.PositionSideShort {
		side = domain.OrderSideBuy
	}
	order := &domain.Order{
		Symbol:       signal.Symbol,
		Side:         side,
		Quantity:     pos.Quantity,
		Type:         domain.OrderTypeMarket,
		TimeInForce:  domain.TimeInForceDay,
		StrategyName: signal.StrategyName,
		Reasoning:    signal.Reasoning,
	}
	return true, order, domain.RejectNone
}

// RecordTradeResult feeds a closed trade into the circuit-breaker counter.
// A losing close extends the streak; a winning or flat close resets it. The
// breaker trips when the streak reaches the configured threshold.
func (m *Manager) RecordTradeResult(symbol string, realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if realizedPnL < 0 {
		m.consecutiveLosses++
		if m.consecutiveLosses >= m.limits.CircuitBreakerLosses && !m.circuitBreakerActive {
			m.circuitBreakerActive = true
			m.log.Warn("circuit breaker tripped",
				"symbol", symbol,
				"consecutiveLosses", m.consecutiveLosses,
			)
		}
		return
	}
	m.consecutiveLosses = 0
}
