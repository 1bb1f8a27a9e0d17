package risk

import (
	"testing"
	"time"

	"atlas/internal/domain"
	"atlas/internal/portfolio"
)

func buySignal(symbol string, sizePct, entry float64) domain.Signal {
	return domain.Signal{
		Symbol:       symbol,
		Action:       domain.ActionBuy,
		Confidence:   0.8,
		SizePct:      sizePct,
		Reasoning:    "test signal",
		Timestamp:    time.Now(),
		StrategyName: "test",
		EntryPrice:   entry,
		StopLoss:     entry * 0.98,
		TakeProfit:   entry * 1.03,
	}
}

func newManager(balance float64) (*Manager, *portfolio.Portfolio) {
	p := portfolio.New(balance)
	m := NewManager(p, domain.DefaultRiskLimits())
	p.SetRecorder(m)
	return m, p
}

func openPosition(t *testing.T, p *portfolio.Portfolio, symbol string, qty, entry float64) {
	t.Helper()
	ok := p.AddPosition(domain.Position{
		Symbol:     symbol,
		Side:       domain.PositionSideLong,
		Quantity:   qty,
		EntryPrice: entry,
		EntryTime:  time.Now(),
	})
	if !ok {
		t.Fatalf("AddPosition(%s) failed", symbol)
	}
}

func TestValidateSignalApproved(t *testing.T) {
	m, _ := newManager(100_000)
	m.UpdateSymbolVolume("AAPL", 2_000_000)

	approved, order, reason := m.ValidateSignal(buySignal("AAPL", 0.01, 150))
	if !approved {
		t.Fatalf("rejected with %s, want approval", reason)
	}
	if order == nil {
		t.Fatal("approved without an order")
	}
	if order.Symbol != "AAPL" || order.Side != domain.OrderSideBuy {
		t.Errorf("order = %+v", order)
	}
	if order.Quantity <= 0 {
		t.Errorf("Quantity = %v, want positive", order.Quantity)
	}
	// Sized as size_pct × equity / entry_price.
	want := 0.01 * 100_000 / 150
	if order.Quantity != want {
		t.Errorf("Quantity = %v, want %v", order.Quantity, want)
	}
	if order.Type != domain.OrderTypeLimit || order.LimitPrice != 150 {
		t.Errorf("order type/price = %s/%v, want limit at entry", order.Type, order.LimitPrice)
	}
}

func TestValidateSignalPositionSizeExceeded(t *testing.T) {
	m, _ := newManager(1000)
	m.UpdateSymbolVolume("AAPL", 2_000_000)

	// 100% of equity against a 1% cap.
	approved, order, reason := m.ValidateSignal(buySignal("AAPL", 1.0, 150))
	if approved || order != nil {
		t.Fatal("oversized signal was approved")
	}
	if reason != domain.RejectPositionSizeExceeded {
		t.Errorf("reason = %s, want %s", reason, domain.RejectPositionSizeExceeded)
	}
}

func TestValidateSignalExposureCap(t *testing.T) {
	p := portfolio.New(100_000)
	limits := domain.DefaultRiskLimits()
	limits.MaxPositionSizePct = 0.03
	limits.MaxTotalExposurePct = 0.05
	m := NewManager(p, limits)
	m.UpdateSymbolVolume("MSFT", 2_000_000)

	// Existing exposure of 3% plus a 3% entry breaches the 5% cap.
	openPosition(t, p, "AAPL", 30, 100) // 3000 notional
	approved, _, reason := m.ValidateSignal(buySignal("MSFT", 0.03, 100))
	if approved {
		t.Fatal("signal breaching total exposure was approved")
	}
	if reason != domain.RejectPositionSizeExceeded {
		t.Errorf("reason = %s, want %s", reason, domain.RejectPositionSizeExceeded)
	}
}

func TestDailyLossLimitSticky(t *testing.T) {
	m, p := newManager(100_000)
	m.UpdateSymbolVolume("AAPL", 2_000_000)

	// Realize a 4% daily loss against the 3% limit.
	openPosition(t, p, "XYZ", 100, 100)
	p.ClosePosition("XYZ", 60)

	approved, _, reason := m.ValidateSignal(buySignal("AAPL", 0.01, 150))
	if approved {
		t.Fatal("signal approved past the daily loss limit")
	}
	if reason != domain.RejectDailyLossLimitHit {
		t.Errorf("reason = %s, want %s", reason, domain.RejectDailyLossLimitHit)
	}
	if m.TradingEnabled() {
		t.Error("trading still enabled after daily loss limit")
	}

	// Sticky: subsequent signals reject as TRADING_DISABLED until re-enabled.
	approved, _, reason = m.ValidateSignal(buySignal("AAPL", 0.01, 150))
	if approved || reason != domain.RejectTradingDisabled {
		t.Errorf("second call: approved=%v reason=%s, want trading_disabled", approved, reason)
	}

	m.Enable()
	p.ResetDaily()
	if approved, _, _ := m.ValidateSignal(buySignal("AAPL", 0.01, 150)); !approved {
		t.Error("signal rejected after explicit re-enable and daily reset")
	}
}

func TestMaxPositionsReached(t *testing.T) {
	m, p := newManager(10_000_000)
	for _, s := range []string{"AAPL", "MSFT", "NVDA", "TSLA"} {
		m.UpdateSymbolVolume(s, 2_000_000)
	}

	openPosition(t, p, "AAPL", 10, 100)
	openPosition(t, p, "MSFT", 10, 100)
	openPosition(t, p, "NVDA", 10, 100)

	approved, _, reason := m.ValidateSignal(buySignal("TSLA", 0.0001, 100))
	if approved {
		t.Fatal("4th position approved with max_positions == 3")
	}
	if reason != domain.RejectMaxPositionsReached {
		t.Errorf("reason = %s, want %s", reason, domain.RejectMaxPositionsReached)
	}
}

func TestInsufficientLiquidity(t *testing.T) {
	m, _ := newManager(100_000)
	m.UpdateSymbolVolume("THIN", 50_000) // below the 1M floor

	approved, _, reason := m.ValidateSignal(buySignal("THIN", 0.01, 10))
	if approved {
		t.Fatal("illiquid symbol approved")
	}
	if reason != domain.RejectInsufficientLiquidity {
		t.Errorf("reason = %s, want %s", reason, domain.RejectInsufficientLiquidity)
	}

	// Unknown symbols pass the liquidity check.
	if approved, _, reason := m.ValidateSignal(buySignal("AAPL", 0.01, 150)); !approved {
		t.Errorf("unknown-volume symbol rejected with %s", reason)
	}
}

func TestCircuitBreaker(t *testing.T) {
	m, p := newManager(100_000_000) // large enough that losses stay under the daily limit
	m.UpdateSymbolVolume("AAPL", 2_000_000)

	// Three consecutive losing closes trip the breaker.
	for i := 0; i < 3; i++ {
		sym := string(rune('A' + i))
		openPosition(t, p, sym, 1, 100)
		p.ClosePosition(sym, 99)
	}
	if !m.CircuitBreakerActive() {
		t.Fatal("breaker not active after 3 consecutive losses")
	}

	approved, _, reason := m.ValidateSignal(buySignal("AAPL", 0.0001, 150))
	if approved || reason != domain.RejectCircuitBreakerActive {
		t.Errorf("approved=%v reason=%s, want circuit_breaker_active", approved, reason)
	}

	m.ResetCircuitBreaker()
	if m.CircuitBreakerActive() || m.ConsecutiveLosses() != 0 {
		t.Error("breaker state not cleared by reset")
	}
	if approved, _, _ := m.ValidateSignal(buySignal("AAPL", 0.0001, 150)); !approved {
		t.Error("signal rejected after breaker reset")
	}
}

func TestWinResetsLossStreak(t *testing.T) {
	m, p := newManager(100_000_000)

	openPosition(t, p, "A", 1, 100)
	p.ClosePosition("A", 99)
	openPosition(t, p, "B", 1, 100)
	p.ClosePosition("B", 99)
	if m.ConsecutiveLosses() != 2 {
		t.Fatalf("ConsecutiveLosses = %d, want 2", m.ConsecutiveLosses())
	}

	openPosition(t, p, "C", 1, 100)
	p.ClosePosition("C", 105)
	if m.ConsecutiveLosses() != 0 {
		t.Errorf("ConsecutiveLosses = %d after a win, want 0", m.ConsecutiveLosses())
	}
	if m.CircuitBreakerActive() {
		t.Error("breaker tripped without the streak reaching the threshold")
	}
}

func TestCloseSignalBuildsMarketOrder(t *testing.T) {
	m, p := newManager(100_000)
	openPosition(t, p, "AAPL", 10, 150)

	approved, order, reason := m.ValidateSignal(domain.Signal{
		Symbol:       "AAPL",
		Action:       domain.ActionClose,
		Confidence:   0.8,
		SizePct:      1.0,
		StrategyName: "test",
	})
	if !approved {
		t.Fatalf("close signal rejected with %s", reason)
	}
	if order.Side != domain.OrderSideSell || order.Type != domain.OrderTypeMarket {
		t.Errorf("order = %+v, want market sell", order)
	}
	if order.Quantity != 10 {
		t.Errorf("Quantity = %v, want the full position of 10", order.Quantity)
	}
}

func TestCloseSignalFlatSymbolIsNoOp(t *testing.T) {
	m, _ := newManager(100_000)

	approved, order, reason := m.ValidateSignal(domain.Signal{
		Symbol: "AAPL",
		Action: domain.ActionClose,
	})
	if approved || order != nil {
		t.Fatal("close of a flat symbol produced an order")
	}
	if reason != domain.RejectNone {
		t.Errorf("reason = %s, want none (no-op, not a rejection)", reason)
	}
}

func TestHoldSignalDropped(t *testing.T) {
	m, _ := newManager(100_000)

	approved, order, reason := m.ValidateSignal(domain.Signal{
		Symbol: "AAPL",
		Action: domain.ActionHold,
	})
	if approved || order != nil || reason != domain.RejectNone {
		t.Errorf("HOLD: approved=%v order=%v reason=%s, want no-op", approved, order, reason)
	}
}

func TestEntryWithoutPriceRejected(t *testing.T) {
	m, _ := newManager(100_000)

	approved, _, reason := m.ValidateSignal(buySignal("AAPL", 0.01, 0))
	if approved {
		t.Fatal("entry without a price approved")
	}
	if reason != domain.RejectPositionSizeExceeded {
		t.Errorf("reason = %s, want %s", reason, domain.RejectPositionSizeExceeded)
	}
}

func TestHeldSymbolBypassesMaxPositions(t *testing.T) {
	p := portfolio.New(10_000_000)
	limits := domain.DefaultRiskLimits()
	limits.MaxTotalExposurePct = 1.0
	m := NewManager(p, limits)

	openPosition(t, p, "AAPL", 10, 100)
	openPosition(t, p, "MSFT", 10, 100)
	openPosition(t, p, "NVDA", 10, 100)

	// At the position cap, a signal for an already-held symbol still passes
	// the count check (it may fail later checks, but not this one).
	_, _, reason := m.ValidateSignal(buySignal("AAPL", 0.001, 100))
	if reason == domain.RejectMaxPositionsReached {
		t.Error("held symbol rejected by the position-count check")
	}
}
