// Package portfolio tracks open positions and account state. The Portfolio
// is the single serialization point for position mutation: every read of
// portfolio-wide aggregates (equity, exposure, daily PnL) sees a consistent
// snapshot.
package portfolio

import (
	"log/slog"
	"sync"

	"atlas/internal/domain"
)

// TradeRecorder receives the outcome of every closed position. The risk
// manager implements it to drive the circuit-breaker counter; the
// collaboration is explicit so closing a position is the single point where
// wins and losses feed risk state.
type TradeRecorder interface {
	RecordTradeResult(symbol string, realizedPnL float64)
}

// CloseResult is the realized outcome of closing a position.
type CloseResult struct {
	Symbol         string
	Quantity       float64
	EntryPrice     float64
	ExitPrice      float64
	RealizedPnL    float64
	RealizedPnLPct float64
}

// Snapshot is a consistent point-in-time copy of the portfolio, taken under
// one lock acquisition so risk validation never observes a half-updated
// book.
type Snapshot struct {
	Account   domain.AccountState
	Positions map[string]domain.Position
}

// Portfolio owns the set of open positions and the account state. One
// position per symbol; adding a second position for a held symbol is
// rejected rather than silently merged.
type Portfolio struct {
	mu             sync.Mutex
	account        domain.AccountState
	positions      map[string]*domain.Position
	dayStartEquity float64

	recorder TradeRecorder
	log      *slog.Logger
}

// New creates a Portfolio with the given starting cash.
func New(initialBalance float64) *Portfolio {
	return &Portfolio{
		account: domain.AccountState{
			Cash:           initialBalance,
			Equity:         initialBalance,
			InitialBalance: initialBalance,
		},
		positions:      make(map[string]*domain.Position),
		dayStartEquity: initialBalance,
		log:            slog.Default().With("component", "portfolio"),
	}
}

// SetRecorder registers the trade-result recorder invoked after each close.
func (p *Portfolio) SetRecorder(r TradeRecorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder = r
}

// AddPosition opens a position, reserving its cost from cash. It returns
// false if a position for the symbol already exists or the quantity is not
// positive.
func (p *Portfolio) AddPosition(pos domain.Position) bool {
	if pos.Quantity <= 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.positions[pos.Symbol]; held {
		p.log.Warn("duplicate position rejected", "symbol", pos.Symbol)
		return false
	}

	cp := pos
	if cp.CurrentPrice == 0 {
		cp.UpdatePrice(cp.EntryPrice)
	}
	p.positions[cp.Symbol] = &cp
	p.account.Cash -= cp.EntryPrice * cp.Quantity
	p.recomputeLocked()

	p.log.Info("position opened",
		"symbol", cp.Symbol,
		"side", cp.Side,
		"quantity", cp.Quantity,
		"entryPrice", cp.EntryPrice,
	)
	return true
}

// UpdatePrice revalues the position for symbol at the given price. Unknown
// symbols are ignored.
func (p *Portfolio) UpdatePrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, held := p.positions[symbol]
	if !held {
		return
	}
	pos.UpdatePrice(price)
	p.recomputeLocked()
}

// ClosePosition removes the position, realizes its PnL into the account, and
// reports the result to the registered TradeRecorder. The recorder runs
// after the portfolio lock is released so it may consult the portfolio
// freely. Returns false if no position exists for the symbol.
func (p *Portfolio) ClosePosition(symbol string, exitPrice float64) (CloseResult, bool) {
	p.mu.Lock()
	pos, held := p.positions[symbol]
	if !held {
		p.mu.Unlock()
		return CloseResult{}, false
	}

	pos.UpdatePrice(exitPrice)
	result := CloseResult{
		Symbol:         symbol,
		Quantity:       pos.Quantity,
		EntryPrice:     pos.EntryPrice,
		ExitPrice:      exitPrice,
		RealizedPnL:    pos.UnrealizedPnL,
		RealizedPnLPct: pos.UnrealizedPnLPct,
	}

	delete(p.positions, symbol)
	p.account.Cash += pos.EntryPrice*pos.Quantity + result.RealizedPnL
	p.account.RealizedPnL += result.RealizedPnL
	p.recomputeLocked()
	recorder := p.recorder
	p.mu.Unlock()

	p.log.Info("position closed",
		"symbol", symbol,
		"exitPrice", exitPrice,
		"realizedPnL", result.RealizedPnL,
	)

	if recorder != nil {
		recorder.RecordTradeResult(symbol, result.RealizedPnL)
	}
	return result, true
}

// Position returns a copy of the open position for symbol, or false.
func (p *Portfolio) Position(symbol string) (domain.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, held := p.positions[symbol]
	if !held {
		return domain.Position{}, false
	}
	return *pos, true
}

// PositionCount returns the number of open positions.
func (p *Portfolio) PositionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

// TotalExposure returns the summed notional value of all open positions.
func (p *Portfolio) TotalExposure() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exposureLocked()
}

// Account returns a copy of the current account state.
func (p *Portfolio) Account() domain.AccountState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}

// Snapshot returns a consistent copy of the account and all positions under
// a single lock acquisition.
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	positions := make(map[string]domain.Position, len(p.positions))
	for symbol, pos := range p.positions {
		positions[symbol] = *pos
	}
	return Snapshot{Account: p.account, Positions: positions}
}

// ResetDaily rebases the daily PnL figures at the current equity. Called at
// a session boundary by the engine, not on a timer inside the portfolio.
func (p *Portfolio) ResetDaily() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dayStartEquity = p.account.Equity
	p.account.DailyPnL = 0
	p.account.DailyPnLPct = 0
}

// exposureLocked sums position notionals at their current prices.
func (p *Portfolio) exposureLocked() float64 {
	total := 0.0
	for _, pos := range p.positions {
		total += pos.Notional()
	}
	return total
}

// recomputeLocked rederives equity and daily PnL after any mutation.
// equity = cash + sum(position market value).
func (p *Portfolio) recomputeLocked() {
	equity := p.account.Cash
	for _, pos := range p.positions {
		equity += pos.MarketValue()
	}
	p.account.Equity = equity
	p.account.DailyPnL = equity - p.dayStartEquity
	if p.dayStartEquity > 0 {
		p.account.DailyPnLPct = p.account.DailyPnL / p.dayStartEquity
	} else {
		p.account.DailyPnLPct = 0
	}
}
