package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"atlas/internal/audit"
	"atlas/internal/broker"
	"atlas/internal/domain"
	"atlas/internal/portfolio"
	"atlas/internal/risk"
	"atlas/internal/strategy"
)

// FeatureProvider supplies the indicator snapshot for a symbol. In live
// trading this is backed by the feature pipeline; tests supply a stub.
type FeatureProvider interface {
	Features(ctx context.Context, symbol string) (domain.FeatureSet, error)
}

// Config holds the trading engine's runtime settings.
type Config struct {
	Mode            string   // "simulation", "paper", or "live"
	Symbols         []string // universe to evaluate each cycle
	EvalInterval    time.Duration
	MonitorInterval time.Duration
	Execution       ExecutionConfig
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "simulation"
	}
	if c.EvalInterval <= 0 {
		c.EvalInterval = time.Minute
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
}

// TradingEngine drives the signal -> risk -> execution -> portfolio cycle.
// Strategies propose, the risk manager disposes, the execution engine
// carries admitted orders to the broker, and fills flow back into the
// portfolio. Audit failures degrade to logging; they never halt trading.
type TradingEngine struct {
	cfg       Config
	broker    broker.Broker
	portfolio *portfolio.Portfolio
	risk      *risk.Manager
	exec      *ExecutionEngine
	signals   *strategy.SignalGenerator
	features  FeatureProvider
	sink      audit.Sink
	log       *slog.Logger

	mu          sync.Mutex
	running     bool
	sessionID   string
	totalTrades int
	winTrades   int
	peakEquity  float64
	maxDrawdown float64
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New wires a trading engine from its collaborators. The portfolio's trade
// recorder is pointed at the risk manager so closed trades feed the circuit
// breaker, and broker fills are routed back through the execution engine
// into the portfolio.
func New(cfg Config, b broker.Broker, p *portfolio.Portfolio, rm *risk.Manager, sg *strategy.SignalGenerator, fp FeatureProvider, sink audit.Sink) *TradingEngine {
	cfg.applyDefaults()
	if sink == nil {
		sink = audit.NopSink{}
	}
	e := &TradingEngine{
		cfg:       cfg,
		broker:    b,
		portfolio: p,
		risk:      rm,
		exec:      NewExecutionEngine(b, cfg.Execution),
		signals:   sg,
		features:  fp,
		sink:      sink,
		log:       slog.Default().With("component", "engine"),
	}
	p.SetRecorder(rm)
	e.exec.SetFillHandler(e.onFill)
	return e
}

// Execution exposes the engine's order manager, mainly for inspection.
func (e *TradingEngine) Execution() *ExecutionEngine {
	return e.exec
}

// SessionID returns the audit session id, or empty before Start.
func (e *TradingEngine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start connects the broker, opens an audit session, and launches the
// evaluation and monitoring loops.
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.peakEquity = e.portfolio.Account().Equity
	e.mu.Unlock()

	if err := e.broker.Connect(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("connecting broker: %w", err)
	}

	account := e.portfolio.Account()
	sessionID, err := e.sink.OpenSession(ctx, e.cfg.Mode, e.strategyNames(), account.InitialBalance)
	if err != nil {
		e.log.Warn("audit session open failed, continuing without history", "error", err)
	}
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()

	e.log.Info("engine started",
		"mode", e.cfg.Mode,
		"broker", e.broker.Name(),
		"symbols", len(e.cfg.Symbols),
		"session_id", sessionID)

	e.wg.Add(2)
	go e.evalLoop(ctx)
	go e.monitorLoop(ctx)
	return nil
}

// Stop halts the loops, closes the audit session with final statistics,
// and disconnects the broker.
func (e *TradingEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	sessionID := e.sessionID
	summary := e.summaryLocked()
	e.mu.Unlock()

	e.wg.Wait()

	if sessionID != "" {
		if err := e.sink.CloseSession(ctx, sessionID, summary); err != nil {
			e.log.Warn("audit session close failed", "error", err)
		}
	}
	if err := e.broker.Disconnect(ctx); err != nil {
		e.log.Warn("broker disconnect failed", "error", err)
	}
	e.log.Info("engine stopped",
		"trades", summary.TotalTrades,
		"pnl", summary.PnL,
		"win_rate", summary.WinRate)
	return nil
}

// EmergencyStop cancels every pending order, liquidates every position at
// market, and disables further trading. It is deliberately best-effort:
// each step proceeds regardless of earlier failures.
func (e *TradingEngine) EmergencyStop(ctx context.Context) {
	e.log.Warn("emergency stop triggered")
	e.risk.Disable()

	for _, o := range e.exec.GetPendingOrders() {
		if _, err := e.exec.Cancel(ctx, o.OrderID); err != nil {
			e.log.Error("emergency cancel failed", "order_id", o.OrderID, "error", err)
		}
	}

	snap := e.portfolio.Snapshot()
	for symbol, pos := range snap.Positions {
		if err := e.submitClose(ctx, pos, "emergency stop"); err != nil {
			e.log.Error("emergency liquidation failed", "symbol", symbol, "error", err)
		}
	}

	e.recordEvent(ctx, "emergency_stop", map[string]any{
		"open_positions": len(snap.Positions),
	})
}

func (e *TradingEngine) evalLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range e.cfg.Symbols {
				if err := e.EvaluateSymbol(ctx, symbol); err != nil {
					e.log.Warn("evaluation failed", "symbol", symbol, "error", err)
				}
			}
		}
	}
}

func (e *TradingEngine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.MonitorPositions(ctx)
			e.exec.ExpireStale(ctx)
		}
	}
}

// ---------------------------------------------------------------------------
// Evaluation cycle
// ---------------------------------------------------------------------------

// EvaluateSymbol runs one full decision cycle for a symbol: fetch features,
// generate signals, pass each through risk admission, and submit admitted
// orders for execution.
func (e *TradingEngine) EvaluateSymbol(ctx context.Context, symbol string) error {
	features, err := e.features.Features(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetching features for %s: %w", symbol, err)
	}
	if len(features) == 0 {
		return nil
	}

	snap := e.portfolio.Snapshot()
	signals := e.signals.GenerateSignals(symbol, features, snap.Positions)
	for _, sig := range signals {
		e.processSignal(ctx, sig)
	}
	return nil
}

func (e *TradingEngine) processSignal(ctx context.Context, sig domain.Signal) {
	approved, order, reason := e.risk.ValidateSignal(sig)
	if !approved {
		if reason != domain.RejectNone {
			e.log.Info("signal rejected",
				"symbol", sig.Symbol,
				"action", sig.Action,
				"strategy", sig.StrategyName,
				"reason", reason)
			e.recordEvent(ctx, "signal_rejected", map[string]any{
				"symbol":   sig.Symbol,
				"action":   string(sig.Action),
				"strategy": sig.StrategyName,
				"reason":   string(reason),
			})
		}
		return
	}

	tracked, err := e.exec.Submit(ctx, *order)
	if err != nil {
		e.log.Error("order submission failed",
			"symbol", order.Symbol,
			"side", order.Side,
			"error", err)
		e.recordEvent(ctx, "order_rejected", map[string]any{
			"symbol": order.Symbol,
			"side":   string(order.Side),
			"error":  err.Error(),
		})
		return
	}
	e.log.Info("order submitted",
		"order_id", tracked.OrderID,
		"symbol", tracked.Symbol,
		"side", tracked.Side,
		"qty", tracked.Quantity,
		"strategy", tracked.StrategyName)
	e.recordOrderEvent(ctx, audit.OrderEventSubmitted, *tracked)
}

// ---------------------------------------------------------------------------
// Position monitoring
// ---------------------------------------------------------------------------

// MonitorPositions refreshes every open position against the latest quote
// and submits market closes for breached stops and reached targets.
func (e *TradingEngine) MonitorPositions(ctx context.Context) {
	snap := e.portfolio.Snapshot()
	for symbol, pos := range snap.Positions {
		quote, err := e.broker.GetQuote(ctx, symbol)
		if err != nil {
			e.log.Warn("quote fetch failed", "symbol", symbol, "error", err)
			continue
		}
		price := quote.Mid()
		e.portfolio.UpdatePrice(symbol, price)
		pos.UpdatePrice(price)

		if trigger, ok := exitTrigger(pos, price); ok {
			e.log.Info("exit triggered",
				"symbol", symbol,
				"trigger", trigger,
				"price", price)
			if err := e.submitClose(ctx, pos, trigger); err != nil {
				e.log.Error("exit order failed", "symbol", symbol, "error", err)
			}
		}
	}
	e.updateDrawdown()
}

// exitTrigger reports whether the price has breached the position's stop
// loss or reached its take profit. Zero levels are inactive.
func exitTrigger(pos domain.Position, price float64) (string, bool) {
	if pos.Side == domain.PositionSideLong {
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return "stop_loss", true
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return "take_profit", true
		}
		return "", false
	}
	if pos.StopLoss > 0 && price >= pos.StopLoss {
		return "stop_loss", true
	}
	if pos.TakeProfit > 0 && price <= pos.TakeProfit {
		return "take_profit", true
	}
	return "", false
}

func (e *TradingEngine) submitClose(ctx context.Context, pos domain.Position, reasoning string) error {
	side := domain.OrderSideSell
	if pos.Side == domain.PositionSideShort {
		side = domain.OrderSideBuy
	}
	order := domain.Order{
		Symbol:      pos.Symbol,
		Side:        side,
		Quantity:    pos.Quantity,
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceDay,
		Reasoning:   reasoning,
	}
	tracked, err := e.exec.Submit(ctx, order)
	if err != nil {
		return err
	}
	e.recordOrderEvent(ctx, audit.OrderEventSubmitted, *tracked)
	return nil
}

// ---------------------------------------------------------------------------
// Fill handling
// ---------------------------------------------------------------------------

// onFill is invoked by the execution engine for every fill event. Complete
// fills update the portfolio: a fill against an opposite-side position
// closes it, anything else opens one at the average fill price.
func (e *TradingEngine) onFill(order domain.TrackedOrder, fillQty, fillPrice float64, complete bool) {
	e.log.Info("order fill",
		"order_id", order.OrderID,
		"symbol", order.Symbol,
		"side", order.Side,
		"fill_qty", fillQty,
		"fill_price", fillPrice,
		"complete", complete)
	if !complete {
		return
	}
	ctx := context.Background()
	e.recordOrderEvent(ctx, audit.OrderEventFilled, order)

	held, ok := e.portfolio.Position(order.Symbol)
	closing := ok && ((order.Side == domain.OrderSideSell && held.Side == domain.PositionSideLong) ||
		(order.Side == domain.OrderSideBuy && held.Side == domain.PositionSideShort))

	if closing {
		result, closed := e.portfolio.ClosePosition(order.Symbol, order.AverageFillPrice)
		if !closed {
			return
		}
		e.recordClose(ctx, result)
		return
	}

	side := domain.PositionSideLong
	if order.Side == domain.OrderSideSell {
		side = domain.PositionSideShort
	}
	pos := domain.Position{
		Symbol:     order.Symbol,
		Side:       side,
		Quantity:   order.FilledQuantity,
		EntryPrice: order.AverageFillPrice,
		EntryTime:  time.Now().UTC(),
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
	}
	if !e.portfolio.AddPosition(pos) {
		e.log.Error("position add failed after fill", "symbol", order.Symbol)
		return
	}
	e.recordPositionSnapshot(ctx, pos)
}

func (e *TradingEngine) recordClose(ctx context.Context, result portfolio.CloseResult) {
	e.mu.Lock()
	e.totalTrades++
	if result.RealizedPnL > 0 {
		e.winTrades++
	}
	e.mu.Unlock()

	e.log.Info("position closed",
		"symbol", result.Symbol,
		"qty", result.Quantity,
		"exit_price", result.ExitPrice,
		"realized_pnl", result.RealizedPnL)
	e.recordEvent(ctx, "position_closed", map[string]any{
		"symbol":           result.Symbol,
		"quantity":         result.Quantity,
		"entry_price":      result.EntryPrice,
		"exit_price":       result.ExitPrice,
		"realized_pnl":     result.RealizedPnL,
		"realized_pnl_pct": result.RealizedPnLPct,
	})
	e.updateDrawdown()
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

func (e *TradingEngine) updateDrawdown() {
	equity := e.portfolio.Account().Equity
	e.mu.Lock()
	defer e.mu.Unlock()
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	if e.peakEquity > 0 {
		dd := (e.peakEquity - equity) / e.peakEquity
		if dd > e.maxDrawdown {
			e.maxDrawdown = dd
		}
	}
}

func (e *TradingEngine) summaryLocked() audit.SessionSummary {
	account := e.portfolio.Account()
	winRate := 0.0
	if e.totalTrades > 0 {
		winRate = float64(e.winTrades) / float64(e.totalTrades)
	}
	return audit.SessionSummary{
		FinalBalance: account.Equity,
		TotalTrades:  e.totalTrades,
		PnL:          account.Equity - account.InitialBalance,
		MaxDrawdown:  e.maxDrawdown,
		WinRate:      winRate,
	}
}

func (e *TradingEngine) strategyNames() string {
	return strings.Join(e.signals.Strategies(), ",")
}

// ---------------------------------------------------------------------------
// Audit helpers
// ---------------------------------------------------------------------------

func (e *TradingEngine) recordEvent(ctx context.Context, eventType string, payload any) {
	sessionID := e.SessionID()
	if sessionID == "" {
		return
	}
	if err := e.sink.RecordEvent(ctx, sessionID, eventType, payload); err != nil {
		e.log.Warn("audit event write failed", "event", eventType, "error", err)
	}
}

func (e *TradingEngine) recordOrderEvent(ctx context.Context, eventType string, order domain.TrackedOrder) {
	sessionID := e.SessionID()
	if sessionID == "" {
		return
	}
	if err := e.sink.RecordOrderEvent(ctx, sessionID, eventType, order); err != nil {
		e.log.Warn("audit order event write failed", "event", eventType, "error", err)
	}
}

func (e *TradingEngine) recordPositionSnapshot(ctx context.Context, pos domain.Position) {
	sessionID := e.SessionID()
	if sessionID == "" {
		return
	}
	if err := e.sink.RecordPositionSnapshot(ctx, sessionID, pos); err != nil {
		e.log.Warn("audit position snapshot write failed", "symbol", pos.Symbol, "error", err)
	}
}
