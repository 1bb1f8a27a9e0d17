// Package engine drives order execution and the trading loop. The
// ExecutionEngine owns every TrackedOrder and is the only component that
// advances an order's state machine; the TradingEngine wires strategies,
// risk, execution, and the portfolio into an evaluation cycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"atlas/internal/broker"
	"atlas/internal/domain"
	"atlas/internal/util"
)

// FillHandler observes every fill applied to a tracked order. The order
// argument is a copy taken after the fill was applied.
type FillHandler func(order domain.TrackedOrder, fillQty, fillPrice float64, complete bool)

// ExecutionConfig tunes order submission and expiry.
type ExecutionConfig struct {
	MaxOrderRetry int           // submission attempts for transient failures (default 3)
	RetryDelay    time.Duration // backoff base between attempts (default 500ms)
	OrderTimeout  time.Duration // age after which unacknowledged orders expire (default 5m)
}

func (c *ExecutionConfig) applyDefaults() {
	if c.MaxOrderRetry == 0 {
		c.MaxOrderRetry = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.OrderTimeout == 0 {
		c.OrderTimeout = 5 * time.Minute
	}
}

// ExecutionEngine tracks orders through their lifecycle: creation,
// submission to the broker, fills, cancellation, and expiry. All transitions
// go through this type; terminal orders never transition again, and a cancel
// or expiry never retracts an already-applied fill.
type ExecutionEngine struct {
	broker broker.Broker
	cfg    ExecutionConfig

	mu         sync.Mutex
	orders     map[string]*domain.TrackedOrder
	byBrokerID map[string]string
	handler    FillHandler

	log *slog.Logger
	now func() time.Time
}

// NewExecutionEngine creates an ExecutionEngine submitting to the given
// broker. If the broker streams fills, the engine subscribes to them.
func NewExecutionEngine(b broker.Broker, cfg ExecutionConfig) *ExecutionEngine {
	cfg.applyDefaults()
	e := &ExecutionEngine{
		broker:     b,
		cfg:        cfg,
		orders:     make(map[string]*domain.TrackedOrder),
		byBrokerID: make(map[string]string),
		log:        slog.Default().With("component", "execution"),
		now:        time.Now,
	}
	if stream, ok := b.(broker.FillStream); ok {
		stream.OnFill(e.handleBrokerFill)
	}
	return e
}

// SetFillHandler registers the observer invoked after each applied fill.
func (e *ExecutionEngine) SetFillHandler(fn FillHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = fn
}

// CreateOrder registers an order under a fresh unique id with status
// PENDING. It does not contact the broker; see Submit.
func (e *ExecutionEngine) CreateOrder(order domain.Order) *domain.TrackedOrder {
	now := e.now()
	tracked := &domain.TrackedOrder{
		Order:     order,
		OrderID:   uuid.NewString(),
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	e.orders[tracked.OrderID] = tracked
	e.mu.Unlock()

	e.log.Info("order created",
		"orderID", tracked.OrderID,
		"symbol", order.Symbol,
		"side", order.Side,
		"quantity", order.Quantity,
		"type", order.Type,
	)
	cp := *tracked
	return &cp
}

// Submit creates an order and places it with the broker, retrying transient
// connection failures up to MaxOrderRetry attempts. Permanent broker errors
// mark the order REJECTED and are returned immediately.
func (e *ExecutionEngine) Submit(ctx context.Context, order domain.Order) (*domain.TrackedOrder, error) {
	tracked := e.CreateOrder(order)

	var placed *domain.TrackedOrder
	err := util.RetryIf(ctx, e.cfg.MaxOrderRetry, e.cfg.RetryDelay, broker.IsTransient, func() error {
		var placeErr error
		placed, placeErr = e.broker.PlaceOrder(ctx, order)
		return placeErr
	})
	if err != nil {
		e.mu.Lock()
		if o, ok := e.orders[tracked.OrderID]; ok && !o.Status.Terminal() {
			o.Status = domain.OrderStatusRejected
			o.UpdatedAt = e.now()
		}
		e.mu.Unlock()
		e.log.Error("order submission failed",
			"orderID", tracked.OrderID,
			"symbol", order.Symbol,
			"err", err,
		)
		return nil, fmt.Errorf("submitting %s order for %s: %w", order.Side, order.Symbol, err)
	}

	e.mu.Lock()
	if o, ok := e.orders[tracked.OrderID]; ok {
		o.BrokerOrderID = placed.BrokerOrderID
		o.UpdatedAt = e.now()
		e.byBrokerID[placed.BrokerOrderID] = tracked.OrderID
		cp := *o
		tracked = &cp
	}
	e.mu.Unlock()

	e.log.Info("order submitted",
		"orderID", tracked.OrderID,
		"brokerOrderID", tracked.BrokerOrderID,
		"symbol", order.Symbol,
	)
	cp := *tracked
	return &cp, nil
}

// UpdateOrderFill applies a fill event to a tracked order. It returns false
// for unknown ids and for orders already in a terminal state (a late fill
// against a terminal order is dropped, not applied). filled_quantity grows
// monotonically and average_fill_price is the quantity-weighted mean of all
// fills. isComplete is the authoritative terminal signal, tolerating
// quantity rounding.
func (e *ExecutionEngine) UpdateOrderFill(orderID string, fillQty, fillPrice float64, isComplete bool) bool {
	if fillQty < 0 {
		return false
	}

	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok || order.Status.Terminal() {
		e.mu.Unlock()
		return false
	}

	prevQty := order.FilledQuantity
	order.FilledQuantity += fillQty
	if order.FilledQuantity > 0 {
		order.AverageFillPrice = (order.AverageFillPrice*prevQty + fillPrice*fillQty) / order.FilledQuantity
	}
	if isComplete {
		order.Status = domain.OrderStatusFilled
	} else {
		order.Status = domain.OrderStatusPartiallyFilled
	}
	order.UpdatedAt = e.now()

	cp := *order
	handler := e.handler
	e.mu.Unlock()

	e.log.Info("fill applied",
		"orderID", orderID,
		"symbol", cp.Symbol,
		"fillQty", fillQty,
		"fillPrice", fillPrice,
		"filled", cp.FilledQuantity,
		"status", cp.Status,
	)

	if handler != nil {
		handler(cp, fillQty, fillPrice, isComplete)
	}
	return true
}

// Cancel requests cancellation of a tracked order. If a fill wins the race
// the order stays FILLED and Cancel reports false with no error; the filled
// portion of a partially-filled order is preserved.
func (e *ExecutionEngine) Cancel(ctx context.Context, orderID string) (bool, error) {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	if order.Status.Terminal() {
		e.mu.Unlock()
		return false, nil
	}
	brokerID := order.BrokerOrderID
	e.mu.Unlock()

	if brokerID != "" {
		ok, err := e.broker.CancelOrder(ctx, brokerID)
		if err != nil {
			return false, fmt.Errorf("cancelling order %s: %w", orderID, err)
		}
		if !ok {
			// The broker filled it first; the fill event will arrive (or
			// already has). Cancel is a no-op.
			return false, nil
		}
	}

	e.mu.Lock()
	if order, ok := e.orders[orderID]; ok && !order.Status.Terminal() {
		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = e.now()
	}
	e.mu.Unlock()

	e.log.Info("order cancelled", "orderID", orderID)
	return true, nil
}

// ExpireStale transitions every non-terminal order older than OrderTimeout
// to EXPIRED, preserving any filled portion, and best-effort cancels it at
// the broker. It returns the expired order ids.
func (e *ExecutionEngine) ExpireStale(ctx context.Context) []string {
	cutoff := e.now().Add(-e.cfg.OrderTimeout)

	var expired []string
	var brokerIDs []string
	e.mu.Lock()
	for id, order := range e.orders {
		if order.Status.Terminal() || order.CreatedAt.After(cutoff) {
			continue
		}
		order.Status = domain.OrderStatusExpired
		order.UpdatedAt = e.now()
		expired = append(expired, id)
		if order.BrokerOrderID != "" {
			brokerIDs = append(brokerIDs, order.BrokerOrderID)
		}
	}
	e.mu.Unlock()

	for _, brokerID := range brokerIDs {
		if _, err := e.broker.CancelOrder(ctx, brokerID); err != nil {
			e.log.Warn("cancelling expired order at broker", "brokerOrderID", brokerID, "err", err)
		}
	}
	for _, id := range expired {
		e.log.Warn("order expired", "orderID", id, "timeout", e.cfg.OrderTimeout)
	}
	return expired
}

// GetOrder returns a copy of the tracked order, or false.
func (e *ExecutionEngine) GetOrder(orderID string) (domain.TrackedOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return domain.TrackedOrder{}, false
	}
	return *order, true
}

// GetPendingOrders returns copies of all orders still live: PENDING or
// PARTIALLY_FILLED.
func (e *ExecutionEngine) GetPendingOrders() []domain.TrackedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	var pending []domain.TrackedOrder
	for _, order := range e.orders {
		if order.Status == domain.OrderStatusPending || order.Status == domain.OrderStatusPartiallyFilled {
			pending = append(pending, *order)
		}
	}
	return pending
}

// Orders returns copies of every tracked order.
func (e *ExecutionEngine) Orders() []domain.TrackedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	orders := make([]domain.TrackedOrder, 0, len(e.orders))
	for _, order := range e.orders {
		orders = append(orders, *order)
	}
	return orders
}

// handleBrokerFill maps a broker fill event onto the owning tracked order.
func (e *ExecutionEngine) handleBrokerFill(brokerOrderID string, fillQty, fillPrice float64, complete bool) {
	e.mu.Lock()
	orderID, ok := e.byBrokerID[brokerOrderID]
	e.mu.Unlock()
	if !ok {
		e.log.Warn("fill for unknown broker order", "brokerOrderID", brokerOrderID)
		return
	}
	e.UpdateOrderFill(orderID, fillQty, fillPrice, complete)
}
