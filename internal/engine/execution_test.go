package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"atlas/internal/broker"
	"atlas/internal/domain"
)

// stubBroker is a scriptable broker for exercising the execution engine
// without fill timers or price simulation.
type stubBroker struct {
	mu          sync.Mutex
	placeErrs   []error // consumed one per PlaceOrder call before succeeding
	placeCalls  int
	cancelOK    bool
	cancelErr   error
	cancelCalls int
	fillFn      broker.FillFunc
}

var _ broker.Broker = (*stubBroker)(nil)
var _ broker.FillStream = (*stubBroker)(nil)

func (b *stubBroker) Name() string                     { return "stub" }
func (b *stubBroker) Connect(context.Context) error    { return nil }
func (b *stubBroker) Disconnect(context.Context) error { return nil }
func (b *stubBroker) OnFill(fn broker.FillFunc)        { b.fillFn = fn }

func (b *stubBroker) GetAccount(context.Context) (*domain.Account, error) {
	return &domain.Account{Cash: 100_000, Equity: 100_000, BuyingPower: 100_000}, nil
}

func (b *stubBroker) GetPositions(context.Context) ([]domain.Position, error) { return nil, nil }

func (b *stubBroker) GetPosition(context.Context, string) (*domain.Position, error) {
	return nil, nil
}

func (b *stubBroker) GetBars(context.Context, string, int) ([]domain.Bar, error) { return nil, nil }

func (b *stubBroker) GetQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	return &domain.Quote{Symbol: symbol, Bid: 99.9, Ask: 100.1, Spread: 0.2}, nil
}

func (b *stubBroker) PlaceOrder(_ context.Context, order domain.Order) (*domain.TrackedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		return nil, err
	}
	return &domain.TrackedOrder{
		Order:         order,
		BrokerOrderID: fmt.Sprintf("broker-%d", b.placeCalls),
		Status:        domain.OrderStatusPending,
	}, nil
}

func (b *stubBroker) CancelOrder(context.Context, string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return b.cancelOK, b.cancelErr
}

func (b *stubBroker) GetOrder(context.Context, string) (*domain.TrackedOrder, error) {
	return nil, nil
}

func (b *stubBroker) GetOrders(context.Context, domain.OrderStatus) ([]domain.TrackedOrder, error) {
	return nil, nil
}

func testOrder() domain.Order {
	return domain.Order{
		Symbol:     "AAPL",
		Side:       domain.OrderSideBuy,
		Quantity:   10,
		Type:       domain.OrderTypeLimit,
		LimitPrice: 150,
	}
}

func TestCreateOrderStartsPending(t *testing.T) {
	e := NewExecutionEngine(&stubBroker{}, ExecutionConfig{})
	tracked := e.CreateOrder(testOrder())

	if tracked.OrderID == "" {
		t.Fatal("expected an order id")
	}
	if tracked.Status != domain.OrderStatusPending {
		t.Errorf("status = %s, want %s", tracked.Status, domain.OrderStatusPending)
	}
	if tracked.FilledQuantity != 0 {
		t.Errorf("filled = %v, want 0", tracked.FilledQuantity)
	}
	if got, ok := e.GetOrder(tracked.OrderID); !ok || got.Symbol != "AAPL" {
		t.Errorf("GetOrder = (%+v, %v)", got, ok)
	}
}

func TestUpdateOrderFillWeightedAverage(t *testing.T) {
	e := NewExecutionEngine(&stubBroker{}, ExecutionConfig{})
	tracked := e.CreateOrder(testOrder())

	if !e.UpdateOrderFill(tracked.OrderID, 4, 150, false) {
		t.Fatal("first fill rejected")
	}
	got, _ := e.GetOrder(tracked.OrderID)
	if got.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("status after partial = %s", got.Status)
	}
	if got.FilledQuantity != 4 || got.AverageFillPrice != 150 {
		t.Errorf("after partial: filled=%v avg=%v", got.FilledQuantity, got.AverageFillPrice)
	}

	if !e.UpdateOrderFill(tracked.OrderID, 6, 152, true) {
		t.Fatal("second fill rejected")
	}
	got, _ = e.GetOrder(tracked.OrderID)
	if got.Status != domain.OrderStatusFilled {
		t.Errorf("status after complete = %s", got.Status)
	}
	if got.FilledQuantity != 10 {
		t.Errorf("filled = %v, want 10", got.FilledQuantity)
	}
	want := (4*150.0 + 6*152.0) / 10
	if got.AverageFillPrice != want {
		t.Errorf("avg fill = %v, want %v", got.AverageFillPrice, want)
	}
	if got.RemainingQuantity() != 0 {
		t.Errorf("remaining = %v, want 0", got.RemainingQuantity())
	}
}

func TestUpdateOrderFillRejectsBadInput(t *testing.T) {
	e := NewExecutionEngine(&stubBroker{}, ExecutionConfig{})
	tracked := e.CreateOrder(testOrder())

	if e.UpdateOrderFill("no-such-order", 1, 100, false) {
		t.Error("fill against unknown order applied")
	}
	if e.UpdateOrderFill(tracked.OrderID, -1, 100, false) {
		t.Error("negative fill applied")
	}

	e.UpdateOrderFill(tracked.OrderID, 10, 150, true)
	if e.UpdateOrderFill(tracked.OrderID, 1, 150, true) {
		t.Error("late fill against terminal order applied")
	}
	got, _ := e.GetOrder(tracked.OrderID)
	if got.FilledQuantity != 10 {
		t.Errorf("filled = %v, want 10 (late fill dropped)", got.FilledQuantity)
	}
}

func TestSubmitRetriesTransientErrors(t *testing.T) {
	b := &stubBroker{placeErrs: []error{
		&broker.ConnectionError{Broker: "stub"},
		&broker.ConnectionError{Broker: "stub"},
	}}
	e := NewExecutionEngine(b, ExecutionConfig{MaxOrderRetry: 3, RetryDelay: time.Millisecond})

	tracked, err := e.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b.placeCalls != 3 {
		t.Errorf("place calls = %d, want 3", b.placeCalls)
	}
	if tracked.BrokerOrderID == "" {
		t.Error("broker order id not recorded")
	}
	if tracked.Status != domain.OrderStatusPending {
		t.Errorf("status = %s, want %s", tracked.Status, domain.OrderStatusPending)
	}
}

func TestSubmitDoesNotRetryPermanentErrors(t *testing.T) {
	b := &stubBroker{placeErrs: []error{
		&broker.InvalidOrderError{Symbol: "AAPL", Reason: "quantity must be positive"},
	}}
	e := NewExecutionEngine(b, ExecutionConfig{MaxOrderRetry: 3, RetryDelay: time.Millisecond})

	_, err := e.Submit(context.Background(), testOrder())
	if err == nil {
		t.Fatal("expected error")
	}
	if b.placeCalls != 1 {
		t.Errorf("place calls = %d, want 1 (no retry on order errors)", b.placeCalls)
	}

	orders := e.Orders()
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].Status != domain.OrderStatusRejected {
		t.Errorf("status = %s, want %s", orders[0].Status, domain.OrderStatusRejected)
	}
}

func TestCancelOpenOrder(t *testing.T) {
	b := &stubBroker{cancelOK: true}
	e := NewExecutionEngine(b, ExecutionConfig{})

	tracked, err := e.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ok, err := e.Cancel(context.Background(), tracked.OrderID)
	if err != nil || !ok {
		t.Fatalf("Cancel = (%v, %v), want (true, nil)", ok, err)
	}
	got, _ := e.GetOrder(tracked.OrderID)
	if got.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want %s", got.Status, domain.OrderStatusCancelled)
	}
}

func TestCancelLosesRaceToFill(t *testing.T) {
	// Broker reports the order already filled; cancel must not override.
	b := &stubBroker{cancelOK: false}
	e := NewExecutionEngine(b, ExecutionConfig{})

	tracked, err := e.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ok, err := e.Cancel(context.Background(), tracked.OrderID)
	if err != nil || ok {
		t.Fatalf("Cancel = (%v, %v), want (false, nil)", ok, err)
	}

	// The fill event arrives after the failed cancel and still applies.
	if !e.UpdateOrderFill(tracked.OrderID, 10, 150, true) {
		t.Fatal("fill after failed cancel rejected")
	}
	got, _ := e.GetOrder(tracked.OrderID)
	if got.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, want %s", got.Status, domain.OrderStatusFilled)
	}
}

func TestCancelUnknownAndTerminal(t *testing.T) {
	e := NewExecutionEngine(&stubBroker{cancelOK: true}, ExecutionConfig{})

	if ok, err := e.Cancel(context.Background(), "no-such-order"); ok || err != nil {
		t.Errorf("Cancel unknown = (%v, %v), want (false, nil)", ok, err)
	}

	tracked := e.CreateOrder(testOrder())
	e.UpdateOrderFill(tracked.OrderID, 10, 150, true)
	if ok, err := e.Cancel(context.Background(), tracked.OrderID); ok || err != nil {
		t.Errorf("Cancel filled = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestExpireStalePreservesFills(t *testing.T) {
	b := &stubBroker{cancelOK: true}
	e := NewExecutionEngine(b, ExecutionConfig{OrderTimeout: time.Minute})

	tracked, err := e.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.UpdateOrderFill(tracked.OrderID, 4, 150, false)

	fresh := e.CreateOrder(testOrder())

	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	expired := e.ExpireStale(context.Background())
	if len(expired) != 2 {
		t.Fatalf("expired %d orders, want 2", len(expired))
	}

	got, _ := e.GetOrder(tracked.OrderID)
	if got.Status != domain.OrderStatusExpired {
		t.Errorf("status = %s, want %s", got.Status, domain.OrderStatusExpired)
	}
	if got.FilledQuantity != 4 {
		t.Errorf("filled = %v, want 4 (preserved)", got.FilledQuantity)
	}
	if got, _ := e.GetOrder(fresh.OrderID); got.Status != domain.OrderStatusExpired {
		t.Errorf("fresh order status = %s, want %s", got.Status, domain.OrderStatusExpired)
	}

	// No orders left for a second pass.
	if again := e.ExpireStale(context.Background()); len(again) != 0 {
		t.Errorf("second pass expired %d orders, want 0", len(again))
	}
}

func TestFillHandlerReceivesCopies(t *testing.T) {
	e := NewExecutionEngine(&stubBroker{}, ExecutionConfig{})

	var mu sync.Mutex
	var events []domain.TrackedOrder
	e.SetFillHandler(func(order domain.TrackedOrder, fillQty, fillPrice float64, complete bool) {
		mu.Lock()
		events = append(events, order)
		mu.Unlock()
	})

	tracked := e.CreateOrder(testOrder())
	e.UpdateOrderFill(tracked.OrderID, 4, 150, false)
	e.UpdateOrderFill(tracked.OrderID, 6, 152, true)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("handler invoked %d times, want 2", len(events))
	}
	if events[0].Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("first event status = %s", events[0].Status)
	}
	if events[1].Status != domain.OrderStatusFilled || events[1].FilledQuantity != 10 {
		t.Errorf("second event = %s filled %v", events[1].Status, events[1].FilledQuantity)
	}
}

func TestBrokerFillStreamRouting(t *testing.T) {
	b := &stubBroker{}
	e := NewExecutionEngine(b, ExecutionConfig{})

	tracked, err := e.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b.fillFn == nil {
		t.Fatal("engine did not subscribe to the broker fill stream")
	}

	b.fillFn(tracked.BrokerOrderID, 10, 150, true)
	got, _ := e.GetOrder(tracked.OrderID)
	if got.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, want %s", got.Status, domain.OrderStatusFilled)
	}

	// Fills for broker ids we never issued are dropped.
	b.fillFn("someone-elses-order", 1, 1, true)
}

func TestGetPendingOrders(t *testing.T) {
	e := NewExecutionEngine(&stubBroker{}, ExecutionConfig{})

	a := e.CreateOrder(testOrder())
	bOrd := e.CreateOrder(testOrder())
	c := e.CreateOrder(testOrder())
	e.UpdateOrderFill(bOrd.OrderID, 5, 150, false)
	e.UpdateOrderFill(c.OrderID, 10, 150, true)

	pending := e.GetPendingOrders()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	ids := map[string]bool{}
	for _, o := range pending {
		ids[o.OrderID] = true
	}
	if !ids[a.OrderID] || !ids[bOrd.OrderID] {
		t.Errorf("pending ids = %v", ids)
	}
}
