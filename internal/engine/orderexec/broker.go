package orderexec

import (
	"context"
	"sync"
	"time"

	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
)

// Broker is the narrow order surface the manager depends on. The live
// implementation wraps the exchange client; SimulatedBroker replaces it
// for tests and backtesting with identical control flow.
type Broker interface {
	// PlaceOrder submits the order and returns it with broker-assigned
	// status and fill details.
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	// ModifyOrder updates price and/or quantity of a working order.
	ModifyOrder(ctx context.Context, order types.Order) (types.Order, error)
	// CancelOrder cancels a working order by id.
	CancelOrder(ctx context.Context, orderID string) error
}

// SimulatedBroker fills market orders immediately at the order's price
// and leaves resting orders in SUBMITTED state. No network involved; the
// circuit breaker, persistence, and bracket wiring still run identically
// to live mode.
type SimulatedBroker struct {
	mu       sync.Mutex
	working  map[string]types.Order
	failWith error

	now func() time.Time
}

var _ Broker = (*SimulatedBroker)(nil)

// NewSimulatedBroker creates an empty simulation.
func NewSimulatedBroker() *SimulatedBroker {
	return &SimulatedBroker{
		working: make(map[string]types.Order),
		now:     time.Now,
	}
}

// FailWith makes every subsequent call fail with err until cleared with
// nil. Used to exercise failure paths.
func (b *SimulatedBroker) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failWith = err
}

// PlaceOrder fills market orders at order.Price. Non-transmitted bracket
// children and resting orders stay SUBMITTED.
func (b *SimulatedBroker) PlaceOrder(_ context.Context, order types.Order) (types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failWith != nil {
		return types.Order{}, b.failWith
	}

	if order.OrderType == types.OrderTypeMarket && order.Transmit {
		order.Status = types.OrderStatusFilled
		order.FilledPrice = order.Price
		order.FilledAt = b.now().UTC()
	} else {
		order.Status = types.OrderStatusSubmitted
	}

	b.working[order.OrderID] = order

	return order, nil
}

// ModifyOrder updates a working order.
func (b *SimulatedBroker) ModifyOrder(_ context.Context, order types.Order) (types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failWith != nil {
		return types.Order{}, b.failWith
	}

	existing, ok := b.working[order.OrderID]
	if !ok {
		return types.Order{}, errors.Newf(errors.ErrCodeOrderNotFound, "order %s not found", order.OrderID)
	}

	if order.Price.IsPositive() {
		existing.Price = order.Price
	}

	if order.Quantity > 0 {
		existing.Quantity = order.Quantity
	}

	b.working[order.OrderID] = existing

	return existing, nil
}

// CancelOrder cancels a working order.
func (b *SimulatedBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failWith != nil {
		return b.failWith
	}

	order, ok := b.working[orderID]
	if !ok {
		return errors.Newf(errors.ErrCodeOrderNotFound, "order %s not found", orderID)
	}

	order.Status = types.OrderStatusCancelled
	b.working[orderID] = order

	return nil
}

// WorkingOrder returns a broker-side order by id, for assertions.
func (b *SimulatedBroker) WorkingOrder(orderID string) (types.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.working[orderID]

	return order, ok
}
