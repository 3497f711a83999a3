// Package orderexec converts execution signals into broker orders. It
// enforces the circuit breaker around every broker interaction, keeps the
// active order table durable for crash recovery, and records an
// append-only audit trail.
package orderexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sevenquant/auto-trader/internal/engine/breaker"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultBrokerTimeout = 5 * time.Second

// ManagerConfig tunes the order execution manager.
type ManagerConfig struct {
	// SimulationMode routes orders through the simulated broker. The
	// breaker, persistence, and bracket wiring run identically.
	SimulationMode bool
	// BrokerTimeout bounds each broker call. A timeout counts as a
	// failure for circuit breaker purposes.
	BrokerTimeout time.Duration
}

// Manager is the order execution adapter. It implements the account
// state surface the market data adapter reads positions from.
type Manager struct {
	config  ManagerConfig
	broker  Broker
	breaker *breaker.CircuitBreaker
	store   *StateStore
	builder *Builder
	logger  *logger.Logger

	mu           sync.Mutex
	activeOrders map[string]types.Order
	positions    map[string]*types.PositionState
	balance      decimal.Decimal

	now func() time.Time
}

// NewManager creates a manager and recovers in-memory order state from
// the store's last durable snapshot.
func NewManager(config ManagerConfig, brk Broker, cb *breaker.CircuitBreaker, store *StateStore, builder *Builder, log *logger.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New(errors.ErrCodeStateStoreNil, "order state store is required")
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	if config.BrokerTimeout <= 0 {
		config.BrokerTimeout = defaultBrokerTimeout
	}

	if brk == nil {
		config.SimulationMode = true
		brk = NewSimulatedBroker()
	}

	if cb == nil {
		cb = breaker.NewCircuitBreaker(0, 0, true, log)
	}

	if builder == nil {
		builder = NewBuilder(DefaultBuilderConfig(), nil, log)
	}

	m := &Manager{
		config:       config,
		broker:       brk,
		breaker:      cb,
		store:        store,
		builder:      builder,
		logger:       log,
		activeOrders: make(map[string]types.Order),
		positions:    make(map[string]*types.PositionState),
		now:          time.Now,
	}

	recovered := store.LoadActiveOrders()
	for _, order := range recovered {
		m.activeOrders[order.OrderID] = order
	}

	if len(recovered) > 0 {
		log.Info("recovered order state", zap.Int("orders", len(recovered)))
	}

	return m, nil
}

// SetBalance updates the account balance used for sizing.
func (m *Manager) SetBalance(balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balance = balance
}

// Balance returns the tracked account balance.
func (m *Manager) Balance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.balance
}

// Position returns a copy of the open position for a symbol, or nil.
func (m *Manager) Position(symbol string) *types.PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return nil
	}

	copied := *pos

	return &copied
}

// ActiveOrders returns a snapshot of the non-terminal order table.
func (m *Manager) ActiveOrders() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Order, 0, len(m.activeOrders))
	for _, order := range m.activeOrders {
		out = append(out, order)
	}

	return out
}

// BreakerStats exposes the circuit breaker snapshot.
func (m *Manager) BreakerStats() breaker.Stats {
	return m.breaker.Stats()
}

// Flush drains pending state saves. For shutdown and tests.
func (m *Manager) Flush() {
	m.store.Flush()
}

// HandleExecutionSignal is the entry point invoked by the market data
// adapter's signal fan-out. It always returns a well-formed result; no
// broker exception escapes it.
func (m *Manager) HandleExecutionSignal(ctx context.Context, signal types.ExecutionSignal, ec *types.ExecutionContext) types.OrderResult {
	switch signal.Action {
	case types.ActionNone:
		return types.OrderResult{Success: true, Message: "no action"}

	case types.ActionModifyStop:
		return m.modifyStopFromSignal(ctx, signal, ec)

	case types.ActionExit:
		if !ec.HasPosition() {
			return failedResult("", "no position to exit")
		}

		request, err := m.builder.FromSignal(signal, ec)
		if err != nil {
			return failedResult("", err.Error())
		}

		return m.PlaceOrder(ctx, request)

	case types.ActionEnterLong, types.ActionEnterShort:
		request, err := m.builder.FromSignal(signal, ec)
		if err != nil {
			return failedResult("", err.Error())
		}

		if request.StopLoss.IsSome() && request.TakeProfit.IsSome() {
			return m.PlaceBracketOrder(ctx, request)
		}

		return m.PlaceOrder(ctx, request)

	default:
		return failedResult("", fmt.Sprintf("unsupported action %s", string(signal.Action)))
	}
}

// PlaceOrder places a single market or limit order. The circuit breaker
// gates the attempt; failures surface as failed results, never as
// unhandled errors.
func (m *Manager) PlaceOrder(ctx context.Context, request types.OrderRequest) types.OrderResult {
	if err := request.Validate(); err != nil {
		return failedResult(request.ID, err.Error())
	}

	if err := m.breaker.CheckState(); err != nil {
		return failedResult(request.ID, "circuit breaker open: order rejected without broker attempt")
	}

	order := m.orderFromRequest(request, request.OrderType, request.Side, request.Price, "", true)

	placed, err := m.callBroker(ctx, func(brokerCtx context.Context) (types.Order, error) {
		return m.broker.PlaceOrder(brokerCtx, order)
	})
	if err != nil {
		m.breaker.RecordFailure()
		m.audit("place_failed", order)

		return failedResult(order.OrderID, fmt.Sprintf("order placement failed: %v", err))
	}

	m.breaker.RecordSuccess()
	m.trackOrder(placed)
	m.audit("placed", placed)
	m.persist()

	return types.OrderResult{
		OrderID: placed.OrderID,
		Status:  placed.Status,
		Success: true,
		Message: "order placed",
		Orders:  []types.Order{placed},
	}
}

// PlaceBracketOrder places an entry order plus a protective stop child
// and a take profit child. The children are staged with Transmit=false
// and all three legs share one parent_order_id, so the bracket activates
// atomically when the parent fills.
func (m *Manager) PlaceBracketOrder(ctx context.Context, request types.OrderRequest) types.OrderResult {
	if err := request.Validate(); err != nil {
		return failedResult(request.ID, err.Error())
	}

	if request.StopLoss.IsNone() || request.TakeProfit.IsNone() {
		return failedResult(request.ID, "bracket order requires stop loss and take profit prices")
	}

	if err := m.breaker.CheckState(); err != nil {
		return failedResult(request.ID, "circuit breaker open: order rejected without broker attempt")
	}

	bracketID := "BRACKET_" + strings.Split(uuid.NewString(), "-")[0]
	exitSide := types.OrderSideSell

	if request.Side == types.OrderSideSell {
		exitSide = types.OrderSideBuy
	}

	parent := m.orderFromRequest(request, request.OrderType, request.Side, request.Price, bracketID, true)

	stopChild := m.orderFromRequest(request, types.OrderTypeStop, exitSide, request.StopLoss.Unwrap(), bracketID, false)
	stopChild.OrderID = uuid.NewString()
	stopChild.Reason = types.Reason{Reason: types.OrderReasonStopLoss, Message: "bracket protective stop"}

	targetChild := m.orderFromRequest(request, types.OrderTypeLimit, exitSide, request.TakeProfit.Unwrap(), bracketID, false)
	targetChild.OrderID = uuid.NewString()
	targetChild.Reason = types.Reason{Reason: types.OrderReasonTakeProfit, Message: "bracket profit target"}

	legs := []types.Order{parent, stopChild, targetChild}
	placed := make([]types.Order, 0, len(legs))

	for _, leg := range legs {
		result, err := m.callBroker(ctx, func(brokerCtx context.Context) (types.Order, error) {
			return m.broker.PlaceOrder(brokerCtx, leg)
		})
		if err != nil {
			m.breaker.RecordFailure()
			m.audit("bracket_failed", leg)
			m.unwindBracket(ctx, placed)

			return failedResult(parent.OrderID, fmt.Sprintf("bracket placement failed on %s leg: %v", leg.OrderType, err))
		}

		placed = append(placed, result)
	}

	m.breaker.RecordSuccess()

	for _, order := range placed {
		m.trackOrder(order)
		m.audit("placed", order)
	}

	m.persist()

	return types.OrderResult{
		OrderID: placed[0].OrderID,
		Status:  placed[0].Status,
		Success: true,
		Message: "bracket order placed",
		Orders:  placed,
	}
}

// ModifyOrder changes price and/or quantity of a tracked working order.
// Unknown ids fail with a distinguishable "order not found" result.
func (m *Manager) ModifyOrder(ctx context.Context, orderID string, price decimal.Decimal, quantity int64) types.OrderResult {
	m.mu.Lock()
	order, ok := m.activeOrders[orderID]
	m.mu.Unlock()

	if !ok {
		return failedResult(orderID, fmt.Sprintf("order not found: %s", orderID))
	}

	if err := m.breaker.CheckState(); err != nil {
		return failedResult(orderID, "circuit breaker open: order rejected without broker attempt")
	}

	change := order
	change.Price = price
	change.Quantity = quantity

	modified, err := m.callBroker(ctx, func(brokerCtx context.Context) (types.Order, error) {
		return m.broker.ModifyOrder(brokerCtx, change)
	})
	if err != nil {
		m.breaker.RecordFailure()
		m.audit("modify_failed", change)

		return failedResult(orderID, fmt.Sprintf("order modification failed: %v", err))
	}

	m.breaker.RecordSuccess()
	m.trackOrder(modified)
	m.audit("modified", modified)
	m.persist()

	return types.OrderResult{
		OrderID: modified.OrderID,
		Status:  modified.Status,
		Success: true,
		Message: "order modified",
		Orders:  []types.Order{modified},
	}
}

// CancelOrder cancels a tracked working order by id.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) types.OrderResult {
	m.mu.Lock()
	order, ok := m.activeOrders[orderID]
	m.mu.Unlock()

	if !ok {
		return failedResult(orderID, fmt.Sprintf("order not found: %s", orderID))
	}

	if err := m.breaker.CheckState(); err != nil {
		return failedResult(orderID, "circuit breaker open: order rejected without broker attempt")
	}

	_, err := m.callBroker(ctx, func(brokerCtx context.Context) (types.Order, error) {
		return types.Order{}, m.broker.CancelOrder(brokerCtx, orderID)
	})
	if err != nil {
		m.breaker.RecordFailure()
		m.audit("cancel_failed", order)

		return failedResult(orderID, fmt.Sprintf("order cancellation failed: %v", err))
	}

	m.breaker.RecordSuccess()

	order.Status = types.OrderStatusCancelled
	m.trackOrder(order)
	m.audit("cancelled", order)
	m.persist()

	return types.OrderResult{
		OrderID: orderID,
		Status:  types.OrderStatusCancelled,
		Success: true,
		Message: "order cancelled",
		Orders:  []types.Order{order},
	}
}

// modifyStopFromSignal moves the working protective stop for the
// signal's symbol to the level the trailing stop computed.
func (m *Manager) modifyStopFromSignal(ctx context.Context, signal types.ExecutionSignal, ec *types.ExecutionContext) types.OrderResult {
	level, ok := signal.Metadata["new_stop_level"].(float64)
	if !ok || level <= 0 {
		return failedResult("", "modify stop signal carries no new stop level")
	}

	m.mu.Lock()

	var stopOrder *types.Order

	for _, order := range m.activeOrders {
		if order.Symbol == ec.Symbol && (order.OrderType == types.OrderTypeStop || order.OrderType == types.OrderTypeStopLimit) {
			found := order
			stopOrder = &found

			break
		}
	}
	m.mu.Unlock()

	if stopOrder == nil {
		return failedResult("", fmt.Sprintf("order not found: no working stop order for %s", ec.Symbol))
	}

	result := m.ModifyOrder(ctx, stopOrder.OrderID, decimal.NewFromFloat(level), stopOrder.Quantity)

	// Keep the tracked position's stop in sync so the trailing function
	// sees the level it last set.
	if result.Success {
		m.mu.Lock()
		if pos, ok := m.positions[ec.Symbol]; ok {
			pos.StopLoss = decimal.NewFromFloat(level)
		}
		m.mu.Unlock()
	}

	return result
}

// callBroker runs one broker call under the configured timeout. A timed
// out call is indistinguishable from a thrown failure for breaker
// accounting.
func (m *Manager) callBroker(ctx context.Context, call func(context.Context) (types.Order, error)) (types.Order, error) {
	brokerCtx, cancel := context.WithTimeout(ctx, m.config.BrokerTimeout)
	defer cancel()

	type outcome struct {
		order types.Order
		err   error
	}

	done := make(chan outcome, 1)

	go func() {
		order, err := call(brokerCtx)
		done <- outcome{order: order, err: err}
	}()

	select {
	case result := <-done:
		return result.order, result.err
	case <-brokerCtx.Done():
		return types.Order{}, errors.Wrap(errors.ErrCodeBrokerTimeout, "broker call timed out", brokerCtx.Err())
	}
}

func (m *Manager) orderFromRequest(request types.OrderRequest, orderType types.OrderType, side types.OrderSide, price decimal.Decimal, parentOrderID string, transmit bool) types.Order {
	return types.Order{
		OrderID:       request.ID,
		Symbol:        request.Symbol,
		Side:          side,
		OrderType:     orderType,
		Quantity:      request.Quantity,
		Price:         price,
		Timestamp:     m.now().UTC(),
		Status:        types.OrderStatusPending,
		ParentOrderID: parentOrderID,
		Transmit:      transmit,
		Reason:        request.Reason,
		FunctionName:  request.FunctionName,
	}
}

// trackOrder updates the active table and positions. Terminal orders are
// pruned from the active table; the audit trail keeps their history.
func (m *Manager) trackOrder(order types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.Status == types.OrderStatusFilled {
		m.applyFillLocked(order)
	}

	if order.Status.IsTerminal() {
		delete(m.activeOrders, order.OrderID)

		return
	}

	m.activeOrders[order.OrderID] = order
}

func (m *Manager) applyFillLocked(order types.Order) {
	delta := order.Quantity
	if order.Side == types.OrderSideSell {
		delta = -delta
	}

	pos, ok := m.positions[order.Symbol]
	if !ok {
		m.positions[order.Symbol] = &types.PositionState{
			Symbol:       order.Symbol,
			Quantity:     delta,
			EntryPrice:   order.FilledPrice,
			CurrentPrice: order.FilledPrice,
			OpenedAt:     order.FilledAt,
		}

		return
	}

	pos.Quantity += delta
	pos.CurrentPrice = order.FilledPrice

	if pos.Quantity == 0 {
		delete(m.positions, order.Symbol)
	}
}

// unwindBracket best-effort cancels already placed legs after a later leg
// failed, so no half-armed bracket is left at the broker.
func (m *Manager) unwindBracket(ctx context.Context, placed []types.Order) {
	for _, order := range placed {
		if _, err := m.callBroker(ctx, func(brokerCtx context.Context) (types.Order, error) {
			return types.Order{}, m.broker.CancelOrder(brokerCtx, order.OrderID)
		}); err != nil {
			m.logger.Warn("failed to unwind bracket leg",
				zap.String("order_id", order.OrderID),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) persist() {
	m.store.SaveSnapshotAsync(m.ActiveOrders())
}

func (m *Manager) audit(action string, order types.Order) {
	if err := m.store.AppendAudit(action, order); err != nil {
		m.logger.Error("audit write failed",
			zap.String("action", action),
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)
	}
}

func failedResult(orderID, message string) types.OrderResult {
	return types.OrderResult{
		OrderID: orderID,
		Status:  types.OrderStatusFailed,
		Success: false,
		Message: message,
	}
}
