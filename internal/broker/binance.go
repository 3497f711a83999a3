// Package broker adapts the Binance spot API to the order surface the
// execution manager depends on. The client is wrapped behind narrow
// service interfaces so tests can substitute the exchange.
package broker

import (
	"context"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/sevenquant/auto-trader/internal/engine/orderexec"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds Binance credentials and endpoints.
type Config struct {
	APIKey     string `yaml:"api_key" json:"api_key"`
	SecretKey  string `yaml:"secret_key" json:"secret_key"`
	BaseURL    string `yaml:"base_url" json:"base_url"`
	UseTestnet bool   `yaml:"use_testnet" json:"use_testnet"`
}

// CreateOrderService mirrors the Binance order creation builder.
type CreateOrderService interface {
	Symbol(symbol string) CreateOrderService
	Side(side binance.SideType) CreateOrderService
	Type(orderType binance.OrderType) CreateOrderService
	Quantity(quantity string) CreateOrderService
	Price(price string) CreateOrderService
	StopPrice(price string) CreateOrderService
	TimeInForce(tif binance.TimeInForceType) CreateOrderService
	Do(ctx context.Context) (*binance.CreateOrderResponse, error)
}

// CancelOrderService mirrors the Binance cancel builder.
type CancelOrderService interface {
	Symbol(symbol string) CancelOrderService
	OrderID(orderID int64) CancelOrderService
	Do(ctx context.Context) (*binance.CancelOrderResponse, error)
}

// Client abstracts the Binance client for testing.
type Client interface {
	NewCreateOrderService() CreateOrderService
	NewCancelOrderService() CancelOrderService
}

type realClient struct {
	client *binance.Client
}

func (r *realClient) NewCreateOrderService() CreateOrderService {
	return &realCreateOrderService{service: r.client.NewCreateOrderService()}
}

func (r *realClient) NewCancelOrderService() CancelOrderService {
	return &realCancelOrderService{service: r.client.NewCancelOrderService()}
}

type realCreateOrderService struct {
	service *binance.CreateOrderService
}

func (s *realCreateOrderService) Symbol(symbol string) CreateOrderService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realCreateOrderService) Side(side binance.SideType) CreateOrderService {
	s.service = s.service.Side(side)

	return s
}

func (s *realCreateOrderService) Type(orderType binance.OrderType) CreateOrderService {
	s.service = s.service.Type(orderType)

	return s
}

func (s *realCreateOrderService) Quantity(quantity string) CreateOrderService {
	s.service = s.service.Quantity(quantity)

	return s
}

func (s *realCreateOrderService) Price(price string) CreateOrderService {
	s.service = s.service.Price(price)

	return s
}

func (s *realCreateOrderService) StopPrice(price string) CreateOrderService {
	s.service = s.service.StopPrice(price)

	return s
}

func (s *realCreateOrderService) TimeInForce(tif binance.TimeInForceType) CreateOrderService {
	s.service = s.service.TimeInForce(tif)

	return s
}

func (s *realCreateOrderService) Do(ctx context.Context) (*binance.CreateOrderResponse, error) {
	return s.service.Do(ctx)
}

type realCancelOrderService struct {
	service *binance.CancelOrderService
}

func (s *realCancelOrderService) Symbol(symbol string) CancelOrderService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realCancelOrderService) OrderID(orderID int64) CancelOrderService {
	s.service = s.service.OrderID(orderID)

	return s
}

func (s *realCancelOrderService) Do(ctx context.Context) (*binance.CancelOrderResponse, error) {
	return s.service.Do(ctx)
}

// BinanceBroker implements the execution manager's broker surface on
// Binance spot. Requests are rate limited client-side to stay under the
// exchange's order weight limits.
type BinanceBroker struct {
	client  Client
	limiter *rate.Limiter
	logger  *logger.Logger

	mu sync.Mutex
	// exchangeIDs maps our order ids to the Binance order id and symbol,
	// needed for cancellation.
	exchangeIDs map[string]exchangeRef
}

type exchangeRef struct {
	orderID int64
	symbol  string
}

var _ orderexec.Broker = (*BinanceBroker)(nil)

// NewBinanceBroker connects to Binance with the given credentials.
func NewBinanceBroker(config Config, log *logger.Logger) *BinanceBroker {
	if config.UseTestnet {
		binance.UseTestnet = true
	}

	client := binance.NewClient(config.APIKey, config.SecretKey)
	if config.BaseURL != "" {
		client.BaseURL = config.BaseURL
	}

	return newBinanceBrokerWithClient(&realClient{client: client}, log)
}

func newBinanceBrokerWithClient(client Client, log *logger.Logger) *BinanceBroker {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &BinanceBroker{
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		logger:      log,
		exchangeIDs: make(map[string]exchangeRef),
	}
}

// PlaceOrder submits an order. Bracket children staged with
// Transmit=false are held locally as SUBMITTED and only sent to the
// exchange once the parent confirms; spot has no native bracket staging.
func (b *BinanceBroker) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	if !order.Transmit {
		order.Status = types.OrderStatusSubmitted

		return order, nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return types.Order{}, errors.Wrap(errors.ErrCodeBrokerUnavailable, "rate limiter interrupted", err)
	}

	service, err := b.buildCreateService(order)
	if err != nil {
		return types.Order{}, err
	}

	response, err := service.Do(ctx)
	if err != nil {
		return types.Order{}, errors.Wrap(errors.ErrCodeOrderFailed, "failed to place order on Binance", err)
	}

	b.mu.Lock()
	b.exchangeIDs[order.OrderID] = exchangeRef{orderID: response.OrderID, symbol: order.Symbol}
	b.mu.Unlock()

	order.Status = mapOrderStatus(response.Status)

	if order.Status == types.OrderStatusFilled {
		order.FilledPrice = order.Price
		order.FilledAt = order.Timestamp
	}

	b.logger.Info("order placed on Binance",
		zap.String("order_id", order.OrderID),
		zap.Int64("exchange_order_id", response.OrderID),
		zap.String("status", string(order.Status)),
	)

	return order, nil
}

// ModifyOrder cancels and replaces the working order: Binance spot has
// no in-place modification.
func (b *BinanceBroker) ModifyOrder(ctx context.Context, order types.Order) (types.Order, error) {
	if err := b.CancelOrder(ctx, order.OrderID); err != nil {
		return types.Order{}, err
	}

	order.Transmit = true

	return b.PlaceOrder(ctx, order)
}

// CancelOrder cancels a working order by our order id.
func (b *BinanceBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	ref, ok := b.exchangeIDs[orderID]
	b.mu.Unlock()

	if !ok {
		return errors.Newf(errors.ErrCodeOrderNotFound, "order %s not found", orderID)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return errors.Wrap(errors.ErrCodeBrokerUnavailable, "rate limiter interrupted", err)
	}

	_, err := b.client.NewCancelOrderService().
		Symbol(ref.symbol).
		OrderID(ref.orderID).
		Do(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeOrderFailed, "failed to cancel order on Binance", err)
	}

	b.mu.Lock()
	delete(b.exchangeIDs, orderID)
	b.mu.Unlock()

	return nil
}

func (b *BinanceBroker) buildCreateService(order types.Order) (CreateOrderService, error) {
	var side binance.SideType

	switch order.Side {
	case types.OrderSideBuy:
		side = binance.SideTypeBuy
	case types.OrderSideSell:
		side = binance.SideTypeSell
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidOrder, "unsupported order side %q", string(order.Side))
	}

	service := b.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(side).
		Quantity(strconv.FormatInt(order.Quantity, 10))

	price := order.Price.String()

	switch order.OrderType {
	case types.OrderTypeMarket:
		service = service.Type(binance.OrderTypeMarket)
	case types.OrderTypeLimit:
		service = service.
			Type(binance.OrderTypeLimit).
			Price(price).
			TimeInForce(binance.TimeInForceTypeGTC)
	case types.OrderTypeStop:
		service = service.
			Type(binance.OrderTypeStopLossLimit).
			StopPrice(price).
			Price(price).
			TimeInForce(binance.TimeInForceTypeGTC)
	case types.OrderTypeStopLimit:
		service = service.
			Type(binance.OrderTypeStopLossLimit).
			StopPrice(price).
			Price(order.Price.String()).
			TimeInForce(binance.TimeInForceTypeGTC)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidOrder, "unsupported order type %q", string(order.OrderType))
	}

	return service, nil
}

// mapOrderStatus maps Binance order status to the internal lifecycle.
func mapOrderStatus(status binance.OrderStatusType) types.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return types.OrderStatusSubmitted
	case binance.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return types.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return types.OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return types.OrderStatusFailed
	default:
		return types.OrderStatusFailed
	}
}
