package broker

import (
	"context"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type fakeCreateOrderService struct {
	symbol      string
	side        binance.SideType
	orderType   binance.OrderType
	quantity    string
	price       string
	stopPrice   string
	timeInForce binance.TimeInForceType

	response *binance.CreateOrderResponse
	err      error
}

func (s *fakeCreateOrderService) Symbol(symbol string) CreateOrderService {
	s.symbol = symbol
	return s
}

func (s *fakeCreateOrderService) Side(side binance.SideType) CreateOrderService {
	s.side = side
	return s
}

func (s *fakeCreateOrderService) Type(orderType binance.OrderType) CreateOrderService {
	s.orderType = orderType
	return s
}

func (s *fakeCreateOrderService) Quantity(quantity string) CreateOrderService {
	s.quantity = quantity
	return s
}

func (s *fakeCreateOrderService) Price(price string) CreateOrderService {
	s.price = price
	return s
}

func (s *fakeCreateOrderService) StopPrice(price string) CreateOrderService {
	s.stopPrice = price
	return s
}

func (s *fakeCreateOrderService) TimeInForce(tif binance.TimeInForceType) CreateOrderService {
	s.timeInForce = tif
	return s
}

func (s *fakeCreateOrderService) Do(_ context.Context) (*binance.CreateOrderResponse, error) {
	return s.response, s.err
}

type fakeCancelOrderService struct {
	symbol  string
	orderID int64
	err     error
}

func (s *fakeCancelOrderService) Symbol(symbol string) CancelOrderService {
	s.symbol = symbol
	return s
}

func (s *fakeCancelOrderService) OrderID(orderID int64) CancelOrderService {
	s.orderID = orderID
	return s
}

func (s *fakeCancelOrderService) Do(_ context.Context) (*binance.CancelOrderResponse, error) {
	return &binance.CancelOrderResponse{OrderID: s.orderID}, s.err
}

type fakeClient struct {
	create *fakeCreateOrderService
	cancel *fakeCancelOrderService
}

func (c *fakeClient) NewCreateOrderService() CreateOrderService { return c.create }

func (c *fakeClient) NewCancelOrderService() CancelOrderService { return c.cancel }

type BinanceBrokerTestSuite struct {
	suite.Suite
	client *fakeClient
	broker *BinanceBroker
}

func TestBinanceBrokerSuite(t *testing.T) {
	suite.Run(t, new(BinanceBrokerTestSuite))
}

func (suite *BinanceBrokerTestSuite) SetupTest() {
	suite.client = &fakeClient{
		create: &fakeCreateOrderService{
			response: &binance.CreateOrderResponse{
				OrderID: 98765,
				Status:  binance.OrderStatusTypeNew,
			},
		},
		cancel: &fakeCancelOrderService{},
	}
	suite.broker = newBinanceBrokerWithClient(suite.client, logger.NewNopLogger())
}

func (suite *BinanceBrokerTestSuite) order(orderType types.OrderType) types.Order {
	return types.Order{
		OrderID:   "order-1",
		Symbol:    "BTCUSDT",
		Side:      types.OrderSideBuy,
		OrderType: orderType,
		Quantity:  2,
		Price:     decimal.RequireFromString("180.25"),
		Timestamp: time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC),
		Status:    types.OrderStatusPending,
		Transmit:  true,
	}
}

func (suite *BinanceBrokerTestSuite) TestPlaceLimitOrderMapsFields() {
	placed, err := suite.broker.PlaceOrder(context.Background(), suite.order(types.OrderTypeLimit))
	suite.Require().NoError(err)

	suite.Equal("BTCUSDT", suite.client.create.symbol)
	suite.Equal(binance.SideTypeBuy, suite.client.create.side)
	suite.Equal(binance.OrderTypeLimit, suite.client.create.orderType)
	suite.Equal("2", suite.client.create.quantity)
	suite.Equal("180.25", suite.client.create.price)
	suite.Equal(binance.TimeInForceTypeGTC, suite.client.create.timeInForce)
	suite.Equal(types.OrderStatusSubmitted, placed.Status)
}

func (suite *BinanceBrokerTestSuite) TestPlaceStopOrderSetsStopPrice() {
	_, err := suite.broker.PlaceOrder(context.Background(), suite.order(types.OrderTypeStop))
	suite.Require().NoError(err)

	suite.Equal(binance.OrderTypeStopLossLimit, suite.client.create.orderType)
	suite.Equal("180.25", suite.client.create.stopPrice)
}

func (suite *BinanceBrokerTestSuite) TestFilledMarketOrderRecordsFill() {
	suite.client.create.response.Status = binance.OrderStatusTypeFilled

	order := suite.order(types.OrderTypeMarket)
	placed, err := suite.broker.PlaceOrder(context.Background(), order)
	suite.Require().NoError(err)

	suite.Equal(types.OrderStatusFilled, placed.Status)
	suite.True(placed.FilledPrice.Equal(order.Price))
	suite.Equal(order.Timestamp, placed.FilledAt)
}

func (suite *BinanceBrokerTestSuite) TestUntransmittedOrderIsStagedLocally() {
	order := suite.order(types.OrderTypeStop)
	order.Transmit = false

	placed, err := suite.broker.PlaceOrder(context.Background(), order)
	suite.Require().NoError(err)
	suite.Equal(types.OrderStatusSubmitted, placed.Status)

	// nothing reached the exchange
	suite.Empty(suite.client.create.symbol)
}

func (suite *BinanceBrokerTestSuite) TestCancelUsesExchangeOrderID() {
	_, err := suite.broker.PlaceOrder(context.Background(), suite.order(types.OrderTypeLimit))
	suite.Require().NoError(err)

	suite.Require().NoError(suite.broker.CancelOrder(context.Background(), "order-1"))
	suite.Equal("BTCUSDT", suite.client.cancel.symbol)
	suite.Equal(int64(98765), suite.client.cancel.orderID)
}

func (suite *BinanceBrokerTestSuite) TestCancelUnknownOrder() {
	err := suite.broker.CancelOrder(context.Background(), "missing")
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeOrderNotFound))
}

func (suite *BinanceBrokerTestSuite) TestModifyCancelsAndReplaces() {
	_, err := suite.broker.PlaceOrder(context.Background(), suite.order(types.OrderTypeLimit))
	suite.Require().NoError(err)

	modified := suite.order(types.OrderTypeLimit)
	modified.Price = decimal.RequireFromString("179.50")

	placed, err := suite.broker.ModifyOrder(context.Background(), modified)
	suite.Require().NoError(err)

	suite.Equal(int64(98765), suite.client.cancel.orderID)
	suite.Equal("179.50", suite.client.create.price)
	suite.Equal(types.OrderStatusSubmitted, placed.Status)
}

func (suite *BinanceBrokerTestSuite) TestPlaceFailureWrapsError() {
	suite.client.create.err = errors.New(errors.ErrCodeUnknown, "exchange down")

	_, err := suite.broker.PlaceOrder(context.Background(), suite.order(types.OrderTypeMarket))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeOrderFailed))
}

func (suite *BinanceBrokerTestSuite) TestUnsupportedSideRejected() {
	order := suite.order(types.OrderTypeMarket)
	order.Side = types.OrderSide("HOLD")

	_, err := suite.broker.PlaceOrder(context.Background(), order)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidOrder))
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[binance.OrderStatusType]types.OrderStatus{
		binance.OrderStatusTypeNew:             types.OrderStatusSubmitted,
		binance.OrderStatusTypePartiallyFilled: types.OrderStatusSubmitted,
		binance.OrderStatusTypeFilled:          types.OrderStatusFilled,
		binance.OrderStatusTypeCanceled:        types.OrderStatusCancelled,
		binance.OrderStatusTypeRejected:        types.OrderStatusRejected,
		binance.OrderStatusTypeExpired:         types.OrderStatusFailed,
	}

	for input, want := range cases {
		if got := mapOrderStatus(input); got != want {
			t.Errorf("mapOrderStatus(%s) = %s, want %s", input, got, want)
		}
	}
}
