package orderexec

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/stretchr/testify/suite"
)

type StateStoreTestSuite struct {
	suite.Suite
	store    *StateStore
	baseTime time.Time
}

func TestStateStoreSuite(t *testing.T) {
	suite.Run(t, new(StateStoreTestSuite))
}

func (suite *StateStoreTestSuite) SetupTest() {
	store, err := NewStateStore("", logger.NewNopLogger())
	suite.Require().NoError(err)
	suite.store = store
	suite.baseTime = time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
}

func (suite *StateStoreTestSuite) TearDownTest() {
	suite.NoError(suite.store.Close())
}

func (suite *StateStoreTestSuite) order(symbol string, status types.OrderStatus) types.Order {
	return types.Order{
		OrderID:      uuid.NewString(),
		Symbol:       symbol,
		Side:         types.OrderSideBuy,
		OrderType:    types.OrderTypeLimit,
		Quantity:     100,
		Price:        d("180.25"),
		Timestamp:    suite.baseTime,
		Status:       status,
		Transmit:     true,
		Reason:       types.Reason{Reason: types.OrderReasonSignal, Message: "breakout entry"},
		FunctionName: "aapl_breakout",
	}
}

func (suite *StateStoreTestSuite) TestSnapshotRoundTrip() {
	orders := []types.Order{
		suite.order("AAPL", types.OrderStatusSubmitted),
		suite.order("TSLA", types.OrderStatusPending),
	}

	suite.store.SaveSnapshotAsync(orders)
	suite.store.Flush()

	recovered := suite.store.LoadActiveOrders()
	suite.Require().Len(recovered, 2)

	bySymbol := map[string]types.Order{}
	for _, order := range recovered {
		bySymbol[order.Symbol] = order
	}

	aapl := bySymbol["AAPL"]
	suite.Equal(types.OrderStatusSubmitted, aapl.Status)
	suite.Equal(int64(100), aapl.Quantity)
	suite.Equal("aapl_breakout", aapl.FunctionName)
	suite.True(aapl.Price.Equal(d("180.25")))
}

func (suite *StateStoreTestSuite) TestLatestSnapshotWins() {
	first := suite.order("AAPL", types.OrderStatusSubmitted)
	suite.store.SaveSnapshotAsync([]types.Order{first})

	second := suite.order("TSLA", types.OrderStatusSubmitted)
	suite.store.SaveSnapshotAsync([]types.Order{second})
	suite.store.Flush()

	recovered := suite.store.LoadActiveOrders()
	suite.Require().Len(recovered, 1)
	suite.Equal("TSLA", recovered[0].Symbol)
}

func (suite *StateStoreTestSuite) TestRecoverySkipsTerminalOrders() {
	orders := []types.Order{
		suite.order("AAPL", types.OrderStatusSubmitted),
		suite.order("AAPL", types.OrderStatusFilled),
		suite.order("AAPL", types.OrderStatusCancelled),
	}

	suite.store.SaveSnapshotAsync(orders)
	suite.store.Flush()

	recovered := suite.store.LoadActiveOrders()
	suite.Require().Len(recovered, 1)
	suite.Equal(types.OrderStatusSubmitted, recovered[0].Status)
}

func (suite *StateStoreTestSuite) TestBracketLinkageSurvivesRestart() {
	parent := suite.order("AAPL", types.OrderStatusSubmitted)
	parent.ParentOrderID = "BRACKET_a1b2c3d4"

	stop := suite.order("AAPL", types.OrderStatusSubmitted)
	stop.OrderType = types.OrderTypeStop
	stop.ParentOrderID = parent.ParentOrderID
	stop.Transmit = false

	suite.store.SaveSnapshotAsync([]types.Order{parent, stop})
	suite.store.Flush()

	recovered := suite.store.LoadActiveOrders()
	suite.Require().Len(recovered, 2)

	for _, order := range recovered {
		suite.Equal("BRACKET_a1b2c3d4", order.ParentOrderID)
	}

	for _, order := range recovered {
		if order.OrderType == types.OrderTypeStop {
			suite.False(order.Transmit)
		}
	}
}

func (suite *StateStoreTestSuite) TestEmptyStoreRecoversClean() {
	suite.Empty(suite.store.LoadActiveOrders())
}

func (suite *StateStoreTestSuite) TestAuditTrailIsChronological() {
	order := suite.order("AAPL", types.OrderStatusSubmitted)

	suite.Require().NoError(suite.store.AppendAudit("placed", order))

	order.Status = types.OrderStatusCancelled
	suite.Require().NoError(suite.store.AppendAudit("cancelled", order))

	trail, err := suite.store.AuditTrail()
	suite.Require().NoError(err)
	suite.Require().Len(trail, 2)
	suite.Equal("placed", trail[0].Action)
	suite.Equal("cancelled", trail[1].Action)
	suite.Equal(order.OrderID, trail[1].OrderID)
	suite.Equal(types.OrderStatusCancelled, trail[1].Status)
}

func (suite *StateStoreTestSuite) TestSaveAfterCloseIsIgnored() {
	suite.Require().NoError(suite.store.Close())
	suite.NotPanics(func() {
		suite.store.SaveSnapshotAsync([]types.Order{suite.order("AAPL", types.OrderStatusSubmitted)})
		suite.store.Flush()
	})

	// reopen for TearDownTest
	store, err := NewStateStore("", logger.NewNopLogger())
	suite.Require().NoError(err)
	suite.store = store
}
