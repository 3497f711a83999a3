package fn

import (
	"context"
	"testing"
	"time"

	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type TrailingStopTestSuite struct {
	suite.Suite
	baseTime time.Time
}

func TestTrailingStopSuite(t *testing.T) {
	suite.Run(t, new(TrailingStopTestSuite))
}

func (suite *TrailingStopTestSuite) SetupTest() {
	suite.baseTime = time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
}

func (suite *TrailingStopTestSuite) newFunction(params map[string]any) *TrailingStop {
	cfg := types.FunctionConfig{
		Name:         "aapl_trail",
		FunctionType: TypeTrailingStop,
		Timeframe:    types.Timeframe1Min,
		Parameters:   params,
		Enabled:      true,
		LookbackBars: 5,
	}

	f, err := NewTrailingStop(cfg, Deps{Logger: logger.NewNopLogger()})
	suite.Require().NoError(err)

	return f
}

func (suite *TrailingStopTestSuite) longContext(current types.Bar, stopLoss decimal.Decimal) *types.ExecutionContext {
	pos := &types.PositionState{
		Symbol:       "AAPL",
		Quantity:     100,
		EntryPrice:   d("100"),
		CurrentPrice: current.Close,
		StopLoss:     stopLoss,
		OpenedAt:     suite.baseTime.Add(-time.Hour),
	}

	return &types.ExecutionContext{
		Symbol:         "AAPL",
		Timeframe:      types.Timeframe1Min,
		CurrentBar:     current,
		HistoricalBars: flatBars(20, "100", 10000, current.Timestamp),
		Position:       pos,
		AccountBalance: d("10000"),
		Timestamp:      current.Timestamp,
	}
}

func (suite *TrailingStopTestSuite) shortContext(current types.Bar, stopLoss decimal.Decimal) *types.ExecutionContext {
	pos := &types.PositionState{
		Symbol:       "AAPL",
		Quantity:     -100,
		EntryPrice:   d("100"),
		CurrentPrice: current.Close,
		StopLoss:     stopLoss,
		OpenedAt:     suite.baseTime.Add(-time.Hour),
	}

	return &types.ExecutionContext{
		Symbol:         "AAPL",
		Timeframe:      types.Timeframe1Min,
		CurrentBar:     current,
		HistoricalBars: flatBars(20, "100", 10000, current.Timestamp),
		Position:       pos,
		AccountBalance: d("10000"),
		Timestamp:      current.Timestamp,
	}
}

func (suite *TrailingStopTestSuite) TestExitWhenStopHit() {
	f := suite.newFunction(map[string]any{"trail_percentage": 2.0})

	// First bar runs the high up to 105, setting the trail at 102.90
	first := barAt(suite.baseTime, "100", "105", "100", "104", 10000)
	signal, err := f.Evaluate(context.Background(), suite.longContext(first, decimal.Zero))
	suite.NoError(err)
	suite.Equal(types.ActionModifyStop, signal.Action)

	stop, ok := f.CurrentStopLevel()
	suite.True(ok)
	suite.True(stop.Equal(d("102.9")), "stop level %s", stop)

	// Next close at 102.80 is below the 102.90 trail
	second := barAt(suite.baseTime.Add(time.Minute), "103.50", "103.60", "102.70", "102.80", 10000)
	signal, err = f.Evaluate(context.Background(), suite.longContext(second, d("102.9")))
	suite.NoError(err)
	suite.Equal(types.ActionExit, signal.Action)
	suite.Equal(1.0, signal.Confidence)
	suite.Contains(signal.Reasoning, "Trailing stop hit")
	suite.Contains(signal.Reasoning, "profit")
}

func (suite *TrailingStopTestSuite) TestRatchetNonDecreasingForLong() {
	f := suite.newFunction(map[string]any{"trail_percentage": 2.0})

	highs := []string{"102", "105", "104", "103", "106"}
	var prevStop decimal.Decimal

	for i, high := range highs {
		bar := barAt(suite.baseTime.Add(time.Duration(i)*time.Minute), "101", high, "101", "101.50", 10000)
		_, err := f.Evaluate(context.Background(), suite.longContext(bar, prevStop))
		suite.NoError(err)

		stop, ok := f.CurrentStopLevel()
		suite.True(ok)

		if i > 0 {
			suite.True(stop.GreaterThanOrEqual(prevStop),
				"stop %s decreased below %s at bar %d", stop, prevStop, i)
		}

		prevStop = stop
	}

	// 106 high with a 2% trail puts the final stop at 103.88
	suite.True(prevStop.Equal(d("103.88")), "final stop %s", prevStop)
}

func (suite *TrailingStopTestSuite) TestRatchetNonIncreasingForShort() {
	f := suite.newFunction(map[string]any{"trail_percentage": 2.0})

	lows := []string{"98", "95", "96", "97", "94"}
	var prevStop decimal.Decimal

	for i, low := range lows {
		bar := barAt(suite.baseTime.Add(time.Duration(i)*time.Minute), "99", "99", low, "98.50", 10000)
		_, err := f.Evaluate(context.Background(), suite.shortContext(bar, prevStop))
		suite.NoError(err)

		stop, ok := f.CurrentStopLevel()
		suite.True(ok)

		if i > 0 {
			suite.True(stop.LessThanOrEqual(prevStop),
				"stop %s increased above %s at bar %d", stop, prevStop, i)
		}

		prevStop = stop
	}

	suite.True(prevStop.Equal(d("95.88")), "final stop %s", prevStop)
}

func (suite *TrailingStopTestSuite) TestNoPositionResetsTracking() {
	f := suite.newFunction(map[string]any{"trail_percentage": 2.0})

	first := barAt(suite.baseTime, "100", "105", "100", "104", 10000)
	_, err := f.Evaluate(context.Background(), suite.longContext(first, decimal.Zero))
	suite.NoError(err)

	_, ok := f.CurrentStopLevel()
	suite.True(ok)

	flat := &types.ExecutionContext{
		Symbol:         "AAPL",
		Timeframe:      types.Timeframe1Min,
		CurrentBar:     first,
		HistoricalBars: flatBars(20, "100", 10000, first.Timestamp),
		Timestamp:      first.Timestamp,
	}

	signal, err := f.Evaluate(context.Background(), flat)
	suite.NoError(err)
	suite.Equal(types.ActionNone, signal.Action)
	suite.Equal("No position to trail", signal.Reasoning)

	_, ok = f.CurrentStopLevel()
	suite.False(ok)
}

func (suite *TrailingStopTestSuite) TestActivationPriceGates() {
	f := suite.newFunction(map[string]any{
		"trail_percentage": 2.0,
		"activation_price": 110.0,
	})

	bar := barAt(suite.baseTime, "100", "105", "100", "104", 10000)
	signal, err := f.Evaluate(context.Background(), suite.longContext(bar, decimal.Zero))
	suite.NoError(err)
	suite.Equal(types.ActionNone, signal.Action)
	suite.Contains(signal.Reasoning, "Trailing not activated")
}

func (suite *TrailingStopTestSuite) TestTrailOnProfitOnly() {
	f := suite.newFunction(map[string]any{
		"trail_percentage":     2.0,
		"trail_on_profit_only": true,
	})

	// Position entered at 100, price below entry
	bar := barAt(suite.baseTime, "99", "99.50", "98.50", "99", 10000)
	signal, err := f.Evaluate(context.Background(), suite.longContext(bar, decimal.Zero))
	suite.NoError(err)
	suite.Equal(types.ActionNone, signal.Action)
	suite.Contains(signal.Reasoning, "not profitable")
}

func (suite *TrailingStopTestSuite) TestModifyStopOnlyOnMeaningfulMove() {
	f := suite.newFunction(map[string]any{"trail_percentage": 2.0})

	// Stop would be 102.90; existing stop 102.88 is within 0.1%
	bar := barAt(suite.baseTime, "104", "105", "103.50", "104", 10000)
	signal, err := f.Evaluate(context.Background(), suite.longContext(bar, d("102.88")))
	suite.NoError(err)
	suite.Equal(types.ActionNone, signal.Action)
	suite.Contains(signal.Reasoning, "Trailing stop at")

	// A clearly stale stop triggers modification
	f2 := suite.newFunction(map[string]any{"trail_percentage": 2.0})
	signal, err = f2.Evaluate(context.Background(), suite.longContext(bar, d("101")))
	suite.NoError(err)
	suite.Equal(types.ActionModifyStop, signal.Action)
	suite.Equal(1.0, signal.Confidence)
	suite.Contains(signal.Reasoning, "Adjusting trailing stop")
}

func (suite *TrailingStopTestSuite) TestVolatilityAdjustedStaysWithinBounds() {
	f := suite.newFunction(map[string]any{
		"trail_percentage":    2.0,
		"volatility_adjusted": true,
	})

	// Flat history means near-zero ATR, so the trail tightens to the
	// lower bound: 1% of the 105 high = 103.95
	bar := barAt(suite.baseTime, "100", "105", "100", "104", 10000)
	_, err := f.Evaluate(context.Background(), suite.longContext(bar, decimal.Zero))
	suite.NoError(err)

	stop, ok := f.CurrentStopLevel()
	suite.True(ok)
	suite.True(stop.GreaterThanOrEqual(d("102.9")), "volatility-adjusted stop %s looser than base trail", stop)
	suite.True(stop.LessThan(d("105")), "stop %s must stay below the tracked high", stop)
}

func (suite *TrailingStopTestSuite) TestValidateParams() {
	base := newBase(types.FunctionConfig{Name: "probe", Timeframe: types.Timeframe1Min, LookbackBars: 5}, Deps{Logger: logger.NewNopLogger()})
	f := &TrailingStop{Base: base}

	suite.False(f.ValidateParams(map[string]any{}))
	suite.False(f.ValidateParams(map[string]any{"trail_percentage": 120.0}))
	suite.False(f.ValidateParams(map[string]any{"trail_percentage": 2.0, "activation_price": -1.0}))
	suite.False(f.ValidateParams(map[string]any{"trail_percentage": 2.0, "trail_on_profit_only": "yes"}))
	suite.True(f.ValidateParams(map[string]any{"trail_percentage": 2.0, "initial_stop": 95.0, "volatility_adjusted": true}))
}
