package barclose

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type BarCloseDetectorTestSuite struct {
	suite.Suite
	detector *Detector
	baseTime time.Time
}

func TestBarCloseDetectorSuite(t *testing.T) {
	suite.Run(t, new(BarCloseDetectorTestSuite))
}

func (suite *BarCloseDetectorTestSuite) SetupTest() {
	suite.detector = NewDetector(logger.NewNopLogger())
	suite.baseTime = time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
}

func (suite *BarCloseDetectorTestSuite) TearDownTest() {
	suite.detector.Close()
}

func minuteBar(symbol string, ts time.Time, open, high, low, closePrice string, volume int64) types.Bar {
	return types.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      decimal.RequireFromString(open),
		High:      decimal.RequireFromString(high),
		Low:       decimal.RequireFromString(low),
		Close:     decimal.RequireFromString(closePrice),
		Volume:    volume,
		Timeframe: types.Timeframe1Min,
	}
}

func (suite *BarCloseDetectorTestSuite) TestMonitorTimeframeIdempotent() {
	suite.NoError(suite.detector.MonitorTimeframe("AAPL", types.Timeframe1Min))
	suite.NoError(suite.detector.MonitorTimeframe("AAPL", types.Timeframe1Min))
	suite.NoError(suite.detector.MonitorTimeframe("AAPL", types.Timeframe15Min))

	monitored := suite.detector.Monitored()
	suite.Len(monitored, 1)
	suite.ElementsMatch([]types.Timeframe{types.Timeframe1Min, types.Timeframe15Min}, monitored["AAPL"])
}

func (suite *BarCloseDetectorTestSuite) TestMonitorInvalidTimeframe() {
	err := suite.detector.MonitorTimeframe("AAPL", types.Timeframe("7min"))
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidTimeframe))
}

func (suite *BarCloseDetectorTestSuite) TestStopMonitoringSpecificTimeframe() {
	suite.NoError(suite.detector.MonitorTimeframe("AAPL", types.Timeframe1Min))
	suite.NoError(suite.detector.MonitorTimeframe("AAPL", types.Timeframe15Min))

	suite.NoError(suite.detector.StopMonitoring("AAPL", types.Timeframe1Min))

	monitored := suite.detector.Monitored()
	suite.Equal([]types.Timeframe{types.Timeframe15Min}, monitored["AAPL"])
}

func (suite *BarCloseDetectorTestSuite) TestStopMonitoringAllTimeframes() {
	suite.NoError(suite.detector.MonitorTimeframe("AAPL", types.Timeframe1Min))
	suite.NoError(suite.detector.MonitorTimeframe("AAPL", types.Timeframe15Min))
	suite.NoError(suite.detector.MonitorTimeframe("TSLA", types.Timeframe5Min))

	suite.NoError(suite.detector.StopMonitoring("AAPL"))

	monitored := suite.detector.Monitored()
	suite.Len(monitored, 1)
	suite.Equal([]types.Timeframe{types.Timeframe5Min}, monitored["TSLA"])
}

func (suite *BarCloseDetectorTestSuite) TestStopMonitoringUnknownSymbol() {
	err := suite.detector.StopMonitoring("NVDA")
	suite.True(errors.HasCode(err, errors.ErrCodeNotMonitored))
}

func (suite *BarCloseDetectorTestSuite) TestClosedDetectorRejectsMonitor() {
	suite.detector.Close()

	err := suite.detector.MonitorTimeframe("AAPL", types.Timeframe1Min)
	suite.True(errors.HasCode(err, errors.ErrCodeDetectorStopped))
}

func (suite *BarCloseDetectorTestSuite) TestUpdateBarDataRejectsInvalidBar() {
	bad := minuteBar("AAPL", suite.baseTime, "100", "99", "100", "100", 1000)
	suite.Error(suite.detector.UpdateBarData(bad))
}

func (suite *BarCloseDetectorTestSuite) TestAggregateWindow() {
	closeTime := suite.baseTime.Add(5 * time.Minute)
	window := []types.Bar{
		minuteBar("AAPL", suite.baseTime.Add(1*time.Minute), "100.00", "100.50", "99.80", "100.20", 1000),
		minuteBar("AAPL", suite.baseTime.Add(2*time.Minute), "100.20", "101.00", "100.10", "100.90", 1500),
		minuteBar("AAPL", suite.baseTime.Add(3*time.Minute), "100.90", "101.20", "100.60", "100.70", 900),
		minuteBar("AAPL", suite.baseTime.Add(4*time.Minute), "100.70", "100.80", "99.50", "99.60", 2000),
		minuteBar("AAPL", suite.baseTime.Add(5*time.Minute), "99.60", "100.10", "99.40", "100.00", 1200),
	}

	bar := aggregateWindow("AAPL", types.Timeframe5Min, closeTime, window)

	suite.Equal("AAPL", bar.Symbol)
	suite.Equal(types.Timeframe5Min, bar.Timeframe)
	suite.Equal(closeTime, bar.Timestamp)
	suite.True(bar.Open.Equal(decimal.RequireFromString("100.00")))
	suite.True(bar.Close.Equal(decimal.RequireFromString("100.00")))
	suite.True(bar.High.Equal(decimal.RequireFromString("101.20")))
	suite.True(bar.Low.Equal(decimal.RequireFromString("99.40")))
	suite.Equal(int64(6600), bar.Volume)
	suite.NoError(bar.Validate())
}

func (suite *BarCloseDetectorTestSuite) TestBarForCloseAggregatesMinuteBars() {
	closeTime := suite.baseTime.Add(5 * time.Minute)

	for i := 1; i <= 5; i++ {
		bar := minuteBar("AAPL", suite.baseTime.Add(time.Duration(i)*time.Minute),
			"100", "101", "99", "100.50", 1000)
		suite.Require().NoError(suite.detector.UpdateBarData(bar))
	}

	bar, ok := suite.detector.barForClose("AAPL", types.Timeframe5Min, closeTime)
	suite.True(ok)
	suite.Equal(types.Timeframe5Min, bar.Timeframe)
	suite.Equal(int64(5000), bar.Volume)
	suite.True(bar.Close.Equal(decimal.RequireFromString("100.50")))
}

func (suite *BarCloseDetectorTestSuite) TestBarForCloseExcludesBarsOutsideWindow() {
	closeTime := suite.baseTime.Add(5 * time.Minute)

	// One bar before the window, two inside it
	early := minuteBar("AAPL", suite.baseTime, "90", "91", "89", "90.50", 700)
	suite.Require().NoError(suite.detector.UpdateBarData(early))

	for i := 4; i <= 5; i++ {
		bar := minuteBar("AAPL", suite.baseTime.Add(time.Duration(i)*time.Minute),
			"100", "101", "99", "100.50", 1000)
		suite.Require().NoError(suite.detector.UpdateBarData(bar))
	}

	bar, ok := suite.detector.barForClose("AAPL", types.Timeframe5Min, closeTime)
	suite.True(ok)
	suite.Equal(int64(2000), bar.Volume)
	suite.True(bar.Open.Equal(decimal.RequireFromString("100")))
}

func (suite *BarCloseDetectorTestSuite) TestBarForCloseFallsBackToDirectBar() {
	direct := types.Bar{
		Symbol:    "AAPL",
		Timestamp: suite.baseTime.Add(5 * time.Minute),
		Open:      decimal.RequireFromString("100"),
		High:      decimal.RequireFromString("101"),
		Low:       decimal.RequireFromString("99"),
		Close:     decimal.RequireFromString("100.50"),
		Volume:    4000,
		Timeframe: types.Timeframe5Min,
	}
	suite.Require().NoError(suite.detector.UpdateBarData(direct))

	bar, ok := suite.detector.barForClose("AAPL", types.Timeframe5Min, suite.baseTime.Add(5*time.Minute))
	suite.True(ok)
	suite.Equal(int64(4000), bar.Volume)
}

func (suite *BarCloseDetectorTestSuite) TestBarForCloseWithoutData() {
	_, ok := suite.detector.barForClose("AAPL", types.Timeframe1Min, suite.baseTime)
	suite.False(ok)
}

func (suite *BarCloseDetectorTestSuite) TestFirePublishesEvent() {
	closeTime := suite.baseTime
	suite.detector.now = func() time.Time { return closeTime.Add(120 * time.Millisecond) }

	bar := minuteBar("AAPL", closeTime, "100", "101", "99", "100.50", 1000)
	suite.Require().NoError(suite.detector.UpdateBarData(bar))

	var (
		mu     sync.Mutex
		events []types.BarCloseEvent
	)

	suite.detector.AddCallback(func(_ context.Context, event types.BarCloseEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)

		return nil
	})

	m := &monitor{symbol: "AAPL", timeframe: types.Timeframe1Min}
	suite.detector.fire(context.Background(), m, closeTime)

	mu.Lock()
	defer mu.Unlock()

	suite.Require().Len(events, 1)
	suite.Equal("AAPL", events[0].Symbol)
	suite.Equal(types.Timeframe1Min, events[0].Timeframe)
	suite.Equal(closeTime, events[0].CloseTime)
	suite.Equal(closeTime.Add(time.Minute), events[0].NextCloseTime)
	suite.Equal("AAPL_1min_20260105_143000", events[0].EventID())

	stats := suite.detector.GetTimingStats()
	suite.Equal(1, stats.Samples)
	suite.InDelta(120, stats.AverageMs, 1)
	suite.InDelta(120, stats.MaxMs, 1)
}

func (suite *BarCloseDetectorTestSuite) TestCallbackIsolation() {
	closeTime := suite.baseTime
	suite.detector.now = func() time.Time { return closeTime }

	bar := minuteBar("AAPL", closeTime, "100", "101", "99", "100.50", 1000)
	suite.Require().NoError(suite.detector.UpdateBarData(bar))

	received := 0

	suite.detector.AddCallback(func(_ context.Context, _ types.BarCloseEvent) error {
		panic("subscriber bug")
	})
	suite.detector.AddCallback(func(_ context.Context, _ types.BarCloseEvent) error {
		return errors.New(errors.ErrCodeCallbackFailed, "subscriber failure")
	})
	suite.detector.AddCallback(func(_ context.Context, _ types.BarCloseEvent) error {
		received++

		return nil
	})

	m := &monitor{symbol: "AAPL", timeframe: types.Timeframe1Min}
	suite.detector.fire(context.Background(), m, closeTime)

	suite.Equal(1, received)
}

func (suite *BarCloseDetectorTestSuite) TestFireWithoutBarSkipsEvent() {
	suite.detector.now = func() time.Time { return suite.baseTime }

	fired := false

	suite.detector.AddCallback(func(_ context.Context, _ types.BarCloseEvent) error {
		fired = true

		return nil
	})

	m := &monitor{symbol: "AAPL", timeframe: types.Timeframe1Min}
	suite.detector.fire(context.Background(), m, suite.baseTime)

	suite.False(fired)
}

func (suite *BarCloseDetectorTestSuite) TestTimerFiresNearBoundary() {
	// Shift the detector clock to just before a minute boundary so the
	// first trigger lands within the test's patience.
	boundary := time.Now().UTC().Truncate(time.Minute).Add(time.Minute)
	offset := boundary.Add(-100 * time.Millisecond).Sub(time.Now())
	suite.detector.now = func() time.Time { return time.Now().Add(offset) }

	bar := minuteBar("AAPL", boundary, "100", "101", "99", "100.50", 1000)
	suite.Require().NoError(suite.detector.UpdateBarData(bar))

	done := make(chan types.BarCloseEvent, 1)

	suite.detector.AddCallback(func(_ context.Context, event types.BarCloseEvent) error {
		select {
		case done <- event:
		default:
		}

		return nil
	})

	suite.Require().NoError(suite.detector.MonitorTimeframe("AAPL", types.Timeframe1Min))

	select {
	case event := <-done:
		suite.Equal("AAPL", event.Symbol)
		suite.Equal(boundary, event.CloseTime)
	case <-time.After(2 * time.Second):
		suite.Fail("bar close event was not detected in time")
	}
}
