// Package barclose schedules wall-clock triggers at timeframe boundaries
// for monitored (symbol, timeframe) pairs and publishes BarCloseEvents to
// subscribers.
package barclose

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"go.uber.org/zap"
)

// Callback receives a BarCloseEvent when a monitored pair's timeframe
// boundary fires. Callbacks for the same (symbol, timeframe) run in
// close-time order; an error return is logged and does not affect other
// subscribers.
type Callback func(ctx context.Context, event types.BarCloseEvent) error

// maxMinuteBars bounds the per-symbol 1-minute history kept for
// higher-timeframe aggregation (one trading day of minutes).
const maxMinuteBars = 1440

// TimingStats summarizes detection latency between the true boundary and
// the moment the trigger fired.
type TimingStats struct {
	Samples   int     `json:"samples"`
	AverageMs float64 `json:"average_ms"`
	MaxMs     float64 `json:"max_ms"`
}

type monitor struct {
	symbol    string
	timeframe types.Timeframe
	cancel    context.CancelFunc
}

// Detector fires callbacks at the wall-clock close of each monitored
// (symbol, timeframe) pair. Each pair runs its own timer goroutine, so a
// 1-minute and a 15-minute monitor on the same symbol fire independently.
// Higher timeframes synthesize their bar from the intervening 1-minute
// bars fed through UpdateBarData.
type Detector struct {
	mu         sync.Mutex
	monitors   map[string]*monitor
	callbacks  []Callback
	latest     map[string]types.Bar
	minuteBars map[string][]types.Bar
	closed     bool

	totalLatency time.Duration
	maxLatency   time.Duration
	samples      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logger.Logger

	// swappable for tests
	now func() time.Time
}

// NewDetector creates a stopped-state-free detector. Call Close to stop
// all monitoring and wait for timer goroutines to exit.
func NewDetector(log *logger.Logger) *Detector {
	if log == nil {
		log = logger.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Detector{
		monitors:   make(map[string]*monitor),
		latest:     make(map[string]types.Bar),
		minuteBars: make(map[string][]types.Bar),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log,
		now:        time.Now,
	}
}

func monitorKey(symbol string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s:%s", symbol, timeframe)
}

// MonitorTimeframe starts monitoring a (symbol, timeframe) pair. Calling
// it again for an already monitored pair is a no-op.
func (d *Detector) MonitorTimeframe(symbol string, timeframe types.Timeframe) error {
	if !timeframe.IsValid() {
		return errors.Newf(errors.ErrCodeInvalidTimeframe, "unknown timeframe %q", string(timeframe))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New(errors.ErrCodeDetectorStopped, "bar close detector is stopped")
	}

	key := monitorKey(symbol, timeframe)
	if _, exists := d.monitors[key]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(d.ctx)
	m := &monitor{symbol: symbol, timeframe: timeframe, cancel: cancel}
	d.monitors[key] = m

	d.wg.Add(1)
	go d.runMonitor(ctx, m)

	d.logger.Info("monitoring bar closes",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(timeframe)),
	)

	return nil
}

// UpdateBarData feeds the latest completed bar for aggregation
// bookkeeping. It never triggers callbacks; the schedule consults the
// stored bars when it fires. 1-minute bars are additionally retained in a
// bounded per-symbol history for higher-timeframe synthesis.
func (d *Detector) UpdateBarData(bar types.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.latest[bar.BufferKey()] = bar

	if bar.Timeframe != types.Timeframe1Min {
		return nil
	}

	history := append(d.minuteBars[bar.Symbol], bar)
	if len(history) > maxMinuteBars {
		history = history[len(history)-maxMinuteBars:]
	}

	d.minuteBars[bar.Symbol] = history

	return nil
}

// AddCallback registers a subscriber for bar close events.
func (d *Detector) AddCallback(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callbacks = append(d.callbacks, cb)
}

// StopMonitoring stops one or more timeframes for a symbol. With no
// timeframes given, every monitor for the symbol is stopped.
func (d *Detector) StopMonitoring(symbol string, timeframes ...types.Timeframe) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stopped := 0

	if len(timeframes) == 0 {
		for key, m := range d.monitors {
			if m.symbol == symbol {
				m.cancel()
				delete(d.monitors, key)
				stopped++
			}
		}
	} else {
		for _, timeframe := range timeframes {
			key := monitorKey(symbol, timeframe)
			if m, ok := d.monitors[key]; ok {
				m.cancel()
				delete(d.monitors, key)
				stopped++
			}
		}
	}

	if stopped == 0 {
		return errors.Newf(errors.ErrCodeNotMonitored, "symbol %q is not monitored", symbol)
	}

	d.logger.Info("stopped monitoring",
		zap.String("symbol", symbol),
		zap.Int("monitors", stopped),
	)

	return nil
}

// Monitored returns the current monitoring set, symbol to timeframes.
func (d *Detector) Monitored() map[string][]types.Timeframe {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string][]types.Timeframe)
	for _, m := range d.monitors {
		out[m.symbol] = append(out[m.symbol], m.timeframe)
	}

	return out
}

// GetTimingStats returns detection latency statistics.
func (d *Detector) GetTimingStats() TimingStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := TimingStats{Samples: d.samples}
	if d.samples > 0 {
		stats.AverageMs = float64(d.totalLatency.Microseconds()) / float64(d.samples) / 1000
		stats.MaxMs = float64(d.maxLatency.Microseconds()) / 1000
	}

	return stats
}

// Close stops all monitoring and waits for timer goroutines to exit. The
// detector cannot be reused afterwards.
func (d *Detector) Close() {
	d.mu.Lock()
	d.closed = true
	d.monitors = make(map[string]*monitor)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// runMonitor is the per-pair timer loop. A panic while firing is caught
// and the schedule rebuilt on the next boundary instead of the monitor
// silently dying.
func (d *Detector) runMonitor(ctx context.Context, m *monitor) {
	defer d.wg.Done()

	for {
		closeTime, err := m.timeframe.NextClose(d.now())
		if err != nil {
			d.logger.Error("cannot schedule bar close",
				zap.String("symbol", m.symbol),
				zap.String("timeframe", string(m.timeframe)),
				zap.Error(err),
			)

			return
		}

		timer := time.NewTimer(closeTime.Sub(d.now()))

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
			d.fire(ctx, m, closeTime)
		}
	}
}

func (d *Detector) fire(ctx context.Context, m *monitor, closeTime time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("bar close handler panicked, rebuilding schedule",
				zap.String("symbol", m.symbol),
				zap.String("timeframe", string(m.timeframe)),
				zap.Any("panic", r),
			)
		}
	}()

	latency := d.now().Sub(closeTime)
	d.recordLatency(latency)

	bar, ok := d.barForClose(m.symbol, m.timeframe, closeTime)
	if !ok {
		d.logger.Debug("no bar data at close, skipping event",
			zap.String("symbol", m.symbol),
			zap.String("timeframe", string(m.timeframe)),
			zap.Time("close_time", closeTime),
		)

		return
	}

	nextClose, err := m.timeframe.NextClose(closeTime)
	if err != nil {
		nextClose = closeTime
	}

	event := types.BarCloseEvent{
		Symbol:        m.symbol,
		Timeframe:     m.timeframe,
		CloseTime:     closeTime,
		Bar:           bar,
		NextCloseTime: nextClose,
	}

	d.logger.Debug("bar close detected",
		zap.String("event_id", event.EventID()),
		zap.Duration("latency", latency),
	)

	d.notify(ctx, event)
}

// notify invokes all subscribers in registration order. Each callback is
// isolated so one failing subscriber cannot prevent the others from being
// notified.
func (d *Detector) notify(ctx context.Context, event types.BarCloseEvent) {
	d.mu.Lock()
	callbacks := make([]Callback, len(d.callbacks))
	copy(callbacks, d.callbacks)
	d.mu.Unlock()

	for _, cb := range callbacks {
		d.invoke(ctx, cb, event)
	}
}

func (d *Detector) invoke(ctx context.Context, cb Callback, event types.BarCloseEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("bar close callback panicked",
				zap.String("event_id", event.EventID()),
				zap.Any("panic", r),
			)
		}
	}()

	if err := cb(ctx, event); err != nil {
		d.logger.Error("bar close callback failed",
			zap.String("event_id", event.EventID()),
			zap.Error(err),
		)
	}
}

func (d *Detector) recordLatency(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.samples++
	d.totalLatency += latency

	if latency > d.maxLatency {
		d.maxLatency = latency
	}
}

// barForClose resolves the bar to publish for a boundary. 1-minute
// monitors use the latest stored 1-minute bar. Higher timeframes
// aggregate the 1-minute bars inside (closeTime-duration, closeTime],
// falling back to a directly supplied bar for the pair when no minute
// data exists.
func (d *Detector) barForClose(symbol string, timeframe types.Timeframe, closeTime time.Time) (types.Bar, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := monitorKey(symbol, timeframe)

	if timeframe == types.Timeframe1Min {
		bar, ok := d.latest[key]

		return bar, ok
	}

	duration, err := timeframe.Duration()
	if err != nil {
		return types.Bar{}, false
	}

	windowStart := closeTime.Add(-duration)

	var window []types.Bar

	for _, bar := range d.minuteBars[symbol] {
		if bar.Timestamp.After(windowStart) && !bar.Timestamp.After(closeTime) {
			window = append(window, bar)
		}
	}

	if len(window) == 0 {
		bar, ok := d.latest[key]

		return bar, ok
	}

	return aggregateWindow(symbol, timeframe, closeTime, window), true
}

// aggregateWindow folds consecutive lower-timeframe bars into one
// synthetic higher-timeframe bar: first open, last close, extrema of
// high/low, summed volume.
func aggregateWindow(symbol string, timeframe types.Timeframe, closeTime time.Time, window []types.Bar) types.Bar {
	out := types.Bar{
		Symbol:    symbol,
		Timestamp: closeTime.UTC(),
		Open:      window[0].Open,
		High:      window[0].High,
		Low:       window[0].Low,
		Close:     window[len(window)-1].Close,
		Timeframe: timeframe,
	}

	for _, bar := range window {
		if bar.High.GreaterThan(out.High) {
			out.High = bar.High
		}

		if bar.Low.LessThan(out.Low) {
			out.Low = bar.Low
		}

		out.Volume += bar.Volume
	}

	return out
}
