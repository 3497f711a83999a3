// Package marketdata bridges incoming bars to the function registry and
// the bar close detector. It owns the rolling historical windows per
// (symbol, timeframe) and runs function evaluation on bar close.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sevenquant/auto-trader/internal/engine/barclose"
	"github.com/sevenquant/auto-trader/internal/engine/fn"
	"github.com/sevenquant/auto-trader/internal/engine/registry"
	"github.com/sevenquant/auto-trader/internal/execlog"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SignalCallback receives actionable signals from the evaluation fan-out.
// Errors are logged per subscriber and never block other subscribers.
type SignalCallback func(ctx context.Context, signal types.ExecutionSignal, ec *types.ExecutionContext) error

// AccountState supplies position and balance snapshots for evaluation
// contexts. The order manager implements it; a nil provider yields flat
// contexts.
type AccountState interface {
	Position(symbol string) *types.PositionState
	Balance() decimal.Decimal
}

// Config tunes the adapter's buffers and clock guards.
type Config struct {
	// BufferSize bounds each rolling window. Oldest bars are evicted.
	BufferSize int
	// ClockSkewTolerance is how far into the future a bar timestamp may
	// run before the bar is rejected.
	ClockSkewTolerance time.Duration
	// StaleAgeMultiplier flags bars older than N bar durations.
	StaleAgeMultiplier int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:         200,
		ClockSkewTolerance: 2 * time.Second,
		StaleAgeMultiplier: 5,
	}
}

// Adapter wires market data to function evaluation. Buffers are owned
// exclusively by the adapter; evaluations receive copies, never live
// references.
type Adapter struct {
	config   Config
	registry *registry.Registry
	detector *barclose.Detector
	recorder *execlog.Recorder
	account  AccountState
	logger   *logger.Logger

	mu        sync.RWMutex
	buffers   map[string][]types.Bar
	callbacks []SignalCallback

	now func() time.Time
}

// NewAdapter creates an adapter and registers it as a bar close
// subscriber on the detector.
func NewAdapter(config Config, reg *registry.Registry, detector *barclose.Detector, recorder *execlog.Recorder, account AccountState, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewNopLogger()
	}

	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	if config.ClockSkewTolerance <= 0 {
		config.ClockSkewTolerance = DefaultConfig().ClockSkewTolerance
	}

	if config.StaleAgeMultiplier <= 0 {
		config.StaleAgeMultiplier = DefaultConfig().StaleAgeMultiplier
	}

	if recorder == nil {
		recorder = execlog.NewRecorder(log)
	}

	a := &Adapter{
		config:   config,
		registry: reg,
		detector: detector,
		recorder: recorder,
		account:  account,
		logger:   log,
		buffers:  make(map[string][]types.Bar),
		now:      time.Now,
	}

	detector.AddCallback(a.HandleBarClose)

	return a
}

// AddSignalCallback registers a subscriber for actionable signals.
func (a *Adapter) AddSignalCallback(cb SignalCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.callbacks = append(a.callbacks, cb)
}

// StartMonitoring initializes the rolling buffer for the pair and starts
// bar close monitoring.
func (a *Adapter) StartMonitoring(symbol string, timeframe types.Timeframe) error {
	if err := a.detector.MonitorTimeframe(symbol, timeframe); err != nil {
		return err
	}

	key := bufferKey(symbol, timeframe)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.buffers[key]; !ok {
		a.buffers[key] = make([]types.Bar, 0, a.config.BufferSize)
	}

	return nil
}

// StopMonitoring stops one timeframe, or all timeframes for the symbol
// when none is given, and tears down the matching buffers.
func (a *Adapter) StopMonitoring(symbol string, timeframes ...types.Timeframe) error {
	if err := a.detector.StopMonitoring(symbol, timeframes...); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(timeframes) == 0 {
		for _, timeframe := range types.AllTimeframes() {
			delete(a.buffers, bufferKey(symbol, timeframe))
		}

		return nil
	}

	for _, timeframe := range timeframes {
		delete(a.buffers, bufferKey(symbol, timeframe))
	}

	return nil
}

// OnMarketDataUpdate validates an incoming bar, appends it to the rolling
// buffer, and forwards it to the detector for aggregation bookkeeping.
// Bars timestamped in the future are rejected to guard against clock skew
// and replay bugs.
func (a *Adapter) OnMarketDataUpdate(bar types.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	now := a.now().UTC()
	if bar.Timestamp.After(now.Add(a.config.ClockSkewTolerance)) {
		return errors.Newf(errors.ErrCodeFutureBar,
			"bar for %s timestamped %s is ahead of clock %s",
			bar.Symbol, bar.Timestamp.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	if bar.IsStale(now, a.config.StaleAgeMultiplier) {
		a.logger.Warn("stale bar accepted",
			zap.String("symbol", bar.Symbol),
			zap.String("timeframe", string(bar.Timeframe)),
			zap.Time("timestamp", bar.Timestamp),
		)
	}

	a.appendBar(bar)

	return a.detector.UpdateBarData(bar)
}

// HandleBarClose evaluates every registered function for the event's
// timeframe and fans actionable signals out to subscribers. It is the
// callback the adapter registers on the bar close detector.
func (a *Adapter) HandleBarClose(ctx context.Context, event types.BarCloseEvent) error {
	// Synthetic higher-timeframe bars only exist here, so record them in
	// the buffer before snapshotting history.
	a.appendBar(event.Bar)

	functions := a.registry.GetFunctionsByTimeframe(event.Timeframe)
	if len(functions) == 0 {
		return nil
	}

	var wg sync.WaitGroup

	for _, function := range functions {
		if !function.Enabled() {
			continue
		}

		wg.Add(1)

		go func(function fn.Function) {
			defer wg.Done()
			a.evaluateFunction(ctx, function, event)
		}(function)
	}

	wg.Wait()

	return nil
}

// HistoricalBars returns a copy of the rolling window for the pair.
func (a *Adapter) HistoricalBars(symbol string, timeframe types.Timeframe) []types.Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()

	buffer := a.buffers[bufferKey(symbol, timeframe)]
	out := make([]types.Bar, len(buffer))
	copy(out, buffer)

	return out
}

func bufferKey(symbol string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s:%s", symbol, timeframe)
}

func (a *Adapter) appendBar(bar types.Bar) {
	key := bar.BufferKey()

	a.mu.Lock()
	defer a.mu.Unlock()

	buffer := a.buffers[key]

	// Replace rather than duplicate when the same close arrives twice
	// (direct feed plus synthetic aggregation).
	if n := len(buffer); n > 0 && buffer[n-1].Timestamp.Equal(bar.Timestamp) {
		buffer[n-1] = bar
		a.buffers[key] = buffer

		return
	}

	buffer = append(buffer, bar)
	if len(buffer) > a.config.BufferSize {
		buffer = buffer[len(buffer)-a.config.BufferSize:]
	}

	a.buffers[key] = buffer
}

// buildContext snapshots the buffer into an immutable evaluation context.
// Historical bars exclude the closing bar itself.
func (a *Adapter) buildContext(event types.BarCloseEvent) *types.ExecutionContext {
	a.mu.RLock()
	buffer := a.buffers[bufferKey(event.Symbol, event.Timeframe)]

	historical := make([]types.Bar, 0, len(buffer))
	for _, bar := range buffer {
		if bar.Timestamp.Before(event.Bar.Timestamp) {
			historical = append(historical, bar)
		}
	}
	a.mu.RUnlock()

	ec := &types.ExecutionContext{
		Symbol:         event.Symbol,
		Timeframe:      event.Timeframe,
		CurrentBar:     event.Bar,
		HistoricalBars: historical,
		Timestamp:      event.CloseTime,
	}

	if a.account != nil {
		ec.Position = a.account.Position(event.Symbol)
		ec.AccountBalance = a.account.Balance()
	}

	return ec
}

// evaluateFunction runs a single function against the event, recording
// the outcome. Panics and errors are contained per function so one bad
// evaluation cannot abandon the rest of the bar close.
func (a *Adapter) evaluateFunction(ctx context.Context, function fn.Function, event types.BarCloseEvent) {
	ec := a.buildContext(event)
	started := a.now()

	var (
		signal types.ExecutionSignal
		err    error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf(errors.ErrCodeFunctionEvaluation,
					"function %s panicked: %v", function.Name(), r)
			}
		}()

		signal, err = function.Evaluate(ctx, ec)
	}()

	a.recorder.Record(execlog.Entry{
		FunctionName: function.Name(),
		Symbol:       event.Symbol,
		Timeframe:    event.Timeframe,
		EventID:      event.EventID(),
		Action:       signal.Action,
		Confidence:   signal.Confidence,
		Reasoning:    signal.Reasoning,
		Duration:     a.now().Sub(started),
		Timestamp:    event.CloseTime,
		Err:          err,
	})

	if err != nil || !signal.ShouldExecute() {
		return
	}

	// Downstream order handling needs to know which function fired.
	if signal.Metadata == nil {
		signal.Metadata = map[string]any{}
	}

	signal.Metadata["function_name"] = function.Name()

	a.dispatchSignal(ctx, signal, ec)
}

// dispatchSignal fans an actionable signal out to all subscribers. One
// subscriber's failure must not block the others.
func (a *Adapter) dispatchSignal(ctx context.Context, signal types.ExecutionSignal, ec *types.ExecutionContext) {
	a.mu.RLock()
	callbacks := make([]SignalCallback, len(a.callbacks))
	copy(callbacks, a.callbacks)
	a.mu.RUnlock()

	for _, cb := range callbacks {
		a.invokeCallback(ctx, cb, signal, ec)
	}
}

func (a *Adapter) invokeCallback(ctx context.Context, cb SignalCallback, signal types.ExecutionSignal, ec *types.ExecutionContext) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("signal callback panicked",
				zap.String("symbol", ec.Symbol),
				zap.String("action", string(signal.Action)),
				zap.Any("panic", r),
			)
		}
	}()

	if err := cb(ctx, signal, ec); err != nil {
		a.logger.Error("signal callback failed",
			zap.String("symbol", ec.Symbol),
			zap.String("action", string(signal.Action)),
			zap.Error(err),
		)
	}
}
