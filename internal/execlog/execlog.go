// Package execlog records every execution function evaluation: the
// decision, its reasoning, and timing. It also aggregates counters for
// observability surfaces.
package execlog

import (
	"sync"
	"time"

	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"go.uber.org/zap"
)

// Entry is one recorded evaluation.
type Entry struct {
	FunctionName string                `json:"function_name"`
	Symbol       string                `json:"symbol"`
	Timeframe    types.Timeframe       `json:"timeframe"`
	EventID      string                `json:"event_id"`
	Action       types.ExecutionAction `json:"action"`
	Confidence   float64               `json:"confidence"`
	Reasoning    string                `json:"reasoning"`
	Duration     time.Duration         `json:"duration"`
	Timestamp    time.Time             `json:"timestamp"`
	Err          error                 `json:"-"`
}

// Metrics aggregates recorded evaluations.
type Metrics struct {
	Evaluations       int64   `json:"evaluations"`
	Signals           int64   `json:"signals"`
	Errors            int64   `json:"errors"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu            sync.Mutex
	evaluations   int64
	signals       int64
	errorCount    int64
	totalDuration time.Duration

	logger *logger.Logger
}

// NewRecorder creates a recorder writing through the given logger.
func NewRecorder(log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Recorder{logger: log}
}

// Record logs one evaluation and updates the counters. A signal is
// counted when the action is not NONE.
func (r *Recorder) Record(entry Entry) {
	r.mu.Lock()
	r.evaluations++
	r.totalDuration += entry.Duration

	if entry.Err != nil {
		r.errorCount++
	} else if entry.Action != types.ActionNone {
		r.signals++
	}
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("function", entry.FunctionName),
		zap.String("symbol", entry.Symbol),
		zap.String("timeframe", string(entry.Timeframe)),
		zap.String("event_id", entry.EventID),
		zap.String("action", string(entry.Action)),
		zap.Float64("confidence", entry.Confidence),
		zap.String("reasoning", entry.Reasoning),
		zap.Duration("duration", entry.Duration),
	}

	switch {
	case entry.Err != nil:
		r.logger.Error("function evaluation failed", append(fields, zap.Error(entry.Err))...)
	case entry.Action != types.ActionNone:
		r.logger.Info("function emitted signal", fields...)
	default:
		r.logger.Debug("function evaluated", fields...)
	}
}

// GetMetrics returns a snapshot of the aggregated counters.
func (r *Recorder) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := Metrics{
		Evaluations: r.evaluations,
		Signals:     r.signals,
		Errors:      r.errorCount,
	}

	if r.evaluations > 0 {
		m.AverageDurationMs = float64(r.totalDuration.Microseconds()) / float64(r.evaluations) / 1000
	}

	return m
}
