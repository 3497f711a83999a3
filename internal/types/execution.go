package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
)

// ExecutionAction is the decision an execution function can emit.
type ExecutionAction string

const (
	ActionNone       ExecutionAction = "NONE"
	ActionEnterLong  ExecutionAction = "ENTER_LONG"
	ActionEnterShort ExecutionAction = "ENTER_SHORT"
	ActionExit       ExecutionAction = "EXIT"
	ActionModifyStop ExecutionAction = "MODIFY_STOP"
)

// ConfidenceLevel buckets a numeric confidence into categories.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "LOW"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceHigh   ConfidenceLevel = "HIGH"
)

// ExecutionSignal is the result of evaluating an execution function against
// a completed bar.
type ExecutionSignal struct {
	Action     ExecutionAction `json:"action"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// NoActionSignal creates a signal that takes no action, with the given
// reasoning. Confidence is zero.
func NoActionSignal(reasoning string) ExecutionSignal {
	if reasoning == "" {
		reasoning = "No conditions met"
	}

	return ExecutionSignal{
		Action:     ActionNone,
		Confidence: 0,
		Reasoning:  reasoning,
		Metadata:   map[string]any{},
	}
}

// ConfidenceLevel converts numeric confidence to a categorical level.
func (s *ExecutionSignal) ConfidenceLevel() ConfidenceLevel {
	switch {
	case s.Confidence <= 0.33:
		return ConfidenceLow
	case s.Confidence <= 0.66:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

// ShouldExecute reports whether the signal should trigger order placement.
// A signal executes only when it carries an action and its confidence
// clears 0.5.
func (s *ExecutionSignal) ShouldExecute() bool {
	return s.Action != ActionNone && s.Confidence > 0.5
}

// Validate checks the signal's fields.
func (s *ExecutionSignal) Validate() error {
	if s.Action == "" {
		return errors.New(errors.ErrCodeInvalidSignal, "signal action is required")
	}

	if s.Confidence < 0 || s.Confidence > 1 {
		return errors.Newf(errors.ErrCodeInvalidSignal, "confidence %.4f outside [0, 1]", s.Confidence)
	}

	return nil
}

// PositionState describes the currently open position for a symbol.
// Quantity is signed: positive for long, negative for short.
type PositionState struct {
	Symbol       string          `json:"symbol" validate:"required,min=1,max=10"`
	Quantity     int64           `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// IsLong reports whether the position is long.
func (p *PositionState) IsLong() bool {
	return p.Quantity > 0
}

// IsShort reports whether the position is short.
func (p *PositionState) IsShort() bool {
	return p.Quantity < 0
}

// AbsQuantity returns the unsigned position size.
func (p *PositionState) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}

	return p.Quantity
}

// UnrealizedPnL returns the open profit or loss in price terms.
func (p *PositionState) UnrealizedPnL() decimal.Decimal {
	if p.Quantity == 0 {
		return decimal.Zero
	}

	qty := decimal.NewFromInt(p.AbsQuantity())
	if p.IsLong() {
		return p.CurrentPrice.Sub(p.EntryPrice).Mul(qty)
	}

	return p.EntryPrice.Sub(p.CurrentPrice).Mul(qty)
}

// UnrealizedPnLPercent returns the open profit or loss relative to entry,
// in percent.
func (p *PositionState) UnrealizedPnLPercent() decimal.Decimal {
	if p.Quantity == 0 || p.EntryPrice.IsZero() {
		return decimal.Zero
	}

	hundred := decimal.NewFromInt(100)
	if p.IsLong() {
		return p.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred)
	}

	return p.EntryPrice.Sub(p.CurrentPrice).Div(p.EntryPrice).Mul(hundred)
}

// ExecutionContext carries everything an execution function needs to make a
// decision against one completed bar. Instances are immutable snapshots:
// HistoricalBars is a private copy and Position is nil when flat.
type ExecutionContext struct {
	Symbol         string
	Timeframe      Timeframe
	CurrentBar     Bar
	HistoricalBars []Bar
	Params         map[string]any
	Position       *PositionState
	AccountBalance decimal.Decimal
	Timestamp      time.Time
}

// Param returns a parameter value with an optional default.
func (c *ExecutionContext) Param(key string, def any) any {
	if v, ok := c.Params[key]; ok {
		return v
	}

	return def
}

// HasPosition reports whether the context carries an open position.
func (c *ExecutionContext) HasPosition() bool {
	return c.Position != nil && c.Position.Quantity != 0
}

// FunctionConfig configures one named execution function instance.
type FunctionConfig struct {
	Name         string         `yaml:"name" json:"name" validate:"required,min=1"`
	FunctionType string         `yaml:"function_type" json:"function_type" validate:"required"`
	Timeframe    Timeframe      `yaml:"timeframe" json:"timeframe" validate:"required"`
	Parameters   map[string]any `yaml:"parameters" json:"parameters"`
	Enabled      bool           `yaml:"enabled" json:"enabled"`
	LookbackBars int            `yaml:"lookback_bars" json:"lookback_bars" validate:"gte=1,lte=1000"`
}

// Param returns a configured parameter with an optional default.
func (c *FunctionConfig) Param(key string, def any) any {
	if v, ok := c.Parameters[key]; ok {
		return v
	}

	return def
}

// Validate checks the configuration's fields.
func (c *FunctionConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid function config", err)
	}

	if !c.Timeframe.IsValid() {
		return errors.Newf(errors.ErrCodeInvalidTimeframe, "unknown timeframe %q", string(c.Timeframe))
	}

	return nil
}
