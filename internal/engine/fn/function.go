// Package fn contains the execution function framework: the Function
// interface, the shared evaluation preamble, and the concrete variants
// (close above, close below, trailing stop).
package fn

import (
	"context"
	"fmt"

	"github.com/sevenquant/auto-trader/internal/engine/edge"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Function is implemented by every execution function variant. Evaluate is
// called once per completed bar on the function's configured timeframe.
type Function interface {
	// Name returns the unique instance name from the config.
	Name() string
	// Timeframe returns the timeframe the function monitors.
	Timeframe() types.Timeframe
	// Enabled reports whether the instance is active.
	Enabled() bool
	// ValidateParams checks function-specific parameters. Violations are
	// logged and reported as false; Evaluate assumes parameters are valid.
	ValidateParams(params map[string]any) bool
	// Evaluate inspects the execution context and returns a signal.
	Evaluate(ctx context.Context, ec *types.ExecutionContext) (types.ExecutionSignal, error)
	// RequiredParams lists the parameter names that must be configured.
	RequiredParams() []string
	// Description is a human-readable summary of the variant's behavior.
	Description() string
}

// Deps carries the collaborators injected into every function instance.
type Deps struct {
	Detector *edge.Detector
	Logger   *logger.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logger.NewNopLogger()
	}

	if d.Detector == nil {
		d.Detector = edge.NewDetector(edge.DefaultConfig(), d.Logger)
	}

	return d
}

// Base holds the configuration and collaborators shared by all variants.
type Base struct {
	config   types.FunctionConfig
	detector *edge.Detector
	logger   *logger.Logger
}

func newBase(config types.FunctionConfig, deps Deps) Base {
	deps = deps.withDefaults()

	return Base{
		config:   config,
		detector: deps.Detector,
		logger:   deps.Logger,
	}
}

// Name returns the configured instance name.
func (b *Base) Name() string { return b.config.Name }

// Timeframe returns the configured timeframe.
func (b *Base) Timeframe() types.Timeframe { return b.config.Timeframe }

// Enabled reports whether the instance is active.
func (b *Base) Enabled() bool { return b.config.Enabled }

// Param returns a configured parameter with an optional default.
func (b *Base) Param(key string, def any) any { return b.config.Param(key, def) }

// CheckSufficientData reports whether the context carries at least the
// configured lookback of historical bars.
func (b *Base) CheckSufficientData(ec *types.ExecutionContext) bool {
	available := len(ec.HistoricalBars)
	if available < b.config.LookbackBars {
		b.logger.Warn("insufficient historical data",
			zap.String("function", b.config.Name),
			zap.Int("need", b.config.LookbackBars),
			zap.Int("have", available),
		)

		return false
	}

	return true
}

// IsAlignedClose reports whether the current bar closes on a boundary of
// the function's timeframe. A 15-minute function only acts on bars whose
// close time falls on a 15-minute mark.
func (b *Base) IsAlignedClose(ec *types.ExecutionContext) bool {
	return b.config.Timeframe.IsBoundary(ec.CurrentBar.Timestamp)
}

// CheckEdgeCases runs the edge case detector over the context. It returns
// whether evaluation must be skipped and, if not, the confidence
// multiplier to apply to the variant's base confidence.
func (b *Base) CheckEdgeCases(ec *types.ExecutionContext) (skip bool, adjustment float64) {
	edgeCases := b.detector.DetectAll(ec.CurrentBar, ec.HistoricalBars)
	if len(edgeCases) == 0 {
		return false, 1.0
	}

	b.detector.LogEdgeCases(edgeCases, ec.Symbol)

	if b.detector.ShouldSkipEvaluation(edgeCases) {
		return true, 0.0
	}

	return false, b.detector.ConfidenceAdjustment(edgeCases)
}

// CalculateMomentum returns the percent change from the first to the last
// bar's close.
func (b *Base) CalculateMomentum(bars []types.Bar) decimal.Decimal {
	if len(bars) < 2 {
		return decimal.Zero
	}

	firstClose := bars[0].Close
	if firstClose.IsZero() {
		return decimal.Zero
	}

	lastClose := bars[len(bars)-1].Close

	return lastClose.Sub(firstClose).Div(firstClose).Mul(decimal.NewFromInt(100))
}

// AverageVolume returns the mean volume of the trailing window, or zero
// when fewer than window bars are available.
func (b *Base) AverageVolume(bars []types.Bar, window int) decimal.Decimal {
	if window <= 0 || len(bars) < window {
		return decimal.Zero
	}

	var total int64
	for _, bar := range bars[len(bars)-window:] {
		total += bar.Volume
	}

	return decimal.NewFromInt(total).Div(decimal.NewFromInt(int64(window)))
}

// FormatPrice renders a price for reasoning strings.
func (b *Base) FormatPrice(price decimal.Decimal) string {
	return "$" + price.StringFixed(4)
}

// String implements fmt.Stringer.
func (b *Base) String() string {
	return fmt.Sprintf("%s(%s)", b.config.Name, b.config.Timeframe)
}

// paramDecimal coerces a configured parameter to decimal. Accepts numeric
// and string values from YAML.
func paramDecimal(v any) (decimal.Decimal, bool) {
	switch value := v.(type) {
	case decimal.Decimal:
		return value, true
	case float64:
		return decimal.NewFromFloat(value), true
	case float32:
		return decimal.NewFromFloat32(value), true
	case int:
		return decimal.NewFromInt(int64(value)), true
	case int64:
		return decimal.NewFromInt(value), true
	case string:
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Decimal{}, false
		}

		return parsed, true
	default:
		return decimal.Decimal{}, false
	}
}

func paramInt(v any) (int, bool) {
	switch value := v.(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		if value != float64(int(value)) {
			return 0, false
		}

		return int(value), true
	default:
		return 0, false
	}
}

func paramFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}

func paramBool(v any) (bool, bool) {
	value, ok := v.(bool)

	return value, ok
}

// validatePriceParam checks that the named parameter is present and a
// positive price.
func validatePriceParam(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}

	price, ok := paramDecimal(v)

	return ok && price.IsPositive()
}

// validatePercentageParam checks that the named parameter is present and
// within [0, 100].
func validatePercentageParam(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}

	pct, ok := paramFloat(v)

	return ok && pct >= 0 && pct <= 100
}

// validateIntParam checks that the named parameter is present, integral,
// and within the given bounds. Bounds of -1 are ignored.
func validateIntParam(params map[string]any, key string, minValue, maxValue int) bool {
	v, ok := params[key]
	if !ok {
		return false
	}

	value, ok := paramInt(v)
	if !ok {
		return false
	}

	if minValue >= 0 && value < minValue {
		return false
	}

	if maxValue >= 0 && value > maxValue {
		return false
	}

	return true
}
