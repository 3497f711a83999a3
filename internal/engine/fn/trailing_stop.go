package fn

import (
	"context"
	"fmt"
	"sync"

	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TypeTrailingStop is the registry type name of the trailing stop variant.
const TypeTrailingStop = "trailing_stop"

const atrPeriod = 14

// minStopMove is the relative stop move below which MODIFY_STOP is not
// emitted (0.1%).
var minStopMove = decimal.NewFromFloat(0.001)

// TrailingStop implements a dynamic stop-loss that trails price movement
// to lock in profits. It keeps per-instance state across evaluations: the
// highest (long) or lowest (short) price seen and the current stop level.
// The state is reset whenever the position disappears.
type TrailingStop struct {
	Base

	mu           sync.Mutex
	highestPrice decimal.Decimal
	lowestPrice  decimal.Decimal
	currentStop  decimal.Decimal
	hasHighest   bool
	hasLowest    bool
	hasStop      bool
}

var _ Function = (*TrailingStop)(nil)

// NewTrailingStop creates a trailing stop function from config. Parameters
// are validated up front.
func NewTrailingStop(config types.FunctionConfig, deps Deps) (*TrailingStop, error) {
	f := &TrailingStop{Base: newBase(config, deps)}
	if !f.ValidateParams(config.Parameters) {
		return nil, fmt.Errorf("invalid parameters for %s %q", TypeTrailingStop, config.Name)
	}

	f.logger.Info("initialized execution function",
		zap.String("type", TypeTrailingStop),
		zap.String("name", config.Name),
		zap.String("timeframe", string(config.Timeframe)),
	)

	return f, nil
}

// RequiredParams lists the mandatory parameters.
func (f *TrailingStop) RequiredParams() []string {
	return []string{"trail_percentage"}
}

// Description returns a human-readable summary.
func (f *TrailingStop) Description() string {
	return "Dynamic stop-loss that trails price movement to lock in profits"
}

// ValidateParams checks the parameter set.
func (f *TrailingStop) ValidateParams(params map[string]any) bool {
	if !validatePercentageParam(params, "trail_percentage") {
		f.logger.Error("invalid or missing trail_percentage parameter")

		return false
	}

	if _, ok := params["activation_price"]; ok {
		if !validatePriceParam(params, "activation_price") {
			f.logger.Error("invalid activation_price parameter")

			return false
		}
	}

	if _, ok := params["initial_stop"]; ok {
		if !validatePriceParam(params, "initial_stop") {
			f.logger.Error("invalid initial_stop parameter")

			return false
		}
	}

	if v, ok := params["trail_on_profit_only"]; ok {
		if _, isBool := paramBool(v); !isBool {
			f.logger.Error("trail_on_profit_only must be boolean")

			return false
		}
	}

	if v, ok := params["volatility_adjusted"]; ok {
		if _, isBool := paramBool(v); !isBool {
			f.logger.Error("volatility_adjusted must be boolean")

			return false
		}
	}

	return true
}

// Evaluate updates the trail and decides between EXIT, MODIFY_STOP, and no
// action.
func (f *TrailingStop) Evaluate(_ context.Context, ec *types.ExecutionContext) (types.ExecutionSignal, error) {
	if !f.CheckSufficientData(ec) {
		return types.NoActionSignal("Insufficient historical data"), nil
	}

	if !f.IsAlignedClose(ec) {
		return types.NoActionSignal("Not a valid candle close for timeframe"), nil
	}

	if skip, _ := f.CheckEdgeCases(ec); skip {
		return types.NoActionSignal("Skipping evaluation due to edge case"), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !ec.HasPosition() {
		f.resetTracking()

		return types.NoActionSignal("No position to trail"), nil
	}

	position := ec.Position
	currentBar := ec.CurrentBar

	trailPct := f.effectiveTrailFraction(ec)

	if v := f.Param("activation_price", nil); v != nil {
		activation, _ := paramDecimal(v)
		if position.IsLong() && currentBar.High.LessThan(activation) {
			return types.NoActionSignal(fmt.Sprintf(
				"Trailing not activated (need price > %s)", f.FormatPrice(activation),
			)), nil
		}

		if position.IsShort() && currentBar.Low.GreaterThan(activation) {
			return types.NoActionSignal(fmt.Sprintf(
				"Trailing not activated (need price < %s)", f.FormatPrice(activation),
			)), nil
		}
	}

	if profitOnly, _ := paramBool(f.Param("trail_on_profit_only", false)); profitOnly {
		if !position.UnrealizedPnL().IsPositive() {
			return types.NoActionSignal("Position not profitable, trailing disabled"), nil
		}
	}

	f.updateExtremes(currentBar, position)

	newStop := f.calculateStopLevel(position, trailPct)

	stopHit := false
	if position.IsLong() {
		stopHit = currentBar.Close.LessThanOrEqual(newStop)
	} else {
		stopHit = currentBar.Close.GreaterThanOrEqual(newStop)
	}

	f.currentStop = newStop
	f.hasStop = true

	if !stopHit {
		if f.shouldModifyStop(position, newStop) {
			newStopFloat, _ := newStop.Float64()
			trailFloat, _ := trailPct.Mul(decimal.NewFromInt(100)).Float64()

			return types.ExecutionSignal{
				Action:     types.ActionModifyStop,
				Confidence: 1.0,
				Reasoning:  fmt.Sprintf("Adjusting trailing stop to %s", f.FormatPrice(newStop)),
				Metadata: map[string]any{
					"new_stop_level":   newStopFloat,
					"trail_percentage": trailFloat,
				},
			}, nil
		}

		return types.NoActionSignal(fmt.Sprintf(
			"Trailing stop at %s, current price %s",
			f.FormatPrice(newStop), f.FormatPrice(currentBar.Close),
		)), nil
	}

	pnlPct := position.UnrealizedPnLPercent()
	reasoning := f.exitReasoning(newStop, pnlPct)

	stopFloat, _ := newStop.Float64()
	exitFloat, _ := currentBar.Close.Float64()
	pnlFloat, _ := pnlPct.Float64()

	return types.ExecutionSignal{
		Action:     types.ActionExit,
		Confidence: 1.0,
		Reasoning:  reasoning,
		Metadata: map[string]any{
			"stop_level":  stopFloat,
			"exit_price":  exitFloat,
			"pnl_percent": pnlFloat,
		},
	}, nil
}

// CurrentStopLevel returns the tracked stop level, if any. Used by tests
// and observability surfaces.
func (f *TrailingStop) CurrentStopLevel() (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.currentStop, f.hasStop
}

// effectiveTrailFraction converts trail_percentage into a fraction,
// optionally scaled by realized volatility. With volatility_adjusted the
// trail follows a 14-bar ATR measure, bounded within [0.5x, 2x] of the
// configured percentage.
func (f *TrailingStop) effectiveTrailFraction(ec *types.ExecutionContext) decimal.Decimal {
	basePct, _ := paramDecimal(f.Param("trail_percentage", nil))
	base := basePct.Div(decimal.NewFromInt(100))

	adjusted, _ := paramBool(f.Param("volatility_adjusted", false))
	if !adjusted {
		return base
	}

	atr := averageTrueRange(ec.HistoricalBars, ec.CurrentBar, atrPeriod)
	if !atr.IsPositive() || !ec.CurrentBar.Close.IsPositive() {
		return base
	}

	atrFraction := atr.Div(ec.CurrentBar.Close)
	lower := base.Div(decimal.NewFromInt(2))
	upper := base.Mul(decimal.NewFromInt(2))

	return decimal.Min(upper, decimal.Max(lower, atrFraction))
}

func (f *TrailingStop) updateExtremes(bar types.Bar, position *types.PositionState) {
	if position.IsLong() {
		if !f.hasHighest || bar.High.GreaterThan(f.highestPrice) {
			f.highestPrice = bar.High
			f.hasHighest = true
		}

		return
	}

	if !f.hasLowest || bar.Low.LessThan(f.lowestPrice) {
		f.lowestPrice = bar.Low
		f.hasLowest = true
	}
}

func (f *TrailingStop) calculateStopLevel(position *types.PositionState, trailPct decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)

	if position.IsLong() {
		if !f.hasHighest {
			if v := f.Param("initial_stop", nil); v != nil {
				initial, _ := paramDecimal(v)

				return initial
			}

			return position.EntryPrice.Mul(one.Sub(trailPct))
		}

		newStop := f.highestPrice.Mul(one.Sub(trailPct))

		// Ratchet: never lower the stop for longs
		if f.hasStop {
			newStop = decimal.Max(newStop, f.currentStop)
		}

		return newStop
	}

	if !f.hasLowest {
		if v := f.Param("initial_stop", nil); v != nil {
			initial, _ := paramDecimal(v)

			return initial
		}

		return position.EntryPrice.Mul(one.Add(trailPct))
	}

	newStop := f.lowestPrice.Mul(one.Add(trailPct))

	// Ratchet: never raise the stop for shorts
	if f.hasStop {
		newStop = decimal.Min(newStop, f.currentStop)
	}

	return newStop
}

// shouldModifyStop reports whether the stop has moved favorably by more
// than 0.1% from the position's tracked stop.
func (f *TrailingStop) shouldModifyStop(position *types.PositionState, newStop decimal.Decimal) bool {
	if !position.StopLoss.IsPositive() {
		return true
	}

	one := decimal.NewFromInt(1)

	if position.IsLong() {
		return newStop.GreaterThan(position.StopLoss.Mul(one.Add(minStopMove)))
	}

	return newStop.LessThan(position.StopLoss.Mul(one.Sub(minStopMove)))
}

func (f *TrailingStop) exitReasoning(stopLevel, pnlPct decimal.Decimal) string {
	if pnlPct.IsPositive() {
		return fmt.Sprintf("Trailing stop hit at %s locking in %s%% profit",
			f.FormatPrice(stopLevel), pnlPct.StringFixed(2))
	}

	return fmt.Sprintf("Trailing stop hit at %s limiting loss to %s%%",
		f.FormatPrice(stopLevel), pnlPct.Abs().StringFixed(2))
}

func (f *TrailingStop) resetTracking() {
	f.highestPrice = decimal.Decimal{}
	f.lowestPrice = decimal.Decimal{}
	f.currentStop = decimal.Decimal{}
	f.hasHighest = false
	f.hasLowest = false
	f.hasStop = false
}

// averageTrueRange computes the mean true range over the last period bars
// ending at the current bar. Returns zero when there is not enough data.
func averageTrueRange(historical []types.Bar, current types.Bar, period int) decimal.Decimal {
	bars := make([]types.Bar, 0, len(historical)+1)
	bars = append(bars, historical...)
	bars = append(bars, current)

	if len(bars) < period+1 {
		return decimal.Zero
	}

	window := bars[len(bars)-period-1:]
	total := decimal.Zero

	for i := 1; i < len(window); i++ {
		prevClose := window[i-1].Close
		bar := window[i]

		tr := decimal.Max(
			bar.High.Sub(bar.Low),
			bar.High.Sub(prevClose).Abs(),
			bar.Low.Sub(prevClose).Abs(),
		)
		total = total.Add(tr)
	}

	return total.Div(decimal.NewFromInt(int64(period)))
}
