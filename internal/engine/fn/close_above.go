package fn

import (
	"context"
	"fmt"

	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TypeCloseAbove is the registry type name of the close-above variant.
const TypeCloseAbove = "close_above"

const (
	closeAboveBaseConfidence = 0.6
	closeAboveExitConfidence = 0.9
	maxDistanceBoost         = 0.1
	maxVolumeBoost           = 0.2
	maxMomentumBoost         = 0.1
	volumeLookbackBars       = 20
	momentumLookbackBars     = 5
)

// CloseAbove triggers when price closes above a threshold level. Commonly
// used for breakout entries or resistance breaks; with action=EXIT it
// covers a short position instead.
type CloseAbove struct {
	Base
}

var _ Function = (*CloseAbove)(nil)

// NewCloseAbove creates a close-above function from config. Parameters are
// validated up front.
func NewCloseAbove(config types.FunctionConfig, deps Deps) (*CloseAbove, error) {
	f := &CloseAbove{Base: newBase(config, deps)}
	if !f.ValidateParams(config.Parameters) {
		return nil, fmt.Errorf("invalid parameters for %s %q", TypeCloseAbove, config.Name)
	}

	f.logger.Info("initialized execution function",
		zap.String("type", TypeCloseAbove),
		zap.String("name", config.Name),
		zap.String("timeframe", string(config.Timeframe)),
	)

	return f, nil
}

// RequiredParams lists the mandatory parameters.
func (f *CloseAbove) RequiredParams() []string {
	return []string{"threshold_price"}
}

// Description returns a human-readable summary.
func (f *CloseAbove) Description() string {
	return "Triggers entry when price closes above threshold level"
}

// ValidateParams checks the parameter set.
func (f *CloseAbove) ValidateParams(params map[string]any) bool {
	if !validatePriceParam(params, "threshold_price") {
		f.logger.Error("invalid or missing threshold_price parameter")

		return false
	}

	if _, ok := params["min_volume"]; ok {
		if !validateIntParam(params, "min_volume", 0, -1) {
			f.logger.Error("invalid min_volume parameter")

			return false
		}
	}

	if _, ok := params["confirmation_bars"]; ok {
		if !validateIntParam(params, "confirmation_bars", 1, 10) {
			f.logger.Error("invalid confirmation_bars parameter")

			return false
		}
	}

	if v, ok := params["action"]; ok {
		action, _ := v.(string)
		if action != string(types.ActionEnterLong) && action != string(types.ActionExit) {
			f.logger.Error("invalid action parameter, must be ENTER_LONG or EXIT")

			return false
		}
	}

	if !validateDistanceBand(params, f.logger) {
		return false
	}

	return true
}

// Evaluate checks whether the current bar closed above the threshold.
func (f *CloseAbove) Evaluate(_ context.Context, ec *types.ExecutionContext) (types.ExecutionSignal, error) {
	if !f.CheckSufficientData(ec) {
		return types.NoActionSignal("Insufficient historical data"), nil
	}

	if !f.IsAlignedClose(ec) {
		return types.NoActionSignal("Not a valid candle close for timeframe"), nil
	}

	skip, adjustment := f.CheckEdgeCases(ec)
	if skip {
		return types.NoActionSignal("Skipping evaluation due to edge case"), nil
	}

	threshold, _ := paramDecimal(f.Param("threshold_price", nil))
	minVolume, _ := paramInt(f.Param("min_volume", 0))
	confirmationBars, _ := paramInt(f.Param("confirmation_bars", 1))
	actionParam, _ := f.Param("action", string(types.ActionEnterLong)).(string)

	if actionParam == string(types.ActionExit) && !ec.HasPosition() {
		return types.NoActionSignal("No position to exit"), nil
	}

	if actionParam == string(types.ActionEnterLong) && ec.HasPosition() {
		return types.NoActionSignal("Already in position"), nil
	}

	currentBar := ec.CurrentBar

	if minVolume > 0 && currentBar.Volume < int64(minVolume) {
		return types.NoActionSignal(fmt.Sprintf("Volume %d below minimum %d", currentBar.Volume, minVolume)), nil
	}

	if confirmationBars > 1 {
		if len(ec.HistoricalBars) < confirmationBars {
			return types.NoActionSignal("Insufficient bars for confirmation"), nil
		}

		recent := ec.HistoricalBars[len(ec.HistoricalBars)-confirmationBars:]
		closesAbove := 0

		for _, bar := range recent {
			if bar.Close.GreaterThan(threshold) {
				closesAbove++
			}
		}

		if closesAbove < confirmationBars {
			return types.NoActionSignal(fmt.Sprintf(
				"Only %d/%d bars closed above %s", closesAbove, confirmationBars, f.FormatPrice(threshold),
			)), nil
		}
	}

	if currentBar.Close.LessThanOrEqual(threshold) {
		return types.NoActionSignal(fmt.Sprintf(
			"Close %s not above threshold %s", f.FormatPrice(currentBar.Close), f.FormatPrice(threshold),
		)), nil
	}

	priceAbovePct := currentBar.Close.Sub(threshold).Div(threshold).Mul(decimal.NewFromInt(100))

	if ok, reason := checkDistanceBand(f.Param, priceAbovePct, "above"); !ok {
		return types.NoActionSignal(reason), nil
	}

	confidence := f.calculateConfidence(ec, threshold, actionParam) * adjustment

	reasoning := fmt.Sprintf("Price closed at %s (%s%% above threshold %s)",
		f.FormatPrice(currentBar.Close), priceAbovePct.StringFixed(2), f.FormatPrice(threshold))

	if avgVolume := f.AverageVolume(ec.HistoricalBars, volumeLookbackBars); avgVolume.IsPositive() {
		volumeRatio := decimal.NewFromInt(currentBar.Volume).Div(avgVolume)
		reasoning += fmt.Sprintf(" with %sx average volume", volumeRatio.StringFixed(1))
	}

	action := types.ActionEnterLong
	if actionParam == string(types.ActionExit) {
		action = types.ActionExit
	}

	threshFloat, _ := threshold.Float64()
	closeFloat, _ := currentBar.Close.Float64()
	pctFloat, _ := priceAbovePct.Float64()

	return types.ExecutionSignal{
		Action:     action,
		Confidence: confidence,
		Reasoning:  reasoning,
		Metadata: map[string]any{
			"threshold":       threshFloat,
			"close_price":     closeFloat,
			"volume":          currentBar.Volume,
			"price_above_pct": pctFloat,
			"action_type":     actionParam,
		},
	}, nil
}

func (f *CloseAbove) calculateConfidence(ec *types.ExecutionContext, threshold decimal.Decimal, actionParam string) float64 {
	// Exits protect capital, so they start with higher conviction.
	if actionParam == string(types.ActionExit) {
		return closeAboveExitConfidence
	}

	currentBar := ec.CurrentBar
	confidence := closeAboveBaseConfidence

	// Distance above threshold, up to 0.1
	priceAbovePct, _ := currentBar.Close.Sub(threshold).Div(threshold).Float64()
	confidence += min(maxDistanceBoost, priceAbovePct*10)

	// Volume versus the 20-bar average, up to 0.2
	if avgVolume := f.AverageVolume(ec.HistoricalBars, volumeLookbackBars); avgVolume.IsPositive() {
		volumeRatio, _ := decimal.NewFromInt(currentBar.Volume).Div(avgVolume).Float64()
		confidence += max(0, min(maxVolumeBoost, (volumeRatio-1)*0.1))
	}

	// Momentum leading into the break, up to 0.1
	if len(ec.HistoricalBars) >= momentumLookbackBars {
		momentum, _ := f.CalculateMomentum(ec.HistoricalBars[len(ec.HistoricalBars)-momentumLookbackBars:]).Float64()
		if momentum > 0 {
			confidence += min(maxMomentumBoost, momentum/100)
		}
	}

	return min(1.0, confidence)
}

// validateDistanceBand checks the optional min/max distance parameters and
// their ordering.
func validateDistanceBand(params map[string]any, log *logger.Logger) bool {
	_, hasMax := params["max_distance_percent"]
	if hasMax && !validatePercentageParam(params, "max_distance_percent") {
		log.Error("invalid max_distance_percent parameter")

		return false
	}

	_, hasMin := params["min_distance_percent"]
	if hasMin {
		if !validatePercentageParam(params, "min_distance_percent") {
			log.Error("invalid min_distance_percent parameter")

			return false
		}

		if hasMax {
			minDist, _ := paramFloat(params["min_distance_percent"])
			maxDist, _ := paramFloat(params["max_distance_percent"])

			if minDist >= maxDist {
				log.Error("min_distance_percent must be less than max_distance_percent")

				return false
			}
		}
	}

	return true
}

// checkDistanceBand enforces the configured min/max distance band against
// the realized break distance in percent.
func checkDistanceBand(param func(string, any) any, distancePct decimal.Decimal, direction string) (bool, string) {
	minDist, _ := paramFloat(param("min_distance_percent", 0.0))
	maxDist, _ := paramFloat(param("max_distance_percent", 100.0))
	distance, _ := distancePct.Float64()

	if distance < minDist {
		return false, fmt.Sprintf("Price only %.2f%% %s threshold, minimum required: %g%%", distance, direction, minDist)
	}

	if distance > maxDist {
		return false, fmt.Sprintf("Price %.2f%% %s threshold exceeds maximum allowed: %g%%", distance, direction, maxDist)
	}

	return true, ""
}
