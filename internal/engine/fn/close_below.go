package fn

import (
	"context"
	"fmt"

	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TypeCloseBelow is the registry type name of the close-below variant.
const TypeCloseBelow = "close_below"

const (
	closeBelowExitConfidence  = 0.9
	closeBelowEntryConfidence = 0.6
	closeBelowMaxVolumeBoost  = 0.15
	maxMomentumPenalty        = 0.1
)

// CloseBelow triggers when price closes below a threshold level. With
// action=EXIT (the default) it behaves as a stop-loss trigger; with
// action=ENTER_SHORT it enters on a support break.
type CloseBelow struct {
	Base
}

var _ Function = (*CloseBelow)(nil)

// NewCloseBelow creates a close-below function from config. Parameters are
// validated up front.
func NewCloseBelow(config types.FunctionConfig, deps Deps) (*CloseBelow, error) {
	f := &CloseBelow{Base: newBase(config, deps)}
	if !f.ValidateParams(config.Parameters) {
		return nil, fmt.Errorf("invalid parameters for %s %q", TypeCloseBelow, config.Name)
	}

	f.logger.Info("initialized execution function",
		zap.String("type", TypeCloseBelow),
		zap.String("name", config.Name),
		zap.String("timeframe", string(config.Timeframe)),
	)

	return f, nil
}

// RequiredParams lists the mandatory parameters.
func (f *CloseBelow) RequiredParams() []string {
	return []string{"threshold_price"}
}

// Description returns a human-readable summary.
func (f *CloseBelow) Description() string {
	return "Triggers action when price closes below threshold level"
}

// ValidateParams checks the parameter set.
func (f *CloseBelow) ValidateParams(params map[string]any) bool {
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
		if action != string(types.ActionExit) && action != string(types.ActionEnterShort) {
			f.logger.Error("invalid action parameter, must be EXIT or ENTER_SHORT")

			return false
		}
	}

	if !validateDistanceBand(params, f.logger) {
		return false
	}

	return true
}

// Evaluate checks whether the current bar closed below the threshold.
func (f *CloseBelow) Evaluate(_ context.Context, ec *types.ExecutionContext) (types.ExecutionSignal, error) {
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
	// Default to stop-loss behavior
	actionParam, _ := f.Param("action", string(types.ActionExit)).(string)

	if actionParam == string(types.ActionExit) && !ec.HasPosition() {
		return types.NoActionSignal("No position to exit"), nil
	}

	if actionParam == string(types.ActionEnterShort) && ec.HasPosition() {
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
		closesBelow := 0

		for _, bar := range recent {
			if bar.Close.LessThan(threshold) {
				closesBelow++
			}
		}

		if closesBelow < confirmationBars {
			return types.NoActionSignal(fmt.Sprintf(
				"Only %d/%d bars closed below %s", closesBelow, confirmationBars, f.FormatPrice(threshold),
			)), nil
		}
	}

	if currentBar.Close.GreaterThanOrEqual(threshold) {
		return types.NoActionSignal(fmt.Sprintf(
			"Close %s not below threshold %s", f.FormatPrice(currentBar.Close), f.FormatPrice(threshold),
		)), nil
	}

	priceBelowPct := threshold.Sub(currentBar.Close).Div(threshold).Mul(decimal.NewFromInt(100))

	if ok, reason := checkDistanceBand(f.Param, priceBelowPct, "below"); !ok {
		return types.NoActionSignal(reason), nil
	}

	confidence := f.calculateConfidence(ec, threshold, actionParam) * adjustment

	var reasoning string
	if actionParam == string(types.ActionExit) {
		reasoning = fmt.Sprintf("Stop-loss triggered: Price closed at %s (%s%% below stop level %s)",
			f.FormatPrice(currentBar.Close), priceBelowPct.StringFixed(2), f.FormatPrice(threshold))
	} else {
		reasoning = fmt.Sprintf("Price broke down at %s (%s%% below support %s)",
			f.FormatPrice(currentBar.Close), priceBelowPct.StringFixed(2), f.FormatPrice(threshold))
	}

	if avgVolume := f.AverageVolume(ec.HistoricalBars, volumeLookbackBars); avgVolume.IsPositive() {
		volumeRatio := decimal.NewFromInt(currentBar.Volume).Div(avgVolume)
		reasoning += fmt.Sprintf(" with %sx average volume", volumeRatio.StringFixed(1))
	}

	action := types.ActionExit
	if actionParam == string(types.ActionEnterShort) {
		action = types.ActionEnterShort
	}

	threshFloat, _ := threshold.Float64()
	closeFloat, _ := currentBar.Close.Float64()
	pctFloat, _ := priceBelowPct.Float64()

	return types.ExecutionSignal{
		Action:     action,
		Confidence: confidence,
		Reasoning:  reasoning,
		Metadata: map[string]any{
			"threshold":       threshFloat,
			"close_price":     closeFloat,
			"volume":          currentBar.Volume,
			"price_below_pct": pctFloat,
			"action_type":     actionParam,
		},
	}, nil
}

func (f *CloseBelow) calculateConfidence(ec *types.ExecutionContext, threshold decimal.Decimal, actionParam string) float64 {
	currentBar := ec.CurrentBar

	// Stop-loss exits protect capital, so they start with higher conviction.
	confidence := closeBelowExitConfidence
	if actionParam == string(types.ActionEnterShort) {
		confidence = closeBelowEntryConfidence

		// Distance below threshold boosts entries only, up to 0.1
		priceBelowPct, _ := threshold.Sub(currentBar.Close).Div(threshold).Float64()
		confidence += min(maxDistanceBoost, priceBelowPct*10)
	}

	// High volume on a breakdown is significant, up to 0.15
	if avgVolume := f.AverageVolume(ec.HistoricalBars, volumeLookbackBars); avgVolume.IsPositive() {
		volumeRatio, _ := decimal.NewFromInt(currentBar.Volume).Div(avgVolume).Float64()
		confidence += max(0, min(closeBelowMaxVolumeBoost, (volumeRatio-1)*0.1))
	}

	// Positive momentum despite the break suggests a false breakdown
	if actionParam == string(types.ActionEnterShort) && len(ec.HistoricalBars) >= momentumLookbackBars {
		momentum, _ := f.CalculateMomentum(ec.HistoricalBars[len(ec.HistoricalBars)-momentumLookbackBars:]).Float64()
		if momentum > 0 {
			confidence -= min(maxMomentumPenalty, momentum/100)
		}
	}

	return max(0.0, min(1.0, confidence))
}
