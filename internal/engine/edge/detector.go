// Package edge detects market edge cases that affect execution function
// evaluation: bad data, price gaps, limit-like moves, and volume anomalies.
package edge

import (
	"fmt"

	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Severity of a detected edge case.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RecommendedAction tells the caller how to treat the evaluation.
type RecommendedAction string

const (
	ActionContinue           RecommendedAction = "continue"
	ActionSkipEvaluation     RecommendedAction = "skip_evaluation"
	ActionReduceConfidence   RecommendedAction = "reduce_confidence"
	ActionAdjustConfidence   RecommendedAction = "adjust_confidence"
	ActionIncreaseConfidence RecommendedAction = "increase_confidence"
	ActionEvaluateCarefully  RecommendedAction = "evaluate_carefully"
)

// Result describes one detected edge case.
type Result struct {
	HasEdgeCase       bool
	CaseType          string
	Severity          Severity
	Description       string
	RecommendedAction RecommendedAction
}

func noEdgeCase(description string) Result {
	return Result{
		HasEdgeCase:       false,
		CaseType:          "none",
		Severity:          SeverityNone,
		Description:       description,
		RecommendedAction: ActionContinue,
	}
}

// Config holds detector thresholds.
type Config struct {
	// GapThresholdPercent is the open-to-previous-close gap considered
	// significant, in percent.
	GapThresholdPercent float64 `yaml:"gap_threshold_percent" json:"gap_threshold_percent"`
	// LimitMovePercent is the intrabar move treated as limit-like, in percent.
	LimitMovePercent float64 `yaml:"limit_move_percent" json:"limit_move_percent"`
	// VolumeSpikeThreshold is the multiple of average volume treated as a spike.
	VolumeSpikeThreshold float64 `yaml:"volume_spike_threshold" json:"volume_spike_threshold"`
	// MinVolumeThreshold is the minimum bar volume for valid data.
	MinVolumeThreshold int64 `yaml:"min_volume_threshold" json:"min_volume_threshold"`
}

// DefaultConfig returns the standard detector thresholds.
func DefaultConfig() Config {
	return Config{
		GapThresholdPercent:  2.0,
		LimitMovePercent:     10.0,
		VolumeSpikeThreshold: 5.0,
		MinVolumeThreshold:   1000,
	}
}

// Detector runs edge case checks against completed bars. It is stateless
// and safe for concurrent use.
type Detector struct {
	gapThresholdPercent  decimal.Decimal
	limitMovePercent     decimal.Decimal
	volumeSpikeThreshold decimal.Decimal
	minVolumeThreshold   int64
	logger               *logger.Logger
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg Config, log *logger.Logger) *Detector {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Detector{
		gapThresholdPercent:  decimal.NewFromFloat(cfg.GapThresholdPercent),
		limitMovePercent:     decimal.NewFromFloat(cfg.LimitMovePercent),
		volumeSpikeThreshold: decimal.NewFromFloat(cfg.VolumeSpikeThreshold),
		minVolumeThreshold:   cfg.MinVolumeThreshold,
		logger:               log,
	}
}

// DetectAll runs every check against the current bar and returns the
// detected edge cases.
func (d *Detector) DetectAll(currentBar types.Bar, historicalBars []types.Bar) []Result {
	var edgeCases []Result

	if result := d.CheckDataQuality(currentBar); result.HasEdgeCase {
		edgeCases = append(edgeCases, result)
	}

	if len(historicalBars) > 0 {
		if result := d.DetectGap(currentBar, historicalBars[len(historicalBars)-1]); result.HasEdgeCase {
			edgeCases = append(edgeCases, result)
		}

		if result := d.DetectLimitMove(currentBar, historicalBars); result.HasEdgeCase {
			edgeCases = append(edgeCases, result)
		}
	}

	if len(historicalBars) >= 20 {
		if result := d.DetectVolumeAnomaly(currentBar, historicalBars); result.HasEdgeCase {
			edgeCases = append(edgeCases, result)
		}
	}

	return edgeCases
}

// CheckDataQuality validates basic OHLCV sanity of one bar.
func (d *Detector) CheckDataQuality(bar types.Bar) Result {
	for _, price := range []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close} {
		if !price.IsPositive() {
			return Result{
				HasEdgeCase:       true,
				CaseType:          "invalid_price",
				Severity:          SeverityHigh,
				Description:       "Bar contains zero or negative prices",
				RecommendedAction: ActionSkipEvaluation,
			}
		}
	}

	if bar.High.LessThan(bar.Low) {
		return Result{
			HasEdgeCase:       true,
			CaseType:          "invalid_ohlc",
			Severity:          SeverityHigh,
			Description:       "High price is below low price",
			RecommendedAction: ActionSkipEvaluation,
		}
	}

	if bar.Open.LessThan(bar.Low) || bar.Open.GreaterThan(bar.High) {
		return Result{
			HasEdgeCase:       true,
			CaseType:          "invalid_ohlc",
			Severity:          SeverityHigh,
			Description:       "Open price outside high-low range",
			RecommendedAction: ActionSkipEvaluation,
		}
	}

	if bar.Close.LessThan(bar.Low) || bar.Close.GreaterThan(bar.High) {
		return Result{
			HasEdgeCase:       true,
			CaseType:          "invalid_ohlc",
			Severity:          SeverityHigh,
			Description:       "Close price outside high-low range",
			RecommendedAction: ActionSkipEvaluation,
		}
	}

	if bar.Volume < d.minVolumeThreshold {
		return Result{
			HasEdgeCase:       true,
			CaseType:          "low_volume",
			Severity:          SeverityLow,
			Description:       fmt.Sprintf("Volume %d below threshold %d", bar.Volume, d.minVolumeThreshold),
			RecommendedAction: ActionReduceConfidence,
		}
	}

	return noEdgeCase("Data quality checks passed")
}

// DetectGap flags a significant gap between the current open and the
// previous close.
func (d *Detector) DetectGap(currentBar, previousBar types.Bar) Result {
	if !previousBar.Close.IsPositive() {
		return noEdgeCase("No reference close for gap detection")
	}

	gapAmount := currentBar.Open.Sub(previousBar.Close).Abs()
	gapPercent := gapAmount.Div(previousBar.Close).Mul(decimal.NewFromInt(100))

	if gapPercent.GreaterThanOrEqual(d.gapThresholdPercent) {
		direction := "up"
		if currentBar.Open.LessThan(previousBar.Close) {
			direction = "down"
		}

		severity := SeverityMedium
		action := ActionAdjustConfidence

		if gapPercent.GreaterThanOrEqual(decimal.NewFromInt(5)) {
			severity = SeverityHigh
			action = ActionEvaluateCarefully
		}

		return Result{
			HasEdgeCase:       true,
			CaseType:          "gap_" + direction,
			Severity:          severity,
			Description:       fmt.Sprintf("Price gapped %s %s%% from previous close", direction, gapPercent.StringFixed(2)),
			RecommendedAction: action,
		}
	}

	return noEdgeCase("No significant gap detected")
}

// DetectLimitMove flags limit-up/limit-down style moves relative to the
// previous close.
func (d *Detector) DetectLimitMove(currentBar types.Bar, historicalBars []types.Bar) Result {
	if len(historicalBars) == 0 {
		return noEdgeCase("Insufficient data for limit move detection")
	}

	referenceClose := historicalBars[len(historicalBars)-1].Close
	if !referenceClose.IsPositive() {
		return noEdgeCase("No reference close for limit move detection")
	}

	hundred := decimal.NewFromInt(100)
	highMove := currentBar.High.Sub(referenceClose).Div(referenceClose).Mul(hundred)
	lowMove := referenceClose.Sub(currentBar.Low).Div(referenceClose).Mul(hundred)
	maxMove := decimal.Max(highMove, lowMove)

	if maxMove.GreaterThanOrEqual(d.limitMovePercent) {
		direction := "up"
		if lowMove.GreaterThanOrEqual(highMove) {
			direction = "down"
		}

		severity := SeverityMedium
		if maxMove.GreaterThanOrEqual(decimal.NewFromInt(15)) {
			severity = SeverityHigh
		}

		return Result{
			HasEdgeCase:       true,
			CaseType:          "limit_" + direction,
			Severity:          severity,
			Description:       fmt.Sprintf("Large %s move of %s%% detected", direction, maxMove.StringFixed(2)),
			RecommendedAction: ActionEvaluateCarefully,
		}
	}

	return noEdgeCase("No limit-type move detected")
}

// DetectVolumeAnomaly flags volume spikes and dry-ups against the 20-bar
// average.
func (d *Detector) DetectVolumeAnomaly(currentBar types.Bar, historicalBars []types.Bar) Result {
	if len(historicalBars) < 20 {
		return noEdgeCase("Insufficient data for volume analysis")
	}

	var total int64
	for _, bar := range historicalBars[len(historicalBars)-20:] {
		total += bar.Volume
	}

	avgVolume := decimal.NewFromInt(total).Div(decimal.NewFromInt(20))
	if avgVolume.IsZero() {
		return Result{
			HasEdgeCase:       true,
			CaseType:          "zero_volume",
			Severity:          SeverityMedium,
			Description:       "Zero average volume detected",
			RecommendedAction: ActionReduceConfidence,
		}
	}

	volumeRatio := decimal.NewFromInt(currentBar.Volume).Div(avgVolume)

	if volumeRatio.GreaterThanOrEqual(d.volumeSpikeThreshold) {
		severity := SeverityMedium
		action := ActionIncreaseConfidence

		if volumeRatio.GreaterThanOrEqual(decimal.NewFromInt(10)) {
			severity = SeverityHigh
			action = ActionEvaluateCarefully
		}

		return Result{
			HasEdgeCase:       true,
			CaseType:          "volume_spike",
			Severity:          severity,
			Description:       fmt.Sprintf("Volume spike: %sx average volume", volumeRatio.StringFixed(1)),
			RecommendedAction: action,
		}
	}

	if volumeRatio.LessThanOrEqual(decimal.NewFromFloat(0.1)) {
		return Result{
			HasEdgeCase:       true,
			CaseType:          "volume_dry_up",
			Severity:          SeverityMedium,
			Description:       fmt.Sprintf("Very low volume: %sx average", volumeRatio.StringFixed(1)),
			RecommendedAction: ActionReduceConfidence,
		}
	}

	return noEdgeCase("Normal volume detected")
}

// ConfidenceAdjustment folds the detected edge cases into one multiplier
// in [0, 1]. A skip recommendation collapses it to zero; reductions
// multiply by 0.5/0.7/0.9 per severity; a medium volume spike can raise it
// by 1.2 before the final cap.
func (d *Detector) ConfidenceAdjustment(edgeCases []Result) float64 {
	if len(edgeCases) == 0 {
		return 1.0
	}

	adjustment := 1.0

	for _, c := range edgeCases {
		switch c.RecommendedAction {
		case ActionSkipEvaluation:
			return 0.0
		case ActionReduceConfidence:
			switch c.Severity {
			case SeverityHigh:
				adjustment *= 0.5
			case SeverityMedium:
				adjustment *= 0.7
			default:
				adjustment *= 0.9
			}
		case ActionIncreaseConfidence:
			if c.Severity == SeverityMedium {
				adjustment *= 1.2
			}
		}
	}

	return min(1.0, max(0.0, adjustment))
}

// ShouldSkipEvaluation reports whether any edge case demands skipping.
func (d *Detector) ShouldSkipEvaluation(edgeCases []Result) bool {
	for _, c := range edgeCases {
		if c.RecommendedAction == ActionSkipEvaluation {
			return true
		}
	}

	return false
}

// LogEdgeCases writes the detected edge cases to the structured log.
func (d *Detector) LogEdgeCases(edgeCases []Result, symbol string) {
	for _, c := range edgeCases {
		fields := []zap.Field{
			zap.String("symbol", symbol),
			zap.String("case_type", c.CaseType),
			zap.String("severity", string(c.Severity)),
			zap.String("action", string(c.RecommendedAction)),
			zap.String("description", c.Description),
		}

		if c.Severity == SeverityHigh {
			d.logger.Warn("edge case detected", fields...)
		} else {
			d.logger.Info("edge case detected", fields...)
		}
	}
}
