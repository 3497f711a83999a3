package orderexec

import (
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/risk"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BuilderConfig tunes how signals become order requests.
type BuilderConfig struct {
	// DefaultRiskCategory applies when confidence gives no steer.
	DefaultRiskCategory types.RiskCategory
	// DefaultStopLossPercent is the protective stop distance for entries
	// that carry no explicit stop (percent of entry price).
	DefaultStopLossPercent decimal.Decimal
	// DefaultTakeProfitPercent is the profit target distance for entries
	// that carry no explicit target (percent of entry price).
	DefaultTakeProfitPercent decimal.Decimal
}

// DefaultBuilderConfig uses a 5% stop and 10% target around the entry.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		DefaultRiskCategory:      types.RiskCategoryNormal,
		DefaultStopLossPercent:   decimal.NewFromInt(5),
		DefaultTakeProfitPercent: decimal.NewFromInt(10),
	}
}

// Builder converts execution signals into order requests, sizing
// positions through the risk sizer.
type Builder struct {
	config BuilderConfig
	sizer  *risk.Sizer
	logger *logger.Logger
}

// NewBuilder creates a builder. A nil sizer falls back to default risk
// sizing.
func NewBuilder(config BuilderConfig, sizer *risk.Sizer, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewNopLogger()
	}

	defaults := DefaultBuilderConfig()

	if config.DefaultRiskCategory == "" {
		config.DefaultRiskCategory = defaults.DefaultRiskCategory
	}

	if !config.DefaultStopLossPercent.IsPositive() {
		config.DefaultStopLossPercent = defaults.DefaultStopLossPercent
	}

	if !config.DefaultTakeProfitPercent.IsPositive() {
		config.DefaultTakeProfitPercent = defaults.DefaultTakeProfitPercent
	}

	if sizer == nil {
		sizer = risk.NewSizer(risk.DefaultConfig(), log)
	}

	return &Builder{config: config, sizer: sizer, logger: log}
}

// FromSignal builds the order request for an actionable signal. EXIT
// closes the open position; ENTER_LONG and ENTER_SHORT open a sized
// position with protective stop and target attached. NONE and
// MODIFY_STOP do not map to requests.
func (b *Builder) FromSignal(signal types.ExecutionSignal, ec *types.ExecutionContext) (types.OrderRequest, error) {
	switch signal.Action {
	case types.ActionEnterLong, types.ActionEnterShort:
		return b.entryRequest(signal, ec)
	case types.ActionExit:
		return b.exitRequest(signal, ec)
	default:
		return types.OrderRequest{}, errors.Newf(errors.ErrCodeInvalidSignal,
			"action %s does not map to an order request", string(signal.Action))
	}
}

// RiskCategoryFor grades a confidence score: 0.8 and above is LARGE, 0.6
// and above NORMAL, anything lower SMALL.
func (b *Builder) RiskCategoryFor(confidence float64) types.RiskCategory {
	switch {
	case confidence >= 0.8:
		return types.RiskCategoryLarge
	case confidence >= 0.6:
		return types.RiskCategoryNormal
	default:
		return types.RiskCategorySmall
	}
}

func (b *Builder) entryRequest(signal types.ExecutionSignal, ec *types.ExecutionContext) (types.OrderRequest, error) {
	entry := ec.CurrentBar.Close
	if !entry.IsPositive() {
		return types.OrderRequest{}, errors.New(errors.ErrCodeInvalidOrderRequest, "no valid entry price in context")
	}

	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)
	stopFrac := b.config.DefaultStopLossPercent.Div(hundred)
	targetFrac := b.config.DefaultTakeProfitPercent.Div(hundred)

	side := types.OrderSideBuy
	stop := entry.Mul(one.Sub(stopFrac))
	target := entry.Mul(one.Add(targetFrac))

	if signal.Action == types.ActionEnterShort {
		side = types.OrderSideSell
		stop = entry.Mul(one.Add(stopFrac))
		target = entry.Mul(one.Sub(targetFrac))
	}

	category := b.RiskCategoryFor(signal.Confidence)

	quantity, err := b.sizer.Shares(ec.AccountBalance, entry, stop, category)
	if err != nil {
		return types.OrderRequest{}, err
	}

	if quantity <= 0 {
		return types.OrderRequest{}, errors.Newf(errors.ErrCodeInvalidOrderRequest,
			"balance %s sizes to zero shares at %s", ec.AccountBalance, entry)
	}

	request := types.OrderRequest{
		ID:        uuid.NewString(),
		Symbol:    ec.Symbol,
		Side:      side,
		OrderType: types.OrderTypeMarket,
		Quantity:  quantity,
		Price:     entry,
		Reason: types.Reason{
			Reason:  types.OrderReasonSignal,
			Message: signal.Reasoning,
		},
		FunctionName: functionNameFrom(signal),
		RiskCategory: category,
		StopLoss:     optional.Some(stop),
		TakeProfit:   optional.Some(target),
	}

	b.logger.Info("built entry request",
		zap.String("symbol", request.Symbol),
		zap.String("side", string(request.Side)),
		zap.Int64("quantity", request.Quantity),
		zap.String("risk_category", string(category)),
	)

	return request, nil
}

func (b *Builder) exitRequest(signal types.ExecutionSignal, ec *types.ExecutionContext) (types.OrderRequest, error) {
	if !ec.HasPosition() {
		return types.OrderRequest{}, errors.New(errors.ErrCodePositionNotFound, "no position to exit")
	}

	side := types.OrderSideSell
	if ec.Position.IsShort() {
		side = types.OrderSideBuy
	}

	return types.OrderRequest{
		ID:        uuid.NewString(),
		Symbol:    ec.Symbol,
		Side:      side,
		OrderType: types.OrderTypeMarket,
		Quantity:  ec.Position.AbsQuantity(),
		Price:     ec.CurrentBar.Close,
		Reason: types.Reason{
			Reason:  types.OrderReasonSignal,
			Message: signal.Reasoning,
		},
		FunctionName: functionNameFrom(signal),
		RiskCategory: b.config.DefaultRiskCategory,
	}, nil
}

func functionNameFrom(signal types.ExecutionSignal) string {
	if name, ok := signal.Metadata["function_name"].(string); ok && name != "" {
		return name
	}

	return types.OrderReasonManual
}
