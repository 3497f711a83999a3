// Package risk converts account balance and stop distance into position
// sizes by risk category.
package risk

import (
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds the risked fraction of the balance per category and a cap
// on total position notional.
type Config struct {
	// RiskPercent maps a category to the percent of balance risked per
	// trade (distance to stop times shares).
	RiskPercent map[types.RiskCategory]decimal.Decimal
	// MaxExposurePercent caps the position notional as a percent of
	// balance regardless of stop distance.
	MaxExposurePercent decimal.Decimal
}

// DefaultConfig risks 0.5% / 1% / 2% of the balance for SMALL / NORMAL /
// LARGE trades and caps any single position at 25% of the balance.
func DefaultConfig() Config {
	return Config{
		RiskPercent: map[types.RiskCategory]decimal.Decimal{
			types.RiskCategorySmall:  decimal.NewFromFloat(0.5),
			types.RiskCategoryNormal: decimal.NewFromInt(1),
			types.RiskCategoryLarge:  decimal.NewFromInt(2),
		},
		MaxExposurePercent: decimal.NewFromInt(25),
	}
}

// Sizer computes share counts. Stateless and safe for concurrent use.
type Sizer struct {
	config Config
	logger *logger.Logger
}

// NewSizer creates a sizer. Missing config fields fall back to defaults.
func NewSizer(config Config, log *logger.Logger) *Sizer {
	defaults := DefaultConfig()

	if len(config.RiskPercent) == 0 {
		config.RiskPercent = defaults.RiskPercent
	}

	if !config.MaxExposurePercent.IsPositive() {
		config.MaxExposurePercent = defaults.MaxExposurePercent
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Sizer{config: config, logger: log}
}

// Shares returns the position size for an entry. With a positive stop
// distance the size risks the category's balance fraction against that
// distance; otherwise the exposure cap alone drives the size. The result
// is always at least zero.
func (s *Sizer) Shares(balance, entryPrice, stopPrice decimal.Decimal, category types.RiskCategory) (int64, error) {
	if !balance.IsPositive() {
		return 0, errors.New(errors.ErrCodeInvalidParameter, "account balance must be positive")
	}

	if !entryPrice.IsPositive() {
		return 0, errors.New(errors.ErrCodeInvalidParameter, "entry price must be positive")
	}

	riskPct, ok := s.config.RiskPercent[category]
	if !ok {
		return 0, errors.Newf(errors.ErrCodeInvalidParameter, "unknown risk category %q", string(category))
	}

	hundred := decimal.NewFromInt(100)
	maxNotional := balance.Mul(s.config.MaxExposurePercent).Div(hundred)
	capShares := maxNotional.Div(entryPrice).IntPart()

	stopDistance := entryPrice.Sub(stopPrice).Abs()
	if !stopPrice.IsPositive() || stopDistance.IsZero() {
		s.logger.Debug("no stop distance, sizing by exposure cap",
			zap.String("category", string(category)),
			zap.Int64("shares", capShares),
		)

		return capShares, nil
	}

	riskAmount := balance.Mul(riskPct).Div(hundred)
	shares := riskAmount.Div(stopDistance).IntPart()

	if shares > capShares {
		shares = capShares
	}

	if shares < 0 {
		shares = 0
	}

	return shares, nil
}
