package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
)

// Bar represents a single completed OHLCV bar. Timestamp is the bar close
// time in UTC.
type Bar struct {
	Symbol    string          `yaml:"symbol" json:"symbol" validate:"required,min=1,max=10"`
	Timestamp time.Time       `yaml:"timestamp" json:"timestamp" validate:"required"`
	Open      decimal.Decimal `yaml:"open" json:"open"`
	High      decimal.Decimal `yaml:"high" json:"high"`
	Low       decimal.Decimal `yaml:"low" json:"low"`
	Close     decimal.Decimal `yaml:"close" json:"close"`
	Volume    int64           `yaml:"volume" json:"volume" validate:"gte=0"`
	Timeframe Timeframe       `yaml:"timeframe" json:"timeframe" validate:"required"`
}

// NewBar constructs a Bar and validates its OHLC invariants. The timestamp
// is normalized to UTC.
func NewBar(symbol string, ts time.Time, open, high, low, closePrice decimal.Decimal, volume int64, timeframe Timeframe) (Bar, error) {
	bar := Bar{
		Symbol:    symbol,
		Timestamp: ts.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Timeframe: timeframe,
	}

	if err := bar.Validate(); err != nil {
		return Bar{}, err
	}

	return bar, nil
}

// Validate checks field constraints and the OHLC consistency invariants.
func (b *Bar) Validate() error {
	validate := validator.New()
	if err := validate.Struct(b); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidBar, "invalid bar", err)
	}

	if !b.Timeframe.IsValid() {
		return errors.Newf(errors.ErrCodeInvalidTimeframe, "unknown timeframe %q", string(b.Timeframe))
	}

	for name, price := range map[string]decimal.Decimal{
		"open":  b.Open,
		"high":  b.High,
		"low":   b.Low,
		"close": b.Close,
	} {
		if !price.IsPositive() {
			return errors.Newf(errors.ErrCodeInvalidBar, "%s price %s must be positive", name, price)
		}
	}

	maxOC := decimal.Max(b.Open, b.Close)
	if b.High.LessThan(maxOC) {
		return errors.Newf(errors.ErrCodeInvalidBar,
			"high %s must be >= max(open %s, close %s)", b.High, b.Open, b.Close)
	}

	minOC := decimal.Min(b.Open, b.Close)
	if b.Low.GreaterThan(minOC) {
		return errors.Newf(errors.ErrCodeInvalidBar,
			"low %s must be <= min(open %s, close %s)", b.Low, b.Open, b.Close)
	}

	if b.High.LessThan(b.Low) {
		return errors.Newf(errors.ErrCodeInvalidBar, "high %s must be >= low %s", b.High, b.Low)
	}

	return nil
}

// Range returns high minus low.
func (b *Bar) Range() decimal.Decimal {
	return b.High.Sub(b.Low)
}

// IsStale reports whether the bar is older than maxAgeMultiplier bar
// durations relative to now.
func (b *Bar) IsStale(now time.Time, maxAgeMultiplier int) bool {
	d, err := b.Timeframe.Duration()
	if err != nil {
		return true
	}

	return now.UTC().Sub(b.Timestamp) > time.Duration(maxAgeMultiplier)*d
}

// BufferKey returns the "symbol:timeframe" key used to index rolling bar
// buffers.
func (b *Bar) BufferKey() string {
	return fmt.Sprintf("%s:%s", b.Symbol, b.Timeframe)
}

// BarCloseEvent is emitted when a bar completes at a timeframe boundary.
type BarCloseEvent struct {
	Symbol        string    `json:"symbol" validate:"required,min=1,max=10"`
	Timeframe     Timeframe `json:"timeframe" validate:"required"`
	CloseTime     time.Time `json:"close_time" validate:"required"`
	Bar           Bar       `json:"bar"`
	NextCloseTime time.Time `json:"next_close_time" validate:"required"`
}

// EventID returns a unique identifier for the event, derived from symbol,
// timeframe, and close time.
func (e *BarCloseEvent) EventID() string {
	return fmt.Sprintf("%s_%s_%s", e.Symbol, e.Timeframe, e.CloseTime.UTC().Format("20060102_150405"))
}
