package types

import (
	"time"

	"github.com/sevenquant/auto-trader/pkg/errors"
)

// Timeframe identifies the duration of a single bar.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
	Timeframe30Min Timeframe = "30min"
	Timeframe1Hour Timeframe = "1hour"
	Timeframe4Hour Timeframe = "4hour"
	Timeframe1Day  Timeframe = "1day"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1Min:  time.Minute,
	Timeframe5Min:  5 * time.Minute,
	Timeframe15Min: 15 * time.Minute,
	Timeframe30Min: 30 * time.Minute,
	Timeframe1Hour: time.Hour,
	Timeframe4Hour: 4 * time.Hour,
	Timeframe1Day:  24 * time.Hour,
}

// Duration returns the bar duration for the timeframe.
func (t Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframeDurations[t]
	if !ok {
		return 0, errors.Newf(errors.ErrCodeInvalidTimeframe, "unknown timeframe %q", string(t))
	}

	return d, nil
}

// Seconds returns the bar duration in whole seconds.
func (t Timeframe) Seconds() (int64, error) {
	d, err := t.Duration()
	if err != nil {
		return 0, err
	}

	return int64(d / time.Second), nil
}

// IsValid reports whether the timeframe is one of the supported values.
func (t Timeframe) IsValid() bool {
	_, ok := timeframeDurations[t]

	return ok
}

// Truncate returns the start of the bar containing ts, aligned to UTC
// epoch boundaries.
func (t Timeframe) Truncate(ts time.Time) (time.Time, error) {
	d, err := t.Duration()
	if err != nil {
		return time.Time{}, err
	}

	return ts.UTC().Truncate(d), nil
}

// NextClose returns the first bar-close boundary strictly after ts.
func (t Timeframe) NextClose(ts time.Time) (time.Time, error) {
	start, err := t.Truncate(ts)
	if err != nil {
		return time.Time{}, err
	}

	d, _ := t.Duration()

	// start is at or before ts, so start+d is strictly after ts; ts exactly
	// on a boundary gets the next boundary, closing the bar it opens.
	return start.Add(d), nil
}

// IsBoundary reports whether ts falls exactly on a bar boundary of the
// timeframe.
func (t Timeframe) IsBoundary(ts time.Time) bool {
	d, err := t.Duration()
	if err != nil {
		return false
	}

	return ts.UTC().Truncate(d).Equal(ts.UTC())
}

// AllTimeframes lists every supported timeframe in ascending duration order.
func AllTimeframes() []Timeframe {
	return []Timeframe{
		Timeframe1Min,
		Timeframe5Min,
		Timeframe15Min,
		Timeframe30Min,
		Timeframe1Hour,
		Timeframe4Hour,
		Timeframe1Day,
	}
}
