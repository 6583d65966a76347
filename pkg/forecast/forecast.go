// Package forecast provides hourly production and consumption forecasts
// keyed by hour offset from the start of the current clock hour.
package forecast

import (
	"context"
	"errors"
)

// ErrForecastUnavailable is returned when a forecast source cannot produce
// usable data. Callers treat it as recoverable.
var ErrForecastUnavailable = errors.New("forecast unavailable")

// SolarProvider supplies expected PV production in Wh per hour offset.
type SolarProvider interface {
	// Production returns expected production for each known hour offset.
	// Failures wrap ErrForecastUnavailable.
	Production(ctx context.Context) (map[int]float64, error)
}

// ConsumptionProvider supplies expected household consumption in Wh per hour
// offset for a requested horizon.
type ConsumptionProvider interface {
	// Consumption returns expected consumption for offsets [0, hours).
	Consumption(ctx context.Context, hours int) (map[int]float64, error)
}
