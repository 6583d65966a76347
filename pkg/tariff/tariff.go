package tariff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
)

// ErrTariffUnavailable is returned when the upstream price API cannot be
// reached or returns unusable data. Callers treat it as recoverable.
var ErrTariffUnavailable = errors.New("tariff unavailable")

// Provider supplies spot prices keyed by hour offset from the start of the
// current clock hour. Offset 0 is the current hour.
type Provider interface {
	// Prices returns the spot price in currency per kWh for each known hour
	// offset. Failures wrap ErrTariffUnavailable.
	Prices(ctx context.Context) (map[int]float64, error)
}

// pricePoint is one absolute-hour price as fetched from a provider. Offsets
// are recomputed from the absolute times on every Prices call so a cached
// fetch stays correct as the clock advances.
type pricePoint struct {
	start       time.Time
	end         time.Time
	pricePerKWH float64
}

// offsets converts absolute price points into hour offsets relative to now.
// Hours that already ended are dropped.
func offsets(points []pricePoint, now time.Time) map[int]float64 {
	hourStart := now.Truncate(time.Hour)
	out := make(map[int]float64, len(points))
	for _, p := range points {
		h := int(p.start.Sub(hourStart) / time.Hour)
		if h < 0 {
			continue
		}
		out[h] = p.pricePerKWH
	}
	return out
}

// Configured sets up the tariff provider based on flags.
func Configured() Provider {
	provider := lflag.String("tariff-provider", "awattar", "Spot price provider to use (available: awattar, tibber)")

	var p struct{ Provider }

	aw := configuredAwattar()
	tib := configuredTibber()

	lflag.Do(func() {
		switch *provider {
		case "awattar":
			if err := aw.Validate(); err != nil {
				panic(fmt.Sprintf("awattar validation failed: %v", err))
			}
			p.Provider = aw
		case "tibber":
			if err := tib.Validate(); err != nil {
				panic(fmt.Sprintf("tibber validation failed: %v", err))
			}
			p.Provider = tib
		default:
			panic(fmt.Sprintf("unknown tariff provider: %s", *provider))
		}
	})

	return &p
}
