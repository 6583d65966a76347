// Package inverter provides drivers for battery inverters. A driver exposes
// the three dispatch modes plus battery telemetry.
package inverter

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// ErrDeviceUnavailable is returned when the inverter cannot be reached or
// returns unusable data.
var ErrDeviceUnavailable = errors.New("inverter unavailable")

// Driver is the capability interface implemented by inverter drivers. All
// energy values are in Wh, rates in W, SOC in percent.
type Driver interface {
	// SetModeAllowDischarge lets the battery discharge freely.
	SetModeAllowDischarge(ctx context.Context) error
	// SetModeAvoidDischarge holds the current charge, no grid charging.
	SetModeAvoidDischarge(ctx context.Context) error
	// SetModeForceCharge charges from the grid at the given rate. The
	// driver caps the rate at its maximum grid charge rate.
	SetModeForceCharge(ctx context.Context, chargeRateW float64) error

	// SOC returns the state of charge in percent.
	SOC(ctx context.Context) (float64, error)
	// MaxCapacity returns the usable maximum capacity in Wh, accounting
	// for the configured maximum SOC.
	MaxCapacity(ctx context.Context) (float64, error)
	// StoredEnergy returns the usable stored energy in Wh above the
	// minimum SOC, never negative.
	StoredEnergy(ctx context.Context) (float64, error)
	// FreeCapacity returns the energy in Wh that can still be charged.
	FreeCapacity(ctx context.Context) (float64, error)

	// MaxGridChargeRate returns the configured grid charge limit in W.
	MaxGridChargeRate() float64

	// Shutdown restores any device configuration the driver changed.
	Shutdown(ctx context.Context) error
}

// Configured sets up the inverter driver based on flags.
func Configured() Driver {
	driver := lflag.String("inverter-driver", "fronius", "Inverter driver to use (available: fronius, testdriver)")

	var d struct{ Driver }

	fr := configuredFronius()
	td := configuredTestdriver()

	lflag.Do(func() {
		switch *driver {
		case "fronius":
			if err := fr.Validate(); err != nil {
				panic(fmt.Sprintf("fronius validation failed: %v", err))
			}
			d.Driver = fr
		case "testdriver":
			d.Driver = td
		default:
			panic(fmt.Sprintf("unknown inverter driver: %s", *driver))
		}
	})

	return &d
}
