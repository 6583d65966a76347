// Package heatpump schedules heat pump operating tiers over the forecast
// horizon and installs them as device schedules through a driver.
package heatpump

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattshift/wattshift/pkg/types"
)

// ScheduleRef is an opaque handle to a schedule installed on the device,
// usable only with the driver that returned it.
type ScheduleRef string

// Schedule is one mode window to install on the device. Temperature is only
// meaningful for the reduced and increased heat tiers.
type Schedule struct {
	Start       time.Time
	End         time.Time
	Mode        types.HeatpumpMode
	Temperature float64
}

// Driver is the capability interface implemented by heat pump drivers.
type Driver interface {
	// OutdoorTemperature returns the current outdoor temperature in °C.
	// Drivers without a sensor return an error.
	OutdoorTemperature(ctx context.Context) (float64, error)
	// Location returns the timezone the device interprets schedule times
	// in.
	Location() *time.Location
	// InstallSchedule writes a schedule to the device and returns a
	// reference for later deletion.
	InstallSchedule(ctx context.Context, s Schedule) (ScheduleRef, error)
	// DeleteSchedule removes a previously installed schedule.
	DeleteSchedule(ctx context.Context, ref ScheduleRef) error
}

// ConfiguredDriver sets up the heat pump driver based on flags.
func ConfiguredDriver() Driver {
	driver := lflag.String("heatpump-driver", "silent", "Heat pump driver to use (available: silent, testdriver)")

	var d struct{ Driver }

	lflag.Do(func() {
		switch *driver {
		case "silent":
			d.Driver = NewSilent()
		case "testdriver":
			d.Driver = NewTestdriver(10)
		default:
			panic(fmt.Sprintf("unknown heatpump driver: %s", *driver))
		}
	})

	return &d
}
