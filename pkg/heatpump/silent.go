package heatpump

import (
	"context"
	"errors"
	"time"
)

// Silent is a no-op driver for installations without a controllable heat
// pump. Schedules are accepted and discarded without logging noise.
type Silent struct{}

// NewSilent returns the no-op driver.
func NewSilent() *Silent {
	return &Silent{}
}

// OutdoorTemperature always errors: there is no sensor, which keeps the
// increased-heat tier gated off.
func (*Silent) OutdoorTemperature(ctx context.Context) (float64, error) {
	return 0, errors.New("silent driver has no outdoor temperature sensor")
}

// Location implements the Driver interface.
func (*Silent) Location() *time.Location {
	return time.Local
}

// InstallSchedule implements the Driver interface.
func (*Silent) InstallSchedule(ctx context.Context, s Schedule) (ScheduleRef, error) {
	return "", nil
}

// DeleteSchedule implements the Driver interface.
func (*Silent) DeleteSchedule(ctx context.Context, ref ScheduleRef) error {
	return nil
}
