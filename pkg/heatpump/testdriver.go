package heatpump

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Testdriver simulates a heat pump in memory. Installed schedules can be
// inspected and the outdoor temperature changed at runtime.
type Testdriver struct {
	mu          sync.Mutex
	outdoorTemp float64
	loc         *time.Location
	schedules   map[ScheduleRef]Schedule
	nextID      int
	failInstall bool
}

// NewTestdriver returns a simulated heat pump reporting the given outdoor
// temperature.
func NewTestdriver(outdoorTemp float64) *Testdriver {
	return &Testdriver{
		outdoorTemp: outdoorTemp,
		loc:         time.Local,
		schedules:   make(map[ScheduleRef]Schedule),
	}
}

// SetOutdoorTemperature updates the simulated outdoor temperature.
func (t *Testdriver) SetOutdoorTemperature(temp float64) {
	t.mu.Lock()
	t.outdoorTemp = temp
	t.mu.Unlock()
}

// SetFailInstall makes InstallSchedule fail until cleared.
func (t *Testdriver) SetFailInstall(fail bool) {
	t.mu.Lock()
	t.failInstall = fail
	t.mu.Unlock()
}

// Schedules returns a copy of the currently installed schedules.
func (t *Testdriver) Schedules() map[ScheduleRef]Schedule {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ScheduleRef]Schedule, len(t.schedules))
	for k, v := range t.schedules {
		out[k] = v
	}
	return out
}

// OutdoorTemperature implements the Driver interface.
func (t *Testdriver) OutdoorTemperature(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outdoorTemp, nil
}

// Location implements the Driver interface.
func (t *Testdriver) Location() *time.Location {
	return t.loc
}

// InstallSchedule implements the Driver interface.
func (t *Testdriver) InstallSchedule(ctx context.Context, s Schedule) (ScheduleRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failInstall {
		return "", fmt.Errorf("simulated install failure")
	}
	t.nextID++
	ref := ScheduleRef(fmt.Sprintf("sched-%d", t.nextID))
	t.schedules[ref] = s
	return ref, nil
}

// DeleteSchedule implements the Driver interface.
func (t *Testdriver) DeleteSchedule(ctx context.Context, ref ScheduleRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.schedules[ref]; !ok {
		return fmt.Errorf("unknown schedule: %s", ref)
	}
	delete(t.schedules, ref)
	return nil
}
