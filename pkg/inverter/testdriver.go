package inverter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/wattshift/wattshift/pkg/log"
	"github.com/wattshift/wattshift/pkg/types"
)

// Testdriver simulates an inverter in memory for local testing. The SOC can
// be changed at runtime (for example via the remote API) to exercise the
// planner without hardware.
type Testdriver struct {
	maxGridChargeRateW float64

	mu          sync.Mutex
	capacityWH  float64
	soc         float64
	minSOC      float64
	maxSOC      float64
	mode        types.InverterMode
	chargeRateW float64
}

// NewTestdriver returns a simulated inverter with the given battery capacity
// in Wh and grid charge limit in W.
func NewTestdriver(capacityWH, maxGridChargeRateW float64) *Testdriver {
	return &Testdriver{
		maxGridChargeRateW: maxGridChargeRateW,
		capacityWH:         capacityWH,
		soc:                69,
		minSOC:             8,
		maxSOC:             100,
		mode:               types.ModeAllowDischarge,
	}
}

func configuredTestdriver() *Testdriver {
	td := NewTestdriver(11000, 5000)
	cfg := struct {
		CapacityWH         float64 `json:"capacityWH"`
		SOC                float64 `json:"soc"`
		MaxGridChargeRateW float64 `json:"maxGridChargeRateW"`
	}{CapacityWH: 11000, SOC: 69, MaxGridChargeRateW: 5000}
	lflag.JSON(&cfg, "testdriver-battery", cfg, "JSON simulated battery (capacityWH, soc, maxGridChargeRateW)")

	lflag.Do(func() {
		td.capacityWH = cfg.CapacityWH
		td.soc = cfg.SOC
		td.maxGridChargeRateW = cfg.MaxGridChargeRateW
	})

	return td
}

// SetSOC updates the simulated state of charge. Out-of-range values are
// logged and ignored.
func (t *Testdriver) SetSOC(ctx context.Context, soc float64) {
	if soc < 0 || soc > 100 {
		log.Ctx(ctx).WarnContext(ctx, "ignoring invalid SOC", slog.Float64("soc", soc))
		return
	}
	t.mu.Lock()
	t.soc = soc
	t.mu.Unlock()
}

// Mode returns the last commanded mode and charge rate.
func (t *Testdriver) Mode() (types.InverterMode, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode, t.chargeRateW
}

// SetModeAllowDischarge implements the Driver interface.
func (t *Testdriver) SetModeAllowDischarge(ctx context.Context) error {
	t.mu.Lock()
	t.mode = types.ModeAllowDischarge
	t.chargeRateW = 0
	t.mu.Unlock()
	return nil
}

// SetModeAvoidDischarge implements the Driver interface.
func (t *Testdriver) SetModeAvoidDischarge(ctx context.Context) error {
	t.mu.Lock()
	t.mode = types.ModeAvoidDischarge
	t.chargeRateW = 0
	t.mu.Unlock()
	return nil
}

// SetModeForceCharge implements the Driver interface.
func (t *Testdriver) SetModeForceCharge(ctx context.Context, chargeRateW float64) error {
	if chargeRateW > t.maxGridChargeRateW {
		chargeRateW = t.maxGridChargeRateW
	}
	t.mu.Lock()
	t.mode = types.ModeForceCharge
	t.chargeRateW = chargeRateW
	t.mu.Unlock()
	return nil
}

// SOC implements the Driver interface.
func (t *Testdriver) SOC(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.soc, nil
}

// MaxCapacity implements the Driver interface.
func (t *Testdriver) MaxCapacity(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxSOC / 100 * t.capacityWH, nil
}

// StoredEnergy implements the Driver interface.
func (t *Testdriver) StoredEnergy(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	energy := (t.soc - t.minSOC) / 100 * t.capacityWH
	if energy < 0 {
		return 0, nil
	}
	return energy, nil
}

// FreeCapacity implements the Driver interface.
func (t *Testdriver) FreeCapacity(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return (t.maxSOC - t.soc) / 100 * t.capacityWH, nil
}

// MaxGridChargeRate implements the Driver interface.
func (t *Testdriver) MaxGridChargeRate() float64 {
	return t.maxGridChargeRateW
}

// Shutdown implements the Driver interface.
func (t *Testdriver) Shutdown(ctx context.Context) error {
	return nil
}
