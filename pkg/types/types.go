package types

import (
	"fmt"
	"time"
)

// InverterMode represents the commanded behavior of the battery inverter.
// The numeric values are part of the remote API and match what external
// dashboards expect.
type InverterMode int

const (
	ModeForceCharge    InverterMode = -1
	ModeAvoidDischarge InverterMode = 0
	ModeAllowDischarge InverterMode = 10
)

// Valid returns true if m is one of the defined inverter modes.
func (m InverterMode) Valid() bool {
	switch m {
	case ModeForceCharge, ModeAvoidDischarge, ModeAllowDischarge:
		return true
	}
	return false
}

func (m InverterMode) String() string {
	switch m {
	case ModeForceCharge:
		return "forceCharge"
	case ModeAvoidDischarge:
		return "avoidDischarge"
	case ModeAllowDischarge:
		return "allowDischarge"
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// InverterCommand is the decision for the current hour. ChargeRateW is only
// meaningful when Mode is ModeForceCharge.
type InverterCommand struct {
	Timestamp   time.Time    `json:"timestamp"`
	Mode        InverterMode `json:"mode"`
	ChargeRateW float64      `json:"chargeRateW,omitempty"`
}

// BatteryPolicy holds the user-configurable arbitrage thresholds. All fields
// can be changed at runtime through the remote API; the engine snapshots the
// policy once per evaluation cycle.
type BatteryPolicy struct {
	// Fraction of max capacity above which discharging is always allowed,
	// regardless of the price curve.
	AlwaysAllowDischargeLimit float64 `json:"alwaysAllowDischargeLimit"`
	// Fraction of max capacity up to which grid charging is permitted.
	MaxChargingFromGridLimit float64 `json:"maxChargingFromGridLimit"`
	// Minimum price difference (currency/kWh) for a future hour to count as
	// meaningfully cheaper or more expensive than the current hour.
	MinPriceDifference float64 `json:"minPriceDifference"`
}

// BatteryState is a snapshot of the battery, valid for one evaluation cycle.
type BatteryState struct {
	StoredEnergyWH float64 `json:"storedEnergyWH"`
	MaxCapacityWH  float64 `json:"maxCapacityWH"`
	FreeCapacityWH float64 `json:"freeCapacityWH"`
	SOC            float64 `json:"soc"` // 0-100
}

// HourlySeries holds the harmonized forecast series. Index 0 is the current
// clock hour; all slices share the same length.
type HourlySeries struct {
	// Start is the beginning of the current clock hour in the controller's
	// timezone.
	Start time.Time `json:"start"`
	// PricePerKWH is the spot price per kWh for each hour offset.
	PricePerKWH []float64 `json:"pricePerKWH"`
	// ProductionWH is the forecasted solar production in Wh for each hour.
	ProductionWH []float64 `json:"productionWH"`
	// ConsumptionWH is the forecasted consumption in Wh for each hour.
	ConsumptionWH []float64 `json:"consumptionWH"`
	// NetConsumptionWH is consumption minus production; negative means solar
	// surplus. Hour 0 is scaled down by the fraction of the hour already
	// elapsed.
	NetConsumptionWH []float64 `json:"netConsumptionWH"`
}

// Hours returns the forecast horizon length.
func (s HourlySeries) Hours() int {
	return len(s.NetConsumptionWH)
}

// HourStart returns the absolute start time of hour offset h.
func (s HourlySeries) HourStart(h int) time.Time {
	return s.Start.Add(time.Duration(h) * time.Hour)
}
