package types

import "time"

// HeatpumpMode is one tier of heat pump operation. Tiers are listed from
// most aggressive use of surplus energy to most aggressive cost avoidance;
// Normal is the default when no trigger fires.
type HeatpumpMode int

const (
	HeatNormal HeatpumpMode = iota
	HeatHotWaterBoost
	HeatIncreased
	HeatEvuBlock
	HeatHotWaterBlock
	HeatReduced
)

func (m HeatpumpMode) String() string {
	switch m {
	case HeatNormal:
		return "normal"
	case HeatHotWaterBoost:
		return "hotWaterBoost"
	case HeatIncreased:
		return "increasedHeat"
	case HeatEvuBlock:
		return "evuBlock"
	case HeatHotWaterBlock:
		return "hotWaterBlock"
	case HeatReduced:
		return "reducedHeat"
	}
	return "unknown"
}

// TierConfig holds the trigger thresholds, per-cycle hour budgets and
// maximum consecutive durations for each heat pump tier.
type TierConfig struct {
	// EVU block: compressor fully suspended.
	MinPriceForEvuBlock float64 `json:"minPriceForEvuBlock"`
	MaxEvuBlockHours    int     `json:"maxEvuBlockHours"`
	MaxEvuBlockDuration int     `json:"maxEvuBlockDuration"`

	// Hot water block: hot water production suspended.
	MinPriceForHotWaterBlock float64 `json:"minPriceForHotWaterBlock"`
	MaxHotWaterBlockHours    int     `json:"maxHotWaterBlockHours"`
	MaxHotWaterBlockDuration int     `json:"maxHotWaterBlockDuration"`

	// Reduced heat: lowered target temperature.
	MinPriceForReducedHeat float64 `json:"minPriceForReducedHeat"`
	MaxReducedHeatHours    int     `json:"maxReducedHeatHours"`
	MaxReducedHeatDuration int     `json:"maxReducedHeatDuration"`
	ReducedHeatTemperature float64 `json:"reducedHeatTemperature"`

	// Increased heat: raised target temperature during cheap or surplus
	// hours, gated by outdoor temperature.
	MaxPriceForIncreasedHeat     float64 `json:"maxPriceForIncreasedHeat"`
	MinSurplusForIncreasedHeatWH float64 `json:"minSurplusForIncreasedHeatWH"`
	MaxIncreasedHeatHours        int     `json:"maxIncreasedHeatHours"`
	MaxIncreasedHeatDuration     int     `json:"maxIncreasedHeatDuration"`
	IncreasedHeatTemperature     float64 `json:"increasedHeatTemperature"`
	MaxIncreasedHeatOutdoorTempC float64 `json:"maxIncreasedHeatOutdoorTempC"`

	// Hot water boost: immediate hot water production from large surplus.
	MinSurplusForHotWaterBoostWH float64 `json:"minSurplusForHotWaterBoostWH"`
	MaxHotWaterBoostHours        int     `json:"maxHotWaterBoostHours"`
}

// DefaultTierConfig returns the tier thresholds used when no configuration
// is provided.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		MinPriceForEvuBlock: 0.6,
		MaxEvuBlockHours:    14,
		MaxEvuBlockDuration: 6,

		MinPriceForHotWaterBlock: 0.4,
		MaxHotWaterBlockHours:    10,
		MaxHotWaterBlockDuration: 4,

		MinPriceForReducedHeat: 0.3,
		MaxReducedHeatHours:    14,
		MaxReducedHeatDuration: 6,
		ReducedHeatTemperature: 18,

		MaxPriceForIncreasedHeat:     0.2,
		MinSurplusForIncreasedHeatWH: 1000,
		MaxIncreasedHeatHours:        14,
		MaxIncreasedHeatDuration:     6,
		IncreasedHeatTemperature:     22,
		MaxIncreasedHeatOutdoorTempC: 15,

		MinSurplusForHotWaterBoostWH: 2500,
		MaxHotWaterBoostHours:        1,
	}
}

// ModeSlot is a merged, contiguous time window sharing one assigned heat
// pump mode. Price and consumption are taken from the first hour of the
// window for reporting.
type ModeSlot struct {
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	Mode          HeatpumpMode `json:"mode"`
	PricePerKWH   float64      `json:"pricePerKWH"`
	ConsumptionWH float64      `json:"consumptionWH"`
}
