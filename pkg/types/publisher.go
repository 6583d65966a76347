package types

import "time"

// Publisher receives telemetry events from the engine and the heat pump
// scheduler. Implementations must be safe for use from the evaluation loop;
// publishing must never block a cycle for long.
type Publisher interface {
	PublishMode(mode InverterMode)
	PublishChargeRate(rateW float64)
	PublishSOC(soc float64)
	PublishStoredEnergy(wh float64)
	PublishMaxCapacity(wh float64)
	PublishReservedEnergy(wh float64)
	PublishAlwaysAllowDischargeLimit(limit float64)
	PublishDischargeLimitCapacity(wh float64)
	PublishMaxChargingFromGridLimit(limit float64)
	PublishMinPriceDifference(diff float64)
	PublishDischargeBlocked(blocked bool)
	PublishEvaluationInterval(interval time.Duration)
	PublishLastEvaluation(t time.Time)
	PublishSeries(series HourlySeries)
	PublishTierConfig(cfg TierConfig)
	PublishModeSlots(slots []ModeSlot)
}

// NopPublisher discards all telemetry. It is used when no transport is
// configured and in tests.
type NopPublisher struct{}

func (NopPublisher) PublishMode(InverterMode)                 {}
func (NopPublisher) PublishChargeRate(float64)                {}
func (NopPublisher) PublishSOC(float64)                       {}
func (NopPublisher) PublishStoredEnergy(float64)              {}
func (NopPublisher) PublishMaxCapacity(float64)               {}
func (NopPublisher) PublishReservedEnergy(float64)            {}
func (NopPublisher) PublishAlwaysAllowDischargeLimit(float64) {}
func (NopPublisher) PublishDischargeLimitCapacity(float64)    {}
func (NopPublisher) PublishMaxChargingFromGridLimit(float64)  {}
func (NopPublisher) PublishMinPriceDifference(float64)        {}
func (NopPublisher) PublishDischargeBlocked(bool)             {}
func (NopPublisher) PublishEvaluationInterval(time.Duration)  {}
func (NopPublisher) PublishLastEvaluation(time.Time)          {}
func (NopPublisher) PublishSeries(HourlySeries)               {}
func (NopPublisher) PublishTierConfig(TierConfig)             {}
func (NopPublisher) PublishModeSlots([]ModeSlot)              {}
