package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/wattshift/wattshift/pkg/types"
)

// The topic names and number formats below are a published interface; home
// dashboards subscribe to them directly, so they must stay stable.

// fcstPoint is one hour of a forecast series on the wire.
type fcstPoint struct {
	TimeStart int64   `json:"time_start"`
	Value     float64 `json:"value"`
	TimeEnd   int64   `json:"time_end"`
}

type fcstPayload struct {
	Data []fcstPoint `json:"data"`
}

func fcstPoints(start time.Time, values []float64) fcstPayload {
	points := make([]fcstPoint, len(values))
	for h, v := range values {
		hourStart := start.Add(time.Duration(h) * time.Hour).Unix()
		points[h] = fcstPoint{
			TimeStart: hourStart,
			Value:     v,
			TimeEnd:   hourStart + 3599,
		}
	}
	return fcstPayload{Data: points}
}

func (a *API) publishFcst(name string, start time.Time, values []float64) {
	b, err := json.Marshal(fcstPoints(start, values))
	if err != nil {
		return
	}
	a.publish("FCST/"+name, string(b))
}

// PublishMode publishes the commanded inverter mode as its numeric value.
func (a *API) PublishMode(mode types.InverterMode) {
	a.publish("mode", strconv.Itoa(int(mode)))
}

// PublishChargeRate publishes the grid charge rate in W.
func (a *API) PublishChargeRate(rateW float64) {
	a.publish("charge_rate", fmt.Sprintf("%.0f", rateW))
}

// PublishSOC publishes the state of charge, zero padded to three digits.
func (a *API) PublishSOC(soc float64) {
	a.publish("SOC", fmt.Sprintf("%03d", int(soc)))
}

func (a *API) PublishStoredEnergy(wh float64) {
	a.publish("stored_energy_capacity", fmt.Sprintf("%.1f", wh))
}

func (a *API) PublishMaxCapacity(wh float64) {
	a.publish("max_energy_capacity", fmt.Sprintf("%.1f", wh))
}

func (a *API) PublishReservedEnergy(wh float64) {
	a.publish("reserved_energy_capacity", fmt.Sprintf("%.1f", wh))
}

// PublishAlwaysAllowDischargeLimit publishes the limit both as a fraction and
// as a percentage.
func (a *API) PublishAlwaysAllowDischargeLimit(limit float64) {
	a.publish("always_allow_discharge_limit", fmt.Sprintf("%.2f", limit))
	a.publish("always_allow_discharge_limit_percent", fmt.Sprintf("%.0f", limit*100))
}

func (a *API) PublishDischargeLimitCapacity(wh float64) {
	a.publish("always_allow_discharge_limit_capacity", fmt.Sprintf("%.1f", wh))
}

func (a *API) PublishMaxChargingFromGridLimit(limit float64) {
	a.publish("max_charging_from_grid_limit", fmt.Sprintf("%.2f", limit))
	a.publish("max_charging_from_grid_limit_percent", fmt.Sprintf("%.0f", limit*100))
}

// PublishMinPriceDifference publishes the threshold. The plural topic name is
// historical and kept for dashboard compatibility.
func (a *API) PublishMinPriceDifference(diff float64) {
	a.publish("min_price_differences", fmt.Sprintf("%.3f", diff))
}

func (a *API) PublishDischargeBlocked(blocked bool) {
	a.publish("discharge_blocked", strconv.FormatBool(blocked))
}

// PublishEvaluationInterval publishes the cycle interval in seconds. The
// topic name carries a historical misspelling that dashboards rely on.
func (a *API) PublishEvaluationInterval(interval time.Duration) {
	a.publish("evaluation_intervall", fmt.Sprintf("%.0f", interval.Seconds()))
}

func (a *API) PublishLastEvaluation(t time.Time) {
	a.publish("last_evaluation", strconv.FormatInt(t.Unix(), 10))
}

// PublishSeries publishes the four harmonized forecast series under FCST/.
func (a *API) PublishSeries(series types.HourlySeries) {
	a.publishFcst("prices", series.Start, series.PricePerKWH)
	a.publishFcst("production", series.Start, series.ProductionWH)
	a.publishFcst("consumption", series.Start, series.ConsumptionWH)
	a.publishFcst("net_consumption", series.Start, series.NetConsumptionWH)
}

// PublishTierConfig publishes the active heat pump tier thresholds as JSON.
func (a *API) PublishTierConfig(cfg types.TierConfig) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	a.publish("heatpump/tiers", string(b))
}

// PublishModeSlots publishes the planned heat pump schedule as JSON.
func (a *API) PublishModeSlots(slots []types.ModeSlot) {
	type slotPayload struct {
		TimeStart     int64   `json:"time_start"`
		TimeEnd       int64   `json:"time_end"`
		Mode          string  `json:"mode"`
		PricePerKWH   float64 `json:"pricePerKWH"`
		ConsumptionWH float64 `json:"consumptionWH"`
	}
	out := make([]slotPayload, len(slots))
	for i, s := range slots {
		out[i] = slotPayload{
			TimeStart:     s.Start.Unix(),
			TimeEnd:       s.End.Unix(),
			Mode:          s.Mode.String(),
			PricePerKWH:   s.PricePerKWH,
			ConsumptionWH: s.ConsumptionWH,
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	a.publish("heatpump/schedule", string(b))
}
