package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/wattshift/wattshift/pkg/log"
	"github.com/wattshift/wattshift/pkg/types"
)

// splitNet separates a net consumption series into non-negative consumption
// and production slices for the first maxHour hours.
func splitNet(net []float64, maxHour int) (consumption, production []float64) {
	consumption = make([]float64, maxHour)
	production = make([]float64, maxHour)
	for h := 0; h < maxHour; h++ {
		if net[h] > 0 {
			consumption[h] = net[h]
		} else {
			production[h] = -net[h]
		}
	}
	return consumption, production
}

// offsetWithSurplus reduces energy by forecasted surplus production from
// hours before upTo, consuming the latest surplus first. The production
// slice is mutated so earlier surplus is not counted twice across calls.
func offsetWithSurplus(production []float64, upTo int, energy float64) float64 {
	for h := upTo - 1; h >= 0 && energy > 0; h-- {
		if production[h] == 0 {
			continue
		}
		if production[h] >= energy {
			production[h] -= energy
			return 0
		}
		energy -= production[h]
		production[h] = 0
	}
	return energy
}

// dischargeAllowed decides whether the battery may discharge this hour. It
// reserves enough stored energy to cover future hours that are more
// expensive than now and not already covered by forecasted surplus.
func (e *Engine) dischargeAllowed(ctx context.Context, cache *stateCache,
	series types.HourlySeries, policy types.BatteryPolicy, blocked bool) (bool, error) {
	maxCap, err := cache.MaxCapacity(ctx)
	if err != nil {
		return false, err
	}
	stored, err := cache.StoredEnergy(ctx)
	if err != nil {
		return false, err
	}

	dischargeLimit := maxCap * policy.AlwaysAllowDischargeLimit
	if stored > dischargeLimit {
		log.Ctx(ctx).DebugContext(ctx, "battery above always-allow discharge limit",
			slog.Float64("storedWH", stored),
			slog.Float64("limitWH", dischargeLimit))
		e.pub.PublishReservedEnergy(0)
		return true, nil
	}

	if blocked {
		log.Ctx(ctx).DebugContext(ctx, "discharge blocked by external lock")
		e.pub.PublishReservedEnergy(0)
		return false, nil
	}

	currentPrice := series.PricePerKWH[0]
	// evaluate until the next hour that is meaningfully cheaper, where the
	// battery could be recharged instead
	maxHour := series.Hours()
	for h := 1; h < series.Hours(); h++ {
		if series.PricePerKWH[h] <= currentPrice-policy.MinPriceDifference {
			maxHour = h
			break
		}
	}

	consumption, production := splitNet(series.NetConsumptionWH, maxHour)

	// hours strictly more expensive than now need stored energy
	var higherPriceHours []int
	for h := 0; h < maxHour; h++ {
		if series.PricePerKWH[h] > currentPrice {
			higherPriceHours = append(higherPriceHours, h)
		}
	}

	var reserved float64
	for i := len(higherPriceHours) - 1; i >= 0; i-- {
		h := higherPriceHours[i]
		if consumption[h] == 0 {
			continue
		}
		reserved += offsetWithSurplus(production, h, consumption[h])
	}

	log.Ctx(ctx).DebugContext(ctx, "evaluated reserved storage",
		slog.Int("hours", maxHour),
		slog.Float64("reservedWH", reserved),
		slog.Float64("storedWH", stored))
	e.pub.PublishReservedEnergy(reserved)

	return stored > reserved, nil
}

// requiredRechargeEnergy computes how much energy should be charged from the
// grid now to cover upcoming high-price hours, clamped to what the battery
// can still take.
func (e *Engine) requiredRechargeEnergy(ctx context.Context, cache *stateCache,
	series types.HourlySeries, policy types.BatteryPolicy) (float64, error) {
	currentPrice := series.PricePerKWH[0]

	// evaluate until the price first drops to or below the current price,
	// where charging would be at least as cheap
	maxHour := series.Hours()
	for h := 1; h < series.Hours(); h++ {
		if series.PricePerKWH[h] <= currentPrice {
			maxHour = h
			break
		}
	}

	consumption, production := splitNet(series.NetConsumptionWH, maxHour)

	var highPriceHours []int
	for h := 0; h < maxHour; h++ {
		if series.PricePerKWH[h] > currentPrice+policy.MinPriceDifference {
			highPriceHours = append(highPriceHours, h)
		}
	}

	var required float64
	for i := len(highPriceHours) - 1; i >= 0; i-- {
		h := highPriceHours[i]
		required += offsetWithSurplus(production, h, consumption[h])
	}

	stored, err := cache.StoredEnergy(ctx)
	if err != nil {
		return 0, err
	}
	free, err := cache.FreeCapacity(ctx)
	if err != nil {
		return 0, err
	}

	recharge := required - stored
	if recharge > free {
		recharge = free
	}
	if recharge < 0 {
		recharge = 0
	}
	return recharge, nil
}

// dispatch runs the battery decision for this cycle and commands the
// inverter.
func (e *Engine) dispatch(ctx context.Context, cache *stateCache,
	series types.HourlySeries, policy types.BatteryPolicy, blocked bool, now time.Time) error {
	allowed, err := e.dischargeAllowed(ctx, cache, series, policy, blocked)
	if err != nil {
		return err
	}
	if allowed {
		return e.allowDischarging(ctx)
	}

	recharge, err := e.requiredRechargeEnergy(ctx, cache, series, policy)
	if err != nil {
		return err
	}
	stored, err := cache.StoredEnergy(ctx)
	if err != nil {
		return err
	}
	maxCap, err := cache.MaxCapacity(ctx)
	if err != nil {
		return err
	}
	chargingPossible := stored < maxCap*policy.MaxChargingFromGridLimit

	log.Ctx(ctx).DebugContext(ctx, "discharge not allowed",
		slog.Bool("chargingPossible", chargingPossible),
		slog.Float64("rechargeWH", recharge))

	if chargingPossible && recharge > 0 {
		remainingHours := float64(60-now.Minute()) / 60
		return e.forceCharge(ctx, recharge/remainingHours)
	}
	return e.avoidDischarging(ctx)
}
