package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wattshift/wattshift/pkg/forecast"
	"github.com/wattshift/wattshift/pkg/log"
	"github.com/wattshift/wattshift/pkg/types"
)

// harmonize fetches prices, production and consumption and aligns them onto
// one hourly series. The horizon is the overlap of price and production
// data. Hour 0 is scaled down by the fraction of the hour already elapsed.
// Any upstream failure surfaces as ErrForecastUnavailable.
func (e *Engine) harmonize(ctx context.Context, now time.Time) (types.HourlySeries, error) {
	var series types.HourlySeries

	prices, err := e.tariff.Prices(ctx)
	if err != nil {
		return series, fmt.Errorf("%w: %w", forecast.ErrForecastUnavailable, err)
	}
	production, err := e.solar.Production(ctx)
	if err != nil {
		return series, err
	}

	hours := maxOffset(prices)
	if p := maxOffset(production); p < hours {
		hours = p
	}
	hours++
	if hours <= 0 {
		return series, fmt.Errorf("%w: empty forecast horizon", forecast.ErrForecastUnavailable)
	}

	consumption, err := e.consumption.Consumption(ctx, hours)
	if err != nil {
		return series, err
	}

	series = types.HourlySeries{
		Start:            now.Truncate(time.Hour),
		PricePerKWH:      make([]float64, hours),
		ProductionWH:     make([]float64, hours),
		ConsumptionWH:    make([]float64, hours),
		NetConsumptionWH: make([]float64, hours),
	}
	lastConsumption := 0.0
	for h := 0; h < hours; h++ {
		price, ok := prices[h]
		if !ok {
			return types.HourlySeries{}, fmt.Errorf("%w: price missing for hour +%d", forecast.ErrForecastUnavailable, h)
		}
		series.PricePerKWH[h] = price
		// production can legitimately be absent at night
		series.ProductionWH[h] = production[h]
		if c, ok := consumption[h]; ok {
			lastConsumption = c
		}
		series.ConsumptionWH[h] = lastConsumption
		series.NetConsumptionWH[h] = series.ConsumptionWH[h] - series.ProductionWH[h]
	}

	// only the remainder of the current hour is decidable
	series.NetConsumptionWH[0] *= 1 - float64(now.Minute())/60

	log.Ctx(ctx).DebugContext(ctx, "harmonized forecasts",
		slog.Int("hours", hours),
		slog.Float64("currentPrice", series.PricePerKWH[0]),
		slog.Float64("currentNet", series.NetConsumptionWH[0]))
	return series, nil
}

func maxOffset(m map[int]float64) int {
	max := -1
	for h := range m {
		if h > max {
			max = h
		}
	}
	return max
}
