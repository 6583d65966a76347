package heatpump

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattshift/wattshift/pkg/log"
	"github.com/wattshift/wattshift/pkg/types"
)

// handler tracks one schedule installed on the device, keyed by the unix
// start time of its slot.
type handler struct {
	ref   ScheduleRef
	start time.Time
	end   time.Time
}

// Scheduler assigns an operating tier to every hour of the forecast horizon
// and reconciles the resulting windows with the schedules installed on the
// device. It is not safe for concurrent use; the engine calls it from the
// evaluation loop only.
type Scheduler struct {
	d   Driver
	cfg types.TierConfig
	pub types.Publisher
	now func() time.Time

	mu                  sync.Mutex
	handlers            map[int64]handler
	slots               []types.ModeSlot
	alreadyPlannedUntil time.Time
}

// NewScheduler returns a scheduler driving d with the given tier config.
func NewScheduler(d Driver, cfg types.TierConfig, pub types.Publisher) *Scheduler {
	if pub == nil {
		pub = types.NopPublisher{}
	}
	return &Scheduler{
		d:        d,
		cfg:      cfg,
		pub:      pub,
		now:      time.Now,
		handlers: make(map[int64]handler),
	}
}

// ConfiguredScheduler sets up flags for the scheduler around the given
// driver.
func ConfiguredScheduler(d Driver, pub types.Publisher) *Scheduler {
	s := NewScheduler(d, types.DefaultTierConfig(), pub)
	cfg := types.DefaultTierConfig()
	lflag.JSON(&cfg, "heatpump-tiers", cfg, "JSON heat pump tier thresholds, hour budgets and durations")

	lflag.Do(func() {
		s.cfg = cfg
	})

	return s
}

// TierConfig returns the active tier configuration.
func (s *Scheduler) TierConfig() types.TierConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Slots returns the currently planned mode windows.
func (s *Scheduler) Slots() []types.ModeSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ModeSlot, len(s.slots))
	copy(out, s.slots)
	return out
}

// Plan updates the tier plan from the harmonized series and reconciles it
// with the device. Planning only recomputes when the horizon extends past
// what was already planned; reconciliation of pending windows runs every
// cycle so failed installs are retried.
func (s *Scheduler) Plan(ctx context.Context, series types.HourlySeries) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpired(ctx)

	horizonEnd := series.HourStart(series.Hours())
	if series.Hours() > 0 && horizonEnd.After(s.alreadyPlannedUntil) {
		modes := s.assignModes(ctx, series)
		s.adjustModeDuration(ctx, modes, series.PricePerKWH, types.HeatEvuBlock, types.HeatHotWaterBlock, s.cfg.MaxEvuBlockDuration)
		s.adjustModeDuration(ctx, modes, series.PricePerKWH, types.HeatHotWaterBlock, types.HeatReduced, s.cfg.MaxHotWaterBlockDuration)
		s.adjustModeDuration(ctx, modes, series.PricePerKWH, types.HeatReduced, types.HeatNormal, s.cfg.MaxReducedHeatDuration)
		s.adjustModeDuration(ctx, modes, series.PricePerKWH, types.HeatIncreased, types.HeatNormal, s.cfg.MaxIncreasedHeatDuration)

		s.slots = mergeSlots(series, modes, s.d.Location())
		s.alreadyPlannedUntil = horizonEnd
		log.Ctx(ctx).DebugContext(ctx, "replanned heatpump tiers",
			slog.Int("hours", series.Hours()),
			slog.Time("plannedUntil", horizonEnd))
	}

	s.reconcile(ctx)

	s.pub.PublishTierConfig(s.cfg)
	s.pub.PublishModeSlots(s.slots)
}

// assignModes walks the hours from most to least expensive and picks the
// first tier whose trigger holds and whose hour budget remains.
func (s *Scheduler) assignModes(ctx context.Context, series types.HourlySeries) []types.HeatpumpMode {
	hours := series.Hours()
	modes := make([]types.HeatpumpMode, hours)

	// a missing or failing outdoor sensor keeps increased heat off
	increasedHeatOK := false
	if temp, err := s.d.OutdoorTemperature(ctx); err == nil {
		increasedHeatOK = temp < s.cfg.MaxIncreasedHeatOutdoorTempC
	} else {
		log.Ctx(ctx).DebugContext(ctx, "no outdoor temperature, increased heat disabled",
			slog.Any("err", err))
	}

	byPrice := make([]int, hours)
	for h := range byPrice {
		byPrice[h] = h
	}
	sort.SliceStable(byPrice, func(i, j int) bool {
		return series.PricePerKWH[byPrice[i]] > series.PricePerKWH[byPrice[j]]
	})

	boostBudget := s.cfg.MaxHotWaterBoostHours
	increasedBudget := s.cfg.MaxIncreasedHeatHours
	evuBudget := s.cfg.MaxEvuBlockHours
	hotWaterBudget := s.cfg.MaxHotWaterBlockHours
	reducedBudget := s.cfg.MaxReducedHeatHours

	for _, h := range byPrice {
		price := series.PricePerKWH[h]
		net := series.NetConsumptionWH[h]
		switch {
		case net < -s.cfg.MinSurplusForHotWaterBoostWH && boostBudget > 0:
			modes[h] = types.HeatHotWaterBoost
			boostBudget--
		case (net < -s.cfg.MinSurplusForIncreasedHeatWH || price <= s.cfg.MaxPriceForIncreasedHeat) &&
			increasedHeatOK && increasedBudget > 0:
			modes[h] = types.HeatIncreased
			increasedBudget--
		case price >= s.cfg.MinPriceForEvuBlock && evuBudget > 0:
			modes[h] = types.HeatEvuBlock
			evuBudget--
		case price >= s.cfg.MinPriceForHotWaterBlock && hotWaterBudget > 0:
			modes[h] = types.HeatHotWaterBlock
			hotWaterBudget--
		case price >= s.cfg.MinPriceForReducedHeat && reducedBudget > 0:
			modes[h] = types.HeatReduced
			reducedBudget--
		default:
			modes[h] = types.HeatNormal
		}
	}
	return modes
}

// adjustModeDuration demotes hours of inspected runs that exceed the maximum
// consecutive duration. The cheaper end of the run loses the tier: when the
// first hour of the run is at most as expensive as the overflowing hour, the
// first hour is demoted and the rest of the run stays under inspection,
// otherwise the overflowing hour is demoted and it terminates the run.
func (s *Scheduler) adjustModeDuration(ctx context.Context, modes []types.HeatpumpMode, prices []float64,
	inspected, downgrade types.HeatpumpMode, maxDuration int) {
	if maxDuration <= 0 {
		return
	}
	duration := 0
	start := -1
	for h, mode := range modes {
		if mode != inspected {
			duration = 0
			start = -1
			continue
		}
		if start == -1 {
			start = h
		}
		duration++
		if duration <= maxDuration {
			continue
		}
		demoted := h
		if prices[start] <= prices[h] {
			demoted = start
		}
		modes[demoted] = downgrade
		log.Ctx(ctx).DebugContext(ctx, "demoted tier over duration limit",
			slog.String("from", inspected.String()),
			slog.String("to", downgrade.String()),
			slog.Int("hour", demoted))
		if demoted == start {
			// the remaining hours of the run are still at the limit
			// and must keep being counted
			start++
			duration--
		} else {
			duration = 0
			start = -1
		}
	}
}

// mergeSlots folds contiguous hours with the same mode into windows with
// absolute times in the device's timezone.
func mergeSlots(series types.HourlySeries, modes []types.HeatpumpMode, loc *time.Location) []types.ModeSlot {
	var slots []types.ModeSlot
	for h := 0; h < len(modes); h++ {
		start := h
		for h+1 < len(modes) && modes[h+1] == modes[start] {
			h++
		}
		slots = append(slots, types.ModeSlot{
			Start:         series.HourStart(start).In(loc),
			End:           series.HourStart(h + 1).In(loc),
			Mode:          modes[start],
			PricePerKWH:   series.PricePerKWH[start],
			ConsumptionWH: series.ConsumptionWH[start],
		})
	}
	return slots
}

// reconcile installs device schedules for planned non-normal windows that do
// not have one yet. s.mu must be held.
func (s *Scheduler) reconcile(ctx context.Context) {
	for _, slot := range s.slots {
		if slot.Mode == types.HeatNormal {
			continue
		}
		if !slot.End.After(s.now()) {
			continue
		}
		key := slot.Start.Unix()
		if _, ok := s.handlers[key]; ok {
			continue
		}

		sched := Schedule{
			Start: slot.Start,
			End:   slot.End,
			Mode:  slot.Mode,
		}
		switch slot.Mode {
		case types.HeatReduced:
			sched.Temperature = s.cfg.ReducedHeatTemperature
		case types.HeatIncreased:
			sched.Temperature = s.cfg.IncreasedHeatTemperature
		}

		ref, err := s.d.InstallSchedule(ctx, sched)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to install heatpump schedule, will retry",
				slog.String("mode", slot.Mode.String()),
				slog.Time("start", slot.Start),
				slog.Any("err", err))
			continue
		}
		s.handlers[key] = handler{ref: ref, start: slot.Start, end: slot.End}
		log.Ctx(ctx).InfoContext(ctx, "installed heatpump schedule",
			slog.String("mode", slot.Mode.String()),
			slog.Time("start", slot.Start),
			slog.Time("end", slot.End))
	}
}

// purgeExpired drops handlers and slots that ended in the past, deleting the
// device schedule best-effort. s.mu must be held.
func (s *Scheduler) purgeExpired(ctx context.Context) {
	now := s.now().In(s.d.Location())
	for key, h := range s.handlers {
		if !h.end.Before(now) {
			continue
		}
		if err := s.d.DeleteSchedule(ctx, h.ref); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to delete expired schedule",
				slog.Time("start", h.start), slog.Any("err", err))
		}
		delete(s.handlers, key)
	}
	kept := s.slots[:0]
	for _, slot := range s.slots {
		if slot.End.After(now) {
			kept = append(kept, slot)
		}
	}
	s.slots = kept
}

// Shutdown removes all schedules this scheduler installed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastErr error
	for key, h := range s.handlers {
		if err := s.d.DeleteSchedule(ctx, h.ref); err != nil {
			lastErr = fmt.Errorf("failed to delete schedule starting %s: %w", h.start, err)
			log.Ctx(ctx).WarnContext(ctx, "failed to delete schedule on shutdown",
				slog.Time("start", h.start), slog.Any("err", err))
		}
		delete(s.handlers, key)
	}
	return lastErr
}
