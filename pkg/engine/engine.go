// Package engine runs the evaluation loop: fetch forecasts, decide the
// inverter mode for the current hour, plan heat pump tiers over the horizon
// and publish telemetry.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattshift/wattshift/pkg/forecast"
	"github.com/wattshift/wattshift/pkg/heatpump"
	"github.com/wattshift/wattshift/pkg/inverter"
	"github.com/wattshift/wattshift/pkg/log"
	"github.com/wattshift/wattshift/pkg/tariff"
	"github.com/wattshift/wattshift/pkg/types"
)

// defaultChargeRateW is used when a remote override forces charging without
// specifying a rate.
const defaultChargeRateW = 500

// Engine owns the evaluation loop. All decision state is mutated from the
// loop goroutine only; the policy, block flag and pending override can be
// set concurrently through the remote setters and are snapshotted once per
// cycle.
type Engine struct {
	tariff      tariff.Provider
	solar       forecast.SolarProvider
	consumption forecast.ConsumptionProvider
	inv         inverter.Driver
	hp          *heatpump.Scheduler
	pub         types.Publisher

	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	mu               sync.Mutex
	policy           types.BatteryPolicy
	dischargeBlocked bool
	pending          *types.InverterCommand
	lastCommand      types.InverterCommand
	lastSeries       types.HourlySeries
	lastState        types.BatteryState
	lastEvaluation   time.Time

	forecastErrSince time.Time
}

// Options collects the engine's collaborators.
type Options struct {
	Tariff      tariff.Provider
	Solar       forecast.SolarProvider
	Consumption forecast.ConsumptionProvider
	Inverter    inverter.Driver
	Heatpump    *heatpump.Scheduler
	Publisher   types.Publisher

	Policy   types.BatteryPolicy
	Interval time.Duration
	Grace    time.Duration
}

// New returns an engine from the given options.
func New(opts Options) *Engine {
	if opts.Publisher == nil {
		opts.Publisher = types.NopPublisher{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Minute
	}
	return &Engine{
		tariff:      opts.Tariff,
		solar:       opts.Solar,
		consumption: opts.Consumption,
		inv:         opts.Inverter,
		hp:          opts.Heatpump,
		pub:         opts.Publisher,
		interval:    opts.Interval,
		grace:       opts.Grace,
		now:         time.Now,
		policy:      opts.Policy,
	}
}

// Configured sets up flags for the engine around the given collaborators.
func Configured(t tariff.Provider, s forecast.SolarProvider, c forecast.ConsumptionProvider,
	inv inverter.Driver, hp *heatpump.Scheduler, pub types.Publisher) *Engine {
	e := New(Options{
		Tariff: t, Solar: s, Consumption: c,
		Inverter: inv, Heatpump: hp, Publisher: pub,
	})
	interval := lflag.Duration("evaluation-interval", 2*time.Minute, "Time between evaluation cycles")
	grace := lflag.Duration("forecast-grace", 10*time.Minute, "How long to hold the previous command when forecasts fail before failing safe")
	policy := types.BatteryPolicy{
		AlwaysAllowDischargeLimit: 0.9,
		MaxChargingFromGridLimit:  0.9,
		MinPriceDifference:        0.05,
	}
	lflag.JSON(&policy, "battery-policy", policy, "JSON battery policy (alwaysAllowDischargeLimit, maxChargingFromGridLimit, minPriceDifference)")

	lflag.Do(func() {
		e.interval = *interval
		e.grace = *grace
		e.policy = policy
	})

	return e
}

// Run executes evaluation cycles until ctx is canceled. A cycle runs to
// completion before the next sleep starts, so slow upstreams delay the loop
// rather than overlapping it.
func (e *Engine) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "starting evaluation loop",
		slog.Duration("interval", e.interval))
	for {
		e.runCycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.interval):
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	now := e.now()
	cache := newStateCache(e.inv, e.pub)

	e.mu.Lock()
	policy := e.policy
	blocked := e.dischargeBlocked
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	e.pub.PublishAlwaysAllowDischargeLimit(policy.AlwaysAllowDischargeLimit)
	e.pub.PublishMaxChargingFromGridLimit(policy.MaxChargingFromGridLimit)
	e.pub.PublishMinPriceDifference(policy.MinPriceDifference)
	e.pub.PublishDischargeBlocked(blocked)
	e.pub.PublishEvaluationInterval(e.interval)

	if maxCap, err := cache.MaxCapacity(ctx); err == nil {
		e.pub.PublishDischargeLimitCapacity(maxCap * policy.AlwaysAllowDischargeLimit)
	} else {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch battery telemetry",
			slog.Any("err", err))
	}

	series, err := e.harmonize(ctx, now)
	if err != nil {
		e.handleForecastError(ctx, err, now)
		return
	}
	e.resetForecastError()

	e.pub.PublishSeries(series)
	e.mu.Lock()
	e.lastSeries = series
	e.mu.Unlock()

	if pending != nil {
		// remote override takes the place of this cycle's decision
		log.Ctx(ctx).InfoContext(ctx, "applying remote override",
			slog.String("mode", pending.Mode.String()),
			slog.Float64("chargeRateW", pending.ChargeRateW))
		e.applyCommand(ctx, *pending)
	} else if err := e.dispatch(ctx, cache, series, policy, blocked, now); err != nil {
		// device trouble: keep the previous command and retry next cycle
		log.Ctx(ctx).WarnContext(ctx, "dispatch failed, keeping previous command",
			slog.Any("err", err))
	}

	if e.hp != nil {
		e.hp.Plan(ctx, series)
	}

	if st, err := cache.State(ctx); err == nil {
		e.mu.Lock()
		e.lastState = st
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.lastEvaluation = now
	e.mu.Unlock()
	e.pub.PublishLastEvaluation(now)
}

// handleForecastError holds the previous inverter command during a short
// outage, then fails safe to AllowDischarge so the battery is never stuck
// avoiding discharge on unknown prices.
func (e *Engine) handleForecastError(ctx context.Context, err error, now time.Time) {
	if e.forecastErrSince.IsZero() {
		e.forecastErrSince = now
	}
	outage := now.Sub(e.forecastErrSince)
	if outage <= e.grace {
		log.Ctx(ctx).WarnContext(ctx, "forecasts unavailable, holding previous command",
			slog.Duration("outage", outage), slog.Any("err", err))
		return
	}
	log.Ctx(ctx).WarnContext(ctx, "forecasts unavailable past grace period, failing safe to allow discharge",
		slog.Duration("outage", outage), slog.Any("err", err))
	if cmdErr := e.allowDischarging(ctx); cmdErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set fail-safe mode", slog.Any("err", cmdErr))
	}
}

func (e *Engine) resetForecastError() {
	e.forecastErrSince = time.Time{}
}

func (e *Engine) applyCommand(ctx context.Context, cmd types.InverterCommand) {
	var err error
	switch cmd.Mode {
	case types.ModeForceCharge:
		err = e.forceCharge(ctx, cmd.ChargeRateW)
	case types.ModeAvoidDischarge:
		err = e.avoidDischarging(ctx)
	case types.ModeAllowDischarge:
		err = e.allowDischarging(ctx)
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to apply override command", slog.Any("err", err))
	}
}

func (e *Engine) allowDischarging(ctx context.Context) error {
	log.Ctx(ctx).DebugContext(ctx, "mode: allow discharging")
	if err := e.inv.SetModeAllowDischarge(ctx); err != nil {
		return err
	}
	e.recordCommand(types.ModeAllowDischarge, 0)
	return nil
}

func (e *Engine) avoidDischarging(ctx context.Context) error {
	log.Ctx(ctx).DebugContext(ctx, "mode: avoid discharging")
	if err := e.inv.SetModeAvoidDischarge(ctx); err != nil {
		return err
	}
	e.recordCommand(types.ModeAvoidDischarge, 0)
	return nil
}

func (e *Engine) forceCharge(ctx context.Context, rateW float64) error {
	if maxRate := e.inv.MaxGridChargeRate(); rateW > maxRate {
		rateW = maxRate
	}
	log.Ctx(ctx).DebugContext(ctx, "mode: force charging",
		slog.Float64("chargeRateW", rateW))
	if err := e.inv.SetModeForceCharge(ctx, rateW); err != nil {
		return err
	}
	e.recordCommand(types.ModeForceCharge, rateW)
	return nil
}

// recordCommand tracks the last command and publishes it. Leaving force
// charge always publishes a zero charge rate so dashboards never show a
// stale rate.
func (e *Engine) recordCommand(mode types.InverterMode, rateW float64) {
	e.mu.Lock()
	prevRate := e.lastCommand.ChargeRateW
	e.lastCommand = types.InverterCommand{
		Timestamp:   e.now(),
		Mode:        mode,
		ChargeRateW: rateW,
	}
	e.mu.Unlock()

	e.pub.PublishMode(mode)
	if mode == types.ModeForceCharge {
		e.pub.PublishChargeRate(rateW)
	} else if prevRate > 0 {
		e.pub.PublishChargeRate(0)
	}
}

// SetMode is the remote override for the inverter mode. The command is
// applied at the next cycle boundary and suppresses the dispatch decision
// for that cycle. Invalid modes are logged and ignored.
func (e *Engine) SetMode(ctx context.Context, mode types.InverterMode) {
	if !mode.Valid() {
		log.Ctx(ctx).WarnContext(ctx, "ignoring invalid mode override",
			slog.Int("mode", int(mode)))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "mode override requested",
		slog.String("mode", mode.String()))
	cmd := types.InverterCommand{Mode: mode}
	if mode == types.ModeForceCharge {
		cmd.ChargeRateW = defaultChargeRateW
	}
	e.mu.Lock()
	e.pending = &cmd
	e.mu.Unlock()
}

// SetChargeRate is the remote override requesting force charging at the
// given rate. Negative rates are logged and ignored.
func (e *Engine) SetChargeRate(ctx context.Context, rateW float64) {
	if rateW < 0 {
		log.Ctx(ctx).WarnContext(ctx, "ignoring invalid charge rate override",
			slog.Float64("rateW", rateW))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "charge rate override requested",
		slog.Float64("rateW", rateW))
	e.mu.Lock()
	e.pending = &types.InverterCommand{Mode: types.ModeForceCharge, ChargeRateW: rateW}
	e.mu.Unlock()
}

// SetAlwaysAllowDischargeLimit updates the policy. Values outside [0, 1] are
// logged and ignored.
func (e *Engine) SetAlwaysAllowDischargeLimit(ctx context.Context, limit float64) {
	if limit < 0 || limit > 1 {
		log.Ctx(ctx).WarnContext(ctx, "ignoring invalid always-allow discharge limit",
			slog.Float64("limit", limit))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "setting always-allow discharge limit",
		slog.Float64("limit", limit))
	e.mu.Lock()
	e.policy.AlwaysAllowDischargeLimit = limit
	e.mu.Unlock()
}

// SetMaxChargingFromGridLimit updates the policy. Values outside [0, 1] are
// logged and ignored.
func (e *Engine) SetMaxChargingFromGridLimit(ctx context.Context, limit float64) {
	if limit < 0 || limit > 1 {
		log.Ctx(ctx).WarnContext(ctx, "ignoring invalid max grid charging limit",
			slog.Float64("limit", limit))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "setting max grid charging limit",
		slog.Float64("limit", limit))
	e.mu.Lock()
	e.policy.MaxChargingFromGridLimit = limit
	e.mu.Unlock()
}

// SetMinPriceDifference updates the policy. Negative values are logged and
// ignored.
func (e *Engine) SetMinPriceDifference(ctx context.Context, diff float64) {
	if diff < 0 {
		log.Ctx(ctx).WarnContext(ctx, "ignoring invalid min price difference",
			slog.Float64("diff", diff))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "setting min price difference",
		slog.Float64("diff", diff))
	e.mu.Lock()
	e.policy.MinPriceDifference = diff
	e.mu.Unlock()
}

// SetDischargeBlocked raises or clears the external discharge block, for
// example while an EV is charging.
func (e *Engine) SetDischargeBlocked(ctx context.Context, blocked bool) {
	e.mu.Lock()
	changed := e.dischargeBlocked != blocked
	e.dischargeBlocked = blocked
	e.mu.Unlock()
	if changed {
		log.Ctx(ctx).InfoContext(ctx, "discharge block changed",
			slog.Bool("blocked", blocked))
		e.pub.PublishDischargeBlocked(blocked)
	}
}

// Status is a snapshot of the engine for the status server.
type Status struct {
	LastEvaluation time.Time             `json:"lastEvaluation"`
	Interval       time.Duration         `json:"interval"`
	Command        types.InverterCommand `json:"command"`
	Battery        types.BatteryState    `json:"battery"`
	Policy         types.BatteryPolicy   `json:"policy"`
	Blocked        bool                  `json:"dischargeBlocked"`
	Series         types.HourlySeries    `json:"series"`
	HeatpumpSlots  []types.ModeSlot      `json:"heatpumpSlots,omitempty"`
}

// Status returns a snapshot of the last evaluation.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		LastEvaluation: e.lastEvaluation,
		Interval:       e.interval,
		Command:        e.lastCommand,
		Battery:        e.lastState,
		Policy:         e.policy,
		Blocked:        e.dischargeBlocked,
		Series:         e.lastSeries,
	}
	e.mu.Unlock()
	if e.hp != nil {
		st.HeatpumpSlots = e.hp.Slots()
	}
	return st
}
