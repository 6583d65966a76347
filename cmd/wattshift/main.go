package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wattshift/wattshift/pkg/engine"
	"github.com/wattshift/wattshift/pkg/evcc"
	"github.com/wattshift/wattshift/pkg/forecast"
	"github.com/wattshift/wattshift/pkg/heatpump"
	"github.com/wattshift/wattshift/pkg/inverter"
	"github.com/wattshift/wattshift/pkg/log"
	"github.com/wattshift/wattshift/pkg/mqtt"
	"github.com/wattshift/wattshift/pkg/server"
	"github.com/wattshift/wattshift/pkg/tariff"
	"github.com/wattshift/wattshift/pkg/types"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	prices := tariff.Configured()
	solar := forecast.ConfiguredSolar()
	consumption := forecast.ConfiguredConsumption()
	inv := inverter.Configured()
	hpDriver := heatpump.ConfiguredDriver()
	api := mqtt.Configured()
	ev := evcc.Configured()
	hp := heatpump.ConfiguredScheduler(hpDriver, api)
	eng := engine.Configured(prices, solar, consumption, inv, hp, api)

	// init server
	srv := server.Configured(eng)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := api.Connect(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "mqtt connect failed", "error", err)
		os.Exit(1)
	}

	// accept settings changes over mqtt
	api.SubscribeSetInt(ctx, "mode", func(v int) {
		eng.SetMode(ctx, types.InverterMode(v))
	})
	api.SubscribeSetFloat(ctx, "charge_rate", func(v float64) {
		eng.SetChargeRate(ctx, v)
	})
	api.SubscribeSetFloat(ctx, "always_allow_discharge_limit", func(v float64) {
		eng.SetAlwaysAllowDischargeLimit(ctx, v)
	})
	api.SubscribeSetFloat(ctx, "max_charging_from_grid_limit", func(v float64) {
		eng.SetMaxChargingFromGridLimit(ctx, v)
	})
	api.SubscribeSetFloat(ctx, "min_price_difference", func(v float64) {
		eng.SetMinPriceDifference(ctx, v)
	})
	api.SubscribeSetBool(ctx, "discharge_blocked", func(v bool) {
		eng.SetDischargeBlocked(ctx, v)
	})

	ev.Start(ctx, api, func(blocked bool) {
		eng.SetDischargeBlocked(ctx, blocked)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})

	err := g.Wait()

	// restore device state on the way out, the run context is already gone
	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sdCancel()
	if herr := hp.Shutdown(shutdownCtx); herr != nil {
		log.Ctx(shutdownCtx).ErrorContext(shutdownCtx, "heatpump shutdown failed", "error", herr)
	}
	if ierr := inv.Shutdown(shutdownCtx); ierr != nil {
		log.Ctx(shutdownCtx).ErrorContext(shutdownCtx, "inverter shutdown failed", "error", ierr)
	}
	api.Shutdown()

	if err != nil && ctx.Err() == nil {
		log.Ctx(ctx).ErrorContext(ctx, "controller failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "controller exited cleanly")
}
