// Package evcc watches an EVCC charging controller over MQTT and blocks
// battery discharge while a vehicle is charging, so the house battery does
// not drain into the car.
package evcc

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/levenlabs/go-lflag"

	"github.com/wattshift/wattshift/pkg/log"
	"github.com/wattshift/wattshift/pkg/mqtt"
)

// Watcher mirrors the EVCC charging state into a discharge block. It shares
// the controller's broker session.
type Watcher struct {
	statusTopic    string
	loadpointTopic string

	mu       sync.Mutex
	online   bool
	charging bool
	block    func(bool)
}

// Configured sets up the EVCC watcher based on flags. The watcher is
// disabled when no status topic was given.
func Configured() *Watcher {
	statusTopic := lflag.String("evcc-status-topic", "", "EVCC status topic, for example evcc/status. Empty disables the EVCC integration")
	loadpointTopic := lflag.String("evcc-loadpoint-topic", "evcc/loadpoints/1/charging", "EVCC loadpoint charging topic")

	w := &Watcher{}

	lflag.Do(func() {
		w.statusTopic = *statusTopic
		w.loadpointTopic = *loadpointTopic
	})

	return w
}

// Enabled returns true if a status topic was configured.
func (w *Watcher) Enabled() bool {
	return w.statusTopic != ""
}

// Start subscribes to the EVCC topics and forwards charging state changes to
// block. block is called with true while a vehicle is charging and with
// false once charging stops or EVCC goes offline.
func (w *Watcher) Start(ctx context.Context, api *mqtt.API, block func(bool)) {
	if !w.Enabled() {
		return
	}
	w.mu.Lock()
	w.block = block
	w.mu.Unlock()

	api.Subscribe(ctx, w.statusTopic, func(_, payload string) {
		switch payload {
		case "online":
			w.setOnline(ctx, true)
		case "offline":
			w.setOnline(ctx, false)
		}
	})
	api.Subscribe(ctx, w.loadpointTopic, func(_, payload string) {
		switch strings.ToLower(payload) {
		case "true":
			w.setCharging(ctx, true)
		case "false":
			w.setCharging(ctx, false)
		}
	})
}

func (w *Watcher) setOnline(ctx context.Context, online bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.online == online {
		return
	}
	w.online = online
	if online {
		log.Ctx(ctx).InfoContext(ctx, "evcc is online")
		return
	}
	log.Ctx(ctx).ErrorContext(ctx, "evcc went offline")
	// never leave a stale block behind when the controller disappears
	if w.charging {
		w.charging = false
		w.block(false)
	}
}

func (w *Watcher) setCharging(ctx context.Context, charging bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.charging == charging {
		return
	}
	w.charging = charging
	log.Ctx(ctx).InfoContext(ctx, "evcc charging state changed",
		slog.Bool("charging", charging))
	w.block(charging)
}
