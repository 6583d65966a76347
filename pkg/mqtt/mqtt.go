// Package mqtt publishes engine telemetry to an MQTT broker and accepts
// runtime setting changes on <base>/<name>/set topics.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/wattshift/wattshift/pkg/common"
	"github.com/wattshift/wattshift/pkg/log"
)

const statusTopic = "status"

// API is the MQTT surface of the controller. All Publish methods are no-ops
// until Connect succeeds, and when no broker is configured.
type API struct {
	broker   string
	base     string
	username string
	password string

	c paho.Client
}

// Configured sets up the MQTT API based on flags. The returned API is
// disabled (all publishes discarded) when no broker address was given.
func Configured() *API {
	broker := lflag.String("mqtt-broker", "", "MQTT broker address, for example tcp://localhost:1883. Empty disables MQTT")
	base := lflag.String("mqtt-topic", "wattshift", "Base topic to publish under and to accept settings on")
	username := lflag.String("mqtt-username", "", "Username for the MQTT broker")
	password := lflag.String("mqtt-password", "", "Password for the MQTT broker")

	a := &API{}

	lflag.Do(func() {
		a.broker = *broker
		a.base = *base
		a.username = *username
		a.password = *password
	})

	return a
}

// Enabled returns true if a broker address was configured.
func (a *API) Enabled() bool {
	return a.broker != ""
}

// Connect establishes the broker session. The connection carries a last will
// that marks the controller offline on <base>/status; an online marker is
// published once connected. Connect is a no-op when MQTT is disabled.
func (a *API) Connect(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}
	opts := paho.NewClientOptions().
		AddBroker(a.broker).
		SetClientID("wattshift-"+common.Version()).
		SetWill(a.topic(statusTopic), "offline", 1, true).
		SetAutoReconnect(true)
	if a.username != "" {
		opts.SetUsername(a.username)
		opts.SetPassword(a.password)
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		c.Publish(a.topic(statusTopic), 1, true, "online")
	})
	c := paho.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting to mqtt broker %s", a.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to mqtt broker %s: %w", a.broker, err)
	}
	a.c = c
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker",
		slog.String("broker", a.broker),
		slog.String("baseTopic", a.base))
	return nil
}

// Shutdown marks the controller offline and closes the broker session.
func (a *API) Shutdown() {
	if a.c == nil {
		return
	}
	tok := a.c.Publish(a.topic(statusTopic), 1, true, "offline")
	tok.WaitTimeout(time.Second)
	a.c.Disconnect(250)
	a.c = nil
}

func (a *API) topic(name string) string {
	return a.base + "/" + name
}

func (a *API) publish(name, payload string) {
	if a.c == nil {
		return
	}
	// fire and forget, telemetry must not stall the evaluation loop
	a.c.Publish(a.topic(name), 0, true, payload)
}

// SubscribeSetInt registers fn for integer payloads on <base>/<name>/set.
func (a *API) SubscribeSetInt(ctx context.Context, name string, fn func(int)) {
	a.subscribeSet(ctx, name, func(payload string) error {
		v, err := strconv.Atoi(payload)
		if err != nil {
			return err
		}
		fn(v)
		return nil
	})
}

// SubscribeSetFloat registers fn for float payloads on <base>/<name>/set.
func (a *API) SubscribeSetFloat(ctx context.Context, name string, fn func(float64)) {
	a.subscribeSet(ctx, name, func(payload string) error {
		v, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return err
		}
		fn(v)
		return nil
	})
}

// SubscribeSetBool registers fn for boolean payloads on <base>/<name>/set.
func (a *API) SubscribeSetBool(ctx context.Context, name string, fn func(bool)) {
	a.subscribeSet(ctx, name, func(payload string) error {
		v, err := strconv.ParseBool(payload)
		if err != nil {
			return err
		}
		fn(v)
		return nil
	})
}

func (a *API) subscribeSet(ctx context.Context, name string, apply func(string) error) {
	if a.c == nil {
		return
	}
	topic := a.topic(name + "/set")
	tok := a.c.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		payload := string(msg.Payload())
		if err := apply(payload); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "ignoring invalid settings payload",
				slog.String("topic", msg.Topic()),
				slog.String("payload", payload),
				slog.Any("err", err))
			return
		}
		log.Ctx(ctx).InfoContext(ctx, "applied settings change",
			slog.String("topic", msg.Topic()),
			slog.String("payload", payload))
	})
	if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe",
			slog.String("topic", topic),
			slog.Any("err", tok.Error()))
	}
}

// Subscribe registers a raw message handler on an absolute topic. It is used
// for topics outside the controller's base topic, like the EVCC status tree.
func (a *API) Subscribe(ctx context.Context, topic string, fn func(topic, payload string)) {
	if a.c == nil {
		return
	}
	tok := a.c.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		fn(msg.Topic(), string(msg.Payload()))
	})
	if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe",
			slog.String("topic", topic),
			slog.Any("err", tok.Error()))
	}
}
