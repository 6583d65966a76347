package evcc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestWatcher(blocks *[]bool) *Watcher {
	return &Watcher{
		statusTopic:    "evcc/status",
		loadpointTopic: "evcc/loadpoints/1/charging",
		block: func(b bool) {
			*blocks = append(*blocks, b)
		},
	}
}

func TestWatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("ChargingTogglesBlock", func(t *testing.T) {
		var blocks []bool
		w := newTestWatcher(&blocks)

		w.setOnline(ctx, true)
		w.setCharging(ctx, true)
		w.setCharging(ctx, false)
		assert.Equal(t, []bool{true, false}, blocks)
	})

	t.Run("RepeatedStateIsIgnored", func(t *testing.T) {
		var blocks []bool
		w := newTestWatcher(&blocks)

		w.setCharging(ctx, true)
		w.setCharging(ctx, true)
		assert.Equal(t, []bool{true}, blocks)
	})

	t.Run("OfflineWhileChargingClearsBlock", func(t *testing.T) {
		var blocks []bool
		w := newTestWatcher(&blocks)

		w.setOnline(ctx, true)
		w.setCharging(ctx, true)
		w.setOnline(ctx, false)
		assert.Equal(t, []bool{true, false}, blocks)

		// coming back online must not re-block on its own
		w.setOnline(ctx, true)
		assert.Equal(t, []bool{true, false}, blocks)
	})

	t.Run("OfflineWhileIdleDoesNothing", func(t *testing.T) {
		var blocks []bool
		w := newTestWatcher(&blocks)

		w.setOnline(ctx, true)
		w.setOnline(ctx, false)
		assert.Empty(t, blocks)
	})

	t.Run("Enabled", func(t *testing.T) {
		assert.False(t, (&Watcher{}).Enabled())
		var blocks []bool
		assert.True(t, newTestWatcher(&blocks).Enabled())
	})
}
