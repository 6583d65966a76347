package forecast

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeProfile writes a CSV covering every month/weekday/hour slot with the
// given energy value and returns its path.
func writeProfile(t *testing.T, energy float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("month,weekday,hour,energy\n")
	require.NoError(t, err)
	for m := 1; m <= 12; m++ {
		for wd := 0; wd <= 6; wd++ {
			for h := 0; h <= 23; h++ {
				_, err = fmt.Fprintf(f, "%d,%d,%d,%g\n", m, wd, h, energy)
				require.NoError(t, err)
			}
		}
	}
	return path
}

func TestConsumption(t *testing.T) {
	t.Run("Forecast", func(t *testing.T) {
		c, err := NewConsumption(writeProfile(t, 400), 0, time.UTC)
		require.NoError(t, err)

		fc, err := c.Consumption(context.Background(), 3)
		require.NoError(t, err)
		require.Len(t, fc, 3)
		for h := 0; h < 3; h++ {
			assert.Equal(t, 400.0, fc[h])
		}
	})

	t.Run("AnnualScaling", func(t *testing.T) {
		// flat 400 Wh profile sums to 400*8760 Wh per year; scaling to
		// 8760 kWh should give 1000 Wh per hour
		c, err := NewConsumption(writeProfile(t, 400), 8760, time.UTC)
		require.NoError(t, err)

		fc, err := c.Consumption(context.Background(), 1)
		require.NoError(t, err)
		assert.InDelta(t, 1000.0, fc[0], 1e-6)
	})

	t.Run("MissingSlotCarriesForward", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profile.csv")
		now := time.Now().UTC().Truncate(time.Hour)
		// only the current hour's slot is present
		k := lookupKey(now)
		content := fmt.Sprintf("month,weekday,hour,energy\n%d,%d,%d,250\n",
			int(k.month), k.weekday, k.hour)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		c, err := NewConsumption(path, 0, time.UTC)
		require.NoError(t, err)

		fc, err := c.Consumption(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, 250.0, fc[0])
		assert.Equal(t, 250.0, fc[1], "missing slot should carry last value")
	})

	t.Run("InvalidRows", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profile.csv")
		require.NoError(t, os.WriteFile(path, []byte("month,weekday,hour,energy\n13,0,0,100\n"), 0o600))
		_, err := NewConsumption(path, 0, time.UTC)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid month")
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := NewConsumption(filepath.Join(t.TempDir(), "nope.csv"), 0, time.UTC)
		require.Error(t, err)
	})
}
