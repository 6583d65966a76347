package tariff

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwattar(t *testing.T) {
	t.Run("Prices_Parsing", func(t *testing.T) {
		hourStart := time.Now().Truncate(time.Hour)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// two hourly slots at 100 and 250 EUR/MWh
			response := fmt.Sprintf(`{"data":[
				{"start_timestamp":%d,"end_timestamp":%d,"marketprice":100.0},
				{"start_timestamp":%d,"end_timestamp":%d,"marketprice":250.0}
			]}`,
				hourStart.UnixMilli(), hourStart.Add(time.Hour).UnixMilli(),
				hourStart.Add(time.Hour).UnixMilli(), hourStart.Add(2*time.Hour).UnixMilli())
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(response))
		}))
		defer ts.Close()

		a := &Awattar{
			apiURL:        ts.URL,
			vatMultiplier: 1.19,
			markupPerKWH:  0.15,
			client:        ts.Client(),
		}

		prices, err := a.Prices(context.Background())
		require.NoError(t, err)
		require.Len(t, prices, 2)

		// 100 EUR/MWh = 0.1 EUR/kWh, * 1.19 + 0.15
		assert.InDelta(t, 0.1*1.19+0.15, prices[0], 1e-9)
		assert.InDelta(t, 0.25*1.19+0.15, prices[1], 1e-9)
	})

	t.Run("Prices_DropsPastHours", func(t *testing.T) {
		hourStart := time.Now().Truncate(time.Hour)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			response := fmt.Sprintf(`{"data":[
				{"start_timestamp":%d,"end_timestamp":%d,"marketprice":90.0},
				{"start_timestamp":%d,"end_timestamp":%d,"marketprice":110.0}
			]}`,
				hourStart.Add(-time.Hour).UnixMilli(), hourStart.UnixMilli(),
				hourStart.UnixMilli(), hourStart.Add(time.Hour).UnixMilli())
			_, _ = w.Write([]byte(response))
		}))
		defer ts.Close()

		a := &Awattar{
			apiURL:        ts.URL,
			vatMultiplier: 1,
			client:        ts.Client(),
		}

		prices, err := a.Prices(context.Background())
		require.NoError(t, err)
		require.Len(t, prices, 1)
		assert.InDelta(t, 0.11, prices[0], 1e-9)
	})

	t.Run("Caching", func(t *testing.T) {
		hourStart := time.Now().Truncate(time.Hour)
		requests := 0
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			response := fmt.Sprintf(`{"data":[{"start_timestamp":%d,"end_timestamp":%d,"marketprice":100.0}]}`,
				hourStart.UnixMilli(), hourStart.Add(time.Hour).UnixMilli())
			_, _ = w.Write([]byte(response))
		}))
		defer ts.Close()

		a := &Awattar{
			apiURL:        ts.URL,
			vatMultiplier: 1,
			client:        ts.Client(),
		}

		_, err := a.Prices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, requests)

		_, err = a.Prices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, requests, "expected cached response")
	})

	t.Run("Prices_ServerError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		a := &Awattar{
			apiURL:        ts.URL,
			vatMultiplier: 1,
			client:        ts.Client(),
		}

		_, err := a.Prices(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTariffUnavailable)
	})
}

func TestOffsets(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	hourStart := now.Truncate(time.Hour)
	points := []pricePoint{
		{start: hourStart.Add(-time.Hour), end: hourStart, pricePerKWH: 0.1},
		{start: hourStart, end: hourStart.Add(time.Hour), pricePerKWH: 0.2},
		{start: hourStart.Add(3 * time.Hour), end: hourStart.Add(4 * time.Hour), pricePerKWH: 0.3},
	}

	out := offsets(points, now)
	require.Len(t, out, 2)
	assert.Equal(t, 0.2, out[0])
	assert.Equal(t, 0.3, out[3])
}
