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

func TestTibber(t *testing.T) {
	t.Run("Prices_Parsing", func(t *testing.T) {
		hourStart := time.Now().Truncate(time.Hour)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			response := fmt.Sprintf(`{"data":{"viewer":{"homes":[{"currentSubscription":{"priceInfo":{
				"today":[{"total":0.31,"startsAt":%q}],
				"tomorrow":[{"total":0.28,"startsAt":%q}]
			}}}]}}}`,
				hourStart.Format(time.RFC3339),
				hourStart.Add(time.Hour).Format(time.RFC3339))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(response))
		}))
		defer ts.Close()

		tib := &Tibber{
			apiURL: ts.URL,
			apiKey: "test-token",
			client: ts.Client(),
		}

		prices, err := tib.Prices(context.Background())
		require.NoError(t, err)
		require.Len(t, prices, 2)
		assert.InDelta(t, 0.31, prices[0], 1e-9)
		assert.InDelta(t, 0.28, prices[1], 1e-9)
	})

	t.Run("Prices_GraphQLError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"errors":[{"message":"invalid token"}]}`))
		}))
		defer ts.Close()

		tib := &Tibber{
			apiURL: ts.URL,
			apiKey: "bad",
			client: ts.Client(),
		}

		_, err := tib.Prices(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTariffUnavailable)
		assert.Contains(t, err.Error(), "invalid token")
	})

	t.Run("Prices_NoHomes", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":{"viewer":{"homes":[]}}}`))
		}))
		defer ts.Close()

		tib := &Tibber{
			apiURL: ts.URL,
			apiKey: "test",
			client: ts.Client(),
		}

		_, err := tib.Prices(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTariffUnavailable)
	})

	t.Run("Validate", func(t *testing.T) {
		tib := &Tibber{apiURL: "https://api.tibber.com/v1-beta/gql"}
		require.Error(t, tib.Validate(), "missing api key")
		tib.apiKey = "token"
		require.NoError(t, tib.Validate())
	})
}
