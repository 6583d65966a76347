package tariff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattshift/wattshift/pkg/common"
	"github.com/wattshift/wattshift/pkg/log"
)

// tibberQuery requests today's and tomorrow's hourly prices for the first
// home on the account. Tomorrow is empty until the day-ahead auction clears
// (around 13:00 CET).
const tibberQuery = `{"query":"{viewer {homes {currentSubscription {priceInfo {today {total startsAt} tomorrow {total startsAt}}}}}}"}`

// Tibber implements the Provider interface for the Tibber GraphQL API.
type Tibber struct {
	apiURL string
	apiKey string
	client *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedPoints  []pricePoint
}

// configuredTibber sets up flags for Tibber and returns the instance.
func configuredTibber() *Tibber {
	t := &Tibber{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("tibber-api-url", "https://api.tibber.com/v1-beta/gql", "URL for the Tibber GraphQL API")
	apiKey := lflag.String("tibber-api-key", "", "API token for Tibber")

	lflag.Do(func() {
		t.apiURL = *apiURL
		t.apiKey = *apiKey
	})

	return t
}

// Validate ensures the configuration is valid.
func (t *Tibber) Validate() error {
	if t.apiURL == "" {
		return fmt.Errorf("tibber-api-url is required")
	}
	if _, err := url.Parse(t.apiURL); err != nil {
		return fmt.Errorf("failed to parse tibber url (%s): %w", t.apiURL, err)
	}
	if t.apiKey == "" {
		return fmt.Errorf("tibber-api-key is required")
	}
	return nil
}

type tibberPriceEntry struct {
	Total    float64   `json:"total"`
	StartsAt time.Time `json:"startsAt"`
}

type tibberResponse struct {
	Data struct {
		Viewer struct {
			Homes []struct {
				CurrentSubscription struct {
					PriceInfo struct {
						Today    []tibberPriceEntry `json:"today"`
						Tomorrow []tibberPriceEntry `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Prices implements the Provider interface.
func (t *Tibber) Prices(ctx context.Context) (map[int]float64, error) {
	points, err := t.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTariffUnavailable, err)
	}
	return offsets(points, time.Now()), nil
}

// fetch retrieves price info, caching the result for minFetchInterval.
func (t *Tibber) fetch(ctx context.Context) ([]pricePoint, error) {
	now := time.Now()

	t.mu.Lock()
	if !t.lastFetchTime.IsZero() && now.Sub(t.lastFetchTime) < minFetchInterval {
		points := t.cachedPoints
		t.mu.Unlock()
		return points, nil
	}
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "POST", t.apiURL, bytes.NewReader([]byte(tibberQuery)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from tibber")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tibber api returned status: %d", resp.StatusCode)
	}

	var data tibberResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(data.Errors) > 0 {
		return nil, fmt.Errorf("tibber api error: %s", data.Errors[0].Message)
	}
	if len(data.Data.Viewer.Homes) == 0 {
		return nil, fmt.Errorf("tibber api returned no homes")
	}

	info := data.Data.Viewer.Homes[0].CurrentSubscription.PriceInfo
	entries := make([]tibberPriceEntry, 0, len(info.Today)+len(info.Tomorrow))
	entries = append(entries, info.Today...)
	entries = append(entries, info.Tomorrow...)
	if len(entries) == 0 {
		return nil, fmt.Errorf("tibber api returned no prices")
	}

	points := make([]pricePoint, 0, len(entries))
	for _, e := range entries {
		points = append(points, pricePoint{
			start:       e.StartsAt,
			end:         e.StartsAt.Add(time.Hour),
			pricePerKWH: e.Total,
		})
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched tibber prices", slog.Int("count", len(points)))

	t.mu.Lock()
	t.cachedPoints = points
	t.lastFetchTime = now
	t.mu.Unlock()

	return points, nil
}
