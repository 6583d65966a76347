package tariff

import (
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

// minFetchInterval is the minimum time between calls to an upstream price
// API. Spot prices only change once per hour, so anything more frequent is
// wasted load.
const minFetchInterval = 15 * time.Minute

// Awattar implements the Provider interface for the aWATTar day-ahead market
// data API (available for the German and Austrian market areas).
type Awattar struct {
	apiURL string
	// vatMultiplier is applied to the raw market price. The German API
	// reports net prices while consumers pay gross.
	vatMultiplier float64
	// markupPerKWH is a flat per-kWh fee added after VAT.
	markupPerKWH float64
	client       *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedPoints  []pricePoint
}

// configuredAwattar sets up flags for aWATTar and returns the instance.
func configuredAwattar() *Awattar {
	a := &Awattar{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("awattar-api-url", "https://api.awattar.de/v1/marketdata", "URL for the aWATTar market data API")
	cfg := struct {
		VATMultiplier float64 `json:"vatMultiplier"`
		MarkupPerKWH  float64 `json:"markupPerKWH"`
	}{VATMultiplier: 1.19}
	lflag.JSON(&cfg, "awattar-pricing", cfg, "JSON pricing adjustments (vatMultiplier, markupPerKWH)")

	lflag.Do(func() {
		a.apiURL = *apiURL
		a.vatMultiplier = cfg.VATMultiplier
		a.markupPerKWH = cfg.MarkupPerKWH
	})

	return a
}

// Validate ensures the configuration is valid.
func (a *Awattar) Validate() error {
	if a.apiURL == "" {
		return fmt.Errorf("awattar-api-url is required")
	}
	if _, err := url.Parse(a.apiURL); err != nil {
		return fmt.Errorf("failed to parse awattar url (%s): %w", a.apiURL, err)
	}
	if a.vatMultiplier <= 0 {
		return fmt.Errorf("vatMultiplier must be positive")
	}
	return nil
}

// awattarEntry is one market data slot as returned by the API. Prices are in
// EUR/MWh.
type awattarEntry struct {
	StartTimestamp int64   `json:"start_timestamp"`
	EndTimestamp   int64   `json:"end_timestamp"`
	Marketprice    float64 `json:"marketprice"`
}

type awattarResponse struct {
	Data []awattarEntry `json:"data"`
}

// Prices implements the Provider interface.
func (a *Awattar) Prices(ctx context.Context) (map[int]float64, error) {
	points, err := a.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTariffUnavailable, err)
	}
	return offsets(points, time.Now()), nil
}

// fetch retrieves market data, caching the result for minFetchInterval.
func (a *Awattar) fetch(ctx context.Context) ([]pricePoint, error) {
	now := time.Now()

	a.mu.Lock()
	if !a.lastFetchTime.IsZero() && now.Sub(a.lastFetchTime) < minFetchInterval {
		points := a.cachedPoints
		a.mu.Unlock()
		return points, nil
	}
	a.mu.Unlock()

	u, err := url.Parse(a.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	// request from the start of the current hour through tomorrow
	params.Set("start", fmt.Sprintf("%d", now.Truncate(time.Hour).UnixMilli()))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from awattar", slog.String("url", u.String()))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("awattar api returned status: %d", resp.StatusCode)
	}

	var data awattarResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(data.Data) == 0 {
		return nil, fmt.Errorf("awattar api returned no data")
	}

	points := make([]pricePoint, 0, len(data.Data))
	for _, e := range data.Data {
		points = append(points, pricePoint{
			start: time.UnixMilli(e.StartTimestamp),
			end:   time.UnixMilli(e.EndTimestamp),
			// EUR/MWh -> EUR/kWh, then gross up and add fees
			pricePerKWH: e.Marketprice/1000*a.vatMultiplier + a.markupPerKWH,
		})
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched awattar prices", slog.Int("count", len(points)))

	a.mu.Lock()
	a.cachedPoints = points
	a.lastFetchTime = now
	a.mu.Unlock()

	return points, nil
}
