package forecast

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

// solarFetchInterval is the minimum time between upstream calls. The public
// forecast.solar tier allows 12 requests per hour and the forecast itself
// only updates every 15 minutes, so once an hour per plane is plenty.
const solarFetchInterval = time.Hour

// Plane is one PV plane as accepted by the forecast.solar estimate API.
type Plane struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Declination float64 `json:"declination"`
	Azimuth     float64 `json:"azimuth"`
	KWPeak      float64 `json:"kWp"`
}

// Solar implements SolarProvider using the forecast.solar estimate API. The
// forecasts of all configured planes are summed into a single series.
type Solar struct {
	apiURL string
	apiKey string
	planes []Plane
	client *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedWH      map[time.Time]float64
}

// ConfiguredSolar sets up flags for the solar forecast and returns an
// instance that is ready after lflag.Configure.
func ConfiguredSolar() *Solar {
	s := &Solar{
		client: common.HTTPClient(30 * time.Second),
	}
	apiURL := lflag.String("solar-api-url", "https://api.forecast.solar", "Base URL for the forecast.solar API")
	apiKey := lflag.String("solar-api-key", "", "Optional forecast.solar personal API key")
	var planes []Plane
	lflag.JSON(&planes, "solar-planes", planes, "JSON array of PV planes (latitude, longitude, declination, azimuth, kWp)")

	lflag.Do(func() {
		s.apiURL = *apiURL
		s.apiKey = *apiKey
		s.planes = planes
		if err := s.Validate(); err != nil {
			panic(fmt.Sprintf("solar forecast validation failed: %v", err))
		}
	})

	return s
}

// Validate ensures the configuration is valid.
func (s *Solar) Validate() error {
	if s.apiURL == "" {
		return fmt.Errorf("solar-api-url is required")
	}
	if _, err := url.Parse(s.apiURL); err != nil {
		return fmt.Errorf("failed to parse solar url (%s): %w", s.apiURL, err)
	}
	if len(s.planes) == 0 {
		return fmt.Errorf("at least one PV plane is required")
	}
	for i, p := range s.planes {
		if p.Latitude < -90 || p.Latitude > 90 {
			return fmt.Errorf("plane %d: latitude out of range", i)
		}
		if p.Longitude < -180 || p.Longitude > 180 {
			return fmt.Errorf("plane %d: longitude out of range", i)
		}
		if p.KWPeak <= 0 {
			return fmt.Errorf("plane %d: kWp must be positive", i)
		}
	}
	return nil
}

type solarResponse struct {
	Result map[string]float64 `json:"result"`
}

// Production implements the SolarProvider interface.
func (s *Solar) Production(ctx context.Context) (map[int]float64, error) {
	wh, err := s.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForecastUnavailable, err)
	}

	// bucket absolute periods into hour offsets relative to now so a
	// cached fetch stays correct as the clock advances
	hourStart := time.Now().Truncate(time.Hour)
	out := make(map[int]float64)
	for periodEnd, v := range wh {
		h := int(periodEnd.Add(-time.Minute).Sub(hourStart) / time.Hour)
		if h < 0 {
			continue
		}
		out[h] += v
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no future solar periods", ErrForecastUnavailable)
	}
	return out, nil
}

// fetch retrieves and sums the per-plane estimates, caching the result for
// solarFetchInterval.
func (s *Solar) fetch(ctx context.Context) (map[time.Time]float64, error) {
	now := time.Now()

	s.mu.Lock()
	if !s.lastFetchTime.IsZero() && now.Sub(s.lastFetchTime) < solarFetchInterval {
		wh := s.cachedWH
		s.mu.Unlock()
		return wh, nil
	}
	s.mu.Unlock()

	sum := make(map[time.Time]float64)
	for i, p := range s.planes {
		wh, err := s.fetchPlane(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("plane %d: %w", i, err)
		}
		for ts, v := range wh {
			sum[ts] += v
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched solar forecast",
		slog.Int("planes", len(s.planes)), slog.Int("periods", len(sum)))

	s.mu.Lock()
	s.cachedWH = sum
	s.lastFetchTime = now
	s.mu.Unlock()

	return sum, nil
}

func (s *Solar) fetchPlane(ctx context.Context, p Plane) (map[time.Time]float64, error) {
	path := ""
	if s.apiKey != "" {
		path = "/" + s.apiKey
	}
	// watthours/period returns the energy produced within each period,
	// keyed by the period's end time
	u := fmt.Sprintf("%s%s/estimate/watthours/period/%g/%g/%g/%g/%g?time=utc",
		s.apiURL, path, p.Latitude, p.Longitude, p.Declination, p.Azimuth, p.KWPeak)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solar api returned status: %d", resp.StatusCode)
	}

	var data solarResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(data.Result) == 0 {
		return nil, fmt.Errorf("solar api returned no periods")
	}

	out := make(map[time.Time]float64, len(data.Result))
	for k, v := range data.Result {
		ts, err := time.Parse(time.RFC3339, k)
		if err != nil {
			return nil, fmt.Errorf("failed to parse period time (%s): %w", k, err)
		}
		out[ts] = v
	}
	return out, nil
}
