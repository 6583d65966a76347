package forecast

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattshift/wattshift/pkg/log"
)

// profileKey identifies one load profile slot. Weekday follows the profile
// file convention where Monday is 0.
type profileKey struct {
	month   time.Month
	weekday int
	hour    int
}

// Consumption implements ConsumptionProvider from a static load profile. The
// profile is a CSV with columns month (1-12), weekday (0-6, Monday is 0),
// hour (0-23) and energy in Wh. When an annual consumption is configured the
// profile is rescaled so a full year sums to it.
type Consumption struct {
	profile map[profileKey]float64
	loc     *time.Location
}

// ConfiguredConsumption sets up flags for the consumption forecast and
// returns an instance that is ready after lflag.Configure.
func ConfiguredConsumption() *Consumption {
	c := &Consumption{
		loc: time.Local,
	}
	path := lflag.RequiredString("load-profile", "Path to the CSV load profile (month,weekday,hour,energy)")
	var annualKWH float64
	lflag.JSON(&annualKWH, "annual-consumption-kwh", annualKWH, "Annual consumption in kWh to scale the load profile to (0 uses the profile as-is)")

	lflag.Do(func() {
		if err := c.load(*path, annualKWH); err != nil {
			panic(fmt.Sprintf("failed to load profile (%s): %v", *path, err))
		}
	})

	return c
}

// NewConsumption loads a profile directly, bypassing flags.
func NewConsumption(path string, annualKWH float64, loc *time.Location) (*Consumption, error) {
	c := &Consumption{loc: loc}
	if c.loc == nil {
		c.loc = time.Local
	}
	if err := c.load(path, annualKWH); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumption) load(path string, annualKWH float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(records) < 2 {
		return fmt.Errorf("profile has no data rows")
	}

	profile := make(map[profileKey]float64, len(records)-1)
	// first row is the header
	for i, rec := range records[1:] {
		if len(rec) != 4 {
			return fmt.Errorf("row %d: expected 4 columns, got %d", i+2, len(rec))
		}
		month, err := strconv.Atoi(rec[0])
		if err != nil || month < 1 || month > 12 {
			return fmt.Errorf("row %d: invalid month: %s", i+2, rec[0])
		}
		weekday, err := strconv.Atoi(rec[1])
		if err != nil || weekday < 0 || weekday > 6 {
			return fmt.Errorf("row %d: invalid weekday: %s", i+2, rec[1])
		}
		hour, err := strconv.Atoi(rec[2])
		if err != nil || hour < 0 || hour > 23 {
			return fmt.Errorf("row %d: invalid hour: %s", i+2, rec[2])
		}
		energy, err := strconv.ParseFloat(rec[3], 64)
		if err != nil || energy < 0 {
			return fmt.Errorf("row %d: invalid energy: %s", i+2, rec[3])
		}
		profile[profileKey{time.Month(month), weekday, hour}] = energy
	}

	if annualKWH > 0 {
		total := annualTotalWH(profile, c.loc)
		if total <= 0 {
			return fmt.Errorf("profile sums to zero, cannot scale")
		}
		factor := annualKWH * 1000 / total
		for k, v := range profile {
			profile[k] = v * factor
		}
	}
	c.profile = profile
	return nil
}

// annualTotalWH walks every hour of a non-leap reference year and sums the
// profile values, so scaling accounts for how often each slot occurs.
func annualTotalWH(profile map[profileKey]float64, loc *time.Location) float64 {
	var total float64
	t := time.Date(2023, time.January, 1, 0, 0, 0, 0, loc)
	end := t.AddDate(1, 0, 0)
	for t.Before(end) {
		total += profile[lookupKey(t)]
		t = t.Add(time.Hour)
	}
	return total
}

func lookupKey(t time.Time) profileKey {
	return profileKey{
		month: t.Month(),
		// time.Weekday has Sunday as 0, the profile has Monday as 0
		weekday: (int(t.Weekday()) + 6) % 7,
		hour:    t.Hour(),
	}
}

// Consumption implements the ConsumptionProvider interface. Offsets missing
// from the profile carry the last known value forward.
func (c *Consumption) Consumption(ctx context.Context, hours int) (map[int]float64, error) {
	if len(c.profile) == 0 {
		return nil, fmt.Errorf("%w: no load profile loaded", ErrForecastUnavailable)
	}
	hourStart := time.Now().In(c.loc).Truncate(time.Hour)
	out := make(map[int]float64, hours)
	var last float64
	for h := 0; h < hours; h++ {
		v, ok := c.profile[lookupKey(hourStart.Add(time.Duration(h)*time.Hour))]
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "load profile slot missing, carrying last value",
				slog.Int("hour", h))
			v = last
		}
		out[h] = v
		last = v
	}
	return out, nil
}
