package inverter

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattshift/wattshift/pkg/common"
	"github.com/wattshift/wattshift/pkg/log"
)

// allWeek is the time table applied to every schedule we write: the engine
// re-evaluates every cycle, so schedules always span the whole day.
var allWeek = map[string]bool{
	"Mon": true, "Tue": true, "Wed": true, "Thu": true,
	"Fri": true, "Sat": true, "Sun": true,
}

type timeOfUseEntry struct {
	Active       bool              `json:"Active"`
	Power        int               `json:"Power"`
	ScheduleType string            `json:"ScheduleType"`
	TimeTable    map[string]string `json:"TimeTable"`
	Weekdays     map[string]bool   `json:"Weekdays"`
}

// Fronius drives a Fronius Gen24 hybrid inverter through its local Solar API
// and config endpoints. Mode changes are written as time-of-use schedules.
type Fronius struct {
	address            string
	user               string
	password           string
	maxGridChargeRateW float64
	maxPVChargeRateW   float64
	client             *http.Client

	mu             sync.Mutex
	capacityWH     float64
	minSOC         float64
	maxSOC         float64
	configLoaded   bool
	savedTimeOfUse json.RawMessage

	authMu sync.Mutex
	realm  string
	nonce  string
	qop    string
	nc     int
}

// configuredFronius sets up flags for the Fronius driver and returns the
// instance.
func configuredFronius() *Fronius {
	f := &Fronius{
		client: common.HTTPClient(15 * time.Second),
	}
	address := lflag.String("fronius-address", "", "Hostname or IP of the Fronius inverter")
	user := lflag.String("fronius-user", "customer", "Local API user for the Fronius inverter")
	password := lflag.String("fronius-password", "", "Local API password for the Fronius inverter")
	cfg := struct {
		MaxGridChargeRateW float64 `json:"maxGridChargeRateW"`
		MaxPVChargeRateW   float64 `json:"maxPVChargeRateW"`
	}{MaxGridChargeRateW: 5000}
	lflag.JSON(&cfg, "fronius-charge-rates", cfg, "JSON charge rate limits (maxGridChargeRateW, maxPVChargeRateW)")

	lflag.Do(func() {
		f.address = *address
		f.user = *user
		f.password = *password
		f.maxGridChargeRateW = cfg.MaxGridChargeRateW
		f.maxPVChargeRateW = cfg.MaxPVChargeRateW
	})

	return f
}

// Validate ensures the configuration is valid.
func (f *Fronius) Validate() error {
	if f.address == "" {
		return fmt.Errorf("fronius-address is required")
	}
	if f.password == "" {
		return fmt.Errorf("fronius-password is required")
	}
	if f.maxGridChargeRateW <= 0 {
		return fmt.Errorf("maxGridChargeRateW must be positive")
	}
	return nil
}

// MaxGridChargeRate implements the Driver interface.
func (f *Fronius) MaxGridChargeRate() float64 {
	return f.maxGridChargeRateW
}

// SOC implements the Driver interface.
func (f *Fronius) SOC(ctx context.Context) (float64, error) {
	body, err := f.send(ctx, "GET", "/solar_api/v1/GetPowerFlowRealtimeData.fcgi", nil, false)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	var data struct {
		Body struct {
			Data struct {
				Inverters map[string]struct {
					SOC float64 `json:"SOC"`
				} `json:"Inverters"`
			} `json:"Data"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, fmt.Errorf("%w: failed to decode power flow: %w", ErrDeviceUnavailable, err)
	}
	inv, ok := data.Body.Data.Inverters["1"]
	if !ok {
		return 0, fmt.Errorf("%w: no inverter in power flow response", ErrDeviceUnavailable)
	}
	return inv.SOC, nil
}

// MaxCapacity implements the Driver interface.
func (f *Fronius) MaxCapacity(ctx context.Context) (float64, error) {
	capa, err := f.designedCapacity(ctx)
	if err != nil {
		return 0, err
	}
	if err := f.ensureConfig(ctx); err != nil {
		return 0, err
	}
	return f.maxSOC / 100 * capa, nil
}

// StoredEnergy implements the Driver interface.
func (f *Fronius) StoredEnergy(ctx context.Context) (float64, error) {
	soc, err := f.SOC(ctx)
	if err != nil {
		return 0, err
	}
	capa, err := f.designedCapacity(ctx)
	if err != nil {
		return 0, err
	}
	if err := f.ensureConfig(ctx); err != nil {
		return 0, err
	}
	energy := (soc - f.minSOC) / 100 * capa
	if energy < 0 {
		return 0, nil
	}
	return energy, nil
}

// FreeCapacity implements the Driver interface.
func (f *Fronius) FreeCapacity(ctx context.Context) (float64, error) {
	soc, err := f.SOC(ctx)
	if err != nil {
		return 0, err
	}
	capa, err := f.designedCapacity(ctx)
	if err != nil {
		return 0, err
	}
	if err := f.ensureConfig(ctx); err != nil {
		return 0, err
	}
	return (f.maxSOC - soc) / 100 * capa, nil
}

// SetModeAllowDischarge implements the Driver interface.
func (f *Fronius) SetModeAllowDischarge(ctx context.Context) error {
	if err := f.setAllowGridCharging(ctx, false); err != nil {
		return err
	}
	var schedules []timeOfUseEntry
	if f.maxPVChargeRateW > 0 {
		schedules = append(schedules, timeOfUseEntry{
			Active:       true,
			Power:        int(f.maxPVChargeRateW),
			ScheduleType: "CHARGE_MAX",
			TimeTable:    map[string]string{"Start": "00:00", "End": "23:59"},
			Weekdays:     allWeek,
		})
	}
	return f.setTimeOfUse(ctx, schedules)
}

// SetModeAvoidDischarge implements the Driver interface.
func (f *Fronius) SetModeAvoidDischarge(ctx context.Context) error {
	if err := f.setAllowGridCharging(ctx, false); err != nil {
		return err
	}
	return f.setTimeOfUse(ctx, []timeOfUseEntry{{
		Active:       true,
		Power:        0,
		ScheduleType: "DISCHARGE_MAX",
		TimeTable:    map[string]string{"Start": "00:00", "End": "23:59"},
		Weekdays:     allWeek,
	}})
}

// SetModeForceCharge implements the Driver interface.
func (f *Fronius) SetModeForceCharge(ctx context.Context, chargeRateW float64) error {
	if chargeRateW > f.maxGridChargeRateW {
		chargeRateW = f.maxGridChargeRateW
	}
	if err := f.setAllowGridCharging(ctx, true); err != nil {
		return err
	}
	return f.setTimeOfUse(ctx, []timeOfUseEntry{{
		Active:       true,
		Power:        int(chargeRateW),
		ScheduleType: "CHARGE_MIN",
		TimeTable:    map[string]string{"Start": "00:00", "End": "23:59"},
		Weekdays:     allWeek,
	}})
}

// Shutdown restores the time-of-use configuration that was active before the
// first mode change and disables grid charging.
func (f *Fronius) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	saved := f.savedTimeOfUse
	f.mu.Unlock()
	if saved == nil {
		return nil
	}
	var schedules []timeOfUseEntry
	if err := json.Unmarshal(saved, &schedules); err != nil {
		return fmt.Errorf("failed to decode saved time-of-use: %w", err)
	}
	if err := f.setAllowGridCharging(ctx, false); err != nil {
		return err
	}
	return f.setTimeOfUse(ctx, schedules)
}

func (f *Fronius) designedCapacity(ctx context.Context) (float64, error) {
	f.mu.Lock()
	capa := f.capacityWH
	f.mu.Unlock()
	if capa > 0 {
		return capa, nil
	}

	body, err := f.send(ctx, "GET", "/solar_api/v1/GetStorageRealtimeData.cgi", nil, false)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	var data struct {
		Body struct {
			Data map[string]struct {
				Controller struct {
					DesignedCapacity float64 `json:"DesignedCapacity"`
				} `json:"Controller"`
			} `json:"Data"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, fmt.Errorf("%w: failed to decode storage data: %w", ErrDeviceUnavailable, err)
	}
	st, ok := data.Body.Data["0"]
	if !ok || st.Controller.DesignedCapacity <= 0 {
		return 0, fmt.Errorf("%w: no storage in response", ErrDeviceUnavailable)
	}

	f.mu.Lock()
	f.capacityWH = st.Controller.DesignedCapacity
	f.mu.Unlock()
	return st.Controller.DesignedCapacity, nil
}

// ensureConfig loads the battery SOC limits and saves the current time-of-use
// configuration on the first call.
func (f *Fronius) ensureConfig(ctx context.Context) error {
	f.mu.Lock()
	if f.configLoaded {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	body, err := f.send(ctx, "GET", "/config/batteries", nil, true)
	if err != nil {
		return fmt.Errorf("%w: failed to get battery config: %w", ErrDeviceUnavailable, err)
	}
	var bat struct {
		SOCMin         float64 `json:"BAT_M0_SOC_MIN"`
		SOCMax         float64 `json:"BAT_M0_SOC_MAX"`
		BackupReserved float64 `json:"HYB_BACKUP_RESERVED"`
	}
	if err := json.Unmarshal(body, &bat); err != nil {
		return fmt.Errorf("%w: failed to decode battery config: %w", ErrDeviceUnavailable, err)
	}
	if bat.SOCMax <= 0 {
		return fmt.Errorf("%w: battery config missing SOC limits", ErrDeviceUnavailable)
	}

	minSOC := bat.SOCMin
	// with backup power enabled the reserved SOC acts as the floor
	body, err = f.send(ctx, "GET", "/config/powerunit", nil, true)
	if err != nil {
		return fmt.Errorf("%w: failed to get power unit config: %w", ErrDeviceUnavailable, err)
	}
	var pu struct {
		BackupPower struct {
			Mode int `json:"DEVICE_MODE_BACKUPMODE_TYPE_U16"`
		} `json:"backuppower"`
	}
	if err := json.Unmarshal(body, &pu); err != nil {
		return fmt.Errorf("%w: failed to decode power unit config: %w", ErrDeviceUnavailable, err)
	}
	if pu.BackupPower.Mode != 0 && bat.BackupReserved > minSOC {
		minSOC = bat.BackupReserved
	}

	tou, err := f.send(ctx, "GET", "/config/timeofuse", nil, true)
	if err != nil {
		return fmt.Errorf("%w: failed to get time-of-use config: %w", ErrDeviceUnavailable, err)
	}
	var touData struct {
		TimeOfUse json.RawMessage `json:"timeofuse"`
	}
	if err := json.Unmarshal(tou, &touData); err != nil {
		return fmt.Errorf("%w: failed to decode time-of-use config: %w", ErrDeviceUnavailable, err)
	}

	f.mu.Lock()
	f.minSOC = minSOC
	f.maxSOC = bat.SOCMax
	if f.savedTimeOfUse == nil {
		f.savedTimeOfUse = touData.TimeOfUse
	}
	f.configLoaded = true
	f.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "loaded fronius battery config",
		slog.Float64("minSOC", minSOC), slog.Float64("maxSOC", bat.SOCMax))
	return nil
}

func (f *Fronius) setAllowGridCharging(ctx context.Context, allow bool) error {
	if err := f.ensureConfig(ctx); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]bool{"HYB_EVU_CHARGEFROMGRID": allow})
	body, err := f.send(ctx, "POST", "/config/batteries", payload, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return checkWriteSuccess(body, "HYB_EVU_CHARGEFROMGRID")
}

func (f *Fronius) setTimeOfUse(ctx context.Context, schedules []timeOfUseEntry) error {
	if err := f.ensureConfig(ctx); err != nil {
		return err
	}
	if schedules == nil {
		schedules = []timeOfUseEntry{}
	}
	payload, _ := json.Marshal(map[string][]timeOfUseEntry{"timeofuse": schedules})
	body, err := f.send(ctx, "POST", "/config/timeofuse", payload, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return checkWriteSuccess(body, "timeofuse")
}

// checkWriteSuccess verifies the config endpoint acknowledged the write.
func checkWriteSuccess(body []byte, keys ...string) error {
	var resp struct {
		WriteSuccess []string `json:"writeSuccess"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: failed to decode write response: %w", ErrDeviceUnavailable, err)
	}
	for _, key := range keys {
		found := false
		for _, s := range resp.WriteSuccess {
			if s == key {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: failed to write %s", ErrDeviceUnavailable, key)
		}
	}
	return nil
}

// send performs a request against the inverter, handling digest auth when
// needed. A 401 invalidates the cached nonce and retries once.
func (f *Fronius) send(ctx context.Context, method, path string, payload []byte, auth bool) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, "http://"+f.address+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth {
			header, err := f.authHeader(ctx, method, path)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", header)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && auth {
			// stale or missing nonce, pick up the fresh challenge
			f.storeChallenge(resp.Header)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("inverter returned status %d for %s", resp.StatusCode, path)
		}
		return body, nil
	}
	return nil, fmt.Errorf("authentication failed for %s", path)
}

// authHeader builds a digest Authorization header, fetching a challenge first
// if none is cached.
func (f *Fronius) authHeader(ctx context.Context, method, path string) (string, error) {
	f.authMu.Lock()
	nonce := f.nonce
	f.authMu.Unlock()
	if nonce == "" {
		req, err := http.NewRequestWithContext(ctx, "GET", "http://"+f.address+path, nil)
		if err != nil {
			return "", err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("challenge request failed: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			return "", fmt.Errorf("expected auth challenge, got status %d", resp.StatusCode)
		}
		f.storeChallenge(resp.Header)
	}

	f.authMu.Lock()
	defer f.authMu.Unlock()
	if f.nonce == "" {
		return "", fmt.Errorf("no digest challenge from inverter")
	}

	f.nc++
	nc := fmt.Sprintf("%08x", f.nc)
	cnonceBytes := make([]byte, 8)
	rand.Read(cnonceBytes)
	cnonce := hex.EncodeToString(cnonceBytes)

	ha1 := md5Hex(f.user + ":" + f.realm + ":" + f.password)
	ha2 := md5Hex(method + ":" + path)
	response := md5Hex(strings.Join([]string{ha1, f.nonce, nc, cnonce, f.qop, ha2}, ":"))

	return fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", qop=%s, nc=%s, cnonce="%s", response="%s"`,
		f.user, f.realm, f.nonce, path, f.qop, nc, cnonce, response), nil
}

// storeChallenge parses the digest challenge from a 401 response. Gen24
// firmware sends X-WWW-Authenticate, older firmware the standard header.
func (f *Fronius) storeChallenge(h http.Header) {
	challenge := h.Get("X-WWW-Authenticate")
	if challenge == "" {
		challenge = h.Get("WWW-Authenticate")
	}
	if !strings.HasPrefix(challenge, "Digest ") {
		return
	}

	params := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(challenge, "Digest "), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[k] = strings.Trim(v, `"`)
	}

	f.authMu.Lock()
	f.realm = params["realm"]
	f.nonce = params["nonce"]
	f.qop = params["qop"]
	if f.qop == "" {
		f.qop = "auth"
	}
	f.nc = 0
	f.authMu.Unlock()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
