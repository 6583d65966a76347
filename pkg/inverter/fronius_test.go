package inverter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// froniusServer mimics the Gen24 local API: digest auth on /config paths,
// open Solar API endpoints.
type froniusServer struct {
	t          *testing.T
	batteries  map[string]any
	timeOfUse  []map[string]any
	lastWrites map[string]json.RawMessage
}

func newFroniusServer(t *testing.T) *froniusServer {
	return &froniusServer{
		t: t,
		batteries: map[string]any{
			"BAT_M0_SOC_MIN":      5.0,
			"BAT_M0_SOC_MAX":      95.0,
			"HYB_BACKUP_RESERVED": 20.0,
		},
		lastWrites: make(map[string]json.RawMessage),
	}
}

func (s *froniusServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/config/") {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Digest ") {
				w.Header().Set("X-WWW-Authenticate",
					`Digest realm="Webinterface area", nonce="abc123", qop="auth"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			// the client computed something, accept it
		}

		switch {
		case r.URL.Path == "/solar_api/v1/GetPowerFlowRealtimeData.fcgi":
			_, _ = w.Write([]byte(`{"Body":{"Data":{"Inverters":{"1":{"SOC":60}}}}}`))
		case r.URL.Path == "/solar_api/v1/GetStorageRealtimeData.cgi":
			_, _ = w.Write([]byte(`{"Body":{"Data":{"0":{"Controller":{"DesignedCapacity":10000}}}}}`))
		case r.URL.Path == "/config/batteries" && r.Method == "GET":
			_ = json.NewEncoder(w).Encode(s.batteries)
		case r.URL.Path == "/config/batteries" && r.Method == "POST":
			body, _ := io.ReadAll(r.Body)
			s.lastWrites["batteries"] = body
			_, _ = w.Write([]byte(`{"writeSuccess":["HYB_EVU_CHARGEFROMGRID"]}`))
		case r.URL.Path == "/config/powerunit":
			_, _ = w.Write([]byte(`{"backuppower":{"DEVICE_MODE_BACKUPMODE_TYPE_U16":0}}`))
		case r.URL.Path == "/config/timeofuse" && r.Method == "GET":
			_, _ = w.Write([]byte(`{"timeofuse":[]}`))
		case r.URL.Path == "/config/timeofuse" && r.Method == "POST":
			body, _ := io.ReadAll(r.Body)
			s.lastWrites["timeofuse"] = body
			_, _ = w.Write([]byte(`{"writeSuccess":["timeofuse"]}`))
		default:
			s.t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestFronius(t *testing.T) (*Fronius, *froniusServer) {
	s := newFroniusServer(t)
	ts := httptest.NewServer(s.handler())
	t.Cleanup(ts.Close)
	return &Fronius{
		address:            strings.TrimPrefix(ts.URL, "http://"),
		user:               "customer",
		password:           "secret",
		maxGridChargeRateW: 5000,
		client:             ts.Client(),
	}, s
}

func TestFronius(t *testing.T) {
	t.Run("SOC", func(t *testing.T) {
		f, _ := newTestFronius(t)
		soc, err := f.SOC(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 60.0, soc)
	})

	t.Run("Telemetry", func(t *testing.T) {
		f, _ := newTestFronius(t)
		ctx := context.Background()

		capa, err := f.MaxCapacity(ctx)
		require.NoError(t, err)
		assert.Equal(t, 9500.0, capa, "95% of 10kWh design capacity")

		stored, err := f.StoredEnergy(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5500.0, stored, "(60-5)% of 10kWh")

		free, err := f.FreeCapacity(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3500.0, free, "(95-60)% of 10kWh")
	})

	t.Run("ForceCharge_CapsRate", func(t *testing.T) {
		f, s := newTestFronius(t)
		require.NoError(t, f.SetModeForceCharge(context.Background(), 9000))

		var tou struct {
			TimeOfUse []timeOfUseEntry `json:"timeofuse"`
		}
		require.NoError(t, json.Unmarshal(s.lastWrites["timeofuse"], &tou))
		require.Len(t, tou.TimeOfUse, 1)
		assert.Equal(t, "CHARGE_MIN", tou.TimeOfUse[0].ScheduleType)
		assert.Equal(t, 5000, tou.TimeOfUse[0].Power, "rate capped at max grid charge rate")

		var bat map[string]bool
		require.NoError(t, json.Unmarshal(s.lastWrites["batteries"], &bat))
		assert.True(t, bat["HYB_EVU_CHARGEFROMGRID"])
	})

	t.Run("AvoidDischarge", func(t *testing.T) {
		f, s := newTestFronius(t)
		require.NoError(t, f.SetModeAvoidDischarge(context.Background()))

		var tou struct {
			TimeOfUse []timeOfUseEntry `json:"timeofuse"`
		}
		require.NoError(t, json.Unmarshal(s.lastWrites["timeofuse"], &tou))
		require.Len(t, tou.TimeOfUse, 1)
		assert.Equal(t, "DISCHARGE_MAX", tou.TimeOfUse[0].ScheduleType)
		assert.Equal(t, 0, tou.TimeOfUse[0].Power)
	})

	t.Run("AllowDischarge_ClearsSchedules", func(t *testing.T) {
		f, s := newTestFronius(t)
		require.NoError(t, f.SetModeAllowDischarge(context.Background()))

		var tou struct {
			TimeOfUse []timeOfUseEntry `json:"timeofuse"`
		}
		require.NoError(t, json.Unmarshal(s.lastWrites["timeofuse"], &tou))
		assert.Empty(t, tou.TimeOfUse)
	})

	t.Run("Unreachable", func(t *testing.T) {
		f := &Fronius{
			address:            "127.0.0.1:1",
			maxGridChargeRateW: 5000,
			client:             http.DefaultClient,
		}
		_, err := f.SOC(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDeviceUnavailable)
	})
}

func TestTestdriver(t *testing.T) {
	ctx := context.Background()
	td := NewTestdriver(11000, 5000)

	t.Run("Telemetry", func(t *testing.T) {
		soc, err := td.SOC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 69.0, soc)

		stored, err := td.StoredEnergy(ctx)
		require.NoError(t, err)
		assert.InDelta(t, (69-8)/100.0*11000, stored, 1e-9)

		free, err := td.FreeCapacity(ctx)
		require.NoError(t, err)
		assert.InDelta(t, (100-69)/100.0*11000, free, 1e-9)
	})

	t.Run("SetSOC_Validation", func(t *testing.T) {
		td.SetSOC(ctx, 150)
		soc, err := td.SOC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 69.0, soc, "invalid SOC should be ignored")

		td.SetSOC(ctx, 42)
		soc, err = td.SOC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42.0, soc)
	})

	t.Run("Modes", func(t *testing.T) {
		require.NoError(t, td.SetModeForceCharge(ctx, 9999))
		mode, rate := td.Mode()
		assert.Equal(t, "forceCharge", mode.String())
		assert.Equal(t, 5000.0, rate, "rate capped at max grid charge rate")

		require.NoError(t, td.SetModeAvoidDischarge(ctx))
		mode, rate = td.Mode()
		assert.Equal(t, "avoidDischarge", mode.String())
		assert.Equal(t, 0.0, rate)
	})
}
