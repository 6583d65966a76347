package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattshift/wattshift/pkg/engine"
	"github.com/wattshift/wattshift/pkg/types"
)

type stubStatus struct {
	st engine.Status
}

func (s stubStatus) Status() engine.Status {
	return s.st
}

func newTestServer(st engine.Status) *httptest.Server {
	srv := &Server{
		status:     stubStatus{st: st},
		serverName: "wattshift/test",
	}
	return httptest.NewServer(srv.setupHandler())
}

func TestHandleStatus(t *testing.T) {
	st := engine.Status{
		LastEvaluation: time.Date(2026, 3, 14, 12, 2, 0, 0, time.UTC),
		Interval:       2 * time.Minute,
		Command: types.InverterCommand{
			Mode:        types.ModeForceCharge,
			ChargeRateW: 800,
		},
		Battery: types.BatteryState{
			StoredEnergyWH: 5500,
			MaxCapacityWH:  11000,
			FreeCapacityWH: 5500,
			SOC:            50,
		},
		Policy: types.BatteryPolicy{
			AlwaysAllowDischargeLimit: 0.9,
			MaxChargingFromGridLimit:  0.9,
			MinPriceDifference:        0.05,
		},
		Blocked: true,
	}
	ts := newTestServer(st)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "wattshift/test", resp.Header.Get("Server"))

	var got engine.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, st.Command.Mode, got.Command.Mode)
	assert.Equal(t, st.Command.ChargeRateW, got.Command.ChargeRateW)
	assert.Equal(t, st.Battery, got.Battery)
	assert.Equal(t, st.Policy, got.Policy)
	assert.True(t, got.Blocked)
	assert.True(t, st.LastEvaluation.Equal(got.LastEvaluation))
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	ts := newTestServer(engine.Status{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleHealthz(t *testing.T) {
	ts := newTestServer(engine.Status{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
