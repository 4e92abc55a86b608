package klipper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-systems/kiln/internal/models"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{Name: "p1", BaseURL: srv.URL}, nil)
}

func TestGetStatusMapsStandbyToIdle(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"status":{"extruder":{"temperature":20,"target":0},"heater_bed":{"temperature":19,"target":0},"print_stats":{"state":"standby"},"virtual_sdcard":{"progress":0,"is_active":false}}}}`))
	})

	state := a.GetStatus(context.Background())
	assert.Equal(t, models.StatusIdle, state.Status)
}

func TestGetStatusMapsPrintingWithProgress(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"status":{"extruder":{"temperature":210,"target":210},"heater_bed":{"temperature":60,"target":60},"print_stats":{"state":"printing","filename":"benchy.gcode"},"virtual_sdcard":{"progress":0.42,"is_active":true}}}}`))
	})

	state := a.GetStatus(context.Background())
	assert.Equal(t, models.StatusPrinting, state.Status)
	require.NotNil(t, state.JobProgress)
	assert.InDelta(t, 0.42, *state.JobProgress, 0.0001)
	assert.Equal(t, "benchy.gcode", state.FileName)
}

func TestGetStatusUnmappedStateReturnsUnknown(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"status":{"print_stats":{"state":"some_future_firmware_state"}}}}`))
	})

	state := a.GetStatus(context.Background())
	assert.Equal(t, models.StatusUnknown, state.Status)
}

func TestGetStatusUnreachableReturnsOffline(t *testing.T) {
	a := New(Config{Name: "p1", BaseURL: "http://127.0.0.1:1"}, nil)

	state := a.GetStatus(context.Background())
	assert.Equal(t, models.StatusOffline, state.Status)
}

func TestSendGCodeSequential(t *testing.T) {
	var received []string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Script string `json:"script"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		received = append(received, body.Script)
		w.WriteHeader(http.StatusOK)
	})

	lines, err := a.SendGCode(context.Background(), []string{"G28", "G1 X10"})
	require.NoError(t, err)
	assert.Equal(t, []string{"G28", "G1 X10"}, lines)
	assert.Equal(t, []string{"G28", "G1 X10"}, received)
}

func TestCapabilitiesReflectsWebcamConfig(t *testing.T) {
	a := New(Config{Name: "p1", BaseURL: "http://example.invalid", WebcamURL: "http://cam.local/stream"}, nil)
	assert.True(t, a.Capabilities().CanSnapshot)
	assert.True(t, a.Capabilities().CanUpdateFirmware)
}
