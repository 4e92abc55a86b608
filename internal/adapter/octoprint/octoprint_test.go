package octoprint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a := New(Config{Name: "p1", BaseURL: srv.URL, APIKey: "secret"}, nil)
	return a, srv
}

func TestGetStatusMapsOperationalReadyToIdle(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/printer":
			w.Write([]byte(`{"state":{"flags":{"operational":true,"ready":true}},"temperature":{"tool0":{"actual":20,"target":0},"bed":{"actual":19,"target":0}}}`))
		case "/api/job":
			w.Write([]byte(`{"progress":{},"job":{"file":{"name":""}}}`))
		}
	})

	state := a.GetStatus(context.Background())
	assert.Equal(t, models.StatusIdle, state.Status)
	require.NotNil(t, state.BedTemp)
	assert.Equal(t, 19.0, state.BedTemp.Actual)
}

func TestGetStatusMapsErrorFlag(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/printer":
			w.Write([]byte(`{"state":{"flags":{"operational":true,"error":true}}}`))
		case "/api/job":
			w.Write([]byte(`{}`))
		}
	})

	state := a.GetStatus(context.Background())
	assert.Equal(t, models.StatusError, state.Status)
}

func TestGetStatusUnreachableReturnsOffline(t *testing.T) {
	a := New(Config{Name: "p1", BaseURL: "http://127.0.0.1:1"}, nil)

	state := a.GetStatus(context.Background())
	assert.Equal(t, models.StatusOffline, state.Status)
}

func TestStartPrintConflictMapsToNotIdle(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	err := a.StartPrint(context.Background(), "benchy.gcode")
	require.Error(t, err)
	assert.Equal(t, kerrors.KindNotIdle, kerrors.KindOf(err))
}

func TestSendGCodeReturnsLinesOnSuccess(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	lines, err := a.SendGCode(context.Background(), []string{"G28"})
	require.NoError(t, err)
	assert.Equal(t, []string{"G28"}, lines)
}

func TestGetSnapshotUnsupportedWhenNoURL(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})

	_, _, err := a.GetSnapshot(context.Background())
	require.Error(t, err)
	assert.Equal(t, kerrors.KindUnsupported, kerrors.KindOf(err))
}

func TestCapabilitiesReflectsSnapshotConfig(t *testing.T) {
	a := New(Config{Name: "p1", BaseURL: "http://example.invalid", SnapshotURL: "http://cam.local/snap"}, nil)
	assert.True(t, a.Capabilities().CanSnapshot)

	b := New(Config{Name: "p2", BaseURL: "http://example.invalid"}, nil)
	assert.False(t, b.Capabilities().CanSnapshot)
}
