package adapter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/models"
)

// fakeAdapter is a minimal Adapter used across adapter-package tests.
type fakeAdapter struct {
	id     models.PrinterId
	caps   models.PrinterCapabilities
	closed bool
}

func (f *fakeAdapter) ID() models.PrinterId                   { return f.id }
func (f *fakeAdapter) Capabilities() models.PrinterCapabilities { return f.caps }
func (f *fakeAdapter) GetStatus(ctx context.Context) models.PrinterState {
	return models.PrinterState{Status: models.StatusIdle}
}
func (f *fakeAdapter) ListFiles(ctx context.Context) ([]models.PrinterFile, error) { return nil, nil }
func (f *fakeAdapter) UploadFile(ctx context.Context, localPath, remoteName string) error {
	return nil
}
func (f *fakeAdapter) StartPrint(ctx context.Context, remoteFilename string) error { return nil }
func (f *fakeAdapter) CancelPrint(ctx context.Context) error                       { return nil }
func (f *fakeAdapter) PausePrint(ctx context.Context) error                        { return nil }
func (f *fakeAdapter) ResumePrint(ctx context.Context) error                       { return nil }
func (f *fakeAdapter) SetTemperature(ctx context.Context, targets adapter.TemperatureTargets) error {
	return nil
}
func (f *fakeAdapter) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	return lines, nil
}
func (f *fakeAdapter) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	return nil, "", nil
}
func (f *fakeAdapter) GetStreamURL(ctx context.Context) (string, error) { return "", nil }
func (f *fakeAdapter) Close() error                                     { f.closed = true; return nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1", Backend: "octoprint"}}

	require.NoError(t, r.Register(a))

	got, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestRegistryGetMissing(t *testing.T) {
	r := adapter.NewRegistry()
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistryReplaceClosesPrevious(t *testing.T) {
	r := adapter.NewRegistry()
	first := &fakeAdapter{id: models.PrinterId{Name: "p1", Backend: "octoprint"}}
	second := &fakeAdapter{id: models.PrinterId{Name: "p1", Backend: "octoprint"}}

	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	assert.True(t, first.closed)
	got, _ := r.Get("p1")
	assert.Same(t, second, got)
}

func TestRegistryUnregisterClosesAdapter(t *testing.T) {
	r := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1", Backend: "octoprint"}}
	require.NoError(t, r.Register(a))

	require.NoError(t, r.Unregister("p1"))

	assert.True(t, a.closed)
	_, ok := r.Get("p1")
	assert.False(t, ok)
}

func TestRegistryList(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(&fakeAdapter{id: models.PrinterId{Name: "p1", Backend: "octoprint"}}))
	require.NoError(t, r.Register(&fakeAdapter{id: models.PrinterId{Name: "p2", Backend: "klipper"}}))

	ids := r.List()
	assert.Len(t, ids, 2)
}
