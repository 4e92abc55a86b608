package kiln

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
)

func f64(v float64) *float64 { return &v }

func gatedProfile() models.SafetyProfile {
	return models.SafetyProfile{ID: "ender3", MaxHotendC: 260, MaxBedC: 110, MaxChamberC: 0}
}

func TestCheckTemperatureLimits_HotendOverLimitRejected(t *testing.T) {
	err := checkTemperatureLimits(adapter.TemperatureTargets{Hotend: f64(280)}, gatedProfile())
	require.Error(t, err)
	assert.Equal(t, kerrors.KindLimitExceeded, kerrors.KindOf(err))
}

func TestCheckTemperatureLimits_BedOverLimitRejected(t *testing.T) {
	err := checkTemperatureLimits(adapter.TemperatureTargets{Bed: f64(120)}, gatedProfile())
	require.Error(t, err)
	assert.Equal(t, kerrors.KindLimitExceeded, kerrors.KindOf(err))
}

func TestCheckTemperatureLimits_WithinLimitsAccepted(t *testing.T) {
	err := checkTemperatureLimits(adapter.TemperatureTargets{Hotend: f64(210), Bed: f64(60)}, gatedProfile())
	require.NoError(t, err)
}

func TestCheckTemperatureLimits_ChamberSkippedWhenProfileHasNone(t *testing.T) {
	// MaxChamberC of 0 means the model has no heated chamber; the chamber
	// check is the adapter's UNSUPPORTED concern, not a limit rejection.
	err := checkTemperatureLimits(adapter.TemperatureTargets{Chamber: f64(80)}, gatedProfile())
	require.NoError(t, err)
}

func TestCheckTemperatureLimits_ChamberOverLimitRejected(t *testing.T) {
	profile := gatedProfile()
	profile.MaxChamberC = 60
	err := checkTemperatureLimits(adapter.TemperatureTargets{Chamber: f64(80)}, profile)
	require.Error(t, err)
	assert.Equal(t, kerrors.KindLimitExceeded, kerrors.KindOf(err))
}
