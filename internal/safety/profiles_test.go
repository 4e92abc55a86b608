package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetKnownProfile(t *testing.T) {
	store := NewStore()

	profile := store.Get("ender3")
	assert.Equal(t, "ender3", profile.ID)
	assert.Equal(t, 260.0, profile.MaxHotendC)
}

func TestStoreGetUnknownProfileReturnsConservativeDefault(t *testing.T) {
	store := NewStore()

	profile := store.Get("some_unregistered_printer")
	assert.Equal(t, 300.0, profile.MaxHotendC)
	assert.Equal(t, 130.0, profile.MaxBedC)
	assert.Zero(t, profile.MaxChamberC)
}

func TestStoreList(t *testing.T) {
	store := NewStore()

	profiles := store.List()
	require.NotEmpty(t, profiles)

	seen := map[string]bool{}
	for _, p := range profiles {
		seen[p.ID] = true
	}
	assert.True(t, seen["ender3"])
	assert.True(t, seen["bambu_x1c"])
}
