// Package safety implements the SafetyProfileStore and G-code Validator: the
// read-only catalog of per-printer-model physical limits and the line-by-line
// screening pipeline that keeps dangerous commands from ever reaching an
// adapter. Nothing here executes G-code; it only classifies.
package safety

import (
	"sync"
	"sync/atomic"

	"github.com/kiln-systems/kiln/internal/models"
)

// conservativeDefault is returned by Store.Get when a profile id is unknown.
// Values are deliberately tight: 300 °C hotend, 130 °C bed, no chamber
// heating, 300 mm/s feedrate, 25 mm³/s flow, no declared build volume.
var conservativeDefault = models.SafetyProfile{
	ID:                    "_default",
	MaxHotendC:            300,
	MaxBedC:               130,
	MaxChamberC:           0,
	MaxFeedrateMMMin:      300 * 60,
	MaxVolumetricFlowMM3S: 25,
	BuildVolumeMM3:        0,
	Notes:                 []string{"conservative fallback profile; no model-specific data available"},
}

// bundledProfiles is the embedded, read-only dataset of known printer-model
// limits. Real fleets are dominated by a handful of hotend/bed combinations;
// this list is deliberately small and is extended by adding entries, never
// by runtime mutation.
var bundledProfiles = []models.SafetyProfile{
	{
		ID:                    "ender3",
		MaxHotendC:            260,
		MaxBedC:               110,
		MaxChamberC:           0,
		MaxFeedrateMMMin:      180 * 60,
		MaxVolumetricFlowMM3S: 15,
		BuildVolumeMM3:        220 * 220 * 250,
	},
	{
		ID:                    "prusa_mk4",
		MaxHotendC:            300,
		MaxBedC:               120,
		MaxChamberC:           0,
		MaxFeedrateMMMin:      300 * 60,
		MaxVolumetricFlowMM3S: 25,
		BuildVolumeMM3:        250 * 210 * 220,
	},
	{
		ID:                    "bambu_x1c",
		MaxHotendC:            300,
		MaxBedC:               120,
		MaxChamberC:           65,
		MaxFeedrateMMMin:      500 * 60,
		MaxVolumetricFlowMM3S: 32,
		BuildVolumeMM3:        256 * 256 * 256,
	},
	{
		ID:                    "voron_2.4",
		MaxHotendC:            300,
		MaxBedC:               120,
		MaxChamberC:           60,
		MaxFeedrateMMMin:      300 * 60,
		MaxVolumetricFlowMM3S: 20,
		BuildVolumeMM3:        350 * 350 * 350,
	},
	{
		ID:                    "elegoo_saturn",
		MaxHotendC:            0,
		MaxBedC:               0,
		MaxChamberC:           0,
		MaxFeedrateMMMin:      0,
		MaxVolumetricFlowMM3S: 0,
		BuildVolumeMM3:        218.88 * 122.904 * 260,
		Notes:                 []string{"resin printer; thermal limits not applicable"},
	},
}

// Store answers safety-profile lookups. The bundled dataset is fixed at
// construction and never mutated in place; lookups are O(1) against an
// embedded map. An operator may still layer
// site-specific overrides on top via SetOverrides; that path swaps a whole
// map atomically rather than mutating byID, so a reader never observes a
// partially-applied override set.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]models.SafetyProfile
	fallback  models.SafetyProfile
	overrides atomic.Pointer[map[string]models.SafetyProfile]
}

// NewStore builds a Store from the bundled dataset.
func NewStore() *Store {
	return newStoreFrom(bundledProfiles, conservativeDefault)
}

func newStoreFrom(profiles []models.SafetyProfile, fallback models.SafetyProfile) *Store {
	byID := make(map[string]models.SafetyProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	return &Store{byID: byID, fallback: fallback}
}

// Get returns the profile for id, or the conservative default if id is
// unknown. Never returns an error: an unknown profile id is not exceptional,
// it just means "be conservative". A hot-reloaded override for id, if any,
// takes precedence over the bundled dataset.
func (s *Store) Get(id string) models.SafetyProfile {
	if ov := s.overrides.Load(); ov != nil {
		if p, ok := (*ov)[id]; ok {
			return p
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byID[id]; ok {
		return p
	}
	return s.fallback
}

// SetOverrides atomically replaces the override set consulted before the
// bundled dataset. Passing nil or an empty slice clears all overrides. The
// override map is swapped whole rather than mutated in place, so readers
// never see a half-applied reload.
func (s *Store) SetOverrides(profiles []models.SafetyProfile) {
	byID := make(map[string]models.SafetyProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	s.overrides.Store(&byID)
}

// List enumerates all known profiles (overrides take precedence over the
// bundled dataset by id), in no particular order.
func (s *Store) List() []models.SafetyProfile {
	s.mu.RLock()
	merged := make(map[string]models.SafetyProfile, len(s.byID))
	for k, v := range s.byID {
		merged[k] = v
	}
	s.mu.RUnlock()
	if ov := s.overrides.Load(); ov != nil {
		for k, v := range *ov {
			merged[k] = v
		}
	}
	out := make([]models.SafetyProfile, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	return out
}
