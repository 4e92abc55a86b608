// Package preflight implements the pre-print gate: reachability,
// idleness, file-presence, and temperature-limit checks run before the
// scheduler calls start_print, plus the heater watchdog daemon that cools
// idle printers left heated too long.
package preflight

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
	"github.com/kiln-systems/kiln/internal/obslog"
)

// MaterialRange is the expected hotend/bed temperature window for a
// material.
type MaterialRange struct {
	HotendMinC, HotendMaxC float64
	BedMinC, BedMaxC       float64
}

// MaterialRanges is the bundled per-material temperature table.
var MaterialRanges = map[string]MaterialRange{
	"PLA":   {180, 220, 40, 70},
	"PETG":  {220, 260, 60, 90},
	"ABS":   {230, 270, 90, 110},
	"TPU":   {200, 235, 40, 60},
	"ASA":   {240, 270, 90, 110},
	"NYLON": {240, 270, 70, 90},
	"PC":    {260, 300, 100, 120},
}

// Request is the input to Run: the target filename, an optional declared
// material, and optional declared temperature targets (mirroring what
// set_temperature would receive, if the job declares them up front).
type Request struct {
	Filename string
	Material string
	Targets  adapter.TemperatureTargets
}

// Run executes the five checks in order, returning a
// KindPreflightFailed error identifying the specific failed check and the
// observed value on the first failure.
func Run(ctx context.Context, a adapter.Adapter, profile models.SafetyProfile, req Request) error {
	state := a.GetStatus(ctx)
	if state.Status == models.StatusOffline {
		return kerrors.PreflightFailed("printer_reachable", state.Status)
	}
	if state.Status != models.StatusIdle {
		return kerrors.PreflightFailed("printer_idle", state.Status)
	}
	if req.Filename != "" {
		files, err := a.ListFiles(ctx)
		if err != nil {
			return kerrors.PreflightFailed("file_exists", err.Error())
		}
		found := false
		for _, f := range files {
			if f.Name == req.Filename {
				found = true
				break
			}
		}
		if !found {
			return kerrors.PreflightFailed("file_exists", req.Filename)
		}
	}
	if req.Targets.Hotend != nil && *req.Targets.Hotend > profile.MaxHotendC {
		return kerrors.PreflightFailed("hotend_within_profile", *req.Targets.Hotend)
	}
	if req.Targets.Bed != nil && *req.Targets.Bed > profile.MaxBedC {
		return kerrors.PreflightFailed("bed_within_profile", *req.Targets.Bed)
	}
	if req.Targets.Chamber != nil && profile.MaxChamberC > 0 && *req.Targets.Chamber > profile.MaxChamberC {
		return kerrors.PreflightFailed("chamber_within_profile", *req.Targets.Chamber)
	}
	if req.Material != "" {
		if rng, ok := MaterialRanges[strings.ToUpper(req.Material)]; ok {
			if req.Targets.Hotend != nil && (*req.Targets.Hotend < rng.HotendMinC || *req.Targets.Hotend > rng.HotendMaxC) {
				return kerrors.PreflightFailed("material_hotend_range", *req.Targets.Hotend)
			}
			if req.Targets.Bed != nil && (*req.Targets.Bed < rng.BedMinC || *req.Targets.Bed > rng.BedMaxC) {
				return kerrors.PreflightFailed("material_bed_range", *req.Targets.Bed)
			}
		}
	}
	return nil
}

// DefaultIdleHeaterTimeout is the default idle-heater-cooldown window.
// Zero disables the watchdog.
const DefaultIdleHeaterTimeout = 30 * time.Minute

// sweepInterval is the watchdog's fixed poll cadence.
const sweepInterval = 60 * time.Second

// Watchdog polls every registered printer and cools heaters that have been
// on while the printer sits idle for longer than idleTimeout.
type Watchdog struct {
	registry    *adapter.Registry
	clk         clock.Clock
	idleTimeout time.Duration
	onCooled    func(printerID string)
	log         obslog.Logger

	mu      sync.Mutex
	lastHot map[string]time.Time
}

// NewWatchdog constructs a watchdog. idleTimeout <= 0 disables sweeping
// entirely (Run returns immediately).
func NewWatchdog(registry *adapter.Registry, clk clock.Clock, idleTimeout time.Duration, onCooled func(printerID string), log obslog.Logger) *Watchdog {
	if clk == nil {
		clk = clock.Real()
	}
	return &Watchdog{
		registry:    registry,
		clk:         clk,
		idleTimeout: idleTimeout,
		onCooled:    onCooled,
		log:         log,
		lastHot:     make(map[string]time.Time),
	}
}

// Run sweeps every sweepInterval until ctx is cancelled. Intended to run as
// its own long-lived task.
func (w *Watchdog) Run(ctx context.Context) {
	if w.idleTimeout <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(sweepInterval):
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one watchdog pass over every registered printer. Exported so
// tests (and a manual operator trigger) can drive it without waiting on the
// interval.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.registry.Each(func(a adapter.Adapter) {
		id := a.ID().Name
		state := a.GetStatus(ctx)
		if state.Status != models.StatusIdle || !heaterOn(state) {
			w.mu.Lock()
			delete(w.lastHot, id)
			w.mu.Unlock()
			return
		}
		w.mu.Lock()
		firstSeen, tracked := w.lastHot[id]
		if !tracked {
			w.lastHot[id] = w.clk.Now()
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
		if w.clk.Now().Sub(firstSeen) < w.idleTimeout {
			return
		}
		zero := 0.0
		if err := a.SetTemperature(ctx, adapter.TemperatureTargets{Hotend: &zero, Bed: &zero}); err != nil {
			if w.log != nil {
				w.log.WarnCtx(ctx, "heater watchdog cooldown failed", "printer", id, "err", err)
			}
			return
		}
		if w.log != nil {
			w.log.InfoCtx(ctx, "heater watchdog auto-cooled idle printer", "printer", id)
		}
		if w.onCooled != nil {
			w.onCooled(id)
		}
		w.mu.Lock()
		delete(w.lastHot, id)
		w.mu.Unlock()
	})
}

func heaterOn(state models.PrinterState) bool {
	for _, t := range state.ToolTemps {
		if t.Target > 0 {
			return true
		}
	}
	if state.BedTemp != nil && state.BedTemp.Target > 0 {
		return true
	}
	return false
}
