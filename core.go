// Package kiln is the facade over Kiln's printer-fleet control plane: job
// submission and scheduling, printer registration across four backend
// families, safety-gated direct access, a tamper-evident audit log, an
// event bus, and outbound webhook delivery.
package kiln

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/adapter/bambu"
	"github.com/kiln-systems/kiln/internal/adapter/elegoo"
	"github.com/kiln-systems/kiln/internal/adapter/klipper"
	"github.com/kiln-systems/kiln/internal/adapter/octoprint"
	"github.com/kiln-systems/kiln/internal/audit"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/configwatch"
	"github.com/kiln-systems/kiln/internal/eventbus"
	"github.com/kiln-systems/kiln/internal/health"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/metrics"
	"github.com/kiln-systems/kiln/internal/models"
	"github.com/kiln-systems/kiln/internal/obslog"
	"github.com/kiln-systems/kiln/internal/preflight"
	"github.com/kiln-systems/kiln/internal/safety"
	"github.com/kiln-systems/kiln/internal/scheduler"
	"github.com/kiln-systems/kiln/internal/store"
	"github.com/kiln-systems/kiln/internal/webhook"
)

// Core composes every subsystem behind one facade. There are no
// package-level singletons: every long-lived goroutine Core starts holds
// only references handed to it at construction time.
type Core struct {
	cfg Config
	log obslog.Logger
	clk clock.Clock
	met metrics.Provider

	store       *store.Store
	bus         *eventbus.Bus
	registry    *adapter.Registry
	safetyStore *safety.Store
	scheduler   *scheduler.Scheduler
	webhooks    *webhook.Dispatcher
	health      *health.Evaluator
	watchdog    *preflight.Watchdog

	profilesMu  sync.RWMutex
	profileByID map[string]string // printer name -> safety profile id

	profileWatcher     *configwatch.Watcher
	webhookFileWatcher *configwatch.Watcher

	startedAt time.Time
	started   atomic.Bool
	watchCtx  context.Context
	watchStop context.CancelFunc
}

// New wires every subsystem from cfg but does not start any background
// goroutine; call Start for that.
func New(cfg Config) (*Core, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := clock.Real()
	log := obslog.New(nil)

	prov, err := buildMetricsProvider(cfg.MetricsBackend)
	if err != nil {
		return nil, err
	}

	if cfg.TraceSampleRatio > 0 {
		otel.SetTracerProvider(sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio)),
		))
	}

	st, err := store.Open(cfg.DBPath, cfg.AuditHMACKey, clk)
	if err != nil {
		return nil, fmt.Errorf("kiln: open store: %w", err)
	}

	c := &Core{
		cfg:         cfg,
		log:         log,
		clk:         clk,
		met:         prov,
		store:       st,
		registry:    adapter.NewRegistry(),
		safetyStore: safety.NewStore(),
		profileByID: make(map[string]string),
	}

	c.webhooks = webhook.New(cfg.Webhook, clk, log, prov, c.onWebhookOverflow)
	c.bus = eventbus.New(st, c.webhooks, prov, log)
	c.scheduler = scheduler.New(cfg.Scheduler, c.registry, st, c.bus, clk, log, cfg.MaterialsTracker, c.lookupProfile, prov)
	c.watchdog = preflight.NewWatchdog(c.registry, clk, cfg.IdleHeaterTimeout, c.onHeatersCooled, log)

	c.health = health.NewEvaluator(10*time.Second, clk.Now,
		health.ProbeFunc(c.probeStore),
		health.ProbeFunc(c.probeWebhookQueue),
		health.ProbeFunc(c.probeRegistry),
	)

	existing, err := st.ListWebhooks(context.Background())
	if err != nil {
		return nil, fmt.Errorf("kiln: load webhook subscriptions: %w", err)
	}
	for _, sub := range existing {
		if err := c.webhooks.Register(sub); err != nil {
			log.WarnCtx(context.Background(), "kiln: dropping invalid stored webhook subscription", "id", sub.ID, "err", err)
		}
	}

	for _, spec := range cfg.Printers {
		if err := c.RegisterPrinter(context.Background(), spec); err != nil {
			return nil, fmt.Errorf("kiln: register printer %q: %w", spec.Name, err)
		}
	}

	if cfg.SafetyProfileDir != "" {
		profiles, err := safety.LoadProfileOverrides(cfg.SafetyProfileDir)
		if err != nil {
			return nil, fmt.Errorf("kiln: initial safety profile load: %w", err)
		}
		c.safetyStore.SetOverrides(profiles)
	}
	if cfg.WebhookSubscriptionsFile != "" {
		desired, err := loadWebhookSubscriptionsFile(cfg.WebhookSubscriptionsFile)
		if err != nil {
			return nil, fmt.Errorf("kiln: initial webhook subscriptions load: %w", err)
		}
		if err := c.reconcileWebhookSubscriptions(context.Background(), desired); err != nil {
			return nil, fmt.Errorf("kiln: initial webhook subscriptions reconcile: %w", err)
		}
	}

	return c, nil
}

func buildMetricsProvider(backend string) (metrics.Provider, error) {
	switch backend {
	case "", "noop":
		return metrics.NewNoopProvider(), nil
	case "prometheus":
		return metrics.NewPrometheusProvider(prometheus.NewRegistry()), nil
	case "otel":
		return metrics.NewOTelProvider(sdkmetric.NewMeterProvider().Meter("kiln")), nil
	default:
		return nil, fmt.Errorf("kiln: unknown metrics_backend %q", backend)
	}
}

// Start launches the dispatcher, printer status sweep, heater watchdog, and
// webhook worker pool. Calling Start twice is a no-op.
func (c *Core) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.startedAt = c.clk.Now()
	c.webhooks.Start()
	c.scheduler.Start(ctx)
	watchCtx, cancel := context.WithCancel(ctx)
	c.watchCtx, c.watchStop = watchCtx, cancel
	go c.watchdog.Run(watchCtx)
	c.startConfigWatchers(watchCtx)
	c.log.InfoCtx(ctx, "kiln: core started", "printers", len(c.registry.List()))
}

// Stop drains every subsystem. Idempotent: a second call is a no-op.
func (c *Core) Stop() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}
	if c.watchStop != nil {
		c.watchStop()
	}
	c.stopConfigWatchers()
	c.scheduler.Stop()
	c.webhooks.Stop()
	if err := c.store.Close(); err != nil {
		c.log.ErrorCtx(context.Background(), "kiln: store close failed", "err", err)
	}
}

// --- Printer registration -------------------------------------------------

// RegisterPrinter constructs the adapter for spec.Backend and adds it to
// the registry under spec.Name, recording its safety profile binding.
func (c *Core) RegisterPrinter(ctx context.Context, spec PrinterSpec) error {
	a, err := c.constructAdapter(ctx, spec)
	if err != nil {
		return err
	}
	if err := c.registry.Register(a); err != nil {
		return err
	}
	c.profilesMu.Lock()
	c.profileByID[spec.Name] = spec.ProfileID
	c.profilesMu.Unlock()
	return nil
}

func (c *Core) constructAdapter(ctx context.Context, spec PrinterSpec) (adapter.Adapter, error) {
	onUnmapped := c.unmappedStateReporter(spec.Name)
	switch spec.Backend {
	case BackendOctoPrint:
		cfg := *spec.OctoPrint
		cfg.Name = spec.Name
		return octoprint.New(cfg, c.clk), nil
	case BackendKlipper:
		cfg := *spec.Klipper
		cfg.Name = spec.Name
		cfg.OnUnmappedState = onUnmapped
		return klipper.New(cfg, c.clk), nil
	case BackendBambu:
		cfg := *spec.Bambu
		cfg.Name = spec.Name
		cfg.OnUnmappedState = onUnmapped
		return bambu.New(ctx, cfg, c.clk)
	case BackendElegoo:
		cfg := *spec.Elegoo
		cfg.Name = spec.Name
		cfg.OnUnmappedState = onUnmapped
		return elegoo.New(ctx, cfg, c.clk)
	default:
		return nil, kerrors.New(kerrors.KindValidationRejected, "unknown backend", nil, map[string]any{"backend": spec.Backend})
	}
}

// unmappedStateReporter publishes an ADAPTER_UNMAPPED_STATE warning event
// carrying the raw backend value an adapter could not normalize.
func (c *Core) unmappedStateReporter(printerName string) func(raw string) {
	return func(raw string) {
		_, _ = c.bus.Publish(context.Background(), models.Event{
			Kind: models.EventAdapterUnmappedState, PrinterID: printerName, Timestamp: c.clk.Now(),
			Payload: map[string]interface{}{"raw_state": raw},
		})
	}
}

// UnregisterPrinter removes and closes a printer's adapter.
func (c *Core) UnregisterPrinter(name string) error {
	c.profilesMu.Lock()
	delete(c.profileByID, name)
	c.profilesMu.Unlock()
	return c.registry.Unregister(name)
}

// ListPrinters returns every registered printer's identity.
func (c *Core) ListPrinters() []models.PrinterId { return c.registry.List() }

// GetPrinterState returns the live status of a registered printer.
func (c *Core) GetPrinterState(ctx context.Context, name string) (models.PrinterState, error) {
	a, ok := c.registry.Get(name)
	if !ok {
		return models.PrinterState{}, kerrors.NotFound("printer", name)
	}
	return a.GetStatus(ctx), nil
}

func (c *Core) lookupProfile(printerID string) (models.SafetyProfile, bool) {
	c.profilesMu.RLock()
	profileID, ok := c.profileByID[printerID]
	c.profilesMu.RUnlock()
	if !ok {
		return models.SafetyProfile{}, false
	}
	return c.safetyStore.Get(profileID), true
}

// --- Jobs ------------------------------------------------------------------

// JobRequest is the caller-facing input to SubmitJob.
type JobRequest struct {
	Filename      string
	TargetPrinter string
	Priority      int
	Material      string
	FileHash      string
	Metadata      map[string]string
}

// SubmitJob assigns a lexicographically-sortable ULID and enqueues the job.
func (c *Core) SubmitJob(ctx context.Context, req JobRequest) (models.Job, error) {
	job := models.Job{
		ID:            ulid.Make().String(),
		Filename:      req.Filename,
		TargetPrinter: req.TargetPrinter,
		Priority:      req.Priority,
		Material:      req.Material,
		FileHash:      req.FileHash,
		SubmittedAt:   c.clk.Now(),
		Metadata:      req.Metadata,
	}
	if err := c.scheduler.Submit(ctx, job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// GetJob returns one job by id.
func (c *Core) GetJob(ctx context.Context, id string) (models.Job, error) { return c.store.GetJob(ctx, id) }

// CancelJob transitions a job to CANCELLED, interrupting the printer if the
// job is currently running. actorID is recorded against the resulting
// audit entries; empty falls back to a scheduler-attributed actor.
func (c *Core) CancelJob(ctx context.Context, id, actorID string) error {
	return c.scheduler.Cancel(ctx, id, actorID)
}

// ListJobs lists jobs matching filter.
func (c *Core) ListJobs(ctx context.Context, filter store.JobFilter) ([]models.Job, error) {
	return c.store.ReadJobs(ctx, filter)
}

// RecordOutcome persists a terminal classification for a job, subject to
// hard safety ceilings on reported temperatures and speeds.
func (c *Core) RecordOutcome(ctx context.Context, outcome models.JobOutcome, settings store.OutcomeSettings) error {
	return c.store.RecordOutcome(ctx, outcome, settings)
}

// --- Direct printer access (bypasses the scheduler) -----------------------

// DirectAdapter returns the raw adapter for a registered printer, for the
// unguarded direct operations (start, cancel, pause, resume, snapshot,
// stream URL, file listing). Guarded operations must go through the gated
// entry points instead: SendGCode and SetTemperature validate against the
// printer's safety profile and append audit records; calling the adapter's
// own SetTemperature or SendGCode through this handle skips both.
// Returns KindNotFound if unregistered.
func (c *Core) DirectAdapter(name string) (adapter.Adapter, error) {
	a, ok := c.registry.Get(name)
	if !ok {
		return nil, kerrors.NotFound("printer", name)
	}
	return a, nil
}

// SetTemperature validates targets against the printer's safety profile
// before forwarding them to the adapter, and appends an audit record for
// the attempt (set_temperature is a guarded operation) under actorID. A
// target above the profile's limit is rejected with KindLimitExceeded and
// never reaches the adapter.
func (c *Core) SetTemperature(ctx context.Context, printerName string, targets adapter.TemperatureTargets, actorID string) error {
	a, err := c.DirectAdapter(printerName)
	if err != nil {
		return err
	}
	profile, _ := c.lookupProfile(printerName)
	auditParams := map[string]any{"printer_id": printerName}
	if targets.Hotend != nil {
		auditParams["hotend_c"] = *targets.Hotend
	}
	if targets.Bed != nil {
		auditParams["bed_c"] = *targets.Bed
	}
	if targets.Chamber != nil {
		auditParams["chamber_c"] = *targets.Chamber
	}
	if err := checkTemperatureLimits(targets, profile); err != nil {
		c.appendAudit(ctx, actorID, "set_temperature", auditParams, "rejected")
		return err
	}
	if err := a.SetTemperature(ctx, targets); err != nil {
		c.appendAudit(ctx, actorID, "set_temperature", auditParams, "failure")
		return err
	}
	c.appendAudit(ctx, actorID, "set_temperature", auditParams, "success")
	return nil
}

// checkTemperatureLimits rejects any declared target above the profile's
// limit. A zero chamber limit means the model has no heated chamber, so
// the chamber check is skipped, matching the preflight gate.
func checkTemperatureLimits(targets adapter.TemperatureTargets, profile models.SafetyProfile) error {
	if targets.Hotend != nil && profile.MaxHotendC > 0 && *targets.Hotend > profile.MaxHotendC {
		return kerrors.New(kerrors.KindLimitExceeded, "hotend target exceeds safety profile limit", nil,
			map[string]any{"target_c": *targets.Hotend, "max_c": profile.MaxHotendC})
	}
	if targets.Bed != nil && profile.MaxBedC > 0 && *targets.Bed > profile.MaxBedC {
		return kerrors.New(kerrors.KindLimitExceeded, "bed target exceeds safety profile limit", nil,
			map[string]any{"target_c": *targets.Bed, "max_c": profile.MaxBedC})
	}
	if targets.Chamber != nil && profile.MaxChamberC > 0 && *targets.Chamber > profile.MaxChamberC {
		return kerrors.New(kerrors.KindLimitExceeded, "chamber target exceeds safety profile limit", nil,
			map[string]any{"target_c": *targets.Chamber, "max_c": profile.MaxChamberC})
	}
	return nil
}

// SendGCode screens lines against the printer's safety profile before
// forwarding them to the adapter, and appends an audit record for
// the attempt under actorID.
func (c *Core) SendGCode(ctx context.Context, printerName string, lines []string, mode safety.Mode, actorID string) (safety.Result, error) {
	a, err := c.DirectAdapter(printerName)
	if err != nil {
		return safety.Result{}, err
	}
	profile, _ := c.lookupProfile(printerName)
	result, err := safety.Validate(lines, profile, mode, true)
	auditParams := map[string]any{
		"printer_id": printerName,
		"line_count": len(lines),
		"rejected":   len(result.Rejections),
	}
	if err != nil {
		c.appendAudit(ctx, actorID, "send_gcode", auditParams, "rejected")
		return result, err
	}
	if len(result.Accepted) > 0 {
		if _, err := a.SendGCode(ctx, result.Accepted); err != nil {
			c.appendAudit(ctx, actorID, "send_gcode", auditParams, "failure")
			return result, err
		}
	}
	resultKind := "success"
	if len(result.Rejections) > 0 {
		resultKind = "partial"
	}
	c.appendAudit(ctx, actorID, "send_gcode", auditParams, resultKind)
	return result, nil
}

// appendAudit records a guarded operation to the audit log, falling back to
// a fixed actor id when the caller didn't supply one. Failures are logged,
// not propagated.
func (c *Core) appendAudit(ctx context.Context, actorID, tool string, params map[string]any, resultKind string) {
	if actorID == "" {
		actorID = "core"
	}
	if _, err := c.store.AppendAudit(ctx, actorID, tool, params, resultKind); err != nil {
		c.log.WarnCtx(ctx, "kiln: audit append failed", "tool", tool, "err", err)
	}
}

// --- Events ------------------------------------------------------------

// Subscribe registers a callback for the given event kinds (nil/empty
// matches every kind).
func (c *Core) Subscribe(kinds []string, cb eventbus.Callback) (string, error) {
	return c.bus.Subscribe(kinds, cb)
}

// Unsubscribe removes a subscription by id.
func (c *Core) Unsubscribe(id string) error { return c.bus.Unsubscribe(id) }

// RecentEvents returns the most recent persisted events, newest first.
func (c *Core) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	return c.store.RecentEvents(ctx, limit)
}

func (c *Core) onHeatersCooled(printerID string) {
	_, _ = c.bus.Publish(context.Background(), models.Event{
		Kind: models.EventHeatersAutoCooled, PrinterID: printerID, Timestamp: c.clk.Now(),
	})
}

func (c *Core) onWebhookOverflow(evt models.Event) {
	// Called from inside Bus.Publish's critical section (the dispatcher's
	// Enqueue runs on the publisher's goroutine), so the overflow event must
	// be published asynchronously to avoid re-entering the publish lock. The
	// overflow event itself is never re-reported to avoid feedback when the
	// queue stays full.
	if evt.Kind == models.EventWebhookOverflow {
		return
	}
	go func() {
		_, _ = c.bus.Publish(context.Background(), models.Event{
			Kind: models.EventWebhookOverflow, Timestamp: c.clk.Now(),
			Payload: map[string]interface{}{"original_kind": evt.Kind},
		})
	}()
}

// --- Webhooks ------------------------------------------------------------

// RegisterWebhook persists a subscription and adds it to the live
// dispatcher in one call.
func (c *Core) RegisterWebhook(ctx context.Context, sub models.WebhookSubscription) error {
	if err := webhook.ValidateURL(sub.URL); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = ulid.Make().String()
	}
	sub.CreatedAt = c.clk.Now()
	if err := c.store.RegisterWebhook(ctx, sub); err != nil {
		return err
	}
	return c.webhooks.Register(sub)
}

// ListWebhooks returns every persisted subscription.
func (c *Core) ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	return c.store.ListWebhooks(ctx)
}

// DeleteWebhook removes a subscription from both the store and the live
// dispatcher.
func (c *Core) DeleteWebhook(ctx context.Context, id string) error {
	if err := c.store.DeleteWebhook(ctx, id); err != nil {
		return err
	}
	c.webhooks.Unregister(id)
	return nil
}

// --- Audit ------------------------------------------------------------

// VerifyAudit replays the entire audit log and reports the first broken
// link, if any.
func (c *Core) VerifyAudit(ctx context.Context) (audit.VerifyReport, error) { return c.store.VerifyAudit(ctx) }

// --- Health and snapshot ---------------------------------------------------

func (c *Core) probeStore(ctx context.Context) health.ProbeResult {
	if _, err := c.store.RecentEvents(ctx, 1); err != nil {
		return health.Unhealthy("store", err.Error())
	}
	return health.Healthy("store")
}

func (c *Core) probeWebhookQueue(ctx context.Context) health.ProbeResult {
	return health.Healthy("webhook_queue")
}

func (c *Core) probeRegistry(ctx context.Context) health.ProbeResult {
	if len(c.registry.List()) == 0 {
		return health.Degraded("printer_registry", "no printers registered")
	}
	return health.Healthy("printer_registry")
}

// Health returns the cached (TTL-bounded) health snapshot.
func (c *Core) Health(ctx context.Context) health.Snapshot { return c.health.Evaluate(ctx) }

// Snapshot is a unified, JSON-serializable view of job counts by state,
// the registered printer ids, the webhook subscription count, and health.
type Snapshot struct {
	StartedAt     time.Time                  `json:"started_at"`
	Uptime        time.Duration              `json:"uptime"`
	JobsByState   map[models.JobState]int    `json:"jobs_by_state"`
	Printers      []models.PrinterId         `json:"printers"`
	WebhookCount  int                        `json:"webhook_subscriptions"`
	Health        health.Snapshot            `json:"health"`
}

// Snapshot assembles the current operational view.
func (c *Core) Snapshot(ctx context.Context) (Snapshot, error) {
	states := []models.JobState{
		models.JobSubmitted, models.JobQueued, models.JobDispatched, models.JobRunning,
		models.JobCompleted, models.JobFailed, models.JobFailedRetryable, models.JobCancelled,
	}
	counts := make(map[models.JobState]int, len(states))
	for _, st := range states {
		jobs, err := c.store.ReadJobs(ctx, store.JobFilter{States: []models.JobState{st}, Limit: 1_000_000})
		if err != nil {
			return Snapshot{}, err
		}
		counts[st] = len(jobs)
	}
	webhooks, err := c.store.ListWebhooks(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		StartedAt:    c.startedAt,
		Uptime:       c.clk.Now().Sub(c.startedAt),
		JobsByState:  counts,
		Printers:     c.registry.List(),
		WebhookCount: len(webhooks),
		Health:       c.Health(ctx),
	}, nil
}
