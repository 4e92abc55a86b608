// Package scheduler implements the job state machine: priority/
// history-aware routing, a single dispatcher goroutine, at-most-once start
// via the store's optimistic CAS, retry-with-backoff, a printer status
// sweep that detects job completion, and cancellation plumbing. Two
// long-lived goroutines do all the work: a dispatcher reading ready jobs
// and matching them against idle printers, and a poller sweeping the
// printers the scheduler believes are busy.
package scheduler

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/metrics"
	"github.com/kiln-systems/kiln/internal/models"
	"github.com/kiln-systems/kiln/internal/obslog"
	"github.com/kiln-systems/kiln/internal/preflight"
	"github.com/kiln-systems/kiln/internal/store"
)

// Bus is the publish surface the scheduler emits lifecycle events through.
// Satisfied by *eventbus.Bus; narrowed here so scheduler tests can fake it
// without standing up a real bus.
type Bus interface {
	Publish(ctx context.Context, evt models.Event) (int64, error)
}

// JobStore is the persistence surface the scheduler depends on. Satisfied
// by *store.Store.
type JobStore interface {
	EnqueueJob(ctx context.Context, job models.Job) error
	MarkJob(ctx context.Context, id string, expectedVersion int64, newState models.JobState, extras store.JobExtras) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ReadJobs(ctx context.Context, filter store.JobFilter) ([]models.Job, error)
	RecordOutcome(ctx context.Context, outcome models.JobOutcome, settings store.OutcomeSettings) error
	RoutingStats(ctx context.Context, printerID, fileHash, material string) (models.RoutingStats, error)
	AppendAudit(ctx context.Context, actorID, toolName string, params map[string]any, resultKind string) (models.AuditRecord, error)
}

// ProfileLookup resolves the safety profile bound to a registered printer.
type ProfileLookup func(printerID string) (models.SafetyProfile, bool)

// MaterialsTracker is the external collaborator view the router consults
// when a job declares a material: does printer P currently have material M
// loaded? Kiln never implements or writes this view, it only reads it. The
// default answers true for everything, so fleets without a tracker are
// unaffected.
type MaterialsTracker interface {
	IsLoaded(ctx context.Context, printerID, material string) (bool, error)
}

type noopMaterialsTracker struct{}

func (noopMaterialsTracker) IsLoaded(context.Context, string, string) (bool, error) {
	return true, nil
}

// laplaceAlpha is the Laplace-smoothing constant in the history-aware
// routing score: score = (successes+α)/(successes+failures+2α).
const laplaceAlpha = 1.0

// retryBaseDelay is the base of the exponential retry backoff:
// retry_not_before = now + base·2^(max_retries-retries_remaining).
const retryBaseDelay = 30 * time.Second

// offlineGrace is how long a running job's printer must report OFFLINE
// before the sweep treats it the same as ERROR.
const offlineGrace = 30 * time.Second

// schedulerActor is the audit actor id recorded for guarded operations the
// dispatcher performs on its own initiative (start_print), as opposed to
// ones a caller requested directly (cancel_job/cancel_print carry the
// caller's actor id instead).
const schedulerActor = "scheduler"

// nonRetryableKinds are the failure kinds that never get a
// scheduler-level retry: a dispatch attempt failing with one of these goes
// straight to terminal FAILED instead of consuming a retry.
var nonRetryableKinds = map[kerrors.ErrorKind]bool{
	kerrors.KindPreflightFailed:    true,
	kerrors.KindValidationRejected: true,
	kerrors.KindLimitExceeded:      true,
	kerrors.KindFileMissing:        true,
	kerrors.KindAuth:               true,
}

// Config controls dispatcher cadence and retry policy.
type Config struct {
	MaxRetries       int
	DispatchInterval time.Duration
	PollInterval     time.Duration
}

// DefaultConfig returns the production cadence and retry defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, DispatchInterval: 2 * time.Second, PollInterval: 5 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Scheduler owns job dispatch, routing, retry, and completion detection.
type Scheduler struct {
	cfg      Config
	registry *adapter.Registry
	store    JobStore
	bus      Bus
	clk      clock.Clock
	log      obslog.Logger
	tracker  MaterialsTracker
	profiles ProfileLookup

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.Mutex
	running      map[string]string    // printerID -> jobID, for the completion sweep
	offlineSince map[string]time.Time // printerID -> first observed OFFLINE while running
	cancels      map[string]context.CancelFunc

	dispatched metrics.Counter
	completed  metrics.Counter
	failed     metrics.Counter
}

// New constructs a Scheduler. profiles and tracker may be nil; tracker
// defaults to answering "loaded" for every material, profiles defaults to
// "no profile found" (preflight's temperature checks are then skipped, but
// reachability/idle/file checks still run).
func New(cfg Config, registry *adapter.Registry, st JobStore, bus Bus, clk clock.Clock, log obslog.Logger, tracker MaterialsTracker, profiles ProfileLookup, prov metrics.Provider) *Scheduler {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if tracker == nil {
		tracker = noopMaterialsTracker{}
	}
	if profiles == nil {
		profiles = func(string) (models.SafetyProfile, bool) { return models.SafetyProfile{}, false }
	}
	if prov == nil {
		prov = metrics.NewNoopProvider()
	}
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		store:    st,
		bus:      bus,
		clk:      clk,
		log:      log,
		tracker:  tracker,
		profiles: profiles,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		running:      make(map[string]string),
		offlineSince: make(map[string]time.Time),
		cancels:      make(map[string]context.CancelFunc),
	}
	s.dispatched = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "scheduler", Name: "dispatched_total", Help: "Jobs successfully dispatched to a printer"}})
	s.completed = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "scheduler", Name: "completed_total", Help: "Jobs that reached a terminal success state"}})
	s.failed = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "scheduler", Name: "failed_total", Help: "Jobs that reached a terminal failure state"}})
	return s
}

// Start launches the dispatcher loop and the printer status sweep as two
// long-lived goroutines. Both exit when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.dispatchLoop(ctx)
	go s.pollLoop(ctx)
}

// Stop signals both loops to exit and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Submit persists a new job in SUBMITTED state and wakes the dispatcher.
func (s *Scheduler) Submit(ctx context.Context, job models.Job) error {
	job.State = models.JobSubmitted
	if job.RetriesRemaining == 0 {
		job.RetriesRemaining = s.cfg.MaxRetries
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return err
	}
	if s.bus != nil {
		_, _ = s.bus.Publish(ctx, models.Event{Kind: models.EventJobSubmitted, JobID: job.ID, Timestamp: s.clk.Now()})
	}
	s.Nudge()
	return nil
}

// Nudge wakes the dispatcher loop without waiting for its next tick.
// Non-blocking: a pending wake already queued is sufficient.
func (s *Scheduler) Nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel transitions a job to CANCELLED. A queued job is cancelled
// immediately via CAS; for a running job CancelPrint is additionally called
// on its assigned printer's adapter. Both the job cancellation and
// (when it happens) the adapter cancel_print call are recorded in the
// audit log under actorID.
func (s *Scheduler) Cancel(ctx context.Context, jobID, actorID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal(job.RetriesRemaining) {
		return kerrors.New(kerrors.KindInvalidState, "job already terminal", nil, map[string]any{"state": job.State})
	}
	if job.State == models.JobRunning && job.AssignedPrinter != "" {
		if a, ok := s.registry.Get(job.AssignedPrinter); ok {
			cancelErr := a.CancelPrint(ctx)
			result := "success"
			if cancelErr != nil {
				result = "failure"
			}
			s.appendAudit(ctx, actorID, "cancel_print", map[string]any{"job_id": jobID, "printer_id": job.AssignedPrinter}, result)
		}
		s.mu.Lock()
		if cancel, ok := s.cancels[jobID]; ok {
			cancel()
			delete(s.cancels, jobID)
		}
		s.mu.Unlock()
	}
	_, err = s.store.MarkJob(ctx, jobID, job.StateVersion, models.JobCancelled, store.JobExtras{})
	if err != nil {
		return err
	}
	s.appendAudit(ctx, actorID, "cancel_job", map[string]any{"job_id": jobID}, "success")
	if s.bus != nil {
		_, _ = s.bus.Publish(ctx, models.Event{Kind: models.EventJobCancelled, JobID: jobID, Timestamp: s.clk.Now()})
	}
	return nil
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clk.After(s.cfg.DispatchInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			s.dispatchOnce(ctx)
		case <-ticker:
			s.dispatchOnce(ctx)
			ticker = s.clk.After(s.cfg.DispatchInterval)
		}
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clk.After(s.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker:
			s.sweepPrinters(ctx)
			ticker = s.clk.After(s.cfg.PollInterval)
		}
	}
}

// readyStates are the job states the dispatcher considers for a dispatch
// attempt: freshly submitted jobs and jobs whose retry backoff has expired.
var readyStates = []models.JobState{models.JobSubmitted, models.JobQueued, models.JobFailedRetryable}

// dispatchOnce runs one dispatch pass: read ready jobs in queue order,
// attempt to place each on an idle printer, CAS it to DISPATCHED, and start
// it. A CAS conflict means another caller already moved the job; the
// dispatcher simply moves to the next candidate.
func (s *Scheduler) dispatchOnce(ctx context.Context) {
	jobs, err := s.store.ReadJobs(ctx, store.JobFilter{States: readyStates, Limit: 200})
	if err != nil {
		if s.log != nil {
			s.log.ErrorCtx(ctx, "scheduler: read ready jobs failed", "err", err)
		}
		return
	}
	now := s.clk.Now()
	for _, job := range jobs {
		if !job.RetryNotBefore.IsZero() && job.RetryNotBefore.After(now) {
			continue
		}
		printerID, a, ok := s.choosePrinter(ctx, job)
		if !ok {
			continue
		}
		s.attemptDispatch(ctx, job, printerID, a)
	}
}

// choosePrinter picks the target printer: the job's declared target if set
// and idle, otherwise the highest-scoring idle printer whose capabilities
// cover the job.
func (s *Scheduler) choosePrinter(ctx context.Context, job models.Job) (string, adapter.Adapter, bool) {
	if job.TargetPrinter != "" {
		a, ok := s.registry.Get(job.TargetPrinter)
		if !ok || a.GetStatus(ctx).Status != models.StatusIdle {
			return "", nil, false
		}
		return job.TargetPrinter, a, true
	}
	type candidate struct {
		id    string
		a     adapter.Adapter
		score float64
	}
	var candidates []candidate
	s.registry.Each(func(a adapter.Adapter) {
		if a.GetStatus(ctx).Status != models.StatusIdle {
			return
		}
		id := a.ID().Name
		if job.Material != "" {
			loaded, err := s.tracker.IsLoaded(ctx, id, job.Material)
			if err != nil {
				if s.log != nil {
					s.log.WarnCtx(ctx, "scheduler: materials tracker lookup failed", "printer", id, "material", job.Material, "err", err)
				}
				return
			}
			if !loaded {
				return
			}
		}
		stats, err := s.store.RoutingStats(ctx, id, job.FileHash, job.Material)
		sc := laplaceAlpha / (2 * laplaceAlpha)
		if err == nil {
			sc = (float64(stats.Successes) + laplaceAlpha) / (float64(stats.Successes+stats.Failures) + 2*laplaceAlpha)
		}
		candidates = append(candidates, candidate{id: id, a: a, score: sc})
	})
	if len(candidates) == 0 {
		return "", nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	best := candidates[0]
	return best.id, best.a, true
}

func (s *Scheduler) attemptDispatch(ctx context.Context, job models.Job, printerID string, a adapter.Adapter) {
	assigned := printerID
	dispatched, err := s.store.MarkJob(ctx, job.ID, job.StateVersion, models.JobDispatched, store.JobExtras{AssignedPrinter: &assigned})
	if err != nil {
		if kerrors.KindOf(err) == kerrors.KindConflict {
			return // another caller already moved this job
		}
		if s.log != nil {
			s.log.ErrorCtx(ctx, "scheduler: mark dispatched failed", "job", job.ID, "err", err)
		}
		return
	}
	if s.bus != nil {
		_, _ = s.bus.Publish(ctx, models.Event{Kind: models.EventJobDispatched, JobID: dispatched.ID, PrinterID: printerID, Timestamp: s.clk.Now()})
	}

	profile, _ := s.profiles(printerID)
	if err := preflight.Run(ctx, a, profile, preflight.Request{Filename: dispatched.Filename, Material: dispatched.Material}); err != nil {
		s.failJobOrRetry(ctx, dispatched, err)
		return
	}
	if err := a.StartPrint(ctx, dispatched.Filename); err != nil {
		s.appendAudit(ctx, schedulerActor, "start_print",
			map[string]any{"job_id": dispatched.ID, "printer_id": printerID, "filename": dispatched.Filename}, "failure")
		s.failJobOrRetry(ctx, dispatched, err)
		return
	}
	s.appendAudit(ctx, schedulerActor, "start_print",
		map[string]any{"job_id": dispatched.ID, "printer_id": printerID, "filename": dispatched.Filename}, "success")
	running, err := s.store.MarkJob(ctx, dispatched.ID, dispatched.StateVersion, models.JobRunning, store.JobExtras{})
	if err != nil {
		if s.log != nil {
			s.log.ErrorCtx(ctx, "scheduler: mark running failed", "job", job.ID, "err", err)
		}
		return
	}
	s.mu.Lock()
	s.running[printerID] = running.ID
	s.mu.Unlock()
	s.dispatched.Inc(1)
	if s.bus != nil {
		_, _ = s.bus.Publish(ctx, models.Event{Kind: models.EventPrintStarted, JobID: running.ID, PrinterID: printerID, Timestamp: s.clk.Now()})
	}
}

// failJobOrRetry moves job to FAILED_RETRYABLE with a computed backoff
// window when retries remain, or to FAILED (terminal) when exhausted or
// when cause's kind is one of the non-retryable kinds (a preflight
// rejection, a validation/limit/auth failure, or a missing file never gets
// a scheduler retry, no matter how many attempts remain).
func (s *Scheduler) failJobOrRetry(ctx context.Context, job models.Job, cause error) {
	if s.log != nil {
		s.log.WarnCtx(ctx, "scheduler: dispatch attempt failed", "job", job.ID, "err", cause)
	}
	if nonRetryableKinds[kerrors.KindOf(cause)] {
		s.failTerminal(ctx, job, job.RetriesRemaining)
		return
	}
	remaining := job.RetriesRemaining - 1
	if remaining < 0 {
		remaining = 0
	}
	if remaining == 0 {
		s.failTerminal(ctx, job, remaining)
		return
	}
	notBefore := retryNotBefore(s.clk.Now(), s.cfg.MaxRetries, remaining)
	_, _ = s.store.MarkJob(ctx, job.ID, job.StateVersion, models.JobFailedRetryable, store.JobExtras{
		RetriesRemaining: &remaining,
		RetryNotBefore:   &notBefore,
	})
}

// failTerminal marks job FAILED with the given retries-remaining value and
// emits JOB_FAILED.
func (s *Scheduler) failTerminal(ctx context.Context, job models.Job, remaining int) {
	if _, err := s.store.MarkJob(ctx, job.ID, job.StateVersion, models.JobFailed, store.JobExtras{RetriesRemaining: &remaining}); err == nil {
		s.failed.Inc(1)
		if s.bus != nil {
			_, _ = s.bus.Publish(ctx, models.Event{Kind: models.EventJobFailed, JobID: job.ID, Timestamp: s.clk.Now()})
		}
	}
}

// appendAudit records a guarded operation to the tamper-evident audit
// log, falling back to the scheduler's own actor id when the caller
// didn't supply one. Failures are logged, not propagated: an audit-append
// failure must not abort the guarded operation it documents.
func (s *Scheduler) appendAudit(ctx context.Context, actorID, tool string, params map[string]any, resultKind string) {
	if actorID == "" {
		actorID = schedulerActor
	}
	if _, err := s.store.AppendAudit(ctx, actorID, tool, params, resultKind); err != nil && s.log != nil {
		s.log.WarnCtx(ctx, "scheduler: audit append failed", "tool", tool, "err", err)
	}
}

// retryNotBefore implements the backoff formula.
func retryNotBefore(now time.Time, maxRetries, retriesRemaining int) time.Time {
	exp := maxRetries - retriesRemaining
	if exp < 0 {
		exp = 0
	}
	delay := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(exp)))
	return now.Add(delay)
}

// sweepPrinters checks every printer this scheduler believes is running a
// job and records completion or failure once the printer reports it is no
// longer printing.
func (s *Scheduler) sweepPrinters(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]string, len(s.running))
	for k, v := range s.running {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for printerID, jobID := range snapshot {
		a, ok := s.registry.Get(printerID)
		if !ok {
			continue
		}
		state := a.GetStatus(ctx)
		switch state.Status {
		case models.StatusPrinting, models.StatusPaused, models.StatusBusy:
			s.clearOffline(printerID)
		case models.StatusIdle:
			if state.JobProgress != nil && *state.JobProgress < 0.99 {
				// Backend reports IDLE before progress caught up to completion;
				// wait for the next sweep rather than declaring success early.
				continue
			}
			s.clearOffline(printerID)
			s.completeJob(ctx, jobID, printerID)
		case models.StatusError:
			s.clearOffline(printerID)
			s.failRunningJob(ctx, jobID, printerID, state.ErrorMessage)
		case models.StatusOffline:
			if !s.offlineFor(printerID, offlineGrace) {
				continue
			}
			s.clearOffline(printerID)
			s.failRunningJob(ctx, jobID, printerID, "printer offline")
		}
	}
}

// offlineFor records the first time printerID was observed OFFLINE and
// reports whether it has stayed that way for at least d.
func (s *Scheduler) offlineFor(printerID string, d time.Duration) bool {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	since, ok := s.offlineSince[printerID]
	if !ok {
		s.offlineSince[printerID] = now
		return false
	}
	return now.Sub(since) >= d
}

func (s *Scheduler) clearOffline(printerID string) {
	s.mu.Lock()
	delete(s.offlineSince, printerID)
	s.mu.Unlock()
}

// completeJob transitions a finished job to COMPLETED and records a
// SUCCESS outcome.
func (s *Scheduler) completeJob(ctx context.Context, jobID, printerID string) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	updated, err := s.store.MarkJob(ctx, jobID, job.StateVersion, models.JobCompleted, store.JobExtras{})
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.running, printerID)
	s.mu.Unlock()

	outcome := models.JobOutcome{
		JobID: jobID, PrinterID: printerID, Result: models.OutcomeSuccess,
		FileHash: updated.FileHash, Material: updated.Material, RecordedAt: s.clk.Now(),
	}
	_ = s.store.RecordOutcome(ctx, outcome, store.OutcomeSettings{})
	s.completed.Inc(1)
	if s.bus != nil {
		_, _ = s.bus.Publish(ctx, models.Event{Kind: models.EventJobCompleted, JobID: jobID, PrinterID: printerID, Timestamp: s.clk.Now()})
	}
}

// failRunningJob handles a RUNNING job whose printer reports ERROR, or
// OFFLINE for at least offlineGrace: retry with backoff if retries remain,
// otherwise terminal FAILED with a recorded outcome.
func (s *Scheduler) failRunningJob(ctx context.Context, jobID, printerID, failureMode string) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.running, printerID)
	s.mu.Unlock()

	remaining := job.RetriesRemaining - 1
	if remaining < 0 {
		remaining = 0
	}
	if remaining > 0 {
		notBefore := retryNotBefore(s.clk.Now(), s.cfg.MaxRetries, remaining)
		if _, err := s.store.MarkJob(ctx, jobID, job.StateVersion, models.JobFailedRetryable, store.JobExtras{
			RetriesRemaining: &remaining,
			RetryNotBefore:   &notBefore,
		}); err != nil {
			return
		}
		return
	}

	updated, err := s.store.MarkJob(ctx, jobID, job.StateVersion, models.JobFailed, store.JobExtras{RetriesRemaining: &remaining})
	if err != nil {
		return
	}
	outcome := models.JobOutcome{
		JobID: jobID, PrinterID: printerID, Result: models.OutcomeFailed, FailureMode: failureMode,
		FileHash: updated.FileHash, Material: updated.Material, RecordedAt: s.clk.Now(),
	}
	_ = s.store.RecordOutcome(ctx, outcome, store.OutcomeSettings{})
	s.failed.Inc(1)
	if s.bus != nil {
		_, _ = s.bus.Publish(ctx, models.Event{Kind: models.EventJobFailed, JobID: jobID, PrinterID: printerID, Timestamp: s.clk.Now()})
	}
}
