package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
	"github.com/kiln-systems/kiln/internal/store"
)

type fakeAdapter struct {
	mu        sync.Mutex
	id        models.PrinterId
	status    models.PrinterState
	files     []models.PrinterFile
	startErr  error
	startedAt []string
	cancelled bool
}

func (f *fakeAdapter) ID() models.PrinterId                     { return f.id }
func (f *fakeAdapter) Capabilities() models.PrinterCapabilities { return models.PrinterCapabilities{} }
func (f *fakeAdapter) GetStatus(ctx context.Context) models.PrinterState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}
func (f *fakeAdapter) setStatus(st models.PrinterStatus) {
	f.mu.Lock()
	f.status.Status = st
	f.mu.Unlock()
}
func (f *fakeAdapter) ListFiles(ctx context.Context) ([]models.PrinterFile, error) { return f.files, nil }
func (f *fakeAdapter) UploadFile(ctx context.Context, localPath, remoteName string) error { return nil }
func (f *fakeAdapter) StartPrint(ctx context.Context, remoteFilename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.startedAt = append(f.startedAt, remoteFilename)
	f.status.Status = models.StatusPrinting
	return nil
}
func (f *fakeAdapter) CancelPrint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}
func (f *fakeAdapter) PausePrint(ctx context.Context) error  { return nil }
func (f *fakeAdapter) ResumePrint(ctx context.Context) error { return nil }
func (f *fakeAdapter) SetTemperature(ctx context.Context, targets adapter.TemperatureTargets) error {
	return nil
}
func (f *fakeAdapter) SendGCode(ctx context.Context, lines []string) ([]string, error) { return nil, nil }
func (f *fakeAdapter) GetSnapshot(ctx context.Context) ([]byte, string, error)         { return nil, "", nil }
func (f *fakeAdapter) GetStreamURL(ctx context.Context) (string, error)                { return "", nil }
func (f *fakeAdapter) Close() error                                                    { return nil }

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	stats    map[string]models.RoutingStats
	outcomes []models.JobOutcome
	audits   []models.AuditRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]models.Job), stats: make(map[string]models.RoutingStats)}
}

func (f *fakeStore) EnqueueJob(ctx context.Context, job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) MarkJob(ctx context.Context, id string, expectedVersion int64, newState models.JobState, extras store.JobExtras) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, kerrors.NotFound("job", id)
	}
	if job.StateVersion != expectedVersion {
		return models.Job{}, kerrors.Conflict("version mismatch")
	}
	job.State = newState
	job.StateVersion++
	if extras.AssignedPrinter != nil {
		job.AssignedPrinter = *extras.AssignedPrinter
	}
	if extras.RetryNotBefore != nil {
		job.RetryNotBefore = *extras.RetryNotBefore
	}
	if extras.RetriesRemaining != nil {
		job.RetriesRemaining = *extras.RetriesRemaining
	}
	f.jobs[id] = job
	return job, nil
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, kerrors.NotFound("job", id)
	}
	return job, nil
}

func (f *fakeStore) ReadJobs(ctx context.Context, filter store.JobFilter) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[models.JobState]bool, len(filter.States))
	for _, st := range filter.States {
		wanted[st] = true
	}
	var out []models.Job
	for _, j := range f.jobs {
		if len(wanted) == 0 || wanted[j.State] {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordOutcome(ctx context.Context, outcome models.JobOutcome, settings store.OutcomeSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeStore) RoutingStats(ctx context.Context, printerID, fileHash, material string) (models.RoutingStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[printerID], nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, actorID, toolName string, params map[string]any, resultKind string) (models.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := models.AuditRecord{ActorID: actorID, ToolName: toolName, ResultKind: resultKind}
	f.audits = append(f.audits, rec)
	return rec, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *fakeBus) Publish(ctx context.Context, evt models.Event) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return int64(len(b.events)), nil
}

func (b *fakeBus) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Kind
	}
	return out
}

func idleProfile() models.SafetyProfile {
	return models.SafetyProfile{MaxHotendC: 260, MaxBedC: 110, MaxChamberC: 60}
}

func TestChoosePrinter_PicksHighestHistoryScore(t *testing.T) {
	reg := adapter.NewRegistry()
	good := &fakeAdapter{id: models.PrinterId{Name: "good"}, status: models.PrinterState{Status: models.StatusIdle}}
	bad := &fakeAdapter{id: models.PrinterId{Name: "bad"}, status: models.PrinterState{Status: models.StatusIdle}}
	require.NoError(t, reg.Register(good))
	require.NoError(t, reg.Register(bad))

	st := newFakeStore()
	st.stats["good"] = models.RoutingStats{Successes: 9, Failures: 0}
	st.stats["bad"] = models.RoutingStats{Successes: 0, Failures: 9}

	s := New(DefaultConfig(), reg, st, nil, clock.NewFake(time.Unix(0, 0)), nil, nil, nil, nil)
	id, _, ok := s.choosePrinter(context.Background(), models.Job{})
	require.True(t, ok)
	require.Equal(t, "good", id)
}

func TestDispatchOnce_DispatchesAndStartsReadyJob(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{
		id:     models.PrinterId{Name: "p1"},
		status: models.PrinterState{Status: models.StatusIdle},
		files:  []models.PrinterFile{{Name: "part.gcode"}},
	}
	require.NoError(t, reg.Register(a))

	st := newFakeStore()
	job := models.Job{ID: "j1", Filename: "part.gcode", State: models.JobSubmitted, RetriesRemaining: 3}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	bus := &fakeBus{}
	profiles := func(string) (models.SafetyProfile, bool) { return idleProfile(), true }
	s := New(DefaultConfig(), reg, st, bus, clock.NewFake(time.Unix(0, 0)), nil, nil, profiles, nil)

	s.dispatchOnce(context.Background())

	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobRunning, got.State)
	require.Equal(t, "p1", got.AssignedPrinter)
	require.Contains(t, a.startedAt, "part.gcode")
	require.Contains(t, bus.kinds(), models.EventJobDispatched)
	require.Contains(t, bus.kinds(), models.EventPrintStarted)
}

// Preflight failures are non-retryable:
// the job goes straight to terminal FAILED even with retries remaining, and
// JOB_DISPATCHED still fires before the preflight check runs (scenario 2).
func TestDispatchOnce_PreflightFailureGoesStraightToFailed(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{
		id:     models.PrinterId{Name: "p1"},
		status: models.PrinterState{Status: models.StatusIdle},
		files:  nil, // file missing -> preflight fails
	}
	require.NoError(t, reg.Register(a))

	st := newFakeStore()
	job := models.Job{ID: "j1", Filename: "missing.gcode", State: models.JobSubmitted, RetriesRemaining: 2}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	bus := &fakeBus{}
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(DefaultConfig(), reg, st, bus, fc, nil, nil, nil, nil)
	s.dispatchOnce(context.Background())

	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.State)
	require.Empty(t, a.startedAt)
	require.Equal(t, []string{models.EventJobDispatched, models.EventJobFailed}, bus.kinds())
}

func TestFailJobOrRetry_ExhaustsToTerminalFailed(t *testing.T) {
	st := newFakeStore()
	job := models.Job{ID: "j1", State: models.JobSubmitted, RetriesRemaining: 1, StateVersion: 0}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	bus := &fakeBus{}
	s := New(DefaultConfig(), adapter.NewRegistry(), st, bus, clock.NewFake(time.Unix(0, 0)), nil, nil, nil, nil)
	s.failJobOrRetry(context.Background(), job, kerrors.Simple(kerrors.KindTransport, "nope"))

	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.State)
	require.Contains(t, bus.kinds(), models.EventJobFailed)
}

func TestSweepPrinters_CompletesOnIdleAndRecordsOutcome(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1"}, status: models.PrinterState{Status: models.StatusPrinting}}
	require.NoError(t, reg.Register(a))

	st := newFakeStore()
	job := models.Job{ID: "j1", State: models.JobRunning, AssignedPrinter: "p1", RetriesRemaining: 3}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	bus := &fakeBus{}
	s := New(DefaultConfig(), reg, st, bus, clock.NewFake(time.Unix(0, 0)), nil, nil, nil, nil)
	s.mu.Lock()
	s.running["p1"] = "j1"
	s.mu.Unlock()

	a.setStatus(models.StatusIdle)
	s.sweepPrinters(context.Background())

	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, got.State)
	require.Len(t, st.outcomes, 1)
	require.Equal(t, models.OutcomeSuccess, st.outcomes[0].Result)
	require.Contains(t, bus.kinds(), models.EventJobCompleted)
}

func TestCancel_RunningJobCallsAdapterCancel(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1"}, status: models.PrinterState{Status: models.StatusPrinting}}
	require.NoError(t, reg.Register(a))

	st := newFakeStore()
	job := models.Job{ID: "j1", State: models.JobRunning, AssignedPrinter: "p1", RetriesRemaining: 3}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	bus := &fakeBus{}
	s := New(DefaultConfig(), reg, st, bus, clock.NewFake(time.Unix(0, 0)), nil, nil, nil, nil)
	require.NoError(t, s.Cancel(context.Background(), "j1", "tester"))

	require.True(t, a.cancelled)
	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobCancelled, got.State)
	require.Contains(t, bus.kinds(), models.EventJobCancelled)
}

func TestCancel_AlreadyTerminalRejected(t *testing.T) {
	st := newFakeStore()
	job := models.Job{ID: "j1", State: models.JobCompleted, RetriesRemaining: 0}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	s := New(DefaultConfig(), adapter.NewRegistry(), st, nil, clock.NewFake(time.Unix(0, 0)), nil, nil, nil, nil)
	err := s.Cancel(context.Background(), "j1", "tester")
	require.Error(t, err)
	require.Equal(t, kerrors.KindInvalidState, kerrors.KindOf(err))
}

func TestSweepPrinters_ErrorWithRetriesRemainingGoesRetryableNotTerminal(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1"}, status: models.PrinterState{Status: models.StatusPrinting}}
	require.NoError(t, reg.Register(a))

	st := newFakeStore()
	job := models.Job{ID: "j1", State: models.JobRunning, AssignedPrinter: "p1", RetriesRemaining: 2}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	bus := &fakeBus{}
	s := New(DefaultConfig(), reg, st, bus, clock.NewFake(time.Unix(0, 0)), nil, nil, nil, nil)
	s.mu.Lock()
	s.running["p1"] = "j1"
	s.mu.Unlock()

	a.setStatus(models.StatusError)
	s.sweepPrinters(context.Background())

	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailedRetryable, got.State)
	require.Equal(t, 1, got.RetriesRemaining)
	require.Empty(t, st.outcomes, "non-terminal retry must not record an outcome")
	require.NotContains(t, bus.kinds(), models.EventJobFailed)
}

func TestSweepPrinters_ErrorExhaustedRetriesGoesTerminalFailed(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1"}, status: models.PrinterState{Status: models.StatusPrinting}}
	require.NoError(t, reg.Register(a))

	st := newFakeStore()
	job := models.Job{ID: "j1", State: models.JobRunning, AssignedPrinter: "p1", RetriesRemaining: 1}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	bus := &fakeBus{}
	s := New(DefaultConfig(), reg, st, bus, clock.NewFake(time.Unix(0, 0)), nil, nil, nil, nil)
	s.mu.Lock()
	s.running["p1"] = "j1"
	s.mu.Unlock()

	a.setStatus(models.StatusError)
	s.sweepPrinters(context.Background())

	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.State)
	require.Len(t, st.outcomes, 1)
	require.Equal(t, models.OutcomeFailed, st.outcomes[0].Result)
	require.Contains(t, bus.kinds(), models.EventJobFailed)
}

func TestSweepPrinters_OfflineWaitsForGraceBeforeFailing(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1"}, status: models.PrinterState{Status: models.StatusPrinting}}
	require.NoError(t, reg.Register(a))

	st := newFakeStore()
	job := models.Job{ID: "j1", State: models.JobRunning, AssignedPrinter: "p1", RetriesRemaining: 1}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	fc := clock.NewFake(time.Unix(0, 0))
	bus := &fakeBus{}
	s := New(DefaultConfig(), reg, st, bus, fc, nil, nil, nil, nil)
	s.mu.Lock()
	s.running["p1"] = "j1"
	s.mu.Unlock()

	a.setStatus(models.StatusOffline)
	s.sweepPrinters(context.Background())
	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobRunning, got.State, "first OFFLINE observation must not fail the job immediately")

	fc.Advance(31 * time.Second)
	s.sweepPrinters(context.Background())
	got, err = st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.State)
}

func TestRetryNotBefore_DoublesPerAttempt(t *testing.T) {
	now := time.Unix(0, 0)
	first := retryNotBefore(now, 3, 2)  // exp = 1
	second := retryNotBefore(now, 3, 1) // exp = 2
	require.Equal(t, 60*time.Second, first.Sub(now))
	require.Equal(t, 120*time.Second, second.Sub(now))
}

type mapMaterialsTracker struct {
	loaded map[string][]string // printerID -> materials present
}

func (m *mapMaterialsTracker) IsLoaded(ctx context.Context, printerID, material string) (bool, error) {
	for _, mat := range m.loaded[printerID] {
		if mat == material {
			return true, nil
		}
	}
	return false, nil
}

func TestChoosePrinter_FiltersOutCandidatesWithoutDeclaredMaterial(t *testing.T) {
	reg := adapter.NewRegistry()
	scored := &fakeAdapter{id: models.PrinterId{Name: "scored"}, status: models.PrinterState{Status: models.StatusIdle}}
	loaded := &fakeAdapter{id: models.PrinterId{Name: "loaded"}, status: models.PrinterState{Status: models.StatusIdle}}
	require.NoError(t, reg.Register(scored))
	require.NoError(t, reg.Register(loaded))

	st := newFakeStore()
	// "scored" would win on history alone, but it has no PETG loaded.
	st.stats["scored"] = models.RoutingStats{Successes: 9, Failures: 0}

	tracker := &mapMaterialsTracker{loaded: map[string][]string{"loaded": {"PETG"}}}
	s := New(DefaultConfig(), reg, st, nil, clock.NewFake(time.Unix(0, 0)), nil, tracker, nil, nil)

	id, _, ok := s.choosePrinter(context.Background(), models.Job{Material: "PETG"})
	require.True(t, ok)
	require.Equal(t, "loaded", id)
}

func TestChoosePrinter_NoCandidateWhenMaterialLoadedNowhere(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1"}, status: models.PrinterState{Status: models.StatusIdle}}
	require.NoError(t, reg.Register(a))

	tracker := &mapMaterialsTracker{loaded: map[string][]string{}}
	s := New(DefaultConfig(), reg, newFakeStore(), nil, clock.NewFake(time.Unix(0, 0)), nil, tracker, nil, nil)

	_, _, ok := s.choosePrinter(context.Background(), models.Job{Material: "ASA"})
	require.False(t, ok)
}

func TestChoosePrinter_NoMaterialDeclaredSkipsTrackerFilter(t *testing.T) {
	reg := adapter.NewRegistry()
	a := &fakeAdapter{id: models.PrinterId{Name: "p1"}, status: models.PrinterState{Status: models.StatusIdle}}
	require.NoError(t, reg.Register(a))

	tracker := &mapMaterialsTracker{loaded: map[string][]string{}} // nothing loaded anywhere
	s := New(DefaultConfig(), reg, newFakeStore(), nil, clock.NewFake(time.Unix(0, 0)), nil, tracker, nil, nil)

	id, _, ok := s.choosePrinter(context.Background(), models.Job{})
	require.True(t, ok)
	require.Equal(t, "p1", id)
}
