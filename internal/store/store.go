// Package store is the transactional SQLite persistence layer:
// jobs, events, outcomes, the audit chain, and webhook subscriptions. It
// honors SQLite's single-writer model explicitly with one
// writer goroutine draining a channel of write requests; reads go through a
// separate, multi-connection handle and never block on writes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiln-systems/kiln/internal/audit"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	filename           TEXT NOT NULL,
	target_printer     TEXT,
	priority           INTEGER NOT NULL,
	material           TEXT,
	file_hash          TEXT NOT NULL,
	submitted_at       TEXT NOT NULL,
	state              TEXT NOT NULL,
	retries_remaining  INTEGER NOT NULL,
	retry_not_before   TEXT,
	assigned_printer   TEXT,
	metadata           TEXT,
	state_version      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	ts         TEXT NOT NULL,
	printer_id TEXT,
	job_id     TEXT,
	payload    TEXT
);
CREATE TABLE IF NOT EXISTS outcomes (
	job_id           TEXT NOT NULL,
	printer_id       TEXT NOT NULL,
	result           TEXT NOT NULL,
	quality_grade    TEXT,
	failure_mode     TEXT,
	duration_seconds REAL,
	file_hash        TEXT,
	material         TEXT,
	recorded_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_routing ON outcomes(printer_id, file_hash, material);
CREATE TABLE IF NOT EXISTS audit_log (
	seq            INTEGER PRIMARY KEY,
	ts             TEXT NOT NULL,
	actor          TEXT NOT NULL,
	tool           TEXT NOT NULL,
	params_digest  TEXT NOT NULL,
	result_kind    TEXT NOT NULL,
	hmac_hex       TEXT NOT NULL,
	prev_hmac_hex  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS webhooks (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	event_kinds TEXT NOT NULL,
	secret      TEXT,
	created_at  TEXT NOT NULL
);
`

// writeRequest is one unit of work handed to the single writer goroutine.
type writeRequest struct {
	fn   func(*sql.Tx) error
	done chan error
}

// Store is the transactional SQLite persistence layer. All writes funnel
// through a single goroutine (writerLoop); reads use an independent,
// multi-connection handle and see a consistent snapshot
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	clk     clock.Clock
	hmacKey []byte

	reqCh   chan writeRequest
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Open creates (or opens) the SQLite database at path and starts the writer
// goroutine. hmacKey seals the audit chain; it must not be empty.
func Open(path string, hmacKey []byte, clk clock.Clock) (*Store, error) {
	if len(hmacKey) == 0 {
		return nil, errors.New("store: hmac key must not be empty")
	}
	if clk == nil {
		clk = clock.Real()
	}
	writeDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, kerrors.PersistenceFailure("open", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		writeDB.Close()
		return nil, kerrors.PersistenceFailure("open", err)
	}
	readDB.SetMaxOpenConns(4)

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		clk:     clk,
		hmacKey: hmacKey,
		reqCh:   make(chan writeRequest, 256),
		closeCh: make(chan struct{}),
	}
	if _, err := s.writeDB.Exec(schema); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, kerrors.PersistenceFailure("migrate", err)
	}
	s.wg.Add(1)
	go s.writerLoop()
	return s, nil
}

// Close drains the writer goroutine and closes both handles. Idempotent is
// not required; callers call it once at shutdown.
func (s *Store) Close() error {
	close(s.closeCh)
	close(s.reqCh)
	s.wg.Wait()
	_ = s.readDB.Close()
	return s.writeDB.Close()
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for req := range s.reqCh {
		req.done <- s.runTx(req.fn)
	}
}

func (s *Store) runTx(fn func(*sql.Tx) error) error {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return kerrors.PersistenceFailure("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return kerrors.PersistenceFailure("commit", err)
	}
	return nil
}

// write submits fn to the single writer goroutine and blocks for its
// result, or for ctx cancellation, whichever comes first.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	req := writeRequest{fn: fn, done: make(chan error, 1)}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return kerrors.PersistenceFailure("write", errors.New("store is closed"))
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isoNow(clk clock.Clock) string { return clk.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t time.Time, clk clock.Clock) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// --- Jobs -------------------------------------------------------------

// EnqueueJob inserts a new job row at state_version 0.
func (s *Store) EnqueueJob(ctx context.Context, job models.Job) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return kerrors.PersistenceFailure("enqueue_job: marshal metadata", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO jobs
			(id, filename, target_printer, priority, material, file_hash, submitted_at,
			 state, retries_remaining, retry_not_before, assigned_printer, metadata, state_version)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,0)`,
			job.ID, job.Filename, nullable(job.TargetPrinter), job.Priority, nullable(job.Material),
			job.FileHash, job.SubmittedAt.UTC().Format(time.RFC3339Nano), job.State, job.RetriesRemaining,
			nullableTime(job.RetryNotBefore, s.clk), nullable(job.AssignedPrinter), string(meta))
		if err != nil {
			return kerrors.PersistenceFailure("enqueue_job", err)
		}
		return nil
	})
}

// JobExtras carries the optional fields a state transition may update
// alongside the state column itself.
type JobExtras struct {
	AssignedPrinter  *string
	RetryNotBefore   *time.Time
	RetriesRemaining *int
}

// MarkJob performs an optimistic-CAS state transition: the
// write only applies if the row's current state_version equals
// expectedVersion, otherwise it returns a KindConflict error and the caller
// (a losing dispatcher) must not proceed to call the adapter.
func (s *Store) MarkJob(ctx context.Context, id string, expectedVersion int64, newState models.JobState, extras JobExtras) (models.Job, error) {
	var out models.Job
	err := s.write(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT state_version FROM jobs WHERE id = ?`, id)
		var version int64
		if err := row.Scan(&version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return kerrors.NotFound("job", id)
			}
			return kerrors.PersistenceFailure("mark_job: read version", err)
		}
		if version != expectedVersion {
			return kerrors.Conflict(fmt.Sprintf("job %s: expected version %d, found %d", id, expectedVersion, version))
		}
		setClauses := []string{"state = ?", "state_version = state_version + 1"}
		args := []any{newState}
		if extras.AssignedPrinter != nil {
			setClauses = append(setClauses, "assigned_printer = ?")
			args = append(args, nullable(*extras.AssignedPrinter))
		}
		if extras.RetryNotBefore != nil {
			setClauses = append(setClauses, "retry_not_before = ?")
			args = append(args, nullableTime(*extras.RetryNotBefore, s.clk))
		}
		if extras.RetriesRemaining != nil {
			setClauses = append(setClauses, "retries_remaining = ?")
			args = append(args, *extras.RetriesRemaining)
		}
		args = append(args, id)
		q := "UPDATE jobs SET "
		for i, c := range setClauses {
			if i > 0 {
				q += ", "
			}
			q += c
		}
		q += " WHERE id = ?"
		if _, err := tx.Exec(q, args...); err != nil {
			return kerrors.PersistenceFailure("mark_job: update", err)
		}
		j, err := scanJobRow(tx.QueryRow(`SELECT id, filename, target_printer, priority, material, file_hash,
			submitted_at, state, retries_remaining, retry_not_before, assigned_printer, metadata, state_version
			FROM jobs WHERE id = ?`, id))
		if err != nil {
			return kerrors.PersistenceFailure("mark_job: reread", err)
		}
		out = j
		return nil
	})
	return out, err
}

// JobFilter narrows ReadJobs; zero-value fields are unconstrained.
type JobFilter struct {
	States    []models.JobState
	PrinterID string
	Limit     int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (models.Job, error) {
	var j models.Job
	var targetPrinter, material, retryNotBefore, assignedPrinter sql.NullString
	var submittedAt, metaJSON string
	err := row.Scan(&j.ID, &j.Filename, &targetPrinter, &j.Priority, &material, &j.FileHash,
		&submittedAt, &j.State, &j.RetriesRemaining, &retryNotBefore, &assignedPrinter, &metaJSON, &j.StateVersion)
	if err != nil {
		return models.Job{}, err
	}
	j.TargetPrinter = targetPrinter.String
	j.Material = material.String
	j.AssignedPrinter = assignedPrinter.String
	j.SubmittedAt = parseTime(submittedAt)
	j.RetryNotBefore = parseTime(retryNotBefore.String)
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &j.Metadata)
	}
	return j, nil
}

// GetJob returns a single job by id, or a KindNotFound error.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT id, filename, target_printer, priority, material, file_hash,
		submitted_at, state, retries_remaining, retry_not_before, assigned_printer, metadata, state_version
		FROM jobs WHERE id = ?`, id)
	j, err := scanJobRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, kerrors.NotFound("job", id)
		}
		return models.Job{}, kerrors.PersistenceFailure("get_job", err)
	}
	return j, nil
}

// ReadJobs lists jobs matching filter, ordered by priority descending then
// submission time ascending then id ascending, the same ordering the
// scheduler's ready-queue selection uses.
func (s *Store) ReadJobs(ctx context.Context, filter JobFilter) ([]models.Job, error) {
	q := `SELECT id, filename, target_printer, priority, material, file_hash,
		submitted_at, state, retries_remaining, retry_not_before, assigned_printer, metadata, state_version
		FROM jobs WHERE 1=1`
	var args []any
	if len(filter.States) > 0 {
		q += " AND state IN ("
		for i, st := range filter.States {
			if i > 0 {
				q += ","
			}
			q += "?"
			args = append(args, st)
		}
		q += ")"
	}
	if filter.PrinterID != "" {
		q += " AND assigned_printer = ?"
		args = append(args, filter.PrinterID)
	}
	q += " ORDER BY priority DESC, submitted_at ASC, id ASC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kerrors.PersistenceFailure("read_jobs", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, kerrors.PersistenceFailure("read_jobs: scan", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Events -------------------------------------------------------------

// AppendEvent persists evt atomically and returns the monotonic sequence
// number assigned by SQLite's AUTOINCREMENT, satisfying the "no two events
// share the same (kind, job_id, monotonic_seq)" invariant by construction.
func (s *Store) AppendEvent(ctx context.Context, evt models.Event) (int64, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return 0, kerrors.PersistenceFailure("append_event: marshal payload", err)
	}
	var seq int64
	err = s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO events (kind, ts, printer_id, job_id, payload) VALUES (?,?,?,?,?)`,
			evt.Kind, evt.Timestamp.UTC().Format(time.RFC3339Nano), nullable(evt.PrinterID), nullable(evt.JobID), string(payload))
		if err != nil {
			return kerrors.PersistenceFailure("append_event", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return kerrors.PersistenceFailure("append_event: last insert id", err)
		}
		seq = id
		return nil
	})
	return seq, err
}

// RecentEvents returns up to limit most recent events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT seq, kind, ts, printer_id, job_id, payload FROM events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, kerrors.PersistenceFailure("recent_events", err)
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var e models.Event
		var ts string
		var printerID, jobID sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.Kind, &ts, &printerID, &jobID, &payload); err != nil {
			return nil, kerrors.PersistenceFailure("recent_events: scan", err)
		}
		e.Timestamp = parseTime(ts)
		e.PrinterID = printerID.String
		e.JobID = jobID.String
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Outcomes -------------------------------------------------------------

// OutcomeSettings carries the optional print-settings values checked against
// hard safety ceilings before an outcome is written.
type OutcomeSettings struct {
	HotendC      *float64
	BedC         *float64
	SpeedMMPerS  *float64
}

const (
	maxOutcomeHotendC = 320.0
	maxOutcomeBedC    = 140.0
	maxOutcomeSpeed   = 500.0
)

// RecordOutcome validates settings against hard physical ceilings before
// writing; a violation returns KindSafetyViolation and the row is not
// written.
func (s *Store) RecordOutcome(ctx context.Context, outcome models.JobOutcome, settings OutcomeSettings) error {
	if settings.HotendC != nil && *settings.HotendC > maxOutcomeHotendC {
		return kerrors.SafetyViolation("outcome hotend exceeds hard ceiling",
			map[string]any{"hotend_c": *settings.HotendC, "max": maxOutcomeHotendC})
	}
	if settings.BedC != nil && *settings.BedC > maxOutcomeBedC {
		return kerrors.SafetyViolation("outcome bed exceeds hard ceiling",
			map[string]any{"bed_c": *settings.BedC, "max": maxOutcomeBedC})
	}
	if settings.SpeedMMPerS != nil && *settings.SpeedMMPerS > maxOutcomeSpeed {
		return kerrors.SafetyViolation("outcome speed exceeds hard ceiling",
			map[string]any{"speed_mm_s": *settings.SpeedMMPerS, "max": maxOutcomeSpeed})
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO outcomes
			(job_id, printer_id, result, quality_grade, failure_mode, duration_seconds, file_hash, material, recorded_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			outcome.JobID, outcome.PrinterID, outcome.Result, nullable(outcome.QualityGrade),
			nullable(outcome.FailureMode), outcome.DurationSeconds, outcome.FileHash, nullable(outcome.Material),
			outcome.RecordedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return kerrors.PersistenceFailure("record_outcome", err)
		}
		return nil
	})
}

// RoutingStats aggregates historical outcomes for history-aware routing.
// An empty file_hash or material matches only rows with the same
// empty value, i.e. the caller decides the key's granularity.
func (s *Store) RoutingStats(ctx context.Context, printerID, fileHash, material string) (models.RoutingStats, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT
			SUM(CASE WHEN result = 'SUCCESS' THEN 1 ELSE 0 END),
			SUM(CASE WHEN result IN ('FAILED','CANCELLED') THEN 1 ELSE 0 END),
			COUNT(*)
		FROM outcomes WHERE printer_id = ? AND file_hash = ? AND COALESCE(material, '') = ?`,
		printerID, fileHash, material)
	var successes, failures, total sql.NullInt64
	if err := row.Scan(&successes, &failures, &total); err != nil {
		return models.RoutingStats{}, kerrors.PersistenceFailure("routing_stats", err)
	}
	return models.RoutingStats{
		Successes: int(successes.Int64),
		Failures:  int(failures.Int64),
		Total:     int(total.Int64),
	}, nil
}

// --- Audit -------------------------------------------------------------

// AppendAudit computes the chained HMAC over (seq || prev_hmac || fields)
// using internal/audit and persists the sealed record. Seq allocation and
// HMAC sealing happen inside the same write transaction on the single
// writer goroutine, so two concurrent callers can never compute against
// the same prev_hmac.
func (s *Store) AppendAudit(ctx context.Context, actorID, toolName string, params map[string]any, resultKind string) (models.AuditRecord, error) {
	digest := audit.Digest(params)
	ts := isoNow(s.clk)
	var out models.AuditRecord
	err := s.write(ctx, func(tx *sql.Tx) error {
		var seq int64
		var prevHMAC string
		row := tx.QueryRow(`SELECT seq, hmac_hex FROM audit_log ORDER BY seq DESC LIMIT 1`)
		switch err := row.Scan(&seq, &prevHMAC); {
		case errors.Is(err, sql.ErrNoRows):
			seq = 0
			prevHMAC = audit.Genesis
		case err != nil:
			return kerrors.PersistenceFailure("append_audit: read tail", err)
		default:
			seq++
		}
		fields := audit.Fields{Seq: seq, Timestamp: ts, ActorID: actorID, ToolName: toolName,
			ParametersDigest: digest, ResultKind: resultKind}
		hmacHex := audit.Seal(s.hmacKey, prevHMAC, fields)
		if _, err := tx.Exec(`INSERT INTO audit_log (seq, ts, actor, tool, params_digest, result_kind, hmac_hex, prev_hmac_hex)
			VALUES (?,?,?,?,?,?,?,?)`, seq, ts, actorID, toolName, digest, resultKind, hmacHex, prevHMAC); err != nil {
			return kerrors.PersistenceFailure("append_audit", err)
		}
		out = models.AuditRecord{Seq: seq, Timestamp: parseTime(ts), ActorID: actorID, ToolName: toolName,
			ParametersDigest: digest, ResultKind: resultKind, HMACHex: hmacHex, PrevHMACHex: prevHMAC}
		return nil
	})
	return out, err
}

// VerifyAudit replays the entire chain and reports the first broken link.
func (s *Store) VerifyAudit(ctx context.Context) (audit.VerifyReport, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT seq, ts, actor, tool, params_digest, result_kind, hmac_hex, prev_hmac_hex FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return audit.VerifyReport{}, kerrors.PersistenceFailure("verify_audit", err)
	}
	defer rows.Close()
	var recs []audit.Record
	for rows.Next() {
		var r audit.Record
		if err := rows.Scan(&r.Seq, &r.Timestamp, &r.ActorID, &r.ToolName, &r.ParametersDigest, &r.ResultKind, &r.HMACHex, &r.PrevHMACHex); err != nil {
			return audit.VerifyReport{}, kerrors.PersistenceFailure("verify_audit: scan", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return audit.VerifyReport{}, kerrors.PersistenceFailure("verify_audit: rows", err)
	}
	return audit.VerifyChain(s.hmacKey, recs), nil
}

// --- Webhook subscriptions ------------------------------------------------

// RegisterWebhook persists a validated subscription, replacing any prior
// row with the same id so declarative re-registration is idempotent.
func (s *Store) RegisterWebhook(ctx context.Context, sub models.WebhookSubscription) error {
	kinds, err := json.Marshal(sub.EventKinds)
	if err != nil {
		return kerrors.PersistenceFailure("register_webhook: marshal kinds", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO webhooks (id, url, event_kinds, secret, created_at) VALUES (?,?,?,?,?)`,
			sub.ID, sub.URL, string(kinds), nullable(sub.Secret), sub.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return kerrors.PersistenceFailure("register_webhook", err)
		}
		return nil
	})
}

// ListWebhooks returns every registered subscription.
func (s *Store) ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT id, url, event_kinds, secret, created_at FROM webhooks`)
	if err != nil {
		return nil, kerrors.PersistenceFailure("list_webhooks", err)
	}
	defer rows.Close()
	var out []models.WebhookSubscription
	for rows.Next() {
		var sub models.WebhookSubscription
		var kinds string
		var secret sql.NullString
		var createdAt string
		if err := rows.Scan(&sub.ID, &sub.URL, &kinds, &secret, &createdAt); err != nil {
			return nil, kerrors.PersistenceFailure("list_webhooks: scan", err)
		}
		_ = json.Unmarshal([]byte(kinds), &sub.EventKinds)
		sub.Secret = secret.String
		sub.CreatedAt = parseTime(createdAt)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeleteWebhook removes a subscription by id. Not an error if absent.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM webhooks WHERE id = ?`, id); err != nil {
			return kerrors.PersistenceFailure("delete_webhook", err)
		}
		return nil
	})
}
