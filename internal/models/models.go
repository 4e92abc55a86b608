// Package models holds the data types shared across Kiln's core subsystems:
// printer identity and state, safety profiles, jobs, outcomes, events, audit
// records, and webhook subscriptions. Types here are persisted, serialized to
// JSON for events/webhooks, and passed between the scheduler and adapters, so
// field changes are additive wherever possible.
package models

import (
	"time"
)

// PrinterId is an opaque identifier binding a human-assigned name to the
// backend family that was declared at registration. It never changes after
// registration; re-registering under the same name replaces the adapter but
// keeps routing history keyed by this id.
type PrinterId struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

func (p PrinterId) String() string { return p.Name }

// PrinterCapabilities is declared by an adapter at construction time and never
// changes for the adapter's lifetime.
type PrinterCapabilities struct {
	CanSetTemp        bool   `json:"can_set_temp"`
	CanSendGCode      bool   `json:"can_send_gcode"`
	CanSnapshot       bool   `json:"can_snapshot"`
	CanUpdateFirmware bool   `json:"can_update_firmware"`
	DeviceType        string `json:"device_type"`
}

// PrinterStatus is the normalized status enum every backend state maps to.
type PrinterStatus string

const (
	StatusIdle     PrinterStatus = "IDLE"
	StatusPrinting PrinterStatus = "PRINTING"
	StatusPaused   PrinterStatus = "PAUSED"
	StatusError    PrinterStatus = "ERROR"
	StatusOffline  PrinterStatus = "OFFLINE"
	StatusBusy     PrinterStatus = "BUSY"
	StatusUnknown  PrinterStatus = "UNKNOWN"
)

// Temperature is an {actual, target} pair. A nil pointer to Temperature means
// "unknown"; never use 0 as a sentinel, since 0 °C is a valid chamber reading.
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// PrinterState is the normalized snapshot returned by an adapter's status poll.
type PrinterState struct {
	Status          PrinterStatus  `json:"status"`
	ToolTemps       []Temperature  `json:"tool_temps,omitempty"`
	BedTemp         *Temperature   `json:"bed_temp,omitempty"`
	ChamberTemp     *Temperature   `json:"chamber_temp,omitempty"`
	JobProgress     *float64       `json:"job_progress,omitempty"`
	ElapsedSeconds  *int64         `json:"elapsed_seconds,omitempty"`
	RemainingSeconds *int64        `json:"remaining_seconds,omitempty"`
	FileName        string         `json:"file_name,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ObservedAt      time.Time      `json:"observed_at"`
}

// PrinterFile is a file entry as reported by an adapter's list_files call.
type PrinterFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// SafetyProfile is the per-printer-model record of physical limits, loaded
// from a bundled, read-only dataset keyed by profile id.
type SafetyProfile struct {
	ID                    string   `json:"id"`
	MaxHotendC            float64  `json:"max_hotend_c"`
	MaxBedC               float64  `json:"max_bed_c"`
	MaxChamberC           float64  `json:"max_chamber_c"`
	MaxFeedrateMMMin      float64  `json:"max_feedrate_mm_min"`
	MaxVolumetricFlowMM3S float64  `json:"max_volumetric_flow_mm3_s"`
	BuildVolumeMM3        float64  `json:"build_volume_mm3"`
	Notes                 []string `json:"notes,omitempty"`
}

// JobState is the job state machine enum.
type JobState string

const (
	JobSubmitted       JobState = "SUBMITTED"
	JobQueued          JobState = "QUEUED"
	JobDispatched      JobState = "DISPATCHED"
	JobRunning         JobState = "RUNNING"
	JobCompleted       JobState = "COMPLETED"
	JobFailed          JobState = "FAILED"
	JobFailedRetryable JobState = "FAILED_RETRYABLE"
	JobCancelled       JobState = "CANCELLED"
)

// Terminal reports whether the state is terminal given the job's remaining
// retries (FAILED is only terminal once retries are exhausted).
func (s JobState) Terminal(retriesRemaining int) bool {
	switch s {
	case JobCompleted, JobCancelled:
		return true
	case JobFailed:
		return retriesRemaining == 0
	default:
		return false
	}
}

// Job is a unit of print work. IDs are ULIDs so lexicographic order matches
// submission order, which the scheduler's tie-break rule relies on.
type Job struct {
	ID               string     `json:"id"`
	Filename         string     `json:"filename"`
	TargetPrinter    string     `json:"target_printer,omitempty"`
	Priority         int        `json:"priority"`
	Material         string     `json:"material,omitempty"`
	FileHash         string     `json:"file_hash"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	State            JobState   `json:"state"`
	RetriesRemaining int        `json:"retries_remaining"`
	RetryNotBefore   time.Time  `json:"retry_not_before,omitempty"`
	AssignedPrinter  string     `json:"assigned_printer,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	// StateVersion backs the dispatcher's optimistic CAS; not exposed on the
	// wire, only used by persistence to detect lost races.
	StateVersion int64 `json:"-"`
}

// OutcomeResult is the terminal classification of a completed job.
type OutcomeResult string

const (
	OutcomeSuccess   OutcomeResult = "SUCCESS"
	OutcomeFailed    OutcomeResult = "FAILED"
	OutcomeCancelled OutcomeResult = "CANCELLED"
	OutcomePartial   OutcomeResult = "PARTIAL"
)

// JobOutcome is a durable record of how a job finished, used for future
// routing decisions.
type JobOutcome struct {
	JobID        string        `json:"job_id"`
	PrinterID    string        `json:"printer_id"`
	Result       OutcomeResult `json:"result"`
	QualityGrade string        `json:"quality_grade,omitempty"`
	FailureMode  string        `json:"failure_mode,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	FileHash     string        `json:"file_hash"`
	Material     string        `json:"material,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Event is an append-only record flowing through the event bus and, where a
// webhook subscription matches, to external subscribers.
type Event struct {
	ID        int64                  `json:"id"`
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	PrinterID string                 `json:"printer_id,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Event kinds emitted by the core.
const (
	EventJobSubmitted        = "JOB_SUBMITTED"
	EventJobDispatched       = "JOB_DISPATCHED"
	EventPrintStarted        = "PRINT_STARTED"
	EventJobCompleted        = "JOB_COMPLETED"
	EventJobFailed           = "JOB_FAILED"
	EventJobCancelled        = "JOB_CANCELLED"
	EventHeatersAutoCooled   = "HEATERS_AUTO_COOLED"
	EventAdapterUnmappedState = "ADAPTER_UNMAPPED_STATE"
	EventWebhookOverflow     = "WEBHOOK_OVERFLOW"
	EventHealthChange        = "HEALTH_CHANGE"
)

// AuditRecord is one row of the tamper-evident, hash-chained audit log.
type AuditRecord struct {
	Seq              int64     `json:"seq"`
	Timestamp        time.Time `json:"ts"`
	ActorID          string    `json:"actor"`
	ToolName         string    `json:"tool"`
	ParametersDigest string    `json:"params_digest"`
	ResultKind       string    `json:"result_kind"`
	HMACHex          string    `json:"hmac_hex"`
	PrevHMACHex      string    `json:"prev_hmac_hex"`
}

// WebhookSubscription is a registered outbound delivery target.
type WebhookSubscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventKinds []string  `json:"event_kinds"`
	Secret     string    `json:"secret,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoutingStats aggregates historical outcomes for a (printer, file_hash,
// material) key, consumed by the scheduler's history-aware routing.
type RoutingStats struct {
	Successes int
	Failures  int
	Total     int
}
