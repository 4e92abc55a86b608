package kiln

import "github.com/kiln-systems/kiln/internal/kerrors"

// ErrorKind and Error are re-exported from internal/kerrors so every
// internal package (adapters, store, scheduler, webhook dispatcher) can
// construct and classify the same structured failure value the public API
// returns, without importing this package and creating a cycle.
type ErrorKind = kerrors.ErrorKind

type Error = kerrors.Error

const (
	KindTransport          = kerrors.KindTransport
	KindTimeout            = kerrors.KindTimeout
	KindAuth               = kerrors.KindAuth
	KindLimitExceeded      = kerrors.KindLimitExceeded
	KindValidationRejected = kerrors.KindValidationRejected
	KindPreflightFailed    = kerrors.KindPreflightFailed
	KindNotIdle            = kerrors.KindNotIdle
	KindNotActive          = kerrors.KindNotActive
	KindInvalidState       = kerrors.KindInvalidState
	KindFileMissing        = kerrors.KindFileMissing
	KindPathEscape         = kerrors.KindPathEscape
	KindTooLarge           = kerrors.KindTooLarge
	KindSafetyViolation    = kerrors.KindSafetyViolation
	KindStartUnconfirmed   = kerrors.KindStartUnconfirmed
	KindSSRFBlocked        = kerrors.KindSSRFBlocked
	KindPersistenceFailure = kerrors.KindPersistenceFailure
	KindUnsupported        = kerrors.KindUnsupported
	KindConflict           = kerrors.KindConflict
	KindNotFound           = kerrors.KindNotFound
	KindBatchTooLarge      = kerrors.KindBatchTooLarge
)

// KindOf extracts the ErrorKind from err, returning "" if err is nil or not
// a *Error.
func KindOf(err error) ErrorKind { return kerrors.KindOf(err) }

// Transport wraps a low-level transport failure as a KindTransport error.
func Transport(cause error) *Error { return kerrors.Transport(cause) }

// Timeout wraps a context-deadline or explicit operation timeout.
func Timeout(op string, cause error) *Error { return kerrors.Timeout(op, cause) }

// PreflightFailed reports a specific failed preflight check and the value
// observed
func PreflightFailed(check string, observed any) *Error { return kerrors.PreflightFailed(check, observed) }

// SafetyViolation reports why an outcome or guarded call was rejected for
// exceeding a hard physical limit.
func SafetyViolation(reason string, details map[string]any) *Error {
	return kerrors.SafetyViolation(reason, details)
}

// SSRFBlocked reports a webhook URL rejected by the SSRF guard.
func SSRFBlocked(url string, resolvedIP string) *Error { return kerrors.SSRFBlocked(url, resolvedIP) }

// PersistenceFailure wraps a storage-layer error; callers must not treat the
// originating operation as complete.
func PersistenceFailure(op string, cause error) *Error { return kerrors.PersistenceFailure(op, cause) }

// Unsupported reports that an adapter does not implement an optional
// capability; callers should treat this as a capability signal, not an
// error.
func Unsupported(op string) *Error { return kerrors.Unsupported(op) }

// Conflict reports a lost optimistic-concurrency race.
func Conflict(msg string) *Error { return kerrors.Conflict(msg) }

// NotFound reports a missing job, printer, or webhook subscription.
func NotFound(kind, id string) *Error { return kerrors.NotFound(kind, id) }

// Simple constructs a bare Error of the given kind with no details.
func Simple(kind ErrorKind, msg string) *Error { return kerrors.Simple(kind, msg) }
