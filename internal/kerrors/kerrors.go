// Package kerrors holds the structured error type shared by every internal
// package and re-exported by the root kiln package. It lives here, rather
// than in the root package, so adapters, the store, the scheduler, and the
// webhook dispatcher can all construct and classify these errors without
// importing the root package (which imports them).
package kerrors

import "fmt"

// ErrorKind is a closed set of machine-readable failure categories.
// Kiln never switches on Go's dynamic error types across package boundaries
// for control flow; every failure a caller must branch on carries one of
// these kinds instead.
type ErrorKind string

const (
	KindTransport          ErrorKind = "TRANSPORT"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindAuth               ErrorKind = "AUTH"
	KindLimitExceeded      ErrorKind = "LIMIT_EXCEEDED"
	KindValidationRejected ErrorKind = "VALIDATION_REJECTED"
	KindPreflightFailed    ErrorKind = "PREFLIGHT_FAILED"
	KindNotIdle            ErrorKind = "NOT_IDLE"
	KindNotActive          ErrorKind = "NOT_ACTIVE"
	KindInvalidState       ErrorKind = "INVALID_STATE"
	KindFileMissing        ErrorKind = "FILE_MISSING"
	KindPathEscape         ErrorKind = "PATH_ESCAPE"
	KindTooLarge           ErrorKind = "TOO_LARGE"
	KindSafetyViolation    ErrorKind = "SAFETY_VIOLATION"
	KindStartUnconfirmed   ErrorKind = "START_UNCONFIRMED"
	KindSSRFBlocked        ErrorKind = "SSRF_BLOCKED"
	KindPersistenceFailure ErrorKind = "PERSISTENCE_FAILURE"
	KindUnsupported        ErrorKind = "UNSUPPORTED"
	KindConflict           ErrorKind = "CONFLICT"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindBatchTooLarge      ErrorKind = "BATCH_TOO_LARGE"
)

// Error is the structured failure value every Kiln operation returns instead
// of ad-hoc error strings. Details is a bag of observed values (e.g. the
// specific preflight check that failed and what was observed) the caller can
// render without parsing Message.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from err, returning "" if err is nil or not
// an *Error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if ke, ok := err.(*Error); ok {
		return ke.Kind
	}
	return ""
}

func New(kind ErrorKind, msg string, cause error, details map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Details: details, cause: cause}
}

// Transport wraps a low-level transport failure (network error, non-2xx
// response, connection reset) as a KindTransport error.
func Transport(cause error) *Error {
	return New(KindTransport, "transport failure", cause, nil)
}

// Timeout wraps a context-deadline or explicit operation timeout.
func Timeout(op string, cause error) *Error {
	return New(KindTimeout, fmt.Sprintf("%s timed out", op), cause, nil)
}

// PreflightFailed reports a specific failed preflight check and the value
// observed.
func PreflightFailed(check string, observed any) *Error {
	return New(KindPreflightFailed, fmt.Sprintf("preflight check failed: %s", check), nil,
		map[string]any{"check": check, "observed": observed})
}

// SafetyViolation reports why an outcome or guarded call was rejected for
// exceeding a hard physical limit.
func SafetyViolation(reason string, details map[string]any) *Error {
	return New(KindSafetyViolation, reason, nil, details)
}

// SSRFBlocked reports a webhook URL rejected by the SSRF guard.
func SSRFBlocked(url string, resolvedIP string) *Error {
	return New(KindSSRFBlocked, "destination resolves to a reserved or private address", nil,
		map[string]any{"url": url, "resolved_ip": resolvedIP})
}

// PersistenceFailure wraps a storage-layer error; callers must not treat the
// originating operation as complete.
func PersistenceFailure(op string, cause error) *Error {
	return New(KindPersistenceFailure, fmt.Sprintf("persistence operation failed: %s", op), cause, nil)
}

// Unsupported reports that an adapter does not implement an optional
// capability; callers should treat this as a capability signal, not an
// error.
func Unsupported(op string) *Error {
	return New(KindUnsupported, fmt.Sprintf("%s is not supported by this adapter", op), nil, nil)
}

// Conflict reports a lost optimistic-concurrency race.
func Conflict(msg string) *Error {
	return New(KindConflict, msg, nil, nil)
}

// NotFound reports a missing job, printer, or webhook subscription.
func NotFound(kind, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil, map[string]any{"id": id})
}

// Simple constructs a bare Error of the given kind with no details, for the
// remaining straightforward cases (NOT_IDLE, FILE_MISSING, AUTH, ...).
func Simple(kind ErrorKind, msg string) *Error {
	return New(kind, msg, nil, nil)
}
