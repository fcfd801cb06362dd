package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (model-service 5xx,
// artifact-store timeout, network failure).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// FatalError wraps a non-retryable stage failure. Category is the
// user-visible reason surfaced on status reads (e.g. corrupt_image); the
// wrapped error keeps the internal detail for logs.
type FatalError struct {
	Err      error
	Category string
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal with a reason category.
func NewFatalError(err error, category string) *FatalError {
	return &FatalError{Err: err, Category: category}
}

// IsFatal reports whether the error chain contains a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// FatalCategory extracts the reason category from a fatal error chain, or ""
// if the error is not fatal.
func FatalCategory(err error) string {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// ValidationError rejects a malformed request synchronously, with no state
// change. Field names the offending input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// IsValidation reports whether the error chain contains a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Conflict errors: the caller must not retry blindly.
var (
	// ErrAlreadyRunning is returned when a pipeline run for the capture is
	// already in flight.
	ErrAlreadyRunning = errors.New("capture run already in flight")

	// ErrAlreadyResolved is returned when resolving an adjustment that is no
	// longer pending.
	ErrAlreadyResolved = errors.New("adjustment already resolved")

	// ErrLeaseHeld is returned when a redelivered job finds the capture's run
	// lease still fresh: another worker is alive and mid-run, and the job
	// should come back only after the lease can have expired.
	ErrLeaseHeld = errors.New("capture run lease still held")

	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// IsConflict reports whether err is one of the caller-conflict errors.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrAlreadyResolved)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network patterns. Fatal
// errors are never transient, whatever they wrap.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsFatal(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
