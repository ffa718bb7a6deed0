// Package resilience provides the pipeline error taxonomy, retry with
// backoff, and dead-letter bookkeeping for stage consumers.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorClass partitions failures by how the pipeline must react to them.
type ErrorClass string

const (
	// ClassTransient errors are retried and have no circuit impact.
	ClassTransient ErrorClass = "TRANSIENT"
	// ClassValidation errors are never retried; the job dead-letters.
	ClassValidation ErrorClass = "VALIDATION"
	// ClassAuth errors open the global circuit. Not retried.
	ClassAuth ErrorClass = "AUTH"
	// ClassQuota errors open the global circuit. Not retried.
	ClassQuota ErrorClass = "QUOTA"
	// ClassContent errors are not retried and count toward the source's
	// cooldown streak.
	ClassContent ErrorClass = "CONTENT"
	// ClassInternal errors are retried once, then alerted.
	ClassInternal ErrorClass = "INTERNAL"
)

// TripsCircuit reports whether this class is a systemic failure that must
// open the global circuit. Only AUTH and QUOTA qualify — every other class
// is attributed to exactly one source.
func (c ErrorClass) TripsCircuit() bool {
	return c == ClassAuth || c == ClassQuota
}

// Retryable reports whether a stage may re-attempt a job that failed with
// this class. INTERNAL is retryable exactly once; the stage enforces that.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassInternal
}

// MaxAttemptsFor caps retries per class against the stage default.
func (c ErrorClass) MaxAttemptsFor(stageMax int) int {
	switch c {
	case ClassInternal:
		return 2
	case ClassTransient:
		return stageMax
	default:
		return 1
	}
}

// ClassedError attaches an ErrorClass to an underlying error.
type ClassedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassedError) Unwrap() error {
	return e.Err
}

// WithClass wraps err with an explicit error class.
func WithClass(class ErrorClass, err error) *ClassedError {
	return &ClassedError{Class: class, Err: err}
}

// Classify determines the error class for err. Explicit ClassedError wins;
// otherwise network-level transient patterns map to TRANSIENT and everything
// else is INTERNAL.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var ce *ClassedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if isNetworkTransient(err) {
		return ClassTransient
	}

	return ClassInternal
}

func isNetworkTransient(err error) bool {
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

// ClassFromHTTPStatus maps an HTTP status code from an upstream provider to
// an error class.
func ClassFromHTTPStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ClassAuth
	case statusCode == 402:
		return ClassQuota
	case statusCode == 429:
		// Rate limiting is transient; quota exhaustion arrives as 402 or in
		// the response body and is classified by the caller.
		return ClassTransient
	case statusCode >= 500:
		return ClassTransient
	case statusCode >= 400:
		return ClassValidation
	default:
		return ""
	}
}

// IsRetryable is the retry predicate used by stage consumers.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
