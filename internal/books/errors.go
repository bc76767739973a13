package books

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record or catalog entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when a compare-and-swap transition
	// observes a different current state than expected.
	ErrStateConflict = errors.New("state conflict")

	// ErrInvalidTransition is returned for edges outside the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnsupportedFormat is returned when a request's format is not in the
	// configured supported formats.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrCancelled is recorded when a worker observes a cancellation request.
	ErrCancelled = errors.New("cancelled")
)

// ResolutionError is returned when the source cannot produce a download URL.
type ResolutionError struct {
	ID        string
	Permanent bool
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("resolve %s: permanent: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("resolve %s: %v", e.ID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// FetchErrorKind classifies a transfer failure.
type FetchErrorKind string

const (
	FetchTimeout           FetchErrorKind = "timeout"
	FetchTruncated         FetchErrorKind = "truncated"
	FetchConnectionFailed  FetchErrorKind = "connection_failed"
	FetchHTTPStatus        FetchErrorKind = "http_status"
	FetchUnexpectedContent FetchErrorKind = "unexpected_content"
	FetchTooLarge          FetchErrorKind = "too_large"
)

// FetchError is a network-level transfer failure.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == FetchHTTPStatus:
		return fmt.Sprintf("fetch: http status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch: %s", e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError reports a downloaded file that failed validation.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %s", e.Path, e.Reason)
}

// ConversionError reports a failed conversion step.
type ConversionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("convert %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("convert %s: %s", e.Path, e.Reason)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// CapacityError rejects a request because a configured limit is reached.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s at capacity (%d)", e.Resource, e.Limit)
}

// Retryable reports whether a failure should consume another attempt rather
// than end the record in error.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var resErr *ResolutionError
	if errors.As(err, &resErr) {
		return !resErr.Permanent
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	// Post-processing failures and anything unclassified are deterministic.
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}

// Reason returns a short display string for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var resErr *ResolutionError
	if errors.As(err, &resErr) {
		if errors.Is(resErr.Err, ErrNotFound) {
			return "book not found at any source"
		}
		if resErr.Permanent {
			return "source rejected the request"
		}
		return "could not resolve a download link"
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		switch fetchErr.Kind {
		case FetchTimeout:
			return "download timed out"
		case FetchTruncated:
			return "download was truncated"
		case FetchConnectionFailed:
			return "connection failed"
		case FetchHTTPStatus:
			return fmt.Sprintf("download failed with status %d", fetchErr.StatusCode)
		case FetchUnexpectedContent:
			return "source returned a web page instead of a book"
		case FetchTooLarge:
			return "download exceeded the size limit"
		}
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return "invalid file: " + valErr.Reason
	}
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return "conversion failed: " + convErr.Reason
	}
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return capErr.Error()
	}
	if errors.Is(err, ErrUnsupportedFormat) {
		return "unsupported format"
	}
	return err.Error()
}
