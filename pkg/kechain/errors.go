package kechain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a lookup matches zero resources.
	ErrNotFound = errors.New("kechain: not found")

	// ErrMultipleFound is returned when a single-resource lookup matches more than one.
	ErrMultipleFound = errors.New("kechain: multiple found")

	// ErrIllegalArgument reports invalid input detected before any request is sent.
	ErrIllegalArgument = errors.New("kechain: illegal argument")

	ErrForbidden        = errors.New("kechain: forbidden")
	ErrNotAuthenticated = errors.New("kechain: not authenticated")

	// ErrAPI matches every non-success server response.
	ErrAPI = errors.New("kechain: api error")

	// ErrTimeout reports a long-running backend job that did not finish in time.
	ErrTimeout = errors.New("kechain: timed out")

	// ErrValidatorConfig reports a property validator that cannot be evaluated.
	ErrValidatorConfig = errors.New("kechain: invalid validator configuration")
)

// APIError describes a non-success response from the backend.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	RequestID  string

	// Detail is the server supplied message, when the body carried one.
	Detail string
	Body   []byte
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("kechain: %s %s: %d %s", e.Method, e.URL, e.StatusCode, msg)
}

// Is maps the status code onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAPI:
		return true
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotAuthenticated:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// BatchError is returned when the server rejects a bulk call. The batch is
// treated as a whole; nothing is retried or rolled back.
type BatchError struct {
	Op   string
	Size int
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("kechain: %s: batch of %d rejected: %v", e.Op, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

func illegalArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalArgument, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func multipleFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMultipleFound, fmt.Sprintf(format, args...))
}
