// Package apperr holds the sentinel errors the emulator services return.
// Handlers map them onto HTTP status codes.
package apperr

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInvalid     = errors.New("invalid request")
	ErrForbidden   = errors.New("forbidden")
	ErrUnsupported = errors.New("not supported by this backend version")
)
