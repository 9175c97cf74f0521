package ow

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when OW answers 401 or 404.
var ErrNotFound = errors.New("ow: not found")

// ExternalError describes a failed OW call (5xx, unexpected status or
// transport failure).
type ExternalError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *ExternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ow %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("ow %s: unexpected status %d", e.Endpoint, e.StatusCode)
}

func (e *ExternalError) Unwrap() error { return e.Err }
