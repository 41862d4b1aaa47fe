package plex

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrNotFound     = errors.New("plex: resource not found")
	ErrUnauthorized = errors.New("plex: token rejected")
	ErrClientError  = errors.New("plex: request rejected (4xx)")
	ErrUpstream     = errors.New("plex: server error (5xx)")
	ErrUnavailable  = errors.New("plex: host unreachable or transport failure")
	ErrBadResponse  = errors.New("plex: malformed response")
	ErrTimeout      = errors.New("plex: request timed out")
)

// APIError wraps a sentinel with the operation and response context.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error // nested lower-level error (e.g. net.Error)
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("plex: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}
