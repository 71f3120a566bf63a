package domain

import (
	"errors"
	"fmt"
)

// Failure classes surfaced by ingestion and fusion
var (
	ErrFetchFailure         = errors.New("historical fetch failed")
	ErrSubscribeFailure     = errors.New("live subscription failed")
	ErrEmptyResult          = errors.New("no MAP data in range")
	ErrStaleWindow          = errors.New("no SPAT sample in window")
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrIntersectionMismatch = errors.New("data belongs to a different intersection")
)

// StreamError attributes a failure to one stream.
type StreamError struct {
	Stream StreamKind
	Kind   error
	Err    error
}

// NewStreamError wraps err under a failure class for a stream.
func NewStreamError(stream StreamKind, kind, err error) *StreamError {
	return &StreamError{Stream: stream, Kind: kind, Err: err}
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stream, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stream, e.Kind, e.Err)
}

// Unwrap exposes both the failure class and the cause to errors.Is.
func (e *StreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
