// Package angerr defines the coordinator's error taxonomy.
//
// It follows the same shape as the domain SDK's ClientError
// (client/go/errors.go): a Kind enum, an optional wrapped Cause, and
// errors.As-friendly accessors. CoordinatorError additionally projects onto
// a gRPC status code at the service boundary (see internal/rpcerr).
package angerr

import (
	"errors"
	"fmt"
)

// Kind categorizes coordinator-side failures.
type Kind int

const (
	// ConcurrencyConflict indicates an append's expected_sequence didn't
	// match the stream's current tail.
	ConcurrencyConflict Kind = iota
	// StorageUnavailable indicates a transient failure talking to the
	// event log or a projection/snapshot store.
	StorageUnavailable
	// StorageCorrupt indicates the event log returned data that failed
	// its own invariants (gap in sequence, undecodable page).
	StorageCorrupt
	// DomainLogicUnavailable indicates the gRPC call to an
	// aggregate/saga/process-manager/projector/upcaster failed at the
	// transport level.
	DomainLogicUnavailable
	// DomainLogicRejection indicates domain logic explicitly rejected a
	// command (a RevocationResponse, not a transport failure).
	DomainLogicRejection
	// InvalidCommand indicates a caller-supplied command failed basic
	// structural validation before being dispatched to domain logic.
	InvalidCommand
	// UpcastFailure indicates the upcaster pipeline could not bring a
	// stored event page forward to the current schema.
	UpcastFailure
	// CascadeDepthExceeded indicates a CASCADE sync chain exceeded
	// max_cascade_depth.
	CascadeDepthExceeded
	// CascadeCycleDetected indicates a CASCADE sync chain revisited a
	// (domain, root) pair already seen in the same correlation.
	CascadeCycleDetected
	// DeadlineExceeded indicates a bounded operation (append retry loop,
	// domain RPC) ran past its configured timeout.
	DeadlineExceeded
	// PositionRegression indicates a projector or process manager was
	// asked to process a sequence at or before its last-committed
	// position.
	PositionRegression
)

var kindNames = map[Kind]string{
	ConcurrencyConflict:     "concurrency_conflict",
	StorageUnavailable:      "storage_unavailable",
	StorageCorrupt:          "storage_corrupt",
	DomainLogicUnavailable:  "domain_logic_unavailable",
	DomainLogicRejection:    "domain_logic_rejection",
	InvalidCommand:          "invalid_command",
	UpcastFailure:           "upcast_failure",
	CascadeDepthExceeded:    "cascade_depth_exceeded",
	CascadeCycleDetected:    "cascade_cycle_detected",
	DeadlineExceeded:        "deadline_exceeded",
	PositionRegression:      "position_regression",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// CoordinatorError is the coordinator's typed error, mirroring the domain
// SDK's ClientError.
type CoordinatorError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *CoordinatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoordinatorError) Unwrap() error {
	return e.Cause
}

// New constructs a CoordinatorError with no wrapped cause.
func New(kind Kind, message string) *CoordinatorError {
	return &CoordinatorError{Kind: kind, Message: message}
}

// Wrap constructs a CoordinatorError wrapping cause.
func Wrap(kind Kind, message string, cause error) *CoordinatorError {
	return &CoordinatorError{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a CoordinatorError of the given kind.
func Is(err error, kind Kind) bool {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// As extracts a CoordinatorError from an error chain.
func As(err error) *CoordinatorError {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
