package agentmodel

import "errors"

// Sentinel error kinds, matching spec's closed set for the registry & data
// model domain. Wrapped with fmt.Errorf("...: %w", ...) and tested with
// errors.Is by callers, per the teacher's pkg/queue/pkg/services convention.
var (
	ErrNotFound            = errors.New("not_found")
	ErrAlreadyExists       = errors.New("already_exists")
	ErrInvariantViolation  = errors.New("invariant_violation")
	ErrCapacityExceeded    = errors.New("capacity_exceeded")
)
