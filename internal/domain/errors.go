package domain

import "fmt"

// ValidationError rejects a malformed transaction before it enters the
// pipeline. Nothing is recorded and no event is emitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ReferenceMissingError marks reference data that could not be resolved.
// Scoring continues with degraded defaults and the event is flagged
// degraded, never failed.
type ReferenceMissingError struct {
	Kind string // "customer" or "account"
	ID   string
}

func (e *ReferenceMissingError) Error() string {
	return fmt.Sprintf("%s reference missing: %s", e.Kind, e.ID)
}

// ComputationError aborts scoring for a single transaction. No score
// event may carry a non-finite number.
type ComputationError struct {
	Stage string
	Err   error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computation failed in %s: %v", e.Stage, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// ModelUnavailableError reports a model component that could not score.
// The ensemble falls back to the remaining component with penalized
// confidence; rules still apply.
type ModelUnavailableError struct {
	Model string
	Err   error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model %s unavailable: %v", e.Model, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }
