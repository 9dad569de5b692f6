package service

import "github.com/verisol/verify-api/pkg/models"

// ValidationError reports bad or missing input, rejected before any
// store interaction. Its message is safe to show to clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError reports that the fingerprint is already claimed or
// resolved. This is a normal dedup outcome, not a failure. Outcome is
// non-nil when the existing job completed; nil means the job is still
// in flight.
type ConflictError struct {
	Outcome *models.VerifiedBuild
}

func (e *ConflictError) Error() string { return "we have already processed this request" }

// StoreError wraps a record-store failure. The cause is logged
// internally; clients only ever see a generic message.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return "unexpected error occurred" }
func (e *StoreError) Unwrap() error { return e.Err }

// VerifierError wraps a failed build-and-compare run. The cause is
// logged internally; clients only ever see a generic message.
type VerifierError struct {
	Err error
}

func (e *VerifierError) Error() string { return "unexpected error occurred" }
func (e *VerifierError) Unwrap() error { return e.Err }
