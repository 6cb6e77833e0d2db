package core

import (
	"errors"
	"fmt"
)

// RejectReason classifies why an inbound payload failed verification.
// Reasons surface as log fields and metrics, never as user-facing errors.
type RejectReason string

const (
	RejectInvalidSignature RejectReason = "invalid_signature"
	RejectExpiredProof     RejectReason = "expired_proof"
	RejectUnsupportedRail  RejectReason = "unsupported_rail"
	RejectMalformedPayload RejectReason = "malformed_payload"
)

// VerificationError is returned by verifiers for payloads that must not be
// retried with the same bytes.
type VerificationError struct {
	Reason RejectReason
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("verification failed: %s", e.Reason)
	}
	return fmt.Sprintf("verification failed: %s: %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Rejection wraps err with a verification reject reason.
func Rejection(reason RejectReason, err error) *VerificationError {
	return &VerificationError{Reason: reason, Err: err}
}

var (
	// ErrMalformedEvent marks an event missing fields required for its
	// asserted status. Reported, not retried.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrVersionConflict marks an optimistic-concurrency failure on the
	// record store: the row moved between read and write.
	ErrVersionConflict = errors.New("record version conflict")

	// ErrRailUnavailable marks a transient failure reaching one rail's
	// canonical source. Retried with backoff; never mutates the record.
	ErrRailUnavailable = errors.New("rail unavailable")

	// ErrAllRailsUnavailable is returned by reconciliation when no rail
	// could be reached. Callers fall back to the local cache.
	ErrAllRailsUnavailable = errors.New("all rails unavailable")
)
