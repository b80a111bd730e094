package submission

import (
	"errors"
	"fmt"
)

var (
	// ErrPaidNotRecorded matches every failure that happens after payment was captured.
	ErrPaidNotRecorded = errors.New("submission: paid but not recorded")
	// ErrAmountMismatch means the items no longer price to the authorized amount.
	ErrAmountMismatch = errors.New("submission: total differs from authorized amount")
	// ErrNoItems rejects an empty submission.
	ErrNoItems = errors.New("submission: no line items")
	// ErrMissingProof rejects a submission without a payment proof.
	ErrMissingProof = errors.New("submission: payment proof is required")
)

// PaidNotRecordedError carries what support needs to reconcile a captured
// payment that has no order behind it.
type PaidNotRecordedError struct {
	ProofID string
	Amount  int64
	Cause   error
}

func (e *PaidNotRecordedError) Error() string {
	return fmt.Sprintf("payment %s was captured but the order was not recorded: %v", e.ProofID, e.Cause)
}

// Unwrap exposes both ErrPaidNotRecorded and the underlying cause.
func (e *PaidNotRecordedError) Unwrap() []error {
	return []error{ErrPaidNotRecorded, e.Cause}
}
