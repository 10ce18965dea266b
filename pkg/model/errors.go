package model

import (
	"errors"
	"fmt"
)

// Stage names a step of the per-event state machine.
type Stage string

const (
	StageReceived         Stage = "RECEIVED"
	StagePaymentPending   Stage = "PAYMENT_PENDING"
	StagePaymentConfirmed Stage = "PAYMENT_CONFIRMED"
	StageMatched          Stage = "MATCHED"
	StageLedgerPosted     Stage = "LEDGER_POSTED"
	StageAssetTransferred Stage = "ASSET_TRANSFERRED"
	StageReconciled       Stage = "RECONCILED"
	StageFailed           Stage = "FAILED"
)

// Reason is a machine-readable failure code carried on FAILED receipts.
type Reason string

const (
	ReasonInvalidRequest       Reason = "invalid_request"
	ReasonAccountInactive      Reason = "account_inactive"
	ReasonIdentityUnavailable  Reason = "identity_unavailable"
	ReasonListingNotFound      Reason = "listing_not_found"
	ReasonListingInsufficient  Reason = "listing_insufficient"
	ReasonListingExpired       Reason = "listing_expired"
	ReasonListingInactive      Reason = "listing_inactive"
	ReasonAmountBelowMinimum   Reason = "amount_below_minimum"
	ReasonReservationExpired   Reason = "reservation_expired"
	ReasonMatchingUnavailable  Reason = "matching_unavailable"
	ReasonLedgerUnbalanced     Reason = "ledger_unbalanced"
	ReasonLedgerUnavailable    Reason = "ledger_unavailable"
	ReasonVaultUnavailable     Reason = "vault_unavailable"
	ReasonPolicyDenied         Reason = "policy_denied"
	ReasonInsufficientBalance  Reason = "insufficient_balance"
	ReasonConsentTimeout       Reason = "consent_timeout"
	ReasonConsentRejected      Reason = "consent_rejected"
	ReasonCustodianUnavailable Reason = "custodian_unavailable"
	ReasonOracleMismatch       Reason = "oracle_mismatch"
	ReasonOracleUnavailable    Reason = "oracle_unavailable"
	ReasonDeliveryExhausted    Reason = "delivery_exhausted"
	ReasonStoreUnavailable     Reason = "store_unavailable"
)

// PaymentReason lifts a verification failure into the receipt reason space.
func PaymentReason(r FailureReason) Reason {
	return Reason(r)
}

// PipelineError is the typed failure every stage surfaces.
// Retryable errors are retried within the stage's bounds; all others
// terminate the event with a FAILED receipt.
type PipelineError struct {
	Stage     Stage
	Reason    Reason
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Permanent builds a non-retryable pipeline error.
func Permanent(stage Stage, reason Reason, err error) error {
	return &PipelineError{Stage: stage, Reason: reason, Err: err}
}

// Transient builds a retryable pipeline error.
func Transient(stage Stage, reason Reason, err error) error {
	return &PipelineError{Stage: stage, Reason: reason, Retryable: true, Err: err}
}

// AsPipelineError extracts a *PipelineError from err's chain.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err should be retried. Errors exposing
// Temporary() are trusted; anything else unclassified is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := AsPipelineError(err); ok {
		return pe.Retryable
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}
