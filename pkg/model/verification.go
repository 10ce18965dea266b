package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FailureReason is the closed set of payment verification failure reasons.
type FailureReason string

const (
	ReasonNone                      FailureReason = ""
	ReasonMissingProof              FailureReason = "missing_proof"
	ReasonMalformedProof            FailureReason = "malformed_proof"
	ReasonInsufficientConfirmations FailureReason = "insufficient_confirmations"
	ReasonAmountMismatch            FailureReason = "amount_mismatch"
	ReasonNotFinalized              FailureReason = "not_finalized"
	ReasonWrongToken                FailureReason = "wrong_token"
	ReasonExpired                   FailureReason = "expired"
	ReasonVerificationError         FailureReason = "verification_error"
)

// Named sub-checks recorded on a VerificationResult.
const (
	CheckStatus          = "status"
	CheckAmountTolerance = "amount_tolerance"
	CheckCurrency        = "currency"
	CheckConfirmations   = "confirmations"
	CheckFreshness       = "freshness"
)

// VerificationResult is the outcome of checking one payment proof.
// It is never mutated after creation.
type VerificationResult struct {
	Valid             bool            `json:"valid"`
	Provider          string          `json:"provider"`
	Network           string          `json:"network"`
	Proof             string          `json:"proof"`
	ConfirmedAmount   decimal.Decimal `json:"confirmed_amount"`
	ExpectedAmount    decimal.Decimal `json:"expected_amount"`
	ConfirmationCount int             `json:"confirmation_count"`
	Checks            map[string]bool `json:"checks"`
	Reason            FailureReason   `json:"reason,omitempty"`
	PaidAt            time.Time       `json:"paid_at"`
	VerifiedAt        time.Time       `json:"verified_at"`
}

// Awaitable reports whether the failure may clear on its own with time
// (more confirmations or finality), as opposed to a proof that can never pass.
func (v *VerificationResult) Awaitable() bool {
	if v == nil || v.Valid {
		return false
	}
	return v.Reason == ReasonInsufficientConfirmations || v.Reason == ReasonNotFinalized
}
