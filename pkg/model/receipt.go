package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReceiptStatus string

const (
	ReceiptCompleted ReceiptStatus = "COMPLETED"
	ReceiptFailed    ReceiptStatus = "FAILED"
)

// ReceiptError is the structured failure carried on FAILED receipts.
type ReceiptError struct {
	Stage   Stage  `json:"stage"`
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

// BalanceDelta is the net effect on one account in one currency.
type BalanceDelta struct {
	Account  string          `json:"account"`
	Currency string          `json:"currency"`
	Delta    decimal.Decimal `json:"delta"`
}

// FeeBreakdown itemizes cash charged on the settlement.
type FeeBreakdown struct {
	Gross       decimal.Decimal `json:"gross"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	Net         decimal.Decimal `json:"net"`
	FeeBps      int             `json:"fee_bps"`
}

// Receipt is the canonical, immutable summary of one event's lifecycle.
// It is the only artifact exposed to reporting.
type Receipt struct {
	EventID       string              `json:"event_id"`
	Intent        Intent              `json:"intent,omitempty"`
	Status        ReceiptStatus       `json:"status"`
	Amount        int64               `json:"amount"`
	ListingID     string              `json:"listing_id,omitempty"`
	BalanceDeltas []BalanceDelta      `json:"balance_deltas,omitempty"`
	Fills         []Fill              `json:"fills,omitempty"`
	Payment       *VerificationResult `json:"payment,omitempty"`
	Fees          FeeBreakdown        `json:"fees"`
	Postings      []string            `json:"postings,omitempty"`
	Transfers     []string            `json:"transfers,omitempty"`
	Timestamps    map[Stage]time.Time `json:"timestamps"`
	Error         *ReceiptError       `json:"error,omitempty"`
	ComposedAt    time.Time           `json:"composed_at"`
}

// Terminal reports whether the receipt ended the event's lifecycle.
func (r *Receipt) Terminal() bool {
	return r != nil && (r.Status == ReceiptCompleted || r.Status == ReceiptFailed)
}
