package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Well-known logical accounts.
const (
	TreasuryAccount      = "treasury"
	LiquidityPoolAccount = "liquidity-pool"
)

// Currencies used on journal lines.
const (
	CurrencyAsset = "ASSET"
	CurrencyUSDT  = "USDT"
)

// ProofFormat tags how a payment proof string is encoded.
type ProofFormat string

const (
	ProofFormatUnknown   ProofFormat = ""
	ProofFormatTxHash    ProofFormat = "tx_hash"
	ProofFormatProcessor ProofFormat = "processor"
)

// Request is an admitted, uniquely identified transfer intent.
// It is immutable once admitted; the gateway deduplicates by (EventID, body hash).
type Request struct {
	EventID         string          `json:"event_id"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Amount          int64           `json:"amount"` // asset smallest unit
	PaymentProof    string          `json:"payment_proof,omitempty"`
	ProofFormat     ProofFormat     `json:"proof_format,omitempty"`
	ProceedsAddress string          `json:"proceeds_address,omitempty"`
	Chain           string          `json:"chain,omitempty"`
	ListingID       string          `json:"listing_id,omitempty"`
	PricePerUnit    decimal.Decimal `json:"price_per_unit"` // asking price for SELL requests
	AllowPartial    bool            `json:"allow_partial,omitempty"`

	// TreasuryDestination is the admission-time snapshot of whether To resolved
	// to the treasury role. Classification reads only this snapshot.
	TreasuryDestination bool      `json:"treasury_destination,omitempty"`
	AdmittedAt          time.Time `json:"admitted_at"`
}

// Validate checks structural invariants of an admitted request.
func (r Request) Validate() error {
	if strings.TrimSpace(r.EventID) == "" {
		return fmt.Errorf("event_id is required")
	}
	if strings.TrimSpace(r.From) == "" || strings.TrimSpace(r.To) == "" {
		return fmt.Errorf("from and to are required")
	}
	if r.From == r.To {
		return fmt.Errorf("from and to must differ")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// Parties returns the non-system accounts named on the request.
func (r Request) Parties() []string {
	var out []string
	for _, acct := range []string{r.From, r.To} {
		if !IsSystemAccount(acct) {
			out = append(out, acct)
		}
	}
	return out
}

// IsSystemAccount reports whether acct is the treasury or liquidity pool.
func IsSystemAccount(acct string) bool {
	return acct == TreasuryAccount || acct == LiquidityPoolAccount
}
