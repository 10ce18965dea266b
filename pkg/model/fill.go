package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Intent is the classified transaction type.
type Intent string

const (
	IntentTreasuryIssuance Intent = "TREASURY_ISSUANCE"
	IntentMarketPurchase   Intent = "MARKET_PURCHASE"
	IntentMarketSell       Intent = "MARKET_SELL"
	IntentPeerTransfer     Intent = "PEER_TRANSFER"
)

type ReservationStatus string

const (
	ReservationReserved       ReservationStatus = "RESERVED"
	ReservationPaymentPending ReservationStatus = "PAYMENT_PENDING"
	ReservationConfirmed      ReservationStatus = "CONFIRMED"
	ReservationExpired        ReservationStatus = "EXPIRED"
	ReservationReleased       ReservationStatus = "RELEASED"
)

// Holding reports whether the reservation still holds listing inventory.
func (s ReservationStatus) Holding() bool {
	return s == ReservationReserved || s == ReservationPaymentPending || s == ReservationConfirmed
}

// Fill is one allocation decision. When ListingID is set it doubles as the
// MatchReservation holding Amount out of the listing until ExpiresAt.
type Fill struct {
	MatchID   string            `json:"match_id"`
	EventID   string            `json:"event_id"`
	BuyerID   string            `json:"buyer_id"`
	SellerID  string            `json:"seller_id"`
	Amount    int64             `json:"amount"`
	ListingID string            `json:"listing_id,omitempty"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// LeaseExpired reports whether an unconfirmed reservation's lease has elapsed.
func (f *Fill) LeaseExpired(now time.Time) bool {
	if f.ExpiresAt.IsZero() {
		return false
	}
	unconfirmed := f.Status == ReservationReserved || f.Status == ReservationPaymentPending
	return unconfirmed && now.After(f.ExpiresAt)
}

// LegKind distinguishes what a settlement leg moves.
type LegKind string

const (
	LegFill   LegKind = "fill"
	LegEscrow LegKind = "escrow" // seller inventory locked into the liquidity pool for a listing
)

// Leg is one unit of settlement: one journal posting plus one custodian call.
type Leg struct {
	MatchID   string          `json:"match_id"`
	Kind      LegKind         `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    int64           `json:"amount"`
	ListingID string          `json:"listing_id,omitempty"`
	GrossCash decimal.Decimal `json:"gross_cash"`
	FeeCash   decimal.Decimal `json:"fee_cash"`
	SellerID  string          `json:"seller_id,omitempty"`
	BuyerID   string          `json:"buyer_id,omitempty"`
}

// IdempotencyKey derives the per-leg key used against the ledger and custodian.
func IdempotencyKey(eventID, matchID string) string {
	return eventID + ":" + matchID
}
