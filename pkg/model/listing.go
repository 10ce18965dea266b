package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ListingStatus string

const (
	ListingActive          ListingStatus = "ACTIVE"
	ListingPartiallyFilled ListingStatus = "PARTIALLY_FILLED"
	ListingFilled          ListingStatus = "FILLED"
	ListingExpired         ListingStatus = "EXPIRED"
	ListingCancelled       ListingStatus = "CANCELLED"
)

// Listing is a standing sell order.
// AvailableAmount never goes negative and never exceeds TotalAmount.
type Listing struct {
	ListingID       string          `json:"listing_id"`
	SellerID        string          `json:"seller_id"`
	EventID         string          `json:"event_id"`
	TotalAmount     int64           `json:"total_amount"`
	AvailableAmount int64           `json:"available_amount"`
	PricePerUnit    decimal.Decimal `json:"price_per_unit"`
	ProceedsAddress string          `json:"proceeds_address,omitempty"`
	Chain           string          `json:"chain,omitempty"`
	AllowPartial    bool            `json:"allow_partial"`
	Status          ListingStatus   `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Version         int64           `json:"version"`
}

// IsExpired is the read-time expiry predicate.
func (l *Listing) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Tradable reports whether a new reservation may be placed against the listing.
func (l *Listing) Tradable(now time.Time) bool {
	if l.IsExpired(now) {
		return false
	}
	return l.Status == ListingActive || l.Status == ListingPartiallyFilled
}

// EffectiveStatus folds the expiry predicate into the stored status.
func (l *Listing) EffectiveStatus(now time.Time) ListingStatus {
	if l.IsExpired(now) && (l.Status == ListingActive || l.Status == ListingPartiallyFilled) {
		return ListingExpired
	}
	return l.Status
}

// StatusFor derives the stored status from the remaining amount.
func (l *Listing) StatusFor(available int64) ListingStatus {
	switch {
	case available == 0:
		return ListingFilled
	case available < l.TotalAmount:
		return ListingPartiallyFilled
	default:
		return ListingActive
	}
}
