package matching

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Checker-Finance/settlement/pkg/model"
)

var (
	ErrListingNotFound     = errors.New("listing not found")
	ErrListingExpired      = errors.New("listing expired")
	ErrListingInactive     = errors.New("listing not active")
	ErrListingInsufficient = errors.New("listing insufficient")
	ErrSelfTrade           = errors.New("buyer is the listing seller")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrInvalidTransition   = errors.New("invalid reservation transition")
	// ErrConflict means the listing kept changing underneath a CAS loop.
	ErrConflict = errors.New("listing version conflict")
)

// ReserveRequest asks the arena to hold inventory for one event.
type ReserveRequest struct {
	MatchID   string
	EventID   string
	BuyerID   string
	ListingID string
	Amount    int64
	Now       time.Time
	TTL       time.Duration
}

// ListingStore is the arena of listings and their reservations. Every
// change to a listing's available amount happens inside the store under
// single-writer discipline.
type ListingStore interface {
	// CreateListing is idempotent on the listing's EventID; the stored listing is returned.
	CreateListing(ctx context.Context, l *model.Listing) (*model.Listing, error)
	GetListing(ctx context.Context, listingID string) (*model.Listing, error)
	ListActive(ctx context.Context, now time.Time) ([]*model.Listing, error)
	CancelListing(ctx context.Context, listingID string) (*model.Listing, error)

	// Reserve decrements the listing and records a RESERVED hold. A second
	// call for the same EventID returns the existing hold unchanged.
	Reserve(ctx context.Context, req ReserveRequest) (*model.Fill, error)
	GetReservation(ctx context.Context, eventID string) (*model.Fill, error)
	// Transition moves a holding reservation forward. Confirming a hold whose
	// lease has elapsed at now fails with ErrReservationExpired.
	Transition(ctx context.Context, matchID string, to model.ReservationStatus, now time.Time) (*model.Fill, error)
	// Release ends a holding reservation with status to and returns its amount
	// to the listing. It reports false when the hold was already released.
	// Expiring requires an unconfirmed hold whose lease elapsed at now; any
	// other hold is left untouched and reported as not released.
	Release(ctx context.Context, matchID string, to model.ReservationStatus, now time.Time) (*model.Fill, bool, error)
	DueReservations(ctx context.Context, now time.Time, limit int) ([]*model.Fill, error)
}

var forward = map[model.ReservationStatus][]model.ReservationStatus{
	model.ReservationReserved:       {model.ReservationPaymentPending, model.ReservationConfirmed},
	model.ReservationPaymentPending: {model.ReservationConfirmed},
}

func canTransition(from, to model.ReservationStatus) bool {
	if from == to {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// fillAmount applies the partial-fill rule to a tradable listing.
func fillAmount(l *model.Listing, requested int64) (int64, error) {
	if l.AvailableAmount >= requested {
		return requested, nil
	}
	if !l.AllowPartial || l.AvailableAmount == 0 {
		return 0, ErrListingInsufficient
	}
	return l.AvailableAmount, nil
}

// checkTradable maps a listing's state at now to the matching error, if any.
func checkTradable(l *model.Listing, now time.Time) error {
	switch {
	case l.IsExpired(now) || l.Status == model.ListingExpired:
		return ErrListingExpired
	case l.Status == model.ListingFilled:
		return ErrListingInsufficient
	case !l.Tradable(now):
		return ErrListingInactive
	}
	return nil
}

// BestListing orders candidates by price, then age, then id and returns the
// first one that can serve amount at now.
func BestListing(candidates []*model.Listing, amount int64, now time.Time) *model.Listing {
	sorted := make([]*model.Listing, 0, len(candidates))
	for _, l := range candidates {
		if l == nil || checkTradable(l, now) != nil {
			continue
		}
		if _, err := fillAmount(l, amount); err != nil {
			continue
		}
		sorted = append(sorted, l)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if c := a.PricePerUnit.Cmp(b.PricePerUnit); c != 0 {
			return c < 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ListingID < b.ListingID
	})
	if len(sorted) == 0 {
		return nil
	}
	return sorted[0]
}
