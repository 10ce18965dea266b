package matching

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Checker-Finance/settlement/pkg/model"
)

type listingSlot struct {
	mu sync.Mutex // single writer for this listing and its reservations
	l  model.Listing
}

// MemoryArena keeps listings in process. Used for single-process runs and tests.
type MemoryArena struct {
	mu           sync.RWMutex // guards the maps below, never held across a slot lock acquisition
	listings     map[string]*listingSlot
	listingByEvt map[string]string
	reservations map[string]*model.Fill // by match id
	resByEvent   map[string]string
}

func NewMemoryArena() *MemoryArena {
	return &MemoryArena{
		listings:     make(map[string]*listingSlot),
		listingByEvt: make(map[string]string),
		reservations: make(map[string]*model.Fill),
		resByEvent:   make(map[string]string),
	}
}

func (a *MemoryArena) slot(listingID string) (*listingSlot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.listings[listingID]
	return s, ok
}

func (a *MemoryArena) CreateListing(ctx context.Context, l *model.Listing) (*model.Listing, error) {
	a.mu.Lock()
	id, exists := a.listingByEvt[l.EventID]
	if !exists {
		a.listings[l.ListingID] = &listingSlot{l: *l}
		a.listingByEvt[l.EventID] = l.ListingID
	}
	a.mu.Unlock()
	if exists {
		return a.GetListing(ctx, id)
	}
	out := *l
	return &out, nil
}

func (a *MemoryArena) GetListing(_ context.Context, listingID string) (*model.Listing, error) {
	s, ok := a.slot(listingID)
	if !ok {
		return nil, ErrListingNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.l
	return &out, nil
}

func (a *MemoryArena) ListActive(_ context.Context, now time.Time) ([]*model.Listing, error) {
	a.mu.RLock()
	slots := make([]*listingSlot, 0, len(a.listings))
	for _, s := range a.listings {
		slots = append(slots, s)
	}
	a.mu.RUnlock()

	var out []*model.Listing
	for _, s := range slots {
		s.mu.Lock()
		if s.l.Tradable(now) && s.l.AvailableAmount > 0 {
			l := s.l
			out = append(out, &l)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

func (a *MemoryArena) CancelListing(_ context.Context, listingID string) (*model.Listing, error) {
	s, ok := a.slot(listingID)
	if !ok {
		return nil, ErrListingNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l.Status != model.ListingCancelled {
		s.l.Status = model.ListingCancelled
		s.l.Version++
	}
	out := s.l
	return &out, nil
}

func (a *MemoryArena) Reserve(_ context.Context, req ReserveRequest) (*model.Fill, error) {
	s, ok := a.slot(req.ListingID)
	if !ok {
		return nil, ErrListingNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := a.byEvent(req.EventID); existing != nil {
		return existing, nil
	}
	if req.BuyerID == s.l.SellerID {
		return nil, ErrSelfTrade
	}
	if err := checkTradable(&s.l, req.Now); err != nil {
		return nil, err
	}
	amount, err := fillAmount(&s.l, req.Amount)
	if err != nil {
		return nil, err
	}

	s.l.AvailableAmount -= amount
	s.l.Status = s.l.StatusFor(s.l.AvailableAmount)
	s.l.Version++

	f := &model.Fill{
		MatchID:   req.MatchID,
		EventID:   req.EventID,
		BuyerID:   req.BuyerID,
		SellerID:  s.l.SellerID,
		Amount:    amount,
		ListingID: s.l.ListingID,
		Status:    model.ReservationReserved,
		CreatedAt: req.Now,
		ExpiresAt: req.Now.Add(req.TTL),
	}
	a.mu.Lock()
	a.reservations[f.MatchID] = f
	a.resByEvent[f.EventID] = f.MatchID
	a.mu.Unlock()

	out := *f
	return &out, nil
}

func (a *MemoryArena) byEvent(eventID string) *model.Fill {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.resByEvent[eventID]
	if !ok {
		return nil
	}
	out := *a.reservations[id]
	return &out
}

func (a *MemoryArena) GetReservation(_ context.Context, eventID string) (*model.Fill, error) {
	if f := a.byEvent(eventID); f != nil {
		return f, nil
	}
	return nil, ErrReservationNotFound
}

// lockReservation locks the owning listing and returns the live reservation.
func (a *MemoryArena) lockReservation(matchID string) (*model.Fill, *listingSlot, error) {
	a.mu.RLock()
	f, ok := a.reservations[matchID]
	var listingID string
	if ok {
		listingID = f.ListingID
	}
	a.mu.RUnlock()
	if !ok {
		return nil, nil, ErrReservationNotFound
	}
	s, ok := a.slot(listingID)
	if !ok {
		return nil, nil, ErrListingNotFound
	}
	s.mu.Lock()
	return f, s, nil
}

func (a *MemoryArena) Transition(_ context.Context, matchID string, to model.ReservationStatus, now time.Time) (*model.Fill, error) {
	f, s, err := a.lockReservation(matchID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !canTransition(f.Status, to) {
		return nil, ErrInvalidTransition
	}
	if to == model.ReservationConfirmed && f.LeaseExpired(now) {
		return nil, ErrReservationExpired
	}
	f.Status = to
	out := *f
	return &out, nil
}

func (a *MemoryArena) Release(_ context.Context, matchID string, to model.ReservationStatus, now time.Time) (*model.Fill, bool, error) {
	f, s, err := a.lockReservation(matchID)
	if err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()

	a.mu.Lock()
	if !f.Status.Holding() || (to == model.ReservationExpired && !f.LeaseExpired(now)) {
		out := *f
		a.mu.Unlock()
		return &out, false, nil
	}
	f.Status = to
	out := *f
	a.mu.Unlock()

	s.l.AvailableAmount += f.Amount
	if s.l.Status == model.ListingActive || s.l.Status == model.ListingPartiallyFilled || s.l.Status == model.ListingFilled {
		s.l.Status = s.l.StatusFor(s.l.AvailableAmount)
	}
	s.l.Version++
	return &out, true, nil
}

func (a *MemoryArena) DueReservations(_ context.Context, now time.Time, limit int) ([]*model.Fill, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*model.Fill
	for _, f := range a.reservations {
		if f.LeaseExpired(now) {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
