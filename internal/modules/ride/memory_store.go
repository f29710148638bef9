package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"tarhal/internal/modules/driver"
	"tarhal/internal/types"
)

// MemoryStore is the in-process Repository. One mutex covers rides, offers
// and events; the wallet is credited while it is held.
type MemoryStore struct {
	mu     sync.Mutex
	wallet Wallet
	rides  map[types.ID]*Ride
	offers map[types.ID][]*Offer
	events map[types.ID][]Event
	nextID int64
}

func NewMemoryStore(wallet Wallet) *MemoryStore {
	return &MemoryStore{
		wallet: wallet,
		rides:  make(map[types.ID]*Ride),
		offers: make(map[types.ID][]*Offer),
		events: make(map[types.ID][]Event),
	}
}

func (s *MemoryStore) Create(_ context.Context, r *Ride, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasActiveLocked(r.CustomerID) {
		return ErrActiveRide
	}
	s.rides[r.ID] = cloneRide(r)
	s.appendLocked(e)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (s *MemoryStore) HasActiveByCustomer(_ context.Context, customerID types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActiveLocked(customerID), nil
}

func (s *MemoryStore) hasActiveLocked(customerID types.ID) bool {
	for _, r := range s.rides {
		if r.CustomerID == customerID && !IsTerminal(r.Status) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateOffers(_ context.Context, rideID types.ID, round int, offers []Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusSearching {
		return ErrInvalidTransition
	}
	r.DispatchRound = round
	for i := range offers {
		o := offers[i]
		s.offers[rideID] = append(s.offers[rideID], &o)
	}
	return nil
}

func (s *MemoryStore) findOfferLocked(rideID, driverID types.ID) (*Ride, *Offer, error) {
	r, ok := s.rides[rideID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	for _, o := range s.offers[rideID] {
		if o.DriverID == driverID {
			return r, o, nil
		}
	}
	return nil, nil, ErrOfferNotFound
}

func (s *MemoryStore) ResolveAccept(_ context.Context, rideID, driverID types.ID, at time.Time) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, o, err := s.findOfferLocked(rideID, driverID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusSearching || !o.Open(at) {
		return nil, ErrOfferAlreadyResolved
	}
	for _, sib := range s.offers[rideID] {
		if sib.Outcome != OfferPending {
			continue
		}
		t := at
		sib.ResolvedAt = &t
		sib.Outcome = OfferExpired
		if sib.DriverID == driverID {
			sib.Outcome = OfferAccepted
		}
	}
	d := driverID
	t := at
	r.Status = StatusDriverAccepted
	r.StatusVersion++
	r.DriverID = &d
	r.AcceptedAt = &t
	s.appendLocked(&Event{
		RideID:     rideID,
		FromStatus: StatusSearching,
		ToStatus:   StatusDriverAccepted,
		ActorType:  ActorDriver,
		ActorID:    &d,
		CreatedAt:  at,
	})
	return cloneRide(r), nil
}

func (s *MemoryStore) ResolveDecline(_ context.Context, rideID, driverID types.ID, at time.Time) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, o, err := s.findOfferLocked(rideID, driverID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusSearching || !o.Open(at) {
		return nil, ErrOfferAlreadyResolved
	}
	t := at
	o.Outcome = OfferDeclined
	o.ResolvedAt = &t
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ExpireOffers(_ context.Context, rideID types.ID, round int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.offers[rideID] {
		if o.Round == round && o.Outcome == OfferPending {
			t := at
			o.Outcome = OfferExpired
			o.ResolvedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListOffers(_ context.Context, rideID types.ID) ([]Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Offer, 0, len(s.offers[rideID]))
	for _, o := range s.offers[rideID] {
		out = append(out, *o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, t Transition) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[t.RideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != t.From || r.StatusVersion != t.Version {
		return nil, ErrConflict
	}
	at := t.At
	switch t.To {
	case StatusDriverAccepted:
		setOnce(&r.AcceptedAt, at)
	case StatusDriverArrived:
		setOnce(&r.ArrivedAt, at)
	case StatusInProgress:
		setOnce(&r.StartedAt, at)
	case StatusCompleted:
		setOnce(&r.CompletedAt, at)
	case StatusCancelled:
		setOnce(&r.CancelledAt, at)
		if t.Cancellation != nil {
			c := *t.Cancellation
			r.Cancellation = &c
		}
		for _, o := range s.offers[t.RideID] {
			if o.Outcome == OfferPending {
				ts := at
				o.Outcome = OfferExpired
				o.ResolvedAt = &ts
			}
		}
	default:
		return nil, ErrInvalidTransition
	}
	r.Status = t.To
	r.StatusVersion++
	s.appendLocked(&Event{
		RideID:     t.RideID,
		FromStatus: t.From,
		ToStatus:   t.To,
		ActorType:  t.ActorType,
		ActorID:    t.ActorID,
		CreatedAt:  at,
	})
	return cloneRide(r), nil
}

func (s *MemoryStore) Complete(ctx context.Context, c Completion) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[c.RideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusInProgress || r.StatusVersion != c.Version || !r.IsAssigned(c.DriverID) {
		return nil, ErrConflict
	}
	if err := s.wallet.Credit(ctx, c.DriverID, c.Settlement.DriverEarnings, c.At); err != nil {
		return nil, err
	}
	settlement := c.Settlement
	setOnce(&r.CompletedAt, c.At)
	r.Settlement = &settlement
	r.Status = StatusCompleted
	r.StatusVersion++
	d := c.DriverID
	s.appendLocked(&Event{
		RideID:     c.RideID,
		FromStatus: StatusInProgress,
		ToStatus:   StatusCompleted,
		ActorType:  ActorDriver,
		ActorID:    &d,
		CreatedAt:  c.At,
	})
	return cloneRide(r), nil
}

func (s *MemoryStore) ListByCustomer(_ context.Context, customerID types.ID, page Page) ([]Ride, error) {
	return s.list(func(r *Ride) bool { return r.CustomerID == customerID }, page), nil
}

func (s *MemoryStore) ListByDriver(_ context.Context, driverID types.ID, page Page) ([]Ride, error) {
	return s.list(func(r *Ride) bool { return r.IsAssigned(driverID) }, page), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Ride
	for _, r := range s.rides {
		if r.Status == status {
			out = append(out, *cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) list(match func(*Ride) bool, page Page) []Ride {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Ride
	for _, r := range s.rides {
		if match(r) && page.matches(r.Status) {
			out = append(out, *cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if page.Offset >= len(out) {
		return nil
	}
	out = out[page.Offset:]
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out
}

func (s *MemoryStore) CustomerStats(_ context.Context, customerID types.ID, w StatsWindow) (CustomerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st CustomerStats
	for _, r := range s.rides {
		if r.CustomerID != customerID {
			continue
		}
		st.TotalRides++
		switch r.Status {
		case StatusCompleted:
			st.CompletedRides++
			st.TotalSpent += r.Amount.Amount
		case StatusCancelled:
			st.CancelledRides++
		}
		if !r.CreatedAt.Before(w.Today) {
			st.TodayRides++
		}
		if !r.CreatedAt.Before(w.Week) {
			st.WeekRides++
		}
		if !r.CreatedAt.Before(w.Month) {
			st.MonthRides++
		}
	}
	return st, nil
}

func (s *MemoryStore) DriverEarnings(_ context.Context, driverID types.ID, since time.Time) ([]driver.Earning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []driver.Earning
	for _, r := range s.rides {
		if r.Status != StatusCompleted || !r.IsAssigned(driverID) || r.CompletedAt.Before(since) {
			continue
		}
		out = append(out, driver.Earning{RideID: r.ID, Amount: r.Settlement.DriverEarnings, SettledAt: *r.CompletedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(out[j].SettledAt) })
	return out, nil
}

func (s *MemoryStore) Events(_ context.Context, rideID types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events[rideID]))
	copy(out, s.events[rideID])
	return out, nil
}

func (s *MemoryStore) appendLocked(e *Event) {
	if e == nil {
		return
	}
	s.nextID++
	ev := *e
	ev.ID = s.nextID
	s.events[e.RideID] = append(s.events[e.RideID], ev)
}

func setOnce(dst **time.Time, t time.Time) {
	if *dst == nil {
		*dst = &t
	}
}

func cloneRide(r *Ride) *Ride {
	cp := *r
	if r.DriverID != nil {
		d := *r.DriverID
		cp.DriverID = &d
	}
	if r.Cancellation != nil {
		c := *r.Cancellation
		cp.Cancellation = &c
	}
	if r.Settlement != nil {
		st := *r.Settlement
		cp.Settlement = &st
	}
	return &cp
}
