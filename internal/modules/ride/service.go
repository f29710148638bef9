// README: Ride ledger. Owns the status machine, offer resolution, settlement and the change feed.
package ride

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tarhal/internal/events"
	"tarhal/internal/metrics"
	"tarhal/internal/modules/driver"
	"tarhal/internal/modules/location"
	"tarhal/internal/modules/pricing"
	"tarhal/internal/types"
	"tarhal/internal/validation"
)

var (
	ErrValidation           = validation.ErrInvalid
	ErrNotFound             = errors.New("ride not found")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrOfferNotFound        = errors.New("offer not found")
	ErrOfferAlreadyResolved = errors.New("ride no longer available")
	ErrNotAssigned          = errors.New("driver is not assigned to this ride")
	ErrForbidden            = errors.New("actor may not modify this ride")
	ErrConflict             = errors.New("ride state conflict")
	ErrActiveRide           = errors.New("customer has an active ride")
)

const (
	maxCASAttempts  = 3
	defaultPageSize = 20
	maxPageSize     = 100
)

// Fares prices a ride once, at creation.
type Fares interface {
	Price(vehicleType pricing.VehicleType, distanceKm float64) (types.Money, error)
}

// DistanceEstimator returns the travel distance between two points.
type DistanceEstimator interface {
	DistanceKm(ctx context.Context, from, to types.Point) (float64, error)
}

type Service struct {
	repo       Repository
	fares      Fares
	distance   DistanceEstimator
	labeler    DestinationLabeler
	feed       events.Publisher
	feePercent float64
	now        func() time.Time
	log        logrus.FieldLogger
}

type Option func(*Service)

func WithDistanceEstimator(d DistanceEstimator) Option {
	return func(s *Service) { s.distance = d }
}

// DestinationLabeler names a destination the customer left unlabelled.
type DestinationLabeler interface {
	Label(ctx context.Context, p types.Point) (string, error)
}

func WithDestinationLabeler(l DestinationLabeler) Option {
	return func(s *Service) { s.labeler = l }
}

func WithFeed(p events.Publisher) Option {
	return func(s *Service) { s.feed = p }
}

func WithServiceFeePercent(pct float64) Option {
	return func(s *Service) { s.feePercent = pct }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(repo Repository, fares Fares, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		fares:      fares,
		feePercent: pricing.DefaultServiceFeePercent,
		now:        time.Now,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateCommand struct {
	CustomerID  types.ID    `json:"customer_id" validate:"required"`
	Pickup      types.Point `json:"pickup" validate:"required"`
	Destination Destination `json:"destination" validate:"required"`
	VehicleType string      `json:"vehicle_type" validate:"vehicle_type"`
}

type OfferSpec struct {
	DriverID   types.ID
	DistanceKm float64
}

type IssueOffersCommand struct {
	RideID    types.ID
	Round     int
	Drivers   []OfferSpec
	ExpiresAt time.Time
}

// DriverActionCommand covers accept, decline, arrive, start and complete.
type DriverActionCommand struct {
	RideID   types.ID `json:"ride_id" validate:"required"`
	DriverID types.ID `json:"driver_id" validate:"required"`
}

type CancelCommand struct {
	RideID  types.ID `json:"ride_id" validate:"required"`
	By      Actor    `json:"by" validate:"oneof=customer driver"`
	ActorID types.ID `json:"actor_id" validate:"required"`
	Reason  string   `json:"reason" validate:"max=200"`
}

type HistoryQuery struct {
	CustomerID types.ID
	DriverID   types.ID
	// ActiveOnly keeps the rides that have not reached a terminal status.
	ActiveOnly bool
	Limit      int
	Offset     int
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	active, err := s.repo.HasActiveByCustomer(ctx, cmd.CustomerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRide
	}

	if cmd.Destination.Point() == (types.Point{}) {
		return nil, validation.Errors{{Field: "destination", Message: "coordinates are required"}}
	}
	if strings.TrimSpace(cmd.Destination.Label) == "" && s.labeler != nil {
		label, err := s.labeler.Label(ctx, cmd.Destination.Point())
		if err != nil {
			s.log.WithError(err).Debug("destination label unavailable")
		} else {
			cmd.Destination.Label = label
		}
	}

	dist := s.distanceKm(ctx, cmd.Pickup, cmd.Destination.Point())
	amount, err := s.fares.Price(pricing.VehicleType(cmd.VehicleType), dist)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now()
	r := &Ride{
		ID:          types.ID(uuid.NewString()),
		CustomerID:  cmd.CustomerID,
		Status:      StatusSearching,
		Pickup:      cmd.Pickup,
		Destination: cmd.Destination,
		VehicleType: cmd.VehicleType,
		DistanceKm:  dist,
		Amount:      amount,
		CreatedAt:   now,
	}
	customer := cmd.CustomerID
	if err := s.repo.Create(ctx, r, &Event{
		RideID:     r.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusSearching,
		ActorType:  ActorCustomer,
		ActorID:    &customer,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	metrics.RidesCreated.WithLabelValues(r.VehicleType).Inc()
	s.log.WithFields(logrus.Fields{
		"ride_id":      r.ID,
		"customer_id":  r.CustomerID,
		"vehicle_type": r.VehicleType,
		"distance_km":  r.DistanceKm,
		"amount":       r.Amount.Amount,
	}).Info("ride created")
	s.publish(events.RideCreated, r, ActorCustomer)
	return r, nil
}

// distanceKm prefers the road distance and falls back to the great-circle one.
func (s *Service) distanceKm(ctx context.Context, from, to types.Point) float64 {
	d := location.HaversineKm(from, to)
	if s.distance != nil {
		road, err := s.distance.DistanceKm(ctx, from, to)
		if err == nil && road >= 0 {
			d = road
		} else if err != nil {
			s.log.WithError(err).Warn("route distance unavailable; using straight line")
		}
	}
	return math.Round(d*100) / 100
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Offers(ctx context.Context, rideID types.ID) ([]Offer, error) {
	if _, err := s.repo.Get(ctx, rideID); err != nil {
		return nil, err
	}
	return s.repo.ListOffers(ctx, rideID)
}

func (s *Service) Events(ctx context.Context, rideID types.ID) ([]Event, error) {
	return s.repo.Events(ctx, rideID)
}

// IssueOffers opens a dispatch round with one pending offer per driver.
func (s *Service) IssueOffers(ctx context.Context, cmd IssueOffersCommand) ([]Offer, error) {
	if len(cmd.Drivers) == 0 {
		return nil, fmt.Errorf("%w: no drivers to offer", ErrValidation)
	}
	now := s.now()
	offers := make([]Offer, 0, len(cmd.Drivers))
	for _, d := range cmd.Drivers {
		offers = append(offers, Offer{
			RideID:     cmd.RideID,
			DriverID:   d.DriverID,
			Round:      cmd.Round,
			DistanceKm: d.DistanceKm,
			IssuedAt:   now,
			ExpiresAt:  cmd.ExpiresAt,
			Outcome:    OfferPending,
		})
	}
	if err := s.repo.CreateOffers(ctx, cmd.RideID, cmd.Round, offers); err != nil {
		return nil, err
	}
	s.feedEvent(events.Event{Type: events.OfferIssued, RideID: cmd.RideID, Status: string(StatusSearching), Actor: string(ActorSystem), At: now})
	return offers, nil
}

// Accept resolves the driver's offer. Exactly one accept per ride succeeds;
// the rest get ErrOfferAlreadyResolved.
func (s *Service) Accept(ctx context.Context, cmd DriverActionCommand) (*Ride, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	r, err := s.repo.ResolveAccept(ctx, cmd.RideID, cmd.DriverID, s.now())
	if err != nil {
		return nil, err
	}
	metrics.OffersResolved.WithLabelValues(string(OfferAccepted)).Inc()
	metrics.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	s.log.WithFields(logrus.Fields{"ride_id": r.ID, "driver_id": cmd.DriverID}).Info("offer accepted")
	s.publish(events.RideStatusChanged, r, ActorDriver)
	return r, nil
}

func (s *Service) Decline(ctx context.Context, cmd DriverActionCommand) (*Offer, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	o, err := s.repo.ResolveDecline(ctx, cmd.RideID, cmd.DriverID, s.now())
	if err != nil {
		return nil, err
	}
	metrics.OffersResolved.WithLabelValues(string(OfferDeclined)).Inc()
	s.feedEvent(events.Event{Type: events.OfferResolved, RideID: o.RideID, DriverID: o.DriverID, Status: string(StatusSearching), Actor: string(ActorDriver)})
	return o, nil
}

// ExpireOffers closes whatever is still pending in a round.
func (s *Service) ExpireOffers(ctx context.Context, rideID types.ID, round int) (int, error) {
	n, err := s.repo.ExpireOffers(ctx, rideID, round, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.OffersResolved.WithLabelValues(string(OfferExpired)).Add(float64(n))
	}
	return n, nil
}

func (s *Service) Arrive(ctx context.Context, cmd DriverActionCommand) (*Ride, error) {
	return s.driverTransition(ctx, cmd, StatusDriverArrived)
}

// Start begins the trip; arrival is optional.
func (s *Service) Start(ctx context.Context, cmd DriverActionCommand) (*Ride, error) {
	return s.driverTransition(ctx, cmd, StatusInProgress)
}

func (s *Service) driverTransition(ctx context.Context, cmd DriverActionCommand, to Status) (*Ride, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	driverID := cmd.DriverID
	return s.transition(ctx, cmd.RideID, to, ActorDriver, &driverID, nil, func(r *Ride) error {
		if !r.IsAssigned(cmd.DriverID) {
			return ErrNotAssigned
		}
		return nil
	})
}

// Complete settles the ride and credits the driver exactly once. A repeated
// completion fails with ErrInvalidTransition.
func (s *Service) Complete(ctx context.Context, cmd DriverActionCommand) (*Ride, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		r, err := s.repo.Get(ctx, cmd.RideID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(r.Status, StatusCompleted) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusCompleted)
		}
		if !r.IsAssigned(cmd.DriverID) {
			return nil, ErrNotAssigned
		}
		settlement := pricing.Settle(r.Amount.Amount, s.feePercent)
		done, err := s.repo.Complete(ctx, Completion{
			RideID:     r.ID,
			DriverID:   cmd.DriverID,
			Version:    r.StatusVersion,
			Settlement: settlement,
			At:         s.stamp(r),
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.RideTransitions.WithLabelValues(string(StatusCompleted)).Inc()
		metrics.SettledAmount.Add(float64(done.Amount.Amount))
		s.log.WithFields(logrus.Fields{
			"ride_id":         done.ID,
			"driver_id":       cmd.DriverID,
			"service_fee":     settlement.ServiceFee,
			"driver_earnings": settlement.DriverEarnings,
		}).Info("ride completed")
		s.publish(events.RideStatusChanged, done, ActorDriver)
		return done, nil
	}
	return nil, ErrConflict
}

// Cancel is the customer or driver cancelling. Only the owning customer or the
// assigned driver may do so.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = ReasonCustomerCancel
		if cmd.By == ActorDriver {
			reason = ReasonDriverCancel
		}
	}
	actorID := cmd.ActorID
	return s.transition(ctx, cmd.RideID, StatusCancelled, cmd.By, &actorID,
		&Cancellation{By: cmd.By, Reason: reason},
		func(r *Ride) error {
			switch cmd.By {
			case ActorCustomer:
				if r.CustomerID != cmd.ActorID {
					return ErrForbidden
				}
			case ActorDriver:
				if !r.IsAssigned(cmd.ActorID) {
					return ErrNotAssigned
				}
			}
			return nil
		})
}

// CancelBySystem ends a ride that is still searching, e.g. when dispatch runs
// out of drivers.
func (s *Service) CancelBySystem(ctx context.Context, rideID types.ID, reason string) (*Ride, error) {
	return s.transition(ctx, rideID, StatusCancelled, ActorSystem, nil,
		&Cancellation{By: ActorSystem, Reason: reason},
		func(r *Ride) error {
			if r.Status != StatusSearching {
				return fmt.Errorf("%w: system cancel from %s", ErrInvalidTransition, r.Status)
			}
			return nil
		})
}

// transition applies a CAS move, re-reading the ride when a concurrent writer won.
func (s *Service) transition(ctx context.Context, rideID types.ID, to Status, actor Actor, actorID *types.ID, c *Cancellation, guard func(*Ride) error) (*Ride, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		r, err := s.repo.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(r.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
		}
		if guard != nil {
			if err := guard(r); err != nil {
				return nil, err
			}
		}
		updated, err := s.repo.Transition(ctx, Transition{
			RideID:       r.ID,
			From:         r.Status,
			To:           to,
			Version:      r.StatusVersion,
			ActorType:    actor,
			ActorID:      actorID,
			Cancellation: c,
			At:           s.stamp(r),
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.RideTransitions.WithLabelValues(string(to)).Inc()
		s.log.WithFields(logrus.Fields{"ride_id": r.ID, "from": r.Status, "status": to, "actor": actor}).Info("ride transition")
		s.publish(events.RideStatusChanged, updated, actor)
		return updated, nil
	}
	return nil, ErrConflict
}

// stamp keeps lifecycle timestamps non-decreasing even if the clock steps back.
func (s *Service) stamp(r *Ride) time.Time {
	now := s.now()
	latest := r.CreatedAt
	for _, t := range []*time.Time{r.AcceptedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	if now.Before(latest) {
		return latest
	}
	return now
}

func (s *Service) History(ctx context.Context, q HistoryQuery) ([]Ride, error) {
	page := Page{Limit: q.Limit, Offset: q.Offset}
	if q.ActiveOnly {
		page.Statuses = ActiveStatuses
	}
	if page.Limit <= 0 {
		page.Limit = defaultPageSize
	}
	if page.Limit > maxPageSize {
		page.Limit = maxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	switch {
	case q.CustomerID != "" && q.DriverID == "":
		return s.repo.ListByCustomer(ctx, q.CustomerID, page)
	case q.DriverID != "" && q.CustomerID == "":
		return s.repo.ListByDriver(ctx, q.DriverID, page)
	default:
		return nil, fmt.Errorf("%w: exactly one of customer or driver is required", ErrValidation)
	}
}

// Searching lists rides still waiting for a driver, oldest first.
func (s *Service) Searching(ctx context.Context, limit int) ([]Ride, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	return s.repo.ListByStatus(ctx, StatusSearching, limit)
}

// Stats counts the customer's rides overall, today, in the last 7 and 30 days.
func (s *Service) Stats(ctx context.Context, customerID types.ID) (CustomerStats, error) {
	now := s.now()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return s.repo.CustomerStats(ctx, customerID, StatsWindow{
		Today: today,
		Week:  today.AddDate(0, 0, -7),
		Month: today.AddDate(0, 0, -30),
	})
}

// DriverEarnings makes the ledger the earnings source for driver stats.
func (s *Service) DriverEarnings(ctx context.Context, driverID types.ID, since time.Time) ([]driver.Earning, error) {
	return s.repo.DriverEarnings(ctx, driverID, since)
}

func (s *Service) publish(t events.Type, r *Ride, actor Actor) {
	e := events.Event{
		Type:   t,
		RideID: r.ID,
		Status: string(r.Status),
		Actor:  string(actor),
		Data:   *cloneRide(r),
	}
	if r.DriverID != nil {
		e.DriverID = *r.DriverID
	}
	s.feedEvent(e)
}

func (s *Service) feedEvent(e events.Event) {
	if s.feed == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.feed.Publish(e)
}
