package ride

import (
	"context"
	"time"

	"tarhal/internal/modules/driver"
	"tarhal/internal/modules/pricing"
	"tarhal/internal/types"
)

// Repository is the persistence port of the ledger. Every method that changes
// a ride does so atomically together with its offers and audit event.
type Repository interface {
	// Create stores a new ride. It fails with ErrActiveRide if the customer
	// already holds a non-terminal ride.
	Create(ctx context.Context, r *Ride, e *Event) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error)

	// CreateOffers opens a dispatch round. The ride must still be searching.
	CreateOffers(ctx context.Context, rideID types.ID, round int, offers []Offer) error
	// ResolveAccept marks the driver's offer accepted, expires every sibling
	// and assigns the ride, all in one step.
	ResolveAccept(ctx context.Context, rideID, driverID types.ID, at time.Time) (*Ride, error)
	ResolveDecline(ctx context.Context, rideID, driverID types.ID, at time.Time) (*Offer, error)
	// ExpireOffers expires the still pending offers of one round.
	ExpireOffers(ctx context.Context, rideID types.ID, round int, at time.Time) (int, error)
	ListOffers(ctx context.Context, rideID types.ID) ([]Offer, error)

	// Transition moves a ride with compare-and-swap on (status, version).
	Transition(ctx context.Context, t Transition) (*Ride, error)
	// Complete settles the ride and credits the driver's wallet atomically.
	Complete(ctx context.Context, c Completion) (*Ride, error)

	ListByCustomer(ctx context.Context, customerID types.ID, page Page) ([]Ride, error)
	ListByDriver(ctx context.Context, driverID types.ID, page Page) ([]Ride, error)
	// ListByStatus returns up to limit rides in status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Ride, error)
	CustomerStats(ctx context.Context, customerID types.ID, w StatsWindow) (CustomerStats, error)
	DriverEarnings(ctx context.Context, driverID types.ID, since time.Time) ([]driver.Earning, error)
	Events(ctx context.Context, rideID types.ID) ([]Event, error)
}

type Transition struct {
	RideID       types.ID
	From         Status
	To           Status
	Version      int
	ActorType    Actor
	ActorID      *types.ID
	Cancellation *Cancellation
	At           time.Time
}

type Completion struct {
	RideID     types.ID
	DriverID   types.ID
	Version    int
	Settlement pricing.Settlement
	At         time.Time
}

type Page struct {
	Limit  int
	Offset int
	// Statuses, when set, keeps only rides in one of them.
	Statuses []Status
}

func (p Page) matches(st Status) bool {
	if len(p.Statuses) == 0 {
		return true
	}
	for _, s := range p.Statuses {
		if s == st {
			return true
		}
	}
	return false
}

type StatsWindow struct {
	Today time.Time
	Week  time.Time
	Month time.Time
}

// Wallet credits settled rides. Implementations serialize with withdrawals.
type Wallet interface {
	Credit(ctx context.Context, driverID types.ID, amount int64, at time.Time) error
}
