// README: Ride aggregate, offers and the status state machine.
package ride

import (
	"time"

	"tarhal/internal/modules/pricing"
	"tarhal/internal/types"
)

type Status string

const (
	StatusNone           Status = "none"
	StatusSearching      Status = "searching"
	StatusDriverAccepted Status = "driver_accepted"
	StatusDriverArrived  Status = "driver_arrived"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorDriver   Actor = "driver"
	ActorSystem   Actor = "system"
)

type OfferOutcome string

const (
	OfferPending  OfferOutcome = "pending"
	OfferAccepted OfferOutcome = "accepted"
	OfferDeclined OfferOutcome = "declined"
	OfferExpired  OfferOutcome = "expired"
)

const (
	ReasonNoDriverResponse = "no_driver_response"
	ReasonCustomerCancel   = "customer_cancelled"
	ReasonDriverCancel     = "driver_cancelled"
	// ReasonDispatchError ends a search the engine could not carry on, either
	// because a round failed or because the process restarted mid-search.
	ReasonDispatchError = "dispatch_error"
)

type Destination struct {
	Lat   float64 `json:"lat" validate:"latitude"`
	Lng   float64 `json:"lng" validate:"longitude"`
	Label string  `json:"label" validate:"max=200"`
}

func (d Destination) Point() types.Point {
	return types.Point{Lat: d.Lat, Lng: d.Lng}
}

type Cancellation struct {
	By     Actor  `json:"by"`
	Reason string `json:"reason"`
}

type Ride struct {
	ID            types.ID            `json:"id"`
	CustomerID    types.ID            `json:"customer_id"`
	DriverID      *types.ID           `json:"driver_id"`
	Status        Status              `json:"status"`
	StatusVersion int                 `json:"-"`
	Pickup        types.Point         `json:"pickup"`
	Destination   Destination         `json:"destination"`
	VehicleType   string              `json:"vehicle_type"`
	DistanceKm    float64             `json:"distance_km"`
	Amount        types.Money         `json:"amount"`
	DispatchRound int                 `json:"dispatch_round"`
	CreatedAt     time.Time           `json:"created_at"`
	AcceptedAt    *time.Time          `json:"accepted_at,omitempty"`
	ArrivedAt     *time.Time          `json:"arrived_at,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	CancelledAt   *time.Time          `json:"cancelled_at,omitempty"`
	Cancellation  *Cancellation       `json:"cancellation,omitempty"`
	Settlement    *pricing.Settlement `json:"settlement,omitempty"`
}

// IsAssigned reports whether driverID is the ride's driver.
func (r *Ride) IsAssigned(driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

type Offer struct {
	RideID     types.ID     `json:"ride_id"`
	DriverID   types.ID     `json:"driver_id"`
	Round      int          `json:"round"`
	DistanceKm float64      `json:"distance_km"`
	IssuedAt   time.Time    `json:"issued_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	Outcome    OfferOutcome `json:"outcome"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// Open reports whether the offer can still be answered at t.
func (o *Offer) Open(t time.Time) bool {
	return o.Outcome == OfferPending && t.Before(o.ExpiresAt)
}

// Event is one row of the ride audit trail.
type Event struct {
	ID         int64     `json:"id"`
	RideID     types.ID  `json:"ride_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  Actor     `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CustomerStats is the ride summary shown on the customer profile.
type CustomerStats struct {
	TotalRides     int   `json:"total_rides"`
	CompletedRides int   `json:"completed_rides"`
	CancelledRides int   `json:"cancelled_rides"`
	TodayRides     int   `json:"today_rides"`
	WeekRides      int   `json:"week_rides"`
	MonthRides     int   `json:"month_rides"`
	TotalSpent     int64 `json:"total_spent"`
}

// AllowedTransitions represents the ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusSearching:      {StatusDriverAccepted, StatusCancelled},
	StatusDriverAccepted: {StatusDriverArrived, StatusInProgress, StatusCancelled},
	StatusDriverArrived:  {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusSearching, StatusDriverAccepted, StatusDriverArrived, StatusInProgress}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}
