package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tarhal/internal/events"
	"tarhal/internal/modules/ride"
)

const defaultSendTimeout = 10 * time.Second

// Relay turns ride status changes from the change feed into pushes for the
// customer and the assigned driver. The party that caused a change is not
// told about it.
type Relay struct {
	gateway Gateway
	timeout time.Duration
	log     logrus.FieldLogger
	wg      sync.WaitGroup
}

func NewRelay(gateway Gateway, log logrus.FieldLogger) *Relay {
	return &Relay{gateway: gateway, timeout: defaultSendTimeout, log: log}
}

// Run consumes feed until it is closed or ctx is done, then waits for
// in-flight deliveries.
func (r *Relay) Run(ctx context.Context, feed <-chan events.Event) {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			r.handle(e)
		}
	}
}

func (r *Relay) handle(e events.Event) {
	if e.Type != events.RideStatusChanged {
		return
	}
	snap, ok := e.Data.(ride.Ride)
	if !ok {
		return
	}
	u := updateFor(snap, e.At)
	actor := ride.Actor(e.Actor)

	if actor != ride.ActorCustomer {
		r.deliver(Recipient{Role: RoleCustomer, ID: snap.CustomerID}, u)
	}
	if snap.DriverID != nil && actor != ride.ActorDriver {
		r.deliver(Recipient{Role: RoleDriver, ID: *snap.DriverID}, u)
	}
}

func (r *Relay) deliver(to Recipient, u RideUpdate) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.gateway.Inform(ctx, to, u); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"ride_id":   u.RideID,
				"recipient": to.key(),
				"status":    u.Status,
			}).Warn("ride update not delivered")
		}
	}()
}

func updateFor(r ride.Ride, at time.Time) RideUpdate {
	u := RideUpdate{RideID: r.ID, Status: string(r.Status), At: at}
	if r.DriverID != nil {
		u.DriverID = *r.DriverID
	}
	switch r.Status {
	case ride.StatusDriverAccepted:
		u.Title, u.Body = "Driver on the way", "A driver accepted your ride."
	case ride.StatusDriverArrived:
		u.Title, u.Body = "Driver arrived", "Your driver is waiting at the pickup point."
	case ride.StatusInProgress:
		u.Title, u.Body = "Trip started", "Enjoy your ride."
	case ride.StatusCompleted:
		u.Title = "Trip completed"
		u.Body = fmt.Sprintf("Fare: %d %s", r.Amount.Amount, r.Amount.Currency)
	case ride.StatusCancelled:
		u.Title, u.Body = "Ride cancelled", "The ride was cancelled."
		if r.Cancellation != nil && r.Cancellation.Reason == ride.ReasonNoDriverResponse {
			u.Body = "No driver is available right now. Please try again."
		}
	default:
		u.Title, u.Body = "Ride update", string(r.Status)
	}
	return u
}
