// README: Notification gateway contract. Deliveries are best effort; callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tarhal/internal/metrics"
	"tarhal/internal/types"
)

var (
	ErrDeliveryFailed = errors.New("notification delivery failed")
	ErrNoSession      = errors.New("no live session for recipient")
	ErrNoDeviceToken  = errors.New("recipient has no device token")
	ErrInvalidToken   = errors.New("device token rejected by push service")
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

type Recipient struct {
	Role Role     `json:"role"`
	ID   types.ID `json:"id"`
}

func (r Recipient) key() string {
	return string(r.Role) + ":" + string(r.ID)
}

// OfferPush is the accept/decline prompt sent to a candidate driver.
type OfferPush struct {
	RideID           types.ID    `json:"ride_id"`
	VehicleType      string      `json:"vehicle_type"`
	Amount           types.Money `json:"amount"`
	DistanceKm       float64     `json:"distance_km"`
	PickupDistanceKm float64     `json:"pickup_distance_km"`
	Pickup           types.Point `json:"pickup"`
	Destination      string      `json:"destination"`
	Round            int         `json:"round"`
	ExpiresAt        time.Time   `json:"expires_at"`
}

// RideUpdate is a status change pushed to either party of a ride.
type RideUpdate struct {
	RideID   types.ID  `json:"ride_id"`
	Status   string    `json:"status"`
	DriverID types.ID  `json:"driver_id,omitempty"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	At       time.Time `json:"at"`
}

type Gateway interface {
	Offer(ctx context.Context, driverID types.ID, p OfferPush) error
	Inform(ctx context.Context, to Recipient, u RideUpdate) error
}

// deliveryError wraps err so errors.Is(err, ErrDeliveryFailed) holds while
// keeping the cause inspectable.
func deliveryError(gateway string, cause error) error {
	metrics.GatewayFailures.WithLabelValues(gateway, failureKind(cause)).Inc()
	return fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, gateway, cause)
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrNoDeviceToken):
		return "no_token"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

// LogGateway only writes deliveries to the log. Used when no push service is configured.
type LogGateway struct {
	log logrus.FieldLogger
}

func NewLogGateway(log logrus.FieldLogger) *LogGateway {
	return &LogGateway{log: log}
}

func (g *LogGateway) Offer(_ context.Context, driverID types.ID, p OfferPush) error {
	g.log.WithFields(logrus.Fields{
		"driver_id":  driverID,
		"ride_id":    p.RideID,
		"amount":     p.Amount.Amount,
		"expires_at": p.ExpiresAt,
	}).Info("offer push")
	return nil
}

func (g *LogGateway) Inform(_ context.Context, to Recipient, u RideUpdate) error {
	g.log.WithFields(logrus.Fields{
		"recipient": to.key(),
		"ride_id":   u.RideID,
		"status":    u.Status,
	}).Info("ride update push")
	return nil
}

// Fanout delivers through every gateway and succeeds if at least one did.
// A gateway answering ErrNoSession had no way to reach the recipient and is
// left out of the count; if every gateway does so the result is ErrNoSession.
type Fanout []Gateway

func (f Fanout) Offer(ctx context.Context, driverID types.ID, p OfferPush) error {
	return f.each(func(g Gateway) error { return g.Offer(ctx, driverID, p) })
}

func (f Fanout) Inform(ctx context.Context, to Recipient, u RideUpdate) error {
	return f.each(func(g Gateway) error { return g.Inform(ctx, to, u) })
}

func (f Fanout) each(send func(Gateway) error) error {
	var errs []error
	tried := 0
	for _, g := range f {
		err := send(g)
		if errors.Is(err, ErrNoSession) && !errors.Is(err, ErrDeliveryFailed) {
			continue
		}
		tried++
		if err != nil {
			errs = append(errs, err)
		}
	}
	switch {
	case len(f) == 0:
		return nil
	case tried == 0:
		return ErrNoSession
	case len(errs) < tried:
		return nil
	}
	return errors.Join(errs...)
}
