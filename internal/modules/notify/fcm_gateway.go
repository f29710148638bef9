package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"

	"tarhal/internal/types"
)

const fcmGateway = "fcm"

// Sender is the subset of *messaging.Client the gateway needs.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenSource resolves a driver's FCM registration token.
type TokenSource interface {
	DeviceToken(ctx context.Context, driverID types.ID) (string, error)
}

// FCMGateway pushes offers to driver devices by token and ride updates to
// customers through their per-customer topic.
type FCMGateway struct {
	sender Sender
	tokens TokenSource
	log    logrus.FieldLogger
}

func NewFCMGateway(ctx context.Context, app *firebase.App, tokens TokenSource, log logrus.FieldLogger) (*FCMGateway, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return newFCMGateway(client, tokens, log), nil
}

func newFCMGateway(sender Sender, tokens TokenSource, log logrus.FieldLogger) *FCMGateway {
	return &FCMGateway{sender: sender, tokens: tokens, log: log}
}

// CustomerTopic is the topic a customer app subscribes to for its ride updates.
func CustomerTopic(customerID types.ID) string {
	return "customer_" + string(customerID)
}

func (g *FCMGateway) Offer(ctx context.Context, driverID types.ID, p OfferPush) error {
	token, err := g.token(ctx, driverID)
	if err != nil {
		return err
	}
	msg := offerMessage(token, p)
	id, err := g.sender.Send(ctx, msg)
	if err != nil {
		return deliveryError(fcmGateway, classify(err))
	}
	g.log.WithFields(logrus.Fields{"ride_id": p.RideID, "driver_id": driverID, "message_id": id}).Debug("fcm offer sent")
	return nil
}

func (g *FCMGateway) Inform(ctx context.Context, to Recipient, u RideUpdate) error {
	msg := updateMessage(u)
	switch to.Role {
	case RoleDriver:
		token, err := g.token(ctx, to.ID)
		if err != nil {
			return err
		}
		msg.Token = token
	default:
		msg.Topic = CustomerTopic(to.ID)
	}
	if _, err := g.sender.Send(ctx, msg); err != nil {
		return deliveryError(fcmGateway, classify(err))
	}
	return nil
}

func (g *FCMGateway) token(ctx context.Context, driverID types.ID) (string, error) {
	token, err := g.tokens.DeviceToken(ctx, driverID)
	if err != nil {
		return "", deliveryError(fcmGateway, err)
	}
	if token == "" {
		return "", deliveryError(fcmGateway, ErrNoDeviceToken)
	}
	return token, nil
}

func offerMessage(token string, p OfferPush) *messaging.Message {
	ttl := time.Until(p.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	title := "New ride request"
	body := fmt.Sprintf("%s ride, %.1f km, %d %s", p.VehicleType, p.DistanceKm, p.Amount.Amount, p.Amount.Currency)
	return &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":               "ride_request",
			"ride_id":            string(p.RideID),
			"vehicle_type":       p.VehicleType,
			"amount":             strconv.FormatInt(p.Amount.Amount, 10),
			"currency":           p.Amount.Currency,
			"distance_km":        strconv.FormatFloat(p.DistanceKm, 'f', 2, 64),
			"pickup_distance_km": strconv.FormatFloat(p.PickupDistanceKm, 'f', 2, 64),
			"pickup_lat":         strconv.FormatFloat(p.Pickup.Lat, 'f', 6, 64),
			"pickup_lng":         strconv.FormatFloat(p.Pickup.Lng, 'f', 6, 64),
			"destination":        p.Destination,
			"expires_at":         p.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Notification: &messaging.Notification{Title: title, Body: body},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{Sound: "default"}},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title:              title,
				Body:               body,
				RequireInteraction: true,
				Actions: []*messaging.WebpushNotificationAction{
					{Action: "accept", Title: "Accept"},
					{Action: "decline", Title: "Decline"},
				},
			},
		},
	}
}

func updateMessage(u RideUpdate) *messaging.Message {
	data := map[string]string{
		"type":    "ride_update",
		"ride_id": string(u.RideID),
		"status":  u.Status,
	}
	if u.DriverID != "" {
		data["driver_id"] = string(u.DriverID)
	}
	return &messaging.Message{
		Data:         data,
		Notification: &messaging.Notification{Title: u.Title, Body: u.Body},
		Android:      &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{Sound: "default"}},
		},
	}
}

// classify maps token errors from FCM onto ErrInvalidToken.
func classify(err error) error {
	if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) || messaging.IsSenderIDMismatch(err) {
		return errors.Join(ErrInvalidToken, err)
	}
	return err
}
