package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarhal/internal/events"
	"tarhal/internal/logging"
	"tarhal/internal/metrics"
	"tarhal/internal/modules/ride"
	"tarhal/internal/types"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*messaging.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, m)
	return "msg-1", nil
}

type tokens map[types.ID]string

func (t tokens) DeviceToken(_ context.Context, id types.ID) (string, error) {
	return t[id], nil
}

type recordingGateway struct {
	mu      sync.Mutex
	offers  []types.ID
	informs []Recipient
	err     error
}

func (g *recordingGateway) Offer(_ context.Context, driverID types.ID, _ OfferPush) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offers = append(g.offers, driverID)
	return g.err
}

func (g *recordingGateway) Inform(_ context.Context, to Recipient, _ RideUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.informs = append(g.informs, to)
	return g.err
}

func (g *recordingGateway) recipients() []Recipient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Recipient(nil), g.informs...)
}

type fakeConn struct {
	mu        sync.Mutex
	frames    []interface{}
	deadlines []time.Time
	closed    bool
	err       error
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadlines = append(c.deadlines, t)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func samplePush() OfferPush {
	return OfferPush{
		RideID:      "r1",
		VehicleType: "economy",
		Amount:      types.SDG(12000),
		DistanceKm:  3,
		Pickup:      types.Point{Lat: 15.5, Lng: 32.56},
		ExpiresAt:   time.Now().Add(40 * time.Second),
	}
}

func TestFCMGateway_OfferPayload(t *testing.T) {
	sender := &fakeSender{}
	g := newFCMGateway(sender, tokens{"d1": "tok-d1"}, logging.Discard())

	require.NoError(t, g.Offer(context.Background(), "d1", samplePush()))
	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, "tok-d1", m.Token)
	assert.Equal(t, "ride_request", m.Data["type"])
	assert.Equal(t, "r1", m.Data["ride_id"])
	assert.Equal(t, "12000", m.Data["amount"])
	assert.Equal(t, "3.00", m.Data["distance_km"])
	assert.Equal(t, "high", m.Android.Priority)
	require.NotNil(t, m.Webpush)
	assert.True(t, m.Webpush.Notification.RequireInteraction)
	require.Len(t, m.Webpush.Notification.Actions, 2)
	assert.Equal(t, "accept", m.Webpush.Notification.Actions[0].Action)
	assert.Equal(t, "decline", m.Webpush.Notification.Actions[1].Action)
	assert.Equal(t, "default", m.APNS.Payload.Aps.Sound)
}

func TestFCMGateway_MissingToken(t *testing.T) {
	sender := &fakeSender{}
	g := newFCMGateway(sender, tokens{}, logging.Discard())

	err := g.Offer(context.Background(), "d1", samplePush())
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, ErrNoDeviceToken)
	assert.Empty(t, sender.sent)
}

func TestFCMGateway_SendFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("unavailable")}
	g := newFCMGateway(sender, tokens{"d1": "tok"}, logging.Discard())

	err := g.Offer(context.Background(), "d1", samplePush())
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestFCMGateway_InformCustomerUsesTopic(t *testing.T) {
	sender := &fakeSender{}
	g := newFCMGateway(sender, tokens{}, logging.Discard())

	err := g.Inform(context.Background(), Recipient{Role: RoleCustomer, ID: "c1"}, RideUpdate{RideID: "r1", Status: "driver_accepted", DriverID: "d1"})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "customer_c1", sender.sent[0].Topic)
	assert.Empty(t, sender.sent[0].Token)
	assert.Equal(t, "d1", sender.sent[0].Data["driver_id"])
}

func TestWSRegistry(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	driver := Recipient{Role: RoleDriver, ID: "d1"}

	noSession := metrics.GatewayFailures.WithLabelValues(wsGateway, "no_session")
	before := promtest.ToFloat64(noSession)
	err := reg.Offer(context.Background(), "d1", samplePush())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.NotErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, before, promtest.ToFloat64(noSession))

	first := &fakeConn{}
	reg.Add(driver, first)
	second := &fakeConn{}
	remove := reg.Add(driver, second)
	assert.True(t, first.closed)

	require.NoError(t, reg.Offer(context.Background(), "d1", samplePush()))
	require.Len(t, second.frames, 1)
	env, ok := second.frames[0].(Envelope)
	require.True(t, ok)
	assert.Equal(t, "ride_request", env.Type)

	remove()
	assert.False(t, reg.Connected(driver))
	assert.ErrorIs(t, reg.Inform(context.Background(), driver, RideUpdate{}), ErrNoSession)
}

func TestWSSession_WriteDeadline(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	conn := &fakeConn{}
	reg.Add(Recipient{Role: RoleDriver, ID: "d1"}, conn)

	start := time.Now()
	require.NoError(t, reg.Offer(context.Background(), "d1", samplePush()))
	require.Len(t, conn.deadlines, 1)
	assert.WithinDuration(t, start.Add(wsWriteWait), conn.deadlines[0], time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	want, _ := ctx.Deadline()
	require.NoError(t, reg.Offer(ctx, "d1", samplePush()))
	require.Len(t, conn.deadlines, 2)
	assert.Equal(t, want, conn.deadlines[1])
}

func TestWSRegistry_WriteFailureCounted(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	reg.Add(Recipient{Role: RoleDriver, ID: "d1"}, &fakeConn{err: errors.New("i/o timeout")})

	transport := metrics.GatewayFailures.WithLabelValues(wsGateway, "transport")
	before := promtest.ToFloat64(transport)
	err := reg.Offer(context.Background(), "d1", samplePush())
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, before+1, promtest.ToFloat64(transport))
}

func TestFanout_SkipsGatewaysWithoutSession(t *testing.T) {
	ws := NewWSRegistry(logging.Discard())
	ok := &recordingGateway{}
	customer := Recipient{Role: RoleCustomer, ID: "c1"}

	require.NoError(t, Fanout{ws, ok}.Inform(context.Background(), customer, RideUpdate{}))
	assert.Equal(t, []Recipient{customer}, ok.informs)

	failing := &recordingGateway{err: deliveryError("test", errors.New("unavailable"))}
	err := Fanout{ws, failing}.Inform(context.Background(), customer, RideUpdate{})
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	err = Fanout{ws}.Inform(context.Background(), customer, RideUpdate{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFanout(t *testing.T) {
	ok := &recordingGateway{}
	bad := &recordingGateway{err: deliveryError("test", ErrNoSession)}

	assert.NoError(t, Fanout{bad, ok}.Offer(context.Background(), "d1", samplePush()))
	assert.Equal(t, []types.ID{"d1"}, ok.offers)

	err := Fanout{bad, bad}.Inform(context.Background(), Recipient{Role: RoleCustomer, ID: "c1"}, RideUpdate{})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestRelay_InformsCounterparty(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	feed, cancel := bus.SubscribeAll()
	defer cancel()

	gw := &recordingGateway{}
	relay := NewRelay(gw, logging.Discard())
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, feed)
		close(done)
	}()

	d := types.ID("d1")
	accepted := ride.Ride{ID: "r1", CustomerID: "c1", DriverID: &d, Status: ride.StatusDriverAccepted}
	bus.Publish(events.Event{Type: events.RideStatusChanged, RideID: "r1", Status: string(accepted.Status), Actor: string(ride.ActorDriver), Data: accepted})

	cancelled := accepted
	cancelled.Status = ride.StatusCancelled
	bus.Publish(events.Event{Type: events.RideStatusChanged, RideID: "r1", Status: string(cancelled.Status), Actor: string(ride.ActorCustomer), Data: cancelled})

	bus.Publish(events.Event{Type: events.OfferIssued, RideID: "r1"})

	assert.Eventually(t, func() bool { return len(gw.recipients()) == 2 }, time.Second, 10*time.Millisecond)
	stop()
	<-done

	assert.ElementsMatch(t, []Recipient{
		{Role: RoleCustomer, ID: "c1"},
		{Role: RoleDriver, ID: "d1"},
	}, gw.recipients())
}

func TestUpdateFor_NoDriverResponse(t *testing.T) {
	r := ride.Ride{ID: "r1", Status: ride.StatusCancelled, Cancellation: &ride.Cancellation{By: ride.ActorSystem, Reason: ride.ReasonNoDriverResponse}}
	u := updateFor(r, time.Now())
	assert.Equal(t, "cancelled", u.Status)
	assert.Contains(t, u.Body, "No driver")
}
