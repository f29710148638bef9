package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarhal/internal/config"
	"tarhal/internal/logging"
	"tarhal/internal/modules/driver"
	"tarhal/internal/modules/location"
	"tarhal/internal/modules/notify"
	"tarhal/internal/modules/pricing"
	"tarhal/internal/modules/ride"
	"tarhal/internal/types"
)

var pickup = types.Point{Lat: 15.5007, Lng: 32.5599}

type fakeGateway struct {
	mu     sync.Mutex
	offers []types.ID
}

func (g *fakeGateway) Offer(_ context.Context, driverID types.ID, _ notify.OfferPush) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offers = append(g.offers, driverID)
	return nil
}

func (g *fakeGateway) Inform(context.Context, notify.Recipient, notify.RideUpdate) error {
	return nil
}

func (g *fakeGateway) offered() []types.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.ID(nil), g.offers...)
}

type testEnv struct {
	engine  *Engine
	ledger  *ride.Service
	geo     *location.Service
	gateway *fakeGateway
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		RadiusKm:       20,
		RadiusStepKm:   10,
		OfferTimeout:   40 * time.Second,
		ExtraRounds:    0,
		LocationMaxAge: 2 * time.Minute,
	}
}

func newTestEnv(t *testing.T, cfg config.DispatchConfig) *testEnv {
	t.Helper()
	log := logging.Discard()
	ledger := ride.NewService(ride.NewMemoryStore(driver.NewMemoryStore()), pricing.NewCalculator(pricing.DefaultTable()),
		ride.WithLogger(log))
	geo := location.NewService(location.NewMemoryStore(), cfg.LocationMaxAge, location.WithLogger(log))
	gw := &fakeGateway{}
	engine := NewEngine(ledger, geo, gw, cfg, WithLogger(log))
	t.Cleanup(engine.Shutdown)
	return &testEnv{engine: engine, ledger: ledger, geo: geo, gateway: gw}
}

// online puts a driver kmNorth kilometres north of the pickup point.
func (env *testEnv) online(t *testing.T, id types.ID, vehicleType string, kmNorth float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.geo.SetStatus(ctx, id, vehicleType, true))
	require.NoError(t, env.geo.Update(ctx, location.Update{
		DriverID:   id,
		Position:   types.Point{Lat: pickup.Lat + kmNorth/111.2, Lng: pickup.Lng},
		RecordedAt: time.Now(),
	}))
}

func (env *testEnv) request(t *testing.T, customer types.ID, vehicleType string) (*ride.Ride, error) {
	t.Helper()
	return env.engine.RequestRide(context.Background(), ride.CreateCommand{
		CustomerID:  customer,
		Pickup:      pickup,
		Destination: ride.Destination{Lat: 15.5250, Lng: 32.5600, Label: "Souq Arabi"},
		VehicleType: vehicleType,
	})
}

func outcomes(t *testing.T, env *testEnv, rideID types.ID) map[types.ID]ride.OfferOutcome {
	t.Helper()
	offers, err := env.ledger.Offers(context.Background(), rideID)
	require.NoError(t, err)
	out := make(map[types.ID]ride.OfferOutcome, len(offers))
	for _, o := range offers {
		out[o.DriverID] = o.Outcome
	}
	return out
}

func TestThreeDrivers_TwoDeclineOneAccepts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.online(t, "d1", "economy", 1)
	env.online(t, "d2", "economy", 2)
	env.online(t, "d3", "economy", 3)

	r, err := env.request(t, "c1", "economy")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusSearching, r.Status)
	assert.Eventually(t, func() bool { return len(env.gateway.offered()) == 3 }, time.Second, 5*time.Millisecond)

	got, err := env.engine.Respond(ctx, r.ID, "d1", false)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusSearching, got.Status)
	_, err = env.engine.Respond(ctx, r.ID, "d2", false)
	require.NoError(t, err)

	got, err = env.engine.Respond(ctx, r.ID, "d3", true)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusDriverAccepted, got.Status)
	require.NotNil(t, got.DriverID)
	assert.Equal(t, types.ID("d3"), *got.DriverID)

	assert.Equal(t, map[types.ID]ride.OfferOutcome{
		"d1": ride.OfferDeclined,
		"d2": ride.OfferDeclined,
		"d3": ride.OfferAccepted,
	}, outcomes(t, env, r.ID))
	assert.Zero(t, env.engine.Pending())
}

func TestZeroVIPDrivers(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.online(t, "d1", "economy", 1)

	r, err := env.request(t, "c1", "vip")
	assert.ErrorIs(t, err, ErrNoDriversAvailable)
	require.NotNil(t, r)
	assert.Equal(t, ride.StatusCancelled, r.Status)
	require.NotNil(t, r.Cancellation)
	assert.Equal(t, ride.ReasonNoDriverResponse, r.Cancellation.Reason)
	assert.Equal(t, ride.ActorSystem, r.Cancellation.By)
	assert.Nil(t, r.DriverID)
	assert.Empty(t, env.gateway.offered())
	assert.Zero(t, env.engine.Pending())
}

func TestStaleDriverNotOffered(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	require.NoError(t, env.geo.SetStatus(ctx, "d1", "economy", true))
	require.NoError(t, env.geo.Update(ctx, location.Update{
		DriverID:   "d1",
		Position:   pickup,
		RecordedAt: time.Now().Add(-5 * time.Minute),
	}))

	r, err := env.request(t, "c1", "economy")
	assert.ErrorIs(t, err, ErrNoDriversAvailable)
	assert.Equal(t, ride.StatusCancelled, r.Status)
}

func TestTimeoutCancelsRide(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.OfferTimeout = 50 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.online(t, "d1", "economy", 1)

	r, err := env.request(t, "c1", "economy")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := env.ledger.Get(ctx, r.ID)
		return err == nil && got.Status == ride.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	got, err := env.ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.ReasonNoDriverResponse, got.Cancellation.Reason)
	assert.Equal(t, ride.OfferExpired, outcomes(t, env, r.ID)["d1"])

	_, err = env.engine.Respond(ctx, r.ID, "d1", true)
	assert.ErrorIs(t, err, ride.ErrOfferAlreadyResolved)
	assert.Zero(t, env.engine.Pending())
}

func TestAllDeclinesEndRoundEarly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.online(t, "d1", "economy", 1)
	env.online(t, "d2", "economy", 2)

	r, err := env.request(t, "c1", "economy")
	require.NoError(t, err)

	_, err = env.engine.Respond(ctx, r.ID, "d1", false)
	require.NoError(t, err)
	got, err := env.engine.Respond(ctx, r.ID, "d2", false)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCancelled, got.Status)
	assert.Nil(t, got.DriverID)
}

func TestExtraRoundExpandsRadius(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RadiusKm = 5
	cfg.ExtraRounds = 1
	env := newTestEnv(t, cfg)
	env.online(t, "near", "comfort", 2)
	env.online(t, "far", "comfort", 12)

	r, err := env.request(t, "c1", "comfort")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(env.gateway.offered()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.ID{"near"}, env.gateway.offered())

	_, err = env.engine.Respond(ctx, r.ID, "near", false)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(env.gateway.offered()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.ID{"near", "far"}, env.gateway.offered())

	got, err := env.engine.Respond(ctx, r.ID, "far", true)
	require.NoError(t, err)
	assert.Equal(t, types.ID("far"), *got.DriverID)

	offers, err := env.ledger.Offers(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, 0, offers[0].Round)
	assert.Equal(t, 1, offers[1].Round)
}

func TestConcurrentAcceptsThroughEngine(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	const drivers = 5
	for i := 0; i < drivers; i++ {
		env.online(t, types.ID(fmt.Sprintf("d%d", i)), "tuktuk", float64(i+1))
	}
	r, err := env.request(t, "c1", "tuktuk")
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			_, err := env.engine.Respond(ctx, r.ID, id, true)
			errs <- err
		}(types.ID(fmt.Sprintf("d%d", i)))
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.ErrorIs(t, err, ride.ErrOfferAlreadyResolved)
	}
	assert.Equal(t, 1, success)
}

func TestShutdownStopsTimers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.OfferTimeout = 30 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.online(t, "d1", "economy", 1)

	r, err := env.request(t, "c1", "economy")
	require.NoError(t, err)
	env.engine.Shutdown()
	assert.Zero(t, env.engine.Pending())

	time.Sleep(100 * time.Millisecond)
	got, err := env.ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusSearching, got.Status)
}

// flakyFinder serves the first ok searches from the real index, then fails.
type flakyFinder struct {
	next  CandidateFinder
	ok    int
	mu    sync.Mutex
	calls int
}

func (f *flakyFinder) FindCandidates(ctx context.Context, origin types.Point, vehicleType string, radiusKm float64) ([]location.Candidate, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n > f.ok {
		return nil, errors.New("redis: connection refused")
	}
	return f.next.FindCandidates(ctx, origin, vehicleType, radiusKm)
}

func TestFindCandidatesFailureCancelsRide(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.online(t, "d1", "economy", 1)
	engine := NewEngine(env.ledger, &flakyFinder{next: env.geo}, env.gateway, testConfig(), WithLogger(logging.Discard()))
	t.Cleanup(engine.Shutdown)

	cmd := ride.CreateCommand{
		CustomerID:  "c1",
		Pickup:      pickup,
		Destination: ride.Destination{Lat: 15.5250, Lng: 32.5600},
		VehicleType: "economy",
	}
	r, err := engine.RequestRide(ctx, cmd)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	require.NotNil(t, r)
	assert.Equal(t, ride.StatusCancelled, r.Status)
	require.NotNil(t, r.Cancellation)
	assert.Equal(t, ride.ReasonDispatchError, r.Cancellation.Reason)
	assert.Zero(t, engine.Pending())

	// The customer is not left holding an active ride.
	_, err = engine.RequestRide(ctx, cmd)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.NotErrorIs(t, err, ride.ErrActiveRide)
}

func TestNextRoundFailureCancelsRide(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.OfferTimeout = 50 * time.Millisecond
	cfg.ExtraRounds = 1
	env := newTestEnv(t, cfg)
	env.online(t, "d1", "economy", 1)
	engine := NewEngine(env.ledger, &flakyFinder{next: env.geo, ok: 1}, env.gateway, cfg, WithLogger(logging.Discard()))
	t.Cleanup(engine.Shutdown)

	r, err := engine.RequestRide(ctx, ride.CreateCommand{
		CustomerID:  "c1",
		Pickup:      pickup,
		Destination: ride.Destination{Lat: 15.5250, Lng: 32.5600},
		VehicleType: "economy",
	})
	require.NoError(t, err)
	assert.Equal(t, ride.StatusSearching, r.Status)

	assert.Eventually(t, func() bool {
		got, err := env.ledger.Get(ctx, r.ID)
		return err == nil && got.Status == ride.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
	got, err := env.ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.ReasonDispatchError, got.Cancellation.Reason)
	assert.Zero(t, engine.Pending())
}

func TestRecoverCancelsRidesLeftSearching(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())

	orphan, err := env.ledger.Create(ctx, ride.CreateCommand{
		CustomerID:  "c1",
		Pickup:      pickup,
		Destination: ride.Destination{Lat: 15.5250, Lng: 32.5600},
		VehicleType: "economy",
	})
	require.NoError(t, err)
	env.online(t, "d1", "economy", 1)
	live, err := env.request(t, "c2", "economy")
	require.NoError(t, err)

	n, err := env.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.ledger.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCancelled, got.Status)
	assert.Equal(t, ride.ReasonDispatchError, got.Cancellation.Reason)

	got, err = env.ledger.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusSearching, got.Status)

	n, err = env.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForgetStopsRoundAfterCustomerCancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.online(t, "d1", "economy", 1)

	r, err := env.request(t, "c1", "economy")
	require.NoError(t, err)
	require.Equal(t, 1, env.engine.Pending())

	_, err = env.ledger.Cancel(ctx, ride.CancelCommand{RideID: r.ID, By: ride.ActorCustomer, ActorID: "c1"})
	require.NoError(t, err)
	env.engine.Forget(r.ID)
	assert.Zero(t, env.engine.Pending())
}
