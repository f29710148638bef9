// README: DB-backed ledger tests (run with TARHAL_TEST_DSN and -race).
package ride

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarhal/internal/modules/driver"
	"tarhal/internal/testutil"
	"tarhal/internal/types"
)

func newPostgresHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.Postgres(t)
	return newHarnessWith(t, NewPostgresStore(db), driver.NewPostgresStore(db), 3.0)
}

func TestPostgresStore_ConcurrentAccept(t *testing.T) {
	ctx := context.Background()
	h := newPostgresHarness(t)
	r := h.create(t, "pg_c1", "economy")

	const attempts = 6
	ids := make([]types.ID, attempts)
	for i := range ids {
		ids[i] = types.ID(fmt.Sprintf("pg_d%d", i))
		h.addDriver(t, ids[i])
	}
	h.offer(t, r.ID, ids...)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, attempts)
	for _, id := range ids {
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			<-start
			_, err := h.svc.Accept(ctx, DriverActionCommand{RideID: r.ID, DriverID: did})
			errs <- err
		}(id)
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
		require.ErrorIs(t, err, ErrOfferAlreadyResolved)
	}
	assert.Equal(t, 1, success)

	offers, err := h.svc.Offers(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, offers, attempts)
	pending := 0
	for _, o := range offers {
		if o.Outcome == OfferPending {
			pending++
		}
	}
	assert.Zero(t, pending)
}

func TestPostgresStore_CompleteCreditsOnce(t *testing.T) {
	ctx := context.Background()
	h := newPostgresHarness(t)
	r := h.assigned(t, "pg_c1", "pg_d1")
	cmd := DriverActionCommand{RideID: r.ID, DriverID: "pg_d1"}
	_, err := h.svc.Arrive(ctx, cmd)
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, cmd)
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.Complete(ctx, cmd)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		}
	}
	assert.Equal(t, 1, success)

	d, err := h.drivers.Get(ctx, "pg_d1")
	require.NoError(t, err)
	assert.Equal(t, int64(11280), d.Balance)
	assert.Equal(t, 1, d.TotalRides)

	got, err := h.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(12000), got.Amount.Amount)
	require.NotNil(t, got.Settlement)
	assert.Equal(t, int64(720), got.Settlement.ServiceFee)

	evs, err := h.svc.Events(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, evs, 5)
	assert.Equal(t, StatusCompleted, evs[4].ToStatus)
}

func TestPostgresStore_ActiveRideAndCancel(t *testing.T) {
	ctx := context.Background()
	h := newPostgresHarness(t)
	r := h.create(t, "pg_c1", "comfort")

	_, err := h.svc.Create(ctx, CreateCommand{CustomerID: "pg_c1", Pickup: pickup, Destination: destination, VehicleType: "comfort"})
	assert.ErrorIs(t, err, ErrActiveRide)

	got, err := h.svc.CancelBySystem(ctx, r.ID, ReasonNoDriverResponse)
	require.NoError(t, err)
	assert.Equal(t, ActorSystem, got.Cancellation.By)

	st, err := h.svc.Stats(ctx, "pg_c1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalRides)
	assert.Equal(t, 1, st.CancelledRides)

	h.create(t, "pg_c1", "comfort")
}
