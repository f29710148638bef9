// README: DB-backed wallet tests (run with TARHAL_TEST_DSN and -race).
package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarhal/internal/testutil"
	"tarhal/internal/types"
)

func TestPostgresStore_WalletSerializes(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.Postgres(t))
	svc, _, _ := newTestService(t, store)
	register(t, svc, "pg_d1", "economy")

	const credits = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < credits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, store.Credit(ctx, "pg_d1", 11280, time.Now()))
		}()
	}
	close(start)
	wg.Wait()

	d, err := svc.Get(ctx, "pg_d1")
	require.NoError(t, err)
	assert.Equal(t, int64(112800), d.Balance)
	assert.Equal(t, credits, d.TotalRides)

	_, err = svc.Withdraw(ctx, WithdrawCommand{DriverID: "pg_d1", Amount: 200000, Method: "bankak"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	w, err := svc.Withdraw(ctx, WithdrawCommand{DriverID: "pg_d1", Amount: 100000, Method: "bankak"})
	require.NoError(t, err)
	assert.Equal(t, int64(12800), w.BalanceAfter)

	hist, err := svc.Withdrawals(ctx, "pg_d1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestPostgresStore_StatusAndActivity(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.Postgres(t))
	svc, _, clk := newTestService(t, store)
	register(t, svc, "pg_d2", "comfort")

	_, err := svc.SetOnline(ctx, "pg_d2", true)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = svc.SetOnline(ctx, "pg_d2", false)
	require.NoError(t, err)

	logs, err := store.ActivityLogs(ctx, "pg_d2", time.Time{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, ActionOnline, logs[0].Action)

	_, err = svc.Register(ctx, RegisterCommand{ID: "pg_d2", Name: "dup", Phone: "1", VehicleType: "comfort"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestPostgresStore_ProfileAndEmergency(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.Postgres(t))
	svc, geo, _ := newTestService(t, store)
	register(t, svc, "pg_d3", "economy")

	model := "Toyota Corolla"
	d, err := svc.UpdateProfile(ctx, UpdateProfileCommand{ID: "pg_d3", VehicleModel: &model})
	require.NoError(t, err)
	assert.Equal(t, "Toyota Corolla", d.VehicleModel)
	assert.Equal(t, "Driver pg_d3", d.Name)

	geo.positions["pg_d3"] = types.Point{Lat: 15.6, Lng: 32.5}
	e, err := svc.RequestEmergency(ctx, EmergencyCommand{DriverID: "pg_d3", Type: "breakdown"})
	require.NoError(t, err)
	require.NotNil(t, e.Location)

	_, err = svc.RequestEmergency(ctx, EmergencyCommand{DriverID: "pg_missing", Type: "breakdown"})
	assert.ErrorIs(t, err, ErrNotFound)
}
