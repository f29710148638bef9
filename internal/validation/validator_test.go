package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarhal/internal/modules/pricing"
	"tarhal/internal/types"
)

type sample struct {
	Name        string  `json:"name" validate:"required"`
	VehicleType string  `json:"vehicle_type" validate:"vehicle_type"`
	Lat         float64 `json:"lat" validate:"latitude"`
	Amount      int64   `json:"amount" validate:"gt=0"`
}

func TestStruct_OK(t *testing.T) {
	err := Struct(sample{Name: "x", VehicleType: "tuktuk", Lat: 15.5, Amount: 1})
	assert.NoError(t, err)
}

func TestStruct_ReportsJSONFieldNames(t *testing.T) {
	err := Struct(sample{VehicleType: "bus", Lat: 120})
	require.Error(t, err)

	var ve Errors
	require.True(t, errors.As(err, &ve))
	fields := map[string]string{}
	for _, fe := range ve {
		fields[fe.Field] = fe.Message
	}
	assert.Equal(t, "is required", fields["name"])
	assert.Contains(t, fields["vehicle_type"], "tuktuk")
	assert.Contains(t, fields["lat"], "latitude")
	assert.Contains(t, fields["amount"], "greater than")
	assert.Contains(t, err.Error(), "name is required")
}

func TestStruct_MatchesErrInvalid(t *testing.T) {
	err := Struct(sample{})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.NoError(t, Struct(sample{Name: "n", VehicleType: "vip", Amount: 5}))
}

func TestSetVehicleTypes_FollowsLoadedTable(t *testing.T) {
	t.Cleanup(func() { SetVehicleTypes(pricing.DefaultTable().VehicleTypes()) })

	SetVehicleTypes([]pricing.VehicleType{"bajaj", pricing.VehicleVIP})
	assert.NoError(t, Struct(sample{Name: "n", VehicleType: "bajaj", Amount: 1}))

	err := Struct(sample{Name: "n", VehicleType: "tuktuk", Amount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be one of: bajaj, vip")
}

type trip struct {
	Pickup types.Point `json:"pickup" validate:"required"`
}

func TestStruct_PointTags(t *testing.T) {
	assert.NoError(t, Struct(trip{Pickup: types.Point{Lat: 15.5, Lng: 32.5}}))

	err := Struct(trip{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pickup is required")

	err = Struct(trip{Pickup: types.Point{Lat: 15.5, Lng: 190}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lng must be a valid longitude")
}
