package maps

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tarhal/internal/types"
)

func TestIsArea(t *testing.T) {
	assert.True(t, isArea([]string{"locality", "political"}))
	assert.True(t, isArea([]string{"route"}))
	assert.False(t, isArea([]string{"mosque", "place_of_worship", "point_of_interest"}))
	assert.False(t, isArea(nil))
}

func TestLatLng(t *testing.T) {
	assert.Equal(t, "15.500700,32.559900", latLng(types.Point{Lat: 15.5007, Lng: 32.5599}))
}
