// README: Driver location records and dispatch candidates.
package location

import (
	"time"

	"tarhal/internal/types"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DriverState is the single last-write-wins record kept per driver.
type DriverState struct {
	DriverID    types.ID
	VehicleType string
	Status      Status
	Position    types.Point
	// UpdatedAt is when the device recorded the position; zero if never reported.
	UpdatedAt time.Time
}

func (d DriverState) HasLocation() bool {
	return !d.UpdatedAt.IsZero()
}

// Update is one sample of a driver's geolocation stream.
type Update struct {
	DriverID   types.ID
	Position   types.Point
	RecordedAt time.Time
}

// Candidate is a dispatchable driver with its distance to the pickup point.
type Candidate struct {
	DriverID   types.ID    `json:"driver_id"`
	Location   types.Point `json:"location"`
	DistanceKm float64     `json:"distance_km"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
