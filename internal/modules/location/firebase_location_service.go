// Package location: FirebaseMirror copies driver locations into Firebase RTDB so
// the customer app can render nearby cars without polling the API.
package location

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/mmcloughlin/geohash"
)

const (
	driverLocationsPath = "driver_locations"
	// Precision 7 cells are roughly 150m across.
	geohashPrecision = 7
)

// rtdbDriverEntry mirrors a single driver entry stored under /driver_locations.
type rtdbDriverEntry struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Geohash     string  `json:"geohash"`
	Status      string  `json:"status"`
	VehicleType string  `json:"vehicle_type"`
	Timestamp   int64   `json:"timestamp"`
}

type FirebaseMirror struct {
	dbClient *db.Client
}

func NewFirebaseMirror(ctx context.Context, app *firebase.App) (*FirebaseMirror, error) {
	dbClient, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase RTDB client: %w", err)
	}
	return &FirebaseMirror{dbClient: dbClient}, nil
}

func (m *FirebaseMirror) Publish(ctx context.Context, st DriverState) error {
	ref := m.dbClient.NewRef(driverLocationsPath).Child(string(st.DriverID))
	if err := ref.Set(ctx, newRTDBEntry(st)); err != nil {
		return fmt.Errorf("mirror driver %s: %w", st.DriverID, err)
	}
	return nil
}

func newRTDBEntry(st DriverState) rtdbDriverEntry {
	entry := rtdbDriverEntry{
		Lat:         st.Position.Lat,
		Lng:         st.Position.Lng,
		Status:      string(st.Status),
		VehicleType: st.VehicleType,
	}
	if st.HasLocation() {
		entry.Geohash = geohash.EncodeWithPrecision(st.Position.Lat, st.Position.Lng, geohashPrecision)
		entry.Timestamp = st.UpdatedAt.UnixMilli()
	}
	return entry
}
