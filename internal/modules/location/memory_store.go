package location

import (
	"context"
	"sync"

	"tarhal/internal/types"
)

// MemoryStore is an in-process Store used by tests and single-node dev runs.
type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[types.ID]DriverState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[types.ID]DriverState)}
}

func (s *MemoryStore) SaveLocation(_ context.Context, u Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.drivers[u.DriverID]
	if !ok {
		st = DriverState{DriverID: u.DriverID, Status: StatusOffline}
	}
	if st.UpdatedAt.After(u.RecordedAt) {
		return false, nil
	}
	st.Position = u.Position
	st.UpdatedAt = u.RecordedAt
	s.drivers[u.DriverID] = st
	return true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, driverID types.ID, vehicleType string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.drivers[driverID]
	if !ok {
		st = DriverState{DriverID: driverID}
	}
	st.VehicleType = vehicleType
	st.Status = status
	s.drivers[driverID] = st
	return nil
}

func (s *MemoryStore) Get(_ context.Context, driverID types.ID) (DriverState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.drivers[driverID]
	if !ok {
		return DriverState{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) Nearby(_ context.Context, origin types.Point, vehicleType string, radiusKm float64) ([]DriverState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DriverState
	for _, st := range s.drivers {
		if st.Status != StatusOnline || st.VehicleType != vehicleType || !st.HasLocation() {
			continue
		}
		if HaversineKm(origin, st.Position) <= radiusKm {
			out = append(out, st)
		}
	}
	return out, nil
}
