// README: Location service ingests the driver geolocation stream and answers dispatch candidate queries.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tarhal/internal/types"
)

var ErrInvalidPosition = errors.New("invalid position")

// Mirror receives every applied location write. Failures are logged only.
type Mirror interface {
	Publish(ctx context.Context, st DriverState) error
}

type Service struct {
	store  Store
	mirror Mirror
	maxAge time.Duration
	now    func() time.Time
	log    logrus.FieldLogger
}

type Option func(*Service)

func WithMirror(m Mirror) Option {
	return func(s *Service) { s.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

// NewService builds the geo index. maxAge is the staleness threshold for candidates.
func NewService(store Store, maxAge time.Duration, opts ...Option) *Service {
	s := &Service{
		store:  store,
		maxAge: maxAge,
		now:    time.Now,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update applies one location sample. Samples older than the stored one are
// dropped; samples stamped ahead of the server clock are taken as current.
func (s *Service) Update(ctx context.Context, u Update) error {
	if u.DriverID == "" {
		return fmt.Errorf("%w: driver id required", ErrInvalidPosition)
	}
	if !u.Position.Valid() {
		return fmt.Errorf("%w: lat=%f lng=%f", ErrInvalidPosition, u.Position.Lat, u.Position.Lng)
	}
	now := s.now()
	if u.RecordedAt.IsZero() || u.RecordedAt.After(now) {
		// A device clock running ahead would otherwise keep the driver fresh
		// and shadow every later sample.
		u.RecordedAt = now
	}

	applied, err := s.store.SaveLocation(ctx, u)
	if err != nil {
		return err
	}
	if !applied {
		s.log.WithField("driver_id", u.DriverID).Debug("stale location sample ignored")
		return nil
	}
	s.mirrorState(ctx, u.DriverID)
	return nil
}

// SetStatus moves a driver in or out of the online set for vehicleType.
func (s *Service) SetStatus(ctx context.Context, driverID types.ID, vehicleType string, online bool) error {
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	if err := s.store.SetStatus(ctx, driverID, vehicleType, status); err != nil {
		return err
	}
	s.mirrorState(ctx, driverID)
	return nil
}

func (s *Service) Get(ctx context.Context, driverID types.ID) (DriverState, error) {
	return s.store.Get(ctx, driverID)
}

// Locate returns the last reported position of a driver, ok=false if none.
func (s *Service) Locate(ctx context.Context, driverID types.ID) (types.Point, bool, error) {
	st, err := s.store.Get(ctx, driverID)
	if errors.Is(err, ErrNotFound) {
		return types.Point{}, false, nil
	}
	if err != nil {
		return types.Point{}, false, err
	}
	if !st.HasLocation() {
		return types.Point{}, false, nil
	}
	return st.Position, true, nil
}

// FindCandidates returns online drivers of vehicleType within radiusKm of origin whose
// location is fresher than maxAge, nearest first. No drivers is not an error.
func (s *Service) FindCandidates(ctx context.Context, origin types.Point, vehicleType string, radiusKm float64) ([]Candidate, error) {
	if !origin.Valid() {
		return nil, ErrInvalidPosition
	}
	if radiusKm <= 0 {
		return nil, nil
	}
	states, err := s.store.Nearby(ctx, origin, vehicleType, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	out := make([]Candidate, 0, len(states))
	for _, st := range states {
		if !st.HasLocation() || st.UpdatedAt.Before(cutoff) {
			continue
		}
		// GEO scores are approximate; the haversine result is authoritative.
		dist := HaversineKm(origin, st.Position)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{
			DriverID:   st.DriverID,
			Location:   st.Position,
			DistanceKm: dist,
			UpdatedAt:  st.UpdatedAt,
		})
	}
	sortCandidates(out)
	return out, nil
}

func (s *Service) mirrorState(ctx context.Context, driverID types.ID) {
	if s.mirror == nil {
		return
	}
	st, err := s.store.Get(ctx, driverID)
	if err != nil {
		return
	}
	if err := s.mirror.Publish(ctx, st); err != nil {
		s.log.WithError(err).WithField("driver_id", driverID).Warn("location mirror failed")
	}
}
