// README: Dispatch engine. Broadcasts a ride to nearby drivers, first accept wins, engine timers expire rounds.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tarhal/internal/config"
	"tarhal/internal/metrics"
	"tarhal/internal/modules/location"
	"tarhal/internal/modules/notify"
	"tarhal/internal/modules/ride"
	"tarhal/internal/types"
)

var (
	ErrNoDriversAvailable = errors.New("no drivers available")
	// ErrDispatchFailed wraps a failure that ended the search; the ride has
	// been cancelled and the customer may request again.
	ErrDispatchFailed = errors.New("dispatch failed")
	ErrStopped        = errors.New("dispatch engine stopped")
)

const (
	defaultOpTimeout = 10 * time.Second
	recoverBatch     = 100
)

// Ledger is the part of the ride service the engine drives.
type Ledger interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (*ride.Ride, error)
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Offers(ctx context.Context, rideID types.ID) ([]ride.Offer, error)
	IssueOffers(ctx context.Context, cmd ride.IssueOffersCommand) ([]ride.Offer, error)
	Accept(ctx context.Context, cmd ride.DriverActionCommand) (*ride.Ride, error)
	Decline(ctx context.Context, cmd ride.DriverActionCommand) (*ride.Offer, error)
	ExpireOffers(ctx context.Context, rideID types.ID, round int) (int, error)
	CancelBySystem(ctx context.Context, rideID types.ID, reason string) (*ride.Ride, error)
	Searching(ctx context.Context, limit int) ([]ride.Ride, error)
}

type CandidateFinder interface {
	FindCandidates(ctx context.Context, origin types.Point, vehicleType string, radiusKm float64) ([]location.Candidate, error)
}

// rideState tracks the open round of one ride and every driver offered so far.
type rideState struct {
	round   int
	open    bool
	timer   *time.Timer
	offered map[types.ID]struct{}
}

type Engine struct {
	ledger    Ledger
	geo       CandidateFinder
	gateway   notify.Gateway
	cfg       config.DispatchConfig
	now       func() time.Time
	opTimeout time.Duration
	log       logrus.FieldLogger

	mu     sync.Mutex
	rides  map[types.ID]*rideState
	closed bool
	pushes sync.WaitGroup
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(ledger Ledger, geo CandidateFinder, gateway notify.Gateway, cfg config.DispatchConfig, opts ...Option) *Engine {
	e := &Engine{
		ledger:    ledger,
		geo:       geo,
		gateway:   gateway,
		cfg:       cfg,
		now:       time.Now,
		opTimeout: defaultOpTimeout,
		log:       logrus.StandardLogger(),
		rides:     make(map[types.ID]*rideState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestRide creates the ride and dispatches it. With no drivers in range the
// returned ride is already cancelled and the error is ErrNoDriversAvailable.
func (e *Engine) RequestRide(ctx context.Context, cmd ride.CreateCommand) (*ride.Ride, error) {
	r, err := e.ledger.Create(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := e.Dispatch(ctx, r.ID); err != nil {
		if latest, gerr := e.ledger.Get(ctx, r.ID); gerr == nil {
			r = latest
		}
		return r, err
	}
	return r, nil
}

// Dispatch opens the first round for a searching ride.
func (e *Engine) Dispatch(ctx context.Context, rideID types.ID) error {
	r, err := e.ledger.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != ride.StatusSearching {
		return ride.ErrInvalidTransition
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.abort(rideID, ErrStopped)
		return fmt.Errorf("%w: %w", ErrDispatchFailed, ErrStopped)
	}
	if _, ok := e.rides[rideID]; !ok {
		e.rides[rideID] = &rideState{offered: make(map[types.ID]struct{})}
	}
	e.mu.Unlock()
	return e.openRound(ctx, r, 0)
}

// openRound issues offers for the first round from n on that finds drivers not
// offered before. When none is left the ride is cancelled by the system.
func (e *Engine) openRound(ctx context.Context, r *ride.Ride, n int) error {
	for ; n <= e.cfg.ExtraRounds; n++ {
		radius := e.cfg.RadiusKm + float64(n)*e.cfg.RadiusStepKm
		cands, err := e.geo.FindCandidates(ctx, r.Pickup, r.VehicleType, radius)
		if err != nil {
			e.abort(r.ID, err)
			return fmt.Errorf("%w: find candidates: %w", ErrDispatchFailed, err)
		}
		fresh := e.unoffered(r.ID, cands)
		metrics.DispatchCandidates.Observe(float64(len(fresh)))
		e.log.WithFields(logrus.Fields{
			"ride_id":    r.ID,
			"round":      n,
			"radius_km":  radius,
			"candidates": len(fresh),
		}).Info("dispatch round")
		if len(fresh) == 0 {
			continue
		}
		return e.issue(ctx, r, n, fresh)
	}

	outcome := "exhausted"
	if e.offeredCount(r.ID) == 0 {
		outcome = "no_drivers"
	}
	e.finish(r.ID)
	metrics.DispatchOutcomes.WithLabelValues(outcome).Inc()
	if _, err := e.ledger.CancelBySystem(ctx, r.ID, ride.ReasonNoDriverResponse); err != nil && !errors.Is(err, ride.ErrInvalidTransition) {
		return err
	}
	return ErrNoDriversAvailable
}

func (e *Engine) issue(ctx context.Context, r *ride.Ride, n int, cands []location.Candidate) error {
	expiresAt := e.now().Add(e.cfg.OfferTimeout)
	specs := make([]ride.OfferSpec, 0, len(cands))
	for _, c := range cands {
		specs = append(specs, ride.OfferSpec{DriverID: c.DriverID, DistanceKm: c.DistanceKm})
	}
	if _, err := e.ledger.IssueOffers(ctx, ride.IssueOffersCommand{
		RideID:    r.ID,
		Round:     n,
		Drivers:   specs,
		ExpiresAt: expiresAt,
	}); err != nil {
		if errors.Is(err, ride.ErrInvalidTransition) {
			// Accepted or cancelled meanwhile; nothing left to dispatch.
			e.finish(r.ID)
			return nil
		}
		e.abort(r.ID, err)
		return fmt.Errorf("%w: issue offers: %w", ErrDispatchFailed, err)
	}

	e.mu.Lock()
	st, ok := e.rides[r.ID]
	if !ok || e.closed {
		e.mu.Unlock()
		return nil
	}
	for _, c := range cands {
		st.offered[c.DriverID] = struct{}{}
	}
	st.round = n
	st.open = true
	rideID := r.ID
	st.timer = time.AfterFunc(e.cfg.OfferTimeout, func() { e.expire(rideID, n) })
	// Counted under the lock so Shutdown never waits while pushes are still being added.
	e.pushes.Add(len(cands))
	e.mu.Unlock()

	for _, c := range cands {
		e.push(c, notify.OfferPush{
			RideID:           r.ID,
			VehicleType:      r.VehicleType,
			Amount:           r.Amount,
			DistanceKm:       r.DistanceKm,
			PickupDistanceKm: c.DistanceKm,
			Pickup:           r.Pickup,
			Destination:      r.Destination.Label,
			Round:            n,
			ExpiresAt:        expiresAt,
		})
	}
	return nil
}

// push delivers one offer in the background; failures never hold the round.
// The caller has already counted it in e.pushes.
func (e *Engine) push(c location.Candidate, p notify.OfferPush) {
	go func() {
		defer e.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout)
		defer cancel()
		if err := e.gateway.Offer(ctx, c.DriverID, p); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"ride_id": p.RideID, "driver_id": c.DriverID}).Warn("offer push failed")
		}
	}()
}

// Respond applies a driver's answer. A decline that leaves no pending offer in
// the round ends the round without waiting for the timer.
func (e *Engine) Respond(ctx context.Context, rideID, driverID types.ID, accept bool) (*ride.Ride, error) {
	cmd := ride.DriverActionCommand{RideID: rideID, DriverID: driverID}
	if accept {
		r, err := e.ledger.Accept(ctx, cmd)
		if err != nil {
			return nil, err
		}
		e.finish(rideID)
		metrics.DispatchOutcomes.WithLabelValues("accepted").Inc()
		return r, nil
	}

	o, err := e.ledger.Decline(ctx, cmd)
	if err != nil {
		return nil, err
	}
	offers, err := e.ledger.Offers(ctx, rideID)
	if err != nil {
		return nil, err
	}
	pending := false
	for _, other := range offers {
		if other.Round == o.Round && other.Outcome == ride.OfferPending {
			pending = true
			break
		}
	}
	if !pending && e.claim(rideID, o.Round) {
		e.advance(ctx, rideID, o.Round)
	}
	return e.ledger.Get(ctx, rideID)
}

func (e *Engine) expire(rideID types.ID, n int) {
	if !e.claim(rideID, n) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout)
	defer cancel()
	if _, err := e.ledger.ExpireOffers(ctx, rideID, n); err != nil {
		e.log.WithError(err).WithField("ride_id", rideID).Error("expire offers")
	}
	e.advance(ctx, rideID, n)
}

// advance moves a ride whose round n closed without an accept to the next
// round, or cancels it.
func (e *Engine) advance(ctx context.Context, rideID types.ID, n int) {
	r, err := e.ledger.Get(ctx, rideID)
	if err != nil {
		e.abort(rideID, fmt.Errorf("load ride after round: %w", err))
		return
	}
	if r.Status != ride.StatusSearching {
		e.finish(rideID)
		return
	}
	if err := e.openRound(ctx, r, n+1); err != nil && !errors.Is(err, ErrNoDriversAvailable) {
		e.log.WithError(err).WithField("ride_id", rideID).Error("next dispatch round")
	}
}

// claim closes round n of a ride exactly once, whichever of the timer or the
// last decline gets there first.
func (e *Engine) claim(rideID types.ID, n int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.rides[rideID]
	if !ok || !st.open || st.round != n {
		return false
	}
	st.open = false
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	return true
}

// abort drops the engine's state for a ride and cancels it, so a failed round
// never leaves a ride searching with no timer behind it.
func (e *Engine) abort(rideID types.ID, cause error) {
	e.finish(rideID)
	metrics.DispatchOutcomes.WithLabelValues("error").Inc()
	log := e.log.WithField("ride_id", rideID)
	log.WithError(cause).Error("dispatch failed; cancelling ride")

	ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout)
	defer cancel()
	if _, err := e.ledger.CancelBySystem(ctx, rideID, ride.ReasonDispatchError); err != nil && !errors.Is(err, ride.ErrInvalidTransition) {
		log.WithError(err).Error("cancel ride after dispatch failure")
	}
}

// Forget stops tracking a ride that left searching outside the engine, such as
// a customer cancel.
func (e *Engine) Forget(rideID types.ID) {
	e.finish(rideID)
}

// Recover cancels rides a previous process left searching. Their round timers
// died with that process, so nothing else would ever close them.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	cancelled := 0
	for {
		rides, err := e.ledger.Searching(ctx, recoverBatch)
		if err != nil {
			return cancelled, err
		}
		progress := 0
		for _, r := range rides {
			if e.tracked(r.ID) {
				continue
			}
			_, err := e.ledger.CancelBySystem(ctx, r.ID, ride.ReasonDispatchError)
			if errors.Is(err, ride.ErrInvalidTransition) || errors.Is(err, ride.ErrConflict) {
				continue
			}
			if err != nil {
				return cancelled, err
			}
			cancelled++
			progress++
		}
		if len(rides) < recoverBatch || progress == 0 {
			break
		}
	}
	if cancelled > 0 {
		metrics.DispatchOutcomes.WithLabelValues("recovered").Add(float64(cancelled))
		e.log.WithField("rides", cancelled).Warn("cancelled rides left searching by a previous run")
	}
	return cancelled, nil
}

func (e *Engine) tracked(rideID types.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.rides[rideID]
	return ok
}

func (e *Engine) finish(rideID types.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.rides[rideID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(e.rides, rideID)
	}
}

func (e *Engine) unoffered(rideID types.ID, cands []location.Candidate) []location.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.rides[rideID]
	if !ok {
		return cands
	}
	out := make([]location.Candidate, 0, len(cands))
	for _, c := range cands {
		if _, seen := st.offered[c.DriverID]; !seen {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) offeredCount(rideID types.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.rides[rideID]; ok {
		return len(st.offered)
	}
	return 0
}

// Pending reports how many rides have a dispatch in progress.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rides)
}

// Shutdown stops every round timer and waits for in-flight pushes.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	for id, st := range e.rides {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(e.rides, id)
	}
	e.mu.Unlock()
	e.pushes.Wait()
}
