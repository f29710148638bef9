// README: Ride store backed by PostgreSQL; offer resolution and settlement run in one transaction.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tarhal/internal/modules/driver"
	"tarhal/internal/modules/pricing"
	"tarhal/internal/types"
)

const uniqueViolation = "23505"

const rideColumns = `id, customer_id, driver_id, status, status_version,
	pickup_lat, pickup_lng, destination_lat, destination_lng, destination_label,
	vehicle_type, distance_km, amount, currency, dispatch_round,
	created_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
	cancelled_by, cancel_reason, service_fee, driver_earnings`

const offerColumns = `ride_id, driver_id, round, distance_km, issued_at, expires_at, outcome, resolved_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, r *Ride, e *Event) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rides (
				id, customer_id, driver_id, status, status_version,
				pickup_lat, pickup_lng, destination_lat, destination_lng, destination_label,
				vehicle_type, distance_km, amount, currency, dispatch_round, created_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9, $10,
				$11, $12, $13, $14, $15, $16
			)`,
			string(r.ID), string(r.CustomerID), toStringPtr(r.DriverID), string(r.Status), r.StatusVersion,
			r.Pickup.Lat, r.Pickup.Lng, r.Destination.Lat, r.Destination.Lng, r.Destination.Label,
			r.VehicleType, r.DistanceKm, r.Amount.Amount, r.Amount.Currency, r.DispatchRound, r.CreatedAt,
		)
		if err != nil {
			return err
		}
		return appendEvent(ctx, tx, e)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrActiveRide
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return getRide(ctx, s.db, id, false)
}

func getRide(ctx context.Context, q querier, id types.ID, forUpdate bool) (*Ride, error) {
	sql := `SELECT ` + rideColumns + ` FROM rides WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanRide(q.QueryRow(ctx, sql, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE customer_id = $1
			  AND status IN ('searching','driver_accepted','driver_arrived','in_progress')
		)`, string(customerID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) CreateOffers(ctx context.Context, rideID types.ID, round int, offers []Offer) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		r, err := getRide(ctx, tx, rideID, true)
		if err != nil {
			return err
		}
		if r.Status != StatusSearching {
			return ErrInvalidTransition
		}
		if _, err := tx.Exec(ctx, `UPDATE rides SET dispatch_round = $2 WHERE id = $1`, string(rideID), round); err != nil {
			return err
		}
		for _, o := range offers {
			_, err := tx.Exec(ctx, `
				INSERT INTO ride_offers (`+offerColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
				string(o.RideID), string(o.DriverID), o.Round, o.DistanceKm, o.IssuedAt, o.ExpiresAt, string(o.Outcome),
			)
			if err != nil {
				return fmt.Errorf("insert offer for %s: %w", o.DriverID, err)
			}
		}
		return nil
	})
}

// lockOffer locks the ride row first, so concurrent resolutions on one ride queue up behind it.
func lockOffer(ctx context.Context, tx pgx.Tx, rideID, driverID types.ID) (*Ride, *Offer, error) {
	r, err := getRide(ctx, tx, rideID, true)
	if err != nil {
		return nil, nil, err
	}
	o, err := scanOffer(tx.QueryRow(ctx, `
		SELECT `+offerColumns+` FROM ride_offers
		WHERE ride_id = $1 AND driver_id = $2
		FOR UPDATE`, string(rideID), string(driverID),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return r, o, nil
}

func (s *PostgresStore) ResolveAccept(ctx context.Context, rideID, driverID types.ID, at time.Time) (*Ride, error) {
	var out *Ride
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		r, o, err := lockOffer(ctx, tx, rideID, driverID)
		if err != nil {
			return err
		}
		if r.Status != StatusSearching || !o.Open(at) {
			return ErrOfferAlreadyResolved
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ride_offers SET outcome = 'accepted', resolved_at = $3
			WHERE ride_id = $1 AND driver_id = $2`,
			string(rideID), string(driverID), at,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ride_offers SET outcome = 'expired', resolved_at = $3
			WHERE ride_id = $1 AND driver_id <> $2 AND outcome = 'pending'`,
			string(rideID), string(driverID), at,
		); err != nil {
			return err
		}
		out, err = scanRide(tx.QueryRow(ctx, `
			UPDATE rides
			SET status = 'driver_accepted',
			    status_version = status_version + 1,
			    driver_id = $2,
			    accepted_at = $3
			WHERE id = $1 AND status = 'searching'
			RETURNING `+rideColumns,
			string(rideID), string(driverID), at,
		))
		if err != nil {
			return err
		}
		return appendEvent(ctx, tx, &Event{
			RideID:     rideID,
			FromStatus: StatusSearching,
			ToStatus:   StatusDriverAccepted,
			ActorType:  ActorDriver,
			ActorID:    &driverID,
			CreatedAt:  at,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ResolveDecline(ctx context.Context, rideID, driverID types.ID, at time.Time) (*Offer, error) {
	var out *Offer
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		r, o, err := lockOffer(ctx, tx, rideID, driverID)
		if err != nil {
			return err
		}
		if r.Status != StatusSearching || !o.Open(at) {
			return ErrOfferAlreadyResolved
		}
		out, err = scanOffer(tx.QueryRow(ctx, `
			UPDATE ride_offers SET outcome = 'declined', resolved_at = $3
			WHERE ride_id = $1 AND driver_id = $2
			RETURNING `+offerColumns,
			string(rideID), string(driverID), at,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ExpireOffers(ctx context.Context, rideID types.ID, round int, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE ride_offers SET outcome = 'expired', resolved_at = $3
		WHERE ride_id = $1 AND round = $2 AND outcome = 'pending'`,
		string(rideID), round, at,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListOffers(ctx context.Context, rideID types.ID) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+offerColumns+` FROM ride_offers
		WHERE ride_id = $1
		ORDER BY round ASC, distance_km ASC`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, t Transition) (*Ride, error) {
	col, ok := timestampColumns[t.To]
	if !ok {
		return nil, ErrInvalidTransition
	}
	var by, reason *string
	if t.Cancellation != nil {
		b := string(t.Cancellation.By)
		by, reason = &b, &t.Cancellation.Reason
	}

	var out *Ride
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		out, err = scanRide(tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE rides
			SET status = $1,
			    status_version = status_version + 1,
			    %[1]s = COALESCE(%[1]s, $2),
			    cancelled_by = COALESCE($3, cancelled_by),
			    cancel_reason = COALESCE($4, cancel_reason)
			WHERE id = $5 AND status = $6 AND status_version = $7
			RETURNING %[2]s`, col, rideColumns),
			string(t.To), t.At, by, reason,
			string(t.RideID), string(t.From), t.Version,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if t.To == StatusCancelled {
			if _, err := tx.Exec(ctx, `
				UPDATE ride_offers SET outcome = 'expired', resolved_at = $2
				WHERE ride_id = $1 AND outcome = 'pending'`,
				string(t.RideID), t.At,
			); err != nil {
				return err
			}
		}
		return appendEvent(ctx, tx, &Event{
			RideID:     t.RideID,
			FromStatus: t.From,
			ToStatus:   t.To,
			ActorType:  t.ActorType,
			ActorID:    t.ActorID,
			CreatedAt:  t.At,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Complete(ctx context.Context, c Completion) (*Ride, error) {
	var out *Ride
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		out, err = scanRide(tx.QueryRow(ctx, `
			UPDATE rides
			SET status = 'completed',
			    status_version = status_version + 1,
			    completed_at = $1,
			    service_fee = $2,
			    driver_earnings = $3
			WHERE id = $4 AND status = 'in_progress' AND driver_id = $5 AND status_version = $6
			RETURNING `+rideColumns,
			c.At, c.Settlement.ServiceFee, c.Settlement.DriverEarnings,
			string(c.RideID), string(c.DriverID), c.Version,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if err := driver.CreditTx(ctx, tx, c.DriverID, c.Settlement.DriverEarnings, c.At); err != nil {
			return fmt.Errorf("credit driver %s: %w", c.DriverID, err)
		}
		return appendEvent(ctx, tx, &Event{
			RideID:     c.RideID,
			FromStatus: StatusInProgress,
			ToStatus:   StatusCompleted,
			ActorType:  ActorDriver,
			ActorID:    &c.DriverID,
			CreatedAt:  c.At,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListByCustomer(ctx context.Context, customerID types.ID, page Page) ([]Ride, error) {
	return s.list(ctx, `customer_id = $1`, string(customerID), page)
}

func (s *PostgresStore) ListByDriver(ctx context.Context, driverID types.ID, page Page) ([]Ride, error) {
	return s.list(ctx, `driver_id = $1`, string(driverID), page)
}

func (s *PostgresStore) list(ctx context.Context, where, arg string, page Page) ([]Ride, error) {
	args := []any{arg, page.Limit, page.Offset}
	if len(page.Statuses) > 0 {
		statuses := make([]string, 0, len(page.Statuses))
		for _, st := range page.Statuses {
			statuses = append(statuses, string(st))
		}
		where += ` AND status = ANY($4)`
		args = append(args, statuses)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, args...,
	)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Ride, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func collectRides(rows pgx.Rows) ([]Ride, error) {
	defer rows.Close()
	var out []Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CustomerStats(ctx context.Context, customerID types.ID, w StatsWindow) (CustomerStats, error) {
	var st CustomerStats
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'cancelled'),
		       COUNT(*) FILTER (WHERE created_at >= $2),
		       COUNT(*) FILTER (WHERE created_at >= $3),
		       COUNT(*) FILTER (WHERE created_at >= $4),
		       COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)::BIGINT
		FROM rides
		WHERE customer_id = $1`,
		string(customerID), w.Today, w.Week, w.Month,
	).Scan(&st.TotalRides, &st.CompletedRides, &st.CancelledRides, &st.TodayRides, &st.WeekRides, &st.MonthRides, &st.TotalSpent)
	return st, err
}

func (s *PostgresStore) DriverEarnings(ctx context.Context, driverID types.ID, since time.Time) ([]driver.Earning, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_earnings, completed_at FROM rides
		WHERE driver_id = $1 AND status = 'completed' AND completed_at >= $2
		ORDER BY completed_at ASC`, string(driverID), since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []driver.Earning
	for rows.Next() {
		var e driver.Earning
		var id string
		if err := rows.Scan(&id, &e.Amount, &e.SettledAt); err != nil {
			return nil, err
		}
		e.RideID = types.ID(id)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Events(ctx context.Context, rideID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, from_status, to_status, actor_type, actor_id, created_at
		FROM ride_state_events
		WHERE ride_id = $1
		ORDER BY id ASC`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var rid, from, to, actor string
		var actorID *string
		if err := rows.Scan(&e.ID, &rid, &from, &to, &actor, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RideID = types.ID(rid)
		e.FromStatus, e.ToStatus, e.ActorType = Status(from), Status(to), Actor(actor)
		e.ActorID = fromStringPtr(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendEvent(ctx context.Context, q querier, e *Event) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RideID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorType),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

var timestampColumns = map[Status]string{
	StatusDriverAccepted: "accepted_at",
	StatusDriverArrived:  "arrived_at",
	StatusInProgress:     "started_at",
	StatusCompleted:      "completed_at",
	StatusCancelled:      "cancelled_at",
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var id, customerID, status, vehicleType string
	var driverID, cancelledBy, cancelReason *string
	var serviceFee, driverEarnings *int64

	err := row.Scan(
		&id, &customerID, &driverID, &status, &r.StatusVersion,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Destination.Lat, &r.Destination.Lng, &r.Destination.Label,
		&vehicleType, &r.DistanceKm, &r.Amount.Amount, &r.Amount.Currency, &r.DispatchRound,
		&r.CreatedAt, &r.AcceptedAt, &r.ArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&cancelledBy, &cancelReason, &serviceFee, &driverEarnings,
	)
	if err != nil {
		return nil, err
	}
	r.ID = types.ID(id)
	r.CustomerID = types.ID(customerID)
	r.DriverID = fromStringPtr(driverID)
	r.Status = Status(status)
	r.VehicleType = vehicleType
	if cancelledBy != nil {
		r.Cancellation = &Cancellation{By: Actor(*cancelledBy)}
		if cancelReason != nil {
			r.Cancellation.Reason = *cancelReason
		}
	}
	if serviceFee != nil && driverEarnings != nil {
		r.Settlement = &pricing.Settlement{ServiceFee: *serviceFee, DriverEarnings: *driverEarnings}
	}
	return &r, nil
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	var rideID, driverID, outcome string
	if err := row.Scan(&rideID, &driverID, &o.Round, &o.DistanceKm, &o.IssuedAt, &o.ExpiresAt, &outcome, &o.ResolvedAt); err != nil {
		return nil, err
	}
	o.RideID, o.DriverID, o.Outcome = types.ID(rideID), types.ID(driverID), OfferOutcome(outcome)
	return &o, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func fromStringPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
