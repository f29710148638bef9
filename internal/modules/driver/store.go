// README: Driver store backed by PostgreSQL; wallet writes lock the driver row.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tarhal/internal/types"
)

// Store persists drivers. Credit and Withdraw must serialize per driver.
type Store interface {
	Create(ctx context.Context, d *Driver) error
	Get(ctx context.Context, id types.ID) (*Driver, error)
	SetStatus(ctx context.Context, id types.ID, status Status, at time.Time) error
	Deactivate(ctx context.Context, id types.ID, at time.Time) error
	SetDeviceToken(ctx context.Context, id types.ID, token string, at time.Time) error
	UpdateProfile(ctx context.Context, id types.ID, ch ProfileChanges, at time.Time) error
	Credit(ctx context.Context, id types.ID, amount int64, at time.Time) error
	Withdraw(ctx context.Context, w *Withdrawal) error
	ListWithdrawals(ctx context.Context, id types.ID, limit int) ([]Withdrawal, error)
	ActivityLogs(ctx context.Context, id types.ID, since time.Time) ([]ActivityLog, error)
	CreateEmergency(ctx context.Context, e *Emergency) error
}

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, d *Driver) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO drivers (
			id, name, phone, vehicle_type, vehicle_model, vehicle_plate,
			balance, total_rides, total_earnings, status, is_active,
			device_token, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14
		)`,
		string(d.ID), d.Name, d.Phone, d.VehicleType, d.VehicleModel, d.VehiclePlate,
		d.Balance, d.TotalRides, d.TotalEarnings, string(d.Status), d.Active,
		d.DeviceToken, d.CreatedAt, d.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Driver, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, phone, vehicle_type, vehicle_model, vehicle_plate,
		       balance, total_rides, total_earnings, status, is_active,
		       device_token, last_online_at, created_at, updated_at
		FROM drivers
		WHERE id = $1`, string(id),
	)

	var d Driver
	var status string
	err := row.Scan(
		&d.ID, &d.Name, &d.Phone, &d.VehicleType, &d.VehicleModel, &d.VehiclePlate,
		&d.Balance, &d.TotalRides, &d.TotalEarnings, &status, &d.Active,
		&d.DeviceToken, &d.LastOnlineAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	return &d, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id types.ID, status Status, at time.Time) error {
	action := ActionOffline
	if status == StatusOnline {
		action = ActionOnline
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE drivers
			SET status = $2,
			    last_online_at = CASE WHEN $2 = 'online' THEN $3 ELSE last_online_at END,
			    updated_at = $3
			WHERE id = $1`,
			string(id), string(status), at,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO driver_activity_logs (driver_id, action, created_at)
			VALUES ($1, $2, $3)`,
			string(id), string(action), at,
		)
		return err
	})
}

func (s *PostgresStore) Deactivate(ctx context.Context, id types.ID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET is_active = FALSE, status = 'offline', updated_at = $2
		WHERE id = $1`, string(id), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetDeviceToken(ctx context.Context, id types.ID, token string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET device_token = $2, updated_at = $3 WHERE id = $1`,
		string(id), token, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, id types.ID, ch ProfileChanges, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET name = COALESCE($2, name),
		    phone = COALESCE($3, phone),
		    vehicle_model = COALESCE($4, vehicle_model),
		    vehicle_plate = COALESCE($5, vehicle_plate),
		    updated_at = $6
		WHERE id = $1`,
		string(id), ch.Name, ch.Phone, ch.VehicleModel, ch.VehiclePlate, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Credit(ctx context.Context, id types.ID, amount int64, at time.Time) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return CreditTx(ctx, tx, id, amount, at)
	})
}

// CreditTx adds a settled ride to the driver's wallet inside the caller's
// transaction, so the credit commits or rolls back with the ride completion.
// The UPDATE takes the row lock that Withdraw also waits on.
func CreditTx(ctx context.Context, tx pgx.Tx, id types.ID, amount int64, at time.Time) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	tag, err := tx.Exec(ctx, `
		UPDATE drivers
		SET balance = balance + $2,
		    total_earnings = total_earnings + $2,
		    total_rides = total_rides + 1,
		    updated_at = $3
		WHERE id = $1`,
		string(id), amount, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Withdraw(ctx context.Context, w *Withdrawal) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM drivers WHERE id = $1 FOR UPDATE`, string(w.DriverID)).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if w.Amount > balance {
			return ErrInsufficientBalance
		}
		w.BalanceAfter = balance - w.Amount
		if _, err := tx.Exec(ctx, `
			UPDATE drivers SET balance = $2, updated_at = $3 WHERE id = $1`,
			string(w.DriverID), w.BalanceAfter, w.CreatedAt,
		); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO withdrawals (id, driver_id, amount, method, status, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(w.ID), string(w.DriverID), w.Amount, w.Method, string(w.Status), w.BalanceAfter, w.CreatedAt,
		)
		return err
	})
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, id types.ID, limit int) ([]Withdrawal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_id, amount, method, status, balance_after, created_at
		FROM withdrawals
		WHERE driver_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(id), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		var w Withdrawal
		var status string
		if err := rows.Scan(&w.ID, &w.DriverID, &w.Amount, &w.Method, &status, &w.BalanceAfter, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Status = WithdrawalStatus(status)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActivityLogs(ctx context.Context, id types.ID, since time.Time) ([]ActivityLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT driver_id, action, created_at
		FROM driver_activity_logs
		WHERE driver_id = $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC`, string(id), since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityLog
	for rows.Next() {
		var l ActivityLog
		var action string
		if err := rows.Scan(&l.DriverID, &action, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Action = ActivityAction(action)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateEmergency(ctx context.Context, e *Emergency) error {
	var lat, lng *float64
	if e.Location != nil {
		lat, lng = &e.Location.Lat, &e.Location.Lng
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO emergency_requests (id, driver_id, emergency_type, details, location_lat, location_lng, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(e.ID), string(e.DriverID), e.Type, e.Details, lat, lng, string(e.Status), e.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return ErrNotFound
	}
	return err
}
