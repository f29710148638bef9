// README: Pricing store backed by PostgreSQL; optional rate overrides loaded at startup.
package pricing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// LoadTable starts from DefaultTable and applies any rows in vehicle_rates.
// Unknown vehicle types in the table are ignored.
func (s *Store) LoadTable(ctx context.Context) (Table, error) {
	table := DefaultTable()
	rows, err := s.db.Query(ctx, `SELECT vehicle_type, base_fare, per_km FROM vehicle_rates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r Rate
		var vt string
		if err := rows.Scan(&vt, &r.Base, &r.PerKm); err != nil {
			return nil, err
		}
		r.VehicleType = VehicleType(vt)
		if _, ok := table[r.VehicleType]; !ok {
			continue
		}
		table[r.VehicleType] = r
	}
	return table, rows.Err()
}
