// README: Location store backed by Redis GEO (per vehicle type, online drivers only) and a per-driver hash.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tarhal/internal/types"
)

// Store keeps one mutable record per driver. Implementations never keep history.
type Store interface {
	// SaveLocation writes the position unless a newer one is already stored.
	// It reports whether the update was applied.
	SaveLocation(ctx context.Context, u Update) (bool, error)
	SetStatus(ctx context.Context, driverID types.ID, vehicleType string, status Status) error
	Get(ctx context.Context, driverID types.ID) (DriverState, error)
	// Nearby returns online drivers of vehicleType within radiusKm; distance is not filled in.
	Nearby(ctx context.Context, origin types.Point, vehicleType string, radiusKm float64) ([]DriverState, error)
}

var ErrNotFound = errors.New("driver location not found")

const (
	geoKeyPrefix   = "geo:drivers:%s"
	stateKeyPrefix = "driver:state:%s"

	maxWatchAttempts = 5
)

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) SaveLocation(ctx context.Context, u Update) (bool, error) {
	key := stateKey(u.DriverID)
	var applied bool
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		applied = false
		fields, err := tx.HMGet(ctx, key, "updated_at", "status", "vehicle_type").Result()
		if err != nil {
			return err
		}
		if prev, ok := parseMillis(fields[0]); ok && prev > u.RecordedAt.UnixMilli() {
			return nil
		}
		status, _ := fields[1].(string)
		vehicleType, _ := fields[2].(string)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"lat", strconv.FormatFloat(u.Position.Lat, 'f', -1, 64),
				"lng", strconv.FormatFloat(u.Position.Lng, 'f', -1, 64),
				"updated_at", strconv.FormatInt(u.RecordedAt.UnixMilli(), 10),
			)
			if Status(status) == StatusOnline && vehicleType != "" {
				pipe.GeoAdd(ctx, geoKey(vehicleType), &redis.GeoLocation{
					Name:      string(u.DriverID),
					Longitude: u.Position.Lng,
					Latitude:  u.Position.Lat,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, driverID types.ID, vehicleType string, status Status) error {
	key := stateKey(driverID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		state := decodeState(driverID, m)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(status), "vehicle_type", vehicleType)
			// The driver may have changed vehicle type since the last session.
			if state.VehicleType != "" && state.VehicleType != vehicleType {
				pipe.ZRem(ctx, geoKey(state.VehicleType), string(driverID))
			}
			switch {
			case status == StatusOnline && state.HasLocation():
				pipe.GeoAdd(ctx, geoKey(vehicleType), &redis.GeoLocation{
					Name:      string(driverID),
					Longitude: state.Position.Lng,
					Latitude:  state.Position.Lat,
				})
			case status == StatusOffline:
				pipe.ZRem(ctx, geoKey(vehicleType), string(driverID))
			}
			return nil
		})
		return err
	})
}

// watch runs fn as an optimistic transaction on key, retrying when another
// writer touched the key between the read and EXEC.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchAttempts; i++ {
		err := s.redis.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *RedisStore) Get(ctx context.Context, driverID types.ID) (DriverState, error) {
	m, err := s.redis.HGetAll(ctx, stateKey(driverID)).Result()
	if err != nil {
		return DriverState{}, err
	}
	if len(m) == 0 {
		return DriverState{}, ErrNotFound
	}
	return decodeState(driverID, m), nil
}

func (s *RedisStore) Nearby(ctx context.Context, origin types.Point, vehicleType string, radiusKm float64) ([]DriverState, error) {
	hits, err := s.redis.GeoRadius(ctx, geoKey(vehicleType), origin.Lng, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(hits))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, h := range hits {
			cmds[i] = pipe.HGetAll(ctx, stateKey(types.ID(h.Name)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]DriverState, 0, len(hits))
	for i, h := range hits {
		m := cmds[i].Val()
		if len(m) == 0 {
			continue
		}
		st := decodeState(types.ID(h.Name), m)
		if st.Status != StatusOnline || st.VehicleType != vehicleType {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeState(id types.ID, m map[string]string) DriverState {
	st := DriverState{
		DriverID:    id,
		VehicleType: m["vehicle_type"],
		Status:      Status(m["status"]),
	}
	if st.Status == "" {
		st.Status = StatusOffline
	}
	st.Position.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	st.Position.Lng, _ = strconv.ParseFloat(m["lng"], 64)
	if ms, err := strconv.ParseInt(m["updated_at"], 10, 64); err == nil && ms > 0 {
		st.UpdatedAt = time.UnixMilli(ms)
	}
	return st
}

func parseMillis(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func geoKey(vehicleType string) string {
	return fmt.Sprintf(geoKeyPrefix, vehicleType)
}

func stateKey(id types.ID) string {
	return fmt.Sprintf(stateKeyPrefix, string(id))
}
