package driver

import (
	"context"
	"sort"
	"sync"
	"time"

	"tarhal/internal/types"
)

// MemoryStore keeps drivers in process. A single mutex is the wallet's
// serialization domain.
type MemoryStore struct {
	mu          sync.Mutex
	drivers     map[types.ID]*Driver
	withdrawals map[types.ID][]Withdrawal
	logs        map[types.ID][]ActivityLog
	emergencies []Emergency
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:     make(map[types.ID]*Driver),
		withdrawals: make(map[types.ID][]Withdrawal),
		logs:        make(map[types.ID][]ActivityLog),
	}
}

func (s *MemoryStore) Create(_ context.Context, d *Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drivers[d.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *d
	s.drivers[d.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id types.ID, status Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = at
	action := ActionOffline
	if status == StatusOnline {
		action = ActionOnline
		t := at
		d.LastOnlineAt = &t
	}
	s.logs[id] = append(s.logs[id], ActivityLog{DriverID: id, Action: action, CreatedAt: at})
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, id types.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Active = false
	d.Status = StatusOffline
	d.UpdatedAt = at
	return nil
}

func (s *MemoryStore) SetDeviceToken(_ context.Context, id types.ID, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.DeviceToken = token
	d.UpdatedAt = at
	return nil
}

func (s *MemoryStore) UpdateProfile(_ context.Context, id types.ID, ch ProfileChanges, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if ch.Name != nil {
		d.Name = *ch.Name
	}
	if ch.Phone != nil {
		d.Phone = *ch.Phone
	}
	if ch.VehicleModel != nil {
		d.VehicleModel = *ch.VehicleModel
	}
	if ch.VehiclePlate != nil {
		d.VehiclePlate = *ch.VehiclePlate
	}
	d.UpdatedAt = at
	return nil
}

func (s *MemoryStore) Credit(_ context.Context, id types.ID, amount int64, at time.Time) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Balance += amount
	d.TotalEarnings += amount
	d.TotalRides++
	d.UpdatedAt = at
	return nil
}

func (s *MemoryStore) Withdraw(_ context.Context, w *Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[w.DriverID]
	if !ok {
		return ErrNotFound
	}
	if w.Amount > d.Balance {
		return ErrInsufficientBalance
	}
	d.Balance -= w.Amount
	d.UpdatedAt = w.CreatedAt
	w.BalanceAfter = d.Balance
	s.withdrawals[w.DriverID] = append(s.withdrawals[w.DriverID], *w)
	return nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, id types.ID, limit int) ([]Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.withdrawals[id]
	out := make([]Withdrawal, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ActivityLogs(_ context.Context, id types.ID, since time.Time) ([]ActivityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ActivityLog
	for _, l := range s.logs[id] {
		if !l.CreatedAt.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateEmergency(_ context.Context, e *Emergency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drivers[e.DriverID]; !ok {
		return ErrNotFound
	}
	s.emergencies = append(s.emergencies, *e)
	return nil
}

// Emergencies returns the recorded requests of a driver, oldest first.
func (s *MemoryStore) Emergencies(id types.ID) []Emergency {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Emergency
	for _, e := range s.emergencies {
		if e.DriverID == id {
			out = append(out, e)
		}
	}
	return out
}
