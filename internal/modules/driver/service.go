// README: Driver service: registration, online toggle, device tokens and the wallet.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tarhal/internal/types"
	"tarhal/internal/validation"
)

var (
	ErrNotFound            = errors.New("driver not found")
	ErrAlreadyExists       = errors.New("driver already exists")
	ErrInactive            = errors.New("driver is deactivated")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrValidation          = validation.ErrInvalid
)

const (
	// MinWithdrawal is the smallest payout operations will process, in SDG.
	MinWithdrawal int64 = 10000

	withdrawalHistoryLimit = 20
	statsWindow            = 30 * 24 * time.Hour
)

// GeoIndex is the part of the location service that tracks who is online and where.
type GeoIndex interface {
	SetStatus(ctx context.Context, driverID types.ID, vehicleType string, online bool) error
	Locate(ctx context.Context, driverID types.ID) (types.Point, bool, error)
}

// EarningsSource lists the settled rides of a driver since a point in time.
type EarningsSource interface {
	DriverEarnings(ctx context.Context, driverID types.ID, since time.Time) ([]Earning, error)
}

type Service struct {
	store    Store
	geo      GeoIndex
	earnings EarningsSource
	now      func() time.Time
	log      logrus.FieldLogger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(store Store, geo GeoIndex, opts ...Option) *Service {
	s := &Service{
		store: store,
		geo:   geo,
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEarningsSource wires the ride ledger in after construction; the ledger
// itself depends on the driver store.
func (s *Service) SetEarningsSource(src EarningsSource) {
	s.earnings = src
}

type RegisterCommand struct {
	ID           types.ID `json:"id" validate:"required"`
	Name         string   `json:"name" validate:"required"`
	Phone        string   `json:"phone" validate:"required"`
	VehicleType  string   `json:"vehicle_type" validate:"vehicle_type"`
	VehicleModel string   `json:"vehicle_model"`
	VehiclePlate string   `json:"vehicle_plate"`
}

// UpdateProfileCommand edits the profile; omitted fields are left unchanged.
// Vehicle type is fixed at registration because it keys the geo index.
type UpdateProfileCommand struct {
	ID           types.ID `json:"-" validate:"required"`
	Name         *string  `json:"name" validate:"omitnil,min=1,max=100"`
	Phone        *string  `json:"phone" validate:"omitnil,min=1,max=20"`
	VehicleModel *string  `json:"vehicle_model" validate:"omitnil,max=100"`
	VehiclePlate *string  `json:"vehicle_plate" validate:"omitnil,max=20"`
}

type EmergencyCommand struct {
	DriverID types.ID `json:"-" validate:"required"`
	Type     string   `json:"type" validate:"required,max=50"`
	Details  string   `json:"details" validate:"max=1000"`
}

type WithdrawCommand struct {
	DriverID types.ID `json:"driver_id" validate:"required"`
	Amount   int64    `json:"amount" validate:"gt=0"`
	Method   string   `json:"method" validate:"required"`
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*Driver, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	now := s.now()
	d := &Driver{
		ID:           cmd.ID,
		Name:         cmd.Name,
		Phone:        cmd.Phone,
		VehicleType:  cmd.VehicleType,
		VehicleModel: cmd.VehicleModel,
		VehiclePlate: cmd.VehiclePlate,
		Status:       StatusOffline,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"driver_id": d.ID, "vehicle_type": d.VehicleType}).Info("driver registered")
	return d, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.Get(ctx, id)
}

// SetOnline toggles availability, records an activity log entry and keeps the
// geo index in step.
func (s *Service) SetOnline(ctx context.Context, id types.ID, online bool) (*Driver, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if online && !d.Active {
		return nil, ErrInactive
	}
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	if err := s.store.SetStatus(ctx, id, status, s.now()); err != nil {
		return nil, err
	}
	if err := s.geo.SetStatus(ctx, id, d.VehicleType, online); err != nil {
		// The stored status must match the geo index.
		log := s.log.WithError(err).WithFields(logrus.Fields{"driver_id": id, "status": status})
		if rerr := s.store.SetStatus(ctx, id, d.Status, s.now()); rerr != nil {
			log.WithField("revert_error", rerr).Error("driver status diverged from geo index")
		} else {
			log.Warn("geo index update failed, status reverted")
		}
		return nil, fmt.Errorf("update geo index: %w", err)
	}
	s.log.WithFields(logrus.Fields{"driver_id": id, "status": status}).Info("driver status changed")
	return s.store.Get(ctx, id)
}

// Deactivate soft-deletes the driver and takes them out of dispatch.
func (s *Service) Deactivate(ctx context.Context, id types.ID) error {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Deactivate(ctx, id, s.now()); err != nil {
		return err
	}
	return s.geo.SetStatus(ctx, id, d.VehicleType, false)
}

func (s *Service) UpdateProfile(ctx context.Context, cmd UpdateProfileCommand) (*Driver, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	if cmd.Name == nil && cmd.Phone == nil && cmd.VehicleModel == nil && cmd.VehiclePlate == nil {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	ch := ProfileChanges{
		Name:         cmd.Name,
		Phone:        cmd.Phone,
		VehicleModel: cmd.VehicleModel,
		VehiclePlate: cmd.VehiclePlate,
	}
	if err := s.store.UpdateProfile(ctx, cmd.ID, ch, s.now()); err != nil {
		return nil, err
	}
	s.log.WithField("driver_id", cmd.ID).Info("driver profile updated")
	return s.store.Get(ctx, cmd.ID)
}

// RequestEmergency records a call for help with the driver's last known
// position. A geo index failure drops the position, never the request.
func (s *Service) RequestEmergency(ctx context.Context, cmd EmergencyCommand) (*Emergency, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	e := &Emergency{
		ID:        types.ID(uuid.NewString()),
		DriverID:  cmd.DriverID,
		Type:      cmd.Type,
		Details:   cmd.Details,
		Status:    EmergencyPending,
		CreatedAt: s.now(),
	}
	p, ok, err := s.geo.Locate(ctx, cmd.DriverID)
	switch {
	case err != nil:
		s.log.WithError(err).WithField("driver_id", cmd.DriverID).Warn("emergency raised without location")
	case ok:
		e.Location = &p
	}
	if err := s.store.CreateEmergency(ctx, e); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"driver_id":    e.DriverID,
		"emergency_id": e.ID,
		"type":         e.Type,
		"has_location": e.Location != nil,
	}).Error("driver emergency requested")
	return e, nil
}

func (s *Service) RegisterDeviceToken(ctx context.Context, id types.ID, token string) error {
	if token == "" {
		return fmt.Errorf("%w: device token required", ErrValidation)
	}
	return s.store.SetDeviceToken(ctx, id, token, s.now())
}

// DeviceToken returns the driver's push token, or "" if none is registered.
func (s *Service) DeviceToken(ctx context.Context, id types.ID) (string, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.DeviceToken, nil
}

func (s *Service) Withdraw(ctx context.Context, cmd WithdrawCommand) (*Withdrawal, error) {
	if err := validation.Struct(cmd); err != nil {
		return nil, err
	}
	if cmd.Amount < MinWithdrawal {
		return nil, fmt.Errorf("%w: minimum withdrawal is %d SDG", ErrValidation, MinWithdrawal)
	}
	w := &Withdrawal{
		ID:        types.ID(uuid.NewString()),
		DriverID:  cmd.DriverID,
		Amount:    cmd.Amount,
		Method:    cmd.Method,
		Status:    WithdrawalPending,
		CreatedAt: s.now(),
	}
	if err := s.store.Withdraw(ctx, w); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.log.WithFields(logrus.Fields{"driver_id": cmd.DriverID, "amount": cmd.Amount}).Warn("withdrawal rejected")
		}
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"driver_id": w.DriverID, "amount": w.Amount, "balance": w.BalanceAfter}).Info("withdrawal recorded")
	return w, nil
}

func (s *Service) Withdrawals(ctx context.Context, id types.ID) ([]Withdrawal, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListWithdrawals(ctx, id, withdrawalHistoryLimit)
}

// Stats summarises earnings over the last day, week and 30 days, plus hours
// online in the same 30 day window.
func (s *Service) Stats(ctx context.Context, id types.ID) (Stats, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	now := s.now()
	y, m, day := now.Date()
	today := time.Date(y, m, day, 0, 0, 0, 0, now.Location())
	week := today.AddDate(0, 0, -7)
	month := today.AddDate(0, 0, -30)

	st := Stats{
		TotalRides:     d.TotalRides,
		TotalEarnings:  d.TotalEarnings,
		CurrentBalance: d.Balance,
	}
	if d.TotalRides > 0 {
		st.AverageRide = int64(math.Round(float64(d.TotalEarnings) / float64(d.TotalRides)))
	}

	if s.earnings != nil {
		earnings, err := s.earnings.DriverEarnings(ctx, id, month)
		if err != nil {
			return Stats{}, err
		}
		for _, e := range earnings {
			if !e.SettledAt.Before(month) {
				st.MonthEarnings += e.Amount
			}
			if !e.SettledAt.Before(week) {
				st.WeekEarnings += e.Amount
			}
			if !e.SettledAt.Before(today) {
				st.TodayEarnings += e.Amount
			}
		}
	}

	logs, err := s.store.ActivityLogs(ctx, id, now.Add(-statsWindow))
	if err != nil {
		return Stats{}, err
	}
	st.OnlineHours = onlineHours(logs, now)
	return st, nil
}

// onlineHours pairs each ONLINE entry with the next OFFLINE one. A session
// still open counts up to now. Logs must be in ascending time order.
func onlineHours(logs []ActivityLog, now time.Time) float64 {
	var total time.Duration
	var since *time.Time
	for i := range logs {
		switch logs[i].Action {
		case ActionOnline:
			if since == nil {
				since = &logs[i].CreatedAt
			}
		case ActionOffline:
			if since != nil {
				total += logs[i].CreatedAt.Sub(*since)
				since = nil
			}
		}
	}
	if since != nil {
		total += now.Sub(*since)
	}
	return math.Round(total.Hours()*10) / 10
}
