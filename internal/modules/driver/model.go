// README: Driver account, wallet and activity records.
package driver

import (
	"time"

	"tarhal/internal/types"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type Driver struct {
	ID            types.ID   `json:"id"`
	Name          string     `json:"name"`
	Phone         string     `json:"phone"`
	VehicleType   string     `json:"vehicle_type"`
	VehicleModel  string     `json:"vehicle_model"`
	VehiclePlate  string     `json:"vehicle_plate"`
	Balance       int64      `json:"balance"`
	TotalRides    int        `json:"total_rides"`
	TotalEarnings int64      `json:"total_earnings"`
	Status        Status     `json:"status"`
	Active        bool       `json:"is_active"`
	LastOnlineAt  *time.Time `json:"last_online_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	// DeviceToken is the FCM registration token; never serialised to clients.
	DeviceToken string `json:"-"`
}

type ActivityAction string

const (
	ActionOnline  ActivityAction = "ONLINE"
	ActionOffline ActivityAction = "OFFLINE"
)

type ActivityLog struct {
	DriverID  types.ID
	Action    ActivityAction
	CreatedAt time.Time
}

type WithdrawalStatus string

// Withdrawals are debited immediately and paid out by operations later.
const WithdrawalPending WithdrawalStatus = "pending"

type Withdrawal struct {
	ID           types.ID         `json:"id"`
	DriverID     types.ID         `json:"driver_id"`
	Amount       int64            `json:"amount"`
	Method       string           `json:"method"`
	Status       WithdrawalStatus `json:"status"`
	BalanceAfter int64            `json:"balance_after"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Earning is one settled ride as seen from the driver's wallet.
type Earning struct {
	RideID    types.ID
	Amount    int64
	SettledAt time.Time
}

type Stats struct {
	TotalRides     int     `json:"total_rides"`
	TotalEarnings  int64   `json:"total_earnings"`
	TodayEarnings  int64   `json:"today_earnings"`
	WeekEarnings   int64   `json:"week_earnings"`
	MonthEarnings  int64   `json:"month_earnings"`
	AverageRide    int64   `json:"average_ride"`
	CurrentBalance int64   `json:"current_balance"`
	OnlineHours    float64 `json:"online_hours"`
}

// ProfileChanges carries the editable profile fields; nil leaves a field as is.
type ProfileChanges struct {
	Name         *string
	Phone        *string
	VehicleModel *string
	VehiclePlate *string
}

type EmergencyStatus string

const EmergencyPending EmergencyStatus = "pending"

// Emergency is a driver's call for help. Location is the last position the
// geo index held when the request was raised, nil if it had none.
type Emergency struct {
	ID        types.ID        `json:"id"`
	DriverID  types.ID        `json:"driver_id"`
	Type      string          `json:"type"`
	Details   string          `json:"details,omitempty"`
	Location  *types.Point    `json:"location,omitempty"`
	Status    EmergencyStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
