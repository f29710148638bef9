// README: Fare calculator (pure) and settlement split.
package pricing

import (
	"errors"
	"math"

	"tarhal/internal/types"
)

var (
	ErrUnknownVehicleType = errors.New("unknown vehicle type")
	ErrInvalidDistance    = errors.New("invalid distance")
)

// DefaultServiceFeePercent is the platform share taken at completion.
const DefaultServiceFeePercent = 6.0

type Calculator struct {
	table Table
}

// NewCalculator copies the table so later edits by the caller cannot change prices.
func NewCalculator(table Table) *Calculator {
	cp := make(Table, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &Calculator{table: cp}
}

// Price returns base + perKm * max(0, distanceKm-1), rounded to whole SDG.
func (c *Calculator) Price(vehicleType VehicleType, distanceKm float64) (types.Money, error) {
	rate, ok := c.table[vehicleType]
	if !ok {
		return types.Money{}, ErrUnknownVehicleType
	}
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return types.Money{}, ErrInvalidDistance
	}
	extraKm := math.Max(0, distanceKm-1)
	amount := float64(rate.Base) + float64(rate.PerKm)*extraKm
	return types.SDG(int64(math.Round(amount))), nil
}

// Settle splits amount into the platform fee and the driver's share.
// The fee is rounded to whole SDG; the driver keeps the remainder.
func Settle(amount int64, feePercent float64) Settlement {
	fee := int64(math.Round(float64(amount) * feePercent / 100))
	return Settlement{ServiceFee: fee, DriverEarnings: amount - fee}
}
