// README: Fare table definition for each vehicle type.
package pricing

import "sort"

type VehicleType string

const (
	VehicleTuktuk  VehicleType = "tuktuk"
	VehicleEconomy VehicleType = "economy"
	VehicleComfort VehicleType = "comfort"
	VehicleVIP     VehicleType = "vip"
)

// Rate is the tiered fare for one vehicle type: Base covers the first
// kilometre, PerKm applies to every kilometre after that.
type Rate struct {
	VehicleType VehicleType
	Base        int64
	PerKm       int64
}

type Table map[VehicleType]Rate

// DefaultTable is the SDG price list shipped with the app.
func DefaultTable() Table {
	return Table{
		VehicleTuktuk:  {VehicleType: VehicleTuktuk, Base: 5000, PerKm: 2000},
		VehicleEconomy: {VehicleType: VehicleEconomy, Base: 6000, PerKm: 3000},
		VehicleComfort: {VehicleType: VehicleComfort, Base: 7000, PerKm: 3500},
		VehicleVIP:     {VehicleType: VehicleVIP, Base: 10000, PerKm: 5000},
	}
}

// VehicleTypes lists the table's vehicle types cheapest first.
func (t Table) VehicleTypes() []VehicleType {
	out := make([]VehicleType, 0, len(t))
	for vt := range t {
		out = append(out, vt)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := t[out[i]], t[out[j]]
		if a.Base != b.Base {
			return a.Base < b.Base
		}
		return out[i] < out[j]
	})
	return out
}

// Settlement is the fare split applied when a ride completes.
type Settlement struct {
	ServiceFee     int64 `json:"service_fee"`
	DriverEarnings int64 `json:"driver_earnings"`
}
