package pricing

import (
	"math"
	"reflect"
	"testing"
)

func TestCalculator_Price(t *testing.T) {
	c := NewCalculator(DefaultTable())

	tests := []struct {
		name     string
		vehicle  VehicleType
		distance float64
		want     int64
	}{
		{"economy first km is base only", VehicleEconomy, 1.0, 6000},
		{"economy 3km", VehicleEconomy, 3.0, 6000 + 2*3000},
		{"tuktuk sub-km counts as base", VehicleTuktuk, 0.5, 5000},
		{"tuktuk zero distance", VehicleTuktuk, 0, 5000},
		{"comfort 2.5km", VehicleComfort, 2.5, 7000 + 5250},
		{"vip 10km", VehicleVIP, 10, 10000 + 9*5000},
		// 6000 + 3000*0.3333 = 6999.9 -> 7000
		{"economy rounds to whole SDG", VehicleEconomy, 1.3333, 7000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Price(tt.vehicle, tt.distance)
			if err != nil {
				t.Fatalf("Price() error = %v", err)
			}
			if got.Amount != tt.want {
				t.Errorf("Price() = %d, want %d", got.Amount, tt.want)
			}
			if got.Currency != "SDG" {
				t.Errorf("currency = %q, want SDG", got.Currency)
			}
		})
	}
}

func TestCalculator_UnknownVehicleType(t *testing.T) {
	c := NewCalculator(DefaultTable())
	if _, err := c.Price("helicopter", 3); err != ErrUnknownVehicleType {
		t.Fatalf("expected ErrUnknownVehicleType, got %v", err)
	}
}

func TestCalculator_InvalidDistance(t *testing.T) {
	c := NewCalculator(DefaultTable())
	for _, d := range []float64{-1, math.NaN(), math.Inf(1)} {
		if _, err := c.Price(VehicleEconomy, d); err != ErrInvalidDistance {
			t.Errorf("distance %v: expected ErrInvalidDistance, got %v", d, err)
		}
	}
}

func TestCalculator_Deterministic(t *testing.T) {
	c := NewCalculator(DefaultTable())
	first, _ := c.Price(VehicleComfort, 7.77)
	for i := 0; i < 100; i++ {
		got, _ := c.Price(VehicleComfort, 7.77)
		if got != first {
			t.Fatalf("price changed between calls: %v vs %v", got, first)
		}
	}
}

func TestCalculator_TableIsCopied(t *testing.T) {
	table := DefaultTable()
	c := NewCalculator(table)
	table[VehicleEconomy] = Rate{VehicleType: VehicleEconomy, Base: 1, PerKm: 1}

	got, _ := c.Price(VehicleEconomy, 1)
	if got.Amount != 6000 {
		t.Fatalf("calculator picked up external edit: %d", got.Amount)
	}
}

func TestSettle(t *testing.T) {
	tests := []struct {
		amount       int64
		wantFee      int64
		wantEarnings int64
	}{
		{12000, 720, 11280},
		{6000, 360, 5640},
		{5000, 300, 4700},
		{7010, 421, 6589}, // 420.6 rounds up
		{0, 0, 0},
	}
	for _, tt := range tests {
		s := Settle(tt.amount, DefaultServiceFeePercent)
		if s.ServiceFee != tt.wantFee || s.DriverEarnings != tt.wantEarnings {
			t.Errorf("Settle(%d) = %+v, want fee=%d earnings=%d", tt.amount, s, tt.wantFee, tt.wantEarnings)
		}
		if s.ServiceFee+s.DriverEarnings != tt.amount {
			t.Errorf("Settle(%d) does not add up: %+v", tt.amount, s)
		}
	}
}

func TestTable_VehicleTypesCheapestFirst(t *testing.T) {
	got := DefaultTable().VehicleTypes()
	want := []VehicleType{VehicleTuktuk, VehicleEconomy, VehicleComfort, VehicleVIP}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("VehicleTypes() = %v, want %v", got, want)
	}

	custom := Table{"bajaj": {VehicleType: "bajaj", Base: 4000, PerKm: 1500}, VehicleVIP: DefaultTable()[VehicleVIP]}
	if got := custom.VehicleTypes(); !reflect.DeepEqual(got, []VehicleType{"bajaj", VehicleVIP}) {
		t.Errorf("custom VehicleTypes() = %v", got)
	}
}
