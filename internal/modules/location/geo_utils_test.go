package location

import (
	"math"
	"reflect"
	"testing"

	"tarhal/internal/types"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 15.5007, Lng: 32.5599},
			b:         types.Point{Lat: 15.5007, Lng: 32.5599},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Khartoum to Omdurman (~18km)",
			a:         types.Point{Lat: 15.5007, Lng: 32.5599},
			b:         types.Point{Lat: 15.6445, Lng: 32.4777},
			wantKm:    18.2,
			tolerance: 1.5,
		},
		{
			name:      "one degree of latitude (~111km)",
			a:         types.Point{Lat: 0, Lng: 0},
			b:         types.Point{Lat: 1, Lng: 0},
			wantKm:    111.19,
			tolerance: 0.1,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("HaversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	a := types.Point{Lat: 15.0, Lng: 32.0}
	b := types.Point{Lat: 16.0, Lng: 33.0}
	if d1, d2 := HaversineKm(a, b), HaversineKm(b, a); math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestSortCandidates(t *testing.T) {
	cands := []Candidate{
		{DriverID: "c", DistanceKm: 5.0},
		{DriverID: "d", DistanceKm: 1.0},
		{DriverID: "b", DistanceKm: 3.0},
		{DriverID: "a", DistanceKm: 1.0},
	}

	sortCandidates(cands)

	got := make([]types.ID, 0, len(cands))
	for _, c := range cands {
		got = append(got, c.DriverID)
	}
	if want := []types.ID{"a", "d", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected sort order: %v, want %v", got, want)
	}
}

func TestSortCandidates_Empty(t *testing.T) {
	var cands []Candidate
	sortCandidates(cands)
}
