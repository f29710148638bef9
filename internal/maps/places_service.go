package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"tarhal/internal/types"
)

var ErrNoPlace = errors.New("no place found")

// labelRadiusMeters bounds how far a named place may be from the dropped pin.
const labelRadiusMeters = 150

// Result types that describe an area rather than a place a rider would name.
var areaTypes = map[string]bool{
	"political":                   true,
	"locality":                    true,
	"sublocality":                 true,
	"administrative_area_level_1": true,
	"administrative_area_level_2": true,
	"country":                     true,
	"route":                       true,
}

// PlacesService handles interactions with Google Places API.
type PlacesService struct {
	client   *maps.Client
	language string
}

// NewPlacesService creates a new PlacesService with the given API Key.
func NewPlacesService(apiKey, language string) (*PlacesService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &PlacesService{client: client, language: language}, nil
}

// Label names the closest landmark to p, used when a rider drops a pin
// without typing a destination.
func (s *PlacesService) Label(ctx context.Context, p types.Point) (string, error) {
	r := &maps.NearbySearchRequest{
		Location: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Radius:   labelRadiusMeters,
		Language: s.language,
	}

	resp, err := s.client.NearbySearch(ctx, r)
	if err != nil {
		return "", fmt.Errorf("places api error: %w", err)
	}

	for _, result := range resp.Results {
		if result.Name == "" || isArea(result.Types) {
			continue
		}
		return result.Name, nil
	}
	return "", ErrNoPlace
}

func isArea(kinds []string) bool {
	for _, k := range kinds {
		if areaTypes[k] {
			return true
		}
	}
	return false
}
