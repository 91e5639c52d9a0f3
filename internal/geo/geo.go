package geo

import (
	"fmt"
	"math"

	"github.com/example/rescue-dispatch/internal/models"
)

const (
	earthRadiusMiles = 3959.0
	// MilesToMeters converts the dispatch radius for PostGIS queries.
	MilesToMeters = 1609.34
)

// DistanceMiles is the haversine great-circle distance between two points.
func DistanceMiles(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in miles.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMiles * c
}

// ValidatePoint rejects coordinates outside lat [-90,90] / lng [-180,180].
// The field name is included so callers can report which location failed.
func ValidatePoint(p models.Point, field string) error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%s.lat must be between -90 and 90, got %v", field, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%s.lng must be between -180 and 180, got %v", field, p.Lng)
	}
	return nil
}
