package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/rescue-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownReference(t *testing.T) {
	// Echo Park to Silver Lake, verified against an external calculator.
	d := DistanceMiles(
		models.Point{Lat: 34.077, Lng: -118.260},
		models.Point{Lat: 34.091, Lng: -118.286},
	)
	assert.InDelta(t, 1.7748, d, 0.01)
}

func TestValidatePoint(t *testing.T) {
	cases := []struct {
		name string
		p    models.Point
		ok   bool
	}{
		{"valid", models.Point{Lat: 34.0, Lng: -118.2}, true},
		{"lat too high", models.Point{Lat: 90.5, Lng: 0}, false},
		{"lat too low", models.Point{Lat: -91, Lng: 0}, false},
		{"lng too high", models.Point{Lat: 0, Lng: 181}, false},
		{"lng too low", models.Point{Lat: 0, Lng: -180.01}, false},
		{"edges", models.Point{Lat: -90, Lng: 180}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePoint(tc.p, "pickup")
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
