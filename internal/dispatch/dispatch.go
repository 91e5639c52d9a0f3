// Package dispatch selects and reserves a driver for a ride request.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/rescue-dispatch/internal/drivers"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/observability"
)

// Service wraps the driver store's atomic reservation with scoring.
type Service struct {
	Store       drivers.Store
	RadiusMiles float64
	Logger      *slog.Logger

	now func() time.Time
}

func NewService(store drivers.Store, radiusMiles float64, logger *slog.Logger) *Service {
	return &Service{Store: store, RadiusMiles: radiusMiles, Logger: logger, now: time.Now}
}

// SelectAndReserve reserves the best available driver near the pickup
// point. A nil candidate means no driver qualified; the ride stays
// requested for a later retry, which is not an error condition.
func (s *Service) SelectAndReserve(ctx context.Context, pickup models.Point) (*drivers.Candidate, error) {
	observability.DispatchAttemptsTotal.Inc()
	c, err := s.Store.Reserve(ctx, pickup, s.RadiusMiles)
	if err != nil {
		return nil, err
	}
	if c == nil {
		s.Logger.Info("dispatch found no eligible driver",
			"pickup_lat", pickup.Lat, "pickup_lng", pickup.Lng, "radius_miles", s.RadiusMiles)
		return nil, nil
	}
	c.Score = Score(c, s.RadiusMiles, s.now())
	observability.DispatchAssignedTotal.Inc()
	s.Logger.Info("dispatch reserved driver",
		"driver_id", c.DriverID,
		"distance_miles", c.DistanceMiles,
		"score", c.Score)
	return c, nil
}
