// Package pricing computes the supply/demand surge multiplier used to
// price a ride at creation time. It is strictly read-only: a quote is
// advisory input to ride creation, never a booking.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/observability"
)

// DemandCounter reports active (non-terminal) rides near a point.
type DemandCounter interface {
	CountActiveNear(ctx context.Context, p models.Point, radiusMiles float64) (int, error)
}

// SupplyCounter reports active+available drivers near a point.
type SupplyCounter interface {
	CountAvailableNear(ctx context.Context, p models.Point, radiusMiles float64) (int, error)
}

type Quote struct {
	PriceCents int64   `json:"price_cents"`
	Multiplier float64 `json:"multiplier"`
	Reason     string  `json:"reason"`
}

type Calculator struct {
	Demand DemandCounter
	Supply SupplyCounter
	Logger *slog.Logger

	BasePriceCents int64
	RadiusMiles    float64
	Sensitivity    float64 // multiplier gain per unit of excess demand ratio
	MaxMultiplier  float64
}

// PriceFor quotes a price for a pickup point. With zero drivers in the
// area the maximum multiplier applies; otherwise the multiplier scales
// with the demand/supply ratio above 1, capped at MaxMultiplier.
func (c *Calculator) PriceFor(ctx context.Context, pickup models.Point) (Quote, error) {
	activeRides, err := c.Demand.CountActiveNear(ctx, pickup, c.RadiusMiles)
	if err != nil {
		return Quote{}, fmt.Errorf("count active rides: %w", err)
	}
	activeDrivers, err := c.Supply.CountAvailableNear(ctx, pickup, c.RadiusMiles)
	if err != nil {
		return Quote{}, fmt.Errorf("count available drivers: %w", err)
	}

	multiplier := 1.0
	reason := "Normal pricing"
	if activeDrivers == 0 {
		multiplier = c.MaxMultiplier
		reason = "No drivers available in area"
	} else {
		ratio := float64(activeRides) / float64(activeDrivers)
		if ratio > 1 {
			multiplier = math.Min(1+(ratio-1)*c.Sensitivity, c.MaxMultiplier)
		}
		if multiplier > 1 {
			reason = fmt.Sprintf("High demand (%d rides, %d drivers)", activeRides, activeDrivers)
		}
	}

	observability.SurgeMultiplier.Observe(multiplier)
	c.Logger.Info("surge quote computed",
		"active_rides", activeRides,
		"active_drivers", activeDrivers,
		"multiplier", multiplier)

	return Quote{
		PriceCents: int64(math.Round(float64(c.BasePriceCents) * multiplier)),
		Multiplier: multiplier,
		Reason:     reason,
	}, nil
}
