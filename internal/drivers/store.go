// Package drivers owns driver positions and availability. Availability
// is the single most contended resource in the system and must only be
// mutated through the Reserve/Release pair.
package drivers

import (
	"context"
	"time"

	"github.com/example/rescue-dispatch/internal/models"
)

// Candidate is the transient result of one reservation attempt. It is
// produced per dispatch attempt and discarded immediately after scoring.
type Candidate struct {
	DriverID            string
	Location            models.Point
	DistanceMiles       float64
	LastRideCompletedAt *time.Time
	Rating              float64
	Score               float64
}

// Store persists driver positions and availability.
//
// Reserve must select, lock and flip to busy the single best available
// driver within radiusMiles of p in one atomic step: concurrent calls
// over overlapping areas must never hand out the same driver twice.
// Ordering is soonest-idle-first (drivers longest without a ride win,
// never-ridden drivers first of all), then nearest-first. Contended
// rows are skipped rather than waited on, so concurrent callers fall
// through to the next-best candidate. Reserve returns (nil, nil) when
// nobody qualifies; that is not an error.
type Store interface {
	Upsert(ctx context.Context, driverID string, p models.Point, active bool) error
	Reserve(ctx context.Context, p models.Point, radiusMiles float64) (*Candidate, error)
	Release(ctx context.Context, driverID string, completedAt *time.Time) error
	Get(ctx context.Context, driverID string) (*models.DriverLocation, error)
	CountAvailableNear(ctx context.Context, p models.Point, radiusMiles float64) (int, error)
}
