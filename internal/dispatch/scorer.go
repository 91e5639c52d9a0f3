package dispatch

import (
	"time"

	"github.com/example/rescue-dispatch/internal/drivers"
)

// Scoring weights: distance dominates, then how long the driver has
// been idle, then rating. Lower score = better match.
const (
	weightDistance    = 0.5
	weightIdleTime    = 0.3
	weightRating      = 0.2
	idleSaturationHrs = 24.0
	perfectRating     = 5.0
)

// Score computes the weighted dispatch score for one candidate.
// Pure: no I/O, no clock reads beyond the supplied now.
//
// Each component is normalized to 0..1: distance saturates at
// maxRadiusMiles, idle time saturates at 24h (a driver with no ride
// history scores the full 1.0 so load equalizes toward fresh drivers),
// and rating is inverted so a perfect 5.0 contributes nothing.
func Score(c *drivers.Candidate, maxRadiusMiles float64, now time.Time) float64 {
	distanceScore := c.DistanceMiles / maxRadiusMiles
	if distanceScore > 1 {
		distanceScore = 1
	}

	idleScore := 1.0
	if c.LastRideCompletedAt != nil {
		hours := now.Sub(*c.LastRideCompletedAt).Hours()
		idleScore = hours / idleSaturationHrs
		if idleScore > 1 {
			idleScore = 1
		}
		if idleScore < 0 {
			idleScore = 0
		}
	}

	ratingScore := 1.0 - c.Rating/perfectRating

	return distanceScore*weightDistance + idleScore*weightIdleTime + ratingScore*weightRating
}
