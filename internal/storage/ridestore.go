// Package storage persists rides. Status transitions go through a
// compare-and-swap on the current status so two concurrent transition
// attempts on the same ride are serialized by the store, and the WTP
// reply update is a single atomic match-and-set keyed by the
// denormalized rider phone.
package storage

import (
	"context"
	"time"

	"github.com/example/rescue-dispatch/internal/models"
)

// StatusFields carries the optional mutations that may accompany a
// status transition. Nil fields are left untouched.
type StatusFields struct {
	DriverID           *string
	DriverEtaMinutes   *int
	CancellationReason *string
	AssistRequired     *bool
	AssistReason       *string
}

// RideStore defines persistence operations for rides. Lookups return
// (nil, nil) when no ride matches.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)

	// UpdateStatus applies from -> to plus optional fields only if the
	// ride is still in from; swapped reports whether the write won.
	UpdateStatus(ctx context.Context, id string, from, to models.RideStatus, f StatusFields) (ride *models.Ride, swapped bool, err error)

	SetPaymentIntent(ctx context.Context, id, intentID string) error
	ApplyPaymentSuccess(ctx context.Context, id, chargeID string, capturedAt time.Time) (*models.Ride, error)
	ApplyPaymentFailure(ctx context.Context, id, message string) (*models.Ride, error)

	// MarkWtpAsked flips wtpAsked false -> true exactly once; flipped
	// is false when another caller already asked.
	MarkWtpAsked(ctx context.Context, id string) (flipped bool, err error)

	// ApplyWtpResponse finds the most recent ride for phone with
	// wtpAsked set and no response yet, and records the reply in the
	// same operation. Filtering by phone first is what keeps two
	// riders with open questions from ever cross-matching.
	ApplyWtpResponse(ctx context.Context, phone string, resp models.WtpResponse, amountUsd *float64) (*models.Ride, error)

	ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error)
	ListActiveByDriver(ctx context.Context, driverID string) ([]*models.Ride, error)

	// CountActiveNear counts rides in non-terminal statuses whose
	// pickup lies within radiusMiles of p (surge demand input).
	CountActiveNear(ctx context.Context, p models.Point, radiusMiles float64) (int, error)
}
