// Package rides is the ride lifecycle manager. It owns ride creation,
// the status state machine, and the side effects that ride a transition
// (payment capture, driver release, the post-ride SMS question).
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/rescue-dispatch/internal/analytics"
	"github.com/example/rescue-dispatch/internal/broadcast"
	"github.com/example/rescue-dispatch/internal/dispatch"
	"github.com/example/rescue-dispatch/internal/drivers"
	"github.com/example/rescue-dispatch/internal/eta"
	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/observability"
	"github.com/example/rescue-dispatch/internal/payments"
	"github.com/example/rescue-dispatch/internal/pricing"
	"github.com/example/rescue-dispatch/internal/riders"
	"github.com/example/rescue-dispatch/internal/sms"
	"github.com/example/rescue-dispatch/internal/storage"
)

var (
	ErrRideNotFound      = errors.New("ride not found")
	ErrTripTooLong       = errors.New("trip distance exceeds service area")
	ErrUnknownBikeType   = errors.New("unknown bike type")
	ErrMissingRiderPhone = errors.New("rider has no phone number on file")
	ErrUnknownStatus     = errors.New("unknown ride status")
	ErrNegativeEta       = errors.New("driver ETA must be >= 0 minutes")
)

// Billed trips are floored at one mile so very short rescues still
// carry the base fare.
const minBilledMiles = 1.0

// casAttempts bounds the reload-and-retry loop when a concurrent
// transition wins the compare-and-swap.
const casAttempts = 3

// RideRequest is the validated input to RequestRide.
type RideRequest struct {
	RiderID  string          `json:"rider_id"`
	Pickup   models.Point    `json:"pickup"`
	Dropoff  models.Point    `json:"dropoff"`
	BikeType models.BikeType `json:"bike_type"`
	Notes    string          `json:"notes"`
}

// StatusUpdate carries a requested transition plus its optional fields.
type StatusUpdate struct {
	To                 models.RideStatus `json:"status"`
	DriverID           *string           `json:"driver_id,omitempty"`
	DriverEtaMinutes   *int              `json:"driver_eta_minutes,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	AssistRequired     *bool             `json:"assist_required,omitempty"`
	AssistReason       *string           `json:"assist_reason,omitempty"`
}

// Service coordinates every ride mutation. All collaborators are
// injected at construction; tests swap in fakes the same way.
type Service struct {
	Rides     storage.RideStore
	Drivers   drivers.Store
	Dispatch  *dispatch.Service
	Pricing   *pricing.Calculator
	Payments  payments.Provider
	SMS       sms.Sender
	Riders    riders.Directory
	Hub       *broadcast.Hub
	Analytics analytics.Sink
	Logger    *slog.Logger

	// Eta is an optional routing engine; when unset (or failing) the
	// ETA falls back to straight-line distance at DefaultSpeedMps.
	Eta      eta.Client
	EtaCache *eta.Cache

	MaxTripMiles    float64
	DefaultSpeedMps float64

	now   func() time.Time
	newID func() string
}

func NewService(
	rideStore storage.RideStore,
	driverStore drivers.Store,
	dispatcher *dispatch.Service,
	pricer *pricing.Calculator,
	provider payments.Provider,
	sender sms.Sender,
	directory riders.Directory,
	hub *broadcast.Hub,
	sink analytics.Sink,
	maxTripMiles, defaultSpeedMps float64,
	logger *slog.Logger,
) *Service {
	return &Service{
		Rides:           rideStore,
		Drivers:         driverStore,
		Dispatch:        dispatcher,
		Pricing:         pricer,
		Payments:        provider,
		SMS:             sender,
		Riders:          directory,
		Hub:             hub,
		Analytics:       sink,
		Logger:          logger,
		MaxTripMiles:    maxTripMiles,
		DefaultSpeedMps: defaultSpeedMps,
		now:             time.Now,
		newID:           uuid.NewString,
	}
}

// RequestRide validates the request, prices it, persists the ride in
// requested, opens a manual-capture payment hold, and attempts an
// immediate driver assignment. A failed assignment leaves the ride
// requested for a later retry; a failed payment hold is recorded on
// the ride but does not fail creation.
func (s *Service) RequestRide(ctx context.Context, req RideRequest) (*models.Ride, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	phone, err := s.Riders.PhoneNumber(ctx, req.RiderID)
	if err != nil {
		return nil, fmt.Errorf("resolve rider phone: %w", err)
	}
	if phone == "" {
		return nil, ErrMissingRiderPhone
	}

	rawMiles := geo.DistanceMiles(req.Pickup, req.Dropoff)
	if rawMiles > s.MaxTripMiles {
		return nil, fmt.Errorf("%w: %.1f miles, cap %.1f", ErrTripTooLong, rawMiles, s.MaxTripMiles)
	}
	billedMiles := rawMiles
	if billedMiles < minBilledMiles {
		billedMiles = minBilledMiles
	}

	quote, err := s.Pricing.PriceFor(ctx, req.Pickup)
	if err != nil {
		return nil, fmt.Errorf("price ride: %w", err)
	}

	nowTS := s.now().UTC()
	ride := &models.Ride{
		ID:            s.newID(),
		RiderID:       req.RiderID,
		RiderPhone:    phone,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		BikeType:      req.BikeType,
		DistanceMiles: billedMiles,
		PriceCents:    quote.PriceCents,
		Status:        models.StatusRequested,
		Notes:         req.Notes,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     nowTS,
		UpdatedAt:     nowTS,
	}
	if err := s.Rides.CreateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesRequestedTotal.Inc()
	s.Logger.Info("ride created",
		"ride_id", ride.ID,
		"rider_id", ride.RiderID,
		"distance_miles", ride.DistanceMiles,
		"price_cents", ride.PriceCents,
		"surge_reason", quote.Reason)

	s.openPaymentHold(ctx, ride)
	s.tryAutoDispatch(ctx, ride)

	latest, err := s.Rides.GetRide(ctx, ride.ID)
	if err != nil || latest == nil {
		latest = ride
	}
	s.Hub.Publish(latest.ID, broadcast.Event{Type: broadcast.EventRideRequested, Ride: latest.Clone(), At: s.now()})
	s.Analytics.Record(ctx, "ride_requested", map[string]any{
		"ride_id":     latest.ID,
		"rider_id":    latest.RiderID,
		"price_cents": latest.PriceCents,
		"multiplier":  quote.Multiplier,
	})
	return latest, nil
}

func (s *Service) validateRequest(req RideRequest) error {
	if req.RiderID == "" {
		return errors.New("rider_id is required")
	}
	if err := geo.ValidatePoint(req.Pickup, "pickup"); err != nil {
		return err
	}
	if err := geo.ValidatePoint(req.Dropoff, "dropoff"); err != nil {
		return err
	}
	valid := false
	for _, bt := range models.ValidBikeTypes {
		if bt == req.BikeType {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %q", ErrUnknownBikeType, req.BikeType)
	}
	return nil
}

// openPaymentHold creates the manual-capture intent. Provider failures
// are recorded on the ride as a diagnostic and creation proceeds.
func (s *Service) openPaymentHold(ctx context.Context, ride *models.Ride) {
	if s.Payments == nil {
		return
	}
	intentID, err := s.Payments.CreateIntent(ctx, ride.PriceCents, map[string]string{"rideId": ride.ID})
	if err != nil {
		s.Logger.Error("payment intent creation failed", "ride_id", ride.ID, "error", err)
		if _, ferr := s.Rides.ApplyPaymentFailure(ctx, ride.ID, err.Error()); ferr != nil {
			s.Logger.Error("recording payment failure failed", "ride_id", ride.ID, "error", ferr)
		}
		return
	}
	if err := s.Rides.SetPaymentIntent(ctx, ride.ID, intentID); err != nil {
		s.Logger.Error("persisting payment intent failed", "ride_id", ride.ID, "error", err)
		return
	}
	ride.PaymentIntentID = intentID
}

// tryAutoDispatch reserves the best available driver and moves the
// ride to accepted. No eligible driver is not an error.
func (s *Service) tryAutoDispatch(ctx context.Context, ride *models.Ride) {
	candidate, err := s.Dispatch.SelectAndReserve(ctx, ride.Pickup)
	if err != nil {
		s.Logger.Error("dispatch failed", "ride_id", ride.ID, "error", err)
		return
	}
	if candidate == nil {
		return
	}

	etaMinutes := s.estimateEta(candidate.Location, ride.Pickup, candidate.DistanceMiles)
	fields := storage.StatusFields{DriverID: &candidate.DriverID, DriverEtaMinutes: &etaMinutes}
	_, swapped, err := s.Rides.UpdateStatus(ctx, ride.ID, models.StatusRequested, models.StatusAccepted, fields)
	if err != nil || !swapped {
		// Ride changed under us (e.g. rider cancelled mid-dispatch):
		// hand the driver back.
		if rerr := s.Drivers.Release(ctx, candidate.DriverID, nil); rerr != nil {
			s.Logger.Error("releasing driver after lost assignment failed",
				"ride_id", ride.ID, "driver_id", candidate.DriverID, "error", rerr)
		}
		if err != nil {
			s.Logger.Error("recording assignment failed", "ride_id", ride.ID, "error", err)
		}
		return
	}
	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusAccepted)).Inc()
	s.Logger.Info("driver assigned",
		"ride_id", ride.ID, "driver_id", candidate.DriverID, "eta_minutes", etaMinutes)
}

func (s *Service) estimateEta(from, to models.Point, distanceMiles float64) int {
	if s.Eta != nil {
		if s.EtaCache != nil {
			if secs, ok := s.EtaCache.Get(from, to); ok {
				return int(math.Ceil(secs / 60.0))
			}
		}
		secs, err := s.Eta.EstimateSeconds(from, to)
		if err == nil {
			if s.EtaCache != nil {
				s.EtaCache.Set(from, to, secs)
			}
			return int(math.Ceil(secs / 60.0))
		}
		s.Logger.Warn("routing ETA failed, using straight-line estimate", "error", err)
	}
	return eta.EstimateMinutesFromMiles(distanceMiles, s.DefaultSpeedMps)
}

// UpdateStatus applies one state-machine transition with its optional
// fields. Transition legality is checked against the current status
// and enforced by the store's compare-and-swap, so two concurrent
// attempts on the same ride serialize: the loser re-reads and re-checks
// against the winner's result.
func (s *Service) UpdateStatus(ctx context.Context, rideID string, upd StatusUpdate) (*models.Ride, error) {
	if !ValidStatus(upd.To) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, upd.To)
	}
	if upd.DriverEtaMinutes != nil && *upd.DriverEtaMinutes < 0 {
		return nil, ErrNegativeEta
	}
	fields := storage.StatusFields{
		DriverID:           upd.DriverID,
		DriverEtaMinutes:   upd.DriverEtaMinutes,
		CancellationReason: upd.CancellationReason,
		AssistRequired:     upd.AssistRequired,
		AssistReason:       upd.AssistReason,
	}

	var ride *models.Ride
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.Rides.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrRideNotFound
		}
		if err := CheckTransition(current.Status, upd.To); err != nil {
			return nil, err
		}
		updated, swapped, err := s.Rides.UpdateStatus(ctx, rideID, current.Status, upd.To, fields)
		if err != nil {
			return nil, err
		}
		if swapped {
			ride = updated
			break
		}
		// Lost the race; loop re-reads the winner's status and the FSM
		// check decides whether the transition is still legal.
	}
	if ride == nil {
		return nil, fmt.Errorf("ride %s: transition to %s kept losing to concurrent updates", rideID, upd.To)
	}

	observability.RideTransitionsTotal.WithLabelValues(string(upd.To)).Inc()
	s.Logger.Info("ride status updated", "ride_id", rideID, "status", upd.To)

	ride = s.runTransitionEffects(ctx, ride, upd.To)

	s.Hub.Publish(ride.ID, broadcast.Event{Type: broadcast.EventRideStatus, Ride: ride.Clone(), At: s.now()})
	s.Analytics.Record(ctx, "ride_status_changed", map[string]any{
		"ride_id": ride.ID,
		"status":  upd.To,
	})
	return ride, nil
}

// runTransitionEffects performs the side effects owed after a committed
// transition and returns the freshest ride view. Effects are follow-ups
// to an already-durable state change: their failures are recorded, not
// rolled back into the transition.
func (s *Service) runTransitionEffects(ctx context.Context, ride *models.Ride, to models.RideStatus) *models.Ride {
	switch {
	case to == models.StatusCompleted:
		completedAt := s.now().UTC()
		ride = s.capturePayment(ctx, ride)
		if ride.DriverID != "" {
			if err := s.Drivers.Release(ctx, ride.DriverID, &completedAt); err != nil {
				s.Logger.Error("releasing driver failed", "ride_id", ride.ID, "driver_id", ride.DriverID, "error", err)
			}
		}
		ride = s.sendWtpPrompt(ctx, ride)
	case to.Terminal() && ride.DriverID != "":
		// Cancellation with an assigned driver: free the driver without
		// crediting a completed ride.
		if err := s.Drivers.Release(ctx, ride.DriverID, nil); err != nil {
			s.Logger.Error("releasing driver failed", "ride_id", ride.ID, "driver_id", ride.DriverID, "error", err)
		}
	}
	return ride
}

func (s *Service) capturePayment(ctx context.Context, ride *models.Ride) *models.Ride {
	if s.Payments == nil || ride.PaymentIntentID == "" {
		return ride
	}
	result, err := s.Payments.Capture(ctx, ride.PaymentIntentID)
	if err != nil {
		s.Logger.Error("payment capture failed", "ride_id", ride.ID, "intent_id", ride.PaymentIntentID, "error", err)
		if updated, ferr := s.Rides.ApplyPaymentFailure(ctx, ride.ID, err.Error()); ferr == nil && updated != nil {
			return updated
		}
		return ride
	}
	updated, err := s.Rides.ApplyPaymentSuccess(ctx, ride.ID, result.ChargeID, s.now().UTC())
	if err != nil || updated == nil {
		s.Logger.Error("recording payment capture failed", "ride_id", ride.ID, "error", err)
		return ride
	}
	s.Logger.Info("payment captured", "ride_id", ride.ID, "charge_id", result.ChargeID)
	return updated
}

// sendWtpPrompt asks the post-ride question at most once per ride: the
// wtpAsked flip is a compare-and-swap, so a concurrent completion path
// that lost the flip skips the send.
func (s *Service) sendWtpPrompt(ctx context.Context, ride *models.Ride) *models.Ride {
	if s.SMS == nil || ride.RiderPhone == "" {
		return ride
	}
	flipped, err := s.Rides.MarkWtpAsked(ctx, ride.ID)
	if err != nil {
		s.Logger.Error("marking WTP asked failed", "ride_id", ride.ID, "error", err)
		return ride
	}
	if !flipped {
		return ride
	}
	body := sms.WtpPrompt(ride.Dropoff.Address)
	if _, err := s.SMS.Send(ctx, ride.RiderPhone, body); err != nil {
		s.Logger.Error("WTP SMS send failed", "ride_id", ride.ID, "error", err)
	}
	if updated, err := s.Rides.GetRide(ctx, ride.ID); err == nil && updated != nil {
		return updated
	}
	return ride
}

// GetRide returns a ride or ErrRideNotFound.
func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride == nil {
		return nil, ErrRideNotFound
	}
	return ride, nil
}

func (s *Service) ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	return s.Rides.ListByRider(ctx, riderID)
}

func (s *Service) ListActiveByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return s.Rides.ListActiveByDriver(ctx, driverID)
}
