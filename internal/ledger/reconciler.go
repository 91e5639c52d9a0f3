package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/rescue-dispatch/internal/analytics"
	"github.com/example/rescue-dispatch/internal/broadcast"
	"github.com/example/rescue-dispatch/internal/observability"
	"github.com/example/rescue-dispatch/internal/storage"
)

// Reconciler records provider webhook events and applies each to its
// owning ride at most once.
type Reconciler struct {
	Ledger    Store
	Rides     storage.RideStore
	Hub       *broadcast.Hub
	Analytics analytics.Sink
	Logger    *slog.Logger

	now func() time.Time
}

func NewReconciler(ledger Store, rides storage.RideStore, hub *broadcast.Hub, sink analytics.Sink, logger *slog.Logger) *Reconciler {
	return &Reconciler{Ledger: ledger, Rides: rides, Hub: hub, Analytics: sink, Logger: logger, now: time.Now}
}

// RecordEvent durably stores one provider event. Seeing the same
// provider event id again returns the existing entry unchanged.
func (r *Reconciler) RecordEvent(ctx context.Context, providerEventID, idempotencyKey, eventType string, payload json.RawMessage) (*Entry, error) {
	if providerEventID == "" {
		return nil, fmt.Errorf("provider event id is required")
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	entry := &Entry{
		ProviderEventID: providerEventID,
		IdempotencyKey:  idempotencyKey,
		Type:            eventType,
		Payload:         payload,
	}
	var parsed intentPayload
	if err := json.Unmarshal(payload, &parsed); err == nil {
		entry.RideID = parsed.Metadata.RideID
		entry.PaymentIntentID = parsed.ID
		if len(parsed.Charges.Data) > 0 {
			entry.ChargeID = parsed.Charges.Data[0].ID
		}
	}

	stored, existed, err := r.Ledger.InsertIfAbsent(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("record ledger event: %w", err)
	}
	if existed {
		r.Logger.Info("duplicate provider event ignored",
			"provider_event_id", providerEventID, "type", eventType)
	}
	return stored, nil
}

// Reconcile applies one recorded event to its ride. The processed
// timestamp is claimed with a compare-and-swap before any ride
// mutation, so concurrent deliveries of the same event race on the
// claim and only the winner applies. Every outcome, including a
// recorded error, marks the entry processed; the event itself is
// immutable so replaying it could never resolve differently.
func (r *Reconciler) Reconcile(ctx context.Context, e *Entry) (*Entry, error) {
	if e.processed() {
		return e, nil
	}

	switch e.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
	default:
		// Not a ride-affecting event; acknowledge and move on.
		entry, claimed, err := r.Ledger.MarkProcessed(ctx, e.ID, "")
		if err != nil {
			return nil, err
		}
		if claimed {
			observability.LedgerEventsTotal.WithLabelValues("ignored").Inc()
		}
		return entry, nil
	}

	rideID := e.RideID
	if rideID == "" {
		entry, claimed, err := r.Ledger.MarkProcessed(ctx, e.ID, ErrCodeMissingRideReference)
		if err != nil {
			return nil, err
		}
		if claimed {
			r.Logger.Warn("payment event missing ride reference",
				"provider_event_id", e.ProviderEventID, "payment_intent_id", e.PaymentIntentID)
			observability.LedgerEventsTotal.WithLabelValues(ErrCodeMissingRideReference).Inc()
		}
		return entry, nil
	}

	ride, err := r.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if ride == nil {
		entry, claimed, err := r.Ledger.MarkProcessed(ctx, e.ID, ErrCodeRideNotFound)
		if err != nil {
			return nil, err
		}
		if claimed {
			r.Logger.Warn("payment event references unknown ride",
				"ride_id", rideID, "provider_event_id", e.ProviderEventID)
			observability.LedgerEventsTotal.WithLabelValues(ErrCodeRideNotFound).Inc()
		}
		return entry, nil
	}

	entry, claimed, err := r.Ledger.MarkProcessed(ctx, e.ID, "")
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another delivery won the claim; its reconcile owns the ride
		// mutation and the publish.
		return entry, nil
	}

	switch e.Type {
	case EventPaymentSucceeded:
		ride, err = r.Rides.ApplyPaymentSuccess(ctx, rideID, e.ChargeID, r.now())
	case EventPaymentFailed:
		ride, err = r.Rides.ApplyPaymentFailure(ctx, rideID, r.failureMessage(e))
	}
	if err != nil {
		return nil, fmt.Errorf("apply payment event to ride %s: %w", rideID, err)
	}

	r.Hub.Publish(rideID, broadcast.Event{
		Type: broadcast.EventPaymentUpdated,
		Ride: ride,
		At:   r.now(),
	})
	r.Analytics.Record(ctx, "payment_event_reconciled", map[string]any{
		"ride_id":           rideID,
		"provider_event_id": e.ProviderEventID,
		"type":              e.Type,
		"payment_status":    ride.PaymentStatus,
	})
	observability.LedgerEventsTotal.WithLabelValues("applied").Inc()

	return entry, nil
}

func (r *Reconciler) failureMessage(e *Entry) string {
	var parsed intentPayload
	if err := json.Unmarshal(e.Payload, &parsed); err == nil &&
		parsed.LastPaymentError != nil && parsed.LastPaymentError.Message != "" {
		return parsed.LastPaymentError.Message
	}
	return "Payment failed"
}
