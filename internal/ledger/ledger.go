// Package ledger durably records every inbound payment webhook event
// exactly once and applies it to the owning ride. Recording and
// reconciliation are separate steps so provider retries can never
// double-apply a ride mutation.
package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Provider event types the reconciler acts on. Everything else is
// recorded and immediately marked processed without touching a ride.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// Recorded reconciliation error codes. These are permanent: replaying
// the same immutable event would produce the same unresolvable state.
const (
	ErrCodeMissingRideReference = "missing_ride_reference"
	ErrCodeRideNotFound         = "ride_not_found"
)

// Entry is one durably recorded webhook event. ProcessedAt nil means
// received but not yet reconciled; once set the entry is never
// re-processed, successfully or otherwise.
type Entry struct {
	ID              string          `json:"id"`
	ProviderEventID string          `json:"provider_event_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	RideID          string          `json:"ride_id,omitempty"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	ChargeID        string          `json:"charge_id,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError string          `json:"processing_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (e *Entry) processed() bool { return e.ProcessedAt != nil }

// Store persists ledger entries. Uniqueness is enforced on the
// provider event id (and secondarily the idempotency key), which is
// what makes concurrent inserts of the same event safe.
type Store interface {
	// InsertIfAbsent stores e unless an entry with the same provider
	// event id already exists, in which case the existing entry is
	// returned unchanged with existed = true.
	InsertIfAbsent(ctx context.Context, e *Entry) (entry *Entry, existed bool, err error)
	// MarkProcessed sets the processed timestamp if it is still unset;
	// claimed reports whether this caller won that compare-and-swap. An
	// already-processed entry comes back unchanged with claimed false.
	MarkProcessed(ctx context.Context, id string, processingError string) (entry *Entry, claimed bool, err error)
	GetByProviderEventID(ctx context.Context, providerEventID string) (*Entry, error)
}

// intentPayload is the slice of the provider's payment-intent object
// the reconciler needs: the owning ride reference, the charge, and the
// failure message.
type intentPayload struct {
	ID       string `json:"id"`
	Metadata struct {
		RideID string `json:"rideId"`
	} `json:"metadata"`
	Charges struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"charges"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}
