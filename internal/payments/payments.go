// Package payments defines the payment-provider contract the engine
// consumes and its Stripe implementation. The engine never implements
// provider cryptography itself; webhook verification is delegated to
// the provider SDK and the engine only sees verified events.
package payments

import (
	"context"
	"encoding/json"
)

// CaptureResult is the outcome of finalizing a previously-held intent.
type CaptureResult struct {
	ChargeID string
	Status   string
}

// WebhookEvent is a signature-verified provider event.
type WebhookEvent struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// Provider opens manual-capture holds at ride creation and captures
// them on completion. Callers retry transient failures; there is no
// mid-flight cancellation of a capture in progress.
type Provider interface {
	CreateIntent(ctx context.Context, amountCents int64, metadata map[string]string) (intentID string, err error)
	Capture(ctx context.Context, intentID string) (CaptureResult, error)
}

// WebhookVerifier turns a raw webhook body plus signature header into
// a verified event, or an error for an invalid signature.
type WebhookVerifier interface {
	VerifyWebhook(rawBody []byte, signature string) (WebhookEvent, error)
}
