package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/webhook"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture flows and webhook signature verification.
type StripeClient struct {
	webhookSecret string
}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeClient(webhookSecret string) *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{webhookSecret: webhookSecret}
}

// CreateIntent opens a PaymentIntent with capture_method=manual so
// funds are authorized at ride creation but taken only on completion.
func (s *StripeClient) CreateIntent(ctx context.Context, amountCents int64, metadata map[string]string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, intentID string) (CaptureResult, error) {
	pi, err := paymentintent.Capture(intentID, nil)
	if err != nil {
		return CaptureResult{}, err
	}
	res := CaptureResult{Status: string(pi.Status)}
	if pi.LatestCharge != nil {
		res.ChargeID = pi.LatestCharge.ID
	}
	return res, nil
}

// VerifyWebhook checks the provider signature and returns the verified
// event. Invalid signatures are rejected outright.
func (s *StripeClient) VerifyWebhook(rawBody []byte, signature string) (WebhookEvent, error) {
	ev, err := webhook.ConstructEvent(rawBody, signature, s.webhookSecret)
	if err != nil {
		return WebhookEvent{}, err
	}
	return WebhookEvent{ID: ev.ID, Type: string(ev.Type), Payload: ev.Data.Raw}, nil
}
