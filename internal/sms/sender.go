// Package sms holds the SMS provider contract, the willingness-to-pay
// prompt, and the matcher that routes inbound replies back to rides.
package sms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Sender is the outbound SMS provider contract. Send returns the
// provider's message id.
type Sender interface {
	Send(ctx context.Context, to, body string) (messageID string, err error)
}

// WtpPrompt is the post-ride question sent once per completed ride.
func WtpPrompt(dropoffAddress string) string {
	return fmt.Sprintf("SupportCarr: Your bike rescue is complete and the bike was dropped at %s. "+
		"This is a free pilot. If this service cost $25 in the future, would you pay for it? Reply YES or NO.", dropoffAddress)
}

// SimSender logs instead of sending; used when no SMS provider is
// configured so local runs still exercise the full completion path.
type SimSender struct {
	From   string
	Logger *slog.Logger
}

func (s *SimSender) Send(_ context.Context, to, body string) (string, error) {
	id := "sim_" + uuid.NewString()
	s.Logger.Info("simulated SMS", "from", s.From, "to", to, "body", body, "message_id", id)
	return id, nil
}
