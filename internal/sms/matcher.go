package sms

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/example/rescue-dispatch/internal/analytics"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/observability"
	"github.com/example/rescue-dispatch/internal/storage"
)

// amountPattern accepts a bare or $-prefixed decimal, e.g. "20", "$12.50".
var amountPattern = regexp.MustCompile(`^\$?(\d+(?:\.\d+)?)$`)

// Matcher routes an inbound SMS reply to the correct open ride. The
// lookup is keyed on the ride's denormalized riderPhone, never the
// live rider record, so two riders with open questions at the same
// time can never cross-match; the store applies match and update in
// one atomic step.
type Matcher struct {
	Rides     storage.RideStore
	Analytics analytics.Sink
	Logger    *slog.Logger
}

// HandleInboundReply parses rawBody and records the reply against the
// most recent unanswered WTP ride for fromPhone. It returns the
// matched ride id, or "" when nothing matched — duplicate webhook
// deliveries, unknown numbers and late replies are all ignored without
// error.
func (m *Matcher) HandleInboundReply(ctx context.Context, fromPhone, rawBody string) (string, error) {
	resp, amountUsd, ok := parseReply(rawBody)
	if !ok {
		m.Logger.Debug("unparseable SMS reply ignored", "from", fromPhone)
		return "", nil
	}

	ride, err := m.Rides.ApplyWtpResponse(ctx, fromPhone, resp, amountUsd)
	if err != nil {
		return "", err
	}
	if ride == nil {
		observability.SMSRepliesUnmatchedTotal.Inc()
		m.Logger.Debug("no open ride for SMS reply", "from", fromPhone)
		return "", nil
	}

	observability.SMSRepliesMatchedTotal.Inc()
	m.Logger.Info("WTP response recorded",
		"ride_id", ride.ID, "response", resp, "amount_usd", amountUsd)
	m.Analytics.Record(ctx, "wtp_response", map[string]any{
		"ride_id":    ride.ID,
		"response":   resp,
		"amount_usd": amountUsd,
	})
	return ride.ID, nil
}

// parseReply maps "YES"/"NO" (case-insensitive) directly; a bare or
// $-prefixed number is an implicit YES carrying the willingness-to-pay
// amount. Anything else is ignored.
func parseReply(rawBody string) (models.WtpResponse, *float64, bool) {
	body := strings.TrimSpace(rawBody)
	switch strings.ToUpper(body) {
	case "YES":
		return models.WtpYes, nil, true
	case "NO":
		return models.WtpNo, nil, true
	}
	if match := amountPattern.FindStringSubmatch(body); match != nil {
		amount, err := strconv.ParseFloat(match[1], 64)
		if err == nil {
			return models.WtpYes, &amount, true
		}
	}
	return "", nil, false
}
