// Package httpapi exposes the engine over HTTP: the ride API, the
// per-ride status stream, driver telemetry intake, and the payment and
// SMS webhooks.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rescue-dispatch/internal/broadcast"
	"github.com/example/rescue-dispatch/internal/drivers"
	"github.com/example/rescue-dispatch/internal/ingest"
	"github.com/example/rescue-dispatch/internal/ledger"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/payments"
	"github.com/example/rescue-dispatch/internal/riders"
	"github.com/example/rescue-dispatch/internal/rides"
	"github.com/example/rescue-dispatch/internal/sms"
)

const maxWebhookBody = 1 << 20

type Server struct {
	Rides      *rides.Service
	Drivers    drivers.Store
	Hub        *broadcast.Hub
	Reconciler *ledger.Reconciler
	Matcher    *sms.Matcher
	Verifier   payments.WebhookVerifier
	Telemetry  *ingest.KafkaProducer

	KeepaliveInterval time.Duration

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(
	rideSvc *rides.Service,
	driverStore drivers.Store,
	hub *broadcast.Hub,
	reconciler *ledger.Reconciler,
	matcher *sms.Matcher,
	verifier payments.WebhookVerifier,
	telemetry *ingest.KafkaProducer,
	keepalive time.Duration,
	logger *slog.Logger,
) *Server {
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	s := &Server{
		Rides:             rideSvc,
		Drivers:           driverStore,
		Hub:               hub,
		Reconciler:        reconciler,
		Matcher:           matcher,
		Verifier:          verifier,
		Telemetry:         telemetry,
		KeepaliveInterval: keepalive,
		logger:            logger,
		mux:               mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleRequestRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/status", s.handleUpdateStatus).Methods("PATCH")
	s.mux.HandleFunc("/api/v1/riders/{rider_id}/rides", s.handleListRiderRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/rides", s.handleListDriverRides).Methods("GET")
	s.mux.HandleFunc("/ws/rides/{ride_id}", s.handleRideStream)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	s.mux.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods("POST")
	s.mux.HandleFunc("/webhooks/sms/inbound", s.handleInboundSMS).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req rides.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ride, err := s.Rides.RequestRide(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, riders.ErrRiderNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, rides.ErrTripTooLong),
			errors.Is(err, rides.ErrUnknownBikeType),
			errors.Is(err, rides.ErrMissingRiderPhone):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.serverError(w, r, "request ride", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		if errors.Is(err, rides.ErrRideNotFound) {
			writeError(w, http.StatusNotFound, "ride not found")
			return
		}
		s.serverError(w, r, "get ride", err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var upd rides.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ride, err := s.Rides.UpdateStatus(r.Context(), mux.Vars(r)["ride_id"], upd)
	if err != nil {
		var tErr *rides.InvalidTransitionError
		switch {
		case errors.As(err, &tErr):
			writeError(w, http.StatusConflict, tErr.Error())
		case errors.Is(err, rides.ErrRideNotFound):
			writeError(w, http.StatusNotFound, "ride not found")
		case errors.Is(err, rides.ErrUnknownStatus), errors.Is(err, rides.ErrNegativeEta):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.serverError(w, r, "update status", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListRiderRides(w http.ResponseWriter, r *http.Request) {
	list, err := s.Rides.ListByRider(r.Context(), mux.Vars(r)["rider_id"])
	if err != nil {
		s.serverError(w, r, "list rider rides", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": list})
}

func (s *Server) handleListDriverRides(w http.ResponseWriter, r *http.Request) {
	list, err := s.Rides.ListActiveByDriver(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.serverError(w, r, "list driver rides", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": list})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var ping models.DriverPing
	if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ping.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if ping.SentAt.IsZero() {
		ping.SentAt = time.Now().UTC()
	}
	if err := s.Drivers.Upsert(r.Context(), ping.DriverID, ping.Location, ping.Active); err != nil {
		s.serverError(w, r, "upsert driver location", err)
		return
	}
	if s.Telemetry != nil {
		if err := s.Telemetry.PublishPing(ping); err != nil {
			s.logger.Warn("telemetry publish failed", "driver_id", ping.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStripeWebhook verifies, records and reconciles a payment event.
// Invalid signatures are rejected; everything after a verified record
// is acknowledged even on processing failure, so the provider does not
// retry-storm an event we have already stored durably.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	event, err := s.Verifier.VerifyWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.logger.Warn("stripe webhook signature rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = event.ID
	}
	entry, err := s.Reconciler.RecordEvent(r.Context(), event.ID, idempotencyKey, event.Type, event.Payload)
	if err != nil {
		s.logger.Error("recording webhook event failed", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		return
	}
	if _, err := s.Reconciler.Reconcile(r.Context(), entry); err != nil {
		s.logger.Error("reconciling webhook event failed", "event_id", event.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// handleInboundSMS accepts provider form posts ({From, Body}). The
// response is always 200 with an empty TwiML document: unmatched or
// unparseable replies are ignored, not errored.
func (s *Server) handleInboundSMS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from != "" {
		if _, err := s.Matcher.HandleInboundReply(r.Context(), from, body); err != nil {
			s.logger.Error("inbound SMS handling failed", "from", from, "error", err)
		}
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { return uuid.NewString() }
