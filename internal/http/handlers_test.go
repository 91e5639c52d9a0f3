package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rescue-dispatch/internal/analytics"
	"github.com/example/rescue-dispatch/internal/broadcast"
	"github.com/example/rescue-dispatch/internal/dispatch"
	"github.com/example/rescue-dispatch/internal/drivers"
	"github.com/example/rescue-dispatch/internal/ledger"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/payments"
	"github.com/example/rescue-dispatch/internal/pricing"
	"github.com/example/rescue-dispatch/internal/riders"
	"github.com/example/rescue-dispatch/internal/rides"
	"github.com/example/rescue-dispatch/internal/sms"
	"github.com/example/rescue-dispatch/internal/storage"
)

type stubProvider struct{}

func (stubProvider) CreateIntent(context.Context, int64, map[string]string) (string, error) {
	return "pi_test", nil
}

func (stubProvider) Capture(context.Context, string) (payments.CaptureResult, error) {
	return payments.CaptureResult{ChargeID: "ch_test", Status: "succeeded"}, nil
}

// stubVerifier accepts any body carrying the magic signature and hands
// the raw body through as the event payload.
type stubVerifier struct{}

func (stubVerifier) VerifyWebhook(rawBody []byte, signature string) (payments.WebhookEvent, error) {
	if signature != "valid" {
		return payments.WebhookEvent{}, errors.New("bad signature")
	}
	var envelope struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return payments.WebhookEvent{}, err
	}
	return payments.WebhookEvent{ID: envelope.ID, Type: envelope.Type, Payload: envelope.Data}, nil
}

type testEnv struct {
	server  *Server
	rides   *storage.MemoryStore
	drivers *drivers.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(s storage.RideStore) storage.RideStore { return s })
}

// newTestEnvWith lets a test interpose on the ride store, e.g. to
// trigger side effects at precise points of a handler's execution.
func newTestEnvWith(t *testing.T, wrap func(storage.RideStore) storage.RideStore) *testEnv {
	t.Helper()
	logger := slog.Default()
	memStore := storage.NewMemoryStore()
	rideStore := wrap(memStore)
	driverStore := drivers.NewMemoryStore()
	hub := broadcast.NewHub(16)
	directory := riders.NewStaticDirectory(map[string]string{"rider-1": "+15550001111"})
	pricer := &pricing.Calculator{
		Demand:         rideStore,
		Supply:         driverStore,
		Logger:         logger,
		BasePriceCents: 5000,
		RadiusMiles:    10,
		Sensitivity:    0.5,
		MaxMultiplier:  2.5,
	}
	sender := &sms.SimSender{From: "+15557770000", Logger: logger}
	rideSvc := rides.NewService(
		rideStore, driverStore,
		dispatch.NewService(driverStore, 15, logger),
		pricer, stubProvider{}, sender, directory, hub, analytics.Noop{},
		10, 10, logger,
	)
	reconciler := ledger.NewReconciler(ledger.NewMemoryStore(), rideStore, hub, analytics.Noop{}, logger)
	matcher := &sms.Matcher{Rides: rideStore, Analytics: analytics.Noop{}, Logger: logger}
	srv := NewServer(rideSvc, driverStore, hub, reconciler, matcher, stubVerifier{}, nil, 50*time.Millisecond, logger)
	return &testEnv{server: srv, rides: memStore, drivers: driverStore}
}

func (e *testEnv) createRide(t *testing.T) *models.Ride {
	t.Helper()
	body := `{"rider_id":"rider-1","pickup":{"lat":34.077,"lng":-118.260},"dropoff":{"lat":34.091,"lng":-118.286},"bike_type":"analog"}`
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ride models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ride))
	return &ride
}

func TestRequestRideEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.drivers.Upsert(context.Background(), "driver-1",
		models.Point{Lat: 34.078, Lng: -118.261}, true))

	ride := env.createRide(t)
	assert.Equal(t, models.StatusAccepted, ride.Status)
	assert.Equal(t, "driver-1", ride.DriverID)
	assert.Equal(t, int64(5000), ride.PriceCents)
}

func TestRequestRideEndpointValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	body := `{"rider_id":"rider-1","pickup":{"lat":34.077,"lng":-118.260},"dropoff":{"lat":34.091,"lng":-118.286},"bike_type":"hoverboard"}`
	env.server.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	body = `{"rider_id":"rider-unknown","pickup":{"lat":34.077,"lng":-118.260},"dropoff":{"lat":34.091,"lng":-118.286},"bike_type":"analog"}`
	env.server.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides", strings.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRideEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ride := env.createRide(t)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/rides/"+ride.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/rides/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ride := env.createRide(t)

	// requested -> in_transit is not a legal edge.
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("PATCH", "/api/v1/rides/"+ride.ID+"/status",
		strings.NewReader(`{"status":"in_transit"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("PATCH", "/api/v1/rides/"+ride.ID+"/status",
		strings.NewReader(`{"status":"warp"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("PATCH", "/api/v1/rides/"+ride.ID+"/status",
		strings.NewReader(`{"status":"cancelled","cancellation_reason":"rider_request"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, models.StatusCancelled, updated.Status)
	assert.Equal(t, "rider_request", updated.CancellationReason)
}

func TestDriverLocationEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	body := `{"driver_id":"driver-9","location":{"lat":34.08,"lng":-118.26},"active":true}`
	env.server.ServeHTTP(rec, httptest.NewRequest("POST", "/internal/driver/locations", strings.NewReader(body)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	d, err := env.drivers.Get(context.Background(), "driver-9")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, models.DriverAvailable, d.Availability)

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("POST", "/internal/driver/locations", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhookEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ride := env.createRide(t)

	payload := fmt.Sprintf(
		`{"id":"evt_1","type":"payment_intent.succeeded","data":{"id":"pi_test","metadata":{"rideId":"%s"},"charges":{"data":[{"id":"ch_1"}]}}}`,
		ride.ID)

	// Invalid signature is the one rejection case.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader([]byte(payload)))
	req.Header.Set("Stripe-Signature", "nope")
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Verified events are acknowledged and applied.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader([]byte(payload)))
	req.Header.Set("Stripe-Signature", "valid")
	env.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.rides.GetRide(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, got.PaymentStatus)
	assert.Equal(t, "ch_1", got.PaymentChargeID)

	// Duplicate delivery stays a 200 and does not double-apply.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader([]byte(payload)))
	req.Header.Set("Stripe-Signature", "valid")
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInboundSMSEndpointAlwaysAcks(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"From": {"+15550001111"}, "Body": {"YES"}}
	req := httptest.NewRequest("POST", "/webhooks/sms/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Response>")
}

func TestRideStreamSnapshotThenEvents(t *testing.T) {
	env := newTestEnv(t)
	ride := env.createRide(t)

	ts := httptest.NewServer(env.server)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rides/" + ride.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snapshot broadcast.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, broadcast.EventSnapshot, snapshot.Type)
	assert.Equal(t, ride.ID, snapshot.Ride.ID)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("PATCH", "/api/v1/rides/"+ride.ID+"/status",
		strings.NewReader(`{"status":"cancelled"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var ev broadcast.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, broadcast.EventRideStatus, ev.Type)
	assert.Equal(t, models.StatusCancelled, ev.Ride.Status)
}

// hookedRideStore fires a one-shot hook right after a GetRide returns,
// so tests can commit writes in the gap between a handler's ride
// lookup and its next step.
type hookedRideStore struct {
	storage.RideStore
	mu   sync.Mutex
	hook func()
}

func (h *hookedRideStore) arm(fn func()) {
	h.mu.Lock()
	h.hook = fn
	h.mu.Unlock()
}

func (h *hookedRideStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	ride, err := h.RideStore.GetRide(ctx, id)
	h.mu.Lock()
	hook := h.hook
	h.hook = nil
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ride, err
}

func TestStreamSnapshotCoversTransitionDuringAttach(t *testing.T) {
	hooked := &hookedRideStore{}
	env := newTestEnvWith(t, func(s storage.RideStore) storage.RideStore {
		hooked.RideStore = s
		return hooked
	})
	ride := env.createRide(t)

	// Cancel the ride between the stream handler's existence check and
	// its hub subscription; the snapshot must still reflect it.
	hooked.arm(func() {
		rec := httptest.NewRecorder()
		env.server.ServeHTTP(rec, httptest.NewRequest("PATCH", "/api/v1/rides/"+ride.ID+"/status",
			strings.NewReader(`{"status":"cancelled"}`)))
		if rec.Code != http.StatusOK {
			t.Errorf("cancel during stream attach: %d %s", rec.Code, rec.Body.String())
		}
	})

	ts := httptest.NewServer(env.server)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rides/" + ride.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snapshot broadcast.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, broadcast.EventSnapshot, snapshot.Type)
	assert.Equal(t, models.StatusCancelled, snapshot.Ride.Status)
}

func TestStreamRejectsUnknownRide(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("GET", "/ws/rides/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
