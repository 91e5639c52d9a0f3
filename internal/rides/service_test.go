package rides

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rescue-dispatch/internal/analytics"
	"github.com/example/rescue-dispatch/internal/broadcast"
	"github.com/example/rescue-dispatch/internal/dispatch"
	"github.com/example/rescue-dispatch/internal/drivers"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/payments"
	"github.com/example/rescue-dispatch/internal/pricing"
	"github.com/example/rescue-dispatch/internal/riders"
	"github.com/example/rescue-dispatch/internal/storage"
)

var (
	testPickup  = models.Point{Lat: 34.077, Lng: -118.260, Address: "echo park"}
	testDropoff = models.Point{Lat: 34.091, Lng: -118.286, Address: "silver lake"}
)

type fakeProvider struct {
	mu         sync.Mutex
	intents    int
	captures   int
	createErr  error
	captureErr error
}

func (f *fakeProvider) CreateIntent(_ context.Context, _ int64, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.intents++
	return "pi_test", nil
}

func (f *fakeProvider) Capture(_ context.Context, _ string) (payments.CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return payments.CaptureResult{}, f.captureErr
	}
	f.captures++
	return payments.CaptureResult{ChargeID: "ch_test", Status: "succeeded"}, nil
}

type fakeSender struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeSender) Send(_ context.Context, to, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, to)
	return "msg_test", nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fixture struct {
	svc      *Service
	rides    *storage.MemoryStore
	drivers  *drivers.MemoryStore
	provider *fakeProvider
	sender   *fakeSender
	hub      *broadcast.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	rideStore := storage.NewMemoryStore()
	driverStore := drivers.NewMemoryStore()
	provider := &fakeProvider{}
	sender := &fakeSender{}
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
	svc := NewService(
		rideStore, driverStore,
		dispatch.NewService(driverStore, 15, logger),
		pricer, provider, sender, directory, hub, analytics.Noop{},
		10, 10, logger,
	)
	return &fixture{svc: svc, rides: rideStore, drivers: driverStore, provider: provider, sender: sender, hub: hub}
}

func (f *fixture) seedDriver(t *testing.T, id string, p models.Point) {
	t.Helper()
	require.NoError(t, f.drivers.Upsert(context.Background(), id, p, true))
}

func TestRequestRideEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDriver(t, "driver-1", models.Point{Lat: 34.078, Lng: -118.261})

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusAccepted, ride.Status)
	assert.Equal(t, "driver-1", ride.DriverID)
	require.NotNil(t, ride.DriverEtaMinutes)
	assert.GreaterOrEqual(t, *ride.DriverEtaMinutes, 0)
	assert.Equal(t, "+15550001111", ride.RiderPhone)
	assert.Equal(t, "pi_test", ride.PaymentIntentID)
	assert.Equal(t, int64(5000), ride.PriceCents)
	assert.InDelta(t, 1.7748, ride.DistanceMiles, 0.01)

	d, err := f.drivers.Get(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverBusy, d.Availability)

	_, err = f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusEnRoute})
	require.NoError(t, err)

	done, err := f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.PaymentSucceeded, done.PaymentStatus)
	assert.Equal(t, "ch_test", done.PaymentChargeID)
	require.NotNil(t, done.PaymentCapturedAt)
	assert.True(t, done.WtpAsked)
	assert.Equal(t, 1, f.sender.count())

	d, err = f.drivers.Get(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Availability)
	require.NotNil(t, d.LastRideCompletedAt)
	assert.Equal(t, 1, d.TotalRides)

	// Terminal: nothing leaves completed, wtpAsked never flips back.
	_, err = f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusCancelled})
	var tErr *InvalidTransitionError
	require.ErrorAs(t, err, &tErr)
	again, err := f.svc.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	assert.True(t, again.WtpAsked)
	assert.Equal(t, 1, f.sender.count())
}

func TestRequestRideNoDriverStaysRequested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeEbike,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, ride.Status)
	assert.Empty(t, ride.DriverID)
	// Zero supply prices at the maximum multiplier.
	assert.Equal(t, int64(12500), ride.PriceCents)
}

func TestRequestRideValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: models.Point{Lat: 91}, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	assert.ErrorContains(t, err, "pickup.lat")

	_, err = f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: "unicycle",
	})
	assert.ErrorIs(t, err, ErrUnknownBikeType)

	_, err = f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-unknown", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	assert.ErrorIs(t, err, riders.ErrRiderNotFound)
}

func TestRequestRideTripTooLong(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID:  "rider-1",
		Pickup:   testPickup,
		Dropoff:  models.Point{Lat: 35.0, Lng: -119.0}, // way past the 10 mile cap
		BikeType: models.BikeAnalog,
	})
	assert.ErrorIs(t, err, ErrTripTooLong)
}

func TestShortTripsBillAtLeastOneMile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID:  "rider-1",
		Pickup:   testPickup,
		Dropoff:  models.Point{Lat: 34.0775, Lng: -118.2605},
		BikeType: models.BikeFolding,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, ride.DistanceMiles)
}

func TestPriceFixedAtCreation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDriver(t, "driver-1", models.Point{Lat: 34.078, Lng: -118.261})

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	require.NoError(t, err)
	original := ride.PriceCents

	// Supply collapses after creation; transitions must never reprice.
	for _, to := range []models.RideStatus{models.StatusEnRoute, models.StatusArrived, models.StatusInTransit, models.StatusCompleted} {
		updated, err := f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: to})
		require.NoError(t, err)
		assert.Equal(t, original, updated.PriceCents)
	}
}

func TestUpdateStatusInvalidTransitionLeavesRideUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusRequested, ride.Status)

	_, err = f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusInTransit})
	var tErr *InvalidTransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, models.StatusRequested, tErr.From)
	assert.Equal(t, models.StatusInTransit, tErr.To)

	got, err := f.svc.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, got.Status)
	assert.False(t, got.WtpAsked)
	assert.Equal(t, 0, f.sender.count())
}

func TestUpdateStatusUnknownRide(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateStatus(context.Background(), "nope", StatusUpdate{To: models.StatusAccepted})
	assert.ErrorIs(t, err, ErrRideNotFound)
}

func TestUpdateStatusRejectsUnknownStatusAndNegativeEta(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateStatus(context.Background(), "any", StatusUpdate{To: "warp"})
	assert.ErrorIs(t, err, ErrUnknownStatus)

	bad := -1
	_, err = f.svc.UpdateStatus(context.Background(), "any", StatusUpdate{To: models.StatusAccepted, DriverEtaMinutes: &bad})
	assert.ErrorIs(t, err, ErrNegativeEta)
}

func TestCancellationReleasesDriverWithoutRideCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDriver(t, "driver-1", models.Point{Lat: 34.078, Lng: -118.261})

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, ride.Status)

	reason := "rider_request"
	cancelled, err := f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusCancelled, CancellationReason: &reason})
	require.NoError(t, err)
	assert.Equal(t, "rider_request", cancelled.CancellationReason)

	d, err := f.drivers.Get(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Availability)
	assert.Nil(t, d.LastRideCompletedAt)
	assert.Equal(t, 0, d.TotalRides)
	assert.Equal(t, 0, f.sender.count())
	assert.Equal(t, 0, f.provider.captures)
}

func TestCaptureFailureRecordsDiagnosticWithoutBlockingCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDriver(t, "driver-1", models.Point{Lat: 34.078, Lng: -118.261})
	f.provider.captureErr = errors.New("card declined")

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusEnRoute})
	require.NoError(t, err)
	done, err := f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusCompleted})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.PaymentFailed, done.PaymentStatus)
	assert.Contains(t, done.LastPaymentError, "card declined")
	// Completion side effects still run.
	assert.True(t, done.WtpAsked)
	assert.Equal(t, 1, f.sender.count())
}

func TestIntentFailureRecordsDiagnosticWithoutBlockingCreation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provider.createErr = errors.New("stripe down")

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	require.NoError(t, err)
	assert.Empty(t, ride.PaymentIntentID)
	assert.Equal(t, models.PaymentFailed, ride.PaymentStatus)
	assert.Contains(t, ride.LastPaymentError, "stripe down")
}

func TestConcurrentCompletionSendsWtpOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDriver(t, "driver-1", models.Point{Lat: 34.078, Lng: -118.261})

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusEnRoute})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusCompleted})
		}(i)
	}
	close(start)
	wg.Wait()

	// Exactly one completion wins; the loser sees the terminal status.
	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			var tErr *InvalidTransitionError
			assert.ErrorAs(t, err, &tErr)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, f.sender.count())

	got, err := f.svc.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	assert.True(t, got.WtpAsked)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestStatusUpdatesReachSubscribers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDriver(t, "driver-1", models.Point{Lat: 34.078, Lng: -118.261})

	ride, err := f.svc.RequestRide(ctx, RideRequest{
		RiderID: "rider-1", Pickup: testPickup, Dropoff: testDropoff, BikeType: models.BikeAnalog,
	})
	require.NoError(t, err)

	sub := f.hub.Subscribe(ride.ID)
	defer sub.Close()

	_, err = f.svc.UpdateStatus(ctx, ride.ID, StatusUpdate{To: models.StatusEnRoute})
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		assert.Equal(t, broadcast.EventRideStatus, ev.Type)
		assert.Equal(t, models.StatusEnRoute, ev.Ride.Status)
	case <-time.After(time.Second):
		t.Fatal("no broadcast event received")
	}
}
