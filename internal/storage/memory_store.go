package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
)

// MemoryStore is the in-process RideStore used in tests and local runs
// without Postgres. One mutex serializes every mutation, which is
// exactly the serialization guarantee the SQL store gets from its
// conditional UPDATEs.
type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*models.Ride
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), now: time.Now}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[r.ID]; exists {
		return fmt.Errorf("ride %s already exists", r.ID)
	}
	now := m.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to models.RideStatus, f StatusFields) (*models.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, false, nil
	}
	if r.Status != from {
		return r.Clone(), false, nil
	}
	r.Status = to
	if f.DriverID != nil {
		r.DriverID = *f.DriverID
	}
	if f.DriverEtaMinutes != nil {
		eta := *f.DriverEtaMinutes
		r.DriverEtaMinutes = &eta
	}
	if f.CancellationReason != nil {
		r.CancellationReason = *f.CancellationReason
	}
	if f.AssistRequired != nil {
		r.AssistRequired = *f.AssistRequired
	}
	if f.AssistReason != nil {
		r.AssistReason = *f.AssistReason
	}
	r.UpdatedAt = m.now()
	return r.Clone(), true, nil
}

func (m *MemoryStore) SetPaymentIntent(_ context.Context, id, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return fmt.Errorf("ride %s not found", id)
	}
	r.PaymentIntentID = intentID
	r.PaymentStatus = models.PaymentPending
	r.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ApplyPaymentSuccess(_ context.Context, id, chargeID string, capturedAt time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, nil
	}
	r.PaymentStatus = models.PaymentSucceeded
	if chargeID != "" {
		r.PaymentChargeID = chargeID
	}
	t := capturedAt
	r.PaymentCapturedAt = &t
	r.LastPaymentError = ""
	r.UpdatedAt = m.now()
	return r.Clone(), nil
}

func (m *MemoryStore) ApplyPaymentFailure(_ context.Context, id, message string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, nil
	}
	r.PaymentStatus = models.PaymentFailed
	r.LastPaymentError = message
	r.UpdatedAt = m.now()
	return r.Clone(), nil
}

func (m *MemoryStore) MarkWtpAsked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, fmt.Errorf("ride %s not found", id)
	}
	if r.WtpAsked {
		return false, nil
	}
	r.WtpAsked = true
	r.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) ApplyWtpResponse(_ context.Context, phone string, resp models.WtpResponse, amountUsd *float64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Ride
	for _, r := range m.rides {
		if r.RiderPhone != phone || !r.WtpAsked || r.WtpResponse != "" {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	latest.WtpResponse = resp
	if amountUsd != nil {
		v := *amountUsd
		latest.WtpAmountUsd = &v
	}
	latest.UpdatedAt = m.now()
	return latest.Clone(), nil
}

func (m *MemoryStore) ListByRider(_ context.Context, riderID string) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.RiderID == riderID {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListActiveByDriver(_ context.Context, driverID string) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID && !r.Status.Terminal() && r.Status != models.StatusRequested {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) CountActiveNear(_ context.Context, p models.Point, radiusMiles float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rides {
		if r.Status.Terminal() {
			continue
		}
		if geo.DistanceMiles(p, r.Pickup) <= radiusMiles {
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool {
		if !rides[i].CreatedAt.Equal(rides[j].CreatedAt) {
			return rides[i].CreatedAt.After(rides[j].CreatedAt)
		}
		return rides[i].ID > rides[j].ID
	})
}
