package drivers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
)

// MemoryStore keeps driver state in a mutex-guarded map. The single
// lock gives the same reservation atomicity the Postgres store gets
// from SKIP LOCKED: a driver flipped to busy inside Reserve can never
// be handed to a second caller.
type MemoryStore struct {
	mu      sync.Mutex
	drivers map[string]*models.DriverLocation
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]*models.DriverLocation), now: time.Now}
}

func (m *MemoryStore) Upsert(_ context.Context, driverID string, p models.Point, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		d = &models.DriverLocation{DriverID: driverID, Rating: 5.0}
		m.drivers[driverID] = d
	}
	d.Location = p
	d.Active = active
	// Upsert never revives a busy driver; only Release does that.
	if !active {
		d.Availability = models.DriverOffline
	} else if d.Availability != models.DriverBusy {
		d.Availability = models.DriverAvailable
	}
	d.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, p models.Point, radiusMiles float64) (*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*Candidate
	for _, d := range m.drivers {
		if !d.Active || d.Availability != models.DriverAvailable {
			continue
		}
		dist := geo.DistanceMiles(p, d.Location)
		if dist > radiusMiles {
			continue
		}
		eligible = append(eligible, &Candidate{
			DriverID:            d.DriverID,
			Location:            d.Location,
			DistanceMiles:       dist,
			LastRideCompletedAt: d.LastRideCompletedAt,
			Rating:              d.Rating,
		})
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	// Soonest-idle-first (never-ridden drivers before everyone), then
	// nearest-first, then driver id for determinism.
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		switch {
		case a.LastRideCompletedAt == nil && b.LastRideCompletedAt != nil:
			return true
		case a.LastRideCompletedAt != nil && b.LastRideCompletedAt == nil:
			return false
		case a.LastRideCompletedAt != nil && !a.LastRideCompletedAt.Equal(*b.LastRideCompletedAt):
			return a.LastRideCompletedAt.Before(*b.LastRideCompletedAt)
		case a.DistanceMiles != b.DistanceMiles:
			return a.DistanceMiles < b.DistanceMiles
		default:
			return a.DriverID < b.DriverID
		}
	})

	best := eligible[0]
	d := m.drivers[best.DriverID]
	d.Availability = models.DriverBusy
	d.UpdatedAt = m.now()
	return best, nil
}

func (m *MemoryStore) Release(_ context.Context, driverID string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil
	}
	d.Availability = models.DriverAvailable
	d.Active = true
	if completedAt != nil {
		t := *completedAt
		d.LastRideCompletedAt = &t
		d.TotalRides++
	}
	d.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, driverID string) (*models.DriverLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) CountAvailableNear(_ context.Context, p models.Point, radiusMiles float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.drivers {
		if !d.Active || d.Availability != models.DriverAvailable {
			continue
		}
		if geo.DistanceMiles(p, d.Location) <= radiusMiles {
			n++
		}
	}
	return n, nil
}

// SetRating is a test/seed helper; ratings normally arrive from the
// rider feedback system outside this engine.
func (m *MemoryStore) SetRating(driverID string, rating float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drivers[driverID]; ok {
		d.Rating = rating
	}
}

// SetLastRideCompletedAt is a test/seed helper.
func (m *MemoryStore) SetLastRideCompletedAt(driverID string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drivers[driverID]; ok {
		d.LastRideCompletedAt = &t
	}
}
