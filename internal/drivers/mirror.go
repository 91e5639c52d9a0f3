package drivers

import (
	"context"
	"time"

	"github.com/example/rescue-dispatch/internal/models"
)

// GeoMirror is a best-effort geo set of drivers that are currently
// available for dispatch. CountWithin's second return is false when the
// mirror cannot answer and the caller should use the backing store.
type GeoMirror interface {
	Put(ctx context.Context, driverID string, p models.Point, available bool)
	Remove(ctx context.Context, driverID string)
	CountWithin(ctx context.Context, p models.Point, radiusMiles float64) (int, bool)
}

// MirroredStore keeps a GeoMirror in lockstep with every availability
// change on the inner store: reserving a driver removes it from the
// mirror, releasing puts it back, and pings from a busy driver do not
// re-add it. That keeps mirror counts meaning "available supply", not
// just "known positions".
type MirroredStore struct {
	inner  Store
	mirror GeoMirror
}

func WithMirror(inner Store, mirror GeoMirror) *MirroredStore {
	return &MirroredStore{inner: inner, mirror: mirror}
}

func (m *MirroredStore) Upsert(ctx context.Context, driverID string, p models.Point, active bool) error {
	if err := m.inner.Upsert(ctx, driverID, p, active); err != nil {
		return err
	}
	m.syncMirror(ctx, driverID)
	return nil
}

func (m *MirroredStore) Reserve(ctx context.Context, p models.Point, radiusMiles float64) (*Candidate, error) {
	c, err := m.inner.Reserve(ctx, p, radiusMiles)
	if err == nil && c != nil {
		m.mirror.Remove(ctx, c.DriverID)
	}
	return c, err
}

func (m *MirroredStore) Release(ctx context.Context, driverID string, completedAt *time.Time) error {
	if err := m.inner.Release(ctx, driverID, completedAt); err != nil {
		return err
	}
	m.syncMirror(ctx, driverID)
	return nil
}

func (m *MirroredStore) Get(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	return m.inner.Get(ctx, driverID)
}

func (m *MirroredStore) CountAvailableNear(ctx context.Context, p models.Point, radiusMiles float64) (int, error) {
	if n, ok := m.mirror.CountWithin(ctx, p, radiusMiles); ok {
		return n, nil
	}
	return m.inner.CountAvailableNear(ctx, p, radiusMiles)
}

// syncMirror re-reads the driver and writes its membership. The store
// decides availability (a busy driver stays busy across pings), so the
// mirror follows the stored state rather than the caller's arguments.
func (m *MirroredStore) syncMirror(ctx context.Context, driverID string) {
	d, err := m.inner.Get(ctx, driverID)
	if err != nil || d == nil {
		m.mirror.Remove(ctx, driverID)
		return
	}
	available := d.Active && d.Availability == models.DriverAvailable
	m.mirror.Put(ctx, driverID, d.Location, available)
}
