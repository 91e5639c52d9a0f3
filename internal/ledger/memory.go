package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Entry
	byEvent map[string]*Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Entry),
		byEvent: make(map[string]*Entry),
		now:     time.Now,
	}
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, e *Entry) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byEvent[e.ProviderEventID]; ok {
		return clone(existing), true, nil
	}
	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = m.now()
	m.byID[cp.ID] = &cp
	m.byEvent[cp.ProviderEventID] = &cp
	return clone(&cp), false, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id string, processingError string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, false, fmt.Errorf("ledger entry %s not found", id)
	}
	if e.ProcessedAt != nil {
		return clone(e), false, nil
	}
	t := m.now()
	e.ProcessedAt = &t
	e.ProcessingError = processingError
	return clone(e), true, nil
}

func (m *MemoryStore) GetByProviderEventID(_ context.Context, providerEventID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byEvent[providerEventID]
	if !ok {
		return nil, nil
	}
	return clone(e), nil
}

func clone(e *Entry) *Entry {
	cp := *e
	return &cp
}
