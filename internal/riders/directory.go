// Package riders exposes the rider directory the engine consults once
// at ride creation to denormalize the rider's phone onto the ride.
package riders

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
)

// Directory resolves a rider id to a phone number. Empty phone with a
// nil error means the rider exists but has no number on file.
type Directory interface {
	PhoneNumber(ctx context.Context, riderID string) (string, error)
}

// ErrRiderNotFound is returned when the rider id is unknown.
var ErrRiderNotFound = fmt.Errorf("rider not found")

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(dsn string) (*PostgresDirectory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresDirectory{db: db}, nil
}

func (p *PostgresDirectory) PhoneNumber(ctx context.Context, riderID string) (string, error) {
	var phone sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT phone_number FROM riders WHERE id = $1`, riderID).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", ErrRiderNotFound
	}
	if err != nil {
		return "", err
	}
	return phone.String, nil
}

// StaticDirectory is a map-backed directory for tests and local runs.
type StaticDirectory struct {
	mu     sync.RWMutex
	phones map[string]string
}

func NewStaticDirectory(phones map[string]string) *StaticDirectory {
	if phones == nil {
		phones = make(map[string]string)
	}
	return &StaticDirectory{phones: phones}
}

func (s *StaticDirectory) PhoneNumber(_ context.Context, riderID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phone, ok := s.phones[riderID]
	if !ok {
		return "", ErrRiderNotFound
	}
	return phone, nil
}

func (s *StaticDirectory) Set(riderID, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones[riderID] = phone
}
