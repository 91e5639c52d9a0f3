package drivers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
)

// PostgresStore backs the driver fleet with PostGIS. Reservation runs
// in a single transaction using FOR UPDATE SKIP LOCKED so concurrent
// dispatchers skip rows another transaction already holds instead of
// queueing on them.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, driverID string, pt models.Point, active bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_locations (driver_id, location, active, availability, updated_at)
		VALUES ($1, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4,
		        CASE WHEN $4 THEN 'available' ELSE 'offline' END, NOW())
		ON CONFLICT (driver_id) DO UPDATE SET
		    location = EXCLUDED.location,
		    active = EXCLUDED.active,
		    availability = CASE
		        WHEN NOT EXCLUDED.active THEN 'offline'
		        WHEN driver_locations.availability = 'busy' THEN 'busy'
		        ELSE 'available'
		    END,
		    updated_at = NOW()`,
		driverID, pt.Lng, pt.Lat, active)
	if err != nil {
		return fmt.Errorf("upsert driver location: %w", err)
	}
	return nil
}

func (p *PostgresStore) Reserve(ctx context.Context, pt models.Point, radiusMiles float64) (*Candidate, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT d.driver_id,
		       ST_Y(d.location::geometry), ST_X(d.location::geometry),
		       ST_Distance(d.location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) AS distance_meters,
		       d.last_ride_completed_at, d.rating
		  FROM driver_locations d
		 WHERE d.active = TRUE
		   AND d.availability = 'available'
		   AND d.location IS NOT NULL
		   AND ST_DWithin(d.location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		 ORDER BY d.last_ride_completed_at NULLS FIRST, distance_meters ASC, d.driver_id ASC
		   FOR UPDATE SKIP LOCKED
		 LIMIT 1`,
		pt.Lng, pt.Lat, radiusMiles*geo.MilesToMeters)

	var (
		c              Candidate
		distanceMeters float64
		lastCompleted  sql.NullTime
	)
	if err := row.Scan(&c.DriverID, &c.Location.Lat, &c.Location.Lng, &distanceMeters, &lastCompleted, &c.Rating); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select best driver: %w", err)
	}
	c.DistanceMiles = distanceMeters / geo.MilesToMeters
	if lastCompleted.Valid {
		t := lastCompleted.Time
		c.LastRideCompletedAt = &t
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE driver_locations SET availability = 'busy', updated_at = NOW() WHERE driver_id = $1`,
		c.DriverID); err != nil {
		return nil, fmt.Errorf("mark driver busy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) Release(ctx context.Context, driverID string, completedAt *time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE driver_locations
		   SET availability = 'available',
		       active = TRUE,
		       last_ride_completed_at = COALESCE($2, last_ride_completed_at),
		       total_rides = total_rides + CASE WHEN $2 IS NULL THEN 0 ELSE 1 END,
		       updated_at = NOW()
		 WHERE driver_id = $1`,
		driverID, completedAt)
	if err != nil {
		return fmt.Errorf("release driver: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT driver_id, ST_Y(location::geometry), ST_X(location::geometry),
		       active, availability, last_ride_completed_at, rating, total_rides, updated_at
		  FROM driver_locations WHERE driver_id = $1`, driverID)

	var (
		d             models.DriverLocation
		lastCompleted sql.NullTime
	)
	err := row.Scan(&d.DriverID, &d.Location.Lat, &d.Location.Lng, &d.Active,
		&d.Availability, &lastCompleted, &d.Rating, &d.TotalRides, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastCompleted.Valid {
		t := lastCompleted.Time
		d.LastRideCompletedAt = &t
	}
	return &d, nil
}

func (p *PostgresStore) CountAvailableNear(ctx context.Context, pt models.Point, radiusMiles float64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM driver_locations
		 WHERE active = TRUE
		   AND availability = 'available'
		   AND location IS NOT NULL
		   AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)`,
		pt.Lng, pt.Lat, radiusMiles*geo.MilesToMeters).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count available drivers: %w", err)
	}
	return n, nil
}
