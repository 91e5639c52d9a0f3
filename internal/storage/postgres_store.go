package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/rescue-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideColumns = `id, rider_id, rider_phone, driver_id,
	pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address,
	bike_type, distance_miles, price_cents, status,
	cancellation_reason, driver_eta_minutes, notes,
	payment_intent_id, payment_charge_id, payment_status,
	payment_captured_at, last_payment_error,
	wtp_asked, wtp_response, wtp_amount_usd,
	assist_required, assist_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r            models.Ride
		driverID     sql.NullString
		cancelReason sql.NullString
		etaMinutes   sql.NullInt64
		intentID     sql.NullString
		chargeID     sql.NullString
		payStatus    sql.NullString
		capturedAt   sql.NullTime
		lastPayErr   sql.NullString
		wtpResponse  sql.NullString
		wtpAmountUsd sql.NullFloat64
		assistReason sql.NullString
		notes        sql.NullString
		pickupAddr   sql.NullString
		dropoffAddr  sql.NullString
	)
	err := row.Scan(&r.ID, &r.RiderID, &r.RiderPhone, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lng, &pickupAddr,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &dropoffAddr,
		&r.BikeType, &r.DistanceMiles, &r.PriceCents, &r.Status,
		&cancelReason, &etaMinutes, &notes,
		&intentID, &chargeID, &payStatus,
		&capturedAt, &lastPayErr,
		&r.WtpAsked, &wtpResponse, &wtpAmountUsd,
		&r.AssistRequired, &assistReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancellationReason = cancelReason.String
	if etaMinutes.Valid {
		eta := int(etaMinutes.Int64)
		r.DriverEtaMinutes = &eta
	}
	r.Notes = notes.String
	r.Pickup.Address = pickupAddr.String
	r.Dropoff.Address = dropoffAddr.String
	r.PaymentIntentID = intentID.String
	r.PaymentChargeID = chargeID.String
	r.PaymentStatus = models.PaymentStatus(payStatus.String)
	if capturedAt.Valid {
		t := capturedAt.Time
		r.PaymentCapturedAt = &t
	}
	r.LastPaymentError = lastPayErr.String
	r.WtpResponse = models.WtpResponse(wtpResponse.String)
	if wtpAmountUsd.Valid {
		v := wtpAmountUsd.Float64
		r.WtpAmountUsd = &v
	}
	r.AssistReason = assistReason.String
	return &r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, rider_phone, driver_id,
			pickup_lat, pickup_lng, pickup_address,
			dropoff_lat, dropoff_lng, dropoff_address,
			bike_type, distance_miles, price_cents, status, notes,
			wtp_asked, assist_required, created_at, updated_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,FALSE,FALSE,NOW(),NOW())`,
		r.ID, r.RiderID, r.RiderPhone, r.DriverID,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address,
		r.BikeType, r.DistanceMiles, r.PriceCents, r.Status, r.Notes)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.RideStatus, f StatusFields) (*models.Ride, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET
			status = $3,
			driver_id = COALESCE($4, driver_id),
			driver_eta_minutes = COALESCE($5, driver_eta_minutes),
			cancellation_reason = COALESCE($6, cancellation_reason),
			assist_required = COALESCE($7, assist_required),
			assist_reason = COALESCE($8, assist_reason),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+rideColumns,
		id, from, to, f.DriverID, f.DriverEtaMinutes, f.CancellationReason, f.AssistRequired, f.AssistReason)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		// Lost the race or unknown ride: report the current row if any.
		current, gerr := p.GetRide(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("update ride status: %w", err)
	}
	return r, true, nil
}

func (p *PostgresStore) SetPaymentIntent(ctx context.Context, id, intentID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE rides SET payment_intent_id = $2, payment_status = 'pending', updated_at = NOW()
		WHERE id = $1`, id, intentID)
	return err
}

func (p *PostgresStore) ApplyPaymentSuccess(ctx context.Context, id, chargeID string, capturedAt time.Time) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET
			payment_status = 'succeeded',
			payment_charge_id = COALESCE(NULLIF($2, ''), payment_charge_id),
			payment_captured_at = $3,
			last_payment_error = NULL,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+rideColumns, id, chargeID, capturedAt)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) ApplyPaymentFailure(ctx context.Context, id, message string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET payment_status = 'failed', last_payment_error = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+rideColumns, id, message)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) MarkWtpAsked(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET wtp_asked = TRUE, updated_at = NOW()
		WHERE id = $1 AND wtp_asked = FALSE`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ApplyWtpResponse(ctx context.Context, phone string, resp models.WtpResponse, amountUsd *float64) (*models.Ride, error) {
	// Single statement so two concurrent replies can never both claim
	// the same ride, and replies from different phones stay disjoint
	// because the candidate subquery filters by phone first.
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET
			wtp_response = $2,
			wtp_amount_usd = COALESCE($3, wtp_amount_usd),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM rides
			 WHERE rider_phone = $1 AND wtp_asked = TRUE AND wtp_response IS NULL
			 ORDER BY created_at DESC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+rideColumns, phone, resp, amountUsd)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE rider_id = $1 ORDER BY created_at DESC`, riderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func (p *PostgresStore) ListActiveByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides
		  WHERE driver_id = $1 AND status IN ('accepted', 'en_route', 'arrived', 'in_transit')
		  ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func (p *PostgresStore) CountActiveNear(ctx context.Context, pt models.Point, radiusMiles float64) (int, error) {
	// Bounding-box approximation of the radius; surge counting is
	// advisory and does not need PostGIS precision.
	deltaLat := radiusMiles / 69.0
	deltaLng := radiusMiles / 55.0
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rides
		 WHERE status IN ('requested', 'accepted', 'en_route', 'arrived', 'in_transit')
		   AND pickup_lat BETWEEN $1 AND $2
		   AND pickup_lng BETWEEN $3 AND $4`,
		pt.Lat-deltaLat, pt.Lat+deltaLat, pt.Lng-deltaLng, pt.Lng+deltaLng).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active rides: %w", err)
	}
	return n, nil
}

func collectRides(rows *sql.Rows) ([]*models.Ride, error) {
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
