package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
)

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

const entryColumns = `id, provider_event_id, idempotency_key, type, payload,
	ride_id, payment_intent_id, charge_id, processed_at, processing_error, created_at`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e         Entry
		rideID    sql.NullString
		intentID  sql.NullString
		chargeID  sql.NullString
		processed sql.NullTime
		procErr   sql.NullString
	)
	err := row.Scan(&e.ID, &e.ProviderEventID, &e.IdempotencyKey, &e.Type, &e.Payload,
		&rideID, &intentID, &chargeID, &processed, &procErr, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.RideID = rideID.String
	e.PaymentIntentID = intentID.String
	e.ChargeID = chargeID.String
	if processed.Valid {
		t := processed.Time
		e.ProcessedAt = &t
	}
	e.ProcessingError = procErr.String
	return &e, nil
}

func (p *PostgresStore) InsertIfAbsent(ctx context.Context, e *Entry) (*Entry, bool, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	// ON CONFLICT DO NOTHING + fetch keeps concurrent inserts of the
	// same provider event race-free: exactly one row ever exists.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_ledger (id, provider_event_id, idempotency_key, type, payload,
			ride_id, payment_intent_id, charge_id, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),NOW())
		ON CONFLICT (provider_event_id) DO NOTHING`,
		id, e.ProviderEventID, e.IdempotencyKey, e.Type, []byte(e.Payload),
		e.RideID, e.PaymentIntentID, e.ChargeID)
	if err != nil {
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	stored, err := p.GetByProviderEventID(ctx, e.ProviderEventID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("ledger entry vanished for event %s", e.ProviderEventID)
	}
	return stored, inserted == 0, nil
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, id string, processingError string) (*Entry, bool, error) {
	// The WHERE processed_at IS NULL guard makes this a claim: of two
	// concurrent callers exactly one updates a row and sees claimed.
	row := p.db.QueryRowContext(ctx, `
		UPDATE payment_ledger
		   SET processed_at = NOW(), processing_error = NULLIF($2, '')
		 WHERE id = $1 AND processed_at IS NULL
		RETURNING `+entryColumns, id, processingError)
	e, err := scanEntry(row)
	if err == nil {
		return e, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}
	e, err = p.getByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, fmt.Errorf("ledger entry %s not found", id)
	}
	return e, false, nil
}

func (p *PostgresStore) getByID(ctx context.Context, id string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM payment_ledger WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (p *PostgresStore) GetByProviderEventID(ctx context.Context, providerEventID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM payment_ledger WHERE provider_event_id = $1`, providerEventID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}
