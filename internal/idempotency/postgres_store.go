package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. The unique constraint on
// (operation, key) makes reservation a race that exactly one request wins.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the idempotency_keys table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			operation     TEXT NOT NULL,
			key           TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'reserved',
			status_code   INT,
			response      JSONB,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at  TIMESTAMPTZ,
			PRIMARY KEY (operation, key)
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_completed
			ON idempotency_keys(completed_at)
			WHERE status = 'completed';
	`)
	return err
}

func (p *PostgresStore) Reserve(ctx context.Context, operation, key string, abandonAfter time.Duration) (*Record, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (operation, key, status, created_at)
		VALUES ($1, $2, 'reserved', NOW())
		ON CONFLICT (operation, key) DO NOTHING
	`, operation, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil, true, nil
	}

	existing, err := p.get(ctx, operation, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Record vanished between insert and read; treat as a conflict
		// and let the client retry.
		return nil, false, nil
	}
	if existing.Status == StatusCompleted {
		return existing, false, nil
	}

	// Try to take over an abandoned reservation. The WHERE clause makes
	// the takeover atomic under concurrent retries.
	res, err = p.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET created_at = NOW()
		WHERE operation = $1 AND key = $2
		  AND status = 'reserved'
		  AND created_at < NOW() - $3::interval
	`, operation, key, fmt.Sprintf("%f seconds", abandonAfter.Seconds()))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return existing, true, nil
	}
	return existing, false, nil
}

func (p *PostgresStore) Complete(ctx context.Context, operation, key string, statusCode int, response []byte) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'completed', status_code = $3, response = $4, completed_at = NOW()
		WHERE operation = $1 AND key = $2
	`, operation, key, statusCode, response)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, operation, key string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE operation = $1 AND key = $2 AND status = 'reserved'
	`, operation, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE status = 'completed' AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) get(ctx context.Context, operation, key string) (*Record, error) {
	rec := &Record{Operation: operation, Key: key}
	var (
		statusCode  sql.NullInt64
		response    []byte
		completedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT status, status_code, response, created_at, completed_at
		FROM idempotency_keys
		WHERE operation = $1 AND key = $2
	`, operation, key).Scan(&rec.Status, &statusCode, &response, &rec.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	rec.StatusCode = int(statusCode.Int64)
	rec.Response = response
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	return rec, nil
}
