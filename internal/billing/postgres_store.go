package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the call_sessions table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS call_sessions (
			id             TEXT PRIMARY KEY,
			fan_id         TEXT NOT NULL,
			creator_id     TEXT NOT NULL,
			rate_per_min   BIGINT NOT NULL,
			block_seconds  INT NOT NULL,
			blocks_billed  INT NOT NULL DEFAULT 0,
			tokens_spent   BIGINT NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'pending',
			started_at     TIMESTAMPTZ,
			ended_at       TIMESTAMPTZ,
			end_reason     TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_call_sessions_status
			ON call_sessions(status);
		CREATE INDEX IF NOT EXISTS idx_call_sessions_fan
			ON call_sessions(fan_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_call_sessions_creator
			ON call_sessions(creator_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_sessions
			(id, fan_id, creator_id, rate_per_min, block_seconds,
			 blocks_billed, tokens_spent, status, started_at, ended_at,
			 end_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
	`, s.ID, s.FanID, s.CreatorID, s.RatePerMin, s.BlockSeconds,
		s.BlocksBilled, s.TokensSpent, s.Status, s.StartedAt, s.EndedAt,
		s.EndReason, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, fan_id, creator_id, rate_per_min, block_seconds,
		       blocks_billed, tokens_spent, status, started_at, ended_at,
		       end_reason, created_at, updated_at
		FROM call_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE call_sessions
		SET blocks_billed = $2, tokens_spent = $3, status = $4,
		    started_at = $5, ended_at = $6, end_reason = NULLIF($7, ''),
		    updated_at = $8
		WHERE id = $1
	`, s.ID, s.BlocksBilled, s.TokensSpent, s.Status,
		s.StartedAt, s.EndedAt, s.EndReason, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, fan_id, creator_id, rate_per_min, block_seconds,
		       blocks_billed, tokens_spent, status, started_at, ended_at,
		       end_reason, created_at, updated_at
		FROM call_sessions
		WHERE fan_id = $1 OR creator_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, fan_id, creator_id, rate_per_min, block_seconds,
		       blocks_billed, tokens_spent, status, started_at, ended_at,
		       end_reason, created_at, updated_at
		FROM call_sessions
		WHERE status = 'active'
		  AND started_at + (blocks_billed * block_seconds) * INTERVAL '1 second' <= $1
		ORDER BY started_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (p *PostgresStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, fan_id, creator_id, rate_per_min, block_seconds,
		       blocks_billed, tokens_spent, status, started_at, ended_at,
		       end_reason, created_at, updated_at
		FROM call_sessions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	s := &Session{}
	var (
		startedAt sql.NullTime
		endedAt   sql.NullTime
		endReason sql.NullString
	)
	err := row.Scan(&s.ID, &s.FanID, &s.CreatorID, &s.RatePerMin, &s.BlockSeconds,
		&s.BlocksBilled, &s.TokensSpent, &s.Status, &startedAt, &endedAt,
		&endReason, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	s.EndReason = endReason.String
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
