package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL. One row per
// (ledger, subject); the row is locked for the duration of the check.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Init creates the schema if missing.
func (s *PostgresStorage) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS budget_records (
		ledger TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		reset_at TIMESTAMPTZ NOT NULL,
		requests BIGINT NOT NULL DEFAULT 0,
		tokens BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (ledger, subject_type, subject_id)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to init budget schema: %w", err)
	}
	return nil
}

func (s *PostgresStorage) CheckAndIncrement(ctx context.Context, key Key, resetAt time.Time, limit Limit, cost Cost) (rec *Record, breach Breach, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, BreachNone, fmt.Errorf("failed to begin budget tx: %w", err)
	}
	defer func() {
		if err != nil || breach != BreachNone {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO budget_records (ledger, subject_type, subject_id, window_start, reset_at, requests, tokens)
		VALUES ($1, $2, $3, $4, $5, 0, 0)
		ON CONFLICT (ledger, subject_type, subject_id) DO NOTHING`,
		string(key.Ledger), string(key.Subject.Type), key.Subject.ID, key.WindowStart, resetAt)
	if err != nil {
		return nil, BreachNone, fmt.Errorf("failed to seed budget record: %w", err)
	}

	var (
		windowStart      time.Time
		requests, tokens int64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT window_start, requests, tokens FROM budget_records
		WHERE ledger = $1 AND subject_type = $2 AND subject_id = $3
		FOR UPDATE`,
		string(key.Ledger), string(key.Subject.Type), key.Subject.ID)
	if err = row.Scan(&windowStart, &requests, &tokens); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("budget record vanished inside tx: %w", err)
		}
		return nil, BreachNone, fmt.Errorf("failed to lock budget record: %w", err)
	}

	// Window boundary crossed: counters reset before evaluation.
	if !windowStart.Equal(key.WindowStart) {
		requests, tokens = 0, 0
	}

	rec = &Record{
		Ledger:      key.Ledger,
		SubjectType: string(key.Subject.Type),
		SubjectID:   key.Subject.ID,
		WindowStart: key.WindowStart,
		ResetAt:     resetAt,
		Requests:    requests,
		Tokens:      tokens,
	}
	if breach = evaluate(requests, tokens, limit, cost); breach != BreachNone {
		return rec, breach, nil
	}

	rec.Requests += cost.Requests
	rec.Tokens += cost.Tokens
	_, err = tx.ExecContext(ctx, `
		UPDATE budget_records SET window_start = $4, reset_at = $5, requests = $6, tokens = $7
		WHERE ledger = $1 AND subject_type = $2 AND subject_id = $3`,
		string(key.Ledger), string(key.Subject.Type), key.Subject.ID,
		key.WindowStart, resetAt, rec.Requests, rec.Tokens)
	if err != nil {
		return nil, BreachNone, fmt.Errorf("failed to persist budget record: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, BreachNone, fmt.Errorf("failed to commit budget record: %w", err)
	}
	return rec, BreachNone, nil
}
