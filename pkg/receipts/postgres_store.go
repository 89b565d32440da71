package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema if missing.
func (s *PostgresStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_receipts (
		receipt_id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		subject_hash TEXT NOT NULL,
		ux_state TEXT NOT NULL,
		action TEXT NOT NULL,
		failure_type TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		http_status INTEGER NOT NULL,
		stages JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decision_receipts_session ON decision_receipts (session_id, created_at DESC);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to init receipts schema: %w", err)
	}
	return nil
}

const pgColumns = `receipt_id, request_id, session_id, subject_hash, ux_state, action, failure_type, failure_reason, http_status, stages, created_at`

func (s *PostgresStore) Store(ctx context.Context, r *Receipt) error {
	stages, err := json.Marshal(r.StagesMs)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_receipts (`+pgColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ReceiptID, r.RequestID, r.SessionID, r.SubjectHash, r.UXState, r.Action,
		r.FailureType, r.FailureReason, r.HTTPStatus, string(stages), r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgColumns+` FROM decision_receipts WHERE receipt_id = $1`, receiptID)
	r, err := scanPG(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pgColumns+` FROM decision_receipts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectPG(rows)
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgColumns+` FROM decision_receipts WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	return collectPG(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPG(row scanner) (*Receipt, error) {
	var (
		r      Receipt
		stages []byte
	)
	if err := row.Scan(&r.ReceiptID, &r.RequestID, &r.SessionID, &r.SubjectHash, &r.UXState, &r.Action,
		&r.FailureType, &r.FailureReason, &r.HTTPStatus, &stages, &r.CreatedAt); err != nil {
		return nil, err
	}
	if len(stages) > 0 && string(stages) != "null" {
		if err := json.Unmarshal(stages, &r.StagesMs); err != nil {
			return nil, fmt.Errorf("failed to decode stages: %w", err)
		}
	}
	return &r, nil
}

func collectPG(rows *sql.Rows) ([]*Receipt, error) {
	defer func() { _ = rows.Close() }()
	var out []*Receipt
	for rows.Next() {
		r, err := scanPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
