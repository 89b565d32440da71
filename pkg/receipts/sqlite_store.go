package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout has fixed-width fractions so text order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on SQLite for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
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
		stages JSON,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decision_receipts_session ON decision_receipts (session_id, created_at);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to migrate receipts: %w", err)
	}
	return nil
}

const sqliteColumns = `receipt_id, request_id, session_id, subject_hash, ux_state, action, failure_type, failure_reason, http_status, stages, created_at`

func (s *SQLiteStore) Store(ctx context.Context, r *Receipt) error {
	stages, err := json.Marshal(r.StagesMs)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_receipts (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptID, r.RequestID, r.SessionID, r.SubjectHash, r.UXState, r.Action,
		r.FailureType, r.FailureReason, r.HTTPStatus, string(stages),
		r.CreatedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM decision_receipts WHERE receipt_id = ?`, receiptID)
	if err != nil {
		return nil, err
	}
	list, err := scanSQLiteRows(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM decision_receipts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanSQLiteRows(rows)
}

func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM decision_receipts WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	return scanSQLiteRows(rows)
}

func scanSQLiteRows(rows *sql.Rows) ([]*Receipt, error) {
	defer func() { _ = rows.Close() }()
	var out []*Receipt
	for rows.Next() {
		var (
			r         Receipt
			stages    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ReceiptID, &r.RequestID, &r.SessionID, &r.SubjectHash, &r.UXState, &r.Action,
			&r.FailureType, &r.FailureReason, &r.HTTPStatus, &stages, &createdAt); err != nil {
			return nil, err
		}
		if stages.Valid && stages.String != "" && stages.String != "null" {
			if err := json.Unmarshal([]byte(stages.String), &r.StagesMs); err != nil {
				return nil, fmt.Errorf("failed to decode stages: %w", err)
			}
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
