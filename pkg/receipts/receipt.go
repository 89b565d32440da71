// Package receipts keeps one append-only decision record per request. A
// receipt says what the pipeline decided and how long each stage took; it
// never holds user content, and the subject is stored only as a hash.
package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no receipt matches.
var ErrNotFound = errors.New("receipt not found")

// Receipt is one decision record.
type Receipt struct {
	ReceiptID     string           `json:"receipt_id"`
	RequestID     string           `json:"request_id"`
	SessionID     string           `json:"session_id"`
	SubjectHash   string           `json:"subject_hash"`
	UXState       string           `json:"ux_state"`
	Action        string           `json:"action"`
	FailureType   string           `json:"failure_type,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	HTTPStatus    int              `json:"http_status"`
	StagesMs      map[string]int64 `json:"stages_ms,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Store persists receipts.
type Store interface {
	Store(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, receiptID string) (*Receipt, error)
	List(ctx context.Context, limit int) ([]*Receipt, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Receipt, error)
}

// HashSubject returns the stored form of a subject identifier.
func HashSubject(subject string) string {
	sum := sha256.Sum256([]byte("warden-subject:" + subject))
	return hex.EncodeToString(sum[:16])
}

// Recorder writes receipts and swallows failures after logging them; a
// receipt write never changes a response.
type Recorder struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

// NewRecorder wraps store. A nil store records nothing.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, clock: time.Now, logger: slog.Default().With("component", "receipts")}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// WithLogger sets the logger.
func (r *Recorder) WithLogger(logger *slog.Logger) *Recorder {
	r.logger = logger.With("component", "receipts")
	return r
}

// Record fills ReceiptID and CreatedAt when empty and stores rec.
func (r *Recorder) Record(ctx context.Context, rec *Receipt) {
	if r == nil || r.store == nil {
		return
	}
	if rec.ReceiptID == "" {
		rec.ReceiptID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock().UTC()
	}
	// The response may have been written already; do not inherit its cancellation.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.Store(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "failed to store receipt",
			"request_id", rec.RequestID, "receipt_id", rec.ReceiptID, "error", err)
	}
}
