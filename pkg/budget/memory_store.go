package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage implements Storage in memory.
// Thread-safe via Mutex; check and increment share one critical section.
type MemoryStorage struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]*Record)}
}

func recordID(key Key) string {
	return string(key.Ledger) + "|" + string(key.Subject.Type) + "|" + key.Subject.ID
}

func (s *MemoryStorage) CheckAndIncrement(ctx context.Context, key Key, resetAt time.Time, limit Limit, cost Cost) (*Record, Breach, error) {
	if err := ctx.Err(); err != nil {
		return nil, BreachNone, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := recordID(key)
	rec, ok := s.records[id]
	if !ok || !rec.WindowStart.Equal(key.WindowStart) {
		rec = &Record{
			Ledger:      key.Ledger,
			SubjectType: string(key.Subject.Type),
			SubjectID:   key.Subject.ID,
			WindowStart: key.WindowStart,
			ResetAt:     resetAt,
		}
		s.records[id] = rec
	}

	if b := evaluate(rec.Requests, rec.Tokens, limit, cost); b != BreachNone {
		val := *rec
		return &val, b, nil
	}
	rec.Requests += cost.Requests
	rec.Tokens += cost.Tokens

	// return copy to avoid race on mutation outside lock
	val := *rec
	return &val, BreachNone, nil
}

// Prune drops records whose window ended before now.
func (s *MemoryStorage) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if !now.Before(rec.ResetAt) {
			delete(s.records, id)
			n++
		}
	}
	return n
}
