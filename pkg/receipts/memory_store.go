package receipts

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
	order    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]*Receipt)}
}

func (s *MemoryStore) Store(ctx context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.ReceiptID]; exists {
		return fmt.Errorf("receipt %s already stored", r.ReceiptID)
	}
	cp := *r
	s.receipts[r.ReceiptID] = &cp
	s.order = append(s.order, r.ReceiptID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[receiptID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	return s.filter(limit, func(*Receipt) bool { return true }), nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Receipt, error) {
	return s.filter(limit, func(r *Receipt) bool { return r.SessionID == sessionID }), nil
}

// filter returns matches newest first.
func (s *MemoryStore) filter(limit int, keep func(*Receipt) bool) []*Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Receipt
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.receipts[s.order[i]]
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
