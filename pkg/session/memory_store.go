package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	mu         sync.Mutex
	removed    bool
	createdAt  time.Time
	expiresAt  time.Time
	hypotheses map[string]Hypothesis
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (e *entry) reset(now time.Time, ttl time.Duration) {
	e.createdAt = now
	e.expiresAt = now.Add(ttl)
	e.hypotheses = make(map[string]Hypothesis)
}

func (e *entry) snapshot() []Hypothesis {
	return sortedHypotheses(e.hypotheses)
}

// MemoryStore is an in-process Store. Each session has its own mutex, so
// updates for one session serialize while different sessions proceed in
// parallel. Expiry is detected lazily on access; StartSweeper optionally
// reclaims memory for abandoned sessions.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ttl      time.Duration
	bounds   Bounds
	clock    func() time.Time
	logger   *slog.Logger
}

// NewMemoryStore creates a store whose sessions live for ttl.
func NewMemoryStore(ttl time.Duration, bounds Bounds) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		bounds:   bounds,
		clock:    time.Now,
		logger:   slog.Default().With("component", "session"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// WithLogger sets the logger.
func (s *MemoryStore) WithLogger(l *slog.Logger) *MemoryStore {
	s.logger = l.With("component", "session")
	return s
}

// acquire returns the locked live entry for id, creating or resetting it as
// needed. The caller must unlock e.mu.
func (s *MemoryStore) acquire(id string) (e *entry, created bool) {
	for {
		now := s.clock()
		s.mu.Lock()
		e = s.sessions[id]
		if e == nil {
			e = &entry{}
			e.reset(now, s.ttl)
			s.sessions[id] = e
			created = true
		}
		s.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// Swept between lookup and lock; look again.
			e.mu.Unlock()
			created = false
			continue
		}
		if !created && e.expired(now) {
			e.reset(now, s.ttl)
			created = true
		}
		return e, created
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, generated := NormalizeID(id)
	e, created := s.acquire(id)
	defer e.mu.Unlock()

	if created {
		s.logger.DebugContext(ctx, "session created", "session_id", id, "generated_id", generated)
	}
	return &Handle{
		ID:         id,
		CreatedAt:  e.createdAt,
		ExpiresAt:  e.expiresAt,
		Created:    created,
		Hypotheses: e.snapshot(),
	}, nil
}

func (s *MemoryStore) ApplyUpdate(ctx context.Context, id string, deltas []Delta) ([]Hypothesis, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, _ := s.acquire(id)
	defer e.mu.Unlock()

	next := Project(e.snapshot(), deltas, s.bounds)
	for _, h := range next {
		e.hypotheses[h.ClaimID] = h
	}
	if dropped := countDropped(e.hypotheses, deltas); dropped > 0 {
		s.logger.WarnContext(ctx, "hypothesis cap reached", "session_id", id, "cap", s.bounds.MaxHypotheses, "dropped", dropped)
	}
	return e.snapshot(), nil
}

func (s *MemoryStore) IsExpired(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	e := s.sessions[id]
	s.mu.Unlock()
	if e == nil {
		return true, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed || e.expired(s.clock()), nil
}

// Len returns the number of tracked sessions, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes expired sessions and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		if e.expired(now) {
			e.removed = true
			delete(s.sessions, id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("swept expired sessions", "count", n)
				}
			}
		}
	}()
}
