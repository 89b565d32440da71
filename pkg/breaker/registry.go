package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds the process-wide breakers, one per upstream dependency.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	clock    func() time.Time
	logger   *slog.Logger
	observer Observer
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		clock:    time.Now,
		logger:   slog.Default(),
	}
}

// WithClock sets the clock used by breakers created afterwards.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithLogger sets the logger used by breakers created afterwards.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithObserver sets the observer used by breakers created afterwards.
func (r *Registry) WithObserver(o Observer) *Registry {
	r.observer = o
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg).WithClock(r.clock).WithLogger(r.logger).WithObserver(r.observer)
	r.breakers[name] = b
	return b
}

// Snapshots returns every breaker's view, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
