// Package breaker tracks the health of upstream dependencies and gates calls
// to them with a CLOSED / OPEN / HALF_OPEN state machine.
//
// Admission and transitions happen under one lock: in HALF_OPEN exactly one
// caller holds the probe permit, and outcomes reported on permits from an
// earlier generation are ignored.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ErrOpen is returned (wrapped in *OpenError) when a call is rejected.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config tunes one breaker.
type Config struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int `yaml:"threshold" json:"threshold"`
	// FailureWindow bounds a failure streak; a streak older than this restarts.
	FailureWindow time.Duration `yaml:"failure_window" json:"failure_window"`
	// OpenDuration is the first cooldown after tripping.
	OpenDuration time.Duration `yaml:"open_duration" json:"open_duration"`
	// MaxOpenDuration caps the backed-off cooldown.
	MaxOpenDuration time.Duration `yaml:"max_open_duration" json:"max_open_duration"`
	// BackoffMultiplier grows the cooldown for each consecutive trip.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         5,
		FailureWindow:     time.Minute,
		OpenDuration:      30 * time.Second,
		MaxOpenDuration:   5 * time.Minute,
		BackoffMultiplier: 2,
	}
}

// Validate rejects configurations the state machine cannot honor.
func (c Config) Validate() error {
	switch {
	case c.Threshold < 1:
		return fmt.Errorf("breaker: threshold must be >= 1, got %d", c.Threshold)
	case c.FailureWindow <= 0:
		return fmt.Errorf("breaker: failure window must be positive")
	case c.OpenDuration <= 0:
		return fmt.Errorf("breaker: open duration must be positive")
	case c.MaxOpenDuration < c.OpenDuration:
		return fmt.Errorf("breaker: max open duration %s below open duration %s", c.MaxOpenDuration, c.OpenDuration)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("breaker: backoff multiplier must be >= 1")
	}
	return nil
}

// OpenError describes a rejected call.
type OpenError struct {
	Name string
	// Remaining is the time until the next probe may be admitted.
	Remaining time.Duration
	// ProbeBusy is set when HALF_OPEN rejected the call because a probe is in flight.
	ProbeBusy bool
}

func (e *OpenError) Error() string {
	if e.ProbeBusy {
		return fmt.Sprintf("breaker %s: probe in flight", e.Name)
	}
	return fmt.Sprintf("breaker %s: open for another %s", e.Name, e.Remaining.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Permit is the admission token returned by BeforeCall.
type Permit struct {
	generation uint64
	probe      bool
}

// Probe reports whether the permit is the HALF_OPEN probe.
func (p Permit) Probe() bool { return p.probe }

// Snapshot is a read-only view for health output.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	OpenUntil           time.Time     `json:"open_until,omitempty"`
	Remaining           time.Duration `json:"remaining_ns,omitempty"`
	Trips               int           `json:"trips"`
}

// Observer is notified of every state transition, outside the breaker lock.
type Observer func(name string, from, to State)

// Breaker guards one upstream dependency.
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  Config

	state        State
	failures     int
	firstFailure time.Time
	lastFailure  time.Time
	openUntil    time.Time
	trips        int
	generation   uint64
	probeOut     bool

	clock    func() time.Time
	logger   *slog.Logger
	observer Observer
}

// New creates a CLOSED breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		clock:  time.Now,
		logger: slog.Default().With("component", "breaker", "breaker", name),
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// WithLogger sets the logger.
func (b *Breaker) WithLogger(logger *slog.Logger) *Breaker {
	b.logger = logger.With("component", "breaker", "breaker", b.name)
	return b
}

// WithObserver registers a transition observer.
func (b *Breaker) WithObserver(o Observer) *Breaker {
	b.observer = o
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// BeforeCall admits or rejects a call. A rejection is an *OpenError.
func (b *Breaker) BeforeCall() (Permit, error) {
	b.mu.Lock()
	now := b.clock()
	var (
		permit Permit
		err    error
		from   = b.state
	)

	switch b.state {
	case StateClosed:
		permit = Permit{generation: b.generation}
	case StateOpen:
		if now.Before(b.openUntil) {
			err = &OpenError{Name: b.name, Remaining: b.openUntil.Sub(now)}
			break
		}
		b.setState(StateHalfOpen)
		b.probeOut = true
		permit = Permit{generation: b.generation, probe: true}
	case StateHalfOpen:
		if b.probeOut {
			err = &OpenError{Name: b.name, Remaining: time.Second, ProbeBusy: true}
			break
		}
		b.probeOut = true
		permit = Permit{generation: b.generation, probe: true}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return permit, err
}

// RecordOutcome reports the result of an admitted call.
func (b *Breaker) RecordOutcome(p Permit, success bool) {
	b.mu.Lock()
	from := b.state
	if p.generation != b.generation {
		b.mu.Unlock()
		return
	}
	now := b.clock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			break
		}
		if b.failures > 0 && now.Sub(b.firstFailure) > b.cfg.FailureWindow {
			b.failures = 0
		}
		if b.failures == 0 {
			b.firstFailure = now
		}
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.Threshold {
			b.trip(now)
		}
	case StateHalfOpen:
		if !p.probe {
			break
		}
		if success {
			b.setState(StateClosed)
			b.failures = 0
			b.trips = 0
			b.probeOut = false
			break
		}
		b.lastFailure = now
		b.trip(now)
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Release abandons a permit without an outcome. A released probe frees the
// probe slot for the next caller.
func (b *Breaker) Release(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.generation != b.generation {
		return
	}
	if p.probe && b.state == StateHalfOpen {
		b.probeOut = false
	}
}

// ForceOpen opens the circuit for d regardless of the current state.
func (b *Breaker) ForceOpen(d time.Duration) {
	b.mu.Lock()
	from := b.state
	b.setState(StateOpen)
	b.openUntil = b.clock().Add(d)
	b.probeOut = false
	b.failures = 0
	b.mu.Unlock()

	b.logger.Warn("circuit forced open", "open_for", d)
	b.notify(from, StateOpen)
}

// Reset closes the circuit and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.setState(StateClosed)
	b.failures = 0
	b.trips = 0
	b.probeOut = false
	b.openUntil = time.Time{}
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

// Snapshot returns the current view. An OPEN breaker past its cooldown is
// reported HALF_OPEN, which is what the next caller will observe.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	s := Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
		OpenUntil:           b.openUntil,
		Trips:               b.trips,
	}
	if b.state == StateOpen {
		if now.Before(b.openUntil) {
			s.Remaining = b.openUntil.Sub(now)
		} else {
			s.State = StateHalfOpen
		}
	}
	return s
}

// trip moves to OPEN with the backed-off cooldown. Caller holds mu.
func (b *Breaker) trip(now time.Time) {
	d := b.openDuration()
	b.trips++
	b.setState(StateOpen)
	b.openUntil = now.Add(d)
	b.probeOut = false
	b.failures = 0
	b.logger.Warn("circuit opened", "open_for", d, "trips", b.trips)
}

func (b *Breaker) openDuration() time.Duration {
	d := float64(b.cfg.OpenDuration) * math.Pow(b.cfg.BackoffMultiplier, float64(b.trips))
	if max := float64(b.cfg.MaxOpenDuration); b.cfg.MaxOpenDuration > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// setState changes mode and starts a new permit generation. Caller holds mu.
func (b *Breaker) setState(s State) {
	b.state = s
	b.generation++
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	if to == StateClosed {
		b.logger.Info("circuit closed")
	}
	if b.observer != nil {
		b.observer(b.name, from, to)
	}
}
