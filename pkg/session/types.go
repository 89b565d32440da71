// Package session holds per-session hypotheses between the reasoning and
// expression stages.
//
// Invariants enforced by every Store:
//   - an update moves each score of a hypothesis by at most Bounds.MaxStep
//   - scores stay inside [Bounds.Min, Bounds.Max]
//   - ApplyUpdate never removes a hypothesis; the set is discarded only when the
//     owning session's TTL elapses
//   - updates for one session are serialized; sessions are independent
package session

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidID is returned by ApplyUpdate when the session id is malformed.
	ErrInvalidID = errors.New("session: invalid session id")
	// ErrUnavailable wraps backend failures (e.g. Redis unreachable).
	ErrUnavailable = errors.New("session: store unavailable")
)

// Hypothesis is one claim tracked for a session.
type Hypothesis struct {
	ClaimID string  `json:"claim_id"`
	Support float64 `json:"support"`
	Refute  float64 `json:"refute"`
}

// Delta is a proposed per-turn adjustment of a hypothesis.
type Delta struct {
	ClaimID string  `json:"claim_id"`
	Support float64 `json:"support"`
	Refute  float64 `json:"refute"`
}

// Bounds configures the clamp applied to every update.
type Bounds struct {
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	MaxStep float64 `yaml:"max_step"`
	// MaxHypotheses caps new claims per session (0 = unbounded). Existing claims
	// keep updating once the cap is reached; nothing is evicted.
	MaxHypotheses int `yaml:"max_hypotheses"`
}

// DefaultBounds returns the [-1, 1] range with a 0.25 per-turn step.
func DefaultBounds() Bounds {
	return Bounds{Min: -1.0, Max: 1.0, MaxStep: 0.25, MaxHypotheses: 256}
}

// Handle is a snapshot of a session returned by GetOrCreate.
type Handle struct {
	ID         string       `json:"id"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	Created    bool         `json:"created"`
	Hypotheses []Hypothesis `json:"-"`
}

// Store is the session memory contract.
type Store interface {
	// GetOrCreate returns the live session for id, creating it when id is unknown,
	// expired or malformed. Handle.ID is the effective id.
	GetOrCreate(ctx context.Context, id string) (*Handle, error)
	// ApplyUpdate applies deltas under the clamp and returns the full updated set.
	ApplyUpdate(ctx context.Context, id string, deltas []Delta) ([]Hypothesis, error)
	// IsExpired reports whether id is absent or past its TTL.
	IsExpired(ctx context.Context, id string) (bool, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidID reports whether id may be used as a session identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NormalizeID returns id when valid, otherwise a freshly generated one.
func NormalizeID(id string) (string, bool) {
	if ValidID(id) {
		return id, false
	}
	return uuid.NewString(), true
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MergeDeltas folds repeated claim ids into one delta per claim, preserving the
// order of first appearance. A single turn therefore moves a claim at most once.
func MergeDeltas(deltas []Delta) []Delta {
	if len(deltas) == 0 {
		return nil
	}
	index := make(map[string]int, len(deltas))
	out := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		if d.ClaimID == "" {
			continue
		}
		if math.IsNaN(d.Support) {
			d.Support = 0
		}
		if math.IsNaN(d.Refute) {
			d.Refute = 0
		}
		if i, ok := index[d.ClaimID]; ok {
			out[i].Support += d.Support
			out[i].Refute += d.Refute
			continue
		}
		index[d.ClaimID] = len(out)
		out = append(out, d)
	}
	return out
}

// Project applies deltas to existing without mutating it and returns the new set
// sorted by claim id. Absent claims start from a zero baseline clamped into range.
func Project(existing []Hypothesis, deltas []Delta, b Bounds) []Hypothesis {
	byID := make(map[string]Hypothesis, len(existing)+len(deltas))
	for _, h := range existing {
		byID[h.ClaimID] = h
	}
	for _, d := range MergeDeltas(deltas) {
		h, ok := byID[d.ClaimID]
		if !ok {
			if b.MaxHypotheses > 0 && len(byID) >= b.MaxHypotheses {
				continue
			}
			h = Hypothesis{ClaimID: d.ClaimID, Support: clamp(0, b.Min, b.Max), Refute: clamp(0, b.Min, b.Max)}
		}
		h.Support = clamp(h.Support+clamp(d.Support, -b.MaxStep, b.MaxStep), b.Min, b.Max)
		h.Refute = clamp(h.Refute+clamp(d.Refute, -b.MaxStep, b.MaxStep), b.Min, b.Max)
		byID[d.ClaimID] = h
	}
	return sortedHypotheses(byID)
}

// countDropped returns how many delta claims are missing from stored after an
// update, i.e. were refused by the hypothesis cap.
func countDropped(stored map[string]Hypothesis, deltas []Delta) int {
	n := 0
	for _, d := range MergeDeltas(deltas) {
		if _, ok := stored[d.ClaimID]; !ok {
			n++
		}
	}
	return n
}

func sortedHypotheses(byID map[string]Hypothesis) []Hypothesis {
	out := make([]Hypothesis, 0, len(byID))
	for _, h := range byID {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimID < out[j].ClaimID })
	return out
}
