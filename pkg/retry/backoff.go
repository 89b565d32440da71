// Package retry computes bounded exponential backoff with deterministic jitter
// and runs operations under it.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	PolicyID    string        `yaml:"policy_id" json:"policy_id"`
	Base        time.Duration `yaml:"base" json:"base"`
	Max         time.Duration `yaml:"max" json:"max"`
	MaxJitter   time.Duration `yaml:"max_jitter" json:"max_jitter"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultPolicy is used by the model adapter.
func DefaultPolicy() Policy {
	return Policy{
		PolicyID:    "llm-default",
		Base:        100 * time.Millisecond,
		Max:         2 * time.Second,
		MaxJitter:   50 * time.Millisecond,
		MaxAttempts: 3,
	}
}

// Params seed the jitter so a given operation and attempt always waits the
// same amount.
type Params struct {
	PolicyID     string
	OperationID  string
	AttemptIndex int
}

// ComputeBackoff returns the delay before the given attempt:
// base * 2^attempt, capped at Max, plus jitter.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.Base * time.Duration(factor)
	if delay > policy.Max || delay < 0 {
		delay = policy.Max
	}
	return delay + ComputeJitter(params, policy)
}

// ComputeJitter derives jitter in [0, MaxJitter) from a hash of params.
func ComputeJitter(params Params, policy Policy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.PolicyID, params.OperationID, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive here
}
