package retry

import (
	"context"
	"fmt"
	"time"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Do runs fn until it succeeds, returns a non-transient error, exhausts
// MaxAttempts, or ctx ends. A wait that would outlive the ctx deadline is not
// started; the last error is returned instead.
func Do(ctx context.Context, policy Policy, operationID string, transient Classifier, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := ComputeBackoff(Params{PolicyID: policy.PolicyID, OperationID: operationID, AttemptIndex: i}, policy)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				return err
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || transient == nil || !transient(err) {
			return err
		}
	}
	return fmt.Errorf("retry: %d attempts exhausted: %w", attempts, err)
}
