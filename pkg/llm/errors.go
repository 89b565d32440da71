package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrMalformedResponse marks a reasoning output that could not be decoded.
var ErrMalformedResponse = errors.New("llm: malformed model response")

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llm: provider status %d", e.Code)
	}
	return fmt.Sprintf("llm: provider status %d: %s", e.Code, e.Message)
}

// IsTransient reports whether a call may succeed when retried: network
// errors, 429 and 5xx. Context errors are never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
