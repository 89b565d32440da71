package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/warden/pkg/failure"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

const HeaderRequestID = "X-Request-Id"

type ctxKey int

const requestIDKey ctxKey = 0

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID propagates a well-formed inbound X-Request-Id or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !session.ValidID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// Recover turns a handler panic into a 500 problem response.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "handler panicked",
						"request_id", RequestIDFromContext(r.Context()),
						"panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
					WriteInternal(w, r, fmt.Errorf("panic: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the peer address without port or IPv6 brackets.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IngressLimiter is a per-IP token bucket in front of the turn endpoint. It
// guards the process against floods; subject budgets are the ledger's job.
type IngressLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	clock    func() time.Time
	mapper   *uxstate.Mapper
}

// NewIngressLimiter allows rps requests per second per IP with the given burst.
func NewIngressLimiter(rps float64, burst int) *IngressLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IngressLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  3 * time.Minute,
		clock:    time.Now,
		mapper:   uxstate.NewMapper(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *IngressLimiter) WithClock(clock func() time.Time) *IngressLimiter {
	l.clock = clock
	return l
}

func (l *IngressLimiter) limiter(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Allow reports whether ip may proceed, and otherwise how long to wait.
func (l *IngressLimiter) Allow(ip string) (bool, time.Duration) {
	now := l.clock()
	r := l.limiter(ip, now).ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Cleanup drops visitors idle longer than the idle TTL.
func (l *IngressLimiter) Cleanup() int {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, ip)
			n++
		}
	}
	return n
}

// Start runs Cleanup every interval until ctx is done.
func (l *IngressLimiter) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Middleware rejects over-limit requests with the 429 turn contract.
func (l *IngressLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Allow(ClientIP(r))
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		f := failure.New(failure.KindRateLimited, failure.ReasonIngressRateExceeded).WithRetryAfter(wait)
		writeTurn(w, l.mapper.Map(uxstate.Outcome{Failure: f}), "")
	})
}
