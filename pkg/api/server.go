package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/warden/pkg/breaker"
	"github.com/Mindburn-Labs/warden/pkg/budget"
	"github.com/Mindburn-Labs/warden/pkg/pipeline"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

// Contract headers and cookies.
const (
	HeaderUXState         = "X-UX-State"
	HeaderCooldownSeconds = "X-Cooldown-Seconds"
	HeaderSubjectID       = "X-Subject-Id"
	SubjectCookie         = "warden_subject"
)

const (
	maxBodyBytes     = 64 << 10
	maxSubjectLength = 128
)

// TurnRequest is the body of POST /v1/turn.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserText  string `json:"user_text"`
}

// TurnResponse is the body of every /v1/turn outcome.
type TurnResponse struct {
	Action        uxstate.Action `json:"action"`
	RenderedText  string         `json:"rendered_text"`
	FailureType   string         `json:"failure_type,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	SessionID     string         `json:"session_id"`
}

// Runner executes turns.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) *pipeline.Result
}

var _ Runner = (*pipeline.Orchestrator)(nil)

// Server wires the HTTP routes.
type Server struct {
	runner   Runner
	breakers *breaker.Registry
	ingress  *IngressLimiter
	logger   *slog.Logger
}

// NewServer creates a server. breakers may be nil.
func NewServer(runner Runner, breakers *breaker.Registry) *Server {
	return &Server{
		runner:   runner,
		breakers: breakers,
		logger:   slog.Default().With("component", "api"),
	}
}

// WithIngressLimiter puts l in front of the turn endpoint.
func (s *Server) WithIngressLimiter(l *IngressLimiter) *Server {
	s.ingress = l
	return s
}

// WithLogger sets the logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger.With("component", "api")
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var turn http.Handler = http.HandlerFunc(s.HandleTurn)
	if s.ingress != nil {
		turn = s.ingress.Middleware(turn)
	}
	mux.Handle("/v1/turn", turn)
	mux.HandleFunc("/v1/breakers", s.HandleBreakers)
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { WriteNotFound(w, r) })

	return RequestID(Recover(s.logger)(mux))
}

// HandleTurn handles POST /v1/turn.
func (s *Server) HandleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		WriteUnsupportedMediaType(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req TurnRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		WriteBadRequest(w, r, "Request body must be a single JSON object")
		return
	}
	if strings.TrimSpace(req.UserText) == "" {
		WriteBadRequest(w, r, "Missing required field: user_text")
		return
	}

	res := s.runner.Run(r.Context(), pipeline.Request{
		RequestID: RequestIDFromContext(r.Context()),
		SessionID: req.SessionID,
		Subject:   SubjectFromRequest(r),
		UserText:  req.UserText,
	})
	writeTurn(w, res.Mapping, res.SessionID)
}

// writeTurn writes the turn contract for m.
func writeTurn(w http.ResponseWriter, m uxstate.Mapping, sessionID string) {
	h := w.Header()
	h.Set(HeaderUXState, string(m.State))
	if m.HasCooldown {
		secs := strconv.Itoa(m.CooldownSeconds())
		h.Set(HeaderCooldownSeconds, secs)
		h.Set("Retry-After", secs)
	}
	writeJSON(w, m.HTTPStatus, TurnResponse{
		Action:        m.Action,
		RenderedText:  m.Text,
		FailureType:   m.FailureType,
		FailureReason: m.FailureReason,
		SessionID:     sessionID,
	})
}

// SubjectFromRequest identifies the caller: the subject header, then the
// subject cookie, then the client IP.
func SubjectFromRequest(r *http.Request) budget.Subject {
	if id := strings.TrimSpace(r.Header.Get(HeaderSubjectID)); id != "" && len(id) <= maxSubjectLength {
		return budget.Subject{Type: budget.SubjectHeader, ID: id}
	}
	if c, err := r.Cookie(SubjectCookie); err == nil {
		if id := strings.TrimSpace(c.Value); id != "" && len(id) <= maxSubjectLength {
			return budget.Subject{Type: budget.SubjectCookie, ID: id}
		}
	}
	return budget.Subject{Type: budget.SubjectIP, ID: ClientIP(r)}
}

type healthResponse struct {
	Status   string             `json:"status"`
	Breakers []breaker.Snapshot `json:"breakers"`
}

// HandleHealth handles GET /healthz. The process is healthy while it serves;
// an open breaker reports "degraded".
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		WriteMethodNotAllowed(w, r, "GET, HEAD")
		return
	}
	resp := healthResponse{Status: "ok", Breakers: s.snapshots()}
	for _, b := range resp.Breakers {
		if b.State != breaker.StateClosed {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleBreakers handles GET /v1/breakers.
func (s *Server) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.snapshots()})
}

func (s *Server) snapshots() []breaker.Snapshot {
	if s.breakers == nil {
		return []breaker.Snapshot{}
	}
	return s.breakers.Snapshots()
}
