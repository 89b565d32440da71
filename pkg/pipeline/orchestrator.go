// Package pipeline runs one conversational turn through the governance
// stages: budget, breaker admission, reasoning, memory projection,
// expression, memory commit, quality gate and safety envelope. Each stage
// either continues or ends the turn with exactly one *failure.Failure; the
// orchestrator never retries a stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/warden/pkg/breaker"
	"github.com/Mindburn-Labs/warden/pkg/budget"
	"github.com/Mindburn-Labs/warden/pkg/failure"
	"github.com/Mindburn-Labs/warden/pkg/llm"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/quality"
	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/safety"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

// Stage names, as reported in Failure.Stage and receipts.
const (
	StageBudget     = "budget"
	StageBreaker    = "breaker"
	StageSession    = "session"
	StageReasoning  = "reasoning"
	StageProjection = "projection"
	StageExpression = "expression"
	StageCommit     = "commit"
	StageQuality    = "quality"
	StageSafety     = "safety"
)

// Default per-call model deadlines.
const (
	DefaultReasoningTimeout  = 20 * time.Second
	DefaultExpressionTimeout = 15 * time.Second
)

// Components are the shared state objects a turn runs against. All are
// required.
type Components struct {
	Ledger   *budget.Ledger
	Breaker  *breaker.Breaker
	Sessions session.Store
	Model    llm.Adapter
	Gate     *quality.Gate
	Envelope *safety.Envelope
	Bounds   session.Bounds
}

// Request is one turn as received from the client.
type Request struct {
	RequestID string
	SessionID string
	Subject   budget.Subject
	UserText  string
}

// Result is the mapped outcome of one turn.
type Result struct {
	SessionID string
	Mapping   uxstate.Mapping
	// Failure is the internal failure record, nil on success.
	Failure  *failure.Failure
	StagesMs map[string]int64
}

// Orchestrator is safe for concurrent use; per-turn state lives in a turn.
type Orchestrator struct {
	c      Components
	mapper *uxstate.Mapper

	reasoningTimeout  time.Duration
	expressionTimeout time.Duration

	obs      *observability.Provider
	receipts *receipts.Recorder
	clock    func() time.Time
	logger   *slog.Logger
}

// New creates an orchestrator over c.
func New(c Components) *Orchestrator {
	return &Orchestrator{
		c:                 c,
		mapper:            uxstate.NewMapper(),
		reasoningTimeout:  DefaultReasoningTimeout,
		expressionTimeout: DefaultExpressionTimeout,
		clock:             time.Now,
		logger:            slog.Default().With("component", "pipeline"),
	}
}

// WithTimeouts sets the reasoning and expression deadlines. Non-positive
// values keep the current setting.
func (o *Orchestrator) WithTimeouts(reasoning, expression time.Duration) *Orchestrator {
	if reasoning > 0 {
		o.reasoningTimeout = reasoning
	}
	if expression > 0 {
		o.expressionTimeout = expression
	}
	return o
}

// WithObservability enables per-stage spans and turn metrics.
func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	o.obs = p
	return o
}

// WithReceipts enables decision receipts.
func (o *Orchestrator) WithReceipts(r *receipts.Recorder) *Orchestrator {
	o.receipts = r
	return o
}

// WithClock overrides the clock used for stage timings.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With("component", "pipeline")
	return o
}

// turn carries the state threaded between stages of one request.
type turn struct {
	req       Request
	sessionID string
	stages    map[string]int64

	handle     *session.Handle
	reasoning  *llm.ReasoningResult
	plan       llm.ExpressionPlan
	expression *llm.ExpressionResult
	verdict    quality.Verdict
	refusal    string
}

// Run executes one turn. It always returns a result; failures are mapped, not
// returned as errors.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Result {
	sessionID, _ := session.NormalizeID(req.SessionID)
	t := &turn{req: req, sessionID: sessionID, stages: make(map[string]int64)}

	outcome := o.execute(ctx, t)
	res := &Result{
		SessionID: t.sessionID,
		Mapping:   o.mapper.Map(outcome),
		Failure:   outcome.Failure,
		StagesMs:  t.stages,
	}
	o.finish(ctx, t, res)
	return res
}

func (o *Orchestrator) execute(ctx context.Context, t *turn) uxstate.Outcome {
	if f := o.stage(ctx, t, StageBudget, func(ctx context.Context) *failure.Failure {
		return o.checkBudget(ctx, t)
	}); f != nil {
		return uxstate.Outcome{Failure: f}
	}

	var permit breaker.Permit
	if f := o.stage(ctx, t, StageBreaker, func(context.Context) *failure.Failure {
		p, err := o.c.Breaker.BeforeCall()
		if err != nil {
			return breakerFailure(err)
		}
		permit = p
		return nil
	}); f != nil {
		return uxstate.Outcome{Failure: f}
	}

	// One permit covers both model calls. Anything that leaves the turn
	// before an outcome is recorded abandons it.
	settled := false
	settle := func(success, release bool) {
		settled = true
		if release {
			o.c.Breaker.Release(permit)
			return
		}
		o.c.Breaker.RecordOutcome(permit, success)
	}
	defer func() {
		if !settled {
			o.c.Breaker.Release(permit)
		}
	}()

	if f := o.stage(ctx, t, StageSession, func(ctx context.Context) *failure.Failure {
		h, err := o.c.Sessions.GetOrCreate(ctx, t.sessionID)
		if err != nil {
			return failure.Wrap(failure.KindUnexpected, failure.ReasonMemoryUnavailable, err)
		}
		t.handle = h
		t.sessionID = h.ID
		return nil
	}); f != nil {
		return uxstate.Outcome{Failure: f}
	}

	if f := o.stage(ctx, t, StageReasoning, func(ctx context.Context) *failure.Failure {
		callCtx, cancel := context.WithTimeout(ctx, o.reasoningTimeout)
		defer cancel()
		res, err := o.c.Model.CallReasoning(callCtx, llm.ReasoningPrompt{
			UserText:   t.req.UserText,
			Hypotheses: t.handle.Hypotheses,
		})
		if err != nil {
			f, release := classifyModelError(ctx, err, StageReasoning)
			settle(false, release)
			return f
		}
		t.reasoning = res
		return nil
	}); f != nil {
		return uxstate.Outcome{Failure: f}
	}

	if f := o.stage(ctx, t, StageProjection, func(context.Context) *failure.Failure {
		projected := session.Project(t.handle.Hypotheses, t.reasoning.Deltas, o.c.Bounds)
		t.plan = llm.NewPlan(t.reasoning.Directive, projected)
		return nil
	}); f != nil {
		return uxstate.Outcome{Failure: f}
	}

	if f := o.stage(ctx, t, StageExpression, func(ctx context.Context) *failure.Failure {
		callCtx, cancel := context.WithTimeout(ctx, o.expressionTimeout)
		defer cancel()
		res, err := o.c.Model.CallExpression(callCtx, t.plan)
		if err != nil {
			f, release := classifyModelError(ctx, err, StageExpression)
			settle(false, release)
			return f
		}
		t.expression = res
		settle(true, false)
		return nil
	}); f != nil {
		return uxstate.Outcome{Failure: f}
	}

	if f := o.stage(ctx, t, StageCommit, func(ctx context.Context) *failure.Failure {
		if _, err := o.c.Sessions.ApplyUpdate(ctx, t.sessionID, t.reasoning.Deltas); err != nil {
			return failure.Wrap(failure.KindUnexpected, failure.ReasonMemoryUnavailable, err)
		}
		return nil
	}); f != nil {
		return uxstate.Outcome{Failure: f}
	}

	if f := o.stage(ctx, t, StageQuality, func(context.Context) *failure.Failure {
		t.verdict = o.c.Gate.Verify(t.expression.Raw)
		return t.verdict.Failure()
	}); f != nil {
		return uxstate.Outcome{Failure: f}
	}

	if f := o.stage(ctx, t, StageSafety, func(ctx context.Context) *failure.Failure {
		v := o.c.Envelope.Apply(ctx, t.verdict.Text)
		if v.Allowed {
			return nil
		}
		t.refusal = v.Message
		return failure.New(failure.KindSafetyBlock, v.Reason)
	}); f != nil {
		return uxstate.Outcome{Text: t.refusal, Failure: f}
	}

	return uxstate.Outcome{Action: t.verdict.Action, Text: t.verdict.Text}
}

func (o *Orchestrator) checkBudget(ctx context.Context, t *turn) *failure.Failure {
	cost := budget.Cost{Requests: 1, Tokens: budget.EstimateTokens(t.req.UserText)}
	d, err := o.c.Ledger.CheckAndIncrement(ctx, t.req.Subject, cost)
	if d == nil {
		return failure.Wrap(failure.KindBudgetExceeded, failure.ReasonLedgerUnavailable, err)
	}
	if d.Allowed {
		return nil
	}
	kind := failure.KindBudgetExceeded
	if d.Ledger == budget.LedgerRate {
		kind = failure.KindRateLimited
	}
	return failure.Wrap(kind, d.Reason, err).WithRetryAfter(d.RetryAfter)
}

func breakerFailure(err error) *failure.Failure {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		reason := failure.ReasonBreakerOpen
		if open.ProbeBusy {
			reason = failure.ReasonBreakerProbeBusy
		}
		return failure.Wrap(failure.KindProviderUnavailable, reason, err).WithRetryAfter(open.Remaining)
	}
	return failure.Wrap(failure.KindProviderUnavailable, failure.ReasonBreakerOpen, err)
}

// classifyModelError maps a model call error to a failure. release is true
// when the error says nothing about upstream health: the client went away,
// or the provider answered with something unparseable.
func classifyModelError(parent context.Context, err error, stage string) (f *failure.Failure, release bool) {
	timeoutReason, errorReason := failure.ReasonReasoningTimeout, failure.ReasonReasoningError
	if stage == StageExpression {
		timeoutReason, errorReason = failure.ReasonExpressionTimeout, failure.ReasonExpressionError
	}

	switch {
	case parent.Err() != nil:
		return failure.Wrap(failure.KindUnexpected, failure.ReasonClientCancelled, err), true
	case errors.Is(err, context.DeadlineExceeded):
		return failure.Wrap(failure.KindProviderTimeout, timeoutReason, err), false
	case errors.Is(err, llm.ErrMalformedResponse):
		return failure.Wrap(failure.KindNonJSONResponse, failure.ReasonReasoningMalformed, err), true
	default:
		return failure.Wrap(failure.KindProviderError, errorReason, err), false
	}
}

// stage runs fn, timing it, tracing it and converting a panic into
// UNEXPECTED_ERROR.
func (o *Orchestrator) stage(ctx context.Context, t *turn, name string, fn func(context.Context) *failure.Failure) (f *failure.Failure) {
	start := o.clock()
	ctx, done := o.track(ctx, name)
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "stage panicked",
				"request_id", t.req.RequestID, "stage", name,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			f = failure.Wrap(failure.KindUnexpected, failure.ReasonPanic, fmt.Errorf("panic in %s: %v", name, r))
		}
		t.stages[name] = o.clock().Sub(start).Milliseconds()
		if f != nil {
			f.AtStage(name)
			done(f)
			return
		}
		done(nil)
	}()
	return fn(ctx)
}

func (o *Orchestrator) track(ctx context.Context, name string) (context.Context, func(error)) {
	if o.obs == nil {
		return ctx, func(error) {}
	}
	return o.obs.TrackOperation(ctx, "pipeline."+name, attribute.String("warden.stage", name))
}

func (o *Orchestrator) finish(ctx context.Context, t *turn, res *Result) {
	m := res.Mapping
	attrs := []any{
		"request_id", t.req.RequestID,
		"session_id", res.SessionID,
		"subject_type", t.req.Subject.Type,
		"ux_state", m.State,
		"action", m.Action,
		"http_status", m.HTTPStatus,
	}
	switch f := res.Failure; {
	case f == nil:
		o.logger.InfoContext(ctx, "turn completed", attrs...)
	case f.Kind == failure.KindUnexpected:
		o.logger.ErrorContext(ctx, "turn failed",
			append(attrs, "failure_type", m.FailureType, "failure_reason", m.FailureReason, "stage", f.Stage, "error", f.Err)...)
	default:
		o.logger.WarnContext(ctx, "turn degraded",
			append(attrs, "failure_type", m.FailureType, "failure_reason", m.FailureReason, "stage", f.Stage, "error", f.Err)...)
	}

	if o.obs != nil {
		o.obs.RecordTurn(ctx, string(m.State), m.FailureType)
	}
	o.receipts.Record(ctx, &receipts.Receipt{
		RequestID:     t.req.RequestID,
		SessionID:     res.SessionID,
		SubjectHash:   receipts.HashSubject(t.req.Subject.String()),
		UXState:       string(m.State),
		Action:        string(m.Action),
		FailureType:   m.FailureType,
		FailureReason: m.FailureReason,
		HTTPStatus:    m.HTTPStatus,
		StagesMs:      t.stages,
	})
}
