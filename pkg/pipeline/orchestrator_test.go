package pipeline_test

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/warden/pkg/breaker"
	"github.com/Mindburn-Labs/warden/pkg/budget"
	"github.com/Mindburn-Labs/warden/pkg/failure"
	"github.com/Mindburn-Labs/warden/pkg/llm"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/pipeline"
	"github.com/Mindburn-Labs/warden/pkg/quality"
	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/safety"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

const userText = "please explain photosynthesis in plants"

// countingAdapter records how often each pass was reached.
type countingAdapter struct {
	llm.Adapter
	mu                    sync.Mutex
	reasoning, expression int
}

func (c *countingAdapter) CallReasoning(ctx context.Context, p llm.ReasoningPrompt) (*llm.ReasoningResult, error) {
	c.mu.Lock()
	c.reasoning++
	c.mu.Unlock()
	return c.Adapter.CallReasoning(ctx, p)
}

func (c *countingAdapter) CallExpression(ctx context.Context, p llm.ExpressionPlan) (*llm.ExpressionResult, error) {
	c.mu.Lock()
	c.expression++
	c.mu.Unlock()
	return c.Adapter.CallExpression(ctx, p)
}

type panickingAdapter struct{ llm.StubAdapter }

func (p *panickingAdapter) CallReasoning(context.Context, llm.ReasoningPrompt) (*llm.ReasoningResult, error) {
	panic("reasoning exploded")
}

type harness struct {
	orch     *pipeline.Orchestrator
	sessions *session.MemoryStore
	breaker  *breaker.Breaker
	model    *countingAdapter
	receipts *receipts.MemoryStore
}

type options struct {
	adapter llm.Adapter
	limits  []budget.Limit
	storage budget.Storage
	timeout time.Duration
	obs     *observability.Provider
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	if opts.adapter == nil {
		opts.adapter = &llm.StubAdapter{}
	}
	if opts.limits == nil {
		opts.limits = []budget.Limit{
			{Ledger: budget.LedgerRate, Window: time.Minute, MaxRequests: 100},
			{Ledger: budget.LedgerQuota, Window: 24 * time.Hour, MaxTokens: 100000},
		}
	}
	if opts.storage == nil {
		opts.storage = budget.NewMemoryStorage()
	}

	gate, err := quality.NewGate()
	require.NoError(t, err)
	env, err := safety.NewEnvelope(safety.DefaultRules()...)
	require.NoError(t, err)

	cfg := breaker.DefaultConfig()
	cfg.Threshold = 2
	h := &harness{
		sessions: session.NewMemoryStore(time.Hour, session.DefaultBounds()),
		breaker:  breaker.New("llm", cfg),
		model:    &countingAdapter{Adapter: opts.adapter},
		receipts: receipts.NewMemoryStore(),
	}
	h.orch = pipeline.New(pipeline.Components{
		Ledger:   budget.NewLedger(opts.storage, opts.limits...),
		Breaker:  h.breaker,
		Sessions: h.sessions,
		Model:    h.model,
		Gate:     gate,
		Envelope: env,
		Bounds:   session.DefaultBounds(),
	}).WithReceipts(receipts.NewRecorder(h.receipts))
	if opts.timeout > 0 {
		h.orch.WithTimeouts(opts.timeout, opts.timeout)
	}
	if opts.obs != nil {
		h.orch.WithObservability(opts.obs)
	}
	return h
}

func (h *harness) run(ctx context.Context, sessionID, text string) *pipeline.Result {
	return h.orch.Run(ctx, pipeline.Request{
		RequestID: "req-1",
		SessionID: sessionID,
		Subject:   budget.Subject{Type: budget.SubjectHeader, ID: "alice"},
		UserText:  text,
	})
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, options{})
	res := h.run(context.Background(), "s-1", userText)

	require.Nil(t, res.Failure)
	assert.Equal(t, "s-1", res.SessionID)
	assert.Equal(t, uxstate.StateOK, res.Mapping.State)
	assert.Equal(t, uxstate.ActionAnswer, res.Mapping.Action)
	assert.Equal(t, http.StatusOK, res.Mapping.HTTPStatus)
	assert.False(t, res.Mapping.HasCooldown)
	assert.True(t, strings.HasPrefix(res.Mapping.Text, "Here is what I can tell you about"))

	for _, st := range []string{pipeline.StageBudget, pipeline.StageBreaker, pipeline.StageSession, pipeline.StageReasoning,
		pipeline.StageProjection, pipeline.StageExpression, pipeline.StageCommit, pipeline.StageQuality, pipeline.StageSafety} {
		assert.Contains(t, res.StagesMs, st)
	}

	// Memory committed.
	handle, err := h.sessions.GetOrCreate(context.Background(), "s-1")
	require.NoError(t, err)
	assert.NotEmpty(t, handle.Hypotheses)

	snap := h.breaker.Snapshot()
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestRun_GeneratesSessionID(t *testing.T) {
	h := newHarness(t, options{})
	res := h.run(context.Background(), "", userText)
	require.Nil(t, res.Failure)
	assert.True(t, session.ValidID(res.SessionID))

	bad := h.run(context.Background(), "not a valid id!", userText)
	assert.NotEqual(t, "not a valid id!", bad.SessionID)
	assert.True(t, session.ValidID(bad.SessionID))
}

func TestRun_RateLimited(t *testing.T) {
	h := newHarness(t, options{limits: []budget.Limit{{Ledger: budget.LedgerRate, Window: time.Hour, MaxRequests: 1}}})

	require.Nil(t, h.run(context.Background(), "s-1", userText).Failure)
	res := h.run(context.Background(), "s-1", userText)

	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindRateLimited, res.Failure.Kind)
	assert.Equal(t, pipeline.StageBudget, res.Failure.Stage)
	assert.Equal(t, uxstate.StateRateLimited, res.Mapping.State)
	assert.Equal(t, http.StatusTooManyRequests, res.Mapping.HTTPStatus)
	assert.True(t, res.Mapping.HasCooldown)
	assert.Positive(t, res.Mapping.CooldownSeconds())
	assert.Equal(t, "s-1", res.SessionID)
	assert.Equal(t, 1, h.model.reasoning, "blocked turn must not reach the model")
}

func TestRun_QuotaExceeded(t *testing.T) {
	h := newHarness(t, options{limits: []budget.Limit{{Ledger: budget.LedgerQuota, Window: 24 * time.Hour, MaxTokens: 3}}})
	res := h.run(context.Background(), "s-1", userText)

	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindBudgetExceeded, res.Failure.Kind)
	assert.Equal(t, failure.ReasonQuotaTokens, res.Mapping.FailureReason)
	assert.Equal(t, "BUDGET_EXCEEDED", res.Mapping.FailureType)
	assert.Equal(t, uxstate.StateQuotaExceeded, res.Mapping.State)
	assert.Equal(t, http.StatusTooManyRequests, res.Mapping.HTTPStatus)
	assert.Positive(t, res.Mapping.CooldownSeconds())
	assert.Zero(t, h.model.reasoning)
}

type brokenStorage struct{}

func (brokenStorage) CheckAndIncrement(context.Context, budget.Key, time.Time, budget.Limit, budget.Cost) (*budget.Record, budget.Breach, error) {
	return nil, budget.BreachNone, fmt.Errorf("connection refused")
}

func TestRun_LedgerUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t, options{
		storage: brokenStorage{},
		limits:  []budget.Limit{{Ledger: budget.LedgerQuota, Window: time.Hour, MaxRequests: 10}},
	})
	res := h.run(context.Background(), "s-1", userText)

	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindBudgetExceeded, res.Failure.Kind)
	assert.Equal(t, failure.ReasonLedgerUnavailable, res.Mapping.FailureReason)
	assert.Equal(t, http.StatusTooManyRequests, res.Mapping.HTTPStatus)
	assert.Zero(t, h.model.reasoning)
}

func TestRun_BreakerOpen(t *testing.T) {
	h := newHarness(t, options{})
	h.breaker.ForceOpen(time.Minute)

	res := h.run(context.Background(), "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindProviderUnavailable, res.Failure.Kind)
	assert.Equal(t, failure.ReasonBreakerOpen, res.Mapping.FailureReason)
	assert.Equal(t, uxstate.StateDegraded, res.Mapping.State)
	assert.Equal(t, uxstate.ActionFallback, res.Mapping.Action)
	assert.Equal(t, http.StatusServiceUnavailable, res.Mapping.HTTPStatus)
	assert.Positive(t, res.Mapping.CooldownSeconds())
	assert.LessOrEqual(t, res.Mapping.CooldownSeconds(), 60)
	assert.Zero(t, h.model.reasoning)
}

func TestRun_ProviderErrorCountsAgainstBreaker(t *testing.T) {
	h := newHarness(t, options{adapter: &llm.StubAdapter{ReasoningErr: &llm.StatusError{Code: 502, Message: "bad gateway"}}})

	res := h.run(context.Background(), "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindProviderError, res.Failure.Kind)
	assert.Equal(t, failure.ReasonReasoningError, res.Mapping.FailureReason)
	assert.Equal(t, uxstate.StateError, res.Mapping.State)
	assert.Equal(t, http.StatusServiceUnavailable, res.Mapping.HTTPStatus)
	assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)

	// Threshold is two: the second failure trips it and the third turn never
	// reaches the model.
	h.run(context.Background(), "s-1", userText)
	assert.Equal(t, breaker.StateOpen, h.breaker.Snapshot().State)
	res = h.run(context.Background(), "s-1", userText)
	assert.Equal(t, failure.KindProviderUnavailable, res.Failure.Kind)
	assert.Equal(t, 2, h.model.reasoning)

	// Nothing was committed.
	handle, err := h.sessions.GetOrCreate(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Empty(t, handle.Hypotheses)
}

func TestRun_ExpressionErrorDoesNotCommit(t *testing.T) {
	h := newHarness(t, options{adapter: &llm.StubAdapter{ExpressionErr: &llm.StatusError{Code: 500}}})
	res := h.run(context.Background(), "s-1", userText)

	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.ReasonExpressionError, res.Failure.Reason)
	assert.Equal(t, pipeline.StageExpression, res.Failure.Stage)

	handle, err := h.sessions.GetOrCreate(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Empty(t, handle.Hypotheses)
}

func TestRun_ReasoningTimeout(t *testing.T) {
	h := newHarness(t, options{adapter: &llm.StubAdapter{Latency: time.Second}, timeout: 20 * time.Millisecond})

	res := h.run(context.Background(), "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindProviderTimeout, res.Failure.Kind)
	assert.Equal(t, failure.ReasonReasoningTimeout, res.Mapping.FailureReason)
	assert.Equal(t, uxstate.StateDegraded, res.Mapping.State)
	assert.Equal(t, http.StatusServiceUnavailable, res.Mapping.HTTPStatus)
	assert.False(t, res.Mapping.HasCooldown)
	assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)
}

func TestRun_MalformedReasoningIsNotUpstreamFailure(t *testing.T) {
	h := newHarness(t, options{adapter: &llm.StubAdapter{ReasoningErr: fmt.Errorf("%w: not an object", llm.ErrMalformedResponse)}})

	res := h.run(context.Background(), "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindNonJSONResponse, res.Failure.Kind)
	assert.Equal(t, failure.ReasonReasoningMalformed, res.Mapping.FailureReason)
	assert.Equal(t, uxstate.ActionAnswerDegraded, res.Mapping.Action)
	assert.Equal(t, http.StatusOK, res.Mapping.HTTPStatus)
	assert.Zero(t, h.breaker.Snapshot().ConsecutiveFailures)
}

func TestRun_ClientCancelReleasesPermit(t *testing.T) {
	h := newHarness(t, options{adapter: &llm.StubAdapter{Latency: 5 * time.Second}})
	h.breaker.ForceOpen(time.Nanosecond)
	time.Sleep(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := h.run(ctx, "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindUnexpected, res.Failure.Kind)
	assert.Equal(t, failure.ReasonClientCancelled, res.Failure.Reason)

	// The probe slot is free again.
	p, err := h.breaker.BeforeCall()
	require.NoError(t, err)
	assert.True(t, p.Probe())
}

func TestRun_SchemaMismatch(t *testing.T) {
	h := newHarness(t, options{adapter: &llm.StubAdapter{ExpressionRaw: `{"action":"DANCE","text":"hi"}`}})

	res := h.run(context.Background(), "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, pipeline.StageQuality, res.Failure.Stage)
	assert.Equal(t, "SCHEMA_MISMATCH", res.Mapping.FailureType)
	assert.Equal(t, uxstate.ActionAskClarify, res.Mapping.Action)
	assert.Equal(t, uxstate.StateDegraded, res.Mapping.State)
	assert.Equal(t, http.StatusOK, res.Mapping.HTTPStatus)
	assert.Equal(t, uxstate.DefaultText(failure.KindSchemaMismatch), res.Mapping.Text)

	// Both model calls succeeded so the breaker saw a success.
	assert.Zero(t, h.breaker.Snapshot().ConsecutiveFailures)
}

func TestRun_NotJSON(t *testing.T) {
	h := newHarness(t, options{adapter: &llm.StubAdapter{ExpressionRaw: "Sure! Here you go."}})

	res := h.run(context.Background(), "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.ReasonNotJSON, res.Mapping.FailureReason)
	assert.Equal(t, uxstate.ActionAnswerDegraded, res.Mapping.Action)
}

func TestRun_SafetyBlock(t *testing.T) {
	h := newHarness(t, options{adapter: &llm.StubAdapter{ExpressionRaw: `{"action":"ANSWER","text":"Write to jane.doe@example.com"}`}})

	res := h.run(context.Background(), "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindSafetyBlock, res.Failure.Kind)
	assert.Equal(t, "SAFETY_PII_EMAIL", res.Mapping.FailureReason)
	assert.Equal(t, uxstate.StateBlocked, res.Mapping.State)
	assert.Equal(t, uxstate.ActionBlock, res.Mapping.Action)
	assert.Equal(t, http.StatusOK, res.Mapping.HTTPStatus)
	assert.Equal(t, "I can't share personal contact details.", res.Mapping.Text)
	assert.NotContains(t, res.Mapping.Text, "example.com")
}

func TestRun_PanicBecomesUnexpected(t *testing.T) {
	h := newHarness(t, options{adapter: &panickingAdapter{}})

	res := h.run(context.Background(), "s-1", userText)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.KindUnexpected, res.Failure.Kind)
	assert.Equal(t, failure.ReasonPanic, res.Mapping.FailureReason)
	assert.Equal(t, pipeline.StageReasoning, res.Failure.Stage)
	assert.Equal(t, http.StatusInternalServerError, res.Mapping.HTTPStatus)
	assert.NotContains(t, res.Mapping.Text, "exploded")
	assert.Zero(t, h.breaker.Snapshot().ConsecutiveFailures)
}

func TestRun_ReplayIsIdempotent(t *testing.T) {
	a := newHarness(t, options{}).run(context.Background(), "fresh-a", userText)
	b := newHarness(t, options{}).run(context.Background(), "fresh-b", userText)

	require.Nil(t, a.Failure)
	require.Nil(t, b.Failure)
	assert.Equal(t, a.Mapping.Text, b.Mapping.Text)
	assert.Equal(t, a.Mapping.Action, b.Mapping.Action)
}

func TestRun_RecordsReceiptWithoutContent(t *testing.T) {
	h := newHarness(t, options{})
	res := h.run(context.Background(), "s-1", userText)

	list, err := h.receipts.ListBySession(context.Background(), "s-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	r := list[0]
	assert.Equal(t, "req-1", r.RequestID)
	assert.Equal(t, string(uxstate.StateOK), r.UXState)
	assert.Equal(t, string(res.Mapping.Action), r.Action)
	assert.Equal(t, http.StatusOK, r.HTTPStatus)
	assert.Equal(t, receipts.HashSubject("header:alice"), r.SubjectHash)
	assert.Contains(t, r.StagesMs, pipeline.StageReasoning)
	assert.NotContains(t, fmt.Sprintf("%+v", *r), "photosynthesis")
}

func TestRun_TracesEveryStage(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	obs, err := observability.NewWithProviders(tp, mp)
	require.NoError(t, err)

	h := newHarness(t, options{obs: obs})
	require.Nil(t, h.run(context.Background(), "s-1", userText).Failure)

	names := make(map[string]bool)
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["pipeline.budget"])
	assert.True(t, names["pipeline.reasoning"])
	assert.True(t, names["pipeline.safety"])
}

func TestRun_SessionsAreIndependent(t *testing.T) {
	h := newHarness(t, options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := h.run(context.Background(), fmt.Sprintf("s-%d", i), userText)
			assert.Nil(t, res.Failure)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, h.sessions.Len())
}
