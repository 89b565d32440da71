package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/warden/pkg/retry"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

const reasoningSystemPrompt = `You are the internal reasoning stage of an assistant. Think about the user's message and the current hypotheses, then reply with ONE JSON object and nothing else:
{"trace": string, "deltas": [{"claim_id": string, "support": number, "refute": number}], "directive": {"action": "ANSWER"|"ASK_ONE_QUESTION"|"ASK_CLARIFY"|"REFUSE"|"CLOSE", "goal": string, "points": [string], "confidence": number between 0 and 1}}`

const expressionSystemPrompt = `You write the user-facing reply of an assistant from a plan. Never mention plans, traces or hypotheses. Reply with ONE JSON object and nothing else:
{"action": <the plan's action>, "text": <the reply>}`

// ChatAdapter implements Adapter over a chat-completion Client. Transient
// transport errors are retried under the configured policy.
type ChatAdapter struct {
	client Client
	policy retry.Policy
	logger *slog.Logger
}

// NewChatAdapter wraps client.
func NewChatAdapter(client Client, policy retry.Policy) *ChatAdapter {
	return &ChatAdapter{
		client: client,
		policy: policy,
		logger: slog.Default().With("component", "llm"),
	}
}

// WithLogger sets the logger.
func (a *ChatAdapter) WithLogger(logger *slog.Logger) *ChatAdapter {
	a.logger = logger.With("component", "llm")
	return a
}

type reasoningWire struct {
	Trace     string          `json:"trace"`
	Deltas    []session.Delta `json:"deltas"`
	Directive struct {
		Action     string   `json:"action"`
		Goal       string   `json:"goal"`
		Points     []string `json:"points"`
		Confidence float64  `json:"confidence"`
	} `json:"directive"`
}

func (a *ChatAdapter) CallReasoning(ctx context.Context, prompt ReasoningPrompt) (*ReasoningResult, error) {
	hyps := prompt.Hypotheses
	if hyps == nil {
		hyps = []session.Hypothesis{}
	}
	state, err := json.Marshal(hyps)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal hypotheses: %w", err)
	}

	msgs := []Message{
		{Role: "system", Content: reasoningSystemPrompt},
		{Role: "user", Content: "Hypotheses: " + string(state) + "\n\nMessage: " + prompt.UserText},
	}
	resp, err := a.chat(ctx, "reasoning", msgs, &SamplingOptions{Temperature: 0, JSONMode: true})
	if err != nil {
		return nil, err
	}
	return ParseReasoning(resp.Content)
}

// ParseReasoning decodes a reasoning reply. Any decode or validation failure
// wraps ErrMalformedResponse.
func ParseReasoning(raw string) (*ReasoningResult, error) {
	var w reasoningWire
	dec := json.NewDecoder(strings.NewReader(StripCodeFence(raw)))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	action := uxstate.ActionAnswer
	if w.Directive.Action != "" {
		a, ok := uxstate.ParseModelAction(w.Directive.Action)
		if !ok {
			return nil, fmt.Errorf("%w: unknown directive action %q", ErrMalformedResponse, w.Directive.Action)
		}
		action = a
	}
	return &ReasoningResult{
		Trace:  w.Trace,
		Deltas: w.Deltas,
		Directive: Directive{
			Action:     action,
			Goal:       w.Directive.Goal,
			Points:     w.Directive.Points,
			Confidence: w.Directive.Confidence,
		},
	}, nil
}

func (a *ChatAdapter) CallExpression(ctx context.Context, plan ExpressionPlan) (*ExpressionResult, error) {
	body, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal plan: %w", err)
	}
	msgs := []Message{
		{Role: "system", Content: expressionSystemPrompt},
		{Role: "user", Content: "Plan: " + string(body)},
	}
	resp, err := a.chat(ctx, "expression", msgs, &SamplingOptions{Temperature: 0.3, JSONMode: true})
	if err != nil {
		return nil, err
	}
	return &ExpressionResult{Raw: resp.Content}, nil
}

func (a *ChatAdapter) chat(ctx context.Context, stage string, msgs []Message, opts *SamplingOptions) (*Response, error) {
	var (
		resp     *Response
		attempts int
	)
	err := retry.Do(ctx, a.policy, stage, IsTransient, func(ctx context.Context) error {
		attempts++
		r, err := a.client.Chat(ctx, msgs, opts)
		if err != nil {
			if attempts < a.policy.MaxAttempts && IsTransient(err) {
				a.logger.WarnContext(ctx, "model call failed, retrying", "stage", stage, "attempt", attempts, "error", err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
