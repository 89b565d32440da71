package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

// StubAdapter is a deterministic Adapter for development and tests: the same
// input always produces the same output. The optional fields inject faults.
type StubAdapter struct {
	// Latency delays each call; a ctx deadline shorter than it wins.
	Latency time.Duration
	// ReasoningErr and ExpressionErr, when set, are returned by the calls.
	ReasoningErr  error
	ExpressionErr error
	// ExpressionRaw, when set, replaces the expression output verbatim.
	ExpressionRaw string
}

const stubMaxTopics = 3

func (s *StubAdapter) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *StubAdapter) CallReasoning(ctx context.Context, prompt ReasoningPrompt) (*ReasoningResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.ReasoningErr != nil {
		return nil, s.ReasoningErr
	}

	words := strings.FieldsFunc(strings.ToLower(prompt.UserText), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var topics []string
	for _, w := range words {
		if len([]rune(w)) < 5 || seen[w] {
			continue
		}
		seen[w] = true
		topics = append(topics, w)
		if len(topics) == stubMaxTopics {
			break
		}
	}

	deltas := make([]session.Delta, 0, len(topics))
	for _, t := range topics {
		deltas = append(deltas, session.Delta{ClaimID: "topic:" + t, Support: 0.1})
	}

	action := uxstate.ActionAnswer
	if len(words) < 2 {
		action = uxstate.ActionAskClarify
	}
	return &ReasoningResult{
		Trace:  "stub: " + strings.Join(topics, ","),
		Deltas: deltas,
		Directive: Directive{
			Action:     action,
			Goal:       "respond",
			Points:     topics,
			Confidence: 0.6,
		},
	}, nil
}

func (s *StubAdapter) CallExpression(ctx context.Context, plan ExpressionPlan) (*ExpressionResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.ExpressionErr != nil {
		return nil, s.ExpressionErr
	}
	if s.ExpressionRaw != "" {
		return &ExpressionResult{Raw: s.ExpressionRaw}, nil
	}

	var text string
	switch plan.Action {
	case uxstate.ActionAskClarify:
		text = "Could you tell me a bit more about what you need?"
	case uxstate.ActionAskOneQuestion:
		text = "What would you like to focus on first?"
	case uxstate.ActionRefuse:
		text = "I can't help with that."
	case uxstate.ActionClose:
		text = "Glad I could help. Goodbye!"
	default:
		if len(plan.Points) == 0 {
			text = "Here is my answer."
		} else {
			text = "Here is what I can tell you about " + strings.Join(plan.Points, ", ") + "."
		}
	}

	out, err := json.Marshal(struct {
		Action uxstate.Action `json:"action"`
		Text   string         `json:"text"`
	}{plan.Action, text})
	if err != nil {
		return nil, err
	}
	return &ExpressionResult{Raw: string(out)}, nil
}
