// Package llm is the model adapter boundary. A Reasoner runs the internal
// reasoning pass; an Expresser turns an ExpressionPlan into user-facing output.
// Adapters are stateless per call.
package llm

import (
	"context"

	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is a chat-completion transport.
type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
	MaxTokens   int     `json:"max_tokens"`
	JSONMode    bool    `json:"json_mode"`
}

type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	TotalTokens  int    `json:"total_tokens"`
}

// ReasoningPrompt is the input of the reasoning pass.
type ReasoningPrompt struct {
	UserText   string
	Hypotheses []session.Hypothesis
}

// Directive is the reasoning pass's proposal for the expression pass.
type Directive struct {
	Action     uxstate.Action
	Goal       string
	Points     []string
	Confidence float64
}

// ReasoningResult is ephemeral. Trace never leaves the pipeline.
type ReasoningResult struct {
	Trace     string
	Deltas    []session.Delta
	Directive Directive
}

// ConfidenceBand is the coarse confidence passed to expression.
type ConfidenceBand string

const (
	ConfidenceLow    ConfidenceBand = "low"
	ConfidenceMedium ConfidenceBand = "medium"
	ConfidenceHigh   ConfidenceBand = "high"
)

// ExpressionPlan is the only input of the expression pass. It has no field
// that can carry the reasoning trace, raw hypotheses or session history.
type ExpressionPlan struct {
	Action     uxstate.Action `json:"action"`
	Goal       string         `json:"goal"`
	Points     []string       `json:"points"`
	Confidence ConfidenceBand `json:"confidence"`
}

// ExpressionResult carries the raw expression output for the quality gate.
type ExpressionResult struct {
	Raw string
}

type Reasoner interface {
	CallReasoning(ctx context.Context, prompt ReasoningPrompt) (*ReasoningResult, error)
}

type Expresser interface {
	CallExpression(ctx context.Context, plan ExpressionPlan) (*ExpressionResult, error)
}

// Adapter is a model that serves both passes.
type Adapter interface {
	Reasoner
	Expresser
}
