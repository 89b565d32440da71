// Package safety applies content policy to the final rendered text. Rules are
// CEL expressions evaluated over the NFKC-normalized text; a rule that returns
// true blocks. Evaluation errors block (fail closed).
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/unicode/norm"
)

// DefaultRefusal is used when a rule has no message of its own.
const DefaultRefusal = "I can't help with that request."

// ReasonRuleError is the reason code when a rule fails to evaluate.
const ReasonRuleError = "SAFETY_RULE_ERROR"

// Rule is one content policy. Expr sees `text` (normalized), `lower`
// (normalized, lower-cased) and `length` (rune count).
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Expr    string `yaml:"expr" json:"expr"`
	Reason  string `yaml:"reason" json:"reason"`
	Message string `yaml:"message" json:"message"`
}

// DefaultRules is the built-in policy.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "pii-email",
			Expr:    `text.matches(r"[A-Za-z0-9._%+-]+@[A-Za-z0-9-]+(\.[A-Za-z0-9-]+)*\.[A-Za-z]{2,}")`,
			Reason:  "SAFETY_PII_EMAIL",
			Message: "I can't share personal contact details.",
		},
		{
			Name:    "pii-card",
			Expr:    `text.matches(r"\b(?:\d[ -]?){12,18}\d\b")`,
			Reason:  "SAFETY_PII_CARD",
			Message: "I can't share payment card numbers.",
		},
		{
			Name:    "self-harm-instruction",
			Expr:    `lower.matches(r"\b(kill yourself|how to (make|build) a (bomb|pipe bomb))\b")`,
			Reason:  "SAFETY_HARMFUL_CONTENT",
			Message: "I can't help with that. If you're going through a hard time, please reach out to someone you trust or a local support line.",
		},
	}
}

// Verdict is the envelope result.
type Verdict struct {
	Allowed bool
	Rule    string
	Reason  string
	// Message is the fixed refusal for a block.
	Message string
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Envelope evaluates the rules in order. Safe for concurrent use.
type Envelope struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewEnvelope compiles rules. Pass DefaultRules() plus any extras.
func NewEnvelope(rules ...Rule) (*Envelope, error) {
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("lower", cel.StringType),
		cel.Variable("length", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" || r.Expr == "" || r.Reason == "" {
			return nil, fmt.Errorf("safety: rule %q needs name, expr and reason", r.Name)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("safety: rule %s: compile: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("safety: rule %s must return bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("safety: rule %s: program: %w", r.Name, err)
		}
		if r.Message == "" {
			r.Message = DefaultRefusal
		}
		out = append(out, compiledRule{Rule: r, prg: prg})
	}
	return &Envelope{rules: out, logger: slog.Default().With("component", "safety")}, nil
}

// WithLogger sets the logger.
func (e *Envelope) WithLogger(logger *slog.Logger) *Envelope {
	e.logger = logger.With("component", "safety")
	return e
}

// Normalize returns the NFKC form the rules see.
func Normalize(text string) string { return norm.NFKC.String(text) }

// Apply checks the final text.
func (e *Envelope) Apply(ctx context.Context, text string) Verdict {
	normalized := Normalize(text)
	input := map[string]any{
		"text":   normalized,
		"lower":  strings.ToLower(normalized),
		"length": int64(len([]rune(normalized))),
	}

	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			return Verdict{Rule: r.Name, Reason: ReasonRuleError, Message: DefaultRefusal}
		}
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			e.logger.ErrorContext(ctx, "safety rule failed, blocking", "rule", r.Name, "error", err)
			return Verdict{Rule: r.Name, Reason: ReasonRuleError, Message: DefaultRefusal}
		}
		blocked, ok := out.Value().(bool)
		if !ok {
			return Verdict{Rule: r.Name, Reason: ReasonRuleError, Message: DefaultRefusal}
		}
		if blocked {
			return Verdict{Rule: r.Name, Reason: r.Reason, Message: r.Message}
		}
	}
	return Verdict{Allowed: true}
}
