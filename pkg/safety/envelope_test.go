package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnvelope(t *testing.T, extra ...Rule) *Envelope {
	t.Helper()
	e, err := NewEnvelope(append(DefaultRules(), extra...)...)
	require.NoError(t, err)
	return e
}

func TestApply(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		reason string
	}{
		{"clean", "Paris is the capital of France.", ""},
		{"email", "You can reach her at jane.doe@example.com anytime.", "SAFETY_PII_EMAIL"},
		{"fullwidth email", "ｊａｎｅ＠ｅｘａｍｐｌｅ．ｃｏｍ", "SAFETY_PII_EMAIL"},
		{"card", "The number is 4111 1111 1111 1111.", "SAFETY_PII_CARD"},
		{"short number", "Call extension 4521.", ""},
		{"harmful", "Here is how to make a bomb at home", "SAFETY_HARMFUL_CONTENT"},
		{"harmful mixed case", "KILL YOURSELF", "SAFETY_HARMFUL_CONTENT"},
	}
	e := newEnvelope(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Apply(context.Background(), tt.text)
			if tt.reason == "" {
				assert.True(t, v.Allowed, "blocked by %s", v.Rule)
				return
			}
			assert.False(t, v.Allowed)
			assert.Equal(t, tt.reason, v.Reason)
			assert.NotEmpty(t, v.Message)
			assert.NotContains(t, v.Message, tt.text, "refusal must not echo content")
		})
	}
}

func TestApply_ExtraRuleDefaultMessage(t *testing.T) {
	e := newEnvelope(t, Rule{Name: "too-long", Expr: "length > 20", Reason: "SAFETY_TOO_LONG"})
	v := e.Apply(context.Background(), "this sentence is definitely longer than twenty runes")
	assert.False(t, v.Allowed)
	assert.Equal(t, "SAFETY_TOO_LONG", v.Reason)
	assert.Equal(t, DefaultRefusal, v.Message)
}

func TestApply_EvaluationErrorFailsClosed(t *testing.T) {
	// dyn() defers the type check to runtime, where int(text) fails.
	e := newEnvelope(t, Rule{Name: "broken", Expr: `int(dyn(text)) > 0`, Reason: "SAFETY_BROKEN"})
	v := e.Apply(context.Background(), "not a number")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonRuleError, v.Reason)
}

func TestApply_CancelledContextBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := newEnvelope(t).Apply(ctx, "hello")
	assert.False(t, v.Allowed)
}

func TestNewEnvelope_RejectsBadRules(t *testing.T) {
	_, err := NewEnvelope(Rule{Name: "syntax", Expr: "text.matches(", Reason: "X"})
	assert.Error(t, err)

	_, err = NewEnvelope(Rule{Name: "not-bool", Expr: "length + 1", Reason: "X"})
	assert.Error(t, err)

	_, err = NewEnvelope(Rule{Name: "no-reason", Expr: "true"})
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ABC", Normalize("ＡＢＣ"))
	assert.Equal(t, "fi", Normalize("ﬁ"))
}
