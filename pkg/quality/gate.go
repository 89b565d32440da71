// Package quality validates expression output before it reaches the user.
// Checks run in a fixed order and the first failing check decides.
package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/warden/pkg/failure"
	"github.com/Mindburn-Labs/warden/pkg/llm"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

// expressionSchema is the contract of an expression reply.
const expressionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "text"],
  "properties": {
    "action": {"enum": ["ANSWER", "ASK_ONE_QUESTION", "ASK_CLARIFY", "REFUSE", "CLOSE"]},
    "text": {"type": "string", "minLength": 1, "pattern": "\\S"}
  }
}`

const schemaURL = "warden://schemas/expression.json"

// DefaultMarkers are substrings that only appear when internal state or chat
// template scaffolding leaked into the reply. Matched case-insensitively.
var DefaultMarkers = []string{
	"<|im_start|>", "<|im_end|>", "<|endoftext|>", "<|eot_id|>",
	"[inst]", "[/inst]", "<<sys>>",
	"claim_id", "hypothesis:", "hypotheses:", "reasoning trace", "trace:",
}

// leakedKeys are reasoning fields that must never appear in an expression reply.
var leakedKeys = []string{"trace", "deltas", "hypotheses", "directive"}

// Verdict is the gate result.
type Verdict struct {
	Pass   bool
	Kind   failure.Kind
	Reason string
	// Action and Text are set on pass.
	Action uxstate.Action
	Text   string
	// Detail is internal diagnostics; it is logged, never returned.
	Detail string
}

// Failure converts a failing verdict into a failure.
func (v Verdict) Failure() *failure.Failure {
	if v.Pass {
		return nil
	}
	var err error
	if v.Detail != "" {
		err = errors.New(v.Detail)
	}
	return failure.Wrap(v.Kind, v.Reason, err)
}

// Gate runs the checks. Safe for concurrent use.
type Gate struct {
	schema  *jsonschema.Schema
	markers []string
}

// NewGate compiles the expression schema. extraMarkers extend DefaultMarkers.
func NewGate(extraMarkers ...string) (*Gate, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(expressionSchema)); err != nil {
		return nil, fmt.Errorf("quality: add schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("quality: compile schema: %w", err)
	}

	markers := make([]string, 0, len(DefaultMarkers)+len(extraMarkers))
	for _, m := range append(append([]string(nil), DefaultMarkers...), extraMarkers...) {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	return &Gate{schema: schema, markers: markers}, nil
}

// Verify checks raw expression output.
func (g *Gate) Verify(raw string) Verdict {
	body := llm.StripCodeFence(raw)
	if body == "" {
		return fail(failure.KindNonJSONResponse, failure.ReasonEmptyOutput, "")
	}

	doc, err := decodeSingle(body)
	if err != nil {
		return fail(failure.KindNonJSONResponse, failure.ReasonNotJSON, err.Error())
	}

	if err := g.schema.Validate(doc); err != nil {
		return fail(failure.KindSchemaMismatch, failure.ReasonSchemaViolation, err.Error())
	}

	obj := doc.(map[string]interface{})
	text := obj["text"].(string)
	for _, k := range leakedKeys {
		if _, ok := obj[k]; ok {
			return fail(failure.KindSchemaMismatch, failure.ReasonLeakedMarker, "field "+k)
		}
	}
	lower := strings.ToLower(text)
	for _, m := range g.markers {
		if strings.Contains(lower, m) {
			return fail(failure.KindSchemaMismatch, failure.ReasonLeakedMarker, "marker "+m)
		}
	}

	return Verdict{
		Pass:   true,
		Action: uxstate.Action(obj["action"].(string)),
		Text:   strings.TrimSpace(text),
	}
}

func fail(kind failure.Kind, reason, detail string) Verdict {
	return Verdict{Kind: kind, Reason: reason, Detail: detail}
}

// decodeSingle parses exactly one JSON value.
func decodeSingle(s string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if err := dec.Decode(new(interface{})); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}
