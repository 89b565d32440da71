// Package uxstate maps a pipeline outcome to the single external state a
// client sees: UX state, action, HTTP status, optional cooldown and fixed copy.
package uxstate

import (
	"math"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/failure"
)

// State is the externally reported UX state.
type State string

const (
	StateOK            State = "OK"
	StateRateLimited   State = "RATE_LIMITED"
	StateQuotaExceeded State = "QUOTA_EXCEEDED"
	StateDegraded      State = "DEGRADED"
	StateError         State = "ERROR"
	StateBlocked       State = "BLOCKED"
)

// Action tells the client what kind of turn it received.
type Action string

const (
	ActionAnswer         Action = "ANSWER"
	ActionAnswerDegraded Action = "ANSWER_DEGRADED"
	ActionAskOneQuestion Action = "ASK_ONE_QUESTION"
	ActionAskClarify     Action = "ASK_CLARIFY"
	ActionRefuse         Action = "REFUSE"
	ActionClose          Action = "CLOSE"
	ActionBlock          Action = "BLOCK"
	ActionFallback       Action = "FALLBACK"
	ActionFailGracefully Action = "FAIL_GRACEFULLY"
)

// Terminal reports whether the conversation should not continue.
func (a Action) Terminal() bool {
	return a == ActionRefuse || a == ActionClose || a == ActionBlock
}

var modelActions = []Action{ActionAnswer, ActionAskOneQuestion, ActionAskClarify, ActionRefuse, ActionClose}

// ModelActions lists the actions a model may propose.
func ModelActions() []Action { return append([]Action(nil), modelActions...) }

// ParseModelAction validates a model-proposed action.
func ParseModelAction(s string) (Action, bool) {
	for _, a := range modelActions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Outcome is what the pipeline produced. A nil Failure means success.
type Outcome struct {
	Action  Action
	Text    string
	Failure *failure.Failure
}

// Mapping is the external contract for one response.
type Mapping struct {
	State         State
	Action        Action
	HTTPStatus    int
	Cooldown      time.Duration
	HasCooldown   bool
	Text          string
	FailureType   string
	FailureReason string
}

// CooldownSeconds returns the cooldown in whole seconds, rounded up and at
// least one, or zero when the mapping has no cooldown.
func (m Mapping) CooldownSeconds() int {
	if !m.HasCooldown {
		return 0
	}
	secs := int(math.Ceil(m.Cooldown.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type rule struct {
	state    State
	action   Action
	status   int
	cooldown bool
	text     string
}

var rules = map[failure.Kind]rule{
	failure.KindRateLimited: {StateRateLimited, ActionFailGracefully, http.StatusTooManyRequests, true,
		"You're sending messages faster than we can answer. Please wait a moment and try again."},
	failure.KindBudgetExceeded: {StateQuotaExceeded, ActionFailGracefully, http.StatusTooManyRequests, true,
		"You've reached today's usage limit. Please come back later."},
	failure.KindProviderUnavailable: {StateDegraded, ActionFallback, http.StatusServiceUnavailable, true,
		"The assistant is temporarily unavailable. Please try again shortly."},
	failure.KindProviderTimeout: {StateDegraded, ActionFallback, http.StatusServiceUnavailable, false,
		"The assistant took too long to respond. Please try again."},
	failure.KindProviderError: {StateError, ActionFallback, http.StatusServiceUnavailable, false,
		"The assistant ran into a problem. Please try again."},
	failure.KindSchemaMismatch: {StateDegraded, ActionAskClarify, http.StatusOK, false,
		"Sorry, I didn't quite get that. Could you rephrase your message?"},
	failure.KindNonJSONResponse: {StateDegraded, ActionAnswerDegraded, http.StatusOK, false,
		"I couldn't put together a full answer this time. Please try asking again in a different way."},
	failure.KindSafetyBlock: {StateBlocked, ActionBlock, http.StatusOK, false,
		"I can't help with that request."},
	failure.KindUnexpected: {StateError, ActionFailGracefully, http.StatusInternalServerError, false,
		"Something went wrong on our side. Please try again later."},
}

// Mapper converts outcomes into mappings. It is stateless.
type Mapper struct{}

// NewMapper returns a Mapper.
func NewMapper() *Mapper { return &Mapper{} }

// Map returns exactly one mapping for o.
func (m *Mapper) Map(o Outcome) Mapping {
	if o.Failure == nil {
		action := o.Action
		if action == "" {
			action = ActionAnswer
		}
		return Mapping{State: StateOK, Action: action, HTTPStatus: http.StatusOK, Text: o.Text}
	}

	f := o.Failure
	r, ok := rules[f.Kind]
	if !ok {
		r = rules[failure.KindUnexpected]
		f = failure.New(failure.KindUnexpected, failure.ReasonUnclassified)
	}

	out := Mapping{
		State:         r.state,
		Action:        r.action,
		HTTPStatus:    r.status,
		Text:          r.text,
		FailureType:   f.Kind.String(),
		FailureReason: f.Reason,
	}
	// Safety refusals carry the envelope's pre-approved message for the reason.
	if f.Kind == failure.KindSafetyBlock && o.Text != "" {
		out.Text = o.Text
	}
	if r.cooldown {
		out.HasCooldown = true
		out.Cooldown = f.RetryAfter
		if out.Cooldown < time.Second {
			out.Cooldown = time.Second
		}
	}
	return out
}

// DefaultText returns the fixed copy for a failure kind.
func DefaultText(k failure.Kind) string {
	if r, ok := rules[k]; ok {
		return r.text
	}
	return rules[failure.KindUnexpected].text
}
