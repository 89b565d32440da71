package llm

import (
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/uxstate"
)

// MaxPlanPoints bounds the points forwarded to expression.
const MaxPlanPoints = 8

// NewPlan builds the expression input from a directive and the projected
// session hypotheses. Only an aggregate confidence band crosses over.
func NewPlan(d Directive, projected []session.Hypothesis) ExpressionPlan {
	action := d.Action
	if action == "" {
		action = uxstate.ActionAnswer
	}
	points := d.Points
	if len(points) > MaxPlanPoints {
		points = points[:MaxPlanPoints]
	}
	return ExpressionPlan{
		Action:     action,
		Goal:       d.Goal,
		Points:     append([]string(nil), points...),
		Confidence: Band(d.Confidence, projected),
	}
}

// Band blends the directive confidence with the mean net support of the
// hypotheses (support minus refute, mapped to [0, 1]).
func Band(confidence float64, hyps []session.Hypothesis) ConfidenceBand {
	score := confidence
	if len(hyps) > 0 {
		var net float64
		for _, h := range hyps {
			net += h.Support - h.Refute
		}
		mean := net / float64(len(hyps)) // in [-2, 2]
		score = (confidence + (mean+2)/4) / 2
	}
	switch {
	case score >= 0.7:
		return ConfidenceHigh
	case score >= 0.4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
