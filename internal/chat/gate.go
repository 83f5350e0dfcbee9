package chat

import (
	"fmt"

	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/internal/storage/models"
)

// GateDecision is what the confidence gate did to an answer. When Gated is
// true the original answer is preserved in OriginalAnswer and Replacement
// carries the text shown to the visitor.
type GateDecision struct {
	Gated          bool
	Reason         string
	Replacement    string
	OriginalAnswer string
}

// AggregateConfidence averages per-source confidence. With no sources it
// returns 1: absence of evidence is not penalized here; the policy's
// MinSourceCount is the knob that gates source-less answers.
func AggregateConfidence(sourceScores []float64) float64 {
	if len(sourceScores) == 0 {
		return 1.0
	}

	var sum float64
	for _, score := range sourceScores {
		sum += score
	}
	return sum / float64(len(sourceScores))
}

// EvaluateGate applies the tenant's confidence policy to a finished answer.
// Pure post-processing: it never retries or re-queries anything.
func EvaluateGate(answer string, aggregateConfidence float64, sourceCount int, policy *models.ConfidencePolicy) *GateDecision {
	lowConfidence := aggregateConfidence < policy.MinAnswerConfidence
	tooFewSources := sourceCount < policy.MinSourceCount

	if !lowConfidence && !tooFewSources {
		return &GateDecision{}
	}

	var reason string
	switch {
	case lowConfidence && tooFewSources:
		reason = fmt.Sprintf("aggregate confidence %.2f below %.2f and only %d of %d required sources",
			aggregateConfidence, policy.MinAnswerConfidence, sourceCount, policy.MinSourceCount)
	case lowConfidence:
		reason = fmt.Sprintf("aggregate confidence %.2f below %.2f", aggregateConfidence, policy.MinAnswerConfidence)
	default:
		reason = fmt.Sprintf("only %d of %d required sources", sourceCount, policy.MinSourceCount)
	}

	metrics.GateFired.WithLabelValues(string(policy.LowConfidenceAction)).Inc()

	return &GateDecision{
		Gated:          true,
		Reason:         reason,
		Replacement:    replacementFor(policy.LowConfidenceAction, answer),
		OriginalAnswer: answer,
	}
}

func replacementFor(action models.LowConfidenceAction, answer string) string {
	switch action {
	case models.ActionRefuse:
		return "I'm sorry, I'm not confident enough in my sources to answer that properly. Let me double-check with the team and get back to you."
	case models.ActionClarify:
		return "I want to make sure I get this right. Could you share a bit more detail about what you're looking for?"
	case models.ActionEscalate:
		return "This one is better handled by a person. Would you like me to connect you with the team?"
	default:
		// SOFT_ANSWER keeps the answer visible behind a disclaimer.
		return "I'm not fully certain about this, so please double-check: " + answer
	}
}
