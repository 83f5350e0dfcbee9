package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitechat/backend/internal/storage/models"
)

func TestAggregateConfidence(t *testing.T) {
	assert.Equal(t, 1.0, AggregateConfidence(nil))
	assert.Equal(t, 1.0, AggregateConfidence([]float64{}))
	assert.InDelta(t, 0.6, AggregateConfidence([]float64{0.4, 0.8}), 0.001)
	assert.InDelta(t, 0.5, AggregateConfidence([]float64{0.5}), 0.001)
}

func TestEvaluateGatePasses(t *testing.T) {
	policy := models.DefaultConfidencePolicy("conn-1")

	decision := EvaluateGate("The refund window is 30 days.", 0.8, 1, policy)

	assert.False(t, decision.Gated)
	assert.Empty(t, decision.Replacement)
}

func TestEvaluateGateLowConfidence(t *testing.T) {
	policy := models.DefaultConfidencePolicy("conn-1")

	decision := EvaluateGate("Maybe 30 days?", 0.5, 2, policy)

	require.True(t, decision.Gated)
	assert.Contains(t, decision.Reason, "aggregate confidence 0.50 below 0.65")
	assert.Equal(t, "Maybe 30 days?", decision.OriginalAnswer)
	assert.Contains(t, decision.Replacement, "please double-check: Maybe 30 days?")
}

func TestEvaluateGateTooFewSources(t *testing.T) {
	// Confident but source-less: the default MinSourceCount of 1 still gates,
	// covering the no-sources aggregate of 1.0.
	policy := models.DefaultConfidencePolicy("conn-1")

	decision := EvaluateGate("Trust me.", 1.0, 0, policy)

	require.True(t, decision.Gated)
	assert.Contains(t, decision.Reason, "only 0 of 1 required sources")
}

func TestEvaluateGateBothReasons(t *testing.T) {
	policy := models.DefaultConfidencePolicy("conn-1")
	policy.MinSourceCount = 2

	decision := EvaluateGate("Hmm.", 0.3, 1, policy)

	require.True(t, decision.Gated)
	assert.Contains(t, decision.Reason, "below 0.65")
	assert.Contains(t, decision.Reason, "1 of 2 required sources")
}

func TestEvaluateGateActions(t *testing.T) {
	cases := []struct {
		action   models.LowConfidenceAction
		contains string
	}{
		{models.ActionRefuse, "not confident enough"},
		{models.ActionClarify, "bit more detail"},
		{models.ActionEscalate, "connect you with the team"},
		{models.ActionSoftAnswer, "please double-check"},
	}

	for _, tc := range cases {
		policy := models.DefaultConfidencePolicy("conn-1")
		policy.LowConfidenceAction = tc.action

		decision := EvaluateGate("answer", 0.1, 0, policy)

		require.True(t, decision.Gated)
		assert.Contains(t, decision.Replacement, tc.contains, string(tc.action))
	}
}

func TestEvaluateGateZeroSourceCountPolicy(t *testing.T) {
	// A tenant that explicitly allows source-less answers.
	policy := models.DefaultConfidencePolicy("conn-1")
	policy.MinSourceCount = 0

	decision := EvaluateGate("General greeting.", 1.0, 0, policy)

	assert.False(t, decision.Gated)
}
