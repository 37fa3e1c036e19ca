package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTable_StageLookup(t *testing.T) {
	table := NewTable(DefaultStages())

	sc, ok := table.Stage(StateResearch)
	require.True(t, ok)
	assert.Equal(t, AgentResearch, sc.Agent)
	assert.True(t, sc.HasAgent())
	require.NotNil(t, sc.QualityThreshold)
	assert.Equal(t, 80, *sc.QualityThreshold)

	_, ok = table.Stage(StatePublished)
	assert.False(t, ok, "terminal states are not stages")
}

func TestTable_IsValidTransition_ForwardPath(t *testing.T) {
	table := NewTable(DefaultStages())

	forward := []struct {
		from, to State
	}{
		{StateResearch, StateAIReview},
		{StateAIReview, StateContentGeneration},
		{StateContentGeneration, StateAIReviewContent},
		{StateAIReviewContent, StateTranslation},
		{StateTranslation, StateAIReviewTranslation},
		{StateAIReviewTranslation, StateHumanApproval},
		{StateHumanApproval, StatePublished},
		{StateHumanApproval, StateRejected},
	}

	for _, tc := range forward {
		assert.True(t, table.IsValidTransition(tc.from, tc.to),
			"%s -> %s should be valid", tc.from, tc.to)
	}
}

func TestTable_IsValidTransition_CorrectionLoops(t *testing.T) {
	table := NewTable(DefaultStages())

	assert.True(t, table.IsValidTransition(StateAIReviewContent, StateContentGeneration),
		"content review must be able to loop back for regeneration")
	assert.True(t, table.IsValidTransition(StateAIReviewTranslation, StateTranslation),
		"translation review must be able to loop back for retranslation")
	assert.True(t, table.IsValidTransition(StateRejected, StateResearch),
		"REJECTED is a restart point, not terminal")
}

func TestTable_IsValidTransition_NoSelfLoops(t *testing.T) {
	table := NewTable(DefaultStages())

	all := []State{
		StateResearch, StateAIReview, StateContentGeneration,
		StateAIReviewContent, StateTranslation, StateAIReviewTranslation,
		StateHumanApproval, StatePublished, StateRejected, StateFailed,
	}
	for _, s := range all {
		assert.False(t, table.IsValidTransition(s, s), "self-loop on %s", s)
	}
}

func TestTable_IsValidTransition_TerminalStates(t *testing.T) {
	table := NewTable(DefaultStages())

	targets := []State{
		StateResearch, StateAIReview, StateContentGeneration,
		StateAIReviewContent, StateTranslation, StateAIReviewTranslation,
		StateHumanApproval, StatePublished, StateRejected, StateFailed,
	}
	for _, to := range targets {
		assert.False(t, table.IsValidTransition(StatePublished, to),
			"PUBLISHED -> %s must be invalid", to)
		assert.False(t, table.IsValidTransition(StateFailed, to),
			"FAILED -> %s must be invalid", to)
	}

	assert.True(t, table.Terminal(StatePublished))
	assert.True(t, table.Terminal(StateFailed))
	assert.False(t, table.Terminal(StateRejected))
}

func TestTable_IsValidTransition_NoSkipping(t *testing.T) {
	table := NewTable(DefaultStages())

	assert.False(t, table.IsValidTransition(StateResearch, StateContentGeneration))
	assert.False(t, table.IsValidTransition(StateResearch, StatePublished))
	assert.False(t, table.IsValidTransition(StateTranslation, StateHumanApproval))
	assert.False(t, table.IsValidTransition(StateHumanApproval, StateFailed),
		"human-gated stages cannot fault into FAILED")
}

func TestTable_CompletionPercent(t *testing.T) {
	table := NewTable(DefaultStages())

	assert.Equal(t, 15, table.CompletionPercent(StateResearch))
	assert.Equal(t, 40, table.CompletionPercent(StateContentGeneration))
	assert.Equal(t, 95, table.CompletionPercent(StateHumanApproval))
	assert.Equal(t, 100, table.CompletionPercent(StatePublished))
	assert.Equal(t, 100, table.CompletionPercent(StateRejected))
	assert.Equal(t, 0, table.CompletionPercent(StateFailed))
}

func TestTable_EstimatedPipelineDuration(t *testing.T) {
	table := NewTable(DefaultStages())

	// 5 + 2 + 10 + 2 + 15 + 2 + 30 minutes
	assert.Equal(t, 66*time.Minute, table.EstimatedPipelineDuration())
}

func TestWorkflow_Terminal(t *testing.T) {
	assert.True(t, (&Workflow{CurrentState: StatePublished}).Terminal())
	assert.True(t, (&Workflow{CurrentState: StateFailed}).Terminal())
	assert.False(t, (&Workflow{CurrentState: StateRejected}).Terminal())
	assert.False(t, (&Workflow{CurrentState: StateResearch}).Terminal())
}
