package workflow

import (
	"time"
)

// AgentType names the external executor class that performs an AI-backed
// stage. The engine treats agents as opaque; the type only routes the task.
type AgentType string

const (
	AgentResearch      AgentType = "RESEARCH_AGENT"
	AgentQualityReview AgentType = "QUALITY_REVIEW_AGENT"
	AgentContent       AgentType = "CONTENT_GENERATION_AGENT"
	AgentTranslation   AgentType = "TRANSLATION_AGENT"
)

// StageConfig declares one pipeline stage: how long it should take, who
// performs it, the quality bar, and where it leads.
type StageConfig struct {
	// Name is the stage name, identical to the workflow state it occupies.
	Name State

	// EstimatedDuration feeds the workflow's estimated completion timestamp
	// and the step records' estimates.
	EstimatedDuration time.Duration

	// RequiresHumanApproval stages are never auto-advanced; an external
	// actor must call TransitionWorkflow explicitly.
	RequiresHumanApproval bool

	// Agent is non-empty for AI-backed stages and routes task submission.
	Agent AgentType

	// QualityThreshold is the inclusive minimum score to advance. Nil means
	// the stage has no quality gate.
	QualityThreshold *int

	// NextOnSuccess lists valid forward targets; the first entry is the
	// success path taken by the quality gate.
	NextOnSuccess []State

	// CorrectionTarget is where a quality rejection sends the workflow.
	// Empty means rejections escalate to FAILED.
	CorrectionTarget State

	// AutoRetryOnFailure enables the retry manager for execution faults.
	AutoRetryOnFailure bool
}

// HasAgent reports whether the stage is performed by an external executor.
func (c StageConfig) HasAgent() bool {
	return c.Agent != ""
}

func threshold(v int) *int { return &v }

// DefaultStages returns the canonical pipeline in execution order. The
// asymmetric correction targets are deliberate: defects should be fixed as
// close as possible to where they were introduced, except when the research
// itself is bad, which invalidates everything downstream, so the first gate
// rejects to REJECTED and the pipeline restarts from RESEARCH.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{
			Name:               StateResearch,
			EstimatedDuration:  5 * time.Minute,
			Agent:              AgentResearch,
			QualityThreshold:   threshold(80),
			NextOnSuccess:      []State{StateAIReview},
			AutoRetryOnFailure: true,
		},
		{
			Name:               StateAIReview,
			EstimatedDuration:  2 * time.Minute,
			Agent:              AgentQualityReview,
			QualityThreshold:   threshold(85),
			NextOnSuccess:      []State{StateContentGeneration, StateRejected},
			CorrectionTarget:   StateRejected,
			AutoRetryOnFailure: true,
		},
		{
			Name:               StateContentGeneration,
			EstimatedDuration:  10 * time.Minute,
			Agent:              AgentContent,
			QualityThreshold:   threshold(80),
			NextOnSuccess:      []State{StateAIReviewContent},
			AutoRetryOnFailure: true,
		},
		{
			Name:               StateAIReviewContent,
			EstimatedDuration:  2 * time.Minute,
			Agent:              AgentQualityReview,
			QualityThreshold:   threshold(85),
			NextOnSuccess:      []State{StateTranslation, StateRejected},
			CorrectionTarget:   StateContentGeneration,
			AutoRetryOnFailure: true,
		},
		{
			Name:               StateTranslation,
			EstimatedDuration:  15 * time.Minute,
			Agent:              AgentTranslation,
			QualityThreshold:   threshold(75),
			NextOnSuccess:      []State{StateAIReviewTranslation},
			AutoRetryOnFailure: true,
		},
		{
			Name:               StateAIReviewTranslation,
			EstimatedDuration:  2 * time.Minute,
			Agent:              AgentQualityReview,
			QualityThreshold:   threshold(85),
			NextOnSuccess:      []State{StateHumanApproval, StateRejected},
			CorrectionTarget:   StateTranslation,
			AutoRetryOnFailure: true,
		},
		{
			Name:                  StateHumanApproval,
			EstimatedDuration:     30 * time.Minute,
			RequiresHumanApproval: true,
			QualityThreshold:      threshold(90),
			NextOnSuccess:         []State{StatePublished, StateRejected},
		},
	}
}

// completionPercent maps each state to its derived completion percentage.
// REJECTED is 100 because the cycle it closed is complete, even though the
// workflow restarts; FAILED is 0.
var completionPercent = map[State]int{
	StateResearch:            15,
	StateAIReview:            25,
	StateContentGeneration:   40,
	StateAIReviewContent:     55,
	StateTranslation:         70,
	StateAIReviewTranslation: 85,
	StateHumanApproval:       95,
	StatePublished:           100,
	StateRejected:            100,
	StateFailed:              0,
}

// Table is the immutable stage table plus the adjacency map derived from
// it. It is safe for concurrent reads; build one at startup and share it.
type Table struct {
	stages    []StageConfig
	byName    map[State]StageConfig
	adjacency map[State][]State
}

// NewTable builds a Table from the given stage configs. Pass
// DefaultStages() for the canonical pipeline.
func NewTable(stages []StageConfig) *Table {
	t := &Table{
		stages:    stages,
		byName:    make(map[State]StageConfig, len(stages)),
		adjacency: make(map[State][]State),
	}

	for _, sc := range stages {
		t.byName[sc.Name] = sc

		edges := append([]State(nil), sc.NextOnSuccess...)
		if sc.CorrectionTarget != "" {
			edges = appendUnique(edges, sc.CorrectionTarget)
		}
		// Every machine-driven stage can fault into FAILED. Human-gated
		// stages cannot: a reviewer decides PUBLISHED or REJECTED.
		if !sc.RequiresHumanApproval {
			edges = appendUnique(edges, StateFailed)
		}
		t.adjacency[sc.Name] = edges
	}

	// REJECTED restarts the pipeline; PUBLISHED and FAILED are terminal.
	t.adjacency[StateRejected] = []State{StateResearch}
	t.adjacency[StatePublished] = nil
	t.adjacency[StateFailed] = nil

	return t
}

// Stages returns the stage configs in execution order.
func (t *Table) Stages() []StageConfig {
	return t.stages
}

// Stage looks up the config for a stage name.
func (t *Table) Stage(name State) (StageConfig, bool) {
	sc, ok := t.byName[name]
	return sc, ok
}

// IsValidTransition reports whether from → to is in the adjacency map.
// Self-loops are never valid; terminal states have no outgoing edges.
func (t *Table) IsValidTransition(from, to State) bool {
	for _, next := range t.adjacency[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no outgoing transitions.
func (t *Table) Terminal(s State) bool {
	return s == StatePublished || s == StateFailed
}

// CompletionPercent returns the derived completion percentage for a state.
func (t *Table) CompletionPercent(s State) int {
	return completionPercent[s]
}

// EstimatedPipelineDuration sums the stage estimates for a single clean
// pass through the pipeline.
func (t *Table) EstimatedPipelineDuration() time.Duration {
	var total time.Duration
	for _, sc := range t.stages {
		total += sc.EstimatedDuration
	}
	return total
}

func appendUnique(states []State, s State) []State {
	for _, existing := range states {
		if existing == s {
			return states
		}
	}
	return append(states, s)
}
