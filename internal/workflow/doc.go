// Package workflow defines the content workflow domain model: states,
// pipeline stages, quality gates, and the records the engine persists.
//
// The package is pure: it has no I/O and no dependency on the store or
// engine. The stage table (Table) is the single source of truth for valid
// transitions, quality thresholds, and completion percentages; both the
// transition validator and the quality gate evaluator derive from it.
//
// Pipeline shape:
//
//	RESEARCH → AI_REVIEW → CONTENT_GENERATION → AI_REVIEW_CONTENT →
//	TRANSLATION → AI_REVIEW_TRANSLATION → HUMAN_APPROVAL → PUBLISHED
//
// Three correction paths exist by design: AI_REVIEW_CONTENT can loop back to
// CONTENT_GENERATION, AI_REVIEW_TRANSLATION can loop back to TRANSLATION,
// and REJECTED restarts the whole pipeline at RESEARCH. PUBLISHED and FAILED
// are terminal.
package workflow
