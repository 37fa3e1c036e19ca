package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

// Memory is an in-memory Store. All operations hold a single mutex, which
// trivially satisfies the atomicity contract. Values are deep-copied on the
// way in and out so callers never share memory with the store.
type Memory struct {
	mu            sync.RWMutex
	workflows     map[string]*workflow.Workflow
	byContent     map[string]string // content id -> workflow id
	steps         map[string][]*workflow.Step
	transitions   map[string][]*workflow.Transition
	notifications []*workflow.Notification
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows:   make(map[string]*workflow.Workflow),
		byContent:   make(map[string]string),
		steps:       make(map[string][]*workflow.Step),
		transitions: make(map[string][]*workflow.Transition),
	}
}

// GetWorkflow returns a workflow by id.
func (m *Memory) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return copyWorkflow(wf), nil
}

// GetWorkflowByContent returns the workflow for a content item.
func (m *Memory) GetWorkflowByContent(ctx context.Context, contentID string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byContent[contentID]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return copyWorkflow(m.workflows[id]), nil
}

// GetSteps returns the steps of a workflow ordered by step order.
func (m *Memory) GetSteps(ctx context.Context, workflowID string) ([]*workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.workflows[workflowID]; !ok {
		return nil, workflow.ErrNotFound
	}

	steps := make([]*workflow.Step, 0, len(m.steps[workflowID]))
	for _, s := range m.steps[workflowID] {
		steps = append(steps, copyStep(s))
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps, nil
}

// GetTransitions returns the transition history ordered by creation time.
func (m *Memory) GetTransitions(ctx context.Context, workflowID string) ([]*workflow.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.workflows[workflowID]; !ok {
		return nil, workflow.ErrNotFound
	}

	trs := make([]*workflow.Transition, 0, len(m.transitions[workflowID]))
	for _, tr := range m.transitions[workflowID] {
		trs = append(trs, copyTransition(tr))
	}
	return trs, nil
}

// CreateWorkflow atomically inserts the workflow, steps, and initial
// transition.
func (m *Memory) CreateWorkflow(ctx context.Context, wf *workflow.Workflow, steps []*workflow.Step, initial *workflow.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byContent[wf.ContentID]; exists {
		return workflow.ErrAlreadyExists
	}

	m.workflows[wf.ID] = copyWorkflow(wf)
	m.byContent[wf.ContentID] = wf.ID
	for _, s := range steps {
		m.steps[wf.ID] = append(m.steps[wf.ID], copyStep(s))
	}
	if initial != nil {
		m.transitions[wf.ID] = append(m.transitions[wf.ID], copyTransition(initial))
	}
	return nil
}

// UpdateWorkflow atomically applies the patches and appends the transition.
func (m *Memory) UpdateWorkflow(ctx context.Context, id string, patch workflow.WorkflowPatch, stepPatches []workflow.StepPatch, tr *workflow.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return workflow.ErrNotFound
	}

	applyWorkflowPatch(wf, patch)

	for _, sp := range stepPatches {
		for _, s := range m.steps[id] {
			if s.Stage == sp.Stage {
				applyStepPatch(s, sp)
				break
			}
		}
	}

	if tr != nil {
		m.transitions[id] = append(m.transitions[id], copyTransition(tr))
	}
	return nil
}

// AppendNotification persists a notification record.
func (m *Memory) AppendNotification(ctx context.Context, n *workflow.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

// Notifications returns all persisted notification records. Test helper;
// the Postgres store exposes no equivalent.
func (m *Memory) Notifications() []*workflow.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*workflow.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// QueryWorkflows lists workflows matching the filter, newest first.
func (m *Memory) QueryWorkflows(ctx context.Context, f workflow.Filter, p workflow.Page) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*workflow.Workflow
	for _, wf := range m.workflows {
		if matchesFilter(wf, f) {
			matched = append(matched, copyWorkflow(wf))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if p.Offset > 0 {
		if p.Offset >= len(matched) {
			return []*workflow.Workflow{}, nil
		}
		matched = matched[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(matched) {
		matched = matched[:p.Limit]
	}
	return matched, nil
}

// CountByState returns the number of workflows per current state.
func (m *Memory) CountByState(ctx context.Context, f workflow.Filter) (map[workflow.State]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[workflow.State]int)
	for _, wf := range m.workflows {
		if matchesFilter(wf, f) {
			counts[wf.CurrentState]++
		}
	}
	return counts, nil
}

// AggregateSteps returns per-stage completion counts and average durations.
func (m *Memory) AggregateSteps(ctx context.Context, f workflow.Filter) ([]workflow.StepAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type acc struct {
		completed int
		failed    int
		total     time.Duration
	}
	byStage := make(map[workflow.State]*acc)

	for id, wf := range m.workflows {
		if !matchesFilter(wf, f) {
			continue
		}
		for _, s := range m.steps[id] {
			a := byStage[s.Stage]
			if a == nil {
				a = &acc{}
				byStage[s.Stage] = a
			}
			switch s.Status {
			case workflow.StepCompleted:
				a.completed++
				a.total += s.ActualDuration
			case workflow.StepFailed:
				a.failed++
			}
		}
	}

	aggs := make([]workflow.StepAggregate, 0, len(byStage))
	for stage, a := range byStage {
		agg := workflow.StepAggregate{
			Stage:     stage,
			Completed: a.completed,
			Failed:    a.failed,
		}
		if a.completed > 0 {
			agg.AverageDuration = a.total / time.Duration(a.completed)
		}
		aggs = append(aggs, agg)
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].Stage < aggs[j].Stage })
	return aggs, nil
}

func matchesFilter(wf *workflow.Workflow, f workflow.Filter) bool {
	if f.ContentID != "" && wf.ContentID != f.ContentID {
		return false
	}
	if f.State != "" && wf.CurrentState != f.State {
		return false
	}
	if f.Priority != "" && wf.Priority != f.Priority {
		return false
	}
	if !f.CreatedFrom.IsZero() && wf.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && wf.CreatedAt.After(f.CreatedTo) {
		return false
	}
	return true
}

func applyWorkflowPatch(wf *workflow.Workflow, patch workflow.WorkflowPatch) {
	if patch.CurrentState != nil {
		wf.CurrentState = *patch.CurrentState
	}
	if patch.PreviousState != nil {
		wf.PreviousState = *patch.PreviousState
	}
	if patch.CompletionPercentage != nil {
		wf.CompletionPercentage = *patch.CompletionPercentage
	}
	if patch.RetryCount != nil {
		wf.RetryCount = *patch.RetryCount
	}
	if patch.ErrorMessage != nil {
		wf.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ActualCompletionAt != nil {
		t := *patch.ActualCompletionAt
		wf.ActualCompletionAt = &t
	}
	if !patch.UpdatedAt.IsZero() {
		wf.UpdatedAt = patch.UpdatedAt
	}
}

func applyStepPatch(s *workflow.Step, sp workflow.StepPatch) {
	if sp.Status != nil {
		s.Status = *sp.Status
	}
	if sp.StartedAt != nil {
		t := *sp.StartedAt
		s.StartedAt = &t
	}
	if sp.CompletedAt != nil {
		t := *sp.CompletedAt
		s.CompletedAt = &t
	}
	if sp.ActualDuration != nil {
		s.ActualDuration = *sp.ActualDuration
	}
	if sp.QualityScore != nil {
		v := *sp.QualityScore
		s.QualityScore = &v
	}
	if sp.Output != nil {
		s.Output = append([]byte(nil), sp.Output...)
	}
	if sp.Feedback != nil {
		s.Feedback = *sp.Feedback
	}
}

func copyWorkflow(wf *workflow.Workflow) *workflow.Workflow {
	cp := *wf
	if wf.Metadata != nil {
		cp.Metadata = make(map[string]string, len(wf.Metadata))
		for k, v := range wf.Metadata {
			cp.Metadata[k] = v
		}
	}
	if wf.ActualCompletionAt != nil {
		t := *wf.ActualCompletionAt
		cp.ActualCompletionAt = &t
	}
	return &cp
}

func copyStep(s *workflow.Step) *workflow.Step {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.QualityScore != nil {
		v := *s.QualityScore
		cp.QualityScore = &v
	}
	if s.Output != nil {
		cp.Output = append([]byte(nil), s.Output...)
	}
	return &cp
}

func copyTransition(tr *workflow.Transition) *workflow.Transition {
	cp := *tr
	if tr.Metadata != nil {
		cp.Metadata = make(map[string]string, len(tr.Metadata))
		for k, v := range tr.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
