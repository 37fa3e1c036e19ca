package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contentd/internal/executor"
	"github.com/fyrsmithlabs/contentd/internal/notify"
	"github.com/fyrsmithlabs/contentd/internal/store"
	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

// manualScheduler captures scheduled callbacks so tests control exactly when
// deferred work (auto-advance, retries) runs.
type manualScheduler struct {
	mu    sync.Mutex
	queue []func()
}

func (m *manualScheduler) schedule(_ time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fn)
}

// pump runs queued callbacks, including ones they enqueue, until drained.
func (m *manualScheduler) pump() {
	for m.step() {
	}
}

// step runs the oldest queued callback, reporting whether one existed.
func (m *manualScheduler) step() bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	fn := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()
	fn()
	return true
}

func (m *manualScheduler) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// fakeClock advances one second per reading so durations are non-zero and
// deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testHarness struct {
	svc   *Service
	store *store.Memory
	exec  *executor.Fake
	sched *manualScheduler
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	mem := store.NewMemory()
	fake := executor.NewFake()
	sched := &manualScheduler{}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	dispatcher, err := notify.NewDispatcher(mem, nil, zap.NewNop())
	require.NoError(t, err)

	table := workflow.NewTable(workflow.DefaultStages())
	svc, err := NewService(DefaultConfig(), table, mem, fake, dispatcher, zap.NewNop())
	require.NoError(t, err)

	svc.schedule = sched.schedule
	svc.now = clock.now

	return &testHarness{svc: svc, store: mem, exec: fake, sched: sched}
}

func (h *testHarness) create(t *testing.T, contentID string) *workflow.Workflow {
	t.Helper()
	wf, err := h.svc.CreateWorkflow(context.Background(), CreateRequest{
		ContentID:  contentID,
		ReviewerID: "reviewer-1",
	})
	require.NoError(t, err)
	h.sched.pump()
	return wf
}

// completeCurrent reports the given score for the workflow's current stage
// and drains any scheduled follow-up work.
func (h *testHarness) completeCurrent(t *testing.T, id string, score int) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()

	wf, err := h.svc.GetWorkflow(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.svc.CompleteAIStep(ctx, id, wf.CurrentState, score, []byte(`{"ok":true}`)))
	h.sched.pump()

	wf, err = h.svc.GetWorkflow(ctx, id)
	require.NoError(t, err)
	return wf
}

func TestCreateWorkflow_InitialState(t *testing.T) {
	h := newTestHarness(t)
	wf := h.create(t, "article-1")

	assert.Equal(t, workflow.StateResearch, wf.CurrentState)
	assert.Equal(t, 15, wf.CompletionPercentage)
	assert.Equal(t, 3, wf.MaxRetries)
	assert.Equal(t, workflow.PriorityNormal, wf.Priority)
	assert.Equal(t, "ARTICLE_PUBLISHING", wf.Type)
	assert.False(t, wf.EstimatedCompletionAt.IsZero())

	steps, err := h.svc.GetSteps(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 7)
	assert.Equal(t, workflow.StepInProgress, steps[0].Status)
	for _, s := range steps[1:] {
		assert.Equal(t, workflow.StepPending, s.Status)
	}

	history, err := h.svc.History(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Empty(t, history[0].FromState)
	assert.Equal(t, workflow.StateResearch, history[0].ToState)

	// Creation auto-submits the research task.
	task, ok := h.exec.Last()
	require.True(t, ok)
	assert.Equal(t, workflow.StateResearch, task.Stage)
	assert.Equal(t, workflow.AgentResearch, task.Agent)
}

func TestCreateWorkflow_DuplicateContent(t *testing.T) {
	h := newTestHarness(t)
	h.create(t, "article-1")

	_, err := h.svc.CreateWorkflow(context.Background(), CreateRequest{ContentID: "article-1"})
	assert.ErrorIs(t, err, workflow.ErrAlreadyExists)
}

func TestHappyPath_ResearchToPublished(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	wf = h.completeCurrent(t, wf.ID, 90) // RESEARCH
	assert.Equal(t, workflow.StateAIReview, wf.CurrentState)
	assert.Equal(t, 25, wf.CompletionPercentage)

	wf = h.completeCurrent(t, wf.ID, 90) // AI_REVIEW
	assert.Equal(t, workflow.StateContentGeneration, wf.CurrentState)

	wf = h.completeCurrent(t, wf.ID, 90) // CONTENT_GENERATION
	assert.Equal(t, workflow.StateAIReviewContent, wf.CurrentState)

	wf = h.completeCurrent(t, wf.ID, 90) // AI_REVIEW_CONTENT
	assert.Equal(t, workflow.StateTranslation, wf.CurrentState)

	wf = h.completeCurrent(t, wf.ID, 90) // TRANSLATION
	assert.Equal(t, workflow.StateAIReviewTranslation, wf.CurrentState)

	wf = h.completeCurrent(t, wf.ID, 90) // AI_REVIEW_TRANSLATION
	assert.Equal(t, workflow.StateHumanApproval, wf.CurrentState)
	assert.Equal(t, 95, wf.CompletionPercentage)

	// Human-gated: no task was submitted for HUMAN_APPROVAL.
	for _, task := range h.exec.Tasks() {
		assert.NotEqual(t, workflow.StateHumanApproval, task.Stage)
	}

	wf, err := h.svc.TransitionWorkflow(ctx, TransitionRequest{
		WorkflowID: wf.ID,
		ToState:    workflow.StatePublished,
		Actor:      "reviewer-1",
		Reason:     "approved",
	})
	require.NoError(t, err)
	h.sched.pump()

	assert.Equal(t, workflow.StatePublished, wf.CurrentState)
	assert.Equal(t, 100, wf.CompletionPercentage)
	assert.True(t, wf.Terminal())
	require.NotNil(t, wf.ActualCompletionAt)

	history, err := h.svc.History(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, history, 8, "initial transition plus seven state changes")

	last := history[len(history)-1]
	assert.Equal(t, workflow.TransitionManual, last.Type)
	assert.Equal(t, "reviewer-1", last.TriggeredBy)

	steps, err := h.svc.GetSteps(ctx, wf.ID)
	require.NoError(t, err)
	for _, s := range steps[:6] {
		assert.Equal(t, workflow.StepCompleted, s.Status, string(s.Stage))
		require.NotNil(t, s.QualityScore, string(s.Stage))
		assert.Equal(t, 90, *s.QualityScore)
		assert.Greater(t, s.ActualDuration, time.Duration(0))
	}
}

func TestQualityGate_ContentReviewLoopsBack(t *testing.T) {
	h := newTestHarness(t)
	wf := h.create(t, "article-1")

	h.completeCurrent(t, wf.ID, 90) // RESEARCH
	h.completeCurrent(t, wf.ID, 90) // AI_REVIEW
	h.completeCurrent(t, wf.ID, 90) // CONTENT_GENERATION

	// AI_REVIEW_CONTENT threshold is 85; 84 fails and loops back.
	got := h.completeCurrent(t, wf.ID, 84)
	assert.Equal(t, workflow.StateContentGeneration, got.CurrentState)
	assert.Equal(t, 40, got.CompletionPercentage)

	// Loop-back re-activated content generation.
	task, ok := h.exec.Last()
	require.True(t, ok)
	assert.Equal(t, workflow.StateContentGeneration, task.Stage)

	// Threshold is inclusive: exactly 85 passes on the next round.
	got = h.completeCurrent(t, wf.ID, 90)
	assert.Equal(t, workflow.StateAIReviewContent, got.CurrentState)
	got = h.completeCurrent(t, wf.ID, 85)
	assert.Equal(t, workflow.StateTranslation, got.CurrentState)
}

func TestQualityGate_FirstReviewRejects(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	h.completeCurrent(t, wf.ID, 90) // RESEARCH

	// AI_REVIEW has no upstream correction target: failure rejects outright.
	got := h.completeCurrent(t, wf.ID, 84)
	assert.Equal(t, workflow.StateRejected, got.CurrentState)
	assert.Equal(t, 100, got.CompletionPercentage)
	assert.False(t, got.Terminal(), "REJECTED is a restart point, not terminal")

	// REJECTED waits for manual intervention; restart goes back to RESEARCH.
	got, err := h.svc.TransitionWorkflow(ctx, TransitionRequest{
		WorkflowID: wf.ID,
		ToState:    workflow.StateResearch,
		Actor:      "editor-1",
		Reason:     "restarting after rejection",
	})
	require.NoError(t, err)
	h.sched.pump()
	assert.Equal(t, workflow.StateResearch, got.CurrentState)
	assert.Equal(t, 15, got.CompletionPercentage)
}

func TestRetry_RecoversWithinBudget(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	// Two consecutive submit faults, then recovery.
	h.exec.FailWith(errors.New("agent unavailable"))
	require.NoError(t, h.svc.ActivateStep(ctx, wf.ID))
	require.Equal(t, 1, h.sched.pending(), "retry scheduled")

	got, err := h.svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "agent unavailable")

	h.sched.step() // second attempt faults too, schedules another retry
	h.exec.FailWith(nil)
	h.sched.pump() // third attempt succeeds

	got, err = h.svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateResearch, got.CurrentState)
	assert.Equal(t, 2, got.RetryCount)
	assert.False(t, got.Terminal())
}

func TestRetry_ExhaustionFailsPermanently(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	h.exec.FailWith(errors.New("agent unavailable"))
	require.NoError(t, h.svc.ActivateStep(ctx, wf.ID))
	h.sched.pump() // attempts 2 and 3 fault; third exhausts the budget

	got, err := h.svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, got.CurrentState)
	assert.True(t, got.Terminal())
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 0, got.CompletionPercentage)
	assert.True(t, strings.HasPrefix(got.ErrorMessage, "max retries exceeded:"), got.ErrorMessage)

	steps, err := h.svc.GetSteps(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepFailed, steps[0].Status)

	history, err := h.svc.History(ctx, wf.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, workflow.StateFailed, last.ToState)
	assert.Contains(t, last.Reason, "max retries exceeded")
}

func TestCompleteAIStep_StaleResultIgnored(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	h.completeCurrent(t, wf.ID, 90) // now at AI_REVIEW

	// A late (re-delivered) RESEARCH result must change nothing.
	require.NoError(t, h.svc.CompleteAIStep(ctx, wf.ID, workflow.StateResearch, 10, nil))
	h.sched.pump()

	got, err := h.svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAIReview, got.CurrentState)

	history, err := h.svc.History(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "stale result appends no transition")
}

func TestCompleteAIStep_Idempotent(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	require.NoError(t, h.svc.CompleteAIStep(ctx, wf.ID, workflow.StateResearch, 90, nil))
	// Duplicate delivery: workflow already left RESEARCH, so this is a no-op.
	require.NoError(t, h.svc.CompleteAIStep(ctx, wf.ID, workflow.StateResearch, 90, nil))
	h.sched.pump()

	history, err := h.svc.History(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestTransitionWorkflow_RejectsInvalidEdge(t *testing.T) {
	h := newTestHarness(t)
	wf := h.create(t, "article-1")

	_, err := h.svc.TransitionWorkflow(context.Background(), TransitionRequest{
		WorkflowID: wf.ID,
		ToState:    workflow.StatePublished,
	})

	var invalid *workflow.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, workflow.StateResearch, invalid.From)
	assert.Equal(t, workflow.StatePublished, invalid.To)
}

func TestTransitionWorkflow_TerminalHasNoExit(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	for range 6 {
		h.completeCurrent(t, wf.ID, 95)
	}
	_, err := h.svc.TransitionWorkflow(ctx, TransitionRequest{
		WorkflowID: wf.ID,
		ToState:    workflow.StatePublished,
		Actor:      "reviewer-1",
	})
	require.NoError(t, err)
	h.sched.pump()

	_, err = h.svc.TransitionWorkflow(ctx, TransitionRequest{
		WorkflowID: wf.ID,
		ToState:    workflow.StateResearch,
	})
	var invalid *workflow.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestTransitionWorkflow_NotifiesAssignedReviewer(t *testing.T) {
	h := newTestHarness(t)
	wf := h.create(t, "article-1")

	h.completeCurrent(t, wf.ID, 90)

	notifications := h.store.Notifications()
	require.NotEmpty(t, notifications)
	n := notifications[len(notifications)-1]
	assert.Equal(t, "reviewer-1", n.RecipientID)
	assert.Equal(t, wf.ID, n.WorkflowID)
	assert.Equal(t, workflow.ChannelInApp, n.Channel)
	assert.Contains(t, n.Message, string(workflow.StateAIReview))
}

func TestTransitionWorkflow_RecordsFeedbackOnStep(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	for range 6 {
		h.completeCurrent(t, wf.ID, 95)
	}

	_, err := h.svc.TransitionWorkflow(ctx, TransitionRequest{
		WorkflowID: wf.ID,
		ToState:    workflow.StateRejected,
		Actor:      "reviewer-1",
		Feedback:   "tone is off for the target market",
	})
	require.NoError(t, err)
	h.sched.pump()

	steps, err := h.svc.GetSteps(ctx, wf.ID)
	require.NoError(t, err)
	var approval *workflow.Step
	for _, s := range steps {
		if s.Stage == workflow.StateHumanApproval {
			approval = s
		}
	}
	require.NotNil(t, approval)
	assert.Equal(t, workflow.StepCompleted, approval.Status)
	assert.Equal(t, "tone is off for the target market", approval.Feedback)
}

func TestConcurrentCompletions_OneWins(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wf := h.create(t, "article-1")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.svc.CompleteAIStep(ctx, wf.ID, workflow.StateResearch, 90, nil)
		}()
	}
	wg.Wait()
	h.sched.pump()

	got, err := h.svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAIReview, got.CurrentState)

	history, err := h.svc.History(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "exactly one completion wins")
}

func TestNewService_Validation(t *testing.T) {
	mem := store.NewMemory()
	table := workflow.NewTable(workflow.DefaultStages())

	_, err := NewService(DefaultConfig(), nil, mem, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewService(DefaultConfig(), table, nil, nil, nil, nil)
	assert.Error(t, err)

	svc, err := NewService(Config{}, table, mem, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, svc.cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, svc.cfg.RetryBackoff)
	assert.Equal(t, workflow.PriorityNormal, svc.cfg.DefaultPriority)
}

func TestRetryDelay_Backoff(t *testing.T) {
	mem := store.NewMemory()
	table := workflow.NewTable(workflow.DefaultStages())

	cfg := DefaultConfig()
	svc, err := NewService(cfg, table, mem, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, svc.retryDelay(1))
	assert.Equal(t, 5*time.Second, svc.retryDelay(3), "multiplier 1.0 keeps the delay fixed")

	cfg.BackoffMultiplier = 2.0
	svc, err = NewService(cfg, table, mem, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, svc.retryDelay(1))
	assert.Equal(t, 20*time.Second, svc.retryDelay(3))
}
