package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contentd/internal/executor"
	"github.com/fyrsmithlabs/contentd/internal/notify"
	"github.com/fyrsmithlabs/contentd/internal/store"
	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/contentd/internal/engine"

// Notifier emits notification requests on state changes. Satisfied by
// *notify.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (*workflow.Notification, error)
}

// Config configures the engine.
type Config struct {
	// WorkflowType is the default type for new workflows.
	WorkflowType string

	// DefaultPriority applies when a create request has no priority.
	DefaultPriority workflow.Priority

	// MaxRetries bounds execution-fault recovery before FAILED.
	MaxRetries int

	// RetryBackoff is the delay before the first re-activation. A
	// multiplier of 1.0 keeps the delay fixed; raise it for exponential
	// growth.
	RetryBackoff      time.Duration
	BackoffMultiplier float64

	// AutoAdvance enables automatic step activation after creation and
	// after every non-terminal transition. Disable to drive the pipeline
	// manually (tests, backfills).
	AutoAdvance bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WorkflowType:      "ARTICLE_PUBLISHING",
		DefaultPriority:   workflow.PriorityNormal,
		MaxRetries:        3,
		RetryBackoff:      5 * time.Second,
		BackoffMultiplier: 1.0,
		AutoAdvance:       true,
	}
}

// CreateRequest describes a new workflow.
type CreateRequest struct {
	ContentID  string
	Type       string
	Priority   workflow.Priority
	ReviewerID string
	Metadata   map[string]string
}

// TransitionRequest describes a requested state change. Actor is set for
// human-triggered transitions; Feedback is recorded on the step being
// completed.
type TransitionRequest struct {
	WorkflowID string
	ToState    workflow.State
	Actor      string
	Reason     string
	Feedback   string
	Metadata   map[string]string
}

// stepResult carries an AI stage's reported outcome into the transition's
// atomic update.
type stepResult struct {
	score  int
	output []byte
}

// Service is the workflow orchestrator.
type Service struct {
	cfg       Config
	table     *workflow.Table
	store     store.Store
	submitter executor.Submitter
	notifier  Notifier
	logger    *zap.Logger

	locks *keyedMutex
	now   func() time.Time

	// schedule runs fn after delay. Replaced in tests for determinism.
	schedule func(delay time.Duration, fn func())

	tracer            trace.Tracer
	transitionCounter metric.Int64Counter
	staleCounter      metric.Int64Counter
	retryCounter      metric.Int64Counter
}

// NewService creates an engine. submitter and notifier may be nil for
// deployments without an executor fleet or notification transport.
func NewService(cfg Config, table *workflow.Table, s store.Store, submitter executor.Submitter, notifier Notifier, logger *zap.Logger) (*Service, error) {
	if table == nil {
		return nil, errors.New("stage table is required")
	}
	if s == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.BackoffMultiplier < 1.0 {
		cfg.BackoffMultiplier = 1.0
	}
	if cfg.WorkflowType == "" {
		cfg.WorkflowType = DefaultConfig().WorkflowType
	}
	if cfg.DefaultPriority == "" {
		cfg.DefaultPriority = workflow.PriorityNormal
	}

	svc := &Service{
		cfg:       cfg,
		table:     table,
		store:     s,
		submitter: submitter,
		notifier:  notifier,
		logger:    logger.Named("engine"),
		locks:     newKeyedMutex(),
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}
	svc.schedule = func(delay time.Duration, fn func()) {
		time.AfterFunc(delay, fn)
	}
	svc.initMetrics()

	return svc, nil
}

func (s *Service) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.transitionCounter, err = meter.Int64Counter(
		"contentd.workflow.transitions_total",
		metric.WithDescription("Total number of committed workflow transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		s.logger.Warn("failed to create transition counter", zap.Error(err))
	}

	s.staleCounter, err = meter.Int64Counter(
		"contentd.workflow.stale_completions_total",
		metric.WithDescription("AI completions ignored because the workflow moved on"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		s.logger.Warn("failed to create stale counter", zap.Error(err))
	}

	s.retryCounter, err = meter.Int64Counter(
		"contentd.workflow.retries_total",
		metric.WithDescription("Execution fault retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		s.logger.Warn("failed to create retry counter", zap.Error(err))
	}
}

// CreateWorkflow creates a workflow at RESEARCH with one step per declared
// stage and the initial transition, all atomically. Fails with
// workflow.ErrAlreadyExists if the content item already has a workflow.
func (s *Service) CreateWorkflow(ctx context.Context, req CreateRequest) (*workflow.Workflow, error) {
	ctx, span := s.tracer.Start(ctx, "engine.create_workflow")
	defer span.End()

	span.SetAttributes(attribute.String("content_id", req.ContentID))

	if req.ContentID == "" {
		return nil, errors.New("content id is required")
	}

	now := s.now()
	wfType := req.Type
	if wfType == "" {
		wfType = s.cfg.WorkflowType
	}
	priority := req.Priority
	if priority == "" {
		priority = s.cfg.DefaultPriority
	}

	stages := s.table.Stages()
	if len(stages) == 0 {
		return nil, errors.New("stage table is empty")
	}
	first := stages[0].Name

	wf := &workflow.Workflow{
		ID:                    uuid.New().String(),
		ContentID:             req.ContentID,
		Type:                  wfType,
		CurrentState:          first,
		Priority:              priority,
		CompletionPercentage:  s.table.CompletionPercent(first),
		MaxRetries:            s.cfg.MaxRetries,
		AssignedReviewerID:    req.ReviewerID,
		Metadata:              req.Metadata,
		EstimatedCompletionAt: now.Add(s.table.EstimatedPipelineDuration()),
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	steps := make([]*workflow.Step, 0, len(stages))
	for i, sc := range stages {
		step := &workflow.Step{
			ID:                uuid.New().String(),
			WorkflowID:        wf.ID,
			Stage:             sc.Name,
			Order:             i + 1,
			Status:            workflow.StepPending,
			EstimatedDuration: sc.EstimatedDuration,
		}
		if i == 0 {
			step.Status = workflow.StepInProgress
			started := now
			step.StartedAt = &started
		}
		steps = append(steps, step)
	}

	initial := &workflow.Transition{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		FromState:  "",
		ToState:    first,
		Type:       workflow.TransitionAutomatic,
		Reason:     "workflow initiated",
		CreatedAt:  now,
	}

	if err := s.store.CreateWorkflow(ctx, wf, steps, initial); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, workflow.ErrAlreadyExists) {
			return nil, fmt.Errorf("content %s: %w", req.ContentID, err)
		}
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	s.logger.Info("created workflow",
		zap.String("workflow_id", wf.ID),
		zap.String("content_id", wf.ContentID),
		zap.String("priority", string(wf.Priority)),
	)

	if s.cfg.AutoAdvance {
		id := wf.ID
		s.schedule(0, func() {
			if err := s.ActivateStep(context.Background(), id); err != nil {
				s.logger.Error("initial step activation failed",
					zap.String("workflow_id", id), zap.Error(err))
			}
		})
	}

	return wf, nil
}

// TransitionWorkflow performs a validated state change. The current step is
// completed, the target step started (unless terminal), the workflow
// updated, and the transition appended, all atomically. Side effects
// (notification, next-step activation) fire after commit.
func (s *Service) TransitionWorkflow(ctx context.Context, req TransitionRequest) (*workflow.Workflow, error) {
	unlock := s.locks.lock(req.WorkflowID)
	defer unlock()

	wf, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, wf, req, nil)
}

// transition implements the atomic state change. Callers must hold the
// workflow's lock.
func (s *Service) transition(ctx context.Context, wf *workflow.Workflow, req TransitionRequest, result *stepResult) (*workflow.Workflow, error) {
	ctx, span := s.tracer.Start(ctx, "engine.transition")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow_id", wf.ID),
		attribute.String("from_state", string(wf.CurrentState)),
		attribute.String("to_state", string(req.ToState)),
	)

	if !s.table.IsValidTransition(wf.CurrentState, req.ToState) {
		err := &workflow.InvalidTransitionError{From: wf.CurrentState, To: req.ToState}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	steps, err := s.store.GetSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	from := wf.CurrentState
	to := req.ToState

	var stepPatches []workflow.StepPatch

	// Complete the step for the state being left, if one is running.
	for _, step := range steps {
		if step.Stage != from || step.Status != workflow.StepInProgress {
			continue
		}
		completed := workflow.StepCompleted
		patch := workflow.StepPatch{
			Stage:       step.Stage,
			Status:      &completed,
			CompletedAt: &now,
		}
		if step.StartedAt != nil {
			dur := now.Sub(*step.StartedAt)
			patch.ActualDuration = &dur
		}
		if result != nil {
			score := result.score
			patch.QualityScore = &score
			patch.Output = result.output
		}
		if req.Feedback != "" {
			feedback := req.Feedback
			patch.Feedback = &feedback
		}
		stepPatches = append(stepPatches, patch)
		break
	}

	// Start the target step. REJECTED and the terminal states have no step
	// row; a restart re-opens the RESEARCH step on the next transition.
	if _, isStage := s.table.Stage(to); isStage && !s.table.Terminal(to) {
		inProgress := workflow.StepInProgress
		stepPatches = append(stepPatches, workflow.StepPatch{
			Stage:     to,
			Status:    &inProgress,
			StartedAt: &now,
		})
	}

	pct := s.table.CompletionPercent(to)
	patch := workflow.WorkflowPatch{
		CurrentState:         &to,
		PreviousState:        &from,
		CompletionPercentage: &pct,
		UpdatedAt:            now,
	}
	if to == workflow.StatePublished {
		patch.ActualCompletionAt = &now
	}

	trType := workflow.TransitionAutomatic
	if req.Actor != "" {
		trType = workflow.TransitionManual
	}
	tr := &workflow.Transition{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		FromState:   from,
		ToState:     to,
		Type:        trType,
		TriggeredBy: req.Actor,
		Reason:      req.Reason,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}

	if err := s.store.UpdateWorkflow(ctx, wf.ID, patch, stepPatches, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit transition %s -> %s: %w", from, to, err)
	}

	updated, err := s.store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	if s.transitionCounter != nil {
		s.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to_state", string(to)),
			attribute.String("type", string(trType)),
		))
	}

	s.logger.Info("workflow transitioned",
		zap.String("workflow_id", wf.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("type", string(trType)),
	)

	s.notifyStateChange(ctx, updated)

	if s.cfg.AutoAdvance && !s.table.Terminal(to) {
		id := wf.ID
		s.schedule(0, func() {
			if err := s.ActivateStep(context.Background(), id); err != nil {
				s.logger.Error("step activation failed",
					zap.String("workflow_id", id), zap.Error(err))
			}
		})
	}

	return updated, nil
}

// notifyStateChange emits an in-app notification to the assigned reviewer.
// Best effort: a dispatch failure never fails the committed transition.
func (s *Service) notifyStateChange(ctx context.Context, wf *workflow.Workflow) {
	if s.notifier == nil || wf.AssignedReviewerID == "" {
		return
	}

	_, err := s.notifier.Notify(ctx, notify.Request{
		WorkflowID:  wf.ID,
		RecipientID: wf.AssignedReviewerID,
		Channel:     workflow.ChannelInApp,
		Title:       "Workflow state changed",
		Message:     fmt.Sprintf("Workflow %s transitioned to %s", wf.ID, wf.CurrentState),
		Priority:    wf.Priority,
	})
	if err != nil {
		s.logger.Warn("state change notification failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}

// GetWorkflow returns a workflow by id.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// GetSteps returns a workflow's steps in pipeline order.
func (s *Service) GetSteps(ctx context.Context, id string) ([]*workflow.Step, error) {
	return s.store.GetSteps(ctx, id)
}

// History returns a workflow's full transition history in commit order.
func (s *Service) History(ctx context.Context, id string) ([]*workflow.Transition, error) {
	return s.store.GetTransitions(ctx, id)
}

// ListWorkflows lists workflows matching the filter, newest first.
func (s *Service) ListWorkflows(ctx context.Context, f workflow.Filter, p workflow.Page) ([]*workflow.Workflow, error) {
	return s.store.QueryWorkflows(ctx, f, p)
}

// contentSnapshot builds the opaque payload sent to executors.
func contentSnapshot(wf *workflow.Workflow) json.RawMessage {
	snapshot := map[string]string{
		"content_id": wf.ContentID,
		"type":       wf.Type,
	}
	for k, v := range wf.Metadata {
		snapshot[k] = v
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return nil
	}
	return b
}

// scoreMetadata renders a quality score for transition metadata.
func scoreMetadata(score int) map[string]string {
	return map[string]string{"quality_score": strconv.Itoa(score)}
}
