package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contentd/internal/executor"
	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

// ActivateStep starts execution of the workflow's current stage. For
// AI-backed stages a task is submitted to the executor fleet; human-gated
// stages and states without a stage config (REJECTED, terminals) are
// no-ops; they wait for an external actor.
func (s *Service) ActivateStep(ctx context.Context, workflowID string) error {
	ctx, span := s.tracer.Start(ctx, "engine.activate_step")
	defer span.End()

	span.SetAttributes(attribute.String("workflow_id", workflowID))

	unlock := s.locks.lock(workflowID)
	defer unlock()

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	sc, ok := s.table.Stage(wf.CurrentState)
	if !ok || sc.RequiresHumanApproval || !sc.HasAgent() {
		s.logger.Debug("no activation for state",
			zap.String("workflow_id", workflowID),
			zap.String("state", string(wf.CurrentState)),
		)
		return nil
	}

	if s.submitter == nil {
		s.logger.Warn("no executor configured, stage will not progress",
			zap.String("workflow_id", workflowID),
			zap.String("stage", string(wf.CurrentState)),
		)
		return nil
	}

	task := executor.Task{
		WorkflowID: wf.ID,
		Stage:      wf.CurrentState,
		Agent:      sc.Agent,
		Priority:   wf.Priority,
		Content:    contentSnapshot(wf),
	}

	taskID, err := s.submitter.Submit(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.handleFault(ctx, wf, workflow.NewExecutionFault(wf.ID, wf.CurrentState, err))
	}

	s.logger.Info("activated step",
		zap.String("workflow_id", wf.ID),
		zap.String("stage", string(wf.CurrentState)),
		zap.String("agent", string(sc.Agent)),
		zap.String("task_id", taskID),
	)
	return nil
}

// CompleteAIStep records an executor's result for the given stage and runs
// the quality gate. Results for a stage the workflow has already left are
// stale and ignored: executors may re-deliver and a retry can race its
// original task.
func (s *Service) CompleteAIStep(ctx context.Context, workflowID string, stage workflow.State, qualityScore int, output []byte) error {
	ctx, span := s.tracer.Start(ctx, "engine.complete_ai_step")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("stage", string(stage)),
		attribute.Int("quality_score", qualityScore),
	)

	unlock := s.locks.lock(workflowID)
	defer unlock()

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	if wf.CurrentState != stage {
		if s.staleCounter != nil {
			s.staleCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("stage", string(stage)),
			))
		}
		s.logger.Info("ignoring stale completion",
			zap.String("workflow_id", workflowID),
			zap.String("reported_stage", string(stage)),
			zap.String("current_state", string(wf.CurrentState)),
		)
		return nil
	}

	sc, ok := s.table.Stage(stage)
	if !ok || !sc.HasAgent() {
		s.logger.Warn("completion for non-executor stage ignored",
			zap.String("workflow_id", workflowID),
			zap.String("stage", string(stage)),
		)
		return nil
	}

	next := s.table.NextState(stage, qualityScore)
	passed := sc.QualityThreshold == nil || qualityScore >= *sc.QualityThreshold

	reason := fmt.Sprintf("quality gate passed with score %d", qualityScore)
	if !passed {
		reason = fmt.Sprintf("quality gate failed with score %d, threshold %d", qualityScore, *sc.QualityThreshold)
	}

	_, err = s.transition(ctx, wf, TransitionRequest{
		WorkflowID: workflowID,
		ToState:    next,
		Reason:     reason,
		Metadata:   scoreMetadata(qualityScore),
	}, &stepResult{score: qualityScore, output: output})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("complete step %s: %w", stage, err)
	}
	return nil
}

// FailStep reports an execution fault for the workflow's current stage and
// routes it through retry handling. Exposed for executors that report
// failures instead of low-scored results.
func (s *Service) FailStep(ctx context.Context, workflowID string, cause error) error {
	unlock := s.locks.lock(workflowID)
	defer unlock()

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Terminal() {
		return nil
	}
	return s.handleFault(ctx, wf, workflow.NewExecutionFault(wf.ID, wf.CurrentState, cause))
}

// handleFault increments the retry count and either schedules a delayed
// re-activation or, once the budget is exhausted, transitions to FAILED.
// Callers must hold the workflow's lock.
func (s *Service) handleFault(ctx context.Context, wf *workflow.Workflow, fault *workflow.ExecutionFault) error {
	maxRetries := wf.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}

	retries := wf.RetryCount + 1
	errMsg := fault.Error()
	now := s.now()

	patch := workflow.WorkflowPatch{
		RetryCount:   &retries,
		ErrorMessage: &errMsg,
		UpdatedAt:    now,
	}

	if retries >= maxRetries {
		failed := workflow.StateFailed
		from := wf.CurrentState
		pct := s.table.CompletionPercent(failed)
		finalMsg := fmt.Sprintf("max retries exceeded: %s", errMsg)

		patch.CurrentState = &failed
		patch.PreviousState = &from
		patch.CompletionPercentage = &pct
		patch.ErrorMessage = &finalMsg

		failedStatus := workflow.StepFailed
		stepPatches := []workflow.StepPatch{{
			Stage:       from,
			Status:      &failedStatus,
			CompletedAt: &now,
		}}

		tr := &workflow.Transition{
			ID:         uuid.New().String(),
			WorkflowID: wf.ID,
			FromState:  from,
			ToState:    failed,
			Type:       workflow.TransitionAutomatic,
			Reason:     finalMsg,
			CreatedAt:  now,
		}

		if err := s.store.UpdateWorkflow(ctx, wf.ID, patch, stepPatches, tr); err != nil {
			return fmt.Errorf("commit terminal failure: %w", err)
		}

		s.logger.Error("workflow failed permanently",
			zap.String("workflow_id", wf.ID),
			zap.String("stage", string(from)),
			zap.Int("retries", retries),
			zap.Error(fault),
		)

		if updated, err := s.store.GetWorkflow(ctx, wf.ID); err == nil {
			s.notifyStateChange(ctx, updated)
		}
		return nil
	}

	if err := s.store.UpdateWorkflow(ctx, wf.ID, patch, nil, nil); err != nil {
		return fmt.Errorf("record retry: %w", err)
	}

	if s.retryCounter != nil {
		s.retryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(wf.CurrentState)),
		))
	}

	delay := s.retryDelay(retries)
	s.logger.Warn("scheduling retry",
		zap.String("workflow_id", wf.ID),
		zap.String("stage", string(wf.CurrentState)),
		zap.Int("attempt", retries),
		zap.Duration("delay", delay),
		zap.Error(fault),
	)

	id := wf.ID
	s.schedule(delay, func() {
		if err := s.ActivateStep(context.Background(), id); err != nil {
			s.logger.Error("retry activation failed",
				zap.String("workflow_id", id), zap.Error(err))
		}
	})
	return nil
}

// retryDelay computes the backoff before the given attempt. With the default
// multiplier of 1.0 every attempt waits the base delay.
func (s *Service) retryDelay(attempt int) time.Duration {
	delay := s.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * s.cfg.BackoffMultiplier)
	}
	return delay
}
