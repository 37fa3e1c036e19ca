package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

// Subject layout. Tasks fan out per agent type so each executor pool
// subscribes only to its own work; results converge on one subject.
const (
	taskSubjectPrefix = "contentd.tasks."
	ResultSubject     = "contentd.tasks.result"
)

// Task is the opaque payload submitted to an external executor.
type Task struct {
	ID         string             `json:"id"`
	WorkflowID string             `json:"workflow_id"`
	Stage      workflow.State     `json:"stage"`
	Agent      workflow.AgentType `json:"agent"`
	Priority   workflow.Priority  `json:"priority"`
	Content    json.RawMessage    `json:"content,omitempty"` // content snapshot
}

// Result is the executor's completion report.
type Result struct {
	TaskID       string          `json:"task_id"`
	WorkflowID   string          `json:"workflow_id"`
	Stage        workflow.State  `json:"stage"`
	QualityScore int             `json:"quality_score"` // 0-100
	Output       json.RawMessage `json:"output,omitempty"`
}

// Submitter submits tasks to the external executor fleet. Submission is
// fire-and-forget; completion arrives asynchronously as a Result.
type Submitter interface {
	Submit(ctx context.Context, task Task) (taskID string, err error)
}

// CompletionHandler receives executor results. The engine's CompleteAIStep
// satisfies this.
type CompletionHandler func(ctx context.Context, workflowID string, stage workflow.State, qualityScore int, output []byte) error

// NATS submits tasks over NATS and listens for results.
type NATS struct {
	nc     *nats.Conn
	logger *zap.Logger
	sub    *nats.Subscription
}

var _ Submitter = (*NATS)(nil)

// NewNATS creates a NATS-backed executor boundary.
func NewNATS(nc *nats.Conn, logger *zap.Logger) (*NATS, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{nc: nc, logger: logger.Named("executor")}, nil
}

// Submit publishes the task to the agent's subject and returns the task id
// without waiting for completion.
func (e *NATS) Submit(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	subject := taskSubjectPrefix + string(task.Agent)
	if err := e.nc.Publish(subject, payload); err != nil {
		return "", fmt.Errorf("publish task to %s: %w", subject, err)
	}

	e.logger.Debug("submitted task",
		zap.String("task_id", task.ID),
		zap.String("workflow_id", task.WorkflowID),
		zap.String("stage", string(task.Stage)),
		zap.String("subject", subject),
	)
	return task.ID, nil
}

// ListenResults subscribes to the results subject and forwards each result
// to the handler. Handler errors are logged, not retried; the retry manager
// owns recovery and executors may re-deliver.
func (e *NATS) ListenResults(ctx context.Context, handler CompletionHandler) error {
	if e.sub != nil {
		return errors.New("already listening")
	}

	sub, err := e.nc.Subscribe(ResultSubject, func(msg *nats.Msg) {
		var res Result
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			e.logger.Warn("dropping malformed result", zap.Error(err))
			return
		}

		if err := handler(ctx, res.WorkflowID, res.Stage, res.QualityScore, res.Output); err != nil {
			e.logger.Error("result handler failed",
				zap.String("workflow_id", res.WorkflowID),
				zap.String("stage", string(res.Stage)),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", ResultSubject, err)
	}

	e.sub = sub
	e.logger.Info("listening for executor results", zap.String("subject", ResultSubject))
	return nil
}

// Close drains the result subscription.
func (e *NATS) Close() error {
	if e.sub == nil {
		return nil
	}
	if err := e.sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	e.sub = nil
	return nil
}

// TaskSubject returns the submission subject for an agent type. Exposed for
// executor implementations and tests.
func TaskSubject(agent workflow.AgentType) string {
	return taskSubjectPrefix + string(agent)
}
