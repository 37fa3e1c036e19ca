package workflow

import (
	"time"
)

// State identifies a workflow state. Every non-terminal state except
// REJECTED corresponds to a pipeline stage of the same name.
type State string

const (
	StateResearch            State = "RESEARCH"
	StateAIReview            State = "AI_REVIEW"
	StateContentGeneration   State = "CONTENT_GENERATION"
	StateAIReviewContent     State = "AI_REVIEW_CONTENT"
	StateTranslation         State = "TRANSLATION"
	StateAIReviewTranslation State = "AI_REVIEW_TRANSLATION"
	StateHumanApproval       State = "HUMAN_APPROVAL"

	// StatePublished is terminal: the content item shipped.
	StatePublished State = "PUBLISHED"

	// StateRejected is NOT terminal. It is a restart point: the only valid
	// transition out of it is back to RESEARCH for a full correction cycle.
	StateRejected State = "REJECTED"

	// StateFailed is terminal and only reached through the retry manager
	// exhausting maxRetries. Recovery requires a new workflow.
	StateFailed State = "FAILED"
)

// Priority orders workflows for reviewers and task executors.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// StepStatus is the lifecycle of a single pipeline step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// TransitionType records whether a transition was triggered by the engine
// or by a human actor.
type TransitionType string

const (
	TransitionAutomatic TransitionType = "AUTOMATIC"
	TransitionManual    TransitionType = "MANUAL"
)

// Channel is the requested notification delivery channel. Delivery itself
// is external; the engine only emits requests.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
	ChannelSMS   Channel = "SMS"
	ChannelSlack Channel = "SLACK"
)

// NotificationStatus tracks a notification record. The engine creates
// records as PENDING; external transports advance them.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "PENDING"
	NotificationSent      NotificationStatus = "SENT"
	NotificationDelivered NotificationStatus = "DELIVERED"
	NotificationRead      NotificationStatus = "READ"
)

// Workflow is the durable state machine record, one per content item.
type Workflow struct {
	ID        string `json:"id"`
	ContentID string `json:"content_id"` // foreign key to the external article entity
	Type      string `json:"type"`

	CurrentState  State  `json:"current_state"`
	PreviousState State  `json:"previous_state,omitempty"`
	Priority      Priority `json:"priority"`

	// CompletionPercentage is derived from CurrentState via the stage table.
	CompletionPercentage int `json:"completion_percentage"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	AssignedReviewerID string            `json:"assigned_reviewer_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	EstimatedCompletionAt time.Time  `json:"estimated_completion_at,omitempty"`
	ActualCompletionAt    *time.Time `json:"actual_completion_at,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the workflow has reached a state with no
// outgoing transitions.
func (w *Workflow) Terminal() bool {
	return w.CurrentState == StatePublished || w.CurrentState == StateFailed
}

// Step is one row per declared pipeline stage per workflow, created
// atomically with the workflow.
type Step struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Stage      State      `json:"stage"`
	Order      int        `json:"order"`
	Status     StepStatus `json:"status"`

	EstimatedDuration time.Duration `json:"estimated_duration"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	ActualDuration    time.Duration `json:"actual_duration,omitempty"`

	// QualityScore is nil until an AI stage reports a result (0–100 scale).
	QualityScore *int   `json:"quality_score,omitempty"`
	Output       []byte `json:"output,omitempty"` // opaque executor payload
	Feedback     string `json:"feedback,omitempty"`
	AssigneeID   string `json:"assignee_id,omitempty"`
}

// Transition is an append-only audit record. FromState is empty for the
// initial transition written at workflow creation.
type Transition struct {
	ID          string            `json:"id"`
	WorkflowID  string            `json:"workflow_id"`
	FromState   State             `json:"from_state"`
	ToState     State             `json:"to_state"`
	Type        TransitionType    `json:"type"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Notification is a persisted notification request. Delivery is external.
type Notification struct {
	ID          string             `json:"id"`
	WorkflowID  string             `json:"workflow_id"`
	RecipientID string             `json:"recipient_id"`
	Channel     Channel            `json:"channel"`
	Title       string             `json:"title"`
	Message     string             `json:"message"`
	Priority    Priority           `json:"priority"`
	Status      NotificationStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// WorkflowPatch is a partial update applied to a workflow inside an atomic
// store operation. Nil fields are left untouched.
type WorkflowPatch struct {
	CurrentState         *State
	PreviousState        *State
	CompletionPercentage *int
	RetryCount           *int
	ErrorMessage         *string
	ActualCompletionAt   *time.Time
	UpdatedAt            time.Time
}

// StepPatch is a partial update to a single step, matched by stage name.
type StepPatch struct {
	Stage          State
	Status         *StepStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ActualDuration *time.Duration
	QualityScore   *int
	Output         []byte
	Feedback       *string
}

// Filter narrows workflow queries. Zero values match everything.
type Filter struct {
	ContentID   string
	State       State
	Priority    Priority
	CreatedFrom time.Time
	CreatedTo   time.Time
}

// Page bounds a query result set.
type Page struct {
	Offset int
	Limit  int
}

// StepAggregate is a per-stage rollup used by the analytics aggregator.
type StepAggregate struct {
	Stage           State         `json:"stage"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	AverageDuration time.Duration `json:"average_duration"`
}

// FailureRate is failed / (completed + failed), 0 for an empty rollup.
func (a StepAggregate) FailureRate() float64 {
	total := a.Completed + a.Failed
	if total == 0 {
		return 0
	}
	return float64(a.Failed) / float64(total)
}
