package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

// Postgres implements Store on a Postgres database. Queries are built with
// squirrel; the atomic operations run inside a single transaction.
type Postgres struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var _ Store = (*Postgres)(nil)

// NewPostgres wires a sql.DB implementation.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Schema is the DDL for the record store. Applied idempotently at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
    id                      TEXT PRIMARY KEY,
    content_id              TEXT NOT NULL UNIQUE,
    workflow_type           TEXT NOT NULL,
    current_state           TEXT NOT NULL,
    previous_state          TEXT NOT NULL DEFAULT '',
    priority                TEXT NOT NULL,
    completion_percentage   INT NOT NULL DEFAULT 0,
    retry_count             INT NOT NULL DEFAULT 0,
    max_retries             INT NOT NULL DEFAULT 3,
    assigned_reviewer_id    TEXT NOT NULL DEFAULT '',
    metadata                JSONB,
    estimated_completion_at TIMESTAMPTZ,
    actual_completion_at    TIMESTAMPTZ,
    error_message           TEXT NOT NULL DEFAULT '',
    created_at              TIMESTAMPTZ NOT NULL,
    updated_at              TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_steps (
    id                 TEXT PRIMARY KEY,
    workflow_id        TEXT NOT NULL REFERENCES workflows(id),
    stage              TEXT NOT NULL,
    step_order         INT NOT NULL,
    status             TEXT NOT NULL,
    estimated_duration_ms BIGINT NOT NULL DEFAULT 0,
    started_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ,
    actual_duration_ms BIGINT NOT NULL DEFAULT 0,
    quality_score      INT,
    output             BYTEA,
    feedback           TEXT NOT NULL DEFAULT '',
    assignee_id        TEXT NOT NULL DEFAULT '',
    UNIQUE (workflow_id, stage)
);

CREATE TABLE IF NOT EXISTS workflow_transitions (
    id             TEXT PRIMARY KEY,
    workflow_id    TEXT NOT NULL REFERENCES workflows(id),
    from_state     TEXT NOT NULL DEFAULT '',
    to_state       TEXT NOT NULL,
    transition_type TEXT NOT NULL,
    triggered_by   TEXT NOT NULL DEFAULT '',
    reason         TEXT NOT NULL DEFAULT '',
    metadata       JSONB,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_workflow ON workflow_transitions (workflow_id, created_at);

CREATE TABLE IF NOT EXISTS workflow_notifications (
    id           TEXT PRIMARY KEY,
    workflow_id  TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    channel      TEXT NOT NULL,
    title        TEXT NOT NULL,
    message      TEXT NOT NULL,
    priority     TEXT NOT NULL,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema applies the DDL. Safe to call on every startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const workflowColumns = `id, content_id, workflow_type, current_state, previous_state, priority,
completion_percentage, retry_count, max_retries, assigned_reviewer_id, metadata,
estimated_completion_at, actual_completion_at, error_message, created_at, updated_at`

// GetWorkflow returns a workflow by id.
func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return p.getWorkflowWhere(ctx, sq.Eq{"id": id})
}

// GetWorkflowByContent returns the workflow for a content item.
func (p *Postgres) GetWorkflowByContent(ctx context.Context, contentID string) (*workflow.Workflow, error) {
	return p.getWorkflowWhere(ctx, sq.Eq{"content_id": contentID})
}

func (p *Postgres) getWorkflowWhere(ctx context.Context, pred interface{}) (*workflow.Workflow, error) {
	query, args, err := p.sb.
		Select(workflowColumns).
		From("workflows").
		Where(pred).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build workflow query: %w", err)
	}

	wf, err := scanWorkflow(p.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrNotFound
		}
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// GetSteps returns the steps of a workflow ordered by step order.
func (p *Postgres) GetSteps(ctx context.Context, workflowID string) ([]*workflow.Step, error) {
	if _, err := p.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	query, args, err := p.sb.
		Select(`id, workflow_id, stage, step_order, status, estimated_duration_ms,
			started_at, completed_at, actual_duration_ms, quality_score, output, feedback, assignee_id`).
		From("workflow_steps").
		Where(sq.Eq{"workflow_id": workflowID}).
		OrderBy("step_order ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build steps query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*workflow.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return steps, nil
}

// GetTransitions returns the transition history ordered by creation time.
func (p *Postgres) GetTransitions(ctx context.Context, workflowID string) ([]*workflow.Transition, error) {
	if _, err := p.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	query, args, err := p.sb.
		Select("id, workflow_id, from_state, to_state, transition_type, triggered_by, reason, metadata, created_at").
		From("workflow_transitions").
		Where(sq.Eq{"workflow_id": workflowID}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build transitions query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var trs []*workflow.Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		trs = append(trs, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return trs, nil
}

// CreateWorkflow atomically inserts the workflow, steps, and initial
// transition. The UNIQUE constraint on content_id enforces the one-workflow-
// per-content invariant; a violation maps to workflow.ErrAlreadyExists.
func (p *Postgres) CreateWorkflow(ctx context.Context, wf *workflow.Workflow, steps []*workflow.Step, initial *workflow.Transition) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := marshalMeta(wf.Metadata)
		if err != nil {
			return err
		}

		query, args, err := p.sb.
			Insert("workflows").
			Columns("id", "content_id", "workflow_type", "current_state", "previous_state",
				"priority", "completion_percentage", "retry_count", "max_retries",
				"assigned_reviewer_id", "metadata", "estimated_completion_at",
				"actual_completion_at", "error_message", "created_at", "updated_at").
			Values(wf.ID, wf.ContentID, wf.Type, wf.CurrentState, wf.PreviousState,
				wf.Priority, wf.CompletionPercentage, wf.RetryCount, wf.MaxRetries,
				wf.AssignedReviewerID, meta, nullTime(&wf.EstimatedCompletionAt),
				nullTimePtr(wf.ActualCompletionAt), wf.ErrorMessage, wf.CreatedAt, wf.UpdatedAt).
			ToSql()
		if err != nil {
			return fmt.Errorf("build workflow insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return workflow.ErrAlreadyExists
			}
			return fmt.Errorf("insert workflow: %w", err)
		}

		for _, s := range steps {
			query, args, err := p.sb.
				Insert("workflow_steps").
				Columns("id", "workflow_id", "stage", "step_order", "status",
					"estimated_duration_ms", "started_at", "completed_at",
					"actual_duration_ms", "quality_score", "output", "feedback", "assignee_id").
				Values(s.ID, s.WorkflowID, s.Stage, s.Order, s.Status,
					s.EstimatedDuration.Milliseconds(), nullTimePtr(s.StartedAt),
					nullTimePtr(s.CompletedAt), s.ActualDuration.Milliseconds(),
					nullIntPtr(s.QualityScore), s.Output, s.Feedback, s.AssigneeID).
				ToSql()
			if err != nil {
				return fmt.Errorf("build step insert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert step %s: %w", s.Stage, err)
			}
		}

		if initial != nil {
			if err := p.insertTransition(ctx, tx, initial); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateWorkflow atomically applies the patches and appends the transition.
// The workflow row is locked FOR UPDATE for the duration of the transaction
// so a concurrent reader sees either the whole update or none of it.
func (p *Postgres) UpdateWorkflow(ctx context.Context, id string, patch workflow.WorkflowPatch, stepPatches []workflow.StepPatch, tr *workflow.Transition) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var exists string
		lock, lockArgs, err := p.sb.
			Select("id").From("workflows").Where(sq.Eq{"id": id}).Suffix("FOR UPDATE").ToSql()
		if err != nil {
			return fmt.Errorf("build lock query: %w", err)
		}
		if err := tx.QueryRowContext(ctx, lock, lockArgs...).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return workflow.ErrNotFound
			}
			return fmt.Errorf("lock workflow: %w", err)
		}

		update := p.sb.Update("workflows").Where(sq.Eq{"id": id})
		changed := false
		if patch.CurrentState != nil {
			update = update.Set("current_state", *patch.CurrentState)
			changed = true
		}
		if patch.PreviousState != nil {
			update = update.Set("previous_state", *patch.PreviousState)
			changed = true
		}
		if patch.CompletionPercentage != nil {
			update = update.Set("completion_percentage", *patch.CompletionPercentage)
			changed = true
		}
		if patch.RetryCount != nil {
			update = update.Set("retry_count", *patch.RetryCount)
			changed = true
		}
		if patch.ErrorMessage != nil {
			update = update.Set("error_message", *patch.ErrorMessage)
			changed = true
		}
		if patch.ActualCompletionAt != nil {
			update = update.Set("actual_completion_at", *patch.ActualCompletionAt)
			changed = true
		}
		if !patch.UpdatedAt.IsZero() {
			update = update.Set("updated_at", patch.UpdatedAt)
			changed = true
		}
		if changed {
			query, args, err := update.ToSql()
			if err != nil {
				return fmt.Errorf("build workflow update: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("update workflow: %w", err)
			}
		}

		for _, sp := range stepPatches {
			stepUpdate := p.sb.Update("workflow_steps").
				Where(sq.Eq{"workflow_id": id, "stage": sp.Stage})
			if sp.Status != nil {
				stepUpdate = stepUpdate.Set("status", *sp.Status)
			}
			if sp.StartedAt != nil {
				stepUpdate = stepUpdate.Set("started_at", *sp.StartedAt)
			}
			if sp.CompletedAt != nil {
				stepUpdate = stepUpdate.Set("completed_at", *sp.CompletedAt)
			}
			if sp.ActualDuration != nil {
				stepUpdate = stepUpdate.Set("actual_duration_ms", sp.ActualDuration.Milliseconds())
			}
			if sp.QualityScore != nil {
				stepUpdate = stepUpdate.Set("quality_score", *sp.QualityScore)
			}
			if sp.Output != nil {
				stepUpdate = stepUpdate.Set("output", sp.Output)
			}
			if sp.Feedback != nil {
				stepUpdate = stepUpdate.Set("feedback", *sp.Feedback)
			}
			query, args, err := stepUpdate.ToSql()
			if err != nil {
				return fmt.Errorf("build step update: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("update step %s: %w", sp.Stage, err)
			}
		}

		if tr != nil {
			if err := p.insertTransition(ctx, tx, tr); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendNotification persists a notification record.
func (p *Postgres) AppendNotification(ctx context.Context, n *workflow.Notification) error {
	query, args, err := p.sb.
		Insert("workflow_notifications").
		Columns("id", "workflow_id", "recipient_id", "channel", "title", "message",
			"priority", "status", "created_at", "updated_at").
		Values(n.ID, n.WorkflowID, n.RecipientID, n.Channel, n.Title, n.Message,
			n.Priority, n.Status, n.CreatedAt, n.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build notification insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// QueryWorkflows lists workflows matching the filter, newest first.
func (p *Postgres) QueryWorkflows(ctx context.Context, f workflow.Filter, page workflow.Page) ([]*workflow.Workflow, error) {
	builder := p.sb.
		Select(workflowColumns).
		From("workflows").
		OrderBy("created_at DESC")
	builder = applyFilter(builder, f)
	if page.Offset > 0 {
		builder = builder.Offset(uint64(page.Offset))
	}
	if page.Limit > 0 {
		builder = builder.Limit(uint64(page.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build workflows query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var wfs []*workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wfs = append(wfs, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return wfs, nil
}

// CountByState returns the number of workflows per current state.
func (p *Postgres) CountByState(ctx context.Context, f workflow.Filter) (map[workflow.State]int, error) {
	builder := p.sb.
		Select("current_state", "COUNT(*)").
		From("workflows").
		GroupBy("current_state")
	builder = applyFilter(builder, f)

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build state count query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query state counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[workflow.State]int)
	for rows.Next() {
		var state workflow.State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return counts, nil
}

// AggregateSteps returns per-stage completion counts and average durations.
func (p *Postgres) AggregateSteps(ctx context.Context, f workflow.Filter) ([]workflow.StepAggregate, error) {
	builder := p.sb.
		Select("s.stage",
			"COUNT(*) FILTER (WHERE s.status = 'COMPLETED')",
			"COUNT(*) FILTER (WHERE s.status = 'FAILED')",
			"COALESCE(AVG(s.actual_duration_ms) FILTER (WHERE s.status = 'COMPLETED'), 0)").
		From("workflow_steps s").
		Join("workflows w ON w.id = s.workflow_id").
		GroupBy("s.stage")
	builder = applyFilterPrefixed(builder, f, "w.")

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build step aggregate query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []workflow.StepAggregate
	for rows.Next() {
		var agg workflow.StepAggregate
		var avgMs float64
		if err := rows.Scan(&agg.Stage, &agg.Completed, &agg.Failed, &avgMs); err != nil {
			return nil, fmt.Errorf("scan step aggregate: %w", err)
		}
		agg.AverageDuration = time.Duration(avgMs) * time.Millisecond
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return aggs, nil
}

// Internal helpers

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *Postgres) insertTransition(ctx context.Context, tx *sql.Tx, tr *workflow.Transition) error {
	meta, err := marshalMeta(tr.Metadata)
	if err != nil {
		return err
	}
	query, args, err := p.sb.
		Insert("workflow_transitions").
		Columns("id", "workflow_id", "from_state", "to_state", "transition_type",
			"triggered_by", "reason", "metadata", "created_at").
		Values(tr.ID, tr.WorkflowID, tr.FromState, tr.ToState, tr.Type,
			tr.TriggeredBy, tr.Reason, meta, tr.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build transition insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func applyFilter(b sq.SelectBuilder, f workflow.Filter) sq.SelectBuilder {
	return applyFilterPrefixed(b, f, "")
}

func applyFilterPrefixed(b sq.SelectBuilder, f workflow.Filter, prefix string) sq.SelectBuilder {
	if f.ContentID != "" {
		b = b.Where(sq.Eq{prefix + "content_id": f.ContentID})
	}
	if f.State != "" {
		b = b.Where(sq.Eq{prefix + "current_state": f.State})
	}
	if f.Priority != "" {
		b = b.Where(sq.Eq{prefix + "priority": f.Priority})
	}
	if !f.CreatedFrom.IsZero() {
		b = b.Where(sq.GtOrEq{prefix + "created_at": f.CreatedFrom})
	}
	if !f.CreatedTo.IsZero() {
		b = b.Where(sq.LtOrEq{prefix + "created_at": f.CreatedTo})
	}
	return b
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func marshalMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	var meta []byte
	var estimated, actual sql.NullTime

	err := row.Scan(&wf.ID, &wf.ContentID, &wf.Type, &wf.CurrentState, &wf.PreviousState,
		&wf.Priority, &wf.CompletionPercentage, &wf.RetryCount, &wf.MaxRetries,
		&wf.AssignedReviewerID, &meta, &estimated, &actual, &wf.ErrorMessage,
		&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &wf.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if estimated.Valid {
		wf.EstimatedCompletionAt = estimated.Time
	}
	if actual.Valid {
		t := actual.Time
		wf.ActualCompletionAt = &t
	}
	return &wf, nil
}

func scanStep(row rowScanner) (*workflow.Step, error) {
	var s workflow.Step
	var estimatedMs, actualMs int64
	var started, completed sql.NullTime
	var score sql.NullInt64

	err := row.Scan(&s.ID, &s.WorkflowID, &s.Stage, &s.Order, &s.Status,
		&estimatedMs, &started, &completed, &actualMs, &score, &s.Output,
		&s.Feedback, &s.AssigneeID)
	if err != nil {
		return nil, err
	}

	s.EstimatedDuration = time.Duration(estimatedMs) * time.Millisecond
	s.ActualDuration = time.Duration(actualMs) * time.Millisecond
	if started.Valid {
		t := started.Time
		s.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	if score.Valid {
		v := int(score.Int64)
		s.QualityScore = &v
	}
	return &s, nil
}

func scanTransition(row rowScanner) (*workflow.Transition, error) {
	var tr workflow.Transition
	var meta []byte

	err := row.Scan(&tr.ID, &tr.WorkflowID, &tr.FromState, &tr.ToState, &tr.Type,
		&tr.TriggeredBy, &tr.Reason, &meta, &tr.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tr.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &tr, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullIntPtr(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
