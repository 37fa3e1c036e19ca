package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contentd/internal/store"
	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/contentd/internal/notify"

// EventSubject is the NATS subject delivery transports subscribe to.
const EventSubject = "contentd.notifications"

// Publisher publishes a notification event for external delivery.
// *nats.Conn satisfies this.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Request describes a notification to emit.
type Request struct {
	WorkflowID  string
	RecipientID string
	Channel     workflow.Channel
	Title       string
	Message     string
	Priority    workflow.Priority
}

// Dispatcher persists notification records and publishes delivery events.
type Dispatcher struct {
	store     store.Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	tracer      trace.Tracer
	sentCounter metric.Int64Counter
}

// NewDispatcher creates a dispatcher. publisher may be nil, in which case
// records are persisted but no events are published.
func NewDispatcher(s store.Store, publisher Publisher, logger *zap.Logger) (*Dispatcher, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		store:     s,
		publisher: publisher,
		logger:    logger.Named("notify"),
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	d.sentCounter, err = meter.Int64Counter(
		"contentd.notifications.dispatched_total",
		metric.WithDescription("Total number of notification requests dispatched"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		d.logger.Warn("failed to create dispatch counter", zap.Error(err))
	}

	return d, nil
}

// Notify persists the notification and publishes a best-effort delivery
// event. The returned record is always the persisted one; publish failures
// are logged and swallowed.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (*workflow.Notification, error) {
	ctx, span := d.tracer.Start(ctx, "notify.dispatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow_id", req.WorkflowID),
		attribute.String("channel", string(req.Channel)),
	)

	if req.RecipientID == "" {
		return nil, errors.New("recipient id is required")
	}

	now := d.now()
	priority := req.Priority
	if priority == "" {
		priority = workflow.PriorityNormal
	}

	n := &workflow.Notification{
		ID:          uuid.New().String(),
		WorkflowID:  req.WorkflowID,
		RecipientID: req.RecipientID,
		Channel:     req.Channel,
		Title:       req.Title,
		Message:     req.Message,
		Priority:    priority,
		Status:      workflow.NotificationPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := d.store.AppendNotification(ctx, n); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	if d.sentCounter != nil {
		d.sentCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", string(req.Channel)),
		))
	}

	d.publishEvent(n)

	d.logger.Debug("dispatched notification",
		zap.String("id", n.ID),
		zap.String("workflow_id", n.WorkflowID),
		zap.String("recipient_id", n.RecipientID),
		zap.String("channel", string(n.Channel)),
	)
	return n, nil
}

// publishEvent publishes the delivery event. Failures are logged only: the
// record already exists and delivery retry is external.
func (d *Dispatcher) publishEvent(n *workflow.Notification) {
	if d.publisher == nil {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		d.logger.Warn("failed to marshal notification event",
			zap.String("id", n.ID), zap.Error(err))
		return
	}
	if err := d.publisher.Publish(EventSubject, payload); err != nil {
		d.logger.Warn("failed to publish notification event",
			zap.String("id", n.ID), zap.Error(err))
	}
}
