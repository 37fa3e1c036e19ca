package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contentd/internal/store"
	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/contentd/internal/analytics"

// Report is a point-in-time rollup of pipeline health for a window.
type Report struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`

	TotalWorkflows int `json:"total_workflows"`
	Published      int `json:"published"`
	Failed         int `json:"failed"`

	// SuccessRate is published / total, 0 when the window is empty.
	SuccessRate float64 `json:"success_rate"`

	// AveragePublishDuration is the mean created-to-published wall time
	// across published workflows in the window.
	AveragePublishDuration time.Duration `json:"average_publish_duration"`

	StateDistribution map[workflow.State]int `json:"state_distribution"`

	// Bottlenecks lists per-stage step rollups, slowest average first.
	Bottlenecks []workflow.StepAggregate `json:"bottlenecks"`
}

// Aggregator computes reports from the store.
type Aggregator struct {
	store  store.Store
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAggregator creates an aggregator.
func NewAggregator(s store.Store, logger *zap.Logger) (*Aggregator, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  s,
		logger: logger.Named("analytics"),
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// GetAnalytics builds a report for workflows created in [from, to]. Zero
// bounds are open-ended.
func (a *Aggregator) GetAnalytics(ctx context.Context, from, to time.Time) (*Report, error) {
	ctx, span := a.tracer.Start(ctx, "analytics.get_analytics")
	defer span.End()

	filter := workflow.Filter{CreatedFrom: from, CreatedTo: to}

	counts, err := a.store.CountByState(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}

	report := &Report{
		From:              from,
		To:                to,
		StateDistribution: counts,
	}
	for _, n := range counts {
		report.TotalWorkflows += n
	}
	report.Published = counts[workflow.StatePublished]
	report.Failed = counts[workflow.StateFailed]
	if report.TotalWorkflows > 0 {
		report.SuccessRate = float64(report.Published) / float64(report.TotalWorkflows)
	}

	if report.Published > 0 {
		avg, err := a.averagePublishDuration(ctx, filter)
		if err != nil {
			return nil, err
		}
		report.AveragePublishDuration = avg
	}

	aggs, err := a.store.AggregateSteps(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("aggregate steps: %w", err)
	}
	sort.SliceStable(aggs, func(i, j int) bool {
		return aggs[i].AverageDuration > aggs[j].AverageDuration
	})
	report.Bottlenecks = aggs

	a.logger.Debug("built analytics report",
		zap.Int("total", report.TotalWorkflows),
		zap.Int("published", report.Published),
		zap.Float64("success_rate", report.SuccessRate),
	)
	return report, nil
}

// averagePublishDuration walks published workflows in pages so a large
// window does not load the whole table at once.
func (a *Aggregator) averagePublishDuration(ctx context.Context, filter workflow.Filter) (time.Duration, error) {
	const pageSize = 500

	filter.State = workflow.StatePublished

	var total time.Duration
	var count int
	for offset := 0; ; offset += pageSize {
		page, err := a.store.QueryWorkflows(ctx, filter, workflow.Page{Offset: offset, Limit: pageSize})
		if err != nil {
			return 0, fmt.Errorf("query published workflows: %w", err)
		}
		for _, wf := range page {
			if wf.ActualCompletionAt == nil {
				continue
			}
			total += wf.ActualCompletionAt.Sub(wf.CreatedAt)
			count++
		}
		if len(page) < pageSize {
			break
		}
	}

	if count == 0 {
		return 0, nil
	}
	return total / time.Duration(count), nil
}
