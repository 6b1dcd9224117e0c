// Package dispatch hands committed domain events to the workflow rule engine
// and records what every workflow did with them.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"crmflow/internal/domain"
	"crmflow/internal/repo"
	"crmflow/internal/telemetry"
)

type Evaluator interface {
	Evaluate(ctx context.Context, evt domain.DomainEvent) ([]domain.WorkflowExecutionResult, error)
}

// EventPublisher broadcasts dispatched events to ambient listeners.
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt domain.DomainEvent) error
}

// Dispatcher fans an event out synchronously in the caller's goroutine. It
// must only be called after the mutation that produced the event committed.
type Dispatcher struct {
	Rules     Evaluator
	Repo      repo.Repo
	Publisher EventPublisher
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Emit evaluates evt and returns one result per workflow registered for its type.
func (d *Dispatcher) Emit(ctx context.Context, evt domain.DomainEvent) []domain.WorkflowExecutionResult {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "dispatch.emit",
		attribute.String(telemetry.EventIDKey, evt.ID),
		attribute.String(telemetry.EventTypeKey, string(evt.Type)),
		attribute.String(telemetry.EntityKindKey, evt.EventEntityKind()),
		attribute.String(telemetry.EntityIDKey, evt.EntityID),
		attribute.Int(telemetry.EventDepthKey, evt.Depth),
	)
	defer span.End()

	log := d.logger().With("event_id", evt.ID, "event_type", evt.Type, "entity_id", evt.EntityID, "depth", evt.Depth)
	if d.Publisher != nil {
		if err := d.Publisher.PublishEvent(ctx, evt); err != nil {
			log.Warn("event broadcast failed", "error", err)
		}
	}
	if d.Rules == nil {
		return nil
	}
	results, err := d.Rules.Evaluate(ctx, evt)
	if err != nil {
		telemetry.SetError(span, err)
		log.Error("workflow evaluation failed", "error", err)
		return nil
	}
	for _, res := range results {
		d.record(ctx, evt, res)
	}
	d.Metrics.EventDispatched(string(evt.Type), time.Since(start).Seconds())
	log.Debug("event dispatched", "workflows", len(results))
	return results
}

func (d *Dispatcher) record(ctx context.Context, evt domain.DomainEvent, res domain.WorkflowExecutionResult) {
	d.Metrics.WorkflowRun(string(evt.Type), string(res.Status))
	if d.Repo.DB == nil {
		return
	}
	run := domain.WorkflowRun{
		EventID:           evt.ID,
		EventType:         string(evt.Type),
		WorkflowID:        res.WorkflowID,
		Status:            string(res.Status),
		FailedActionIndex: res.FailedActionIndex,
		Error:             res.Error,
		CreatedAt:         d.now().UTC().Format(time.RFC3339),
	}
	if err := d.Repo.InsertWorkflowRun(ctx, nil, run); err != nil {
		d.logger().Warn("record workflow run failed", "workflow_id", res.WorkflowID, "event_id", evt.ID, "error", err)
	}
}

// Replay re-emits the domain event stored with event log row id as a fresh
// top-level dispatch. Actions run again; nothing is deduplicated.
func (d *Dispatcher) Replay(ctx context.Context, eventLogID int64) (domain.DomainEvent, []domain.WorkflowExecutionResult, error) {
	evt, err := d.Repo.GetDomainEvent(ctx, nil, eventLogID)
	if err != nil {
		return domain.DomainEvent{}, nil, err
	}
	evt.Depth = 0
	d.logger().Info("replaying event", "event_log_id", eventLogID, "event_id", evt.ID, "event_type", evt.Type)
	return evt, d.Emit(ctx, evt), nil
}
