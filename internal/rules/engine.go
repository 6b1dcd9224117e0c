// Package rules evaluates workflows against domain events and executes
// their actions in order.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"crmflow/internal/domain"
	"crmflow/internal/telemetry"
)

const (
	ReasonInactive      = "inactive"
	ReasonNoMatch       = "conditions not met"
	ReasonNoActions     = "no actions"
	ReasonDepthExceeded = "cascade depth exceeded"
)

const (
	DefaultMaxCascadeDepth = 3
	DefaultActionTimeout   = 5 * time.Second
)

// WorkflowSource returns every workflow, active or not, registered for a trigger type.
type WorkflowSource interface {
	WorkflowsForTrigger(ctx context.Context, t domain.TriggerType) ([]domain.Workflow, error)
}

// Target is the record an action acts on. Events produced by the mutation
// carry Depth.
type Target struct {
	Kind       string
	ID         string
	PipelineID string
	Depth      int
	WorkflowID string
}

// Entities applies action side effects. Each call commits on its own and
// returns the domain events it logged, undispatched.
type Entities interface {
	EntityState(ctx context.Context, kind, id string) (map[string]any, error)
	UpdateField(ctx context.Context, t Target, field string, value any) ([]domain.DomainEvent, error)
	AddTag(ctx context.Context, t Target, tag string) ([]domain.DomainEvent, error)
	CreateFollowUpTask(ctx context.Context, t Target, cfg domain.CreateTaskConfig) ([]domain.DomainEvent, error)
}

type Notifier interface {
	Send(ctx context.Context, n domain.Notification) error
}

// Emitter dispatches events produced by actions.
type Emitter interface {
	Emit(ctx context.Context, evt domain.DomainEvent) []domain.WorkflowExecutionResult
}

type Engine struct {
	Workflows       WorkflowSource
	Entities        Entities
	Notifier        Notifier
	Cascade         Emitter
	MaxCascadeDepth int
	ActionTimeout   time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e Engine) timeout() time.Duration {
	if e.ActionTimeout <= 0 {
		return DefaultActionTimeout
	}
	return e.ActionTimeout
}

// Evaluate runs every workflow registered for evt.Type and returns one
// result per workflow. Workflows are read fresh on every call.
func (e Engine) Evaluate(ctx context.Context, evt domain.DomainEvent) ([]domain.WorkflowExecutionResult, error) {
	workflows, err := e.Workflows.WorkflowsForTrigger(ctx, evt.Type)
	if err != nil {
		return nil, fmt.Errorf("load workflows for %s: %w", evt.Type, err)
	}
	results := make([]domain.WorkflowExecutionResult, 0, len(workflows))
	for _, wf := range workflows {
		results = append(results, e.run(ctx, evt, wf))
	}
	return results, nil
}

func (e Engine) run(ctx context.Context, evt domain.DomainEvent, wf domain.Workflow) domain.WorkflowExecutionResult {
	res := domain.WorkflowExecutionResult{WorkflowID: wf.ID, WorkflowName: wf.Name}
	skip := func(reason string) domain.WorkflowExecutionResult {
		res.Status = domain.ExecutionSkipped
		res.Reason = reason
		return res
	}
	if !wf.IsActive {
		return skip(ReasonInactive)
	}
	if evt.Depth > e.MaxCascadeDepth {
		e.logger().Warn("cascade depth exceeded", "workflow_id", wf.ID, "event_id", evt.ID, "event_type", evt.Type, "depth", evt.Depth)
		return skip(ReasonDepthExceeded)
	}

	ctx, span := telemetry.StartSpan(ctx, "rules.workflow",
		attribute.String(telemetry.WorkflowIDKey, wf.ID),
		attribute.String(telemetry.WorkflowNameKey, wf.Name),
		attribute.String(telemetry.EventIDKey, evt.ID),
		attribute.Int(telemetry.EventDepthKey, evt.Depth),
	)
	defer span.End()

	lookup := e.lookup(ctx, evt)
	if !Matches(wf.TriggerConditions, lookup) {
		return skip(ReasonNoMatch)
	}
	if len(wf.Actions) == 0 {
		return skip(ReasonNoActions)
	}

	for i, action := range wf.Actions {
		produced, err := e.execute(ctx, evt, wf, i, action, lookup)
		if err != nil {
			execErr := &domain.ActionExecutionError{WorkflowID: wf.ID, Index: i, Type: action.Type, Err: err}
			telemetry.SetError(span, execErr, attribute.Int(telemetry.ActionIndexKey, i))
			e.logger().Warn("workflow action failed", "workflow_id", wf.ID, "action_index", i, "action_type", action.Type, "error", err)
			idx := i
			res.Status = domain.ExecutionPartialFailure
			res.FailedActionIndex = &idx
			res.Error = execErr.Error()
			return res
		}
		res.ExecutedActions++
		for _, child := range produced {
			if e.Cascade == nil {
				continue
			}
			res.Cascade = append(res.Cascade, e.Cascade.Emit(ctx, child)...)
		}
	}
	res.Status = domain.ExecutionSuccess
	return res
}

// lookup resolves keys from the payload first, then from the entity's
// current state, which is loaded at most once per workflow run.
func (e Engine) lookup(ctx context.Context, evt domain.DomainEvent) Lookup {
	var (
		state  map[string]any
		loaded bool
	)
	return func(key string) (any, bool) {
		if v, ok := evt.Payload[key]; ok {
			return v, true
		}
		if !loaded {
			loaded = true
			if e.Entities != nil && evt.EntityID != "" {
				s, err := e.Entities.EntityState(ctx, evt.EventEntityKind(), evt.EntityID)
				if err != nil && !errors.Is(err, domain.ErrNotFound) {
					e.logger().Debug("entity state unavailable", "kind", evt.EventEntityKind(), "id", evt.EntityID, "error", err)
				}
				state = s
			}
		}
		v, ok := state[key]
		return v, ok
	}
}

func (e Engine) execute(ctx context.Context, evt domain.DomainEvent, wf domain.Workflow, index int, action domain.Action, lookup Lookup) ([]domain.DomainEvent, error) {
	ctx, span := telemetry.StartSpan(ctx, "rules.action",
		attribute.String(telemetry.WorkflowIDKey, wf.ID),
		attribute.Int(telemetry.ActionIndexKey, index),
		attribute.String(telemetry.ActionTypeKey, string(action.Type)),
	)
	defer span.End()

	target := Target{
		Kind:       evt.EventEntityKind(),
		ID:         evt.EntityID,
		PipelineID: evt.PipelineID,
		Depth:      evt.Depth + 1,
		WorkflowID: wf.ID,
	}
	events, err := e.apply(ctx, evt, wf, target, action, lookup)
	if err != nil {
		telemetry.SetError(span, err)
	}
	return events, err
}

func (e Engine) apply(ctx context.Context, evt domain.DomainEvent, wf domain.Workflow, target Target, action domain.Action, lookup Lookup) ([]domain.DomainEvent, error) {
	switch cfg := action.Config.(type) {
	case domain.UpdateFieldConfig:
		if err := e.needEntity(target); err != nil {
			return nil, err
		}
		return e.Entities.UpdateField(ctx, target, cfg.Field, cfg.Value)
	case domain.AssignToUserConfig:
		if err := e.needEntity(target); err != nil {
			return nil, err
		}
		return e.Entities.UpdateField(ctx, target, "assignee_id", cfg.UserID)
	case domain.AddTagConfig:
		if err := e.needEntity(target); err != nil {
			return nil, err
		}
		return e.Entities.AddTag(ctx, target, cfg.Tag)
	case domain.CreateTaskConfig:
		if e.Entities == nil {
			return nil, errors.New("no entity store configured")
		}
		title, err := Render(cfg.Title, lookup)
		if err != nil {
			return nil, err
		}
		cfg.Title = title
		return e.Entities.CreateFollowUpTask(ctx, target, cfg)
	case domain.SendEmailConfig:
		n, err := e.email(cfg, lookup)
		if err != nil {
			return nil, err
		}
		return nil, e.send(ctx, evt, wf, n)
	case domain.SendNotificationConfig:
		msg, err := Render(cfg.Message, lookup)
		if err != nil {
			return nil, err
		}
		channel := cfg.Channel
		if channel == "" {
			channel = domain.DefaultNotificationChannel
		}
		return nil, e.send(ctx, evt, wf, domain.Notification{Kind: domain.NotificationMessage, Channel: channel, Message: msg})
	}
	return nil, fmt.Errorf("unsupported action type %q", action.Type)
}

func (e Engine) needEntity(t Target) error {
	if e.Entities == nil {
		return errors.New("no entity store configured")
	}
	if t.ID == "" {
		return fmt.Errorf("event has no %s to act on", t.Kind)
	}
	return nil
}

func (e Engine) email(cfg domain.SendEmailConfig, lookup Lookup) (domain.Notification, error) {
	to, err := Render(cfg.To, lookup)
	if err != nil {
		return domain.Notification{}, err
	}
	if !domain.IsEmail(to) {
		return domain.Notification{}, fmt.Errorf("recipient %q is not an email address", to)
	}
	subject, err := Render(cfg.Subject, lookup)
	if err != nil {
		return domain.Notification{}, err
	}
	body, err := Render(cfg.Body, lookup)
	if err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{Kind: domain.NotificationEmail, Channel: "email", To: to, Subject: subject, Body: body}, nil
}

// send hands n to the notifier under the configured action timeout.
func (e Engine) send(ctx context.Context, evt domain.DomainEvent, wf domain.Workflow, n domain.Notification) error {
	if e.Notifier == nil {
		return errors.New("no notification channel configured")
	}
	n.ID = uuid.NewString()
	n.WorkflowID = wf.ID
	n.EventID = evt.ID
	n.EventType = string(evt.Type)
	n.EntityKind = evt.EventEntityKind()
	n.EntityID = evt.EntityID
	n.CreatedAt = e.now().UTC().Format(time.RFC3339)

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	if err := e.Notifier.Send(sendCtx, n); err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %s: %w", n.Kind, e.timeout(), err)
		}
		return err
	}
	return nil
}
