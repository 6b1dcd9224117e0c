package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/rules"
)

// Engine serves as the rule engine's entity store: actions read and mutate
// records through these methods, each in its own transaction.
var _ rules.Entities = Engine{}
var _ rules.WorkflowSource = Engine{}

// EntityState returns the current record as a field map keyed by json names.
func (e Engine) EntityState(ctx context.Context, kind, id string) (map[string]any, error) {
	var rec any
	var err error
	switch kind {
	case domain.KindOpportunity:
		rec, err = e.Repo.GetOpportunity(ctx, nil, id)
	case domain.KindContact:
		rec, err = e.Repo.GetContact(ctx, nil, id)
	case domain.KindLead:
		rec, err = e.Repo.GetLead(ctx, nil, id)
	case domain.KindTask:
		rec, err = e.Repo.GetTask(ctx, nil, id)
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	state := map[string]any{}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateField writes one whitelisted field of the target. Stage changes go
// through the move path and a task set to completed is completed, so both
// emit their events.
func (e Engine) UpdateField(ctx context.Context, t rules.Target, field string, value any) ([]domain.DomainEvent, error) {
	if !domain.IsUpdatableField(t.Kind, field) {
		return nil, fmt.Errorf("field %s is not updatable on %s", field, t.Kind)
	}
	actor := workflowActor(t.WorkflowID)
	switch {
	case t.Kind == domain.KindOpportunity && field == "stage":
		target, err := domain.FieldString(value)
		if err != nil {
			return nil, err
		}
		return e.moveForAction(ctx, t, target, actor)
	case t.Kind == domain.KindTask && field == "status":
		status, err := domain.FieldString(value)
		if err != nil {
			return nil, err
		}
		if status == domain.TaskCompleted {
			return e.completeForAction(ctx, t, actor)
		}
	}
	return nil, e.setField(ctx, t, field, value, actor)
}

func (e Engine) moveForAction(ctx context.Context, t rules.Target, stage, actor string) ([]domain.DomainEvent, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOpportunity(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	stages, err := e.Repo.ListStages(ctx, tx, o.PipelineID)
	if err != nil {
		return nil, err
	}
	dest, ok := resolveStage(stages, stage)
	if !ok {
		return nil, &domain.TransitionError{OpportunityID: o.ID, PipelineID: o.PipelineID, Target: stage, Reason: "no such stage"}
	}
	evt, moved, err := e.moveTx(ctx, tx, o, dest, t.Depth, actor)
	if err != nil || !moved {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Metrics.StageMoved(o.PipelineID, dest.Key)
	return []domain.DomainEvent{evt}, nil
}

func (e Engine) completeForAction(ctx context.Context, t rules.Target, actor string) ([]domain.DomainEvent, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTask(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if task.Status == domain.TaskCompleted {
		return nil, nil
	}
	evt, err := e.completeTx(ctx, tx, task, t.Depth, actor)
	if err != nil {
		return nil, err
	}
	return []domain.DomainEvent{evt}, tx.Commit()
}

// setField loads the target, assigns field and saves it without emitting a
// domain event.
func (e Engine) setField(ctx context.Context, t rules.Target, field string, value any, actor string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.timestamp()
	pipelineID := t.PipelineID
	switch t.Kind {
	case domain.KindOpportunity:
		o, err := e.Repo.GetOpportunity(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := domain.SetField(&o, field, value); err != nil {
			return err
		}
		if err := domain.ValidateStruct("", o).Err(); err != nil {
			return err
		}
		o.UpdatedAt = now
		pipelineID = o.PipelineID
		err = e.Repo.UpdateOpportunity(ctx, tx, o)
		if err != nil {
			return err
		}
	case domain.KindContact:
		c, err := e.Repo.GetContact(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := domain.SetField(&c, field, value); err != nil {
			return err
		}
		if err := domain.ValidateStruct("", c).Err(); err != nil {
			return err
		}
		c.UpdatedAt = now
		if err := e.Repo.UpdateContact(ctx, tx, c); err != nil {
			return err
		}
	case domain.KindLead:
		l, err := e.Repo.GetLead(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := domain.SetField(&l, field, value); err != nil {
			return err
		}
		if err := domain.ValidateStruct("", l).Err(); err != nil {
			return err
		}
		l.UpdatedAt = now
		if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
			return err
		}
	case domain.KindTask:
		task, err := e.Repo.GetTask(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := domain.SetField(&task, field, value); err != nil {
			return err
		}
		if err := domain.ValidateStruct("", task).Err(); err != nil {
			return err
		}
		task.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown entity kind %q", t.Kind)
	}
	if _, err := e.events().Append(ctx, tx, t.Kind+".update", t.Kind, t.ID, pipelineID, actor, events.EventPayload{field: value}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddTag appends tag to the target's tags; an existing tag is left alone.
func (e Engine) AddTag(ctx context.Context, t rules.Target, tag string) ([]domain.DomainEvent, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var added bool
	switch t.Kind {
	case domain.KindOpportunity:
		o, err := e.Repo.GetOpportunity(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		if o.Tags, added = addTag(o.Tags, tag); added {
			o.UpdatedAt = e.timestamp()
			err = e.Repo.UpdateOpportunity(ctx, tx, o)
		}
		if err != nil {
			return nil, err
		}
	case domain.KindContact:
		c, err := e.Repo.GetContact(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		if c.Tags, added = addTag(c.Tags, tag); added {
			c.UpdatedAt = e.timestamp()
			err = e.Repo.UpdateContact(ctx, tx, c)
		}
		if err != nil {
			return nil, err
		}
	case domain.KindLead:
		l, err := e.Repo.GetLead(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		if l.Tags, added = addTag(l.Tags, tag); added {
			l.UpdatedAt = e.timestamp()
			err = e.Repo.UpdateLead(ctx, tx, l)
		}
		if err != nil {
			return nil, err
		}
	case domain.KindTask:
		task, err := e.Repo.GetTask(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		if task.Tags, added = addTag(task.Tags, tag); added {
			task.UpdatedAt = e.timestamp()
			err = e.Repo.UpdateTask(ctx, tx, task)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown entity kind %q", t.Kind)
	}
	if !added {
		return nil, nil
	}
	if _, err := e.events().Append(ctx, tx, t.Kind+".tag", t.Kind, t.ID, t.PipelineID, workflowActor(t.WorkflowID), events.EventPayload{"tag": tag}); err != nil {
		return nil, err
	}
	return nil, tx.Commit()
}

// CreateFollowUpTask opens a task linked to the target record, which must
// still exist.
func (e Engine) CreateFollowUpTask(ctx context.Context, t rules.Target, cfg domain.CreateTaskConfig) ([]domain.DomainEvent, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.requireEntity(ctx, tx, t.Kind, t.ID); err != nil {
		return nil, err
	}
	in := TaskInput{
		Title:       cfg.Title,
		Description: cfg.Description,
		AssigneeID:  cfg.AssigneeID,
		EntityKind:  t.Kind,
		EntityID:    t.ID,
	}
	if cfg.DueInDays > 0 {
		in.DueDate = dueDate(e.now(), cfg.DueInDays)
	}
	if _, err := e.createTaskTx(ctx, tx, in, workflowActor(t.WorkflowID)); err != nil {
		return nil, err
	}
	return nil, tx.Commit()
}

func (e Engine) requireEntity(ctx context.Context, tx *sql.Tx, kind, id string) error {
	var err error
	switch kind {
	case domain.KindOpportunity:
		_, err = e.Repo.GetOpportunity(ctx, tx, id)
	case domain.KindContact:
		_, err = e.Repo.GetContact(ctx, tx, id)
	case domain.KindLead:
		_, err = e.Repo.GetLead(ctx, tx, id)
	case domain.KindTask:
		_, err = e.Repo.GetTask(ctx, tx, id)
	default:
		err = fmt.Errorf("unknown entity kind %q", kind)
	}
	return err
}
