package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/repo"
)

type TaskInput struct {
	ID          string
	Title       string
	Description string
	DueDate     string
	AssigneeID  string
	EntityKind  string
	EntityID    string
	Tags        []string
}

type TaskPatch struct {
	Title       *string
	Description *string
	DueDate     *string
	AssigneeID  *string
	Tags        *[]string
	IfVersion   *int64
}

func (e Engine) CreateTask(ctx context.Context, in TaskInput) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.createTaskTx(ctx, tx, in, e.actor())
	if err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

func (e Engine) createTaskTx(ctx context.Context, tx *sql.Tx, in TaskInput, actor string) (domain.Task, error) {
	now := e.timestamp()
	t := domain.Task{
		ID:          newID(in.ID),
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Status:      domain.TaskOpen,
		DueDate:     optionalString(in.DueDate),
		AssigneeID:  optionalString(in.AssigneeID),
		EntityKind:  strings.TrimSpace(in.EntityKind),
		EntityID:    strings.TrimSpace(in.EntityID),
		Tags:        normalizeTags(in.Tags),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := domain.ValidateStruct("", t).Err(); err != nil {
		return domain.Task{}, err
	}
	if (t.EntityKind == "") != (t.EntityID == "") {
		return domain.Task{}, domain.Invalid("entity_id", "entity_kind and entity_id must be set together")
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{"title": t.Title}
	if t.EntityID != "" {
		payload["entity_kind"] = t.EntityKind
		payload["entity_id"] = t.EntityID
	}
	if _, err := e.events().Append(ctx, tx, "task.create", domain.KindTask, t.ID, "", actor, payload); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters, opts repo.ListOptions) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, nil, f, opts)
}

func (e Engine) UpdateTask(ctx context.Context, id string, patch TaskPatch) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := checkVersion(domain.KindTask, id, patch.IfVersion, t.Version); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{}
	setString(&t.Title, patch.Title, "title", payload)
	setString(&t.Description, patch.Description, "description", payload)
	if patch.DueDate != nil {
		t.DueDate = optionalString(*patch.DueDate)
		payload["due_date"] = derefString(t.DueDate)
	}
	if patch.AssigneeID != nil {
		t.AssigneeID = optionalString(*patch.AssigneeID)
		payload["assignee_id"] = derefString(t.AssigneeID)
	}
	if patch.Tags != nil {
		t.Tags = normalizeTags(*patch.Tags)
		payload["tags"] = t.Tags
	}
	if err := domain.ValidateStruct("", t).Err(); err != nil {
		return domain.Task{}, err
	}
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	t.Version++
	if _, err := e.events().Append(ctx, tx, "task.update", domain.KindTask, id, "", e.actor(), payload); err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

// CompleteTask marks a task completed and emits task_completed. Completing
// an already completed task is a no-op.
func (e Engine) CompleteTask(ctx context.Context, id string) (domain.Task, []domain.WorkflowExecutionResult, error) {
	return e.completeTask(ctx, id, 0, e.actor())
}

func (e Engine) completeTask(ctx context.Context, id string, depth int, actor string) (domain.Task, []domain.WorkflowExecutionResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, nil, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, nil, err
	}
	if t.Status == domain.TaskCompleted {
		return t, nil, nil
	}
	evt, err := e.completeTx(ctx, tx, t, depth, actor)
	if err != nil {
		return domain.Task{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, nil, err
	}
	t.Status = domain.TaskCompleted
	t.CompletedAt = &evt.OccurredAt
	t.UpdatedAt = evt.OccurredAt
	t.Version++
	return t, e.dispatch(ctx, evt), nil
}

// completeTx marks t completed and logs task_completed in tx.
func (e Engine) completeTx(ctx context.Context, tx *sql.Tx, t domain.Task, depth int, actor string) (domain.DomainEvent, error) {
	now := e.timestamp()
	t.Status = domain.TaskCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.DomainEvent{}, err
	}
	payload := map[string]any{"task_id": t.ID, "title": t.Title, "status": t.Status}
	if t.EntityID != "" {
		payload["entity_kind"] = t.EntityKind
		payload["entity_id"] = t.EntityID
	}
	if t.AssigneeID != nil {
		payload["assignee_id"] = *t.AssigneeID
	}
	evt := domain.DomainEvent{
		Type:       domain.TriggerTaskCompleted,
		EntityKind: domain.KindTask,
		EntityID:   t.ID,
		Payload:    payload,
		OccurredAt: now,
		Depth:      depth,
	}
	if _, err := e.events().AppendDomain(ctx, tx, &evt, actor); err != nil {
		return domain.DomainEvent{}, err
	}
	return evt, nil
}

func (e Engine) DeleteTask(ctx context.Context, id string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if _, err := e.events().Append(ctx, tx, "task.delete", domain.KindTask, id, "", e.actor(), nil); err != nil {
		return err
	}
	return tx.Commit()
}

func dueDate(now time.Time, days int) string {
	return now.UTC().AddDate(0, 0, days).Format("2006-01-02")
}
