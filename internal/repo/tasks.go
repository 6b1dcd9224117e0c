package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

const taskCols = `id,title,COALESCE(description,''),status,due_date,assignee_id,COALESCE(entity_kind,''),COALESCE(entity_id,''),tags_json,version,created_at,updated_at,completed_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var dueDate, assigneeID, completedAt sql.NullString
	var tags string
	if err := s.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &dueDate, &assigneeID, &t.EntityKind, &t.EntityID,
		&tags, &t.Version, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return t, err
	}
	t.DueDate = stringPtr(dueDate)
	t.AssigneeID = stringPtr(assigneeID)
	t.CompletedAt = stringPtr(completedAt)
	var err error
	t.Tags, err = unmarshalTags(tags)
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.Task) error {
	tags, err := marshalTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO tasks(id,title,description,status,due_date,assignee_id,entity_kind,entity_id,tags_json,version,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.DueDate), nullableStringPtr(t.AssigneeID),
		nullable(t.EntityKind), nullable(t.EntityID), tags, t.Version, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	t, err := scanTask(r.q(q).QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, domain.NotFound(domain.KindTask, id)
	}
	return t, err
}

type TaskFilters struct {
	Status     string
	AssigneeID string
	EntityKind string
	EntityID   string
}

var taskOrder = map[string]string{"title": "title", "status": "status", "due_date": "due_date", "created_at": "created_at", "updated_at": "updated_at"}

func (r Repo) ListTasks(ctx context.Context, q Querier, f TaskFilters, opts ListOptions) ([]domain.Task, error) {
	var w whereBuilder
	w.eq("status", f.Status)
	w.eq("assignee_id", f.AssigneeID)
	w.eq("entity_kind", f.EntityKind)
	w.eq("entity_id", f.EntityID)
	where := w.sql()
	tail, err := w.tail(opts, taskOrder, "created_at")
	if err != nil {
		return nil, err
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+taskCols+` FROM tasks`+where+tail, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTask(ctx context.Context, q Querier, t domain.Task) error {
	q = r.q(q)
	tags, err := marshalTags(t.Tags)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, due_date=?, assignee_id=?, tags_json=?, version=version+1, updated_at=?, completed_at=? WHERE id=? AND version=?`,
		t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.DueDate), nullableStringPtr(t.AssigneeID), tags,
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID, t.Version)
	if err != nil {
		return err
	}
	return checkVersioned(ctx, q, res, "tasks", domain.KindTask, t.ID, t.Version)
}

func (r Repo) DeleteTask(ctx context.Context, q Querier, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindTask, id)
}
