package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"crmflow/internal/domain"
)

const workflowCols = `id,name,COALESCE(description,''),trigger_type,conditions_json,actions_json,is_active,created_at,updated_at`

func scanWorkflow(s scanner) (domain.Workflow, error) {
	var w domain.Workflow
	var conditions, actions string
	var active int
	if err := s.Scan(&w.ID, &w.Name, &w.Description, &w.TriggerType, &conditions, &actions, &active, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return w, err
	}
	w.IsActive = active == 1
	if err := json.Unmarshal([]byte(conditions), &w.TriggerConditions); err != nil {
		return w, fmt.Errorf("workflow %s conditions: %w", w.ID, err)
	}
	if w.TriggerConditions == nil {
		w.TriggerConditions = map[string]any{}
	}
	if err := json.Unmarshal([]byte(actions), &w.Actions); err != nil {
		return w, fmt.Errorf("workflow %s actions: %w", w.ID, err)
	}
	return w, nil
}

func encodeWorkflow(w domain.Workflow) (string, string, error) {
	conditions := w.TriggerConditions
	if conditions == nil {
		conditions = map[string]any{}
	}
	c, err := json.Marshal(conditions)
	if err != nil {
		return "", "", fmt.Errorf("marshal conditions: %w", err)
	}
	actions := w.Actions
	if actions == nil {
		actions = []domain.Action{}
	}
	a, err := json.Marshal(actions)
	if err != nil {
		return "", "", fmt.Errorf("marshal actions: %w", err)
	}
	return string(c), string(a), nil
}

func (r Repo) InsertWorkflow(ctx context.Context, q Querier, w domain.Workflow) error {
	conditions, actions, err := encodeWorkflow(w)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO workflows(id,name,description,trigger_type,conditions_json,actions_json,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, nullable(w.Description), string(w.TriggerType), conditions, actions, boolInt(w.IsActive), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, q Querier, id string) (domain.Workflow, error) {
	w, err := scanWorkflow(r.q(q).QueryRowContext(ctx, `SELECT `+workflowCols+` FROM workflows WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return w, domain.NotFound(domain.KindWorkflow, id)
	}
	return w, err
}

type WorkflowFilters struct {
	TriggerType domain.TriggerType
	Active      *bool
}

var workflowOrder = map[string]string{"name": "name", "trigger_type": "trigger_type", "created_at": "created_at", "updated_at": "updated_at"}

func (r Repo) ListWorkflows(ctx context.Context, q Querier, f WorkflowFilters, opts ListOptions) ([]domain.Workflow, error) {
	var w whereBuilder
	w.eq("trigger_type", string(f.TriggerType))
	w.eqBool("is_active", f.Active)
	where := w.sql()
	tail, err := w.tail(opts, workflowOrder, "created_at")
	if err != nil {
		return nil, err
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+workflowCols+` FROM workflows`+where+tail, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

func (r Repo) UpdateWorkflow(ctx context.Context, q Querier, w domain.Workflow) error {
	conditions, actions, err := encodeWorkflow(w)
	if err != nil {
		return err
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE workflows SET name=?, description=?, trigger_type=?, conditions_json=?, actions_json=?, is_active=?, updated_at=? WHERE id=?`,
		w.Name, nullable(w.Description), string(w.TriggerType), conditions, actions, boolInt(w.IsActive), w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindWorkflow, w.ID)
}

func (r Repo) DeleteWorkflow(ctx context.Context, q Querier, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM workflows WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindWorkflow, id)
}
