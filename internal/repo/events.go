package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"crmflow/internal/domain"
)

const eventCols = `id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(pipeline_id,''),actor_id,payload_json`

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	PipelineID string
}

func (r Repo) scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.PipelineID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first. A positive cursor only returns ids below it.
func (r Repo) LatestEvents(ctx context.Context, q Querier, f EventFilters, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var w whereBuilder
	w.eq("type", f.Type)
	w.eq("entity_kind", f.EntityKind)
	w.eq("entity_id", f.EntityID)
	w.eq("pipeline_id", f.PipelineID)
	if cursor > 0 {
		w.clauses = append(w.clauses, "id<?")
		w.args = append(w.args, cursor)
	}
	args := append(w.args, limit)
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+eventCols+` FROM events`+w.sql()+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return r.scanEvents(rows)
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, q Querier, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return r.scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context, q Querier) (int64, error) {
	var id int64
	err := r.q(q).QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// GetDomainEvent loads the dispatchable event stored with log row id.
func (r Repo) GetDomainEvent(ctx context.Context, q Querier, id int64) (domain.DomainEvent, error) {
	var raw sql.NullString
	err := r.q(q).QueryRowContext(ctx, `SELECT domain_event_json FROM events WHERE id=?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.DomainEvent{}, domain.NotFound("event", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return domain.DomainEvent{}, err
	}
	if !raw.Valid {
		return domain.DomainEvent{}, domain.Invalid("event_id", "event %d does not carry a workflow trigger", id)
	}
	var evt domain.DomainEvent
	if err := json.Unmarshal([]byte(raw.String), &evt); err != nil {
		return domain.DomainEvent{}, fmt.Errorf("decode event %d: %w", id, err)
	}
	return evt, nil
}

func (r Repo) InsertWorkflowRun(ctx context.Context, q Querier, run domain.WorkflowRun) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO workflow_runs(event_id,event_type,workflow_id,status,failed_action_index,error,created_at) VALUES (?,?,?,?,?,?,?)`,
		run.EventID, run.EventType, run.WorkflowID, run.Status, nullableIntPtr(run.FailedActionIndex), nullable(run.Error), run.CreatedAt)
	return err
}

type RunFilters struct {
	WorkflowID string
	EventID    string
	Status     string
}

func (r Repo) ListWorkflowRuns(ctx context.Context, q Querier, f RunFilters, limit int) ([]domain.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var w whereBuilder
	w.eq("workflow_id", f.WorkflowID)
	w.eq("event_id", f.EventID)
	w.eq("status", f.Status)
	args := append(w.args, limit)
	rows, err := r.q(q).QueryContext(ctx, `SELECT id,event_id,event_type,workflow_id,status,failed_action_index,COALESCE(error,''),created_at FROM workflow_runs`+w.sql()+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRun
	for rows.Next() {
		var run domain.WorkflowRun
		var idx sql.NullInt64
		if err := rows.Scan(&run.ID, &run.EventID, &run.EventType, &run.WorkflowID, &run.Status, &idx, &run.Error, &run.CreatedAt); err != nil {
			return nil, err
		}
		if idx.Valid {
			i := int(idx.Int64)
			run.FailedActionIndex = &i
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// CountRunsByStatus tallies recorded workflow runs per execution status.
func (r Repo) CountRunsByStatus(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
