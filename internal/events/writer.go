package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crmflow/internal/domain"
)

// Writer appends to the durable event log inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

// Append logs an audit event that no workflow can trigger on.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, pipelineID, actorID string, payload EventPayload) (int64, error) {
	return w.insert(ctx, tx, w.now().UTC().Format(time.RFC3339), evtType, entityKind, entityID, pipelineID, actorID, payload, nil)
}

// AppendDomain logs a workflow trigger. It assigns the event id and
// occurrence time when unset, so evt is ready to dispatch after commit.
func (w Writer) AppendDomain(ctx context.Context, tx *sql.Tx, evt *domain.DomainEvent, actorID string) (int64, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt == "" {
		evt.OccurredAt = w.now().UTC().Format(time.RFC3339)
	}
	if evt.EntityKind == "" {
		evt.EntityKind = evt.Type.EntityKind()
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("marshal domain event: %w", err)
	}
	domainJSON := string(raw)
	return w.insert(ctx, tx, evt.OccurredAt, string(evt.Type), evt.EntityKind, evt.EntityID, evt.PipelineID, actorID, evt.Payload, &domainJSON)
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, ts, evtType, entityKind, entityID, pipelineID, actorID string, payload map[string]any, domainJSON *string) (int64, error) {
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var dj any
	if domainJSON != nil {
		dj = *domainJSON
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,pipeline_id,actor_id,payload_json,domain_event_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), nullable(pipelineID), actorID, string(data), dj)
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", evtType, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
