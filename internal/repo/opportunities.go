package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

const opportunityCols = `id,pipeline_id,name,value,probability,stage,status,expected_close_date,contact_id,lead_id,assignee_id,tags_json,version,created_at,updated_at`

func scanOpportunity(s scanner) (domain.Opportunity, error) {
	var o domain.Opportunity
	var closeDate, contactID, leadID, assigneeID sql.NullString
	var tags string
	if err := s.Scan(&o.ID, &o.PipelineID, &o.Name, &o.Value, &o.Probability, &o.Stage, &o.Status,
		&closeDate, &contactID, &leadID, &assigneeID, &tags, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return o, err
	}
	o.ExpectedCloseDate = stringPtr(closeDate)
	o.ContactID = stringPtr(contactID)
	o.LeadID = stringPtr(leadID)
	o.AssigneeID = stringPtr(assigneeID)
	var err error
	o.Tags, err = unmarshalTags(tags)
	return o, err
}

func (r Repo) InsertOpportunity(ctx context.Context, q Querier, o domain.Opportunity) error {
	tags, err := marshalTags(o.Tags)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO opportunities(`+opportunityCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.PipelineID, o.Name, o.Value, o.Probability, o.Stage, o.Status,
		nullableStringPtr(o.ExpectedCloseDate), nullableStringPtr(o.ContactID), nullableStringPtr(o.LeadID), nullableStringPtr(o.AssigneeID),
		tags, o.Version, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOpportunity(ctx context.Context, q Querier, id string) (domain.Opportunity, error) {
	o, err := scanOpportunity(r.q(q).QueryRowContext(ctx, `SELECT `+opportunityCols+` FROM opportunities WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return o, domain.NotFound(domain.KindOpportunity, id)
	}
	return o, err
}

type OpportunityFilters struct {
	PipelineID string
	Stage      string
	Status     string
	AssigneeID string
	ContactID  string
}

var opportunityOrder = map[string]string{
	"name":                "name",
	"value":               "value",
	"probability":         "probability",
	"stage":               "stage",
	"status":              "status",
	"expected_close_date": "expected_close_date",
	"created_at":          "created_at",
	"updated_at":          "updated_at",
}

func (r Repo) ListOpportunities(ctx context.Context, q Querier, f OpportunityFilters, opts ListOptions) ([]domain.Opportunity, error) {
	var w whereBuilder
	w.eq("pipeline_id", f.PipelineID)
	w.eq("stage", f.Stage)
	w.eq("status", f.Status)
	w.eq("assignee_id", f.AssigneeID)
	w.eq("contact_id", f.ContactID)
	where := w.sql()
	tail, err := w.tail(opts, opportunityOrder, "created_at")
	if err != nil {
		return nil, err
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+opportunityCols+` FROM opportunities`+where+tail, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpdateOpportunity writes every mutable column when the stored version
// equals o.Version and bumps the version.
func (r Repo) UpdateOpportunity(ctx context.Context, q Querier, o domain.Opportunity) error {
	q = r.q(q)
	tags, err := marshalTags(o.Tags)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE opportunities SET name=?, value=?, probability=?, stage=?, status=?, expected_close_date=?, contact_id=?, lead_id=?, assignee_id=?, tags_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		o.Name, o.Value, o.Probability, o.Stage, o.Status, nullableStringPtr(o.ExpectedCloseDate), nullableStringPtr(o.ContactID),
		nullableStringPtr(o.LeadID), nullableStringPtr(o.AssigneeID), tags, o.UpdatedAt, o.ID, o.Version)
	if err != nil {
		return err
	}
	return checkVersioned(ctx, q, res, "opportunities", domain.KindOpportunity, o.ID, o.Version)
}

func (r Repo) DeleteOpportunity(ctx context.Context, q Querier, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM opportunities WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindOpportunity, id)
}

// CountOpportunities counts opportunities in a pipeline, optionally restricted to one stage key.
func (r Repo) CountOpportunities(ctx context.Context, q Querier, pipelineID, stageKey string) (int, error) {
	var w whereBuilder
	w.eq("pipeline_id", pipelineID)
	w.eq("stage", stageKey)
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM opportunities`+w.sql(), w.args...).Scan(&n)
	return n, err
}
