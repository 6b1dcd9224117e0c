package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

const leadCols = `id,name,COALESCE(email,''),COALESCE(company,''),COALESCE(source,''),status,assignee_id,tags_json,version,created_at,updated_at`

func scanLead(s scanner) (domain.Lead, error) {
	var l domain.Lead
	var assigneeID sql.NullString
	var tags string
	if err := s.Scan(&l.ID, &l.Name, &l.Email, &l.Company, &l.Source, &l.Status, &assigneeID, &tags, &l.Version, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return l, err
	}
	l.AssigneeID = stringPtr(assigneeID)
	var err error
	l.Tags, err = unmarshalTags(tags)
	return l, err
}

func (r Repo) InsertLead(ctx context.Context, q Querier, l domain.Lead) error {
	tags, err := marshalTags(l.Tags)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO leads(id,name,email,company,source,status,assignee_id,tags_json,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.Name, nullable(l.Email), nullable(l.Company), nullable(l.Source), l.Status, nullableStringPtr(l.AssigneeID), tags, l.Version, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetLead(ctx context.Context, q Querier, id string) (domain.Lead, error) {
	l, err := scanLead(r.q(q).QueryRowContext(ctx, `SELECT `+leadCols+` FROM leads WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return l, domain.NotFound(domain.KindLead, id)
	}
	return l, err
}

type LeadFilters struct {
	Status     string
	Source     string
	AssigneeID string
}

var leadOrder = map[string]string{"name": "name", "status": "status", "source": "source", "created_at": "created_at", "updated_at": "updated_at"}

func (r Repo) ListLeads(ctx context.Context, q Querier, f LeadFilters, opts ListOptions) ([]domain.Lead, error) {
	var w whereBuilder
	w.eq("status", f.Status)
	w.eq("source", f.Source)
	w.eq("assignee_id", f.AssigneeID)
	where := w.sql()
	tail, err := w.tail(opts, leadOrder, "created_at")
	if err != nil {
		return nil, err
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+leadCols+` FROM leads`+where+tail, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) UpdateLead(ctx context.Context, q Querier, l domain.Lead) error {
	q = r.q(q)
	tags, err := marshalTags(l.Tags)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE leads SET name=?, email=?, company=?, source=?, status=?, assignee_id=?, tags_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		l.Name, nullable(l.Email), nullable(l.Company), nullable(l.Source), l.Status, nullableStringPtr(l.AssigneeID), tags, l.UpdatedAt, l.ID, l.Version)
	if err != nil {
		return err
	}
	return checkVersioned(ctx, q, res, "leads", domain.KindLead, l.ID, l.Version)
}

func (r Repo) DeleteLead(ctx context.Context, q Querier, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM leads WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindLead, id)
}
