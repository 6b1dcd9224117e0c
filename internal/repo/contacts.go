package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

const contactCols = `id,name,COALESCE(email,''),COALESCE(phone,''),COALESCE(company,''),assignee_id,tags_json,version,created_at,updated_at`

func scanContact(s scanner) (domain.Contact, error) {
	var c domain.Contact
	var assigneeID sql.NullString
	var tags string
	if err := s.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company, &assigneeID, &tags, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.AssigneeID = stringPtr(assigneeID)
	var err error
	c.Tags, err = unmarshalTags(tags)
	return c, err
}

func (r Repo) InsertContact(ctx context.Context, q Querier, c domain.Contact) error {
	tags, err := marshalTags(c.Tags)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO contacts(id,name,email,phone,company,assignee_id,tags_json,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.Email), nullable(c.Phone), nullable(c.Company), nullableStringPtr(c.AssigneeID), tags, c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContact(ctx context.Context, q Querier, id string) (domain.Contact, error) {
	c, err := scanContact(r.q(q).QueryRowContext(ctx, `SELECT `+contactCols+` FROM contacts WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return c, domain.NotFound(domain.KindContact, id)
	}
	return c, err
}

type ContactFilters struct {
	Company    string
	Email      string
	AssigneeID string
}

var contactOrder = map[string]string{"name": "name", "company": "company", "created_at": "created_at", "updated_at": "updated_at"}

func (r Repo) ListContacts(ctx context.Context, q Querier, f ContactFilters, opts ListOptions) ([]domain.Contact, error) {
	var w whereBuilder
	w.eq("company", f.Company)
	w.eq("email", f.Email)
	w.eq("assignee_id", f.AssigneeID)
	where := w.sql()
	tail, err := w.tail(opts, contactOrder, "created_at")
	if err != nil {
		return nil, err
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+contactCols+` FROM contacts`+where+tail, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateContact(ctx context.Context, q Querier, c domain.Contact) error {
	q = r.q(q)
	tags, err := marshalTags(c.Tags)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE contacts SET name=?, email=?, phone=?, company=?, assignee_id=?, tags_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		c.Name, nullable(c.Email), nullable(c.Phone), nullable(c.Company), nullableStringPtr(c.AssigneeID), tags, c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return err
	}
	return checkVersioned(ctx, q, res, "contacts", domain.KindContact, c.ID, c.Version)
}

func (r Repo) DeleteContact(ctx context.Context, q Querier, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM contacts WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindContact, id)
}
