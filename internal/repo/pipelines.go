package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

const pipelineCols = `id,name,COALESCE(description,''),is_active,created_at,updated_at`

func scanPipeline(s scanner) (domain.Pipeline, error) {
	var p domain.Pipeline
	var active int
	err := s.Scan(&p.ID, &p.Name, &p.Description, &active, &p.CreatedAt, &p.UpdatedAt)
	p.IsActive = active == 1
	return p, err
}

func (r Repo) InsertPipeline(ctx context.Context, q Querier, p domain.Pipeline) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO pipelines(id,name,description,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), boolInt(p.IsActive), p.CreatedAt, p.UpdatedAt)
	return err
}

// GetPipeline returns the pipeline without its stages.
func (r Repo) GetPipeline(ctx context.Context, q Querier, id string) (domain.Pipeline, error) {
	p, err := scanPipeline(r.q(q).QueryRowContext(ctx, `SELECT `+pipelineCols+` FROM pipelines WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, domain.NotFound(domain.KindPipeline, id)
	}
	return p, err
}

type PipelineFilters struct {
	Name   string
	Active *bool
}

var pipelineOrder = map[string]string{"name": "name", "created_at": "created_at", "updated_at": "updated_at"}

func (r Repo) ListPipelines(ctx context.Context, q Querier, f PipelineFilters, opts ListOptions) ([]domain.Pipeline, error) {
	var w whereBuilder
	w.eq("name", f.Name)
	w.eqBool("is_active", f.Active)
	where := w.sql()
	tail, err := w.tail(opts, pipelineOrder, "created_at")
	if err != nil {
		return nil, err
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+pipelineCols+` FROM pipelines`+where+tail, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePipeline(ctx context.Context, q Querier, p domain.Pipeline) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE pipelines SET name=?, description=?, is_active=?, updated_at=? WHERE id=?`,
		p.Name, nullable(p.Description), boolInt(p.IsActive), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindPipeline, p.ID)
}

// DeletePipeline removes the pipeline; its stages go with it.
func (r Repo) DeletePipeline(ctx context.Context, q Querier, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM pipelines WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindPipeline, id)
}
