package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

const stageCols = `id,pipeline_id,key,name,COALESCE(description,''),ord,probability,version,created_at,updated_at`

func scanStage(s scanner) (domain.Stage, error) {
	var st domain.Stage
	err := s.Scan(&st.ID, &st.PipelineID, &st.Key, &st.Name, &st.Description, &st.Order, &st.Probability, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	return st, err
}

func (r Repo) InsertStage(ctx context.Context, q Querier, st domain.Stage) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO stages(id,pipeline_id,key,name,description,ord,probability,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.PipelineID, st.Key, st.Name, nullable(st.Description), st.Order, st.Probability, st.Version, st.CreatedAt, st.UpdatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, q Querier, id string) (domain.Stage, error) {
	st, err := scanStage(r.q(q).QueryRowContext(ctx, `SELECT `+stageCols+` FROM stages WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return st, domain.NotFound(domain.KindStage, id)
	}
	return st, err
}

// ListStages returns a pipeline's stages by ascending order.
func (r Repo) ListStages(ctx context.Context, q Querier, pipelineID string) ([]domain.Stage, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+stageCols+` FROM stages WHERE pipeline_id=? ORDER BY ord ASC, created_at ASC, id ASC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// UpdateStage writes name, description, order and probability when the
// stored version still equals st.Version, then bumps it. The key is never written.
func (r Repo) UpdateStage(ctx context.Context, q Querier, st domain.Stage) error {
	q = r.q(q)
	res, err := q.ExecContext(ctx, `UPDATE stages SET name=?, description=?, ord=?, probability=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		st.Name, nullable(st.Description), st.Order, st.Probability, st.UpdatedAt, st.ID, st.Version)
	if err != nil {
		return err
	}
	return checkVersioned(ctx, q, res, "stages", domain.KindStage, st.ID, st.Version)
}

func (r Repo) DeleteStage(ctx context.Context, q Querier, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM stages WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, domain.KindStage, id)
}
