package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"crmflow/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo is the entity store adapter. Every method takes the Querier it runs
// on; a nil Querier falls back to DB. Callers holding a transaction must
// pass it, the pool has a single connection.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

func (r Repo) q(q Querier) Querier {
	if q == nil {
		return r.DB
	}
	return q
}

type scanner interface {
	Scan(dest ...any) error
}

// ListOptions orders and limits a list query. OrderBy must be one of the
// entity's whitelisted columns.
type ListOptions struct {
	OrderBy string
	Desc    bool
	Limit   int
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) eq(col string, v string) {
	if v == "" {
		return
	}
	w.clauses = append(w.clauses, col+"=?")
	w.args = append(w.args, v)
}

func (w *whereBuilder) eqBool(col string, v *bool) {
	if v == nil {
		return
	}
	w.clauses = append(w.clauses, col+"=?")
	w.args = append(w.args, boolInt(*v))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// tail renders ORDER BY and LIMIT. The id tiebreaker keeps listings stable.
func (w *whereBuilder) tail(opts ListOptions, allowed map[string]string, def string) (string, error) {
	col := def
	if opts.OrderBy != "" {
		c, ok := allowed[opts.OrderBy]
		if !ok {
			return "", domain.Invalid("order_by", "cannot order by %q", opts.OrderBy)
		}
		col = c
	}
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}
	out := fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir)
	if opts.Limit > 0 {
		out += " LIMIT ?"
		w.args = append(w.args, opts.Limit)
	}
	return out, nil
}

func affectedOrNotFound(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound(kind, id)
	}
	return nil
}

// checkVersioned resolves a zero-row versioned UPDATE into NotFound or Conflict.
func checkVersioned(ctx context.Context, q Querier, res sql.Result, table, kind, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var actual int64
	err = q.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id=?`, id).Scan(&actual)
	if err == sql.ErrNoRows {
		return domain.NotFound(kind, id)
	}
	if err != nil {
		return err
	}
	return &domain.ConflictError{Kind: kind, ID: id, Expected: expected, Actual: actual}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(b), nil
}

func unmarshalTags(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}
