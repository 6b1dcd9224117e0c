package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/repo"
	"crmflow/internal/telemetry"
)

// Emitter receives domain events after the mutation that produced them committed.
type Emitter interface {
	Emit(ctx context.Context, evt domain.DomainEvent) []domain.WorkflowExecutionResult
}

// Replayer re-emits a logged event.
type Replayer interface {
	Replay(ctx context.Context, eventLogID int64) (domain.DomainEvent, []domain.WorkflowExecutionResult, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Dispatcher Emitter
	Config     *config.Config
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	Actor      string
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Logger: slog.Default(),
		Actor:  "system",
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e Engine) actor() string {
	if e.Actor == "" {
		return "system"
	}
	return e.Actor
}

func workflowActor(workflowID string) string {
	return "workflow:" + workflowID
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}

// events returns the log writer, sharing the engine clock unless it has its own.
func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// dispatch emits committed events in order and concatenates the results.
func (e Engine) dispatch(ctx context.Context, evts ...domain.DomainEvent) []domain.WorkflowExecutionResult {
	if e.Dispatcher == nil {
		return nil
	}
	var out []domain.WorkflowExecutionResult
	for _, evt := range evts {
		out = append(out, e.Dispatcher.Emit(ctx, evt)...)
	}
	return out
}

// ReplayEvent re-dispatches a logged domain event through the configured dispatcher.
func (e Engine) ReplayEvent(ctx context.Context, eventLogID int64) (domain.DomainEvent, []domain.WorkflowExecutionResult, error) {
	r, ok := e.Dispatcher.(Replayer)
	if !ok {
		return domain.DomainEvent{}, nil, domain.Invalid("dispatcher", "replay is not supported by the configured dispatcher")
	}
	return r.Replay(ctx, eventLogID)
}

// ListEvents returns the newest log entries first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters, limit int, cursor int64) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, nil, f, limit, cursor)
}

func (e Engine) ListWorkflowRuns(ctx context.Context, f repo.RunFilters, limit int) ([]domain.WorkflowRun, error) {
	return e.Repo.ListWorkflowRuns(ctx, nil, f, limit)
}

// --- helpers ---

func newID(id string) string {
	if strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return uuid.New().String()
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// normalizeTags trims, drops empties and removes duplicates, keeping first-seen order.
func normalizeTags(tags []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func addTag(tags []string, tag string) ([]string, bool) {
	tag = strings.TrimSpace(tag)
	for _, t := range tags {
		if t == tag {
			return tags, false
		}
	}
	return append(tags, tag), true
}

func checkVersion(kind, id string, ifVersion *int64, actual int64) error {
	if ifVersion != nil && *ifVersion != actual {
		return &domain.ConflictError{Kind: kind, ID: id, Expected: *ifVersion, Actual: actual}
	}
	return nil
}
