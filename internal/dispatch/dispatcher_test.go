package dispatch

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/db"
	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/logging"
	"crmflow/internal/migrate"
	"crmflow/internal/repo"
	"crmflow/internal/telemetry"
)

type stubRules struct {
	seen    []domain.DomainEvent
	results []domain.WorkflowExecutionResult
}

func (s *stubRules) Evaluate(_ context.Context, evt domain.DomainEvent) ([]domain.WorkflowExecutionResult, error) {
	s.seen = append(s.seen, evt)
	return s.results, nil
}

type stubPublisher struct {
	published []domain.DomainEvent
}

func (s *stubPublisher) PublishEvent(_ context.Context, evt domain.DomainEvent) error {
	s.published = append(s.published, evt)
	return nil
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func TestEmitRecordsRuns(t *testing.T) {
	conn := openDB(t)
	idx := 1
	rules := &stubRules{results: []domain.WorkflowExecutionResult{
		{WorkflowID: "w1", Status: domain.ExecutionSuccess, ExecutedActions: 2},
		{WorkflowID: "w2", Status: domain.ExecutionPartialFailure, FailedActionIndex: &idx, Error: "boom"},
	}}
	pub := &stubPublisher{}
	d := &Dispatcher{Rules: rules, Repo: repo.Repo{DB: conn}, Publisher: pub, Metrics: telemetry.NewMetrics(), Logger: logging.Discard()}

	evt := domain.DomainEvent{ID: "e1", Type: domain.TriggerLeadCreated, EntityID: "lead-1"}
	results := d.Emit(t.Context(), evt)
	require.Len(t, results, 2)
	require.Len(t, pub.published, 1)

	runs, err := d.Repo.ListWorkflowRuns(t.Context(), nil, repo.RunFilters{EventID: "e1"}, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "w2", runs[0].WorkflowID)
	require.NotNil(t, runs[0].FailedActionIndex)
	assert.Equal(t, 1, *runs[0].FailedActionIndex)
	assert.Equal(t, "boom", runs[0].Error)

	counts, err := d.Repo.CountRunsByStatus(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"success": 1, "partial_failure": 1}, counts)
}

func TestReplayReemitsLoggedEvent(t *testing.T) {
	conn := openDB(t)
	rules := &stubRules{}
	d := &Dispatcher{Rules: rules, Repo: repo.Repo{DB: conn}, Logger: logging.Discard()}

	tx, err := conn.BeginTx(t.Context(), nil)
	require.NoError(t, err)
	evt := domain.DomainEvent{
		Type:     domain.TriggerStageChanged,
		EntityID: "opp-1",
		Payload:  map[string]any{domain.PayloadFromStage: "a", domain.PayloadToStage: "b"},
		Depth:    2,
	}
	logID, err := events.Writer{}.AppendDomain(t.Context(), tx, &evt, "tester")
	require.NoError(t, err)
	auditID, err := events.Writer{}.Append(t.Context(), tx, "pipeline.create", domain.KindPipeline, "p1", "p1", "tester", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	replayed, _, err := d.Replay(t.Context(), logID)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, replayed.ID)
	assert.Equal(t, 0, replayed.Depth)
	require.Len(t, rules.seen, 1)
	assert.Equal(t, "b", rules.seen[0].Payload[domain.PayloadToStage])
	assert.Equal(t, domain.KindOpportunity, rules.seen[0].EntityKind)

	_, _, err = d.Replay(t.Context(), auditID)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, _, err = d.Replay(t.Context(), 9999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
