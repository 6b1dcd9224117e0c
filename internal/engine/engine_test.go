package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/config"
	"crmflow/internal/db"
	"crmflow/internal/dispatch"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/logging"
	"crmflow/internal/migrate"
	"crmflow/internal/repo"
	"crmflow/internal/rules"
	"crmflow/internal/telemetry"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Notes  *recordingNotifier
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")

	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng := engine.New(conn, config.Default())
	eng.Now = now
	eng.Logger = logging.Discard()
	eng.Metrics = telemetry.NewMetrics()

	notes := &recordingNotifier{}
	d := &dispatch.Dispatcher{Repo: eng.Repo, Metrics: eng.Metrics, Logger: logging.Discard(), Now: now}
	eng.Dispatcher = d
	d.Rules = rules.Engine{
		Workflows:       eng,
		Entities:        eng,
		Notifier:        notes,
		Cascade:         d,
		MaxCascadeDepth: rules.DefaultMaxCascadeDepth,
		ActionTimeout:   time.Second,
		Logger:          logging.Discard(),
		Now:             now,
	}
	return testEnv{Engine: eng, Ctx: context.Background(), Notes: notes}
}

func (env testEnv) salesPipeline(t *testing.T) domain.Pipeline {
	t.Helper()
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.PipelineInput{
		Name: "Sales",
		Stages: []engine.StageInput{
			{Name: "Prospecting", Probability: 10},
			{Name: "Proposal", Probability: 50},
			{Name: "Closed Won", Probability: 100},
		},
	})
	require.NoError(t, err)
	return p
}

func (env testEnv) stageOrders(t *testing.T, pipelineID string) ([]int, []string) {
	t.Helper()
	p, err := env.Engine.GetPipeline(env.Ctx, pipelineID)
	require.NoError(t, err)
	orders := make([]int, 0, len(p.Stages))
	keys := make([]string, 0, len(p.Stages))
	for _, st := range p.Stages {
		orders = append(orders, st.Order)
		keys = append(keys, st.Key)
	}
	return orders, keys
}

func (env testEnv) stageEvents(t *testing.T, opportunityID string) []map[string]any {
	t.Helper()
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: string(domain.TriggerStageChanged), EntityID: opportunityID}, 100, 0)
	require.NoError(t, err)
	out := make([]map[string]any, 0, len(evts))
	for i := len(evts) - 1; i >= 0; i-- {
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(evts[i].Payload), &payload))
		out = append(out, payload)
	}
	return out
}

func contiguous(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestCreatePipelineKeysDefaultToNames(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	require.Len(t, p.Stages, 3)
	assert.Equal(t, "Closed Won", p.Stages[2].Key)
	assert.Equal(t, 3, p.Stages[2].Order)

	_, err := env.Engine.CreatePipeline(env.Ctx, engine.PipelineInput{Name: "Dup", Stages: []engine.StageInput{{Name: "A"}, {Name: "a"}}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.Engine.CreatePipeline(env.Ctx, engine.PipelineInput{Name: " "})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStageOrdersStayContiguous(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)

	_, err := env.Engine.AddStage(env.Ctx, p.ID, engine.StageInput{Name: "Qualification", Order: 2, Probability: 25})
	require.NoError(t, err)
	orders, keys := env.stageOrders(t, p.ID)
	assert.Equal(t, contiguous(4), orders)
	assert.Equal(t, []string{"Prospecting", "Qualification", "Proposal", "Closed Won"}, keys)

	_, err = env.Engine.AddStage(env.Ctx, p.ID, engine.StageInput{Name: "Closed Lost", Order: 99})
	require.NoError(t, err)
	orders, keys = env.stageOrders(t, p.ID)
	assert.Equal(t, contiguous(5), orders)
	assert.Equal(t, "Closed Lost", keys[4])

	full, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	last := full.Stages[4]
	one := 1
	moved, err := env.Engine.UpdateStage(env.Ctx, p.ID, last.ID, engine.StagePatch{Order: &one})
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Order)
	orders, keys = env.stageOrders(t, p.ID)
	assert.Equal(t, contiguous(5), orders)
	assert.Equal(t, []string{"Closed Lost", "Prospecting", "Qualification", "Proposal", "Closed Won"}, keys)

	_, err = env.Engine.DeleteStage(env.Ctx, p.ID, full.Stages[1].ID, "")
	require.NoError(t, err)
	orders, keys = env.stageOrders(t, p.ID)
	assert.Equal(t, contiguous(4), orders)
	assert.NotContains(t, keys, "Qualification")

	full, err = env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	ids := make([]string, 0, len(full.Stages))
	for i := len(full.Stages) - 1; i >= 0; i-- {
		ids = append(ids, full.Stages[i].ID)
	}
	reordered, err := env.Engine.ReorderStages(env.Ctx, p.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, "Closed Won", reordered[0].Key)
	orders, _ = env.stageOrders(t, p.ID)
	assert.Equal(t, contiguous(4), orders)

	_, err = env.Engine.ReorderStages(env.Ctx, p.ID, ids[:2])
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateStageKeepsKey(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	st := p.Stages[0]

	name := "Discovery"
	prob := 15
	updated, err := env.Engine.UpdateStage(env.Ctx, p.ID, st.ID, engine.StagePatch{Name: &name, Probability: &prob, IfVersion: &st.Version})
	require.NoError(t, err)
	assert.Equal(t, "Prospecting", updated.Key)
	assert.Equal(t, "Discovery", updated.Name)
	assert.Equal(t, st.Version+1, updated.Version)

	_, err = env.Engine.UpdateStage(env.Ctx, p.ID, st.ID, engine.StagePatch{Name: &name, IfVersion: &st.Version})
	assert.ErrorIs(t, err, domain.ErrConflict)

	bad := 120
	_, err = env.Engine.UpdateStage(env.Ctx, p.ID, st.ID, engine.StagePatch{Probability: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStageKeysAndNamesDoNotCollide(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)

	name := "Discovery"
	_, err := env.Engine.UpdateStage(env.Ctx, p.ID, p.Stages[0].ID, engine.StagePatch{Name: &name})
	require.NoError(t, err)

	_, err = env.Engine.AddStage(env.Ctx, p.ID, engine.StageInput{Name: "Review", Key: "discovery"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.AddStage(env.Ctx, p.ID, engine.StageInput{Name: "Prospecting", Key: "prospecting-2"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	rename := "Prospecting"
	_, err = env.Engine.UpdateStage(env.Ctx, p.ID, p.Stages[1].ID, engine.StagePatch{Name: &rename})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.Engine.CreatePipeline(env.Ctx, engine.PipelineInput{Name: "Swap", Stages: []engine.StageInput{{Name: "A", Key: "b"}, {Name: "B", Key: "a2"}}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Stages, 3)
}

func TestAcmeDealScenario(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	o, _, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityInput{PipelineID: p.ID, Name: "Acme Deal", Value: 10000, Stage: "Prospecting"})
	require.NoError(t, err)

	moved, _, err := env.Engine.MoveOpportunity(env.Ctx, p.ID, o.ID, "Closed Won")
	require.NoError(t, err)
	assert.Equal(t, "Closed Won", moved.Stage)

	agg, err := env.Engine.Aggregate(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, agg.Stages, 3)
	assert.Equal(t, "Prospecting", agg.Stages[0].StageKey)
	assert.Equal(t, 0, agg.Stages[0].Count)
	assert.Zero(t, agg.Stages[0].TotalValue)
	assert.Equal(t, 1, agg.Stages[2].Count)
	assert.InDelta(t, 10000, agg.Stages[2].TotalValue, 0.001)
	assert.InDelta(t, 10000, agg.Stages[2].WeightedValue, 0.001)

	evts := env.stageEvents(t, o.ID)
	require.Len(t, evts, 1)
	assert.Equal(t, "Prospecting", evts[0][domain.PayloadFromStage])
	assert.Equal(t, "Closed Won", evts[0][domain.PayloadToStage])
	assert.Equal(t, o.ID, evts[0][domain.PayloadOpportunityID])
}

func TestAggregateTotalsMatchOpportunities(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	for _, in := range []engine.OpportunityInput{
		{Name: "a", Value: 1000, Stage: "Prospecting"},
		{Name: "b", Value: 3000, Stage: "proposal"},
		{Name: "c", Value: 500, Stage: "Proposal"},
	} {
		in.PipelineID = p.ID
		_, _, err := env.Engine.CreateOpportunity(env.Ctx, in)
		require.NoError(t, err)
	}
	orphan := domain.Opportunity{ID: "orphan", PipelineID: p.ID, Name: "orphan", Value: 200, Probability: 50, Stage: "gone", Status: domain.OpportunityOpen, Version: 1, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	require.NoError(t, env.Engine.Repo.InsertOpportunity(env.Ctx, nil, orphan))

	agg, err := env.Engine.Aggregate(env.Ctx, p.ID)
	require.NoError(t, err)
	count := 0
	for _, st := range agg.Stages {
		count += st.Count
	}
	require.NotNil(t, agg.Unassigned)
	count += agg.Unassigned.Count
	assert.Equal(t, 4, count)
	assert.Equal(t, 4, agg.TotalCount)
	assert.InDelta(t, 4700, agg.TotalValue, 0.001)
	// 1000*10% + 3500*50% + 200*50%
	assert.InDelta(t, 1950, agg.WeightedValue, 0.001)
	assert.Equal(t, 2, agg.Stages[1].Count)
}

func TestMoveRoundTripRestoresState(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	o, _, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityInput{PipelineID: p.ID, Name: "deal", Value: 10, Tags: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "Prospecting", o.Stage)
	assert.Equal(t, 10, o.Probability)

	_, _, err = env.Engine.MoveOpportunity(env.Ctx, p.ID, o.ID, "Proposal")
	require.NoError(t, err)
	back, _, err := env.Engine.MoveOpportunity(env.Ctx, p.ID, o.ID, "prospecting")
	require.NoError(t, err)

	stored, err := env.Engine.GetOpportunity(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, back, stored)
	assert.Equal(t, o.Stage, stored.Stage)
	assert.Equal(t, o.Name, stored.Name)
	assert.Equal(t, o.Value, stored.Value)
	assert.Equal(t, o.Probability, stored.Probability)
	assert.Equal(t, o.Tags, stored.Tags)
	assert.Equal(t, o.Version+2, stored.Version)

	evts := env.stageEvents(t, o.ID)
	require.Len(t, evts, 2)
	assert.Equal(t, "Proposal", evts[0][domain.PayloadToStage])
	assert.Equal(t, "Prospecting", evts[1][domain.PayloadToStage])
}

func TestMoveToCurrentStageIsNoop(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	o, _, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityInput{PipelineID: p.ID, Name: "deal"})
	require.NoError(t, err)

	same, results, err := env.Engine.MoveOpportunity(env.Ctx, p.ID, o.ID, "Prospecting")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, o.Version, same.Version)
	assert.Empty(t, env.stageEvents(t, o.ID))
}

func TestMoveRejections(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	other, err := env.Engine.CreatePipeline(env.Ctx, engine.PipelineInput{Name: "Partners", Stages: []engine.StageInput{{Name: "Closed Won"}}})
	require.NoError(t, err)
	o, _, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityInput{PipelineID: p.ID, Name: "deal"})
	require.NoError(t, err)

	_, _, err = env.Engine.MoveOpportunity(env.Ctx, other.ID, o.ID, "Closed Won")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, _, err = env.Engine.MoveOpportunity(env.Ctx, p.ID, o.ID, "Nowhere")
	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "Nowhere", terr.Target)

	_, _, err = env.Engine.MoveOpportunity(env.Ctx, p.ID, "missing", "Proposal")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stored, err := env.Engine.GetOpportunity(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Prospecting", stored.Stage)
	assert.Empty(t, env.stageEvents(t, o.ID))
}

func TestDeleteStageRejectPolicy(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	_, _, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityInput{PipelineID: p.ID, Name: "deal"})
	require.NoError(t, err)

	_, err = env.Engine.DeleteStage(env.Ctx, p.ID, p.Stages[0].ID, p.Stages[1].Key)
	var nerr *domain.StageNotEmptyError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, 1, nerr.Opportunities)

	_, err = env.Engine.DeleteStage(env.Ctx, p.ID, p.Stages[1].ID, "")
	require.NoError(t, err)
	orders, _ := env.stageOrders(t, p.ID)
	assert.Equal(t, contiguous(2), orders)
}

func TestDeleteStageRequireReassignment(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Pipeline.DeleteStagePolicy = config.DeleteStageRequireReassignment
	p := env.salesPipeline(t)
	var ids []string
	for _, name := range []string{"a", "b"} {
		o, _, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityInput{PipelineID: p.ID, Name: name})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	_, err := env.Engine.DeleteStage(env.Ctx, p.ID, p.Stages[0].ID, "")
	assert.ErrorIs(t, err, domain.ErrStageNotEmpty)
	_, err = env.Engine.DeleteStage(env.Ctx, p.ID, p.Stages[0].ID, "Prospecting")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.Engine.DeleteStage(env.Ctx, p.ID, p.Stages[0].ID, "proposal")
	require.NoError(t, err)
	for _, id := range ids {
		o, err := env.Engine.GetOpportunity(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Proposal", o.Stage)
		evts := env.stageEvents(t, id)
		require.Len(t, evts, 1)
		assert.Equal(t, "Prospecting", evts[0][domain.PayloadFromStage])
	}
	orders, keys := env.stageOrders(t, p.ID)
	assert.Equal(t, contiguous(2), orders)
	assert.Equal(t, []string{"Proposal", "Closed Won"}, keys)
}

func TestDeletePipelineWithOpportunitiesFails(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	o, _, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityInput{PipelineID: p.ID, Name: "deal"})
	require.NoError(t, err)

	assert.ErrorIs(t, env.Engine.DeletePipeline(env.Ctx, p.ID), domain.ErrValidation)
	require.NoError(t, env.Engine.DeleteOpportunity(env.Ctx, o.ID))
	require.NoError(t, env.Engine.DeletePipeline(env.Ctx, p.ID))
	_, err = env.Engine.GetPipeline(env.Ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateOpportunityVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	p := env.salesPipeline(t)
	o, _, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityInput{PipelineID: p.ID, Name: "deal"})
	require.NoError(t, err)

	value := 2500.0
	stage := "Proposal"
	updated, _, err := env.Engine.UpdateOpportunity(env.Ctx, o.ID, engine.OpportunityPatch{Value: &value, Stage: &stage, IfVersion: &o.Version})
	require.NoError(t, err)
	assert.Equal(t, "Proposal", updated.Stage)
	assert.Equal(t, o.Version+2, updated.Version)
	assert.Len(t, env.stageEvents(t, o.ID), 1)

	_, _, err = env.Engine.UpdateOpportunity(env.Ctx, o.ID, engine.OpportunityPatch{Value: &value, IfVersion: &o.Version})
	var cerr *domain.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, updated.Version, cerr.Actual)
}

func TestSeedPipelinesSkipsExisting(t *testing.T) {
	env := newTestEnv(t)
	seeds := config.Default().Pipeline.Seed
	created, err := env.Engine.SeedPipelines(env.Ctx, seeds)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "Sales", created[0].Name)

	created, err = env.Engine.SeedPipelines(env.Ctx, seeds)
	require.NoError(t, err)
	assert.Empty(t, created)
}
