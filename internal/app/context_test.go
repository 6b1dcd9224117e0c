package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/logging"
	"crmflow/internal/repo"
)

func TestOpenSeedsDefaultPipelineOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		ws, err := Open(ctx, Options{Workspace: dir, Logger: logging.Discard()})
		require.NoError(t, err)
		require.NoError(t, ws.Seed(ctx))
		pipelines, err := ws.Engine.ListPipelines(ctx, repo.PipelineFilters{}, repo.ListOptions{})
		require.NoError(t, err)
		require.Len(t, pipelines, 1)
		assert.Equal(t, "Sales", pipelines[0].Name)
		require.NoError(t, ws.Close())
	}
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	yml := "pipeline:\n  delete_stage_policy: require_reassignment\n  seed: []\nworkflows:\n  max_cascade_depth: 1\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	ws, err := Open(ctx, Options{Workspace: dir, Actor: "alice", Logger: logging.Discard()})
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, config.DeleteStageRequireReassignment, ws.Config.Pipeline.DeleteStagePolicy)
	assert.Equal(t, 1, ws.Config.Workflows.MaxCascadeDepth)
	assert.Equal(t, "alice", ws.Engine.Actor)
	require.NoError(t, ws.Seed(ctx))
	pipelines, err := ws.Engine.ListPipelines(ctx, repo.PipelineFilters{}, repo.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pipelines)
}

func TestWorkflowNotificationReachesBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ws, err := Open(ctx, Options{Workspace: t.TempDir(), Logger: logging.Discard()})
	require.NoError(t, err)
	defer ws.Close()

	msgs, err := ws.Bus.Subscribe(ctx, ws.Bus.Topic())
	require.NoError(t, err)

	_, err = ws.Engine.AddWorkflow(ctx, engine.WorkflowInput{
		Name:        "welcome",
		TriggerType: domain.TriggerContactCreated,
		Actions: []domain.Action{{
			Type:   domain.ActionSendNotification,
			Config: domain.SendNotificationConfig{Message: "Welcome {{name}}"},
		}},
	})
	require.NoError(t, err)

	_, results, err := ws.Engine.CreateContact(ctx, engine.ContactInput{Name: "Ada"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ExecutionSuccess, results[0].Status)

	msg := <-msgs
	msg.Ack()
	assert.Contains(t, string(msg.Payload), "Welcome Ada")
}
