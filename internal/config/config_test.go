package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DeleteStageReject, cfg.Pipeline.DeleteStagePolicy)
	assert.Equal(t, 3, cfg.Workflows.MaxCascadeDepth)
	assert.Equal(t, 5*time.Second, cfg.Workflows.ActionTimeout.Duration)
	require.Len(t, cfg.Pipeline.Seed, 1)
	assert.Equal(t, "Sales", cfg.Pipeline.Seed[0].Name)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
pipeline:
  delete_stage_policy: require_reassignment
workflows:
  action_timeout: 250ms
`))
	require.NoError(t, err)
	assert.Equal(t, DeleteStageRequireReassignment, cfg.Pipeline.DeleteStagePolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.Workflows.ActionTimeout.Duration)
	assert.Equal(t, 3, cfg.Workflows.MaxCascadeDepth)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"policy":   "pipeline:\n  delete_stage_policy: cascade\n",
		"timeout":  "workflows:\n  action_timeout: 0s\n",
		"depth":    "workflows:\n  max_cascade_depth: -1\n",
		"webhook":  "notifications:\n  webhooks:\n    - url: \"\"\n",
		"redis":    "notifications:\n  redis_url: redis://localhost:6379/0\n",
		"duration": "workflows:\n  action_timeout: soon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "crmflow.yml"), []byte("log:\n  level: debug\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "not found")
}
