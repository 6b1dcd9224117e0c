package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeleteStagePolicy decides what deleteStage does with a stage that still holds opportunities.
type DeleteStagePolicy string

const (
	DeleteStageReject              DeleteStagePolicy = "reject"
	DeleteStageRequireReassignment DeleteStagePolicy = "require_reassignment"
)

// Config models crmflow.yml.
type Config struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Pipeline struct {
		DeleteStagePolicy DeleteStagePolicy `yaml:"delete_stage_policy"`
		Seed              []SeedPipeline    `yaml:"seed"`
	} `yaml:"pipeline"`
	Workflows struct {
		MaxCascadeDepth int      `yaml:"max_cascade_depth"`
		ActionTimeout   Duration `yaml:"action_timeout"`
	} `yaml:"workflows"`
	Notifications struct {
		PubSubTopic  string          `yaml:"pubsub_topic"`
		RedisURL     string          `yaml:"redis_url"`
		RedisChannel string          `yaml:"redis_channel"`
		Webhooks     []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type SeedPipeline struct {
	Name   string      `yaml:"name"`
	Stages []SeedStage `yaml:"stages"`
}

type SeedStage struct {
	Name        string `yaml:"name"`
	Probability int    `yaml:"probability"`
}

// WebhookConfig is an HTTP sink. Notifications are posted when their channel
// is listed in Channels (empty means every channel). Logged events whose type
// is listed in Events ("*" for all) are forwarded by `crm serve`.
type WebhookConfig struct {
	URL      string   `yaml:"url"`
	Secret   string   `yaml:"secret,omitempty"`
	Channels []string `yaml:"channels,omitempty"`
	Events   []string `yaml:"events,omitempty"`
	Enabled  *bool    `yaml:"enabled,omitempty"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Duration decodes "5s"-style YAML scalars.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Pipeline.DeleteStagePolicy {
	case DeleteStageReject, DeleteStageRequireReassignment:
	default:
		return fmt.Errorf("config.pipeline.delete_stage_policy must be %q or %q", DeleteStageReject, DeleteStageRequireReassignment)
	}
	for i, p := range c.Pipeline.Seed {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("config.pipeline.seed[%d].name is required", i)
		}
		seen := map[string]bool{}
		for j, s := range p.Stages {
			if strings.TrimSpace(s.Name) == "" {
				return fmt.Errorf("config.pipeline.seed[%d].stages[%d].name is required", i, j)
			}
			if s.Probability < 0 || s.Probability > 100 {
				return fmt.Errorf("seed stage %s probability must be within 0..100", s.Name)
			}
			if seen[s.Name] {
				return fmt.Errorf("seed pipeline %s has duplicate stage %s", p.Name, s.Name)
			}
			seen[s.Name] = true
		}
	}
	if c.Workflows.MaxCascadeDepth < 0 {
		return fmt.Errorf("config.workflows.max_cascade_depth must be >= 0")
	}
	if c.Workflows.ActionTimeout.Duration <= 0 {
		return fmt.Errorf("config.workflows.action_timeout must be positive")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if c.Notifications.RedisURL != "" && c.Notifications.RedisChannel == "" {
		return fmt.Errorf("config.notifications.redis_channel is required when redis_url is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crmflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with crm init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the defaults when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `log:
  level: info

pipeline:
  # reject | require_reassignment
  delete_stage_policy: reject
  seed:
    - name: Sales
      stages:
        - name: Prospecting
          probability: 10
        - name: Qualification
          probability: 25
        - name: Proposal
          probability: 50
        - name: Negotiation
          probability: 75
        - name: Closed Won
          probability: 100
        - name: Closed Lost
          probability: 0

workflows:
  max_cascade_depth: 3
  action_timeout: 5s

notifications:
  pubsub_topic: crm.notifications
  redis_url: ""
  redis_channel: ""
  webhooks: []

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
