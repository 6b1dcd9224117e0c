package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/db"
	"crmflow/internal/dispatch"
	"crmflow/internal/engine"
	"crmflow/internal/logging"
	"crmflow/internal/migrate"
	"crmflow/internal/notify"
	"crmflow/internal/rules"
	"crmflow/internal/telemetry"
)

// Options selects the workspace and the identity mutations are logged under.
type Options struct {
	Workspace string
	Actor     string
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Now       func() time.Time
}

// Workspace is an opened crmflow workspace: database, config and a fully
// wired engine whose committed events flow through the workflow rules.
type Workspace struct {
	Path       string
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Dispatcher *dispatch.Dispatcher
	Bus        *notify.Bus
	Hub        *notify.Hub
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Open loads the workspace config (defaults when crmflow.yml is absent),
// migrates the database and wires the engine to the dispatcher and rules.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithModule("crm")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	bus := notify.NewBus(cfg.Notifications.PubSubTopic, logger.With("module", "pubsub"))
	hub := &notify.Hub{Metrics: opts.Metrics, Logger: logger.With("module", "notify")}
	hub.Sinks = append(hub.Sinks, bus)
	if cfg.Notifications.RedisURL != "" {
		sink, err := notify.NewRedisSink(cfg.Notifications.RedisURL, cfg.Notifications.RedisChannel)
		if err != nil {
			bus.Close()
			conn.Close()
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		hub.Sinks = append(hub.Sinks, sink)
	}
	for _, hook := range cfg.Notifications.Webhooks {
		hub.Sinks = append(hub.Sinks, notify.NewWebhookSink(hook, nil))
	}

	eng := engine.New(conn, cfg)
	eng.Metrics = opts.Metrics
	eng.Logger = logger.With("module", "engine")
	eng.Now = now
	if opts.Actor != "" {
		eng.Actor = opts.Actor
	}

	d := &dispatch.Dispatcher{
		Repo:      eng.Repo,
		Publisher: bus,
		Metrics:   opts.Metrics,
		Logger:    logger.With("module", "dispatch"),
		Now:       now,
	}
	eng.Dispatcher = d
	d.Rules = rules.Engine{
		Workflows:       eng,
		Entities:        eng,
		Notifier:        hub,
		Cascade:         d,
		MaxCascadeDepth: cfg.Workflows.MaxCascadeDepth,
		ActionTimeout:   cfg.Workflows.ActionTimeout.Duration,
		Logger:          logger.With("module", "rules"),
		Now:             now,
	}

	return &Workspace{
		Path:       opts.Workspace,
		DB:         conn,
		Config:     cfg,
		Engine:     eng,
		Dispatcher: d,
		Bus:        bus,
		Hub:        hub,
		Metrics:    opts.Metrics,
		Logger:     logger,
	}, nil
}

// Seed creates the configured seed pipelines that do not exist yet.
func (w *Workspace) Seed(ctx context.Context) error {
	if len(w.Config.Pipeline.Seed) == 0 {
		return nil
	}
	if _, err := w.Engine.SeedPipelines(ctx, w.Config.Pipeline.Seed); err != nil {
		return fmt.Errorf("seed pipelines: %w", err)
	}
	return nil
}

// Forwarder returns the webhook event forwarder for this workspace.
func (w *Workspace) Forwarder() *notify.Forwarder {
	return &notify.Forwarder{
		Repo:     w.Engine.Repo,
		Webhooks: w.Config.Notifications.Webhooks,
		Logger:   w.Logger.With("module", "forwarder"),
	}
}

func (w *Workspace) Close() error {
	return errors.Join(w.Hub.Close(), w.DB.Close())
}
