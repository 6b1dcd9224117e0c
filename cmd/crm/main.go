package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"crmflow/internal/app"
	"crmflow/internal/config"
	"crmflow/internal/db"
	"crmflow/internal/domain"
	"crmflow/internal/logging"
	"crmflow/internal/migrate"
	"crmflow/internal/repo"
	"crmflow/internal/server"
	"crmflow/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "crm",
	Short: "CRM pipeline and workflow automation",
	Long: `crm manages sales pipelines and the workflows that react to them.
- Workspace: a directory holding crmflow.yml and the .crmflow database.
- Pipeline: an ordered list of stages; every opportunity sits in exactly one.
- Opportunity: a deal with a value and a win probability, moved between stages.
- Workflow: a trigger type, optional conditions and an ordered list of actions.
- Events: every committed change is logged; trigger events run matching workflows.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CRMFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (defaults to crmflow.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(opportunityCmd())
	rootCmd.AddCommand(contactCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force, noSeed bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create crmflow.yml and the database, then seed pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s exists; keeping it (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if noSeed {
					return nil
				}
				if err := ws.Seed(ctx); err != nil {
					return err
				}
				pipelines, err := ws.Engine.ListPipelines(ctx, repo.PipelineFilters{}, repo.ListOptions{OrderBy: "created_at"})
				if err != nil {
					return err
				}
				return printPipelines(pipelines)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing crmflow.yml")
	cmd.Flags().BoolVar(&noSeed, "no-seed", false, "skip creating the configured seed pipelines")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate crmflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func eventsCmd() *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Event log and workflow runs",
		Long:  "Every committed change is logged. Trigger events can be replayed through the workflows again.",
	}
	events.AddCommand(eventsTailCmd())
	events.AddCommand(eventsReplayCmd())
	events.AddCommand(eventsRunsCmd())
	return events
}

func eventsTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.ListEvents(ctx, f, n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.PipelineID, "pipeline", "", "pipeline id")
	return cmd
}

func eventsReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Dispatch a logged trigger event through the workflows again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				evt, results, err := ws.Engine.ReplayEvent(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"event": evt, "workflows": results})
				}
				fmt.Printf("replayed %s %s/%s\n", evt.Type, evt.EntityKind, evt.EntityID)
				printResults(results)
				return nil
			})
		},
	}
}

func eventsRunsCmd() *cobra.Command {
	var n int
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded workflow executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				runs, err := ws.Engine.ListWorkflowRuns(ctx, f, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Event", "Type", "Workflow", "Status", "Failed", "Error"})
				for _, r := range runs {
					failed := ""
					if r.FailedActionIndex != nil {
						failed = strconv.Itoa(*r.FailedActionIndex)
					}
					tw.AppendRow(table.Row{r.ID, r.EventID, r.EventType, r.WorkflowID, r.Status, failed, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of runs")
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&f.EventID, "event", "", "domain event id")
	cmd.Flags().StringVar(&f.Status, "status", "", "success, partial_failure or skipped")
	return cmd
}

func analyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Summarize pipelines and automation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				report, err := ws.Engine.Analytics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Database maintenance"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				applied, err := migrate.Status(ws.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(applied)
				}
				fmt.Println(db.Path(ws.Path))
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
				for _, a := range applied {
					tw.AppendRow(table.Row{a.Version, a.Name, a.AppliedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return d
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withOtel bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if withOtel {
				shutdown, err := telemetry.Setup(ctx)
				if err != nil {
					return fmt.Errorf("otel: %w", err)
				}
				defer shutdown(context.Background())
			}
			ws, err := openWorkspace(ctx, telemetry.NewMetrics())
			if err != nil {
				return err
			}
			defer ws.Close()
			if addr == "" {
				addr = ws.Config.Server.Addr
			}
			if basePath == "" {
				basePath = ws.Config.Server.BasePath
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			if err := ws.Bus.Tail(runCtx, ws.Logger.With("module", "bus")); err != nil {
				return err
			}
			if fwd := ws.Forwarder(); fwd.Enabled() {
				go fwd.Run(runCtx)
			}

			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Metrics: ws.Metrics})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-runCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving CRM API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&withOtel, "otel", false, "export traces over OTLP/HTTP")
	return cmd
}

func openWorkspace(ctx context.Context, metrics *telemetry.Metrics) (*app.Workspace, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Log.Level
	}
	logging.Setup(level)
	return app.Open(ctx, app.Options{
		Workspace: workspace,
		Actor:     viper.GetString("actor-id"),
		Config:    cfg,
		Logger:    logging.WithModule("crm"),
		Metrics:   metrics,
	})
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := openWorkspace(ctx, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResults renders workflow outcomes, cascades indented under the
// workflow whose actions caused them.
func printResults(results []domain.WorkflowExecutionResult) {
	if len(results) == 0 {
		fmt.Println("no workflows ran")
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Workflow", "Status", "Actions", "Detail"})
	var walk func(rs []domain.WorkflowExecutionResult, indent string)
	walk = func(rs []domain.WorkflowExecutionResult, indent string) {
		for _, r := range rs {
			name := r.WorkflowName
			if name == "" {
				name = r.WorkflowID
			}
			detail := r.Reason
			if r.Error != "" {
				detail = r.Error
			}
			tw.AppendRow(table.Row{indent + name, r.Status, r.ExecutedActions, detail})
			walk(r.Cascade, indent+"  ")
		}
	}
	walk(results, "")
	tw.Render()
}

// printWithResults prints a record followed by the workflows its change ran.
func printWithResults(key string, record any, results []domain.WorkflowExecutionResult) error {
	if viper.GetBool("json") {
		if results == nil {
			results = []domain.WorkflowExecutionResult{}
		}
		return printJSON(map[string]any{key: record, "workflows": results})
	}
	if err := printJSONOrTable(record); err != nil {
		return err
	}
	printResults(results)
	return nil
}

// parseConditions reads key=value pairs; values are YAML scalars so numbers
// and booleans keep their type.
func parseConditions(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("condition %q must be key=value", p)
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil || val == nil {
			val = v
		}
		out[k] = val
	}
	return out, nil
}

func stringFlag(cmd *cobra.Command, name string, v *string) *string {
	if cmd.Flags().Changed(name) {
		return v
	}
	return nil
}

func tagsFlag(cmd *cobra.Command, name string, v *[]string) *[]string {
	if cmd.Flags().Changed(name) {
		return v
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
