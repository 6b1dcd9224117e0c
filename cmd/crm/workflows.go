package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"crmflow/internal/app"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/repo"
)

func workflowCmd() *cobra.Command {
	w := &cobra.Command{Use: "workflow", Short: "Manage workflow automations"}
	w.AddCommand(workflowListCmd())
	w.AddCommand(workflowGetCmd())
	w.AddCommand(workflowAddCmd())
	w.AddCommand(workflowImportCmd())
	w.AddCommand(workflowUpdateCmd())
	w.AddCommand(workflowToggleCmd())
	w.AddCommand(workflowSchemaCmd())
	w.AddCommand(deleteCmd("workflow", func(ctx context.Context, e engine.Engine, id string) error {
		return e.DeleteWorkflow(ctx, id)
	}))
	return w
}

// parseActions reads "type" or "type=<config>" where config is a JSON or
// YAML flow mapping.
func parseActions(specs []string) ([]domain.Action, error) {
	out := make([]domain.Action, 0, len(specs))
	for i, s := range specs {
		t, raw, _ := strings.Cut(s, "=")
		cfg := map[string]any{}
		if strings.TrimSpace(raw) != "" {
			if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
				return nil, fmt.Errorf("action %d: config: %w", i, err)
			}
		}
		act, err := domain.ActionFromMap(domain.ActionType(strings.TrimSpace(t)), cfg)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, act)
	}
	return out, nil
}

func workflowListCmd() *cobra.Command {
	var trigger, active string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.WorkflowFilters{TriggerType: domain.TriggerType(trigger)}
			if active != "" {
				v := active == "true"
				f.Active = &v
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListWorkflows(ctx, f, repo.ListOptions{OrderBy: "created_at"})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Conditions", "Actions", "Active"})
				for _, w := range items {
					types := make([]string, 0, len(w.Actions))
					for _, a := range w.Actions {
						types = append(types, string(a.Type))
					}
					tw.AppendRow(table.Row{w.ID, w.Name, w.TriggerType, len(w.TriggerConditions), strings.Join(types, ","), w.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger type filter")
	cmd.Flags().StringVar(&active, "active", "", "true or false")
	return cmd
}

func workflowGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Show workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				w, err := ws.Engine.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workflowAddCmd() *cobra.Command {
	var in engine.WorkflowInput
	var trigger string
	var when, actions []string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add workflow",
		Example: `  crm workflow add --name "Hot deals" --trigger stage_changed --when to_stage=Proposal --action 'add_tag={"tag":"hot"}'
  crm workflow add --name Welcome --trigger contact_created --action 'send_notification={message: "Welcome {{name}}"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conds, err := parseConditions(when)
			if err != nil {
				return err
			}
			acts, err := parseActions(actions)
			if err != nil {
				return err
			}
			in.TriggerType = domain.TriggerType(trigger)
			in.TriggerConditions = conds
			in.Actions = acts
			if inactive {
				f := false
				in.IsActive = &f
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				w, err := ws.Engine.AddWorkflow(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "workflow id (generated when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "name")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&trigger, "trigger", "", "contact_created, lead_created, opportunity_created, task_completed or stage_changed")
	cmd.Flags().StringArrayVar(&when, "when", nil, "trigger condition key=value (repeatable)")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "action type=config (repeatable, in order)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the workflow disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("trigger")
	return cmd
}

func workflowImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Import workflows from a YAML or JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ImportWorkflows(ctx, data)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, w := range items {
					fmt.Printf("imported %s (%s)\n", w.Name, w.ID)
				}
				return nil
			})
		},
	}
}

func workflowUpdateCmd() *cobra.Command {
	var name, desc, trigger string
	var when, actions []string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <workflow-id>",
		Short: "Update workflow",
		Long:  "--when and --action replace the whole condition map and action list.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.WorkflowPatch{
				Name:        stringFlag(cmd, "name", &name),
				Description: stringFlag(cmd, "description", &desc),
			}
			if cmd.Flags().Changed("trigger") {
				t := domain.TriggerType(trigger)
				patch.TriggerType = &t
			}
			if cmd.Flags().Changed("when") {
				conds, err := parseConditions(when)
				if err != nil {
					return err
				}
				patch.TriggerConditions = &conds
			}
			if cmd.Flags().Changed("action") {
				acts, err := parseActions(actions)
				if err != nil {
					return err
				}
				patch.Actions = &acts
			}
			if cmd.Flags().Changed("active") {
				patch.IsActive = &active
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				w, err := ws.Engine.UpdateWorkflow(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger type")
	cmd.Flags().StringArrayVar(&when, "when", nil, "trigger condition key=value (repeatable)")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "action type=config (repeatable)")
	cmd.Flags().BoolVar(&active, "active", true, "enable or disable")
	return cmd
}

func workflowToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <workflow-id>",
		Short: "Flip a workflow between active and inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				w, err := ws.Engine.ToggleActive(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s active=%t\n", w.ID, w.IsActive)
				return nil
			})
		},
	}
}

func workflowSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for workflow import documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(engine.WorkflowSchema())
			return err
		},
	}
}
