package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crmflow/internal/app"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/repo"
)

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Manage pipelines"}
	p.AddCommand(pipelineCreateCmd())
	p.AddCommand(pipelineListCmd())
	p.AddCommand(pipelineGetCmd())
	p.AddCommand(pipelineUpdateCmd())
	p.AddCommand(pipelineDeleteCmd())
	p.AddCommand(pipelineAggregateCmd())
	return p
}

// parseStageFlag reads "Name" or "Name:probability".
func parseStageFlag(s string) (engine.StageInput, error) {
	name, prob, hasProb := strings.Cut(s, ":")
	in := engine.StageInput{Name: strings.TrimSpace(name)}
	if hasProb {
		v, err := strconv.Atoi(strings.TrimSpace(prob))
		if err != nil {
			return engine.StageInput{}, fmt.Errorf("stage %q: probability must be an integer", s)
		}
		in.Probability = v
	}
	return in, nil
}

func pipelineCreateCmd() *cobra.Command {
	var in engine.PipelineInput
	var stages []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create pipeline",
		Example: `  crm pipeline create --name Sales --stage Prospecting:10 --stage Proposal:50 --stage "Closed Won:100"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range stages {
				st, err := parseStageFlag(s)
				if err != nil {
					return err
				}
				in.Stages = append(in.Stages, st)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				p, err := ws.Engine.CreatePipeline(ctx, in)
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "pipeline id (generated when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "pipeline name")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&stages, "stage", nil, "stage as Name or Name:probability, in order")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func pipelineListCmd() *cobra.Command {
	var f repo.PipelineFilters
	var active string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if active != "" {
				v := active == "true"
				f.Active = &v
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListPipelines(ctx, f, repo.ListOptions{OrderBy: "created_at"})
				if err != nil {
					return err
				}
				return printPipelines(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "name filter")
	cmd.Flags().StringVar(&active, "active", "", "true or false")
	return cmd
}

func pipelineGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <pipeline-id>",
		Short: "Show pipeline and stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				p, err := ws.Engine.GetPipeline(ctx, args[0])
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
}

func pipelineUpdateCmd() *cobra.Command {
	var name, desc string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <pipeline-id>",
		Short: "Update pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.PipelinePatch{
				Name:        stringFlag(cmd, "name", &name),
				Description: stringFlag(cmd, "description", &desc),
			}
			if cmd.Flags().Changed("active") {
				patch.IsActive = &active
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				p, err := ws.Engine.UpdatePipeline(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().BoolVar(&active, "active", true, "mark pipeline active or inactive")
	return cmd
}

func pipelineDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pipeline-id>",
		Short: "Delete a pipeline with no opportunities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.DeletePipeline(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted pipeline %s\n", args[0])
				return nil
			})
		},
	}
}

func pipelineAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <pipeline-id>",
		Short: "Per-stage counts, total and weighted value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				agg, err := ws.Engine.Aggregate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agg)
				}
				tw := newTable()
				tw.SetTitle(agg.PipelineName)
				tw.AppendHeader(table.Row{"#", "Stage", "Prob", "Count", "Total", "Weighted"})
				for _, s := range agg.Stages {
					tw.AppendRow(table.Row{s.Order, s.StageName, s.Probability, s.Count, s.TotalValue, s.WeightedValue})
				}
				if u := agg.Unassigned; u != nil {
					tw.AppendRow(table.Row{"", u.StageName, "", u.Count, u.TotalValue, u.WeightedValue})
				}
				tw.AppendFooter(table.Row{"", "Total", "", agg.TotalCount, agg.TotalValue, agg.WeightedValue})
				tw.Render()
				return nil
			})
		},
	}
}

func stageCmd() *cobra.Command {
	s := &cobra.Command{Use: "stage", Short: "Manage pipeline stages"}
	s.AddCommand(stageAddCmd())
	s.AddCommand(stageUpdateCmd())
	s.AddCommand(stageReorderCmd())
	s.AddCommand(stageDeleteCmd())
	return s
}

func stageAddCmd() *cobra.Command {
	var in engine.StageInput
	cmd := &cobra.Command{
		Use:   "add <pipeline-id>",
		Short: "Add stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st, err := ws.Engine.AddStage(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "stage name")
	cmd.Flags().StringVar(&in.Key, "key", "", "stage key (defaults to the name)")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().IntVar(&in.Probability, "probability", 0, "win probability 0..100")
	cmd.Flags().IntVar(&in.Order, "order", 0, "1-based position (appends when 0)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stageUpdateCmd() *cobra.Command {
	var name, desc string
	var prob, order int
	var ifVersion int64
	cmd := &cobra.Command{
		Use:   "update <pipeline-id> <stage>",
		Short: "Update stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.StagePatch{
				Name:        stringFlag(cmd, "name", &name),
				Description: stringFlag(cmd, "description", &desc),
			}
			if cmd.Flags().Changed("probability") {
				patch.Probability = &prob
			}
			if cmd.Flags().Changed("order") {
				patch.Order = &order
			}
			if cmd.Flags().Changed("if-version") {
				patch.IfVersion = &ifVersion
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st, err := ws.Engine.UpdateStage(ctx, args[0], args[1], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().IntVar(&prob, "probability", 0, "new probability")
	cmd.Flags().IntVar(&order, "order", 0, "move to 1-based position")
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "fail unless the stage is at this version")
	return cmd
}

func stageReorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <pipeline-id> <stage-id>...",
		Short: "Set the full stage order",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				stages, err := ws.Engine.ReorderStages(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				return printStages(stages)
			})
		},
	}
}

func stageDeleteCmd() *cobra.Command {
	var reassignTo string
	cmd := &cobra.Command{
		Use:   "delete <pipeline-id> <stage>",
		Short: "Delete stage",
		Long:  "Deleting a stage that holds opportunities is refused unless the workspace policy requires reassignment and --reassign-to names the destination.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				results, err := ws.Engine.DeleteStage(ctx, args[0], args[1], reassignTo)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[1], "workflows": results})
				}
				fmt.Printf("deleted stage %s\n", args[1])
				if len(results) > 0 {
					printResults(results)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reassignTo, "reassign-to", "", "stage receiving the remaining opportunities")
	return cmd
}

func opportunityCmd() *cobra.Command {
	o := &cobra.Command{Use: "opp", Aliases: []string{"opportunity"}, Short: "Manage opportunities"}
	o.AddCommand(oppCreateCmd())
	o.AddCommand(oppListCmd())
	o.AddCommand(oppGetCmd())
	o.AddCommand(oppUpdateCmd())
	o.AddCommand(oppMoveCmd())
	o.AddCommand(oppDeleteCmd())
	return o
}

func oppCreateCmd() *cobra.Command {
	var in engine.OpportunityInput
	var prob int
	cmd := &cobra.Command{
		Use:   "create <pipeline-id>",
		Short: "Create opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.PipelineID = args[0]
			if cmd.Flags().Changed("probability") {
				in.Probability = &prob
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				o, results, err := ws.Engine.CreateOpportunity(ctx, in)
				if err != nil {
					return err
				}
				return printWithResults("opportunity", o, results)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "opportunity id (generated when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "name")
	cmd.Flags().Float64Var(&in.Value, "value", 0, "deal value")
	cmd.Flags().IntVar(&prob, "probability", 0, "win probability (defaults to the stage's)")
	cmd.Flags().StringVar(&in.Stage, "stage", "", "initial stage (defaults to the first)")
	cmd.Flags().StringVar(&in.Status, "status", "", "open, won or lost")
	cmd.Flags().StringVar(&in.ExpectedCloseDate, "close-date", "", "expected close date YYYY-MM-DD")
	cmd.Flags().StringVar(&in.ContactID, "contact", "", "contact id")
	cmd.Flags().StringVar(&in.LeadID, "lead", "", "lead id")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringArrayVar(&in.Tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func oppListCmd() *cobra.Command {
	var f repo.OpportunityFilters
	var orderBy string
	var desc bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List opportunities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListOpportunities(ctx, f, repo.ListOptions{OrderBy: orderBy, Desc: desc})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Value", "Prob", "Status", "Assignee"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Name, o.Stage, o.Value, o.Probability, o.Status, deref(o.AssigneeID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PipelineID, "pipeline", "", "pipeline id")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage key")
	cmd.Flags().StringVar(&f.Status, "status", "", "open, won or lost")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&f.ContactID, "contact", "", "contact id")
	cmd.Flags().StringVar(&orderBy, "order-by", "", "name, value, probability, stage, created_at or updated_at")
	cmd.Flags().BoolVar(&desc, "desc", false, "descending order")
	return cmd
}

func oppGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <opportunity-id>",
		Short: "Show opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				o, err := ws.Engine.GetOpportunity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func oppUpdateCmd() *cobra.Command {
	var name, stage, status, closeDate, contact, assignee string
	var value float64
	var prob int
	var tags []string
	var ifVersion int64
	cmd := &cobra.Command{
		Use:   "update <opportunity-id>",
		Short: "Update opportunity",
		Long:  "Changing --stage is a stage move and runs stage_changed workflows.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.OpportunityPatch{
				Name:              stringFlag(cmd, "name", &name),
				Stage:             stringFlag(cmd, "stage", &stage),
				Status:            stringFlag(cmd, "status", &status),
				ExpectedCloseDate: stringFlag(cmd, "close-date", &closeDate),
				ContactID:         stringFlag(cmd, "contact", &contact),
				AssigneeID:        stringFlag(cmd, "assignee", &assignee),
				Tags:              tagsFlag(cmd, "tag", &tags),
			}
			if cmd.Flags().Changed("value") {
				patch.Value = &value
			}
			if cmd.Flags().Changed("probability") {
				patch.Probability = &prob
			}
			if cmd.Flags().Changed("if-version") {
				patch.IfVersion = &ifVersion
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				o, results, err := ws.Engine.UpdateOpportunity(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printWithResults("opportunity", o, results)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().Float64Var(&value, "value", 0, "deal value")
	cmd.Flags().IntVar(&prob, "probability", 0, "win probability")
	cmd.Flags().StringVar(&stage, "stage", "", "move to stage")
	cmd.Flags().StringVar(&status, "status", "", "open, won or lost")
	cmd.Flags().StringVar(&closeDate, "close-date", "", "expected close date (empty clears)")
	cmd.Flags().StringVar(&contact, "contact", "", "contact id (empty clears)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id (empty clears)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "replace tags (repeatable)")
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "fail unless the opportunity is at this version")
	return cmd
}

func oppMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <pipeline-id> <opportunity-id> <stage>",
		Short: "Move opportunity to a stage",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				o, results, err := ws.Engine.MoveOpportunity(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printWithResults("opportunity", o, results)
			})
		},
	}
}

func oppDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <opportunity-id>",
		Short: "Delete opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.DeleteOpportunity(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted opportunity %s\n", args[0])
				return nil
			})
		},
	}
}

func printPipelines(items []domain.Pipeline) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Active", "Created"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Name, p.IsActive, p.CreatedAt})
	}
	tw.Render()
	return nil
}

func printPipeline(p domain.Pipeline) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s (%s)\n", p.Name, p.ID)
	return printStages(p.Stages)
}

func printStages(stages []domain.Stage) error {
	if viper.GetBool("json") {
		return printJSON(stages)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "ID", "Key", "Name", "Prob", "Version"})
	for _, s := range stages {
		tw.AppendRow(table.Row{s.Order, s.ID, s.Key, s.Name, s.Probability, s.Version})
	}
	tw.Render()
	return nil
}
