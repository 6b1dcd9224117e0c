package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crmflow/internal/app"
	"crmflow/internal/engine"
	"crmflow/internal/repo"
)

func contactCmd() *cobra.Command {
	c := &cobra.Command{Use: "contact", Short: "Manage contacts"}
	c.AddCommand(contactCreateCmd())
	c.AddCommand(contactListCmd())
	c.AddCommand(contactGetCmd())
	c.AddCommand(contactUpdateCmd())
	c.AddCommand(deleteCmd("contact", func(ctx context.Context, e engine.Engine, id string) error {
		return e.DeleteContact(ctx, id)
	}))
	return c
}

func contactCreateCmd() *cobra.Command {
	var in engine.ContactInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				c, results, err := ws.Engine.CreateContact(ctx, in)
				if err != nil {
					return err
				}
				return printWithResults("contact", c, results)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "contact id (generated when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&in.Company, "company", "", "company")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringArrayVar(&in.Tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func contactListCmd() *cobra.Command {
	var f repo.ContactFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListContacts(ctx, f, repo.ListOptions{OrderBy: "name"})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Company", "Assignee", "Tags"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Email, c.Company, deref(c.AssigneeID), c.Tags})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Company, "company", "", "company filter")
	cmd.Flags().StringVar(&f.Email, "email", "", "email filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee id")
	return cmd
}

func contactGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <contact-id>",
		Short: "Show contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				c, err := ws.Engine.GetContact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contactUpdateCmd() *cobra.Command {
	var name, email, phone, company, assignee string
	var tags []string
	var ifVersion int64
	cmd := &cobra.Command{
		Use:   "update <contact-id>",
		Short: "Update contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.ContactPatch{
				Name:       stringFlag(cmd, "name", &name),
				Email:      stringFlag(cmd, "email", &email),
				Phone:      stringFlag(cmd, "phone", &phone),
				Company:    stringFlag(cmd, "company", &company),
				AssigneeID: stringFlag(cmd, "assignee", &assignee),
				Tags:       tagsFlag(cmd, "tag", &tags),
			}
			if cmd.Flags().Changed("if-version") {
				patch.IfVersion = &ifVersion
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				c, err := ws.Engine.UpdateContact(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&phone, "phone", "", "phone")
	cmd.Flags().StringVar(&company, "company", "", "company")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id (empty clears)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "replace tags (repeatable)")
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "fail unless the contact is at this version")
	return cmd
}

func leadCmd() *cobra.Command {
	l := &cobra.Command{Use: "lead", Short: "Manage leads"}
	l.AddCommand(leadCreateCmd())
	l.AddCommand(leadListCmd())
	l.AddCommand(leadGetCmd())
	l.AddCommand(leadUpdateCmd())
	l.AddCommand(leadConvertCmd())
	l.AddCommand(deleteCmd("lead", func(ctx context.Context, e engine.Engine, id string) error {
		return e.DeleteLead(ctx, id)
	}))
	return l
}

func leadCreateCmd() *cobra.Command {
	var in engine.LeadInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				l, results, err := ws.Engine.CreateLead(ctx, in)
				if err != nil {
					return err
				}
				return printWithResults("lead", l, results)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "lead id (generated when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Company, "company", "", "company")
	cmd.Flags().StringVar(&in.Source, "source", "", "source, e.g. web or referral")
	cmd.Flags().StringVar(&in.Status, "status", "", "new, qualified, converted or lost")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringArrayVar(&in.Tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func leadListCmd() *cobra.Command {
	var f repo.LeadFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListLeads(ctx, f, repo.ListOptions{OrderBy: "created_at"})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Company", "Source", "Status", "Assignee"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.Name, l.Company, l.Source, l.Status, deref(l.AssigneeID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee id")
	return cmd
}

func leadGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <lead-id>",
		Short: "Show lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				l, err := ws.Engine.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func leadUpdateCmd() *cobra.Command {
	var name, email, company, source, status, assignee string
	var tags []string
	var ifVersion int64
	cmd := &cobra.Command{
		Use:   "update <lead-id>",
		Short: "Update lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.LeadPatch{
				Name:       stringFlag(cmd, "name", &name),
				Email:      stringFlag(cmd, "email", &email),
				Company:    stringFlag(cmd, "company", &company),
				Source:     stringFlag(cmd, "source", &source),
				Status:     stringFlag(cmd, "status", &status),
				AssigneeID: stringFlag(cmd, "assignee", &assignee),
				Tags:       tagsFlag(cmd, "tag", &tags),
			}
			if cmd.Flags().Changed("if-version") {
				patch.IfVersion = &ifVersion
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				l, err := ws.Engine.UpdateLead(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&company, "company", "", "company")
	cmd.Flags().StringVar(&source, "source", "", "source")
	cmd.Flags().StringVar(&status, "status", "", "new, qualified, converted or lost")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id (empty clears)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "replace tags (repeatable)")
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "fail unless the lead is at this version")
	return cmd
}

func leadConvertCmd() *cobra.Command {
	var in engine.ConvertInput
	cmd := &cobra.Command{
		Use:   "convert <lead-id>",
		Short: "Convert a lead into an opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				o, results, err := ws.Engine.ConvertLead(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printWithResults("opportunity", o, results)
			})
		},
	}
	cmd.Flags().StringVar(&in.PipelineID, "pipeline", "", "target pipeline id")
	cmd.Flags().StringVar(&in.Name, "name", "", "opportunity name (defaults to the lead's)")
	cmd.Flags().Float64Var(&in.Value, "value", 0, "deal value")
	cmd.Flags().StringVar(&in.Stage, "stage", "", "initial stage")
	cmd.Flags().StringVar(&in.ContactID, "contact", "", "contact id")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskCompleteCmd())
	t.AddCommand(deleteCmd("task", func(ctx context.Context, e engine.Engine, id string) error {
		return e.DeleteTask(ctx, id)
	}))
	return t
}

func taskCreateCmd() *cobra.Command {
	var in engine.TaskInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.CreateTask(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date YYYY-MM-DD")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&in.EntityKind, "entity-kind", "", "opportunity, contact or lead")
	cmd.Flags().StringVar(&in.EntityID, "entity", "", "related entity id")
	cmd.Flags().StringArrayVar(&in.Tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListTasks(ctx, f, repo.ListOptions{OrderBy: "created_at"})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Due", "Assignee", "Entity"})
				for _, t := range items {
					entity := ""
					if t.EntityID != "" {
						entity = t.EntityKind + ":" + t.EntityID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, deref(t.DueDate), deref(t.AssigneeID), entity})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "open or completed")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "related entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity", "", "related entity id")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, due, assignee string
	var tags []string
	var ifVersion int64
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.TaskPatch{
				Title:       stringFlag(cmd, "title", &title),
				Description: stringFlag(cmd, "description", &desc),
				DueDate:     stringFlag(cmd, "due", &due),
				AssigneeID:  stringFlag(cmd, "assignee", &assignee),
				Tags:        tagsFlag(cmd, "tag", &tags),
			}
			if cmd.Flags().Changed("if-version") {
				patch.IfVersion = &ifVersion
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.UpdateTask(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", "due date YYYY-MM-DD (empty clears)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id (empty clears)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "replace tags (repeatable)")
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "fail unless the task is at this version")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, results, err := ws.Engine.CompleteTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printWithResults("task", t, results)
			})
		},
	}
}

func deleteCmd(kind string, del func(context.Context, engine.Engine, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   fmt.Sprintf("delete <%s-id>", kind),
		Short: "Delete " + kind,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := del(ctx, ws.Engine, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s %s\n", kind, args[0])
				return nil
			})
		},
	}
}
