package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devflow/internal/app"
	"devflow/internal/domain"
	"devflow/internal/engine"
	"devflow/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects and triage"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAssessCmd())
	prj.AddCommand(projectAskCmd())
	prj.AddCommand(projectAnswerCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListProjects(ctx, repo.ProjectFilters{Status: domain.ProjectStatus(status)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Role", "Updated")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CurrentRole, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the project with task counts and its current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, nil, projectID)
				if err != nil {
					return err
				}
				summary := map[string]any{"project": p, "task_counts": counts}
				current, err := e.CurrentState(ctx, projectID)
				switch {
				case err == nil:
					summary["active_state"] = current
				case !errors.Is(err, engine.ErrNoStateFound):
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
}

func projectAssessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assess key=value...",
		Short: "Record the triage assessment and move to PLANNING",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assessment, err := parseKV(args)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.RecordAssessment(ctx, projectID, assessment, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func projectAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask question...",
		Short: "Record questions for the user during triage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.RequestInformation(ctx, projectID, args, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func projectAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer key=value...",
		Short: "Merge user responses into the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			responses, err := parseKV(args)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.RecordUserResponses(ctx, projectID, responses, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Knowledge base of %s now has %d keys\n", p.ID, len(p.KnowledgeBase))
				return nil
			})
		},
	}
}
