package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devflow/internal/domain"
	"devflow/internal/engine"
	"devflow/internal/repo"
)

func wpCmd() *cobra.Command {
	wp := &cobra.Command{Use: "wp", Short: "Manage work packages"}
	wp.AddCommand(wpCreateCmd())
	wp.AddCommand(wpListCmd())
	wp.AddCommand(wpShowCmd())
	wp.AddCommand(wpRecomputeCmd())
	wp.AddCommand(wpReviewCmd())
	return wp
}

func wpCreateCmd() *cobra.Command {
	var opts engine.WorkPackageCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = actor()
				wp, err := e.CreateWorkPackage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "work package name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (lower runs first)")
	cmd.Flags().StringSliceVar(&opts.Dependencies, "depends", nil, "work package dependencies (WPxxx)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func wpListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work packages in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(status)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListWorkPackages(ctx, repo.WorkPackageFilters{ProjectID: projectID, Statuses: statuses})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("WP", "Name", "Status", "Priority", "Progress")
				for _, wp := range items {
					tw.AppendRow(table.Row{wp.WPID, wp.Name, wp.Status, wp.Priority, fmt.Sprintf("%.0f%%", wp.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated status filter")
	return cmd
}

func wpShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <wp>",
		Short: "Show a work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				wp, err := e.GetWorkPackage(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
}

func wpRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <wp>",
		Short: "Recompute progress and status from the tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				wp, err := e.RecomputeWorkPackage(ctx, projectID, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
}

func wpReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <wp>",
		Short: "Check whether every task of a work package is COMPLETED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				review, err := e.ReviewWorkPackage(ctx, projectID, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(review)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskDepsCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskCheckpointCmd())
	task.AddCommand(taskResumeCmd())
	task.AddCommand(taskNextCmd())
	task.AddCommand(taskStatusCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in a work package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = actor()
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkPackage, "wp", "", "work package (WPxxx or id)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.FilePath, "file", "", "file the task changes")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority within the work package")
	cmd.Flags().StringSliceVar(&opts.Dependencies, "depends", nil, "task dependencies (WPxxx-NN)")
	cmd.Flags().StringVar(&opts.SuccessCriteria, "criteria", "", "success criteria")
	_ = cmd.MarkFlagRequired("wp")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in scheduling order",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(status)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				f.Statuses = statuses
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkPackageID, "wp", "", "work package filter")
	cmd.Flags().StringVar(&status, "status", "", "comma separated status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.GetTask(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <task> [dependency...]",
		Short: "Replace the dependencies of a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.UpdateTaskDependencies(ctx, projectID, args[0], args[1:], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task>",
		Short: "Start a task whose dependencies are COMPLETED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.StartTask(ctx, projectID, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var changes string
	cmd := &cobra.Command{
		Use:   "complete <task>",
		Short: "Finish implementation and hand the task to QA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseJSONFlag("changes", changes)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.CompleteTask(ctx, engine.CompleteTaskOptions{
					ProjectID: projectID,
					Ref:       args[0],
					Changes:   parsed,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&changes, "changes", "", "changes as JSON")
	return cmd
}

func taskCheckpointCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "checkpoint <task>",
		Short: "Checkpoint the implementation state of an in-flight task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseJSONFlag("data", data)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.SaveImplementationCheckpoint(ctx, projectID, args[0], parsed, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "implementation state as JSON")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func taskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task>",
		Short: "Show the last checkpointed implementation state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.ResumeTask(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func taskNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the next eligible task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.NextTask(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				if res.Task != nil {
					return printTasks([]domain.Task{*res.Task})
				}
				if len(res.Blocked) > 0 {
					tw := newTable("Task", "Waiting on")
					for _, b := range res.Blocked {
						tw.AppendRow(table.Row{b.TaskID, strings.Join(b.Incomplete, ",")})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task> <status>",
		Short: "Set a task status without transition checks (reconciliation)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseWorkStatus(args[1])
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.UpdateTaskStatus(ctx, engine.StatusUpdateOptions{
					ProjectID: projectID,
					Ref:       args[0],
					Status:    status,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func qaCmd() *cobra.Command {
	qa := &cobra.Command{Use: "qa", Short: "Review finished tasks"}
	qa.AddCommand(qaListCmd())
	qa.AddCommand(qaStartCmd())
	qa.AddCommand(qaCompleteCmd())
	qa.AddCommand(qaFixCmd())
	return qa
}

func qaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks waiting for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				tasks, err := e.TasksReadyForQA(ctx, projectID)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
}

func qaStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task>",
		Short: "Start reviewing a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.StartTaskReview(ctx, projectID, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func qaCompleteCmd() *cobra.Command {
	var results domain.QAResults
	var failed bool
	cmd := &cobra.Command{
		Use:   "complete <task>",
		Short: "Record the review verdict; a failure creates a fix task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if results.Passed == failed {
				return fmt.Errorf("pass exactly one of --pass or --fail")
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				out, err := e.CompleteTaskReview(ctx, engine.CompleteReviewOptions{
					ProjectID: projectID,
					Ref:       args[0],
					Results:   results,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().BoolVar(&results.Passed, "pass", false, "the task passed review")
	cmd.Flags().BoolVar(&failed, "fail", false, "the task failed review")
	cmd.Flags().StringVar(&results.Notes, "notes", "", "review notes")
	cmd.Flags().StringArrayVar(&results.RequiredFixes, "fix", nil, "required fix (repeatable)")
	cmd.Flags().StringVar(&results.SuccessCriteria, "criteria", "", "success criteria checked")
	return cmd
}

func qaFixCmd() *cobra.Command {
	var fixes []string
	cmd := &cobra.Command{
		Use:   "fix <task>",
		Short: "Create a fix task for a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.CreateFixTask(ctx, projectID, args[0], fixes, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringArrayVar(&fixes, "fix", nil, "required fix (repeatable)")
	_ = cmd.MarkFlagRequired("fix")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Development plan"}
	plan.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show work packages with their tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.DevelopmentPlan(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable("WP", "Task", "Name", "Status", "Depends on")
				for _, wp := range p.WorkPackages {
					tw.AppendRow(table.Row{wp.WPID, "", wp.Name, wp.Status, strings.Join(wp.Dependencies, ",")})
					for _, t := range wp.Tasks {
						tw.AppendRow(table.Row{"", t.TaskID, t.Name, t.Status, strings.Join(t.Dependencies, ",")})
					}
				}
				tw.Render()
				return nil
			})
		},
	})
	plan.AddCommand(&cobra.Command{
		Use:   "complete",
		Short: "Finish planning and move to DEVELOPMENT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.CompletePlanning(ctx, projectID, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	})
	return plan
}

func parseStatuses(raw string) ([]domain.WorkStatus, error) {
	var out []domain.WorkStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := domain.ParseWorkStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
