package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devflow/internal/domain"
	"devflow/internal/engine"
)

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Active role"}
	var contextArgs []string
	transition := &cobra.Command{
		Use:   "transition <role>",
		Short: "Move the project to another role and checkpoint the state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := domain.ParseRole(strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			contextData, err := parseKV(contextArgs)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.TransitionRole(ctx, engine.TransitionOptions{
					ProjectID:   projectID,
					NextRole:    next,
					ContextData: contextData,
					ActorID:     actor(),
					Checked:     true,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	transition.Flags().StringArrayVar(&contextArgs, "context", nil, "context data as key=value (repeatable)")
	role.AddCommand(transition)
	return role
}

func stateCmd() *cobra.Command {
	state := &cobra.Command{Use: "state", Short: "Inspect the state log"}
	state.AddCommand(&cobra.Command{
		Use:   "current",
		Short: "Show the latest state entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.CurrentState(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	})
	state.AddCommand(stateHistoryCmd("history", "State entries, newest first", false))
	state.AddCommand(stateHistoryCmd("checkpoints", "Checkpoints, newest first", true))
	state.AddCommand(&cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show one state entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.StateEntry(ctx, args[0])
				if err != nil {
					return err
				}
				if entry.ProjectID != projectID {
					return fmt.Errorf("state entry %s belongs to project %s", entry.ID, entry.ProjectID)
				}
				return printJSONOrTable(entry)
			})
		},
	})
	return state
}

func stateHistoryCmd(use, short string, checkpointsOnly bool) *cobra.Command {
	var limit int
	var before int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entries, err := e.StateHistory(ctx, projectID, limit, before, checkpointsOnly)
				if err != nil {
					return err
				}
				return printStateEntries(entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default from devflow.yml)")
	cmd.Flags().Int64Var(&before, "before", 0, "only entries with a lower sequence number")
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Checkpoints"}
	var payload string
	save := &cobra.Command{
		Use:   "save",
		Short: "Checkpoint the current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseJSONFlag("payload", payload)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.SaveCheckpoint(ctx, projectID, parsed, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	save.Flags().StringVar(&payload, "payload", "", "extra checkpoint data as JSON")
	cp.AddCommand(save)
	return cp
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Rebuild context from the latest checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.ResumeFromCheckpoint(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Role: %s (checkpoint #%d at %s)\n", res.Role, res.Checkpoint.Seq, res.Checkpoint.Timestamp)
				for _, action := range res.NextActions {
					fmt.Println("-", action)
				}
				return nil
			})
		},
	}
}
