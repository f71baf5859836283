package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devflow/internal/app"
	"devflow/internal/config"
	"devflow/internal/domain"
	"devflow/internal/engine"
	"devflow/internal/repo"
	"devflow/internal/rpc"
	"devflow/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dfl",
	Short: "devflow CLI",
	Long: `devflow drives a software project through triage, planning, development and QA.
- Project: one delivery effort with a knowledge base and an active role.
- Roles: TRIAGE -> PLANNING -> DEVELOPMENT <-> QA -> ORCHESTRATOR.
- Work packages (WP001) group tasks (WP001-01); tasks start once their dependencies are COMPLETED.
- QA reviews every finished task; a failed review creates a fix task.
- State log: every role change and checkpoint is an append-only entry; 'dfl resume' rebuilds context from it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEVFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project in the workspace)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(wpCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(qaCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rpcCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var opts engine.InitProjectOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create devflow.yml and a project in TRIAGE",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path, created, err := config.WriteDefault(workspace)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(os.Stderr, "wrote %s\n", path)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				opts.ActorID = actor()
				p, entry, err := ws.Engine.InitProject(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "state": entry})
				}
				fmt.Printf("Project %s (%s) created in %s\n", p.Name, p.ID, p.CurrentRole)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Objectives, "objectives", "", "objectives")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to projects, work packages, tasks and state, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ws.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt_secret"),
					AllowLegacyActorHeader: allowActorHeader,
					Logger:                 logger,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("DEVFLOW_JWT_SECRET is required for bearer auth (or pass --allow-actor-header)")
				}
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(ws.Engine, logger).Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving devflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from devflow.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from devflow.yml)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token (local development)")
	return cmd
}

func rpcCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Serve the workflow tools over JSON-RPC (stdio or a unix socket)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				// A default project is optional: init_project works without one.
				projectID, _ := ws.ResolveProject(ctx, viper.GetString("project"))
				srv := rpc.New(rpc.Config{
					Engine:         ws.Engine,
					Logger:         logger,
					DefaultProject: projectID,
					ActorID:        actor(),
					Version:        version,
				})
				if socket == "" {
					return srv.Serve(ctx, os.Stdin, os.Stdout)
				}
				_ = os.Remove(socket)
				ln, err := net.Listen("unix", socket)
				if err != nil {
					return err
				}
				defer os.Remove(socket)
				logger.Info("rpc listening", "socket", socket)
				return srv.ServeListener(ctx, ln)
			})
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket path (stdio when empty)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the acting actor (signed with DEVFLOW_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt_secret"), actor(), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

// --- helpers ---

func actor() string {
	return viper.GetString("actor-id")
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		projectID, err := ws.ResolveProject(ctx, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, ws.Engine, projectID)
	})
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable("Task", "Name", "Status", "Priority", "File", "Depends on")
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.TaskID, t.Name, t.Status, t.Priority, t.FilePath, strings.Join(t.Dependencies, ",")})
	}
	tw.Render()
	return nil
}

func printStateEntries(entries []domain.StateEntry) error {
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	tw := newTable("Seq", "Timestamp", "Role", "Checkpoint", "ID")
	for _, e := range entries {
		tw.AppendRow(table.Row{e.Seq, e.Timestamp, e.State.ActiveRole(), e.Checkpoint, e.ID})
	}
	tw.Render()
	return nil
}

// parseKV turns key=value arguments into a map. Values that parse as JSON
// keep their type; anything else is a string.
func parseKV(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		out[strings.TrimSpace(key)] = parseValue(value)
	}
	return out, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// parseJSONFlag decodes an optional JSON flag value.
func parseJSONFlag(name, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("--%s: invalid JSON: %w", name, err)
	}
	return v, nil
}
