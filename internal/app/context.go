package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"devflow/internal/config"
	"devflow/internal/db"
	"devflow/internal/engine"
	"devflow/internal/migrate"
	"devflow/internal/repo"
)

// Workspace bundles everything a command needs to talk to one devflow workspace.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the workspace database, applies migrations and loads devflow.yml.
// A missing config file falls back to the defaults.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	return &Workspace{Path: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// ResolveProject picks the active project. It prefers the override, then the
// only project of the workspace.
func (w *Workspace) ResolveProject(ctx context.Context, override string) (string, error) {
	if override != "" {
		if _, err := w.Engine.Repo.GetProject(ctx, nil, override); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("project %s not found", override)
			}
			return "", err
		}
		return override, nil
	}
	p, err := w.Engine.Repo.SingleProject(ctx, nil)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no project in workspace; run dfl init")
		}
		return "", err
	}
	return p.ID, nil
}
