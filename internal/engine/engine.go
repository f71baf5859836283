package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"devflow/internal/config"
	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/repo"
	"devflow/internal/statelog"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time

	locks *projectLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
		locks:  newProjectLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) timestamp() string {
	return e.now().Format(time.RFC3339Nano)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// States exposes the state log bound to the engine clock.
func (e Engine) States() statelog.Log {
	return statelog.Log{DB: e.DB, Now: e.now}
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) lockProject(projectID string) func() {
	if e.locks == nil {
		return shared.lock(projectID)
	}
	return e.locks.lock(projectID)
}

// inProject runs fn in a single transaction while holding the project lock,
// so read-current-state-then-append sequences never interleave.
func (e Engine) inProject(ctx context.Context, projectID string, fn func(tx *sql.Tx) error) error {
	unlock := e.lockProject(projectID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// read runs fn in a read transaction so multi-query reads see one snapshot.
func (e Engine) read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// projectForTask returns projectID, or looks it up from the task id when empty.
func (e Engine) projectForTask(ctx context.Context, projectID, ref string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	t, err := e.Repo.GetTask(ctx, nil, ref)
	if err != nil {
		return "", wrapNotFound(err, "task", ref)
	}
	return t.ProjectID, nil
}

func (e Engine) projectForWorkPackage(ctx context.Context, projectID, ref string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	wp, err := e.Repo.GetWorkPackage(ctx, nil, ref)
	if err != nil {
		return "", wrapNotFound(err, "work package", ref)
	}
	return wp.ProjectID, nil
}

// resolveTask accepts either the generated id or the taskId business key.
func (e Engine) resolveTask(ctx context.Context, q repo.Querier, projectID, ref string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, q, ref)
	if err == nil {
		if projectID != "" && t.ProjectID != projectID {
			return domain.Task{}, notFound("task", ref)
		}
		return t, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	if projectID == "" {
		return t, notFound("task", ref)
	}
	t, err = e.Repo.GetTaskByKey(ctx, q, projectID, ref)
	return t, wrapNotFound(err, "task", ref)
}

// resolveWorkPackage accepts either the generated id or the wpId business key.
func (e Engine) resolveWorkPackage(ctx context.Context, q repo.Querier, projectID, ref string) (domain.WorkPackage, error) {
	wp, err := e.Repo.GetWorkPackage(ctx, q, ref)
	if err == nil {
		if projectID != "" && wp.ProjectID != projectID {
			return domain.WorkPackage{}, notFound("work package", ref)
		}
		return wp, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return wp, err
	}
	if projectID == "" {
		return wp, notFound("work package", ref)
	}
	wp, err = e.Repo.GetWorkPackageByKey(ctx, q, projectID, ref)
	return wp, wrapNotFound(err, "work package", ref)
}

func (e Engine) getProject(ctx context.Context, q repo.Querier, projectID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, q, projectID)
	return p, wrapNotFound(err, "project", projectID)
}

// appendMerged merges patch into the project's current state and appends it.
func (e Engine) appendMerged(ctx context.Context, tx *sql.Tx, projectID string, patch domain.State, checkpoint bool) (domain.StateEntry, error) {
	log := e.States()
	cur, err := log.Current(ctx, tx, projectID)
	if err != nil {
		return domain.StateEntry{}, err
	}
	return log.Append(ctx, tx, projectID, cur.State.Merge(patch), checkpoint)
}

// stringList reads a list of strings stored in a state snapshot.
func stringList(s domain.State, key string) []string {
	switch v := s[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return []string{}
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

func taskKeys(tasks []domain.Task) []string {
	keys := make([]string, 0, len(tasks))
	for _, t := range tasks {
		keys = append(keys, t.TaskID)
	}
	return keys
}
