package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	"devflow/internal/db"
	"devflow/internal/domain"
	"devflow/internal/migrate"
	"devflow/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertProject(ctx, nil, domain.Project{
		ID: "p1", Name: "demo", Status: domain.ProjectPlanning, CurrentRole: domain.RoleTriage,
		KnowledgeBase: map[string]any{"seed": true}, CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return r, ctx
}

func insertWP(t *testing.T, r repo.Repo, ctx context.Context, id string, priority int) domain.WorkPackage {
	t.Helper()
	wp, err := r.InsertWorkPackage(ctx, nil, domain.WorkPackage{ID: id, ProjectID: "p1", Name: id, Priority: priority, Status: domain.StatusPlanned, CreatedAt: ts, UpdatedAt: ts})
	if err != nil {
		t.Fatalf("insert wp: %v", err)
	}
	return wp
}

func insertTask(t *testing.T, r repo.Repo, ctx context.Context, id, wpID string, priority int, deps ...string) domain.Task {
	t.Helper()
	task, err := r.InsertTask(ctx, nil, domain.Task{ID: id, WorkPackageID: wpID, Name: id, FilePath: id + ".go", Priority: priority, Status: domain.StatusPlanned, Dependencies: deps, CreatedAt: ts, UpdatedAt: ts})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestListOrdering(t *testing.T) {
	r, ctx := newTestRepo(t)
	a := insertWP(t, r, ctx, "a", 2)
	b := insertWP(t, r, ctx, "b", 1)
	c := insertWP(t, r, ctx, "c", 2)
	wps, err := r.ListWorkPackages(ctx, nil, repo.WorkPackageFilters{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, wp := range wps {
		got = append(got, wp.WPID)
	}
	if want := []string{b.WPID, a.WPID, c.WPID}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	insertTask(t, r, ctx, "t1", a.ID, 3)
	insertTask(t, r, ctx, "t2", a.ID, 1, "WP002-01", "WP002-01", "")
	insertTask(t, r, ctx, "t3", a.ID, 3)
	tasks, err := r.ListTasks(ctx, nil, repo.TaskFilters{WorkPackageID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	got = nil
	for _, task := range tasks {
		got = append(got, task.TaskID)
	}
	if want := []string{"WP001-02", "WP001-01", "WP001-03"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("task order = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(tasks[0].Dependencies, []string{"WP002-01"}) {
		t.Fatalf("deps = %v", tasks[0].Dependencies)
	}
	byKey, err := r.TasksByKey(ctx, nil, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byKey) != 3 || byKey["WP001-03"].ID != "t3" {
		t.Fatalf("lookup = %v", byKey)
	}
}

func TestUpdateTaskAppliesMutator(t *testing.T) {
	r, ctx := newTestRepo(t)
	wp := insertWP(t, r, ctx, "w", 1)
	insertTask(t, r, ctx, "t1", wp.ID, 1)
	updated, err := r.UpdateTask(ctx, nil, "t1", func(task *domain.Task) error {
		task.Status = domain.StatusFailed
		task.QAResults = &domain.QAResults{Passed: false, RequiredFixes: []string{"x"}}
		task.Dependencies = []string{"WP009-01"}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.GetTaskByKey(ctx, nil, "p1", updated.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.QAResults == nil || got.QAResults.RequiredFixes[0] != "x" || got.Dependencies[0] != "WP009-01" {
		t.Fatalf("unexpected task %+v", got)
	}
	failed, err := r.ListTasks(ctx, nil, repo.TaskFilters{ProjectID: "p1", Statuses: []domain.WorkStatus{domain.StatusFailed}})
	if err != nil || len(failed) != 1 {
		t.Fatalf("status filter: %v %v", failed, err)
	}

	boom := errors.New("boom")
	if _, err := r.UpdateTask(ctx, nil, "t1", func(*domain.Task) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("mutator error not returned: %v", err)
	}
	if _, err := r.UpdateTask(ctx, nil, "missing", func(*domain.Task) error { return nil }); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestKnowledgeIsMergeOnly(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.MergeKnowledge(ctx, nil, "p1", map[string]any{"goal": "ship"}, ts); err != nil {
		t.Fatal(err)
	}
	p, err := r.UpdateProject(ctx, nil, "p1", func(p *domain.Project) error {
		p.KnowledgeBase = map[string]any{}
		p.Status = domain.ProjectOnHold
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.ProjectOnHold || p.KnowledgeBase["seed"] != true || p.KnowledgeBase["goal"] != "ship" {
		t.Fatalf("project = %+v", p)
	}
}

func TestFileRegistry(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.TouchFile(ctx, nil, "p1", "main.go", "WP001-01", ts); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecordFileModification(ctx, nil, "p1", "main.go", "WP001-01", ts, map[string]any{"added": 3}); err != nil {
		t.Fatal(err)
	}
	f, err := r.GetFile(ctx, nil, "p1", "main.go")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.History) != 1 || f.History[0].TaskID != "WP001-01" || f.LastModifiedBy != "WP001-01" {
		t.Fatalf("file = %+v", f)
	}
	if _, err := r.GetFile(ctx, nil, "p1", "other.go"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// cancelAfterQuery cancels the query context as soon as rows are handed
// back, so iteration stops early with the context error.
type cancelAfterQuery struct {
	repo.Querier
	cancel context.CancelFunc
}

func (c cancelAfterQuery) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.Querier.QueryContext(ctx, query, args...)
	c.cancel()
	// database/sql closes the rows from its own goroutine once ctx is done.
	time.Sleep(50 * time.Millisecond)
	return rows, err
}

func TestListsReportInterruptedIteration(t *testing.T) {
	r, ctx := newTestRepo(t)
	wp := insertWP(t, r, ctx, "a", 1)
	insertTask(t, r, ctx, "t1", wp.ID, 1)
	insertTask(t, r, ctx, "t2", wp.ID, 2)

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tasks, err := r.ListTasks(qctx, cancelAfterQuery{Querier: r.DB, cancel: cancel}, repo.TaskFilters{ProjectID: "p1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("tasks = %+v, err = %v; want context.Canceled", tasks, err)
	}

	qctx, cancel = context.WithCancel(ctx)
	defer cancel()
	wps, err := r.ListWorkPackages(qctx, cancelAfterQuery{Querier: r.DB, cancel: cancel}, repo.WorkPackageFilters{ProjectID: "p1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("work packages = %+v, err = %v; want context.Canceled", wps, err)
	}
}
