package engine_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"devflow/internal/config"
	"devflow/internal/db"
	"devflow/internal/domain"
	"devflow/internal/engine"
	"devflow/internal/migrate"
	"devflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) project(t *testing.T) domain.Project {
	t.Helper()
	p, _, err := env.Engine.InitProject(env.Ctx, engine.InitProjectOptions{Name: "demo", ActorID: "tester"})
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return p
}

func (env testEnv) workPackage(t *testing.T, projectID, name string, priority int) domain.WorkPackage {
	t.Helper()
	wp, err := env.Engine.CreateWorkPackage(env.Ctx, engine.WorkPackageCreateOptions{ProjectID: projectID, Name: name, Priority: priority, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create work package %s: %v", name, err)
	}
	return wp
}

func (env testEnv) task(t *testing.T, projectID, wpID, name string, priority int, deps ...string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:    projectID,
		WorkPackage:  wpID,
		Name:         name,
		FilePath:     "src/" + name + ".go",
		Priority:     priority,
		Dependencies: deps,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create task %s: %v", name, err)
	}
	return task
}

func (env testEnv) toDevelopment(t *testing.T, projectID string) {
	t.Helper()
	if _, err := env.Engine.RecordAssessment(env.Ctx, projectID, map[string]any{"complexity": "low"}, "tester"); err != nil {
		t.Fatalf("record assessment: %v", err)
	}
	if _, err := env.Engine.CompletePlanning(env.Ctx, projectID, "tester"); err != nil {
		t.Fatalf("complete planning: %v", err)
	}
}

// finish drives a task through development and a passing review.
func (env testEnv) finish(t *testing.T, projectID, ref string) engine.ReviewOutcome {
	t.Helper()
	if _, err := env.Engine.StartTask(env.Ctx, projectID, ref, "tester"); err != nil {
		t.Fatalf("start %s: %v", ref, err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteTaskOptions{ProjectID: projectID, Ref: ref, ActorID: "tester"}); err != nil {
		t.Fatalf("complete %s: %v", ref, err)
	}
	if _, err := env.Engine.StartTaskReview(env.Ctx, projectID, ref, "tester"); err != nil {
		t.Fatalf("start review %s: %v", ref, err)
	}
	out, err := env.Engine.CompleteTaskReview(env.Ctx, engine.CompleteReviewOptions{ProjectID: projectID, Ref: ref, Results: domain.QAResults{Passed: true}, ActorID: "tester"})
	if err != nil {
		t.Fatalf("complete review %s: %v", ref, err)
	}
	return out
}

func TestBusinessKeysAreSequential(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	wp1 := env.workPackage(t, p.ID, "api", 1)
	wp2 := env.workPackage(t, p.ID, "ui", 2)
	if wp1.WPID != "WP001" || wp2.WPID != "WP002" {
		t.Fatalf("unexpected wp ids %s %s", wp1.WPID, wp2.WPID)
	}
	a := env.task(t, p.ID, wp1.ID, "a", 1)
	b := env.task(t, p.ID, wp1.WPID, "b", 1)
	c := env.task(t, p.ID, wp2.ID, "c", 1)
	if a.TaskID != "WP001-01" || b.TaskID != "WP001-02" || c.TaskID != "WP002-01" {
		t.Fatalf("unexpected task ids %s %s %s", a.TaskID, b.TaskID, c.TaskID)
	}
	state, err := env.Engine.CurrentState(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if got := fmt.Sprint(state.State["tasks"]); got != "[WP001-01 WP001-02 WP002-01]" {
		t.Fatalf("state tasks = %s", got)
	}
}

func TestCreateTaskRequiresNameAndFilePath(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	wp := env.workPackage(t, p.ID, "api", 1)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, WorkPackage: wp.ID, Name: "x"})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, WorkPackage: "WP404", Name: "x", FilePath: "x.go"})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListingsAreScopedToOneProject(t *testing.T) {
	env := newTestEnv(t)
	a := env.project(t)
	b := env.project(t)
	wp := env.workPackage(t, b.ID, "b-only", 1)
	env.task(t, b.ID, wp.ID, "b-task", 1)

	wps, err := env.Engine.ListWorkPackages(env.Ctx, repo.WorkPackageFilters{ProjectID: a.ID})
	if err != nil || len(wps) != 0 {
		t.Fatalf("work packages of A = %+v (%v)", wps, err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: a.ID})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("tasks of A = %+v (%v)", tasks, err)
	}
	if wps, err := env.Engine.ListWorkPackages(env.Ctx, repo.WorkPackageFilters{ProjectID: b.ID}); err != nil || len(wps) != 1 {
		t.Fatalf("work packages of B = %+v (%v)", wps, err)
	}

	if _, err := env.Engine.ListWorkPackages(env.Ctx, repo.WorkPackageFilters{}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("unscoped work package listing: %v", err)
	}
	if _, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{WorkPackageID: wp.WPID}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("unscoped task listing: %v", err)
	}
	if _, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "nope"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("unknown project: %v", err)
	}
}

func TestInitProjectRejectsDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.InitProject(env.Ctx, engine.InitProjectOptions{ID: "fixed", Name: "first"}); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.InitProject(env.Ctx, engine.InitProjectOptions{ID: "fixed", Name: "second"})
	if !errors.Is(err, engine.ErrAlreadyExists) || engine.Code(err) != "already_exists" {
		t.Fatalf("duplicate id: %v (code %s)", err, engine.Code(err))
	}
	p, err := env.Engine.GetProject(env.Ctx, "fixed")
	if err != nil || p.Name != "first" {
		t.Fatalf("original project = %+v (%v)", p, err)
	}
}

func TestScenarioA_NextEligibleTaskFollowsDependencies(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w1 := env.workPackage(t, p.ID, "W1", 1)
	t1 := env.task(t, p.ID, w1.ID, "T1", 1)
	t2 := env.task(t, p.ID, w1.ID, "T2", 2, t1.TaskID)
	env.toDevelopment(t, p.ID)

	next, err := env.Engine.NextEligibleTask(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.TaskID != t1.TaskID {
		t.Fatalf("expected %s, got %+v", t1.TaskID, next)
	}

	out := env.finish(t, p.ID, t1.TaskID)
	if out.NextTask == nil || out.NextTask.TaskID != t2.TaskID {
		t.Fatalf("review outcome next task = %+v", out.NextTask)
	}
	next, err = env.Engine.NextEligibleTask(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.TaskID != t2.TaskID {
		t.Fatalf("expected %s, got %+v", t2.TaskID, next)
	}
}

func TestNextEligibleTaskOrdersByWorkPackagePriority(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	low := env.workPackage(t, p.ID, "later", 5)
	high := env.workPackage(t, p.ID, "first", 1)
	env.task(t, p.ID, low.ID, "low-urgent", 0)
	want := env.task(t, p.ID, high.ID, "high-relaxed", 9)
	env.task(t, p.ID, high.ID, "high-blocked", 1, "WP404-01")

	next, err := env.Engine.NextEligibleTask(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.TaskID != want.TaskID {
		t.Fatalf("expected %s, got %+v", want.TaskID, next)
	}
}

func TestScenarioB_RecomputeCompletesWorkPackage(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w1 := env.workPackage(t, p.ID, "W1", 1)
	a := env.task(t, p.ID, w1.ID, "a", 1)
	b := env.task(t, p.ID, w1.ID, "b", 2)
	for _, ref := range []string{a.TaskID, b.TaskID} {
		if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{ProjectID: p.ID, Ref: ref, Status: domain.StatusCompleted}); err != nil {
			t.Fatalf("reconcile %s: %v", ref, err)
		}
	}
	first, err := env.Engine.RecomputeWorkPackage(env.Ctx, p.ID, w1.ID, "tester")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if first.Progress != 100 || first.Status != domain.StatusCompleted {
		t.Fatalf("expected 100/COMPLETED, got %v/%s", first.Progress, first.Status)
	}
	second, err := env.Engine.RecomputeWorkPackage(env.Ctx, p.ID, w1.WPID, "tester")
	if err != nil {
		t.Fatalf("recompute again: %v", err)
	}
	if second.Progress != first.Progress || second.Status != first.Status {
		t.Fatalf("recompute not idempotent: %+v vs %+v", first, second)
	}
}

func TestRecomputeEmptyWorkPackage(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w := env.workPackage(t, p.ID, "empty", 1)
	if _, err := env.Engine.RecomputeWorkPackage(env.Ctx, p.ID, w.ID, "tester"); !errors.Is(err, engine.ErrEmptyWorkPackage) {
		t.Fatalf("expected ErrEmptyWorkPackage, got %v", err)
	}
}

func TestDeriveWorkPackage(t *testing.T) {
	tasks := func(statuses ...domain.WorkStatus) []domain.Task {
		var res []domain.Task
		for _, s := range statuses {
			res = append(res, domain.Task{Status: s})
		}
		return res
	}
	cases := []struct {
		name     string
		tasks    []domain.Task
		progress float64
		status   domain.WorkStatus
	}{
		{"all planned", tasks(domain.StatusPlanned, domain.StatusPlanned), 0, domain.StatusPlanned},
		{"one started", tasks(domain.StatusInProgress, domain.StatusPlanned), 0, domain.StatusInProgress},
		{"all ready", tasks(domain.StatusReadyForQA, domain.StatusReadyForQA), 0, domain.StatusReadyForQA},
		{"some ready", tasks(domain.StatusReadyForQA, domain.StatusPlanned), 0, domain.StatusInProgress},
		{"under review", tasks(domain.StatusQAInProgress, domain.StatusPlanned), 0, domain.StatusQAInProgress},
		{"all failed", tasks(domain.StatusFailed), 0, domain.StatusFailed},
		{"half done", tasks(domain.StatusCompleted, domain.StatusFailed), 50, domain.StatusInProgress},
		{"done", tasks(domain.StatusCompleted, domain.StatusCompleted), 100, domain.StatusCompleted},
	}
	for _, tc := range cases {
		progress, status := engine.DeriveWorkPackage(tc.tasks)
		if progress != tc.progress || status != tc.status {
			t.Errorf("%s: got %v/%s, want %v/%s", tc.name, progress, status, tc.progress, tc.status)
		}
	}
}

func TestScenarioC_FailedReviewCreatesFixTask(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w := env.workPackage(t, p.ID, "W1", 1)
	t3 := env.task(t, p.ID, w.ID, "parser", 5)
	env.toDevelopment(t, p.ID)

	if _, err := env.Engine.StartTask(env.Ctx, p.ID, t3.TaskID, "dev"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteTaskOptions{ProjectID: p.ID, Ref: t3.TaskID, Changes: map[string]any{"lines": 10}, ActorID: "dev"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Transition == nil || done.Transition.State.ActiveRole() != domain.RoleQA {
		t.Fatalf("expected transition to QA, got %+v", done.Transition)
	}
	if _, err := env.Engine.StartTaskReview(env.Ctx, p.ID, t3.TaskID, "qa"); err != nil {
		t.Fatalf("start review: %v", err)
	}
	out, err := env.Engine.CompleteTaskReview(env.Ctx, engine.CompleteReviewOptions{
		ProjectID: p.ID,
		Ref:       t3.TaskID,
		Results:   domain.QAResults{Passed: false, RequiredFixes: []string{"fix X"}},
		ActorID:   "qa",
	})
	if err != nil {
		t.Fatalf("complete review: %v", err)
	}
	if out.Task.Status != domain.StatusFailed {
		t.Fatalf("reviewed task status = %s", out.Task.Status)
	}
	fix := out.FixTask
	if fix == nil {
		t.Fatalf("expected fix task")
	}
	if fix.WorkPackageID != w.ID {
		t.Fatalf("fix task in %s, want %s", fix.WorkPackageID, w.ID)
	}
	if !reflect.DeepEqual(fix.Dependencies, []string{t3.TaskID}) {
		t.Fatalf("fix deps = %v", fix.Dependencies)
	}
	if fix.Priority != t3.Priority-1 {
		t.Fatalf("fix priority = %d, want %d", fix.Priority, t3.Priority-1)
	}
	if fix.Name != "Fix issues in parser" || fix.FilePath != t3.FilePath {
		t.Fatalf("unexpected fix task %+v", fix)
	}
	project, err := env.Engine.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if project.CurrentRole != domain.RoleDevelopment {
		t.Fatalf("role after failed review = %s", project.CurrentRole)
	}
}

func TestScenarioD_ResumeReportsBlockedTasks(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w := env.workPackage(t, p.ID, "W1", 1)
	blocked := env.task(t, p.ID, w.ID, "waiting", 1, "WP099-01")
	env.toDevelopment(t, p.ID)

	res, err := env.Engine.ResumeFromCheckpoint(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Role != domain.RoleDevelopment {
		t.Fatalf("role = %s", res.Role)
	}
	want := []string{"Blocked: 1 tasks waiting on dependencies: " + blocked.TaskID}
	if !reflect.DeepEqual(res.NextActions, want) {
		t.Fatalf("next actions = %v, want %v", res.NextActions, want)
	}
	next, err := env.Engine.NextTask(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	if next.Reason != engine.NextTaskBlocked || len(next.Blocked) != 1 || !reflect.DeepEqual(next.Blocked[0].Incomplete, []string{"WP099-01"}) {
		t.Fatalf("unexpected next result %+v", next)
	}

	// Once nothing is left to schedule the final QA message is reported.
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{ProjectID: p.ID, Ref: blocked.TaskID, Status: domain.StatusReadyForQA}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	res, err = env.Engine.ResumeFromCheckpoint(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !reflect.DeepEqual(res.NextActions, []string{"All tasks complete, ready for final QA review"}) {
		t.Fatalf("next actions = %v", res.NextActions)
	}
}

func TestStartTaskGating(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w := env.workPackage(t, p.ID, "W1", 1)
	first := env.task(t, p.ID, w.ID, "first", 1)
	second := env.task(t, p.ID, w.ID, "second", 2, first.TaskID, "WP777-01")

	_, err := env.Engine.StartTask(env.Ctx, p.ID, second.TaskID, "dev")
	var depErr *engine.UnsatisfiedDependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected UnsatisfiedDependencyError, got %v", err)
	}
	if !reflect.DeepEqual(depErr.Incomplete, []string{first.TaskID, "WP777-01"}) {
		t.Fatalf("incomplete = %v", depErr.Incomplete)
	}

	started, err := env.Engine.StartTask(env.Ctx, p.ID, first.ID, "dev")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusInProgress {
		t.Fatalf("status = %s", started.Status)
	}
	if _, err := env.Engine.StartTask(env.Ctx, p.ID, first.ID, "dev"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.StartTaskReview(env.Ctx, p.ID, first.ID, "qa"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for review, got %v", err)
	}
	wp, err := env.Engine.GetWorkPackage(env.Ctx, p.ID, w.WPID)
	if err != nil {
		t.Fatal(err)
	}
	if wp.Status != domain.StatusInProgress {
		t.Fatalf("work package status = %s", wp.Status)
	}
	if _, err := env.Engine.StartTask(env.Ctx, p.ID, "WP001-99", "dev"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFailedTaskCanRestart(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w := env.workPackage(t, p.ID, "W1", 1)
	task := env.task(t, p.ID, w.ID, "flaky", 1)
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{ProjectID: p.ID, Ref: task.TaskID, Status: domain.StatusFailed}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, p.ID, task.TaskID, "dev"); err != nil {
		t.Fatalf("restart failed task: %v", err)
	}
}

func TestDependencyCyclesRejected(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w := env.workPackage(t, p.ID, "W1", 1)
	// WP001-01 points at a key that does not exist yet.
	a := env.task(t, p.ID, w.ID, "a", 1, "WP001-02")
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, WorkPackage: w.ID, Name: "b", FilePath: "b.go", Dependencies: []string{a.TaskID}})
	if !errors.Is(err, engine.ErrDependencyCycle) || !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	b := env.task(t, p.ID, w.ID, "b", 1)
	if _, err := env.Engine.UpdateTaskDependencies(env.Ctx, p.ID, b.TaskID, []string{b.TaskID}, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected self dependency rejection, got %v", err)
	}
	if _, err := env.Engine.UpdateTaskDependencies(env.Ctx, p.ID, b.TaskID, []string{"WP404-01"}, "tester"); err != nil {
		t.Fatalf("dangling dependency should be accepted: %v", err)
	}
}

func TestTransitionRoleMirrorsState(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	entry, err := env.Engine.TransitionRole(env.Ctx, engine.TransitionOptions{
		ProjectID:   p.ID,
		NextRole:    domain.RoleQA,
		ContextData: map[string]any{"reason": "manual"},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !entry.Checkpoint {
		t.Fatalf("transition entries must be checkpoints")
	}
	project, err := env.Engine.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	current, err := env.Engine.CurrentState(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if project.CurrentRole != domain.RoleQA || current.State.ActiveRole() != domain.RoleQA {
		t.Fatalf("role %s / state %s", project.CurrentRole, current.State.ActiveRole())
	}
	last, _ := current.State[domain.StateLastTransition].(map[string]any)
	if last["from"] != "TRIAGE" || last["to"] != "QA" {
		t.Fatalf("last transition = %v", last)
	}
	// Keys from earlier snapshots survive the shallow merge.
	if _, ok := current.State[domain.StatePendingActions]; !ok {
		t.Fatalf("merge dropped pendingActions: %v", current.State)
	}

	if _, err := env.Engine.TransitionRole(env.Ctx, engine.TransitionOptions{ProjectID: p.ID, NextRole: "REVIEWER"}); !errors.Is(err, engine.ErrInvalidRole) {
		t.Fatalf("expected invalid role, got %v", err)
	}
	if _, err := env.Engine.TransitionRole(env.Ctx, engine.TransitionOptions{ProjectID: "missing", NextRole: domain.RoleQA}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStrictTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.StrictTransitions = true
	p := env.project(t)
	_, err := env.Engine.TransitionRoleChecked(env.Ctx, engine.TransitionOptions{ProjectID: p.ID, NextRole: domain.RoleDevelopment})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.TransitionRoleChecked(env.Ctx, engine.TransitionOptions{ProjectID: p.ID, NextRole: domain.RolePlanning}); err != nil {
		t.Fatalf("legal transition: %v", err)
	}
	// The primitive itself does not consult the table.
	if _, err := env.Engine.TransitionRole(env.Ctx, engine.TransitionOptions{ProjectID: p.ID, NextRole: domain.RoleOrchestrator}); err != nil {
		t.Fatalf("unchecked transition: %v", err)
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	res, err := env.Engine.ResumeFromCheckpoint(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !reflect.DeepEqual(res.NextActions, []string{"Complete triage assessment"}) {
		t.Fatalf("triage actions = %v", res.NextActions)
	}
	if _, err := env.Engine.SaveCheckpoint(env.Ctx, p.ID, map[string]any{"note": "paused"}, "tester"); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	a, err := env.Engine.ResumeFromCheckpoint(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.ResumeFromCheckpoint(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("resume is not idempotent:\n%+v\n%+v", a, b)
	}
	cp, _ := a.State[domain.StateCheckpoint].(map[string]any)
	data, _ := cp["data"].(map[string]any)
	if data["note"] != "paused" {
		t.Fatalf("checkpoint payload = %v", a.State)
	}

	if _, err := env.Engine.RecordAssessment(env.Ctx, p.ID, map[string]any{"scope": "small"}, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.ResumeFromCheckpoint(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.NextActions, []string{"Continue planning work packages and tasks"}) {
		t.Fatalf("planning actions = %v", res.NextActions)
	}
	if _, err := env.Engine.ResumeFromCheckpoint(env.Ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestImplementationCheckpointResumesTask(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w := env.workPackage(t, p.ID, "W1", 1)
	task := env.task(t, p.ID, w.ID, "core", 1)
	if _, err := env.Engine.SaveImplementationCheckpoint(env.Ctx, p.ID, task.TaskID, "draft", "dev"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for planned task, got %v", err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, p.ID, task.TaskID, "dev"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveImplementationCheckpoint(env.Ctx, p.ID, task.TaskID, map[string]any{"step": 2}, "dev"); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := env.Engine.ResumeTask(env.Ctx, p.ID, task.TaskID)
	if err != nil {
		t.Fatalf("resume task: %v", err)
	}
	if !reflect.DeepEqual(res.ImplementationState, map[string]any{"step": float64(2)}) {
		t.Fatalf("implementation state = %#v", res.ImplementationState)
	}
	if res.File == nil || res.File.FilePath != task.FilePath || res.File.LastModifiedBy != task.TaskID {
		t.Fatalf("file record = %+v", res.File)
	}
}

func TestTriageQuestionsAndResponses(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	entry, err := env.Engine.RequestInformation(env.Ctx, p.ID, []string{"Who are the users?", " "}, "triage")
	if err != nil {
		t.Fatalf("request information: %v", err)
	}
	if entry.State["waitingForUserInput"] != true {
		t.Fatalf("state = %v", entry.State)
	}
	if _, err := env.Engine.RecordUserResponses(env.Ctx, p.ID, map[string]any{"users": "ops"}, "user"); err != nil {
		t.Fatal(err)
	}
	project, err := env.Engine.RecordUserResponses(env.Ctx, p.ID, map[string]any{"deadline": "Q3"}, "user")
	if err != nil {
		t.Fatal(err)
	}
	responses, _ := project.KnowledgeBase["userResponses"].(map[string]any)
	if responses["users"] != "ops" || responses["deadline"] != "Q3" {
		t.Fatalf("knowledge base = %v", project.KnowledgeBase)
	}
	current, err := env.Engine.CurrentState(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if current.State["waitingForUserInput"] != false {
		t.Fatalf("still waiting: %v", current.State)
	}
}

func TestCompletePlanningRequiresWork(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	if _, err := env.Engine.CompletePlanning(env.Ctx, p.ID, "tester"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error without work packages, got %v", err)
	}
	env.workPackage(t, p.ID, "W1", 1)
	if _, err := env.Engine.CompletePlanning(env.Ctx, p.ID, "tester"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error without tasks, got %v", err)
	}
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	w1 := env.workPackage(t, p.ID, "backend", 1)
	w2 := env.workPackage(t, p.ID, "frontend", 2)
	api := env.task(t, p.ID, w1.ID, "api", 1)
	ui := env.task(t, p.ID, w2.ID, "ui", 1, api.TaskID)
	env.toDevelopment(t, p.ID)

	project, err := env.Engine.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != domain.ProjectInProgress || project.CurrentRole != domain.RoleDevelopment {
		t.Fatalf("after planning: %s/%s", project.Status, project.CurrentRole)
	}

	env.finish(t, p.ID, api.TaskID)
	review, err := env.Engine.ReviewWorkPackage(env.Ctx, p.ID, w1.WPID, "qa")
	if err != nil {
		t.Fatal(err)
	}
	if review.Status != "COMPLETED" {
		t.Fatalf("review of %s = %+v", w1.WPID, review)
	}
	out := env.finish(t, p.ID, ui.TaskID)
	if !out.ProjectCompleted {
		t.Fatalf("expected project completion, got %+v", out)
	}
	project, err = env.Engine.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != domain.ProjectCompleted || project.CurrentRole != domain.RoleOrchestrator {
		t.Fatalf("final: %s/%s", project.Status, project.CurrentRole)
	}
	review, err = env.Engine.ReviewWorkPackage(env.Ctx, p.ID, w2.ID, "qa")
	if err != nil {
		t.Fatal(err)
	}
	if review.Status != "PROJECT_COMPLETED" {
		t.Fatalf("final review = %+v", review)
	}
	res, err := env.Engine.ResumeFromCheckpoint(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.NextActions, []string{"Determine next step in project workflow"}) {
		t.Fatalf("orchestrator actions = %v", res.NextActions)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{ProjectID: p.ID, Type: "role.transition", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 {
		t.Fatalf("expected role transition events")
	}
}

func TestConcurrentAppendsAreSerializedPerProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	other := env.project(t)
	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := 0; i < writers; i++ {
		for _, id := range []string{p.ID, other.ID} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				if _, err := env.Engine.SaveCheckpoint(env.Ctx, id, map[string]any{"writer": i}, "tester"); err != nil {
					errs <- err
				}
			}(i, id)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent checkpoint: %v", err)
	}
	history, err := env.Engine.StateHistory(env.Ctx, p.ID, 200, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != writers+1 {
		t.Fatalf("history length = %d, want %d", len(history), writers+1)
	}
	for i := 1; i < len(history); i++ {
		if history[i-1].Seq != history[i].Seq+1 {
			t.Fatalf("gap in sequence: %d then %d", history[i-1].Seq, history[i].Seq)
		}
		if history[i-1].Timestamp <= history[i].Timestamp {
			t.Fatalf("timestamps not strictly increasing: %s then %s", history[i].Timestamp, history[i-1].Timestamp)
		}
	}
}
