package main

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"devflow/internal/app"
	"devflow/internal/config"
	"devflow/internal/domain"
)

var setupOnce sync.Once

func run(t *testing.T, args ...string) {
	t.Helper()
	setupOnce.Do(setupCommands)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("dfl %v: %v", args, err)
	}
}

func setupCommands() {
	initConfig()
	addPersistentFlags()
	registerCommands()
}

func TestParseKV(t *testing.T) {
	got, err := parseKV([]string{"complexity=low", "estimate=3", "tags=[\"a\"]", "note=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"complexity": "low", "estimate": float64(3), "tags": []any{"a"}, "note": "a=b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseKV = %#v", got)
	}
	if _, err := parseKV([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing =")
	}
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses("PLANNED, COMPLETED,")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []domain.WorkStatus{domain.StatusPlanned, domain.StatusCompleted}) {
		t.Fatalf("statuses = %v", got)
	}
	if _, err := parseStatuses("DONE"); err == nil {
		t.Fatal("expected invalid status error")
	}
}

func TestCommandsDriveWorkflow(t *testing.T) {
	ws := t.TempDir()
	base := []string{"--workspace", ws, "--actor-id", "cli", "--json"}
	cmd := func(args ...string) []string { return append(append([]string{}, args...), base...) }

	run(t, cmd("init", "--name", "demo")...)
	run(t, cmd("project", "assess", "complexity=low")...)
	run(t, cmd("wp", "create", "--name", "core", "--priority", "1")...)
	run(t, cmd("task", "create", "--wp", "WP001", "--name", "model", "--file", "model.go")...)
	run(t, cmd("task", "create", "--wp", "WP001", "--name", "api", "--file", "api.go", "--depends", "WP001-01")...)
	run(t, cmd("plan", "complete")...)
	run(t, cmd("task", "start", "WP001-01")...)
	run(t, cmd("task", "complete", "WP001-01", "--changes", `{"lines":3}`)...)
	run(t, cmd("qa", "start", "WP001-01")...)
	run(t, cmd("qa", "complete", "WP001-01", "--pass")...)
	run(t, cmd("checkpoint", "save")...)

	if _, err := config.Load(ws); err != nil {
		t.Fatalf("init should write devflow.yml: %v", err)
	}
	w, err := app.Open(context.Background(), ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	ctx := context.Background()
	projectID, err := w.ResolveProject(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	first, err := w.Engine.GetTask(ctx, projectID, "WP001-01")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != domain.StatusCompleted {
		t.Fatalf("WP001-01 = %s", first.Status)
	}
	next, err := w.Engine.NextEligibleTask(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.TaskID != "WP001-02" {
		t.Fatalf("next = %+v", next)
	}
	cp, err := w.Engine.LatestCheckpoint(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if cur, err := w.Engine.CurrentState(ctx, projectID); err != nil || cur.ID != cp.ID {
		t.Fatalf("current %+v should be the saved checkpoint %s (%v)", cur, cp.ID, err)
	}
}
