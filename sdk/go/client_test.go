package devflowsdk_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"devflow/internal/config"
	"devflow/internal/db"
	"devflow/internal/engine"
	"devflow/internal/migrate"
	"devflow/internal/server"
	devflowsdk "devflow/sdk/go"
)

const secret = "sdk-secret"

func newTestAPI(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine:   engine.New(conn, config.Default()),
		BasePath: "/v1",
		Auth:     server.AuthConfig{JWTSecret: secret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		conn.Close()
	})
	return "http://" + ln.Addr().String() + "/v1"
}

func TestClientWorkflow(t *testing.T) {
	ctx := context.Background()
	base := newTestAPI(t)
	token, err := server.IssueToken(secret, "sdk-user", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	c := devflowsdk.New(base, "")
	c.BearerToken = token

	p, entry, err := c.InitProject(ctx, "sdk", "", "exercise the client")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if c.ProjectID != p.ID || entry.Role() != "TRIAGE" {
		t.Fatalf("init = %+v / %+v", p, entry)
	}
	if _, err := c.RecordAssessment(ctx, map[string]any{"complexity": "low"}); err != nil {
		t.Fatalf("assess: %v", err)
	}
	wp, err := c.CreateWorkPackage(ctx, devflowsdk.WorkPackageInput{Name: "core", Priority: 1})
	if err != nil {
		t.Fatalf("wp: %v", err)
	}
	task, err := c.CreateTask(ctx, devflowsdk.TaskInput{WorkPackage: wp.WPID, Name: "model", FilePath: "model.go"})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if _, err := c.CompletePlanning(ctx); err != nil {
		t.Fatalf("complete planning: %v", err)
	}
	next, err := c.NextTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next.Task == nil || next.Task.TaskID != task.TaskID {
		t.Fatalf("next = %+v", next)
	}
	if _, err := c.StartTask(ctx, task.TaskID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.CompleteTask(ctx, task.TaskID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := c.StartReview(ctx, task.TaskID); err != nil {
		t.Fatalf("review start: %v", err)
	}
	out, err := c.CompleteReview(ctx, task.TaskID, devflowsdk.QAResults{Passed: true})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !out.ProjectCompleted {
		t.Fatalf("expected completion, got %+v", out)
	}
	project, err := c.GetProject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != "COMPLETED" || project.CurrentRole != "ORCHESTRATOR" {
		t.Fatalf("project = %+v", project)
	}

	cp, err := c.SaveCheckpoint(ctx, map[string]any{"done": true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checkpoint.ID != cp.ID || res.Role != "ORCHESTRATOR" {
		t.Fatalf("resume = %+v", res)
	}
	page, err := c.StateHistory(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextBeforeSeq != page.Items[1].Seq {
		t.Fatalf("history page = %+v", page)
	}
	evts, err := c.Events(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 || evts[0].ActorID != "sdk-user" {
		t.Fatalf("events = %+v", evts)
	}
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	base := newTestAPI(t)

	anon := devflowsdk.New(base, "missing")
	var apiErr *devflowsdk.APIError
	if _, err := anon.CurrentState(ctx); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	c := devflowsdk.New(base, "missing")
	c.ActorID = "alice"
	if _, err := c.CurrentState(ctx); !errors.As(err, &apiErr) || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
	if _, _, err := c.InitProject(ctx, "demo", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.TransitionRole(ctx, "DEVELOPMENT", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	_, err := c.StartTask(ctx, "WP009-01")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %v", err)
	}
}
