package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"devflow/internal/config"
	"devflow/internal/db"
	"devflow/internal/domain"
	"devflow/internal/engine"
	"devflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
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
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{}}
}

var asAlice = map[string]string{"X-Actor-Id": "alice"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type result[T any] struct {
	Success bool          `json:"success"`
	Data    T             `json:"data"`
	Error   *apiErrorBody `json:"error"`
}

// call performs a request, checks the status and decodes the envelope.
func call[T any](t *testing.T, srv *testServer, method, path string, body any, want int) result[T] {
	t.Helper()
	res, data := doJSON(t, srv.Client(), method, srv.URL+path, body, asAlice)
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, res.StatusCode, want, data)
	}
	var out result[T]
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("%s %s: decode %s: %v", method, path, data, err)
	}
	if out.Success != (want < 300) {
		t.Fatalf("%s %s: success=%v for status %d", method, path, out.Success, want)
	}
	return out
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, data)
	}
	var out result[healthStatus]
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Data.Status != "ok" || out.Data.SchemaVersion < 1 {
		t.Fatalf("health = %+v", out.Data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, data)
	}
}

func TestBearerToken(t *testing.T) {
	srv := newTestServer(t)
	token, err := IssueToken(testSecret, "bob", []string{"planner"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{"name": "tokened"},
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with token: %d %s", res.StatusCode, data)
	}
	var created result[InitProjectResponse]
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	evts := call[EventPage](t, srv, http.MethodGet, "/v1/projects/"+created.Data.Project.ID+"/events", nil, http.StatusOK)
	if len(evts.Data.Items) == 0 || evts.Data.Items[0].ActorID != "bob" {
		t.Fatalf("events = %+v", evts.Data.Items)
	}

	forged, err := IssueToken("other-secret", "mallory", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	for _, authz := range []string{"Bearer " + forged, "Bearer", "Basic abc"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": authz})
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d %s", authz, res.StatusCode, data)
		}
	}
}

func TestWorkflowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	created := call[InitProjectResponse](t, srv, http.MethodPost, "/v1/projects", map[string]any{"name": "demo", "objectives": "ship"}, http.StatusCreated)
	p := created.Data.Project
	if p.CurrentRole != domain.RoleTriage || created.Data.State.State.ActiveRole() != domain.RoleTriage {
		t.Fatalf("created = %+v", created.Data)
	}
	base := "/v1/projects/" + p.ID

	assessed := call[domain.StateEntry](t, srv, http.MethodPost, base+"/assessment", map[string]any{"assessment": map[string]any{"complexity": "low"}}, http.StatusOK)
	if assessed.Data.State.ActiveRole() != domain.RolePlanning {
		t.Fatalf("after assessment: %v", assessed.Data.State)
	}

	wp := call[domain.WorkPackage](t, srv, http.MethodPost, base+"/work-packages", map[string]any{"name": "backend", "priority": 1}, http.StatusCreated)
	if wp.Data.WPID != "WP001" {
		t.Fatalf("wp = %+v", wp.Data)
	}
	api := call[domain.Task](t, srv, http.MethodPost, base+"/tasks", map[string]any{
		"work_package": "WP001", "name": "api", "file_path": "api.go", "priority": 1,
	}, http.StatusCreated)
	docs := call[domain.Task](t, srv, http.MethodPost, base+"/tasks", map[string]any{
		"work_package": wp.Data.ID, "name": "docs", "file_path": "docs.md", "priority": 2, "dependencies": []string{"WP001-01"},
	}, http.StatusCreated)
	if api.Data.TaskID != "WP001-01" || docs.Data.TaskID != "WP001-02" {
		t.Fatalf("task ids %s %s", api.Data.TaskID, docs.Data.TaskID)
	}

	call[domain.StateEntry](t, srv, http.MethodPost, base+"/plan/complete", nil, http.StatusOK)

	blocked := call[any](t, srv, http.MethodPost, base+"/tasks/WP001-02/start", nil, http.StatusConflict)
	if blocked.Error == nil || blocked.Error.Code != "unsatisfied_dependency" {
		t.Fatalf("blocked start = %+v", blocked.Error)
	}
	if inc, _ := blocked.Error.Details["incomplete"].([]any); len(inc) != 1 || inc[0] != "WP001-01" {
		t.Fatalf("incomplete = %v", blocked.Error.Details)
	}

	next := call[engine.NextTaskResult](t, srv, http.MethodGet, base+"/next", nil, http.StatusOK)
	if next.Data.Reason != engine.NextTaskFound || next.Data.Task == nil || next.Data.Task.TaskID != "WP001-01" {
		t.Fatalf("next = %+v", next.Data)
	}

	for _, ref := range []string{"WP001-01", "WP001-02"} {
		call[domain.Task](t, srv, http.MethodPost, base+"/tasks/"+ref+"/start", nil, http.StatusOK)
		done := call[engine.CompleteTaskResult](t, srv, http.MethodPost, base+"/tasks/"+ref+"/complete", map[string]any{"changes": map[string]any{"lines": 10}}, http.StatusOK)
		if done.Data.Task.Status != domain.StatusReadyForQA {
			t.Fatalf("%s after complete: %s", ref, done.Data.Task.Status)
		}
		pending := call[[]domain.Task](t, srv, http.MethodGet, base+"/qa/pending", nil, http.StatusOK)
		if len(pending.Data) != 1 || pending.Data[0].TaskID != ref {
			t.Fatalf("pending qa = %+v", pending.Data)
		}
		call[domain.Task](t, srv, http.MethodPost, base+"/tasks/"+ref+"/qa/start", nil, http.StatusOK)
		call[engine.ReviewOutcome](t, srv, http.MethodPost, base+"/tasks/"+ref+"/qa/complete", map[string]any{"passed": true}, http.StatusOK)
	}

	state := call[domain.StateEntry](t, srv, http.MethodGet, base+"/state", nil, http.StatusOK)
	if state.Data.State.ActiveRole() != domain.RoleOrchestrator {
		t.Fatalf("final role = %v", state.Data.State[domain.StateActiveRole])
	}
	summary := call[ProjectSummary](t, srv, http.MethodGet, base, nil, http.StatusOK)
	if summary.Data.Project.Status != domain.ProjectCompleted || summary.Data.TaskCounts[domain.StatusCompleted] != 2 {
		t.Fatalf("summary = %+v", summary.Data)
	}
	files := call[[]domain.FileRecord](t, srv, http.MethodGet, base+"/files", nil, http.StatusOK)
	if len(files.Data) != 2 {
		t.Fatalf("files = %+v", files.Data)
	}

	page := call[StateHistoryResponse](t, srv, http.MethodGet, base+"/state/history?limit=2", nil, http.StatusOK)
	if len(page.Data.Items) != 2 || page.Data.NextBeforeSeq == 0 || page.Data.Items[0].Seq != state.Data.Seq {
		t.Fatalf("history page = %+v", page.Data)
	}
	older := call[StateHistoryResponse](t, srv, http.MethodGet, base+"/state/history?limit=2&before_seq="+strconv.FormatInt(page.Data.NextBeforeSeq, 10), nil, http.StatusOK)
	if len(older.Data.Items) == 0 || older.Data.Items[0].Seq != page.Data.NextBeforeSeq-1 {
		t.Fatalf("older page = %+v", older.Data)
	}
	entry := call[domain.StateEntry](t, srv, http.MethodGet, base+"/state/entries/"+older.Data.Items[0].ID, nil, http.StatusOK)
	if entry.Data.Seq != older.Data.Items[0].Seq {
		t.Fatalf("entry = %+v", entry.Data)
	}

	resume := call[engine.ResumeResult](t, srv, http.MethodGet, base+"/resume", nil, http.StatusOK)
	if resume.Data.Role != domain.RoleOrchestrator || len(resume.Data.NextActions) == 0 {
		t.Fatalf("resume = %+v", resume.Data)
	}

	evts := call[EventPage](t, srv, http.MethodGet, base+"/events?limit=3", nil, http.StatusOK)
	if len(evts.Data.Items) != 3 || evts.Data.NextCursor == "" {
		t.Fatalf("events page = %+v", evts.Data)
	}
	rest := call[EventPage](t, srv, http.MethodGet, base+"/events?limit=3&cursor="+evts.Data.NextCursor, nil, http.StatusOK)
	if len(rest.Data.Items) == 0 || rest.Data.Items[0].ID >= evts.Data.Items[2].ID {
		t.Fatalf("next events page = %+v", rest.Data)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	missing := call[any](t, srv, http.MethodGet, "/v1/projects/nope", nil, http.StatusNotFound)
	if missing.Error == nil || missing.Error.Code != "not_found" {
		t.Fatalf("missing project = %+v", missing.Error)
	}

	created := call[InitProjectResponse](t, srv, http.MethodPost, "/v1/projects", map[string]any{"name": "demo"}, http.StatusCreated)
	base := "/v1/projects/" + created.Data.Project.ID

	call[any](t, srv, http.MethodGet, base+"/tasks/WP009-01", nil, http.StatusNotFound)
	call[any](t, srv, http.MethodPost, base+"/role", map[string]any{"next_role": "BOGUS"}, http.StatusBadRequest)
	call[any](t, srv, http.MethodGet, base+"/tasks?status=DONE", nil, http.StatusBadRequest)
	call[any](t, srv, http.MethodGet, base+"/events?cursor=abc", nil, http.StatusBadRequest)

	wp := call[domain.WorkPackage](t, srv, http.MethodPost, base+"/work-packages", map[string]any{"name": "empty"}, http.StatusCreated)
	empty := call[any](t, srv, http.MethodPost, base+"/work-packages/"+wp.Data.WPID+"/recompute", nil, http.StatusConflict)
	if empty.Error.Code != "empty_work_package" {
		t.Fatalf("recompute empty = %+v", empty.Error)
	}

	a := call[domain.Task](t, srv, http.MethodPost, base+"/tasks", map[string]any{"work_package": wp.Data.WPID, "name": "a", "file_path": "a.go"}, http.StatusCreated)
	b := call[domain.Task](t, srv, http.MethodPost, base+"/tasks", map[string]any{"work_package": wp.Data.WPID, "name": "b", "file_path": "b.go", "dependencies": []string{a.Data.TaskID}}, http.StatusCreated)
	cycle := call[any](t, srv, http.MethodPut, base+"/tasks/"+a.Data.TaskID+"/dependencies", map[string]any{"dependencies": []string{b.Data.TaskID}}, http.StatusConflict)
	if cycle.Error.Code != "dependency_cycle" {
		t.Fatalf("cycle = %+v", cycle.Error)
	}
	invalid := call[any](t, srv, http.MethodPost, base+"/tasks/"+a.Data.TaskID+"/complete", map[string]any{}, http.StatusConflict)
	if invalid.Error.Code != "invalid_transition" {
		t.Fatalf("complete planned task = %+v", invalid.Error)
	}
}

func TestProjectRoutesAreIsolated(t *testing.T) {
	srv := newTestServer(t)
	a := call[InitProjectResponse](t, srv, http.MethodPost, "/v1/projects", map[string]any{"name": "a"}, http.StatusCreated).Data.Project
	b := call[InitProjectResponse](t, srv, http.MethodPost, "/v1/projects", map[string]any{"name": "b"}, http.StatusCreated).Data.Project

	wp := call[domain.WorkPackage](t, srv, http.MethodPost, "/v1/projects/"+b.ID+"/work-packages", map[string]any{"name": "b-only"}, http.StatusCreated)
	if wp.Data.ProjectID != b.ID {
		t.Fatalf("work package created under %s, want %s", wp.Data.ProjectID, b.ID)
	}
	call[domain.Task](t, srv, http.MethodPost, "/v1/projects/"+b.ID+"/tasks", map[string]any{"work_package": "WP001", "name": "t", "file_path": "t.go"}, http.StatusCreated)

	wpsA := call[[]domain.WorkPackage](t, srv, http.MethodGet, "/v1/projects/"+a.ID+"/work-packages", nil, http.StatusOK)
	if len(wpsA.Data) != 0 {
		t.Fatalf("project A lists %+v", wpsA.Data)
	}
	tasksA := call[[]domain.Task](t, srv, http.MethodGet, "/v1/projects/"+a.ID+"/tasks", nil, http.StatusOK)
	if len(tasksA.Data) != 0 {
		t.Fatalf("project A lists tasks %+v", tasksA.Data)
	}
	wpsB := call[[]domain.WorkPackage](t, srv, http.MethodGet, "/v1/projects/"+b.ID+"/work-packages", nil, http.StatusOK)
	if len(wpsB.Data) != 1 || wpsB.Data[0].ID != wp.Data.ID {
		t.Fatalf("project B lists %+v", wpsB.Data)
	}
	call[any](t, srv, http.MethodGet, "/v1/projects/"+a.ID+"/work-packages/WP001", nil, http.StatusNotFound)

	moved := call[domain.StateEntry](t, srv, http.MethodPost, "/v1/projects/"+a.ID+"/role", map[string]any{"next_role": "PLANNING"}, http.StatusOK)
	if moved.Data.ProjectID != a.ID || moved.Data.State.ActiveRole() != domain.RolePlanning {
		t.Fatalf("role transition = %+v", moved.Data)
	}
	cp := call[domain.StateEntry](t, srv, http.MethodPost, "/v1/projects/"+a.ID+"/checkpoints", nil, http.StatusCreated)
	if cp.Data.ProjectID != a.ID || !cp.Data.Checkpoint {
		t.Fatalf("checkpoint = %+v", cp.Data)
	}
	bState := call[domain.StateEntry](t, srv, http.MethodGet, "/v1/projects/"+b.ID+"/state", nil, http.StatusOK)
	if bState.Data.State.ActiveRole() != domain.RoleTriage {
		t.Fatalf("project B role = %v", bState.Data.State[domain.StateActiveRole])
	}

	dup := call[any](t, srv, http.MethodPost, "/v1/projects", map[string]any{"id": a.ID, "name": "again"}, http.StatusConflict)
	if dup.Error == nil || dup.Error.Code != "already_exists" {
		t.Fatalf("duplicate id = %+v", dup.Error)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv := newTestServer(t)
	var mu sync.Mutex
	type delivery struct {
		header http.Header
		body   []byte
	}
	var got []delivery
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	receiver := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})}
	go receiver.Serve(ln)
	t.Cleanup(func() { receiver.Shutdown(context.Background()) })

	ctx := context.Background()
	p, _, err := srv.Engine.InitProject(ctx, engine.InitProjectOptions{Name: "hooked"})
	if err != nil {
		t.Fatal(err)
	}

	e := srv.Engine
	cfg := *config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://" + ln.Addr().String(), Secret: "s3cret", Events: []string{"work_package.create"}}}
	e.Config = &cfg
	d := NewWebhookDispatcher(e, nil)
	d.DispatchAll(ctx)
	mu.Lock()
	early := len(got)
	mu.Unlock()
	if early != 0 {
		t.Fatalf("events before start must not be delivered, got %d", early)
	}

	if _, err := e.CreateWorkPackage(ctx, engine.WorkPackageCreateOptions{ProjectID: p.ID, Name: "w"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SaveCheckpoint(ctx, p.ID, nil, ""); err != nil {
		t.Fatal(err)
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	var evt webhookEvent
	if err := json.Unmarshal(got[0].body, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != "work_package.create" || evt.ProjectID != p.ID {
		t.Fatalf("delivered = %+v", evt)
	}
	if sig := got[0].header.Get("X-Devflow-Signature"); sig != "sha256="+signature("s3cret", got[0].body) {
		t.Fatalf("signature = %q", sig)
	}
}
