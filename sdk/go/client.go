package devflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal devflow HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. The server
	// only honours it when legacy actor headers are enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API prefix,
// e.g. http://localhost:8080/v1.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type Project struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Objectives    string         `json:"objectives,omitempty"`
	Status        string         `json:"status"`
	CurrentRole   string         `json:"current_role"`
	KnowledgeBase map[string]any `json:"knowledge_base"`
}

type WorkPackage struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	WPID         string   `json:"wp_id"`
	Name         string   `json:"name"`
	Priority     int      `json:"priority"`
	Status       string   `json:"status"`
	Progress     float64  `json:"progress"`
	Dependencies []string `json:"dependencies"`
}

type QAResults struct {
	Passed          bool     `json:"passed"`
	Notes           string   `json:"notes,omitempty"`
	RequiredFixes   []string `json:"required_fixes,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	ProjectID     string     `json:"project_id"`
	WorkPackageID string     `json:"work_package_id"`
	Name          string     `json:"name"`
	FilePath      string     `json:"file_path"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	Dependencies  []string   `json:"dependencies"`
	QAResults     *QAResults `json:"qa_results,omitempty"`
}

// StateEntry is one row of the project's state log. State is kept loosely
// typed so clients survive additive changes.
type StateEntry struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	Seq        int64          `json:"seq"`
	Timestamp  string         `json:"timestamp"`
	Checkpoint bool           `json:"checkpoint"`
	State      map[string]any `json:"state"`
}

// Role returns the active role recorded in the entry.
func (e StateEntry) Role() string {
	role, _ := e.State["activeRole"].(string)
	return role
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type StateHistory struct {
	Items         []StateEntry `json:"items"`
	NextBeforeSeq int64        `json:"next_before_seq"`
}

type NextTask struct {
	Reason  string `json:"reason"`
	Task    *Task  `json:"task"`
	Message string `json:"message"`
}

type CompleteTaskResult struct {
	Task       Task        `json:"task"`
	PendingQA  []string    `json:"pending_qa"`
	Transition *StateEntry `json:"transition"`
}

type ReviewOutcome struct {
	Task             Task        `json:"task"`
	FixTask          *Task       `json:"fix_task"`
	PendingQA        []string    `json:"pending_qa"`
	ProjectCompleted bool        `json:"project_completed"`
	NextTask         *Task       `json:"next_task"`
	Transition       *StateEntry `json:"transition"`
}

type Resume struct {
	Role        string     `json:"role"`
	Checkpoint  StateEntry `json:"checkpoint"`
	NextActions []string   `json:"next_actions"`
}

type WorkPackageInput struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type TaskInput struct {
	WorkPackage     string   `json:"work_package"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	FilePath        string   `json:"file_path"`
	Priority        int      `json:"priority,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
}

// APIError wraps failed responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InitProject creates a project and points the client at it.
func (c *Client) InitProject(ctx context.Context, name, description, objectives string) (Project, StateEntry, error) {
	body := map[string]any{"name": name}
	if description != "" {
		body["description"] = description
	}
	if objectives != "" {
		body["objectives"] = objectives
	}
	var resp struct {
		Project Project    `json:"project"`
		State   StateEntry `json:"state"`
	}
	if err := c.do(ctx, http.MethodPost, "projects", body, &resp); err != nil {
		return Project{}, StateEntry{}, err
	}
	c.ProjectID = resp.Project.ID
	return resp.Project, resp.State, nil
}

func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp struct {
		Project Project `json:"project"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp.Project, err
}

// RecordAssessment finishes triage.
func (c *Client) RecordAssessment(ctx context.Context, assessment map[string]any) (StateEntry, error) {
	var resp StateEntry
	err := c.do(ctx, http.MethodPost, c.projectPath("assessment"), map[string]any{"assessment": assessment}, &resp)
	return resp, err
}

func (c *Client) CreateWorkPackage(ctx context.Context, in WorkPackageInput) (WorkPackage, error) {
	var resp WorkPackage
	err := c.do(ctx, http.MethodPost, c.projectPath("work-packages"), in, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), in, &resp)
	return resp, err
}

func (c *Client) CompletePlanning(ctx context.Context) (StateEntry, error) {
	var resp StateEntry
	err := c.do(ctx, http.MethodPost, c.projectPath("plan/complete"), nil, &resp)
	return resp, err
}

func (c *Client) NextTask(ctx context.Context) (NextTask, error) {
	var resp NextTask
	err := c.do(ctx, http.MethodGet, c.projectPath("next"), nil, &resp)
	return resp, err
}

func (c *Client) StartTask(ctx context.Context, ref string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(ref, "start"), nil, &resp)
	return resp, err
}

func (c *Client) CompleteTask(ctx context.Context, ref string, changes any) (CompleteTaskResult, error) {
	var body any
	if changes != nil {
		body = map[string]any{"changes": changes}
	}
	var resp CompleteTaskResult
	err := c.do(ctx, http.MethodPost, c.taskPath(ref, "complete"), body, &resp)
	return resp, err
}

func (c *Client) StartReview(ctx context.Context, ref string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(ref, "qa/start"), nil, &resp)
	return resp, err
}

func (c *Client) CompleteReview(ctx context.Context, ref string, results QAResults) (ReviewOutcome, error) {
	var resp ReviewOutcome
	err := c.do(ctx, http.MethodPost, c.taskPath(ref, "qa/complete"), results, &resp)
	return resp, err
}

func (c *Client) TransitionRole(ctx context.Context, role string, contextData map[string]any) (StateEntry, error) {
	body := map[string]any{"next_role": role}
	if contextData != nil {
		body["context_data"] = contextData
	}
	var resp StateEntry
	err := c.do(ctx, http.MethodPost, c.projectPath("role"), body, &resp)
	return resp, err
}

func (c *Client) SaveCheckpoint(ctx context.Context, payload any) (StateEntry, error) {
	var body any
	if payload != nil {
		body = map[string]any{"payload": payload}
	}
	var resp StateEntry
	err := c.do(ctx, http.MethodPost, c.projectPath("checkpoints"), body, &resp)
	return resp, err
}

func (c *Client) Resume(ctx context.Context) (Resume, error) {
	var resp Resume
	err := c.do(ctx, http.MethodGet, c.projectPath("resume"), nil, &resp)
	return resp, err
}

func (c *Client) CurrentState(ctx context.Context) (StateEntry, error) {
	var resp StateEntry
	err := c.do(ctx, http.MethodGet, c.projectPath("state"), nil, &resp)
	return resp, err
}

// StateHistory pages backwards through the state log. Pass the previous
// page's NextBeforeSeq to continue.
func (c *Client) StateHistory(ctx context.Context, limit int, beforeSeq int64) (StateHistory, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeSeq > 0 {
		q.Set("before_seq", strconv.FormatInt(beforeSeq, 10))
	}
	var resp StateHistory
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("state/history"), q), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("events"), q), nil, &resp)
	return resp, err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 || decodeErr != nil || !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return "projects/" + project
	}
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) taskPath(ref, action string) string {
	return c.projectPath(fmt.Sprintf("tasks/%s/%s", url.PathEscape(ref), action))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
