package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"devflow/internal/domain"
	"devflow/internal/engine"
)

type tool struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	InputSchema *huma.Schema `json:"inputSchema"`

	call func(ctx context.Context, args json.RawMessage) (any, error)
}

type toolset struct {
	registry huma.Registry
	order    []*tool
	byName   map[string]*tool
}

func newToolset() *toolset {
	return &toolset{
		registry: huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer),
		byName:   make(map[string]*tool),
	}
}

// addTool registers fn under name. The input schema is derived from A, and
// fields without omitempty are required.
func addTool[A any](ts *toolset, name, description string, fn func(context.Context, A) (any, error)) {
	if _, dup := ts.byName[name]; dup {
		panic("rpc: duplicate tool " + name)
	}
	schema := ts.registry.Schema(reflect.TypeOf((*A)(nil)).Elem(), false, name)
	t := &tool{Name: name, Description: description, InputSchema: schema}
	t.call = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		present := map[string]json.RawMessage{}
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &present); err != nil {
				return nil, newError(CodeInvalidParams, "arguments must be an object")
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, newError(CodeInvalidParams, "invalid arguments for %s: %v", name, err)
			}
		}
		var missing []string
		for _, field := range schema.Required {
			if _, ok := present[field]; !ok {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return nil, newError(CodeInvalidParams, "missing required arguments for %s: %s", name, strings.Join(missing, ", "))
		}
		return fn(ctx, args)
	}
	ts.order = append(ts.order, t)
	ts.byName[name] = t
}

// ProjectArgs and TaskArgs are exported so their fields are flattened into
// the embedding tool schemas.
type ProjectArgs struct {
	ProjectID string `json:"project_id,omitempty" doc:"Project id, defaults to the server project"`
}

type TaskArgs struct {
	ProjectArgs
	Task string `json:"task" doc:"Task id or key such as WP001-01"`
}

type initProjectArgs struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Objectives  string `json:"objectives,omitempty"`
}

type initProjectResult struct {
	Project domain.Project    `json:"project"`
	State   domain.StateEntry `json:"state"`
}

type assessmentArgs struct {
	ProjectArgs
	Assessment map[string]any `json:"assessment"`
}

type workPackageArgs struct {
	ProjectArgs
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type taskCreateArgs struct {
	ProjectArgs
	WorkPackage     string   `json:"work_package" doc:"Work package id or key such as WP001"`
	Name            string   `json:"name"`
	FilePath        string   `json:"file_path"`
	Description     string   `json:"description,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
	Changes         any      `json:"changes,omitempty"`
}

type completeTaskArgs struct {
	TaskArgs
	Changes any `json:"changes,omitempty"`
}

type completeReviewArgs struct {
	TaskArgs
	Passed          bool     `json:"passed"`
	Notes           string   `json:"notes,omitempty"`
	RequiredFixes   []string `json:"required_fixes,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
}

type transitionArgs struct {
	ProjectArgs
	NextRole    domain.Role    `json:"next_role" enum:"TRIAGE,PLANNING,DEVELOPMENT,QA,ORCHESTRATOR"`
	ContextData map[string]any `json:"context_data,omitempty"`
}

type checkpointArgs struct {
	ProjectArgs
	Payload any `json:"payload,omitempty"`
}

type historyArgs struct {
	ProjectArgs
	Limit           int   `json:"limit,omitempty"`
	BeforeSeq       int64 `json:"before_seq,omitempty"`
	CheckpointsOnly bool  `json:"checkpoints_only,omitempty"`
}

func (s *Server) project(a ProjectArgs) (string, error) {
	if id := strings.TrimSpace(a.ProjectID); id != "" {
		return id, nil
	}
	if s.cfg.DefaultProject != "" {
		return s.cfg.DefaultProject, nil
	}
	return "", newError(CodeInvalidParams, "project_id is required")
}

// taskProject allows an empty project when the task is addressed by id.
func (s *Server) taskProject(a ProjectArgs) string {
	if id := strings.TrimSpace(a.ProjectID); id != "" {
		return id
	}
	return s.cfg.DefaultProject
}

// withProject adapts a project scoped engine call into a tool handler.
func withProject[A interface{ args() ProjectArgs }](s *Server, fn func(ctx context.Context, projectID string, a A) (any, error)) func(context.Context, A) (any, error) {
	return func(ctx context.Context, a A) (any, error) {
		projectID, err := s.project(a.args())
		if err != nil {
			return nil, err
		}
		return fn(ctx, projectID, a)
	}
}

func (a ProjectArgs) args() ProjectArgs { return a }

func (s *Server) buildTools() *toolset {
	e := s.cfg.Engine
	actor := s.cfg.ActorID
	ts := newToolset()

	addTool(ts, "init_project", "Create a project and start triage", func(ctx context.Context, a initProjectArgs) (any, error) {
		p, entry, err := e.InitProject(ctx, engine.InitProjectOptions{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Objectives:  a.Objectives,
			ActorID:     actor,
		})
		if err != nil {
			return nil, err
		}
		return initProjectResult{Project: p, State: entry}, nil
	})
	addTool(ts, "record_assessment", "Record the triage assessment and move to planning", withProject(s, func(ctx context.Context, projectID string, a assessmentArgs) (any, error) {
		return e.RecordAssessment(ctx, projectID, a.Assessment, actor)
	}))
	addTool(ts, "create_work_package", "Create a work package", withProject(s, func(ctx context.Context, projectID string, a workPackageArgs) (any, error) {
		return e.CreateWorkPackage(ctx, engine.WorkPackageCreateOptions{
			ProjectID:    projectID,
			Name:         a.Name,
			Description:  a.Description,
			Priority:     a.Priority,
			Dependencies: a.Dependencies,
			ActorID:      actor,
		})
	}))
	addTool(ts, "create_task", "Create a task in a work package", withProject(s, func(ctx context.Context, projectID string, a taskCreateArgs) (any, error) {
		return e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:       projectID,
			WorkPackage:     a.WorkPackage,
			Name:            a.Name,
			Description:     a.Description,
			FilePath:        a.FilePath,
			Priority:        a.Priority,
			Dependencies:    a.Dependencies,
			SuccessCriteria: a.SuccessCriteria,
			Changes:         a.Changes,
			ActorID:         actor,
		})
	}))
	addTool(ts, "start_task", "Start a task whose dependencies are complete", func(ctx context.Context, a TaskArgs) (any, error) {
		return e.StartTask(ctx, s.taskProject(a.ProjectArgs), a.Task, actor)
	})
	addTool(ts, "complete_task", "Hand a task over to QA", func(ctx context.Context, a completeTaskArgs) (any, error) {
		return e.CompleteTask(ctx, engine.CompleteTaskOptions{
			ProjectID: s.taskProject(a.ProjectArgs),
			Ref:       a.Task,
			Changes:   a.Changes,
			ActorID:   actor,
		})
	})
	addTool(ts, "start_qa_review", "Start reviewing a task", func(ctx context.Context, a TaskArgs) (any, error) {
		return e.StartTaskReview(ctx, s.taskProject(a.ProjectArgs), a.Task, actor)
	})
	addTool(ts, "complete_qa_review", "Record a review verdict; a failure creates a fix task", func(ctx context.Context, a completeReviewArgs) (any, error) {
		return e.CompleteTaskReview(ctx, engine.CompleteReviewOptions{
			ProjectID: s.taskProject(a.ProjectArgs),
			Ref:       a.Task,
			Results: domain.QAResults{
				Passed:          a.Passed,
				Notes:           a.Notes,
				RequiredFixes:   a.RequiredFixes,
				SuccessCriteria: a.SuccessCriteria,
			},
			ActorID: actor,
		})
	})
	addTool(ts, "transition_role", "Move the project to another role", withProject(s, func(ctx context.Context, projectID string, a transitionArgs) (any, error) {
		return e.TransitionRole(ctx, engine.TransitionOptions{
			ProjectID:   projectID,
			NextRole:    a.NextRole,
			ContextData: a.ContextData,
			ActorID:     actor,
			Checked:     true,
		})
	}))
	addTool(ts, "save_checkpoint", "Checkpoint the current state", withProject(s, func(ctx context.Context, projectID string, a checkpointArgs) (any, error) {
		return e.SaveCheckpoint(ctx, projectID, a.Payload, actor)
	}))
	addTool(ts, "resume_from_checkpoint", "Rebuild context from the latest checkpoint", withProject(s, func(ctx context.Context, projectID string, _ ProjectArgs) (any, error) {
		return e.ResumeFromCheckpoint(ctx, projectID)
	}))
	addTool(ts, "next_task", "Pick the next eligible task", withProject(s, func(ctx context.Context, projectID string, _ ProjectArgs) (any, error) {
		return e.NextTask(ctx, projectID)
	}))
	addTool(ts, "get_current_state", "Latest state entry", withProject(s, func(ctx context.Context, projectID string, _ ProjectArgs) (any, error) {
		return e.CurrentState(ctx, projectID)
	}))
	addTool(ts, "get_state_history", "State entries, newest first", withProject(s, func(ctx context.Context, projectID string, a historyArgs) (any, error) {
		items, err := e.StateHistory(ctx, projectID, a.Limit, a.BeforeSeq, a.CheckpointsOnly)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []domain.StateEntry{}
		}
		return items, nil
	}))
	addTool(ts, "complete_planning", "Finish planning and move to development", withProject(s, func(ctx context.Context, projectID string, _ ProjectArgs) (any, error) {
		return e.CompletePlanning(ctx, projectID, actor)
	}))
	addTool(ts, "get_development_plan", "Work packages with their tasks", withProject(s, func(ctx context.Context, projectID string, _ ProjectArgs) (any, error) {
		return e.DevelopmentPlan(ctx, projectID)
	}))
	return ts
}
