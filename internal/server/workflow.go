package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"devflow/internal/config"
	"devflow/internal/domain"
	"devflow/internal/engine"
	"devflow/internal/repo"
)

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-eligible-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/next-eligible",
		Summary:     "Highest priority task whose dependencies are complete",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[NextEligibleResponse], error) {
		t, err := e.NextEligibleTask(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(NextEligibleResponse{Task: t})
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/next",
		Summary:     "Next task with the reason when there is none",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[engine.NextTaskResult], error) {
		res, err := e.NextTask(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-qa",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/qa/pending",
		Summary:     "Tasks waiting for QA review",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[[]domain.Task], error) {
		tasks, err := e.TasksReadyForQA(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return ok(tasks)
	})

	huma.Register(api, huma.Operation{
		OperationID: "development-plan",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Work packages with their tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[engine.DevelopmentPlan], error) {
		plan, err := e.DevelopmentPlan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(plan)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-planning",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/complete",
		Summary:     "Finish planning and move to development",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *ProjectPath) (*output[domain.StateEntry], error) {
		entry, err := e.CompletePlanning(ctx, input.ProjectID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(entry)
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/role",
		Summary:     "Transition the active role",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body TransitionRequest
	}) (*output[domain.StateEntry], error) {
		entry, err := e.TransitionRole(ctx, engine.TransitionOptions{
			ProjectID:   input.ProjectID,
			NextRole:    input.Body.NextRole,
			ContextData: input.Body.ContextData,
			ActorID:     actorID(ctx),
			Checked:     true,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(entry)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "save-checkpoint",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/checkpoints",
		Summary:       "Save a checkpoint of the current state",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body *CheckpointRequest `required:"false"`
	}) (*output[domain.StateEntry], error) {
		var payload any
		if input.Body != nil {
			payload = input.Body.Payload
		}
		entry, err := e.SaveCheckpoint(ctx, input.ProjectID, payload, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(entry)
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/resume",
		Summary:     "Resume from the latest checkpoint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[engine.ResumeResult], error) {
		res, err := e.ResumeFromCheckpoint(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res)
	})
}

type historyInput struct {
	ProjectID string `path:"project_id"`
	Limit     int    `query:"limit" minimum:"0"`
	BeforeSeq int64  `query:"before_seq" minimum:"0" doc:"Return entries older than this sequence number"`
}

func registerState(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "current-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/state",
		Summary:     "Current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[domain.StateEntry], error) {
		entry, err := e.CurrentState(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(entry)
	})

	cfg := e.Config
	if cfg == nil {
		cfg = config.Default()
	}
	history := func(checkpointsOnly bool) func(context.Context, *historyInput) (*output[StateHistoryResponse], error) {
		return func(ctx context.Context, input *historyInput) (*output[StateHistoryResponse], error) {
			items, err := e.StateHistory(ctx, input.ProjectID, input.Limit, input.BeforeSeq, checkpointsOnly)
			if err != nil {
				return nil, handleError(err)
			}
			resp := StateHistoryResponse{Items: items}
			if n := len(items); n > 0 && n == cfg.HistoryLimit(input.Limit) && items[n-1].Seq > 1 {
				resp.NextBeforeSeq = items[n-1].Seq
			}
			return ok(resp)
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "state-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/state/history",
		Summary:     "State history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, history(false))
	huma.Register(api, huma.Operation{
		OperationID: "state-checkpoints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/state/checkpoints",
		Summary:     "Checkpoints, newest first",
		Errors:      []int{http.StatusNotFound},
	}, history(true))

	huma.Register(api, huma.Operation{
		OperationID: "state-entry",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/state/entries/{entry_id}",
		Summary:     "Get a state entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		EntryID string `path:"entry_id"`
	}) (*output[domain.StateEntry], error) {
		entry, err := e.StateEntry(ctx, input.EntryID)
		if err != nil {
			return nil, handleError(err)
		}
		if entry.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "state entry "+input.EntryID+" not found", nil)
		}
		return ok(entry)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,work_package,task,state"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     string `query:"cursor"`
	}) (*output[EventPage], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      input.Limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: []domain.Event{}}
		if len(items) > input.Limit {
			items = items[:input.Limit]
			page.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		page.Items = append(page.Items, items...)
		return ok(page)
	})
}
