package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"devflow/internal/domain"
	"devflow/internal/engine"
	"devflow/internal/repo"
)

// ProjectPath binds {project_id}. Path structs must stay exported: huma
// skips unexported embedded fields when collecting parameters.
type ProjectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project and start triage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*output[InitProjectResponse], error) {
		p, entry, err := e.InitProject(ctx, engine.InitProjectOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Objectives:  input.Body.Objectives,
			ActorID:     actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(InitProjectResponse{Project: p, State: entry})
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"PLANNING,IN_PROGRESS,COMPLETED,ON_HOLD"`
		Limit  int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.Project], error) {
		items, err := e.ListProjects(ctx, repo.ProjectFilters{Status: domain.ProjectStatus(input.Status), Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return ok(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with task counts and current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[ProjectSummary], error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, nil, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		summary := ProjectSummary{Project: p, TaskCounts: counts}
		current, err := e.CurrentState(ctx, p.ID)
		switch {
		case err == nil:
			summary.ActiveState = &current
		case !errors.Is(err, engine.ErrNoStateFound):
			return nil, handleError(err)
		}
		return ok(summary)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-project-status",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/status",
		Summary:     "Set project status",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body ProjectStatusRequest
	}) (*output[domain.Project], error) {
		p, err := e.SetProjectStatus(ctx, input.ProjectID, input.Body.Status, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-knowledge",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/knowledge",
		Summary:     "Merge entries into the knowledge base",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body KnowledgeRequest
	}) (*output[domain.Project], error) {
		p, err := e.MergeKnowledge(ctx, input.ProjectID, input.Body.Knowledge, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-assessment",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/assessment",
		Summary:     "Record the triage assessment",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body AssessmentRequest
	}) (*output[domain.StateEntry], error) {
		entry, err := e.RecordAssessment(ctx, input.ProjectID, input.Body.Assessment, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(entry)
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-information",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/questions",
		Summary:     "Ask the user for missing information",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body QuestionsRequest
	}) (*output[domain.StateEntry], error) {
		entry, err := e.RequestInformation(ctx, input.ProjectID, input.Body.Questions, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(entry)
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-responses",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/responses",
		Summary:     "Record the user's answers",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body ResponsesRequest
	}) (*output[domain.Project], error) {
		p, err := e.RecordUserResponses(ctx, input.ProjectID, input.Body.Responses, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/files",
		Summary:     "List files touched by tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[[]domain.FileRecord], error) {
		files, err := e.ListFiles(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if files == nil {
			files = []domain.FileRecord{}
		}
		return ok(files)
	})
}
