package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"devflow/internal/domain"
	"devflow/internal/engine"
	"devflow/internal/repo"
)

type WorkPackagePath struct {
	ProjectID   string `path:"project_id"`
	WorkPackage string `path:"wp" doc:"Work package id or wpId"`
}

type TaskPath struct {
	ProjectID string `path:"project_id"`
	Task      string `path:"task" doc:"Task id or taskId"`
}

// parseStatuses splits a comma separated status filter.
func parseStatuses(raw string) ([]domain.WorkStatus, error) {
	var res []domain.WorkStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := domain.ParseWorkStatus(part)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		res = append(res, s)
	}
	return res, nil
}

func registerWorkPackages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-package",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/work-packages",
		Summary:       "Create work package",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body CreateWorkPackageRequest
	}) (*output[domain.WorkPackage], error) {
		wp, err := e.CreateWorkPackage(ctx, engine.WorkPackageCreateOptions{
			ProjectID:    input.ProjectID,
			Name:         input.Body.Name,
			Description:  input.Body.Description,
			Priority:     input.Body.Priority,
			Dependencies: input.Body.Dependencies,
			ActorID:      actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(wp)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-packages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-packages",
		Summary:     "List work packages in priority order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Status string `query:"status" doc:"Comma separated statuses"`
	}) (*output[[]domain.WorkPackage], error) {
		statuses, err := parseStatuses(input.Status)
		if err != nil {
			return nil, err
		}
		items, err := e.ListWorkPackages(ctx, repo.WorkPackageFilters{ProjectID: input.ProjectID, Statuses: statuses})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkPackage{}
		}
		return ok(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-package",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-packages/{wp}",
		Summary:     "Get work package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *WorkPackagePath) (*output[domain.WorkPackage], error) {
		wp, err := e.GetWorkPackage(ctx, input.ProjectID, input.WorkPackage)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(wp)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-package",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/work-packages/{wp}",
		Summary:     "Update work package",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorkPackagePath
		Body UpdateWorkPackageRequest
	}) (*output[domain.WorkPackage], error) {
		wp, err := e.UpdateWorkPackage(ctx, engine.WorkPackageUpdateOptions{
			ProjectID:    input.ProjectID,
			Ref:          input.WorkPackage,
			Name:         input.Body.Name,
			Description:  input.Body.Description,
			Priority:     input.Body.Priority,
			Dependencies: input.Body.Dependencies,
			ActorID:      actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(wp)
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-work-package",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-packages/{wp}/recompute",
		Summary:     "Recompute progress and status from tasks",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *WorkPackagePath) (*output[domain.WorkPackage], error) {
		wp, err := e.RecomputeWorkPackage(ctx, input.ProjectID, input.WorkPackage, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(wp)
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-work-package",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-packages/{wp}/review",
		Summary:     "Review work package completion",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *WorkPackagePath) (*output[engine.WorkPackageReview], error) {
		review, err := e.ReviewWorkPackage(ctx, input.ProjectID, input.WorkPackage, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(review)
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body CreateTaskRequest
	}) (*output[domain.Task], error) {
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:       input.ProjectID,
			WorkPackage:     input.Body.WorkPackage,
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			FilePath:        input.Body.FilePath,
			Priority:        input.Body.Priority,
			Dependencies:    input.Body.Dependencies,
			SuccessCriteria: input.Body.SuccessCriteria,
			Changes:         input.Body.Changes,
			ActorID:         actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks in priority order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		WorkPackage string `query:"work_package" doc:"Work package id or wpId"`
		Status      string `query:"status" doc:"Comma separated statuses"`
		Limit       int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.Task], error) {
		statuses, err := parseStatuses(input.Status)
		if err != nil {
			return nil, err
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			ProjectID:     input.ProjectID,
			WorkPackageID: input.WorkPackage,
			Statuses:      statuses,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return ok(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*output[domain.Task], error) {
		t, err := e.GetTask(ctx, input.ProjectID, input.Task)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/tasks/{task}",
		Summary:     "Update task fields other than status",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body UpdateTaskRequest
	}) (*output[domain.Task], error) {
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ProjectID:       input.ProjectID,
			Ref:             input.Task,
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			FilePath:        input.Body.FilePath,
			Priority:        input.Body.Priority,
			SuccessCriteria: input.Body.SuccessCriteria,
			Changes:         input.Body.Changes,
			ActorID:         actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-dependencies",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/tasks/{task}/dependencies",
		Summary:     "Replace task dependencies",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body DependenciesRequest
	}) (*output[domain.Task], error) {
		t, err := e.UpdateTaskDependencies(ctx, input.ProjectID, input.Task, input.Body.Dependencies, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task}/start",
		Summary:     "Start task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *TaskPath) (*output[domain.Task], error) {
		t, err := e.StartTask(ctx, input.ProjectID, input.Task, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task}/complete",
		Summary:     "Complete task implementation and hand it to QA",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body *CompleteTaskRequest `required:"false"`
	}) (*output[engine.CompleteTaskResult], error) {
		var changes any
		if input.Body != nil {
			changes = input.Body.Changes
		}
		res, err := e.CompleteTask(ctx, engine.CompleteTaskOptions{
			ProjectID: input.ProjectID,
			Ref:       input.Task,
			Changes:   changes,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-implementation-checkpoint",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task}/checkpoint",
		Summary:     "Checkpoint in-flight implementation state",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body ImplementationCheckpointRequest
	}) (*output[domain.StateEntry], error) {
		entry, err := e.SaveImplementationCheckpoint(ctx, input.ProjectID, input.Task, input.Body.Data, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(entry)
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task}/resume",
		Summary:     "Resume in-flight task implementation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*output[engine.TaskResume], error) {
		res, err := e.ResumeTask(ctx, input.ProjectID, input.Task)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/tasks/{task}/status",
		Summary:     "Reconcile task status without transition checks",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body TaskStatusRequest
	}) (*output[domain.Task], error) {
		t, err := e.UpdateTaskStatus(ctx, engine.StatusUpdateOptions{
			ProjectID: input.ProjectID,
			Ref:       input.Task,
			Status:    input.Body.Status,
			QAResults: input.Body.QAResults,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-qa-review",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task}/qa/start",
		Summary:     "Start QA review",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *TaskPath) (*output[domain.Task], error) {
		t, err := e.StartTaskReview(ctx, input.ProjectID, input.Task, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-qa-review",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task}/qa/complete",
		Summary:     "Record QA verdict",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body CompleteReviewRequest
	}) (*output[engine.ReviewOutcome], error) {
		res, err := e.CompleteTaskReview(ctx, engine.CompleteReviewOptions{
			ProjectID: input.ProjectID,
			Ref:       input.Task,
			Results: domain.QAResults{
				Passed:          input.Body.Passed,
				Notes:           input.Body.Notes,
				RequiredFixes:   input.Body.RequiredFixes,
				SuccessCriteria: input.Body.SuccessCriteria,
			},
			ActorID: actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-fix-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks/{task}/fix",
		Summary:       "Create a fix task for a reviewed task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body FixTaskRequest
	}) (*output[domain.Task], error) {
		t, err := e.CreateFixTask(ctx, input.ProjectID, input.Task, input.Body.Fixes, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t)
	})
}
