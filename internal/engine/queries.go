package engine

import (
	"context"

	"devflow/internal/domain"
	"devflow/internal/repo"
	"devflow/internal/statelog"
)

func (e Engine) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return e.getProject(ctx, nil, projectID)
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, nil, f)
}

func (e Engine) GetWorkPackage(ctx context.Context, projectID, ref string) (domain.WorkPackage, error) {
	return e.resolveWorkPackage(ctx, nil, projectID, ref)
}

func (e Engine) ListWorkPackages(ctx context.Context, f repo.WorkPackageFilters) ([]domain.WorkPackage, error) {
	if err := e.requireProject(ctx, f.ProjectID); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkPackages(ctx, nil, f)
}

func (e Engine) GetTask(ctx context.Context, projectID, ref string) (domain.Task, error) {
	return e.resolveTask(ctx, nil, projectID, ref)
}

// requireProject guards project-scoped listings: an empty id would drop the
// project filter and list every project's rows.
func (e Engine) requireProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return validationErr("project id is required")
	}
	_, err := e.getProject(ctx, nil, projectID)
	return err
}

// ListTasks lists tasks; a WorkPackageID filter may be given as a wpId.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if err := e.requireProject(ctx, f.ProjectID); err != nil {
		return nil, err
	}
	if f.WorkPackageID != "" {
		wp, err := e.resolveWorkPackage(ctx, nil, f.ProjectID, f.WorkPackageID)
		if err != nil {
			return nil, err
		}
		f.WorkPackageID = wp.ID
	}
	return e.Repo.ListTasks(ctx, nil, f)
}

func (e Engine) CurrentState(ctx context.Context, projectID string) (domain.StateEntry, error) {
	if _, err := e.getProject(ctx, nil, projectID); err != nil {
		return domain.StateEntry{}, err
	}
	return e.States().Current(ctx, nil, projectID)
}

func (e Engine) LatestCheckpoint(ctx context.Context, projectID string) (domain.StateEntry, error) {
	if _, err := e.getProject(ctx, nil, projectID); err != nil {
		return domain.StateEntry{}, err
	}
	return e.States().LatestCheckpoint(ctx, nil, projectID)
}

// StateHistory pages through the log newest first. The limit is clamped to
// the configured history bounds.
func (e Engine) StateHistory(ctx context.Context, projectID string, limit int, beforeSeq int64, checkpointsOnly bool) ([]domain.StateEntry, error) {
	if _, err := e.getProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.States().History(ctx, nil, projectID, statelog.HistoryQuery{
		Limit:           e.config().HistoryLimit(limit),
		BeforeSeq:       beforeSeq,
		CheckpointsOnly: checkpointsOnly,
	})
}

func (e Engine) StateEntry(ctx context.Context, id string) (domain.StateEntry, error) {
	return e.States().Get(ctx, nil, id)
}

func (e Engine) ListFiles(ctx context.Context, projectID string) ([]domain.FileRecord, error) {
	if _, err := e.getProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListFiles(ctx, nil, projectID)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
