package engine

import (
	"context"
	"database/sql"

	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/repo"
)

// DeriveWorkPackage computes progress and status from the child tasks.
// Every status is derived, so the result depends on tasks alone.
func DeriveWorkPackage(tasks []domain.Task) (float64, domain.WorkStatus) {
	total := len(tasks)
	if total == 0 {
		return 0, domain.StatusPlanned
	}
	counts := map[domain.WorkStatus]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	completed := counts[domain.StatusCompleted]
	progress := 100 * float64(completed) / float64(total)
	open := total - completed
	switch {
	case completed == total:
		return progress, domain.StatusCompleted
	case completed > 0:
		return progress, domain.StatusInProgress
	case counts[domain.StatusQAInProgress] > 0:
		return progress, domain.StatusQAInProgress
	case counts[domain.StatusReadyForQA] == open:
		return progress, domain.StatusReadyForQA
	case counts[domain.StatusInProgress] > 0 || counts[domain.StatusReadyForQA] > 0:
		return progress, domain.StatusInProgress
	case counts[domain.StatusFailed] == open:
		return progress, domain.StatusFailed
	}
	return progress, domain.StatusPlanned
}

// RecomputeWorkPackage refreshes progress and status of a work package.
func (e Engine) RecomputeWorkPackage(ctx context.Context, projectID, ref, actorID string) (domain.WorkPackage, error) {
	projectID, err := e.projectForWorkPackage(ctx, projectID, ref)
	if err != nil {
		return domain.WorkPackage{}, err
	}
	var wp domain.WorkPackage
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		cur, err := e.resolveWorkPackage(ctx, tx, projectID, ref)
		if err != nil {
			return err
		}
		before := cur
		if wp, err = e.recompute(ctx, tx, cur.ID); err != nil {
			return err
		}
		if before.Status == wp.Status && before.Progress == wp.Progress {
			return nil
		}
		return e.events().Append(ctx, tx, events.WorkPackageRecalc, projectID, "work_package", wp.ID, actorID, events.EventPayload{
			"wp_id": wp.WPID, "status": wp.Status, "progress": wp.Progress,
		})
	})
	return wp, err
}

func (e Engine) recompute(ctx context.Context, q repo.Querier, workPackageID string) (domain.WorkPackage, error) {
	tasks, err := e.Repo.ListTasks(ctx, q, repo.TaskFilters{WorkPackageID: workPackageID})
	if err != nil {
		return domain.WorkPackage{}, err
	}
	if len(tasks) == 0 {
		return domain.WorkPackage{}, ErrEmptyWorkPackage
	}
	progress, status := DeriveWorkPackage(tasks)
	ts := e.timestamp()
	wp, err := e.Repo.UpdateWorkPackage(ctx, q, workPackageID, func(wp *domain.WorkPackage) error {
		if wp.Progress == progress && wp.Status == status {
			return nil
		}
		wp.Progress = progress
		wp.Status = status
		wp.UpdatedAt = ts
		return nil
	})
	return wp, wrapNotFound(err, "work package", workPackageID)
}
