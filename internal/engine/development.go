package engine

import (
	"context"
	"database/sql"
	"errors"

	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/repo"
)

// StartTask moves a PLANNED or FAILED task to IN_PROGRESS once every
// dependency is COMPLETED.
func (e Engine) StartTask(ctx context.Context, projectID, ref, actorID string) (domain.Task, error) {
	projectID, err := e.projectForTask(ctx, projectID, ref)
	if err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		cur, err := e.resolveTask(ctx, tx, projectID, ref)
		if err != nil {
			return err
		}
		if !cur.Status.Startable() {
			return transitionErr("task %s is already in %s state", cur.TaskID, cur.Status)
		}
		byKey, err := e.Repo.TasksByKey(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if missing := (schedule{byKey: byKey}).incomplete(cur); len(missing) > 0 {
			return &UnsatisfiedDependencyError{TaskID: cur.TaskID, Incomplete: missing}
		}
		ts := e.timestamp()
		if t, err = e.Repo.UpdateTask(ctx, tx, cur.ID, func(t *domain.Task) error {
			t.Status = domain.StatusInProgress
			t.UpdatedAt = ts
			return nil
		}); err != nil {
			return err
		}
		if _, err := e.recompute(ctx, tx, t.WorkPackageID); err != nil {
			return err
		}
		if _, err := e.Repo.TouchFile(ctx, tx, projectID, t.FilePath, t.TaskID, ts); err != nil {
			return err
		}
		if _, err := e.appendMerged(ctx, tx, projectID, domain.State{"activeTask": t.TaskID}, false); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskStart, projectID, "task", t.ID, actorID, events.EventPayload{
			"task_id": t.TaskID, "from": cur.Status, "to": t.Status,
		})
	})
	return t, err
}

type CompleteTaskOptions struct {
	ProjectID string
	Ref       string
	Changes   any
	ActorID   string
}

type CompleteTaskResult struct {
	Task       domain.Task        `json:"task"`
	PendingQA  []string           `json:"pending_qa"`
	Transition *domain.StateEntry `json:"transition,omitempty"`
}

// CompleteTask hands an IN_PROGRESS task over to QA.
func (e Engine) CompleteTask(ctx context.Context, opts CompleteTaskOptions) (CompleteTaskResult, error) {
	projectID, err := e.projectForTask(ctx, opts.ProjectID, opts.Ref)
	if err != nil {
		return CompleteTaskResult{}, err
	}
	var res CompleteTaskResult
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		cur, err := e.resolveTask(ctx, tx, projectID, opts.Ref)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusInProgress {
			return transitionErr("task %s is %s, only IN_PROGRESS tasks can be completed", cur.TaskID, cur.Status)
		}
		ts := e.timestamp()
		t, err := e.Repo.UpdateTask(ctx, tx, cur.ID, func(t *domain.Task) error {
			t.Status = domain.StatusReadyForQA
			if opts.Changes != nil {
				t.Changes = opts.Changes
			}
			t.UpdatedAt = ts
			return nil
		})
		if err != nil {
			return err
		}
		if _, err := e.recompute(ctx, tx, t.WorkPackageID); err != nil {
			return err
		}
		if _, err := e.Repo.RecordFileModification(ctx, tx, projectID, t.FilePath, t.TaskID, ts, t.Changes); err != nil {
			return err
		}
		pending, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{ProjectID: projectID, Statuses: []domain.WorkStatus{domain.StatusReadyForQA}})
		if err != nil {
			return err
		}
		pendingKeys := taskKeys(pending)
		if _, err := e.appendMerged(ctx, tx, projectID, domain.State{"activeTask": nil, "pendingQA": pendingKeys}, false); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.TaskComplete, projectID, "task", t.ID, opts.ActorID, events.EventPayload{
			"task_id": t.TaskID, "from": cur.Status, "to": t.Status,
		}); err != nil {
			return err
		}
		res = CompleteTaskResult{Task: t, PendingQA: pendingKeys}
		// The first task waiting for review hands the project to QA.
		if len(pending) == 1 {
			res.Transition, err = e.autoTransition(ctx, tx, projectID, domain.RoleQA, map[string]any{
				"message":   "Task ready for QA review",
				"pendingQA": pendingKeys,
			}, opts.ActorID)
		}
		return err
	})
	return res, err
}

// SaveImplementationCheckpoint stores in-flight work of an IN_PROGRESS task as
// a project checkpoint.
func (e Engine) SaveImplementationCheckpoint(ctx context.Context, projectID, ref string, data any, actorID string) (domain.StateEntry, error) {
	projectID, err := e.projectForTask(ctx, projectID, ref)
	if err != nil {
		return domain.StateEntry{}, err
	}
	var entry domain.StateEntry
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		t, err := e.resolveTask(ctx, tx, projectID, ref)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusInProgress {
			return transitionErr("task %s is %s, checkpoints need an IN_PROGRESS task", t.TaskID, t.Status)
		}
		entry, err = e.appendMerged(ctx, tx, projectID, domain.State{
			domain.StateCheckpoint: map[string]any{
				"timestamp": e.timestamp(),
				"data":      map[string]any{"taskId": t.TaskID, "implementationState": data},
			},
		}, true)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ImplementationSave, projectID, "task", t.ID, actorID, events.EventPayload{"task_id": t.TaskID, "seq": entry.Seq})
	})
	return entry, err
}

type TaskResume struct {
	Task                domain.Task        `json:"task"`
	File                *domain.FileRecord `json:"file,omitempty"`
	ImplementationState any                `json:"implementation_state,omitempty"`
	CheckpointAt        string             `json:"checkpoint_at,omitempty"`
}

// ResumeTask gathers what is known about a task's in-flight work: its file
// record and the implementation state of the latest checkpoint, when that
// checkpoint belongs to this task.
func (e Engine) ResumeTask(ctx context.Context, projectID, ref string) (TaskResume, error) {
	var res TaskResume
	err := e.read(ctx, func(tx *sql.Tx) error {
		t, err := e.resolveTask(ctx, tx, projectID, ref)
		if err != nil {
			return err
		}
		res.Task = t
		f, err := e.Repo.GetFile(ctx, tx, t.ProjectID, t.FilePath)
		switch {
		case err == nil:
			res.File = &f
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		cp, err := e.States().LatestCheckpoint(ctx, tx, t.ProjectID)
		if errors.Is(err, ErrNoCheckpointFound) {
			return nil
		}
		if err != nil {
			return err
		}
		meta, _ := cp.State[domain.StateCheckpoint].(map[string]any)
		data, _ := meta["data"].(map[string]any)
		if id, _ := data["taskId"].(string); id == t.TaskID {
			res.ImplementationState = data["implementationState"]
			res.CheckpointAt, _ = meta["timestamp"].(string)
		}
		return nil
	})
	return res, err
}

type StatusUpdateOptions struct {
	ProjectID string
	Ref       string
	Status    domain.WorkStatus
	QAResults *domain.QAResults
	ActorID   string
}

// UpdateTaskStatus sets a task status without transition checks. It exists
// for bulk reconciliation; the work package is still recomputed.
func (e Engine) UpdateTaskStatus(ctx context.Context, opts StatusUpdateOptions) (domain.Task, error) {
	if !opts.Status.Valid() {
		return domain.Task{}, validationErr("invalid task status %q", opts.Status)
	}
	projectID, err := e.projectForTask(ctx, opts.ProjectID, opts.Ref)
	if err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		cur, err := e.resolveTask(ctx, tx, projectID, opts.Ref)
		if err != nil {
			return err
		}
		ts := e.timestamp()
		if t, err = e.Repo.UpdateTask(ctx, tx, cur.ID, func(t *domain.Task) error {
			t.Status = opts.Status
			if opts.QAResults != nil {
				t.QAResults = opts.QAResults
			}
			t.UpdatedAt = ts
			return nil
		}); err != nil {
			return err
		}
		if _, err := e.recompute(ctx, tx, t.WorkPackageID); err != nil {
			return err
		}
		if _, err := e.appendMerged(ctx, tx, projectID, domain.State{
			"lastTaskUpdate": map[string]any{"taskId": t.TaskID, "status": string(t.Status), "timestamp": ts},
		}, false); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskStatus, projectID, "task", t.ID, opts.ActorID, events.EventPayload{
			"task_id": t.TaskID, "from": cur.Status, "to": t.Status,
		})
	})
	return t, err
}
