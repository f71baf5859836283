package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/repo"
)

type WorkPackageCreateOptions struct {
	ProjectID    string
	Name         string
	Description  string
	Priority     int
	Dependencies []string
	ActorID      string
}

func (e Engine) CreateWorkPackage(ctx context.Context, opts WorkPackageCreateOptions) (domain.WorkPackage, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.WorkPackage{}, validationErr("work package name is required")
	}
	var wp domain.WorkPackage
	err := e.inProject(ctx, opts.ProjectID, func(tx *sql.Tx) error {
		if _, err := e.getProject(ctx, tx, opts.ProjectID); err != nil {
			return err
		}
		now := e.timestamp()
		var err error
		wp, err = e.Repo.InsertWorkPackage(ctx, tx, domain.WorkPackage{
			ID:           uuid.NewString(),
			ProjectID:    opts.ProjectID,
			Name:         strings.TrimSpace(opts.Name),
			Description:  opts.Description,
			Priority:     opts.Priority,
			Status:       domain.StatusPlanned,
			Dependencies: opts.Dependencies,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return err
		}
		if err := e.ensureWorkPackageGraphAcyclic(ctx, tx, opts.ProjectID); err != nil {
			return err
		}
		cur, err := e.States().Current(ctx, tx, opts.ProjectID)
		if err != nil {
			return err
		}
		if _, err := e.States().Append(ctx, tx, opts.ProjectID, cur.State.Merge(domain.State{
			"workPackages": appendUnique(stringList(cur.State, "workPackages"), wp.WPID),
		}), false); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.WorkPackageCreate, opts.ProjectID, "work_package", wp.ID, opts.ActorID, events.EventPayload{
			"wp_id": wp.WPID, "name": wp.Name, "priority": wp.Priority,
		})
	})
	return wp, err
}

type TaskCreateOptions struct {
	ProjectID       string
	WorkPackage     string
	Name            string
	Description     string
	FilePath        string
	Priority        int
	Dependencies    []string
	SuccessCriteria string
	Changes         any
	ActorID         string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Task{}, validationErr("task name is required")
	}
	if strings.TrimSpace(opts.FilePath) == "" {
		return domain.Task{}, validationErr("task file path is required")
	}
	if opts.WorkPackage == "" {
		return domain.Task{}, validationErr("work package is required")
	}
	projectID, err := e.projectForWorkPackage(ctx, opts.ProjectID, opts.WorkPackage)
	if err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		wp, err := e.resolveWorkPackage(ctx, tx, projectID, opts.WorkPackage)
		if err != nil {
			return err
		}
		t, err = e.insertTask(ctx, tx, wp, domain.Task{
			Name:            strings.TrimSpace(opts.Name),
			Description:     opts.Description,
			FilePath:        strings.TrimSpace(opts.FilePath),
			Priority:        opts.Priority,
			Dependencies:    opts.Dependencies,
			SuccessCriteria: opts.SuccessCriteria,
			Changes:         opts.Changes,
		}, opts.ActorID)
		return err
	})
	return t, err
}

// insertTask stores a PLANNED task in wp, rejects dependency cycles, refreshes
// the work package and records the task key in the project state.
func (e Engine) insertTask(ctx context.Context, tx *sql.Tx, wp domain.WorkPackage, t domain.Task, actorID string) (domain.Task, error) {
	now := e.timestamp()
	t.ID = uuid.NewString()
	t.ProjectID = wp.ProjectID
	t.WorkPackageID = wp.ID
	t.Status = domain.StatusPlanned
	t.CreatedAt = now
	t.UpdatedAt = now
	t, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return t, err
	}
	if err := e.ensureTaskGraphAcyclic(ctx, tx, wp.ProjectID); err != nil {
		return t, err
	}
	if _, err := e.recompute(ctx, tx, wp.ID); err != nil {
		return t, err
	}
	cur, err := e.States().Current(ctx, tx, wp.ProjectID)
	if err != nil {
		return t, err
	}
	if _, err := e.States().Append(ctx, tx, wp.ProjectID, cur.State.Merge(domain.State{
		"tasks": appendUnique(stringList(cur.State, "tasks"), t.TaskID),
	}), false); err != nil {
		return t, err
	}
	return t, e.events().Append(ctx, tx, events.TaskCreate, wp.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"task_id": t.TaskID, "wp_id": wp.WPID, "name": t.Name, "dependencies": t.Dependencies,
	})
}

// UpdateTaskDependencies replaces the dependency set of a task.
func (e Engine) UpdateTaskDependencies(ctx context.Context, projectID, ref string, deps []string, actorID string) (domain.Task, error) {
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
		deps = repo.DedupeKeys(deps)
		for _, d := range deps {
			if d == cur.TaskID {
				return transitionErr("task %s cannot depend on itself", cur.TaskID)
			}
		}
		ts := e.timestamp()
		if t, err = e.Repo.UpdateTask(ctx, tx, cur.ID, func(t *domain.Task) error {
			t.Dependencies = deps
			t.UpdatedAt = ts
			return nil
		}); err != nil {
			return err
		}
		if err := e.ensureTaskGraphAcyclic(ctx, tx, projectID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskDependencies, projectID, "task", t.ID, actorID, events.EventPayload{
			"task_id": t.TaskID, "dependencies": deps,
		})
	})
	return t, err
}

type WorkPackageUpdateOptions struct {
	ProjectID    string
	Ref          string
	Name         *string
	Description  *string
	Priority     *int
	Dependencies *[]string
	ActorID      string
}

// UpdateWorkPackage edits descriptive fields; status and progress stay derived.
func (e Engine) UpdateWorkPackage(ctx context.Context, opts WorkPackageUpdateOptions) (domain.WorkPackage, error) {
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.WorkPackage{}, validationErr("work package name cannot be empty")
	}
	projectID, err := e.projectForWorkPackage(ctx, opts.ProjectID, opts.Ref)
	if err != nil {
		return domain.WorkPackage{}, err
	}
	var wp domain.WorkPackage
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		cur, err := e.resolveWorkPackage(ctx, tx, projectID, opts.Ref)
		if err != nil {
			return err
		}
		ts := e.timestamp()
		if wp, err = e.Repo.UpdateWorkPackage(ctx, tx, cur.ID, func(wp *domain.WorkPackage) error {
			if opts.Name != nil {
				wp.Name = strings.TrimSpace(*opts.Name)
			}
			if opts.Description != nil {
				wp.Description = *opts.Description
			}
			if opts.Priority != nil {
				wp.Priority = *opts.Priority
			}
			if opts.Dependencies != nil {
				wp.Dependencies = *opts.Dependencies
			}
			wp.UpdatedAt = ts
			return nil
		}); err != nil {
			return err
		}
		if opts.Dependencies != nil {
			if err := e.ensureWorkPackageGraphAcyclic(ctx, tx, projectID); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.WorkPackageUpdate, projectID, "work_package", wp.ID, opts.ActorID, events.EventPayload{"wp_id": wp.WPID})
	})
	return wp, err
}

type TaskUpdateOptions struct {
	ProjectID       string
	Ref             string
	Name            *string
	Description     *string
	FilePath        *string
	Priority        *int
	SuccessCriteria *string
	Changes         any
	ActorID         string
}

// UpdateTask edits non-status fields of a task.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Task{}, validationErr("task name cannot be empty")
	}
	if opts.FilePath != nil && strings.TrimSpace(*opts.FilePath) == "" {
		return domain.Task{}, validationErr("task file path cannot be empty")
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
			if opts.Name != nil {
				t.Name = strings.TrimSpace(*opts.Name)
			}
			if opts.Description != nil {
				t.Description = *opts.Description
			}
			if opts.FilePath != nil {
				t.FilePath = strings.TrimSpace(*opts.FilePath)
			}
			if opts.Priority != nil {
				t.Priority = *opts.Priority
			}
			if opts.SuccessCriteria != nil {
				t.SuccessCriteria = *opts.SuccessCriteria
			}
			if opts.Changes != nil {
				t.Changes = opts.Changes
			}
			t.UpdatedAt = ts
			return nil
		}); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskUpdate, projectID, "task", t.ID, opts.ActorID, events.EventPayload{"task_id": t.TaskID})
	})
	return t, err
}

// CompletePlanning requires at least one work package and one task, then
// starts development.
func (e Engine) CompletePlanning(ctx context.Context, projectID, actorID string) (domain.StateEntry, error) {
	var entry domain.StateEntry
	err := e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		if _, err := e.getProject(ctx, tx, projectID); err != nil {
			return err
		}
		wpCount, err := e.Repo.CountWorkPackages(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if wpCount == 0 {
			return validationErr("cannot complete planning: no work packages defined")
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, tx, projectID)
		if err != nil {
			return err
		}
		taskCount := 0
		for _, n := range counts {
			taskCount += n
		}
		if taskCount == 0 {
			return validationErr("cannot complete planning: no tasks defined")
		}
		if _, err := e.setProjectStatus(ctx, tx, projectID, domain.ProjectInProgress, actorID); err != nil {
			return err
		}
		entry, err = e.transitionRole(ctx, tx, TransitionOptions{
			ProjectID: projectID,
			NextRole:  domain.RoleDevelopment,
			ContextData: map[string]any{
				"message":          "Planning complete, ready to start development",
				"workPackageCount": wpCount,
				"taskCount":        taskCount,
			},
			ActorID: actorID,
			Checked: true,
		})
		return err
	})
	return entry, err
}

type PlanWorkPackage struct {
	domain.WorkPackage
	Tasks []domain.Task `json:"tasks"`
}

type DevelopmentPlan struct {
	Project      domain.Project    `json:"project"`
	WorkPackages []PlanWorkPackage `json:"work_packages"`
}

// DevelopmentPlan lists work packages with their tasks, both in priority order.
func (e Engine) DevelopmentPlan(ctx context.Context, projectID string) (DevelopmentPlan, error) {
	var plan DevelopmentPlan
	err := e.read(ctx, func(tx *sql.Tx) error {
		p, err := e.getProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		wps, err := e.Repo.ListWorkPackages(ctx, tx, repo.WorkPackageFilters{ProjectID: projectID})
		if err != nil {
			return err
		}
		tasks, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{ProjectID: projectID})
		if err != nil {
			return err
		}
		byWP := map[string][]domain.Task{}
		for _, t := range tasks {
			byWP[t.WorkPackageID] = append(byWP[t.WorkPackageID], t)
		}
		plan = DevelopmentPlan{Project: p, WorkPackages: make([]PlanWorkPackage, 0, len(wps))}
		for _, wp := range wps {
			ts := byWP[wp.ID]
			if ts == nil {
				ts = []domain.Task{}
			}
			plan.WorkPackages = append(plan.WorkPackages, PlanWorkPackage{WorkPackage: wp, Tasks: ts})
		}
		return nil
	})
	return plan, err
}
