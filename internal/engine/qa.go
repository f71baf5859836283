package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/repo"
)

func (e Engine) TasksReadyForQA(ctx context.Context, projectID string) ([]domain.Task, error) {
	if _, err := e.getProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, nil, repo.TaskFilters{ProjectID: projectID, Statuses: []domain.WorkStatus{domain.StatusReadyForQA}})
}

// StartTaskReview moves a READY_FOR_QA task into review.
func (e Engine) StartTaskReview(ctx context.Context, projectID, ref, actorID string) (domain.Task, error) {
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
		if cur.Status != domain.StatusReadyForQA {
			return transitionErr("task %s is %s, only READY_FOR_QA tasks can be reviewed", cur.TaskID, cur.Status)
		}
		ts := e.timestamp()
		if t, err = e.Repo.UpdateTask(ctx, tx, cur.ID, func(t *domain.Task) error {
			t.Status = domain.StatusQAInProgress
			t.UpdatedAt = ts
			return nil
		}); err != nil {
			return err
		}
		if _, err := e.recompute(ctx, tx, t.WorkPackageID); err != nil {
			return err
		}
		if _, err := e.appendMerged(ctx, tx, projectID, domain.State{"activeQA": t.TaskID}, false); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.QAStart, projectID, "task", t.ID, actorID, events.EventPayload{"task_id": t.TaskID})
	})
	return t, err
}

type CompleteReviewOptions struct {
	ProjectID string
	Ref       string
	Results   domain.QAResults
	ActorID   string
}

type ReviewOutcome struct {
	Task             domain.Task        `json:"task"`
	FixTask          *domain.Task       `json:"fix_task,omitempty"`
	PendingQA        []string           `json:"pending_qa"`
	ProjectCompleted bool               `json:"project_completed"`
	NextTask         *domain.Task       `json:"next_task,omitempty"`
	Transition       *domain.StateEntry `json:"transition,omitempty"`
}

// CompleteTaskReview records the QA verdict. A failed review marks the task
// FAILED and creates a fix task depending on it. Once nothing is waiting for
// review the project moves on: to ORCHESTRATOR when every task is COMPLETED,
// otherwise back to DEVELOPMENT.
func (e Engine) CompleteTaskReview(ctx context.Context, opts CompleteReviewOptions) (ReviewOutcome, error) {
	projectID, err := e.projectForTask(ctx, opts.ProjectID, opts.Ref)
	if err != nil {
		return ReviewOutcome{}, err
	}
	var out ReviewOutcome
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		cur, err := e.resolveTask(ctx, tx, projectID, opts.Ref)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusQAInProgress {
			return transitionErr("task %s is %s, only QA_IN_PROGRESS reviews can be completed", cur.TaskID, cur.Status)
		}
		ts := e.timestamp()
		results := opts.Results
		results.ReviewedAt = ts
		status := domain.StatusCompleted
		if !results.Passed {
			status = domain.StatusFailed
		}
		t, err := e.Repo.UpdateTask(ctx, tx, cur.ID, func(t *domain.Task) error {
			t.Status = status
			t.QAResults = &results
			t.UpdatedAt = ts
			return nil
		})
		if err != nil {
			return err
		}
		out.Task = t
		if err := e.events().Append(ctx, tx, events.QAComplete, projectID, "task", t.ID, opts.ActorID, events.EventPayload{
			"task_id": t.TaskID, "passed": results.Passed, "required_fixes": results.RequiredFixes,
		}); err != nil {
			return err
		}
		if !results.Passed {
			fix, err := e.createFixTask(ctx, tx, t, results, opts.ActorID)
			if err != nil {
				return err
			}
			out.FixTask = &fix
		}
		if _, err := e.recompute(ctx, tx, t.WorkPackageID); err != nil {
			return err
		}
		pending, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{ProjectID: projectID, Statuses: []domain.WorkStatus{domain.StatusReadyForQA}})
		if err != nil {
			return err
		}
		out.PendingQA = taskKeys(pending)
		if _, err := e.appendMerged(ctx, tx, projectID, domain.State{"activeQA": nil, "pendingQA": out.PendingQA}, false); err != nil {
			return err
		}
		if len(pending) > 0 || !e.config().Workflow.AutoTransitions {
			return nil
		}
		return e.afterReviews(ctx, tx, projectID, opts.ActorID, &out)
	})
	return out, err
}

// afterReviews decides where the project goes once the review queue is empty.
func (e Engine) afterReviews(ctx context.Context, tx *sql.Tx, projectID, actorID string, out *ReviewOutcome) error {
	counts, err := e.Repo.CountTasksByStatus(ctx, tx, projectID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 && counts[domain.StatusCompleted] == total {
		if _, err := e.setProjectStatus(ctx, tx, projectID, domain.ProjectCompleted, actorID); err != nil {
			return err
		}
		out.ProjectCompleted = true
		out.Transition, err = e.autoTransition(ctx, tx, projectID, domain.RoleOrchestrator, map[string]any{
			"message":     "Project completed successfully",
			"finalStatus": string(domain.ProjectCompleted),
		}, actorID)
		if err == nil {
			e.logger().Info("project completed", "project", projectID)
		}
		return err
	}
	s, err := e.loadSchedule(ctx, tx, projectID)
	if err != nil {
		return err
	}
	out.NextTask = s.next()
	var next any
	if out.NextTask != nil {
		next = out.NextTask.TaskID
	}
	out.Transition, err = e.autoTransition(ctx, tx, projectID, domain.RoleDevelopment, map[string]any{
		"message":  "QA complete for current tasks, continuing development",
		"nextTask": next,
	}, actorID)
	return err
}

// CreateFixTask adds a fix task for a FAILED task by hand.
func (e Engine) CreateFixTask(ctx context.Context, projectID, ref string, fixes []string, actorID string) (domain.Task, error) {
	projectID, err := e.projectForTask(ctx, projectID, ref)
	if err != nil {
		return domain.Task{}, err
	}
	var fix domain.Task
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		t, err := e.resolveTask(ctx, tx, projectID, ref)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusFailed {
			return transitionErr("task %s is %s, fix tasks need a FAILED task", t.TaskID, t.Status)
		}
		results := domain.QAResults{RequiredFixes: fixes}
		if t.QAResults != nil {
			results = *t.QAResults
			if len(fixes) > 0 {
				results.RequiredFixes = fixes
			}
		}
		fix, err = e.createFixTask(ctx, tx, t, results, actorID)
		return err
	})
	return fix, err
}

func (e Engine) createFixTask(ctx context.Context, tx *sql.Tx, failed domain.Task, results domain.QAResults, actorID string) (domain.Task, error) {
	wp, err := e.Repo.GetWorkPackage(ctx, tx, failed.WorkPackageID)
	if err != nil {
		return domain.Task{}, wrapNotFound(err, "work package", failed.WorkPackageID)
	}
	criteria := results.SuccessCriteria
	if criteria == "" {
		criteria = failed.SuccessCriteria
	}
	fix, err := e.insertTask(ctx, tx, wp, domain.Task{
		Name:            fmt.Sprintf("Fix issues in %s", failed.Name),
		Description:     "Fix the following issues:\n" + strings.Join(results.RequiredFixes, "\n"),
		FilePath:        failed.FilePath,
		Priority:        failed.Priority - e.config().Workflow.FixPriorityOffset,
		Dependencies:    []string{failed.TaskID},
		SuccessCriteria: criteria,
	}, actorID)
	if err != nil {
		return fix, err
	}
	if err := e.events().Append(ctx, tx, events.TaskFix, failed.ProjectID, "task", fix.ID, actorID, events.EventPayload{
		"task_id": fix.TaskID, "fixes": failed.TaskID,
	}); err != nil {
		return fix, err
	}
	e.logger().Info("fix task created", "project", failed.ProjectID, "task", fix.TaskID, "for", failed.TaskID)
	return fix, nil
}

type WorkPackageReview struct {
	WorkPackage      domain.WorkPackage `json:"work_package"`
	Status           string             `json:"status" enum:"INCOMPLETE,COMPLETED,PROJECT_COMPLETED"`
	IncompleteTasks  []string           `json:"incomplete_tasks"`
	ProjectCompleted bool               `json:"project_completed"`
}

// ReviewWorkPackage checks whether every task of a work package is COMPLETED
// and, if so, records it in the project state.
func (e Engine) ReviewWorkPackage(ctx context.Context, projectID, ref, actorID string) (WorkPackageReview, error) {
	projectID, err := e.projectForWorkPackage(ctx, projectID, ref)
	if err != nil {
		return WorkPackageReview{}, err
	}
	var out WorkPackageReview
	err = e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		wp, err := e.resolveWorkPackage(ctx, tx, projectID, ref)
		if err != nil {
			return err
		}
		if wp, err = e.recompute(ctx, tx, wp.ID); err != nil {
			return err
		}
		tasks, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{WorkPackageID: wp.ID})
		if err != nil {
			return err
		}
		out = WorkPackageReview{WorkPackage: wp, IncompleteTasks: []string{}}
		for _, t := range tasks {
			if t.Status != domain.StatusCompleted {
				out.IncompleteTasks = append(out.IncompleteTasks, t.TaskID)
			}
		}
		if len(out.IncompleteTasks) > 0 {
			out.Status = "INCOMPLETE"
			return nil
		}
		out.Status = "COMPLETED"
		cur, err := e.States().Current(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if _, err := e.States().Append(ctx, tx, projectID, cur.State.Merge(domain.State{
			"completedWorkPackages": appendUnique(stringList(cur.State, "completedWorkPackages"), wp.WPID),
		}), false); err != nil {
			return err
		}
		open, err := e.Repo.ListWorkPackages(ctx, tx, repo.WorkPackageFilters{ProjectID: projectID, ExcludeStatuses: []domain.WorkStatus{domain.StatusCompleted}})
		if err != nil {
			return err
		}
		if len(open) == 0 {
			out.Status = "PROJECT_COMPLETED"
			out.ProjectCompleted = true
		}
		return e.events().Append(ctx, tx, events.WorkPackageUpdate, projectID, "work_package", wp.ID, actorID, events.EventPayload{"wp_id": wp.WPID, "review": out.Status})
	})
	return out, err
}
