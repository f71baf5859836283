package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"devflow/internal/domain"
	"devflow/internal/repo"
)

// NextTaskReason explains the outcome of a scheduling pass.
type NextTaskReason string

const (
	NextTaskFound   NextTaskReason = "task"
	NextTaskWaiting NextTaskReason = "waiting"
	NextTaskBlocked NextTaskReason = "blocked"
	NextTaskEmpty   NextTaskReason = "empty"
)

type BlockedTask struct {
	TaskID     string   `json:"task_id"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	Incomplete []string `json:"incomplete_dependencies"`
}

type NextTaskResult struct {
	Reason  NextTaskReason `json:"reason" enum:"task,waiting,blocked,empty"`
	Task    *domain.Task   `json:"task,omitempty"`
	Blocked []BlockedTask  `json:"blocked,omitempty"`
	Message string         `json:"message"`
}

// schedule is one scheduling pass over a project: every task in priority
// order plus a taskId lookup table for dependency resolution.
type schedule struct {
	workPackages []domain.WorkPackage
	tasks        []domain.Task
	byKey        map[string]domain.Task
}

func (e Engine) loadSchedule(ctx context.Context, q repo.Querier, projectID string) (schedule, error) {
	wps, err := e.Repo.ListWorkPackages(ctx, q, repo.WorkPackageFilters{
		ProjectID:       projectID,
		ExcludeStatuses: []domain.WorkStatus{domain.StatusCompleted},
	})
	if err != nil {
		return schedule{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, q, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return schedule{}, err
	}
	byKey := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byKey[t.TaskID] = t
	}
	return schedule{workPackages: wps, tasks: tasks, byKey: byKey}, nil
}

// incomplete lists the dependencies of t that are not COMPLETED, including
// keys that resolve to no task.
func (s schedule) incomplete(t domain.Task) []string {
	var missing []string
	for _, dep := range t.Dependencies {
		d, ok := s.byKey[dep]
		if !ok || d.Status != domain.StatusCompleted {
			missing = append(missing, dep)
		}
	}
	return missing
}

// next walks work packages by priority and returns the first startable task
// whose dependencies are all COMPLETED.
func (s schedule) next() *domain.Task {
	for _, wp := range s.workPackages {
		for i := range s.tasks {
			t := s.tasks[i]
			if t.WorkPackageID != wp.ID || !t.Status.Startable() {
				continue
			}
			if len(s.incomplete(t)) == 0 {
				return &t
			}
		}
	}
	return nil
}

func (s schedule) blocked() []BlockedTask {
	var res []BlockedTask
	for _, t := range s.tasks {
		if !t.Status.Startable() {
			continue
		}
		if missing := s.incomplete(t); len(missing) > 0 {
			res = append(res, BlockedTask{TaskID: t.TaskID, Name: t.Name, Status: string(t.Status), Incomplete: missing})
		}
	}
	return res
}

func (s schedule) result() NextTaskResult {
	if t := s.next(); t != nil {
		return NextTaskResult{Reason: NextTaskFound, Task: t, Message: fmt.Sprintf("Continue development of task %s: %s", t.TaskID, t.Name)}
	}
	if len(s.tasks) == 0 {
		return NextTaskResult{Reason: NextTaskEmpty, Message: "No tasks defined"}
	}
	if blocked := s.blocked(); len(blocked) > 0 {
		ids := make([]string, 0, len(blocked))
		for _, b := range blocked {
			ids = append(ids, b.TaskID)
		}
		return NextTaskResult{
			Reason:  NextTaskBlocked,
			Blocked: blocked,
			Message: fmt.Sprintf("Blocked: %d tasks waiting on dependencies: %s", len(blocked), strings.Join(ids, ", ")),
		}
	}
	return NextTaskResult{Reason: NextTaskWaiting, Message: "Wait for QA completion"}
}

// NextEligibleTask returns the next task to work on, or nil when nothing is
// eligible.
func (e Engine) NextEligibleTask(ctx context.Context, projectID string) (*domain.Task, error) {
	var t *domain.Task
	err := e.read(ctx, func(tx *sql.Tx) error {
		if _, err := e.getProject(ctx, tx, projectID); err != nil {
			return err
		}
		s, err := e.loadSchedule(ctx, tx, projectID)
		if err != nil {
			return err
		}
		t = s.next()
		return nil
	})
	return t, err
}

// NextTask is NextEligibleTask plus the reason when no task is eligible.
func (e Engine) NextTask(ctx context.Context, projectID string) (NextTaskResult, error) {
	var res NextTaskResult
	err := e.read(ctx, func(tx *sql.Tx) error {
		if _, err := e.getProject(ctx, tx, projectID); err != nil {
			return err
		}
		s, err := e.loadSchedule(ctx, tx, projectID)
		if err != nil {
			return err
		}
		res = s.result()
		return nil
	})
	return res, err
}

// ensureAcyclic rejects dependency graphs with a cycle. Edges to unknown
// keys are ignored.
func ensureAcyclic(graph map[string][]string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(graph))
	var path []string
	var visit func(string) error
	visit = func(node string) error {
		switch state[node] {
		case visiting:
			start := 0
			for i, n := range path {
				if n == node {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), node)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		state[node] = visiting
		path = append(path, node)
		for _, dep := range graph[node] {
			if _, known := graph[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[node] = done
		return nil
	}
	keys := make([]string, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := visit(k); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) ensureTaskGraphAcyclic(ctx context.Context, q repo.Querier, projectID string) error {
	byKey, err := e.Repo.TasksByKey(ctx, q, projectID)
	if err != nil {
		return err
	}
	graph := make(map[string][]string, len(byKey))
	for key, t := range byKey {
		graph[key] = t.Dependencies
	}
	return ensureAcyclic(graph)
}

func (e Engine) ensureWorkPackageGraphAcyclic(ctx context.Context, q repo.Querier, projectID string) error {
	wps, err := e.Repo.ListWorkPackages(ctx, q, repo.WorkPackageFilters{ProjectID: projectID})
	if err != nil {
		return err
	}
	graph := make(map[string][]string, len(wps))
	for _, wp := range wps {
		graph[wp.WPID] = wp.Dependencies
	}
	return ensureAcyclic(graph)
}
