package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"devflow/internal/domain"
)

const taskColumns = `id,task_key,project_id,work_package_id,name,COALESCE(description,''),file_path,changes_json,COALESCE(success_criteria,''),qa_results_json,status,priority,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var changes, qa sql.NullString
	err := row.Scan(&t.ID, &t.TaskID, &t.ProjectID, &t.WorkPackageID, &t.Name, &t.Description, &t.FilePath, &changes, &t.SuccessCriteria, &qa, &t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Changes, err = unmarshalOptional(changes); err != nil {
		return t, fmt.Errorf("decode changes of %s: %w", t.TaskID, err)
	}
	if qa.Valid && qa.String != "" {
		var res domain.QAResults
		if err := json.Unmarshal([]byte(qa.String), &res); err != nil {
			return t, fmt.Errorf("decode qa results of %s: %w", t.TaskID, err)
		}
		t.QAResults = &res
	}
	return t, nil
}

// InsertTask stores t, assigning its taskId from the owning work package counter.
func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.Task) (domain.Task, error) {
	q = r.on(q)
	var seq int
	var wpKey string
	err := q.QueryRowContext(ctx, `UPDATE work_packages SET task_seq=task_seq+1 WHERE id=? RETURNING task_seq, wp_key, project_id`, t.WorkPackageID).
		Scan(&seq, &wpKey, &t.ProjectID)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.TaskID = fmt.Sprintf("%s-%02d", wpKey, seq)
	t.Dependencies = DedupeKeys(t.Dependencies)
	changes, err := marshalOptional(t.Changes)
	if err != nil {
		return t, err
	}
	var qa any
	if t.QAResults != nil {
		if qa, err = marshalOptional(t.QAResults); err != nil {
			return t, err
		}
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO tasks(id,project_id,work_package_id,task_key,created_seq,name,description,file_path,changes_json,success_criteria,qa_results_json,status,priority,created_at,updated_at)
VALUES (?,?,?,?,(SELECT COALESCE(MAX(created_seq),0)+1 FROM tasks WHERE project_id=?),?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.WorkPackageID, t.TaskID, t.ProjectID, t.Name, nullable(t.Description), t.FilePath, changes, nullable(t.SuccessCriteria), qa,
		t.Status, t.Priority, t.CreatedAt, t.UpdatedAt); err != nil {
		return t, err
	}
	if err := replaceKeys(ctx, q, "task_deps", "task_id", t.ID, t.Dependencies); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	return r.getTask(ctx, r.on(q), `id=?`, id)
}

func (r Repo) GetTaskByKey(ctx context.Context, q Querier, projectID, taskID string) (domain.Task, error) {
	return r.getTask(ctx, r.on(q), `project_id=? AND task_key=?`, projectID, taskID)
}

func (r Repo) getTask(ctx context.Context, q Querier, where string, args ...any) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...))
	if err != nil {
		return t, err
	}
	deps, err := loadKeys(ctx, q, "task_deps", "task_id", []string{t.ID})
	if err != nil {
		return t, err
	}
	t.Dependencies = nonNil(deps[t.ID])
	return t, nil
}

type TaskFilters struct {
	ProjectID     string
	WorkPackageID string
	Statuses      []domain.WorkStatus
	Limit         int
}

// ListTasks returns tasks by priority, then creation order.
func (r Repo) ListTasks(ctx context.Context, q Querier, f TaskFilters) ([]domain.Task, error) {
	q = r.on(q)
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.WorkPackageID != "" {
		clauses = append(clauses, "work_package_id=?")
		args = append(args, f.WorkPackageID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY priority ASC, created_seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, q, query, args...)
}

func (r Repo) queryTasks(ctx context.Context, q Querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before loading deps: the pool has a single connection.
	if err := rows.Close(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res))
	for _, t := range res {
		ids = append(ids, t.ID)
	}
	deps, err := loadKeys(ctx, q, "task_deps", "task_id", ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Dependencies = nonNil(deps[res[i].ID])
	}
	return res, nil
}

// TasksByKey loads every task of a project into a taskId lookup table.
func (r Repo) TasksByKey(ctx context.Context, q Querier, projectID string) (map[string]domain.Task, error) {
	tasks, err := r.ListTasks(ctx, q, TaskFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	res := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		res[t.TaskID] = t
	}
	return res, nil
}

// UpdateTask applies mutate and persists every mutable column, including the dependency set.
func (r Repo) UpdateTask(ctx context.Context, q Querier, id string, mutate func(*domain.Task) error) (domain.Task, error) {
	q = r.on(q)
	t, err := r.GetTask(ctx, q, id)
	if err != nil {
		return t, err
	}
	if err := mutate(&t); err != nil {
		return t, err
	}
	changes, err := marshalOptional(t.Changes)
	if err != nil {
		return t, err
	}
	var qa any
	if t.QAResults != nil {
		if qa, err = marshalOptional(t.QAResults); err != nil {
			return t, err
		}
	}
	res, err := q.ExecContext(ctx, `UPDATE tasks SET name=?, description=?, file_path=?, changes_json=?, success_criteria=?, qa_results_json=?, status=?, priority=?, updated_at=? WHERE id=?`,
		t.Name, nullable(t.Description), t.FilePath, changes, nullable(t.SuccessCriteria), qa, t.Status, t.Priority, t.UpdatedAt, t.ID)
	if err != nil {
		return t, err
	}
	if err := checkAffected(res); err != nil {
		return t, err
	}
	t.Dependencies = DedupeKeys(t.Dependencies)
	if err := replaceKeys(ctx, q, "task_deps", "task_id", t.ID, t.Dependencies); err != nil {
		return t, err
	}
	return t, nil
}

// Dependents returns the tasks of a project that depend on taskID.
func (r Repo) Dependents(ctx context.Context, q Querier, projectID, taskID string) ([]domain.Task, error) {
	return r.queryTasks(ctx, r.on(q), `SELECT `+taskColumns+` FROM tasks WHERE project_id=? AND id IN (SELECT task_id FROM task_deps WHERE depends_on_key=?) ORDER BY priority ASC, created_seq ASC`, projectID, taskID)
}

func (r Repo) CountTasksByStatus(ctx context.Context, q Querier, projectID string) (map[domain.WorkStatus]int, error) {
	rows, err := r.on(q).QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.WorkStatus]int{}
	for rows.Next() {
		var status domain.WorkStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
