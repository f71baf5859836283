package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"devflow/internal/domain"
)

const workPackageColumns = `id,project_id,wp_key,name,COALESCE(description,''),priority,status,progress,created_at,updated_at`

func scanWorkPackage(row rowScanner) (domain.WorkPackage, error) {
	var wp domain.WorkPackage
	err := row.Scan(&wp.ID, &wp.ProjectID, &wp.WPID, &wp.Name, &wp.Description, &wp.Priority, &wp.Status, &wp.Progress, &wp.CreatedAt, &wp.UpdatedAt)
	if err == sql.ErrNoRows {
		return wp, ErrNotFound
	}
	return wp, err
}

// InsertWorkPackage stores wp, assigning its wpId from the project counter.
func (r Repo) InsertWorkPackage(ctx context.Context, q Querier, wp domain.WorkPackage) (domain.WorkPackage, error) {
	q = r.on(q)
	seq, err := r.nextWorkPackageSeq(ctx, q, wp.ProjectID)
	if err != nil {
		return wp, err
	}
	wp.WPID = fmt.Sprintf("WP%03d", seq)
	wp.Dependencies = DedupeKeys(wp.Dependencies)
	if _, err := q.ExecContext(ctx, `INSERT INTO work_packages(id,project_id,wp_key,created_seq,name,description,priority,status,progress,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		wp.ID, wp.ProjectID, wp.WPID, seq, wp.Name, nullable(wp.Description), wp.Priority, wp.Status, wp.Progress, wp.CreatedAt, wp.UpdatedAt); err != nil {
		return wp, err
	}
	if err := replaceKeys(ctx, q, "work_package_deps", "work_package_id", wp.ID, wp.Dependencies); err != nil {
		return wp, err
	}
	return wp, nil
}

func (r Repo) GetWorkPackage(ctx context.Context, q Querier, id string) (domain.WorkPackage, error) {
	return r.getWorkPackage(ctx, r.on(q), `id=?`, id)
}

func (r Repo) GetWorkPackageByKey(ctx context.Context, q Querier, projectID, wpID string) (domain.WorkPackage, error) {
	return r.getWorkPackage(ctx, r.on(q), `project_id=? AND wp_key=?`, projectID, wpID)
}

func (r Repo) getWorkPackage(ctx context.Context, q Querier, where string, args ...any) (domain.WorkPackage, error) {
	wp, err := scanWorkPackage(q.QueryRowContext(ctx, `SELECT `+workPackageColumns+` FROM work_packages WHERE `+where, args...))
	if err != nil {
		return wp, err
	}
	deps, err := loadKeys(ctx, q, "work_package_deps", "work_package_id", []string{wp.ID})
	if err != nil {
		return wp, err
	}
	wp.Dependencies = nonNil(deps[wp.ID])
	return wp, nil
}

type WorkPackageFilters struct {
	ProjectID       string
	Statuses        []domain.WorkStatus
	ExcludeStatuses []domain.WorkStatus
	Limit           int
}

// ListWorkPackages returns work packages by priority, then creation order.
func (r Repo) ListWorkPackages(ctx context.Context, q Querier, f WorkPackageFilters) ([]domain.WorkPackage, error) {
	q = r.on(q)
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	if len(f.ExcludeStatuses) > 0 {
		clauses = append(clauses, "status NOT IN ("+placeholders(len(f.ExcludeStatuses))+")")
		args = append(args, statusArgs(f.ExcludeStatuses)...)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workPackageColumns + ` FROM work_packages ` + where + ` ORDER BY priority ASC, created_seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkPackage
	for rows.Next() {
		wp, err := scanWorkPackage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, wp)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res))
	for _, wp := range res {
		ids = append(ids, wp.ID)
	}
	deps, err := loadKeys(ctx, q, "work_package_deps", "work_package_id", ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Dependencies = nonNil(deps[res[i].ID])
	}
	return res, nil
}

// UpdateWorkPackage applies mutate and persists every mutable column,
// including the dependency set.
func (r Repo) UpdateWorkPackage(ctx context.Context, q Querier, id string, mutate func(*domain.WorkPackage) error) (domain.WorkPackage, error) {
	q = r.on(q)
	wp, err := r.GetWorkPackage(ctx, q, id)
	if err != nil {
		return wp, err
	}
	if err := mutate(&wp); err != nil {
		return wp, err
	}
	res, err := q.ExecContext(ctx, `UPDATE work_packages SET name=?, description=?, priority=?, status=?, progress=?, updated_at=? WHERE id=?`,
		wp.Name, nullable(wp.Description), wp.Priority, wp.Status, wp.Progress, wp.UpdatedAt, wp.ID)
	if err != nil {
		return wp, err
	}
	if err := checkAffected(res); err != nil {
		return wp, err
	}
	wp.Dependencies = DedupeKeys(wp.Dependencies)
	if err := replaceKeys(ctx, q, "work_package_deps", "work_package_id", wp.ID, wp.Dependencies); err != nil {
		return wp, err
	}
	return wp, nil
}

func (r Repo) CountWorkPackages(ctx context.Context, q Querier, projectID string) (int, error) {
	var n int
	err := r.on(q).QueryRowContext(ctx, `SELECT count(*) FROM work_packages WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
