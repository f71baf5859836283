package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"devflow/internal/domain"
)

const projectColumns = `id,name,COALESCE(description,''),COALESCE(objectives,''),status,current_role,knowledge_base_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var kb string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Objectives, &p.Status, &p.CurrentRole, &kb, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.KnowledgeBase = map[string]any{}
	if kb != "" {
		if err := json.Unmarshal([]byte(kb), &p.KnowledgeBase); err != nil {
			return p, fmt.Errorf("decode knowledge base: %w", err)
		}
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, q Querier, p domain.Project) error {
	if p.KnowledgeBase == nil {
		p.KnowledgeBase = map[string]any{}
	}
	kb, err := json.Marshal(p.KnowledgeBase)
	if err != nil {
		return err
	}
	_, err = r.on(q).ExecContext(ctx, `INSERT INTO projects(id,name,description,objectives,status,current_role,knowledge_base_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), nullable(p.Objectives), p.Status, p.CurrentRole, string(kb), p.CreatedAt, p.UpdatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, ErrAlreadyExists)
	}
	return err
}

func (r Repo) GetProject(ctx context.Context, q Querier, id string) (domain.Project, error) {
	return scanProject(r.on(q).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

type ProjectFilters struct {
	Status domain.ProjectStatus
	Limit  int
}

func (r Repo) ListProjects(ctx context.Context, q Querier, f ProjectFilters) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.on(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context, q Querier) (domain.Project, error) {
	projects, err := r.ListProjects(ctx, q, ProjectFilters{Limit: 2})
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// UpdateProject applies mutate to the stored project and persists it.
// The knowledge base is not written here; use MergeKnowledge.
func (r Repo) UpdateProject(ctx context.Context, q Querier, id string, mutate func(*domain.Project) error) (domain.Project, error) {
	q = r.on(q)
	p, err := r.GetProject(ctx, q, id)
	if err != nil {
		return p, err
	}
	if err := mutate(&p); err != nil {
		return p, err
	}
	res, err := q.ExecContext(ctx, `UPDATE projects SET name=?, description=?, objectives=?, status=?, current_role=?, updated_at=? WHERE id=?`,
		p.Name, nullable(p.Description), nullable(p.Objectives), p.Status, p.CurrentRole, p.UpdatedAt, p.ID)
	if err != nil {
		return p, err
	}
	if err := checkAffected(res); err != nil {
		return p, err
	}
	return r.GetProject(ctx, q, id)
}

// MergeKnowledge merges patch into the project's knowledge base.
// Existing keys are overwritten; keys are never removed.
func (r Repo) MergeKnowledge(ctx context.Context, q Querier, id string, patch map[string]any, updatedAt string) (domain.Project, error) {
	q = r.on(q)
	p, err := r.GetProject(ctx, q, id)
	if err != nil {
		return p, err
	}
	for k, v := range patch {
		p.KnowledgeBase[k] = v
	}
	kb, err := json.Marshal(p.KnowledgeBase)
	if err != nil {
		return p, err
	}
	if _, err := q.ExecContext(ctx, `UPDATE projects SET knowledge_base_json=?, updated_at=? WHERE id=?`, string(kb), updatedAt, id); err != nil {
		return p, err
	}
	p.UpdatedAt = updatedAt
	return p, nil
}

// nextWorkPackageSeq bumps and returns the project's work package counter.
func (r Repo) nextWorkPackageSeq(ctx context.Context, q Querier, projectID string) (int, error) {
	var seq int
	err := q.QueryRowContext(ctx, `UPDATE projects SET wp_seq=wp_seq+1 WHERE id=? RETURNING wp_seq`, projectID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return seq, err
}
