package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"devflow/internal/domain"
)

func scanFile(row rowScanner) (domain.FileRecord, error) {
	var f domain.FileRecord
	var current, lastBy sql.NullString
	var history string
	err := row.Scan(&f.ID, &f.ProjectID, &f.FilePath, &current, &history, &lastBy, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if f.CurrentState, err = unmarshalOptional(current); err != nil {
		return f, fmt.Errorf("decode file state %s: %w", f.FilePath, err)
	}
	if err := json.Unmarshal([]byte(history), &f.History); err != nil {
		return f, fmt.Errorf("decode file history %s: %w", f.FilePath, err)
	}
	if f.History == nil {
		f.History = []domain.FileModification{}
	}
	f.LastModifiedBy = nullString(lastBy)
	return f, nil
}

const fileColumns = `id,project_id,file_path,current_state_json,history_json,last_modified_by,updated_at`

func (r Repo) GetFile(ctx context.Context, q Querier, projectID, path string) (domain.FileRecord, error) {
	return scanFile(r.on(q).QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE project_id=? AND file_path=?`, projectID, path))
}

func (r Repo) ListFiles(ctx context.Context, q Querier, projectID string) ([]domain.FileRecord, error) {
	rows, err := r.on(q).QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE project_id=? ORDER BY file_path ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// UpsertFile writes the whole record keyed by (project, path).
func (r Repo) UpsertFile(ctx context.Context, q Querier, f domain.FileRecord) (domain.FileRecord, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.History == nil {
		f.History = []domain.FileModification{}
	}
	current, err := marshalOptional(f.CurrentState)
	if err != nil {
		return f, err
	}
	history, err := json.Marshal(f.History)
	if err != nil {
		return f, err
	}
	_, err = r.on(q).ExecContext(ctx, `INSERT INTO files(id,project_id,file_path,current_state_json,history_json,last_modified_by,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,file_path) DO UPDATE SET current_state_json=excluded.current_state_json, history_json=excluded.history_json, last_modified_by=excluded.last_modified_by, updated_at=excluded.updated_at`,
		f.ID, f.ProjectID, f.FilePath, current, string(history), nullable(f.LastModifiedBy), f.UpdatedAt)
	return f, err
}

// TouchFile registers path for a task without recording a modification.
func (r Repo) TouchFile(ctx context.Context, q Querier, projectID, path, taskID, ts string) (domain.FileRecord, error) {
	q = r.on(q)
	f, err := r.GetFile(ctx, q, projectID, path)
	if errors.Is(err, ErrNotFound) {
		f = domain.FileRecord{ProjectID: projectID, FilePath: path}
	} else if err != nil {
		return f, err
	}
	f.LastModifiedBy = taskID
	f.UpdatedAt = ts
	return r.UpsertFile(ctx, q, f)
}

// RecordFileModification appends a history item and replaces the current state.
func (r Repo) RecordFileModification(ctx context.Context, q Querier, projectID, path, taskID, ts string, changes any) (domain.FileRecord, error) {
	q = r.on(q)
	f, err := r.GetFile(ctx, q, projectID, path)
	if errors.Is(err, ErrNotFound) {
		f = domain.FileRecord{ProjectID: projectID, FilePath: path}
	} else if err != nil {
		return f, err
	}
	f.History = append(f.History, domain.FileModification{TaskID: taskID, Timestamp: ts, Changes: changes})
	if changes != nil {
		f.CurrentState = changes
	}
	f.LastModifiedBy = taskID
	f.UpdatedAt = ts
	return r.UpsertFile(ctx, q, f)
}
