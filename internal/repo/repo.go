package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"devflow/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// on returns q, falling back to the pool when q is nil.
func (r Repo) on(q Querier) Querier {
	if q == nil {
		return r.DB
	}
	return q
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullString(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func marshalOptional(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalOptional(raw sql.NullString) (any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []domain.WorkStatus) []any {
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	return args
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// loadKeys returns owner id -> dependency keys for the given owners.
func loadKeys(ctx context.Context, q Querier, table, ownerCol string, ids []string) (map[string][]string, error) {
	res := map[string][]string{}
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT %s, depends_on_key FROM %s WHERE %s IN (%s) ORDER BY rowid ASC`, ownerCol, table, ownerCol, placeholders(len(ids)))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var owner, key string
		if err := rows.Scan(&owner, &key); err != nil {
			return nil, err
		}
		res[owner] = append(res[owner], key)
	}
	return res, rows.Err()
}

func replaceKeys(ctx context.Context, q Querier, table, ownerCol, ownerID string, keys []string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=?`, table, ownerCol), ownerID); err != nil {
		return err
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, fmt.Sprintf(`INSERT OR IGNORE INTO %s(%s, depends_on_key) VALUES (?,?)`, table, ownerCol), ownerID, k); err != nil {
			return err
		}
	}
	return nil
}

// DedupeKeys drops blanks and duplicates while keeping order.
func DedupeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
