// Package statelog is the append-only per-project state log. The latest entry
// of a project is its current state; entries flagged as checkpoints are the
// resume points. Rows are never updated or deleted.
package statelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"devflow/internal/domain"
	"devflow/internal/repo"
)

var (
	ErrNoStateFound      = errors.New("no state found")
	ErrNoCheckpointFound = errors.New("no checkpoint found")
	// ErrConcurrentAppend means another writer appended to the same project
	// between the head read and the insert.
	ErrConcurrentAppend = errors.New("concurrent state append")
	ErrEntryNotFound    = fmt.Errorf("state entry %w", repo.ErrNotFound)
)

// TimeLayout is fixed width so timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

type head struct {
	seq int64
	ts  time.Time
}

func (l Log) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func (l Log) on(q repo.Querier) repo.Querier {
	if q == nil {
		return l.DB
	}
	return q
}

func readHead(ctx context.Context, q repo.Querier, projectID string) (head, bool, error) {
	var h head
	var ts string
	err := q.QueryRowContext(ctx, `SELECT seq, ts FROM state_heads WHERE project_id=?`, projectID).Scan(&h.seq, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return h, false, nil
	}
	if err != nil {
		return h, false, err
	}
	h.ts, err = time.Parse(TimeLayout, ts)
	if err != nil {
		return h, false, fmt.Errorf("parse head timestamp %q: %w", ts, err)
	}
	return h, true, nil
}

// Append adds a new entry for projectID with a timestamp strictly greater than
// the current head. When q is nil the append runs in its own transaction.
func (l Log) Append(ctx context.Context, q repo.Querier, projectID string, state domain.State, checkpoint bool) (domain.StateEntry, error) {
	if q == nil {
		tx, err := l.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.StateEntry{}, err
		}
		defer tx.Rollback()
		entry, err := l.Append(ctx, tx, projectID, state, checkpoint)
		if err != nil {
			return entry, err
		}
		return entry, tx.Commit()
	}

	normalized, err := state.Normalize()
	if err != nil {
		return domain.StateEntry{}, fmt.Errorf("encode state: %w", err)
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return domain.StateEntry{}, fmt.Errorf("encode state: %w", err)
	}
	h, ok, err := readHead(ctx, q, projectID)
	if err != nil {
		return domain.StateEntry{}, err
	}
	ts := l.now().Truncate(time.Microsecond)
	seq := int64(1)
	if ok {
		seq = h.seq + 1
		if !ts.After(h.ts) {
			ts = h.ts.Add(time.Microsecond)
		}
	}
	entry := domain.StateEntry{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Seq:        seq,
		Timestamp:  ts.Format(TimeLayout),
		Checkpoint: checkpoint,
		State:      normalized,
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO state_entries(id,project_id,seq,ts,checkpoint,state_json) VALUES (?,?,?,?,?,?)`,
		entry.ID, entry.ProjectID, entry.Seq, entry.Timestamp, boolToInt(checkpoint), string(data)); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.StateEntry{}, ErrConcurrentAppend
		}
		return domain.StateEntry{}, fmt.Errorf("insert state entry: %w", err)
	}
	res, err := q.ExecContext(ctx, `INSERT INTO state_heads(project_id,entry_id,seq,ts) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET entry_id=excluded.entry_id, seq=excluded.seq, ts=excluded.ts WHERE state_heads.seq < excluded.seq`,
		entry.ProjectID, entry.ID, entry.Seq, entry.Timestamp)
	if err != nil {
		return domain.StateEntry{}, fmt.Errorf("advance state head: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.StateEntry{}, ErrConcurrentAppend
	}
	return entry, nil
}

const entryColumns = `e.id, e.project_id, e.seq, e.ts, e.checkpoint, e.state_json`

func scanEntry(row interface{ Scan(...any) error }) (domain.StateEntry, error) {
	var e domain.StateEntry
	var checkpoint int
	var data string
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Seq, &e.Timestamp, &checkpoint, &data); err != nil {
		return e, err
	}
	e.Checkpoint = checkpoint != 0
	if err := json.Unmarshal([]byte(data), &e.State); err != nil {
		return e, fmt.Errorf("decode state entry %s: %w", e.ID, err)
	}
	if e.State == nil {
		e.State = domain.State{}
	}
	return e, nil
}

// Current returns the latest entry through the head index.
func (l Log) Current(ctx context.Context, q repo.Querier, projectID string) (domain.StateEntry, error) {
	e, err := scanEntry(l.on(q).QueryRowContext(ctx, `SELECT `+entryColumns+` FROM state_heads h JOIN state_entries e ON e.id = h.entry_id WHERE h.project_id=?`, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNoStateFound
	}
	return e, err
}

func (l Log) LatestCheckpoint(ctx context.Context, q repo.Querier, projectID string) (domain.StateEntry, error) {
	e, err := scanEntry(l.on(q).QueryRowContext(ctx, `SELECT `+entryColumns+` FROM state_entries e WHERE e.project_id=? AND e.checkpoint=1 ORDER BY e.seq DESC LIMIT 1`, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNoCheckpointFound
	}
	return e, err
}

func (l Log) Get(ctx context.Context, q repo.Querier, id string) (domain.StateEntry, error) {
	e, err := scanEntry(l.on(q).QueryRowContext(ctx, `SELECT `+entryColumns+` FROM state_entries e WHERE e.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrEntryNotFound
	}
	return e, err
}

type HistoryQuery struct {
	Limit int
	// BeforeSeq pages backwards: only entries with seq < BeforeSeq are returned.
	BeforeSeq       int64
	CheckpointsOnly bool
}

// History returns entries newest first.
func (l Log) History(ctx context.Context, q repo.Querier, projectID string, hq HistoryQuery) ([]domain.StateEntry, error) {
	clauses := []string{"e.project_id=?"}
	args := []any{projectID}
	if hq.CheckpointsOnly {
		clauses = append(clauses, "e.checkpoint=1")
	}
	if hq.BeforeSeq > 0 {
		clauses = append(clauses, "e.seq<?")
		args = append(args, hq.BeforeSeq)
	}
	query := `SELECT ` + entryColumns + ` FROM state_entries e WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY e.seq DESC`
	if hq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, hq.Limit)
	}
	rows, err := l.on(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StateEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
