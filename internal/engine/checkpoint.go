package engine

import (
	"context"
	"database/sql"
	"fmt"

	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/repo"
)

// SaveCheckpoint merges payload into the current state under "checkpoint" and
// appends it as a resume point.
func (e Engine) SaveCheckpoint(ctx context.Context, projectID string, payload any, actorID string) (domain.StateEntry, error) {
	var entry domain.StateEntry
	err := e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		if _, err := e.getProject(ctx, tx, projectID); err != nil {
			return err
		}
		var err error
		entry, err = e.appendMerged(ctx, tx, projectID, domain.State{
			domain.StateCheckpoint: map[string]any{"timestamp": e.timestamp(), "data": payload},
		}, true)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.CheckpointSave, projectID, "state", entry.ID, actorID, events.EventPayload{"seq": entry.Seq})
	})
	return entry, err
}

type ResumeResult struct {
	Role        domain.Role       `json:"role"`
	State       domain.State      `json:"state"`
	Checkpoint  domain.StateEntry `json:"checkpoint"`
	NextActions []string          `json:"next_actions"`
}

// ResumeFromCheckpoint reconstructs what to do next from the project's role
// and its latest checkpoint. It never writes.
func (e Engine) ResumeFromCheckpoint(ctx context.Context, projectID string) (ResumeResult, error) {
	var res ResumeResult
	err := e.read(ctx, func(tx *sql.Tx) error {
		project, err := e.getProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		cp, err := e.States().LatestCheckpoint(ctx, tx, projectID)
		if err != nil {
			return err
		}
		actions, err := e.nextActions(ctx, tx, project)
		if err != nil {
			return err
		}
		res = ResumeResult{Role: project.CurrentRole, State: cp.State, Checkpoint: cp, NextActions: actions}
		return nil
	})
	return res, err
}

func (e Engine) nextActions(ctx context.Context, q repo.Querier, project domain.Project) ([]string, error) {
	switch project.CurrentRole {
	case domain.RoleTriage:
		return []string{"Complete triage assessment"}, nil
	case domain.RolePlanning:
		return []string{"Continue planning work packages and tasks"}, nil
	case domain.RoleDevelopment:
		s, err := e.loadSchedule(ctx, q, project.ID)
		if err != nil {
			return nil, err
		}
		res := s.result()
		switch res.Reason {
		case NextTaskFound, NextTaskBlocked:
			return []string{res.Message}, nil
		case NextTaskWaiting, NextTaskEmpty:
			return []string{"All tasks complete, ready for final QA review"}, nil
		}
		return nil, fmt.Errorf("unknown scheduling outcome %q", res.Reason)
	case domain.RoleQA:
		ready, err := e.Repo.ListTasks(ctx, q, repo.TaskFilters{ProjectID: project.ID, Statuses: []domain.WorkStatus{domain.StatusReadyForQA}})
		if err != nil {
			return nil, err
		}
		if len(ready) > 0 {
			return []string{fmt.Sprintf("Review %d tasks ready for QA", len(ready))}, nil
		}
		return []string{"No tasks pending QA, check if all work packages are complete"}, nil
	case domain.RoleOrchestrator:
		return []string{"Determine next step in project workflow"}, nil
	}
	return []string{"Determine next step in project workflow"}, nil
}
