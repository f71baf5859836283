package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"devflow/internal/domain"
	"devflow/internal/events"
)

type TransitionOptions struct {
	ProjectID   string
	NextRole    domain.Role
	ContextData map[string]any
	ActorID     string
	// Checked enforces the configured transitions table when strict mode is on.
	Checked bool
}

// TransitionRole moves the project to opts.NextRole and appends the merged
// snapshot as a checkpoint. Only the role itself is validated unless
// opts.Checked is set.
func (e Engine) TransitionRole(ctx context.Context, opts TransitionOptions) (domain.StateEntry, error) {
	if !opts.NextRole.Valid() {
		return domain.StateEntry{}, fmt.Errorf("%w: %q", ErrInvalidRole, opts.NextRole)
	}
	var entry domain.StateEntry
	err := e.inProject(ctx, opts.ProjectID, func(tx *sql.Tx) error {
		var err error
		entry, err = e.transitionRole(ctx, tx, opts)
		return err
	})
	return entry, err
}

// TransitionRoleChecked is TransitionRole honoring workflow.strict_transitions.
func (e Engine) TransitionRoleChecked(ctx context.Context, opts TransitionOptions) (domain.StateEntry, error) {
	opts.Checked = true
	return e.TransitionRole(ctx, opts)
}

func (e Engine) transitionAllowed(from, to domain.Role) bool {
	cfg := e.config()
	if !cfg.Workflow.StrictTransitions {
		return true
	}
	return cfg.Allowed(from, to)
}

func (e Engine) transitionRole(ctx context.Context, tx *sql.Tx, opts TransitionOptions) (domain.StateEntry, error) {
	if !opts.NextRole.Valid() {
		return domain.StateEntry{}, fmt.Errorf("%w: %q", ErrInvalidRole, opts.NextRole)
	}
	project, err := e.getProject(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.StateEntry{}, err
	}
	from := project.CurrentRole
	if opts.Checked && !e.transitionAllowed(from, opts.NextRole) {
		return domain.StateEntry{}, transitionErr("role %s cannot move to %s", from, opts.NextRole)
	}
	ts := e.now()
	if _, err := e.Repo.UpdateProject(ctx, tx, project.ID, func(p *domain.Project) error {
		p.CurrentRole = opts.NextRole
		p.UpdatedAt = ts.Format(time.RFC3339Nano)
		return nil
	}); err != nil {
		return domain.StateEntry{}, err
	}
	contextData := opts.ContextData
	if contextData == nil {
		contextData = map[string]any{}
	}
	entry, err := e.appendMerged(ctx, tx, project.ID, domain.State{
		domain.StateActiveRole: string(opts.NextRole),
		domain.StateLastTransition: map[string]any{
			"from":      string(from),
			"to":        string(opts.NextRole),
			"timestamp": ts.Format(time.RFC3339Nano),
		},
		domain.StateContextData: contextData,
	}, true)
	if err != nil {
		return domain.StateEntry{}, err
	}
	if err := e.events().Append(ctx, tx, events.RoleTransition, project.ID, "project", project.ID, opts.ActorID, events.EventPayload{
		"from": from, "to": opts.NextRole, "state_entry_id": entry.ID,
	}); err != nil {
		return domain.StateEntry{}, err
	}
	e.logger().Info("role transition", "project", project.ID, "from", from, "to", opts.NextRole, "seq", entry.Seq)
	return entry, nil
}

// autoTransition performs a workflow-driven transition when auto transitions
// are enabled. A move the transitions table forbids is skipped, not failed.
func (e Engine) autoTransition(ctx context.Context, tx *sql.Tx, projectID string, next domain.Role, contextData map[string]any, actorID string) (*domain.StateEntry, error) {
	if !e.config().Workflow.AutoTransitions {
		return nil, nil
	}
	project, err := e.getProject(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if !e.transitionAllowed(project.CurrentRole, next) {
		e.logger().Warn("auto transition skipped", "project", projectID, "from", project.CurrentRole, "to", next)
		return nil, nil
	}
	entry, err := e.transitionRole(ctx, tx, TransitionOptions{ProjectID: projectID, NextRole: next, ContextData: contextData, ActorID: actorID})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
