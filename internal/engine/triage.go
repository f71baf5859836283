package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"devflow/internal/domain"
	"devflow/internal/events"
)

type InitProjectOptions struct {
	ID          string
	Name        string
	Description string
	Objectives  string
	ActorID     string
}

// InitProject creates a project in TRIAGE together with its first
// checkpointed state entry.
func (e Engine) InitProject(ctx context.Context, opts InitProjectOptions) (domain.Project, domain.StateEntry, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Project{}, domain.StateEntry{}, validationErr("project name is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	p := domain.Project{
		ID:            id,
		Name:          name,
		Description:   opts.Description,
		Objectives:    opts.Objectives,
		Status:        domain.ProjectPlanning,
		CurrentRole:   domain.RoleTriage,
		KnowledgeBase: map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var entry domain.StateEntry
	err := e.inProject(ctx, id, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return err
		}
		var err error
		entry, err = e.States().Append(ctx, tx, id, domain.State{
			domain.StateActiveRole:     string(domain.RoleTriage),
			"workPackages":             []string{},
			"tasks":                    []string{},
			domain.StatePendingActions: []string{"Complete Triage"},
			domain.StateKnowledgeBase:  map[string]any{},
		}, true)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ProjectInit, id, "project", id, opts.ActorID, events.EventPayload{"name": name, "status": p.Status})
	})
	if err != nil {
		return domain.Project{}, domain.StateEntry{}, err
	}
	e.logger().Info("project initialized", "project", id, "name", name)
	return p, entry, nil
}

// RecordAssessment stores the triage assessment and moves the project to PLANNING.
func (e Engine) RecordAssessment(ctx context.Context, projectID string, assessment map[string]any, actorID string) (domain.StateEntry, error) {
	if len(assessment) == 0 {
		return domain.StateEntry{}, validationErr("assessment is required")
	}
	var entry domain.StateEntry
	err := e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		if _, err := e.getProject(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := e.Repo.MergeKnowledge(ctx, tx, projectID, map[string]any{"triageAssessment": assessment}, e.timestamp()); err != nil {
			return err
		}
		if _, err := e.appendMerged(ctx, tx, projectID, domain.State{
			"triageComplete":           true,
			domain.StatePendingActions: []string{"Create development plan"},
		}, true); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.ProjectKnowledge, projectID, "project", projectID, actorID, events.EventPayload{"key": "triageAssessment"}); err != nil {
			return err
		}
		var err error
		entry, err = e.transitionRole(ctx, tx, TransitionOptions{
			ProjectID:   projectID,
			NextRole:    domain.RolePlanning,
			ContextData: map[string]any{"triageAssessment": assessment},
			ActorID:     actorID,
			Checked:     true,
		})
		return err
	})
	return entry, err
}

// RequestInformation records open questions for the user and marks the
// project as waiting for input.
func (e Engine) RequestInformation(ctx context.Context, projectID string, questions []string, actorID string) (domain.StateEntry, error) {
	var cleaned []string
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) == 0 {
		return domain.StateEntry{}, validationErr("at least one question is required")
	}
	var entry domain.StateEntry
	err := e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		if _, err := e.getProject(ctx, tx, projectID); err != nil {
			return err
		}
		var err error
		entry, err = e.appendMerged(ctx, tx, projectID, domain.State{
			"pendingQuestions":    cleaned,
			"waitingForUserInput": true,
		}, true)
		return err
	})
	return entry, err
}

// RecordUserResponses merges answers into knowledgeBase.userResponses and
// clears the pending questions.
func (e Engine) RecordUserResponses(ctx context.Context, projectID string, responses map[string]any, actorID string) (domain.Project, error) {
	if len(responses) == 0 {
		return domain.Project{}, validationErr("responses are required")
	}
	var project domain.Project
	err := e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		p, err := e.getProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		merged := map[string]any{}
		if prev, ok := p.KnowledgeBase["userResponses"].(map[string]any); ok {
			for k, v := range prev {
				merged[k] = v
			}
		}
		for k, v := range responses {
			merged[k] = v
		}
		if project, err = e.Repo.MergeKnowledge(ctx, tx, projectID, map[string]any{"userResponses": merged}, e.timestamp()); err != nil {
			return err
		}
		if _, err := e.appendMerged(ctx, tx, projectID, domain.State{
			"pendingQuestions":    []string{},
			"waitingForUserInput": false,
			"latestResponses":     responses,
		}, false); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ProjectKnowledge, projectID, "project", projectID, actorID, events.EventPayload{"key": "userResponses"})
	})
	return project, err
}

// MergeKnowledge adds arbitrary keys to the project's knowledge base.
func (e Engine) MergeKnowledge(ctx context.Context, projectID string, patch map[string]any, actorID string) (domain.Project, error) {
	if len(patch) == 0 {
		return domain.Project{}, validationErr("knowledge patch is empty")
	}
	var project domain.Project
	err := e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		if _, err := e.getProject(ctx, tx, projectID); err != nil {
			return err
		}
		var err error
		if project, err = e.Repo.MergeKnowledge(ctx, tx, projectID, patch, e.timestamp()); err != nil {
			return err
		}
		keys := make([]string, 0, len(patch))
		for k := range patch {
			keys = append(keys, k)
		}
		return e.events().Append(ctx, tx, events.ProjectKnowledge, projectID, "project", projectID, actorID, events.EventPayload{"keys": keys})
	})
	return project, err
}

// SetProjectStatus is used to park (ON_HOLD) or resume a project.
func (e Engine) SetProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, actorID string) (domain.Project, error) {
	if !status.Valid() {
		return domain.Project{}, validationErr("invalid project status %q", status)
	}
	var project domain.Project
	err := e.inProject(ctx, projectID, func(tx *sql.Tx) error {
		var err error
		project, err = e.setProjectStatus(ctx, tx, projectID, status, actorID)
		return err
	})
	return project, err
}

func (e Engine) setProjectStatus(ctx context.Context, tx *sql.Tx, projectID string, status domain.ProjectStatus, actorID string) (domain.Project, error) {
	ts := e.timestamp()
	var from domain.ProjectStatus
	p, err := e.Repo.UpdateProject(ctx, tx, projectID, func(p *domain.Project) error {
		from = p.Status
		p.Status = status
		p.UpdatedAt = ts
		return nil
	})
	if err != nil {
		return p, wrapNotFound(err, "project", projectID)
	}
	if from == status {
		return p, nil
	}
	return p, e.events().Append(ctx, tx, events.ProjectStatus, projectID, "project", projectID, actorID, events.EventPayload{"from": from, "to": status})
}
