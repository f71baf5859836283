package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"devflow/internal/repo"
)

// Event types written by the engine.
const (
	ProjectInit        = "project.init"
	ProjectKnowledge   = "project.knowledge"
	ProjectStatus      = "project.status"
	RoleTransition     = "role.transition"
	WorkPackageCreate  = "work_package.create"
	WorkPackageUpdate  = "work_package.update"
	WorkPackageRecalc  = "work_package.recompute"
	TaskCreate         = "task.create"
	TaskUpdate         = "task.update"
	TaskStart          = "task.start"
	TaskComplete       = "task.complete"
	TaskStatus         = "task.status"
	TaskDependencies   = "task.dependencies"
	TaskFix            = "task.fix"
	QAStart            = "qa.start"
	QAComplete         = "qa.complete"
	CheckpointSave     = "checkpoint.save"
	ImplementationSave = "checkpoint.implementation"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, q repo.Querier, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
