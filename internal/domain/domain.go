package domain

type Project struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Objectives    string         `json:"objectives,omitempty"`
	Status        ProjectStatus  `json:"status" enum:"PLANNING,IN_PROGRESS,COMPLETED,ON_HOLD"`
	CurrentRole   Role           `json:"current_role" enum:"TRIAGE,PLANNING,DEVELOPMENT,QA,ORCHESTRATOR"`
	KnowledgeBase map[string]any `json:"knowledge_base"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type WorkPackage struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	WPID         string     `json:"wp_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Priority     int        `json:"priority"`
	Status       WorkStatus `json:"status" enum:"PLANNED,IN_PROGRESS,READY_FOR_QA,QA_IN_PROGRESS,COMPLETED,FAILED"`
	Progress     float64    `json:"progress"`
	Dependencies []string   `json:"dependencies"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	ProjectID       string     `json:"project_id"`
	WorkPackageID   string     `json:"work_package_id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	FilePath        string     `json:"file_path"`
	Changes         any        `json:"changes,omitempty"`
	SuccessCriteria string     `json:"success_criteria,omitempty"`
	QAResults       *QAResults `json:"qa_results,omitempty"`
	Status          WorkStatus `json:"status" enum:"PLANNED,IN_PROGRESS,READY_FOR_QA,QA_IN_PROGRESS,COMPLETED,FAILED"`
	Dependencies    []string   `json:"dependencies"`
	Priority        int        `json:"priority"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

// QAResults is the outcome of a QA review recorded on a task.
type QAResults struct {
	Passed          bool     `json:"passed"`
	Notes           string   `json:"notes,omitempty"`
	RequiredFixes   []string `json:"required_fixes,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
	ReviewedAt      string   `json:"reviewed_at,omitempty" format:"date-time"`
}

// StateEntry is one immutable row of a project's state log.
type StateEntry struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Seq        int64  `json:"seq"`
	Timestamp  string `json:"timestamp" format:"date-time"`
	Checkpoint bool   `json:"checkpoint"`
	State      State  `json:"state"`
}

// FileRecord tracks the files touched by tasks of a project.
type FileRecord struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"project_id"`
	FilePath       string             `json:"file_path"`
	CurrentState   any                `json:"current_state,omitempty"`
	History        []FileModification `json:"history"`
	LastModifiedBy string             `json:"last_modified_by,omitempty"`
	UpdatedAt      string             `json:"updated_at" format:"date-time"`
}

type FileModification struct {
	TaskID    string `json:"task_id"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Changes   any    `json:"changes,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
