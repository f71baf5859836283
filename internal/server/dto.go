package server

import (
	"devflow/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty" doc:"Optional id; generated when empty"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Objectives  string `json:"objectives,omitempty"`
}

type AssessmentRequest struct {
	Assessment map[string]any `json:"assessment"`
}

type QuestionsRequest struct {
	Questions []string `json:"questions" minItems:"1"`
}

type ResponsesRequest struct {
	Responses map[string]any `json:"responses"`
}

type KnowledgeRequest struct {
	Knowledge map[string]any `json:"knowledge"`
}

type ProjectStatusRequest struct {
	Status domain.ProjectStatus `json:"status" enum:"PLANNING,IN_PROGRESS,COMPLETED,ON_HOLD"`
}

type CreateWorkPackageRequest struct {
	Name         string   `json:"name" minLength:"1"`
	Description  string   `json:"description,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type UpdateWorkPackageRequest struct {
	Name         *string   `json:"name,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Priority     *int      `json:"priority,omitempty"`
	Dependencies *[]string `json:"dependencies,omitempty"`
}

type CreateTaskRequest struct {
	WorkPackage     string   `json:"work_package" doc:"Work package id or wpId"`
	Name            string   `json:"name" minLength:"1"`
	Description     string   `json:"description,omitempty"`
	FilePath        string   `json:"file_path" minLength:"1"`
	Priority        int      `json:"priority,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
	Changes         any      `json:"changes,omitempty"`
}

type UpdateTaskRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	FilePath        *string `json:"file_path,omitempty"`
	Priority        *int    `json:"priority,omitempty"`
	SuccessCriteria *string `json:"success_criteria,omitempty"`
	Changes         any     `json:"changes,omitempty"`
}

type DependenciesRequest struct {
	Dependencies []string `json:"dependencies"`
}

type CompleteTaskRequest struct {
	Changes any `json:"changes,omitempty"`
}

type ImplementationCheckpointRequest struct {
	Data any `json:"data"`
}

type TaskStatusRequest struct {
	Status    domain.WorkStatus `json:"status" enum:"PLANNED,IN_PROGRESS,READY_FOR_QA,QA_IN_PROGRESS,COMPLETED,FAILED"`
	QAResults *domain.QAResults `json:"qa_results,omitempty"`
}

type CompleteReviewRequest struct {
	Passed          bool     `json:"passed"`
	Notes           string   `json:"notes,omitempty"`
	RequiredFixes   []string `json:"required_fixes,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
}

type FixTaskRequest struct {
	Fixes []string `json:"fixes" minItems:"1"`
}

type TransitionRequest struct {
	NextRole    domain.Role    `json:"next_role" enum:"TRIAGE,PLANNING,DEVELOPMENT,QA,ORCHESTRATOR"`
	ContextData map[string]any `json:"context_data,omitempty"`
}

type CheckpointRequest struct {
	Payload any `json:"payload,omitempty"`
}

// Response payloads

type InitProjectResponse struct {
	Project domain.Project    `json:"project"`
	State   domain.StateEntry `json:"state"`
}

type StateHistoryResponse struct {
	Items []domain.StateEntry `json:"items"`
	// NextBeforeSeq is the cursor for the next (older) page; zero when exhausted.
	NextBeforeSeq int64 `json:"next_before_seq,omitempty"`
}

type EventPage struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type NextEligibleResponse struct {
	Task *domain.Task `json:"task,omitempty"`
}

type ProjectSummary struct {
	Project     domain.Project            `json:"project"`
	TaskCounts  map[domain.WorkStatus]int `json:"task_counts"`
	ActiveState *domain.StateEntry        `json:"active_state,omitempty"`
}
