package domain

import "fmt"

// Role is the workflow phase a project is currently in.
type Role string

const (
	RoleTriage       Role = "TRIAGE"
	RolePlanning     Role = "PLANNING"
	RoleDevelopment  Role = "DEVELOPMENT"
	RoleQA           Role = "QA"
	RoleOrchestrator Role = "ORCHESTRATOR"
)

// Roles lists every known role in workflow order.
var Roles = []Role{RoleTriage, RolePlanning, RoleDevelopment, RoleQA, RoleOrchestrator}

func (r Role) Valid() bool {
	switch r {
	case RoleTriage, RolePlanning, RoleDevelopment, RoleQA, RoleOrchestrator:
		return true
	}
	return false
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

type ProjectStatus string

const (
	ProjectPlanning   ProjectStatus = "PLANNING"
	ProjectInProgress ProjectStatus = "IN_PROGRESS"
	ProjectCompleted  ProjectStatus = "COMPLETED"
	ProjectOnHold     ProjectStatus = "ON_HOLD"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectPlanning, ProjectInProgress, ProjectCompleted, ProjectOnHold:
		return true
	}
	return false
}

// WorkStatus is shared by work packages and tasks.
type WorkStatus string

const (
	StatusPlanned      WorkStatus = "PLANNED"
	StatusInProgress   WorkStatus = "IN_PROGRESS"
	StatusReadyForQA   WorkStatus = "READY_FOR_QA"
	StatusQAInProgress WorkStatus = "QA_IN_PROGRESS"
	StatusCompleted    WorkStatus = "COMPLETED"
	StatusFailed       WorkStatus = "FAILED"
)

func (s WorkStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusInProgress, StatusReadyForQA, StatusQAInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func ParseWorkStatus(s string) (WorkStatus, error) {
	st := WorkStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return st, nil
}

// Startable reports whether a task in this status may move to IN_PROGRESS.
func (s WorkStatus) Startable() bool {
	switch s {
	case StatusPlanned, StatusFailed:
		return true
	case StatusInProgress, StatusReadyForQA, StatusQAInProgress, StatusCompleted:
		return false
	}
	return false
}

// AwaitingQA reports whether the work is done from the developer's side:
// either finished or somewhere in the QA pipeline.
func (s WorkStatus) AwaitingQA() bool {
	switch s {
	case StatusReadyForQA, StatusQAInProgress, StatusCompleted:
		return true
	case StatusPlanned, StatusInProgress, StatusFailed:
		return false
	}
	return false
}
