package engine

import (
	"errors"
	"fmt"
	"strings"

	"devflow/internal/repo"
	"devflow/internal/statelog"
)

var (
	ErrNotFound          = repo.ErrNotFound
	ErrAlreadyExists     = repo.ErrAlreadyExists
	ErrNoStateFound      = statelog.ErrNoStateFound
	ErrNoCheckpointFound = statelog.ErrNoCheckpointFound

	// ErrInvalidTransition marks business-rule violations: an entity is not in
	// a status (or role) that allows the requested move.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidRole       = errors.New("invalid role")
	ErrDependencyCycle   = fmt.Errorf("dependency cycle: %w", ErrInvalidTransition)
	ErrEmptyWorkPackage  = errors.New("work package has no tasks")
	ErrValidation        = errors.New("validation failed")
)

// UnsatisfiedDependencyError is returned when a task is started before all of
// its dependencies are COMPLETED. Dangling references are listed too.
type UnsatisfiedDependencyError struct {
	TaskID     string
	Incomplete []string
}

func (e *UnsatisfiedDependencyError) Error() string {
	return fmt.Sprintf("task %s has incomplete dependencies: %s", e.TaskID, strings.Join(e.Incomplete, ", "))
}

func notFound(kind, ref string) error {
	return fmt.Errorf("%s %s: %w", kind, ref, repo.ErrNotFound)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transitionErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// wrapNotFound annotates a repo miss with the entity it was looking for.
func wrapNotFound(err error, kind, ref string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(kind, ref)
	}
	return err
}

// Code returns a stable machine readable code for err, shared by the HTTP
// and RPC surfaces.
func Code(err error) string {
	var unsatisfied *UnsatisfiedDependencyError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unsatisfied):
		return "unsatisfied_dependency"
	case errors.Is(err, ErrDependencyCycle):
		return "dependency_cycle"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrEmptyWorkPackage):
		return "empty_work_package"
	case errors.Is(err, statelog.ErrConcurrentAppend):
		return "concurrent_append"
	case errors.Is(err, ErrNoStateFound):
		return "no_state_found"
	case errors.Is(err, ErrNoCheckpointFound):
		return "no_checkpoint_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidRole):
		return "invalid_role"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	default:
		return "internal_error"
	}
}

// Details returns structured context for err, or nil.
func Details(err error) map[string]any {
	var unsatisfied *UnsatisfiedDependencyError
	if errors.As(err, &unsatisfied) {
		return map[string]any{
			"task_id":    unsatisfied.TaskID,
			"incomplete": unsatisfied.Incomplete,
		}
	}
	return nil
}
