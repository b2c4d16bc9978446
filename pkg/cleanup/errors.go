package cleanup

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDescriptor  = errors.New("invalid cleaner descriptor")
	ErrInvalidConfig      = errors.New("invalid cleanup config")
	ErrCleanerFailed      = errors.New("cleaner failed")
	ErrUnsupportedOutcome = errors.New("unsupported cleaner outcome")
	ErrRetryLimitReached  = errors.New("cleaner retry limit reached")
)

// DuplicateCleanerError means two cleaners claim the same resource type.
type DuplicateCleanerError struct {
	ResourceType string
}

func (e DuplicateCleanerError) Error() string {
	return fmt.Sprintf("duplicate cleaner: %s", e.ResourceType)
}

// DependencyNotFoundError means a cleaner depends on a resource type nobody cleans.
type DependencyNotFoundError struct {
	From string
	To   string
}

func (e DependencyNotFoundError) Error() string {
	return fmt.Sprintf("cleaner dependency not found: %s -> %s", e.From, e.To)
}

// CycleDetectedError means the depends relation is not acyclic.
type CycleDetectedError struct {
	Path []string
}

func (e CycleDetectedError) Error() string {
	if len(e.Path) == 0 {
		return "cleaner dependency cycle detected"
	}
	return "cleaner dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// ResourceError ties a cleaning failure to the resource that caused it.
type ResourceError struct {
	ResourceType string
	Region       string
	ResourceID   string
	Err          error
}

func (e ResourceError) Error() string {
	return fmt.Sprintf("%s %s in %s: %v", e.ResourceType, e.ResourceID, e.Region, e.Err)
}

func (e ResourceError) Unwrap() error {
	return e.Err
}
