package cleanup

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// Outcome is the verdict of one CleanOne call.
type Outcome string

const (
	// OutcomeSuccess means the resource is gone.
	OutcomeSuccess Outcome = "success"
	// OutcomeRetry means a mutating step was taken and the resource must be refreshed and cleaned again.
	OutcomeRetry Outcome = "retry"
	// OutcomeError means the resource cannot be cleaned; the account run aborts.
	OutcomeError Outcome = "error"
)

// Resource is one cleanup candidate. Payload carries the provider's own representation.
type Resource struct {
	ID      string
	Payload any
}

// Result reports what CleanOne did to a resource.
type Result struct {
	ResourceID string
	Outcome    Outcome
	Message    string
}

// Descriptor names a cleaner and the resource types that must be fully cleaned before it runs.
// Global cleaners handle account-wide resources and run in the first region only.
type Descriptor struct {
	ResourceType string
	Depends      []string
	Global       bool
}

// Scope is the account and region a cleaner session works in.
type Scope struct {
	AccountID pool.AccountID
	Region    string
}

// Cleaner tears down every resource of one kind.
type Cleaner interface {
	Descriptor() Descriptor
	// Open binds the cleaner to an account and region, typically by building
	// provider clients with account-scoped credentials.
	Open(ctx context.Context, scope Scope) (Session, error)
}

// Session lists and cleans the resources of one kind inside a Scope.
type Session interface {
	// ListCandidates returns only resources owned by the account; false positives
	// must be excluded here.
	ListCandidates(ctx context.Context) ([]Resource, error)
	CleanOne(ctx context.Context, resource Resource) (Result, error)
}

// Refresher is implemented by sessions whose resources change as a side effect of a retry step.
// Refresh reports false when the resource no longer exists.
type Refresher interface {
	Refresh(ctx context.Context, resource Resource) (Resource, bool, error)
}

// NewDescriptor validates and normalizes a cleaner descriptor.
func NewDescriptor(resourceType string, depends ...string) (Descriptor, error) {
	trimmed := strings.TrimSpace(resourceType)
	if trimmed == "" {
		return Descriptor{}, fmt.Errorf("%w: empty resource type", ErrInvalidDescriptor)
	}
	normalized := make([]string, 0, len(depends))
	seen := make(map[string]struct{}, len(depends))
	for _, dependency := range depends {
		dependency = strings.TrimSpace(dependency)
		if dependency == "" {
			return Descriptor{}, fmt.Errorf("%w: empty dependency of %s", ErrInvalidDescriptor, trimmed)
		}
		if _, duplicate := seen[dependency]; duplicate {
			continue
		}
		seen[dependency] = struct{}{}
		normalized = append(normalized, dependency)
	}
	return Descriptor{ResourceType: trimmed, Depends: normalized}, nil
}

// AccountWide returns a copy of descriptor marked Global.
func (descriptor Descriptor) AccountWide() Descriptor {
	descriptor.Global = true
	return descriptor
}

// Success builds a successful Result.
func Success(resourceID string) Result {
	return Result{ResourceID: resourceID, Outcome: OutcomeSuccess}
}

// Retry builds a Result asking the driver to refresh and clean again.
func Retry(resourceID string, message string) Result {
	return Result{ResourceID: resourceID, Outcome: OutcomeRetry, Message: message}
}

// Failure builds a Result that aborts the account run.
func Failure(resourceID string, message string) Result {
	return Result{ResourceID: resourceID, Outcome: OutcomeError, Message: message}
}
