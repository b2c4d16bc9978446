package cleanup

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// Driver runs one cleaner against an account: regions in parallel, resources
// within a region one after another.
type Driver struct {
	regions  []string
	settings options
}

// NewDriver builds a Driver for the configured regions.
func NewDriver(regions []string, optionList ...Option) (*Driver, error) {
	normalized := make([]string, 0, len(regions))
	seen := make(map[string]struct{}, len(regions))
	for _, region := range regions {
		region = strings.TrimSpace(region)
		if region == "" {
			continue
		}
		if _, duplicate := seen[region]; duplicate {
			continue
		}
		seen[region] = struct{}{}
		normalized = append(normalized, region)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: no regions configured", ErrInvalidConfig)
	}
	return &Driver{regions: normalized, settings: applyOptions(optionList)}, nil
}

// Regions returns the regions every cleaner fans out to.
func (driver *Driver) Regions() []string {
	return append([]string(nil), driver.regions...)
}

// RunCleaner cleans every candidate of cleaner in every region, or in the first
// region for a global cleaner. The first failing region cancels the others.
func (driver *Driver) RunCleaner(ctx context.Context, accountID pool.AccountID, cleaner Cleaner) error {
	descriptor := cleaner.Descriptor()
	resourceType := descriptor.ResourceType
	regions := driver.regions
	if descriptor.Global {
		regions = regions[:1]
	}
	ctx, span := driver.settings.tracer.Start(ctx, "cleanup.cleaner", trace.WithAttributes(
		attribute.String("envpool.account_id", accountID.String()),
		attribute.String("envpool.resource_type", resourceType),
	))
	defer span.End()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, region := range regions {
		scope := Scope{AccountID: accountID, Region: region}
		group.Go(func() error {
			return driver.cleanRegion(groupCtx, scope, cleaner, resourceType)
		})
	}
	err := group.Wait()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	driver.settings.log(ctx, OperationLog{
		Operation:    operationRunCleaner,
		AccountID:    accountID,
		ResourceType: resourceType,
		Error:        err,
	})
	return err
}

func (driver *Driver) cleanRegion(ctx context.Context, scope Scope, cleaner Cleaner, resourceType string) error {
	session, err := cleaner.Open(ctx, scope)
	if err != nil {
		return ResourceError{ResourceType: resourceType, Region: scope.Region, Err: err}
	}
	candidates, err := session.ListCandidates(ctx)
	if err != nil {
		return ResourceError{ResourceType: resourceType, Region: scope.Region, Err: err}
	}
	for _, candidate := range candidates {
		if err := driver.cleanResource(ctx, scope, session, resourceType, candidate); err != nil {
			return err
		}
	}
	return nil
}

// cleanResource is the per-resource loop: success ends it, error aborts, retry
// pauses, refreshes and goes again. A resource that disappears counts as cleaned.
func (driver *Driver) cleanResource(ctx context.Context, scope Scope, session Session, resourceType string, resource Resource) error {
	fail := func(err error) error {
		driver.settings.log(ctx, OperationLog{
			Operation:    operationCleanResource,
			AccountID:    scope.AccountID,
			ResourceType: resourceType,
			Region:       scope.Region,
			ResourceID:   resource.ID,
			Error:        err,
		})
		return ResourceError{ResourceType: resourceType, Region: scope.Region, ResourceID: resource.ID, Err: err}
	}

	current := resource
	for attempt := 1; ; attempt++ {
		result, err := session.CleanOne(ctx, current)
		if err != nil {
			return fail(err)
		}
		switch result.Outcome {
		case OutcomeSuccess:
			driver.settings.log(ctx, OperationLog{
				Operation:    operationCleanResource,
				AccountID:    scope.AccountID,
				ResourceType: resourceType,
				Region:       scope.Region,
				ResourceID:   current.ID,
				Message:      result.Message,
			})
			return nil
		case OutcomeError:
			return fail(fmt.Errorf("%w: %s", ErrCleanerFailed, result.Message))
		case OutcomeRetry:
		default:
			return fail(fmt.Errorf("%w: %q", ErrUnsupportedOutcome, result.Outcome))
		}

		if driver.settings.maxAttempts > 0 && attempt >= driver.settings.maxAttempts {
			return fail(fmt.Errorf("%w after %d attempts", ErrRetryLimitReached, attempt))
		}
		driver.settings.log(ctx, OperationLog{
			Operation:    operationCleanResource,
			AccountID:    scope.AccountID,
			ResourceType: resourceType,
			Region:       scope.Region,
			ResourceID:   current.ID,
			Status:       pool.OperationStatusRequeued,
			Message:      result.Message,
		})
		if err := driver.settings.sleep(ctx, driver.settings.retryDelay); err != nil {
			return fail(err)
		}
		refreshed, present, err := refresh(ctx, session, current)
		if err != nil {
			return fail(err)
		}
		if !present {
			return nil
		}
		current = refreshed
	}
}

func refresh(ctx context.Context, session Session, resource Resource) (Resource, bool, error) {
	refresher, ok := session.(Refresher)
	if !ok {
		return resource, true, nil
	}
	return refresher.Refresh(ctx, resource)
}
