package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// Orchestrator resets a dirty account by running every registered cleaner in order.
type Orchestrator struct {
	accounts pool.AccountStore
	registry *Registry
	driver   *Driver
	nowFn    func() time.Time
	settings options
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(accounts pool.AccountStore, registry *Registry, driver *Driver, now func() time.Time, optionList ...Option) (*Orchestrator, error) {
	if accounts == nil {
		return nil, fmt.Errorf("%w: account store dependency is nil", ErrInvalidConfig)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: registry dependency is nil", ErrInvalidConfig)
	}
	if driver == nil {
		return nil, fmt.Errorf("%w: driver dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	return &Orchestrator{
		accounts: accounts,
		registry: registry,
		driver:   driver,
		nowFn:    now,
		settings: applyOptions(optionList),
	}, nil
}

// CleanAccount moves a dirty account through in-cleaning to ready. Missing and ready
// accounts succeed trivially; reserved or in-cleaning accounts are left to their owner.
// A failing cleaner aborts the run and leaves the account in-cleaning for the jammed sweep.
func (orchestrator *Orchestrator) CleanAccount(ctx context.Context, accountID pool.AccountID) (err error) {
	ctx, span := orchestrator.settings.tracer.Start(ctx, "cleanup.account", trace.WithAttributes(
		attribute.String("envpool.account_id", accountID.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	account, err := orchestrator.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, pool.ErrAccountNotFound) {
			orchestrator.logSkip(ctx, accountID, "account not found")
			return nil
		}
		orchestrator.settings.log(ctx, OperationLog{Operation: operationCleanAccount, AccountID: accountID, Error: err})
		return err
	}
	switch account.Status {
	case pool.AccountStatusReady:
		orchestrator.logSkip(ctx, accountID, "account already ready")
		return nil
	case pool.AccountStatusReserved, pool.AccountStatusInCleaning:
		orchestrator.logSkip(ctx, accountID, "account is "+account.Status.String())
		return nil
	}

	cleaning, won, err := orchestrator.transition(ctx, account, pool.AccountStatusInCleaning, "cleanup started")
	if err != nil || !won {
		return err
	}

	for _, cleaner := range orchestrator.registry.Cleaners() {
		if err := orchestrator.driver.RunCleaner(ctx, accountID, cleaner); err != nil {
			orchestrator.settings.log(ctx, OperationLog{
				Operation:    operationCleanAccount,
				AccountID:    accountID,
				ResourceType: cleaner.Descriptor().ResourceType,
				Error:        err,
			})
			return err
		}
	}

	if _, _, err := orchestrator.transition(ctx, cleaning, pool.AccountStatusReady, "cleanup finished"); err != nil {
		return err
	}
	orchestrator.settings.log(ctx, OperationLog{
		Operation: operationCleanAccount,
		AccountID: accountID,
		Message:   fmt.Sprintf("%d cleaners completed", orchestrator.registry.Len()),
	})
	return nil
}

// transition applies a conditional status change; a lost race is reported as not won.
func (orchestrator *Orchestrator) transition(ctx context.Context, account pool.Account, next pool.AccountStatus, message string) (pool.Account, bool, error) {
	now := orchestrator.nowFn()
	planned, err := pool.PlanTransition(account, next, pool.ReservationID{}, orchestrator.settings.newID(), now)
	if err != nil {
		return pool.Account{}, false, err
	}
	updated, err := orchestrator.accounts.TransitionAccount(ctx, planned)
	if err != nil {
		if pool.IsPreconditionFailed(err) || errors.Is(err, pool.ErrAccountNotFound) {
			orchestrator.settings.log(ctx, OperationLog{
				Operation: operationCleanAccount,
				AccountID: account.ID,
				Status:    pool.OperationStatusConflict,
				Message:   fmt.Sprintf("lost race moving %s to %s", account.Status, next),
			})
			return pool.Account{}, false, nil
		}
		orchestrator.settings.log(ctx, OperationLog{Operation: operationCleanAccount, AccountID: account.ID, Error: err})
		return pool.Account{}, false, err
	}
	orchestrator.settings.recordEvent(ctx, updated, message, now)
	return updated, true, nil
}

func (orchestrator *Orchestrator) logSkip(ctx context.Context, accountID pool.AccountID, message string) {
	orchestrator.settings.log(ctx, OperationLog{
		Operation: operationCleanAccount,
		AccountID: accountID,
		Status:    pool.OperationStatusDiscarded,
		Message:   message,
	})
}

// HandleCleanBatch is the clean queue consumer.
func (orchestrator *Orchestrator) HandleCleanBatch(ctx context.Context, messages []pool.Message) []string {
	return pool.ProcessBatch(ctx, messages, func(ctx context.Context, message pool.Message) error {
		accountID, err := pool.DecodeCleanup(message.Body)
		if err != nil {
			orchestrator.settings.log(ctx, OperationLog{
				Operation: operationCleanAccount,
				Message:   "message " + message.ID,
				Error:     err,
			})
			return err
		}
		return orchestrator.CleanAccount(ctx, accountID)
	})
}
