package pool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Scanned   int
	Recovered []AccountID
	Failed    int
}

// Sweeper recovers accounts whose lifecycle stalled: jammed, orphaned or held by an
// expired reservation.
type Sweeper struct {
	accounts     AccountStore
	reservations ReservationStore
	nowFn        func() time.Time
	settings     options
	releaser     releaser
}

// NewSweeper wires a Sweeper.
func NewSweeper(accounts AccountStore, reservations ReservationStore, queue Queue, now func() time.Time, optionList ...Option) (*Sweeper, error) {
	if accounts == nil {
		return nil, fmt.Errorf("%w: account store dependency is nil", ErrInvalidServiceConfig)
	}
	if reservations == nil {
		return nil, fmt.Errorf("%w: reservation store dependency is nil", ErrInvalidServiceConfig)
	}
	if queue == nil {
		return nil, fmt.Errorf("%w: queue dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	settings := applyOptions(optionList)
	return &Sweeper{
		accounts:     accounts,
		reservations: reservations,
		nowFn:        now,
		settings:     settings,
		releaser: releaser{
			accounts:     accounts,
			reservations: reservations,
			queue:        queue,
			nowFn:        now,
			settings:     settings,
		},
	}, nil
}

// SweepJammedAccounts forces every non-ready account untouched for longer than the
// jammed threshold back to dirty and re-triggers its cleanup.
func (sweeper *Sweeper) SweepJammedAccounts(ctx context.Context) (SweepReport, error) {
	accounts, err := sweeper.accounts.ListAccounts(ctx)
	if err != nil {
		sweeper.settings.logOperation(ctx, OperationLog{Operation: operationSweepJammed, Error: err})
		return SweepReport{}, err
	}
	cutoff := sweeper.nowFn().Add(-sweeper.settings.jammedThreshold)
	report := SweepReport{Recovered: make([]AccountID, 0)}
	var errs []error
	for _, account := range accounts {
		if account.Status == AccountStatusReady || !account.UpdatedAt.Before(cutoff) {
			continue
		}
		report.Scanned++
		reason := fmt.Sprintf("jammed in %s since %s", account.Status, account.UpdatedAt.UTC().Format(time.RFC3339))
		recovered, err := sweeper.releaser.forceDirty(ctx, account, operationSweepJammed, reason)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		if recovered {
			report.Recovered = append(report.Recovered, account.ID)
		}
	}
	sweeper.logReport(ctx, operationSweepJammed, report)
	return report, errors.Join(errs...)
}

// SweepOrphanedAccounts forces reserved accounts whose reservation is missing back to dirty.
func (sweeper *Sweeper) SweepOrphanedAccounts(ctx context.Context) (SweepReport, error) {
	accounts, err := sweeper.accounts.ListAccountsByStatus(ctx, AccountStatusReserved)
	if err != nil {
		sweeper.settings.logOperation(ctx, OperationLog{Operation: operationSweepOrphaned, Error: err})
		return SweepReport{}, err
	}
	report := SweepReport{Recovered: make([]AccountID, 0)}
	var errs []error
	for _, account := range accounts {
		report.Scanned++
		orphaned, err := sweeper.isOrphaned(ctx, account)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		if !orphaned {
			continue
		}
		recovered, err := sweeper.releaser.forceDirty(ctx, account, operationSweepOrphaned, "reservation no longer exists")
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		if recovered {
			report.Recovered = append(report.Recovered, account.ID)
		}
	}
	sweeper.logReport(ctx, operationSweepOrphaned, report)
	return report, errors.Join(errs...)
}

func (sweeper *Sweeper) isOrphaned(ctx context.Context, account Account) (bool, error) {
	if !account.HasReservation() {
		return true, nil
	}
	_, err := sweeper.reservations.GetReservation(ctx, account.ReservationID)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, ErrUnknownReservation) {
		return true, nil
	}
	return false, err
}

// SweepExpiredReservations removes reservations past their TTL, releasing their accounts,
// and prunes expired account events.
func (sweeper *Sweeper) SweepExpiredReservations(ctx context.Context) (SweepReport, error) {
	reservations, err := sweeper.reservations.ListReservations(ctx)
	if err != nil {
		sweeper.settings.logOperation(ctx, OperationLog{Operation: operationSweepExpired, Error: err})
		return SweepReport{}, err
	}
	now := sweeper.nowFn()
	report := SweepReport{Recovered: make([]AccountID, 0)}
	var errs []error
	for _, reservation := range reservations {
		if !reservation.ExpiredAt(now, sweeper.settings.reservationTTL) {
			continue
		}
		report.Scanned++
		if err := sweeper.reservations.DeleteReservation(ctx, reservation.ID); err != nil && !errors.Is(err, ErrUnknownReservation) {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		released, err := sweeper.releaser.releaseReservationAccounts(ctx, reservation.ID, "reservation expired")
		report.Recovered = append(report.Recovered, released...)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
		}
		sweeper.settings.logOperation(ctx, OperationLog{
			Operation:     operationExpireReservation,
			ReservationID: reservation.ID,
			Message:       fmt.Sprintf("%d accounts released", len(released)),
			Error:         err,
		})
	}
	if sweeper.settings.events != nil {
		pruned, err := sweeper.settings.events.PruneEvents(ctx, now)
		if err != nil {
			errs = append(errs, err)
		}
		sweeper.settings.logOperation(ctx, OperationLog{
			Operation: operationSweepExpired,
			Message:   fmt.Sprintf("%d events pruned", pruned),
			Error:     err,
		})
	}
	sweeper.logReport(ctx, operationSweepExpired, report)
	return report, errors.Join(errs...)
}

func (sweeper *Sweeper) logReport(ctx context.Context, operation string, report SweepReport) {
	sweeper.settings.logOperation(ctx, OperationLog{
		Operation: operation,
		Message:   fmt.Sprintf("scanned=%d recovered=%d failed=%d", report.Scanned, len(report.Recovered), report.Failed),
	})
}
