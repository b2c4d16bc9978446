package pool

import (
	"context"
	"errors"
	"time"
)

const maxReleaseConflicts = 3

// releaser moves accounts back to dirty and triggers their cleanup.
// Coordinator and Sweeper share it so every path into cleanup looks the same.
type releaser struct {
	accounts     AccountStore
	reservations ReservationStore
	queue        Queue
	nowFn        func() time.Time
	settings     options
}

// removeReservation deletes the reservation and releases every account bound to it.
func (releaser releaser) removeReservation(ctx context.Context, reservation Reservation, operation string) error {
	err := releaser.reservations.DeleteReservation(ctx, reservation.ID)
	if err != nil && !errors.Is(err, ErrUnknownReservation) {
		releaser.settings.logOperation(ctx, OperationLog{
			Operation:     operation,
			ReservationID: reservation.ID,
			Error:         err,
		})
		return err
	}
	_, releaseErr := releaser.releaseReservationAccounts(ctx, reservation.ID, operation)
	releaser.settings.logOperation(ctx, OperationLog{
		Operation:     operation,
		ReservationID: reservation.ID,
		Error:         releaseErr,
	})
	return releaseErr
}

// releaseReservationAccounts marks every reserved account of reservationID dirty.
// It keeps going past individual failures; the orphan sweep picks up what is left.
func (releaser releaser) releaseReservationAccounts(ctx context.Context, reservationID ReservationID, reason string) ([]AccountID, error) {
	accounts, err := releaser.accounts.ListAccountsByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	released := make([]AccountID, 0, len(accounts))
	var errs []error
	for _, account := range accounts {
		if account.Status != AccountStatusReserved {
			continue
		}
		ok, releaseErr := releaser.releaseAccount(ctx, account, reservationID, reason)
		if releaseErr != nil {
			errs = append(errs, releaseErr)
			continue
		}
		if ok {
			released = append(released, account.ID)
		}
	}
	return released, errors.Join(errs...)
}

// releaseAccount moves a reserved account of reservationID to dirty and enqueues its cleanup.
// It returns false when the account no longer belongs to the reservation.
func (releaser releaser) releaseAccount(ctx context.Context, account Account, reservationID ReservationID, reason string) (bool, error) {
	current := account
	for conflicts := 0; ; conflicts++ {
		if current.Status != AccountStatusReserved || current.ReservationID != reservationID {
			return false, nil
		}
		if err := ValidateTransition(current.Status, AccountStatusDirty); err != nil {
			return false, err
		}
		updated, err := releaser.transition(ctx, current, reason)
		if err == nil {
			return true, releaser.triggerCleanup(ctx, updated, operationReleaseAccount)
		}
		if errors.Is(err, ErrAccountNotFound) {
			return false, nil
		}
		if !IsPreconditionFailed(err) || conflicts >= maxReleaseConflicts {
			return false, err
		}
		current, err = releaser.accounts.GetAccount(ctx, account.ID)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return false, nil
			}
			return false, err
		}
	}
}

// forceDirty is the recovery path: any non-ready account observed by a sweep is moved to
// dirty with a conditional write and re-triggered. A lost race means someone else already
// moved the account, so it is skipped.
func (releaser releaser) forceDirty(ctx context.Context, account Account, operation string, reason string) (bool, error) {
	if err := ValidateRecovery(account.Status); err != nil {
		return false, err
	}
	updated, err := releaser.transition(ctx, account, reason)
	if err != nil {
		if IsPreconditionFailed(err) || errors.Is(err, ErrAccountNotFound) {
			releaser.settings.logOperation(ctx, OperationLog{
				Operation: operation,
				AccountID: account.ID,
				Status:    OperationStatusConflict,
				Message:   reason,
			})
			return false, nil
		}
		releaser.settings.logOperation(ctx, OperationLog{
			Operation: operation,
			AccountID: account.ID,
			Message:   reason,
			Error:     err,
		})
		return false, err
	}
	return true, releaser.triggerCleanup(ctx, updated, operation)
}

func (releaser releaser) transition(ctx context.Context, account Account, reason string) (Account, error) {
	now := releaser.nowFn()
	planned := planTransition(account, AccountStatusDirty, ReservationID{}, releaser.settings.newID(), now)
	updated, err := releaser.accounts.TransitionAccount(ctx, planned)
	if err != nil {
		return Account{}, err
	}
	releaser.settings.recordEvent(ctx, updated, "status changed to dirty: "+reason, now)
	return updated, nil
}

func (releaser releaser) triggerCleanup(ctx context.Context, account Account, operation string) error {
	err := EnqueueCleanup(ctx, releaser.queue, account.ID)
	releaser.settings.logOperation(ctx, OperationLog{
		Operation: operation,
		AccountID: account.ID,
		Message:   "cleanup triggered",
		Error:     err,
	})
	return err
}
