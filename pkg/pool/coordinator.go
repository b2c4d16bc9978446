package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Coordinator hands out ready accounts to reservations.
// Mutual exclusion rests entirely on AccountStore.TransitionAccount; the coordinator keeps
// no state between invocations and any number of them may run concurrently.
type Coordinator struct {
	accounts     AccountStore
	reservations ReservationStore
	queue        Queue
	nowFn        func() time.Time
	settings     options
	releaser     releaser
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(accounts AccountStore, reservations ReservationStore, queue Queue, now func() time.Time, optionList ...Option) (*Coordinator, error) {
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
	return &Coordinator{
		accounts:     accounts,
		reservations: reservations,
		queue:        queue,
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

// RequestReservation stores a reservation and enqueues one attempt per requested account.
func (coordinator *Coordinator) RequestReservation(ctx context.Context, name string, accountCount int) (Reservation, error) {
	reservationID, err := NewReservationID(coordinator.settings.newID())
	if err != nil {
		return Reservation{}, err
	}
	reservation, err := NewReservation(reservationID, name, accountCount, coordinator.nowFn())
	if err != nil {
		return Reservation{}, err
	}
	operationError := coordinator.createAndEnqueue(ctx, reservation)
	coordinator.settings.logOperation(ctx, OperationLog{
		Operation:     operationRequestReservation,
		ReservationID: reservation.ID,
		Message:       fmt.Sprintf("%d accounts requested", reservation.AccountCount),
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

func (coordinator *Coordinator) createAndEnqueue(ctx context.Context, reservation Reservation) error {
	if err := coordinator.reservations.CreateReservation(ctx, reservation); err != nil {
		return err
	}
	for slot := 0; slot < reservation.AccountCount; slot++ {
		if err := EnqueueReserveAttempt(ctx, coordinator.queue, reservation.ID, 0); err != nil {
			// Attempts already enqueued become stale no-ops once the record is gone.
			if deleteErr := coordinator.reservations.DeleteReservation(ctx, reservation.ID); deleteErr != nil && !errors.Is(deleteErr, ErrUnknownReservation) {
				return errors.Join(err, deleteErr)
			}
			return err
		}
	}
	return nil
}

// ProcessAttempt grows the reservation by at most one account. It is safe to call again
// for the same message: stale, expired and satisfied reservations are discarded.
func (coordinator *Coordinator) ProcessAttempt(ctx context.Context, reservationID ReservationID) error {
	reservation, err := coordinator.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, ErrUnknownReservation) {
			coordinator.logAttempt(ctx, reservationID, OperationStatusDiscarded, "reservation not found", nil)
			return nil
		}
		coordinator.logAttempt(ctx, reservationID, "", "", err)
		return err
	}

	if reservation.ExpiredAt(coordinator.nowFn(), coordinator.settings.reservationTTL) {
		coordinator.logAttempt(ctx, reservationID, OperationStatusDiscarded, "reservation expired", nil)
		return coordinator.releaser.removeReservation(ctx, reservation, operationExpireReservation)
	}

	bound, err := coordinator.boundAccounts(ctx, reservation.ID)
	if err != nil {
		coordinator.logAttempt(ctx, reservationID, "", "", err)
		return err
	}
	if len(bound) >= reservation.AccountCount {
		coordinator.logAttempt(ctx, reservationID, OperationStatusDiscarded, fmt.Sprintf("all %d accounts reserved", reservation.AccountCount), nil)
		return nil
	}

	candidates, err := coordinator.accounts.ListAccountsByStatus(ctx, AccountStatusReady)
	if err != nil {
		coordinator.logAttempt(ctx, reservationID, "", "", err)
		return err
	}
	if len(candidates) == 0 {
		return coordinator.requeue(ctx, reservation.ID, "no ready accounts available")
	}

	account, reserved, err := coordinator.reserveOne(ctx, reservation, candidates)
	if err != nil {
		coordinator.logAttempt(ctx, reservationID, "", "", err)
		return err
	}
	if !reserved {
		return coordinator.requeue(ctx, reservation.ID, "every candidate was taken")
	}
	coordinator.logAttempt(ctx, reservationID, OperationStatusOK, fmt.Sprintf("%d of %d accounts reserved", len(bound)+1, reservation.AccountCount), nil)
	return coordinator.trimExcess(ctx, reservation, account)
}

// reserveOne tries random candidates until one conditional write wins or none are left.
// A lost race drops the candidate for this attempt.
func (coordinator *Coordinator) reserveOne(ctx context.Context, reservation Reservation, candidates []Account) (Account, bool, error) {
	remaining := append([]Account(nil), candidates...)
	for len(remaining) > 0 {
		index := coordinator.settings.intn(len(remaining))
		candidate := remaining[index]
		remaining[index] = remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]

		if err := ValidateTransition(candidate.Status, AccountStatusReserved); err != nil {
			continue
		}
		now := coordinator.nowFn()
		planned := planTransition(candidate, AccountStatusReserved, reservation.ID, coordinator.settings.newID(), now)
		updated, err := coordinator.accounts.TransitionAccount(ctx, planned)
		if err == nil {
			coordinator.settings.recordEvent(ctx, updated, "status changed to reserved", now)
			coordinator.settings.logOperation(ctx, OperationLog{
				Operation:     operationReserveAccount,
				AccountID:     updated.ID,
				ReservationID: reservation.ID,
			})
			return updated, true, nil
		}
		if !IsPreconditionFailed(err) && !errors.Is(err, ErrAccountNotFound) {
			return Account{}, false, err
		}
		coordinator.settings.logOperation(ctx, OperationLog{
			Operation:     operationReserveAccount,
			AccountID:     candidate.ID,
			ReservationID: reservation.ID,
			Status:        OperationStatusConflict,
		})
		if len(remaining) > 0 {
			if err := coordinator.pause(ctx); err != nil {
				return Account{}, false, err
			}
		}
	}
	return Account{}, false, nil
}

// trimExcess gives back the account just won when duplicate deliveries raced the
// reservation past its target. Reservation timestamps are stamped before the write
// commits, so they cannot order racing winners; the attempt that observes the
// excess always releases its own account. When racing attempts both release and
// leave the reservation short, another attempt is queued to refill it.
func (coordinator *Coordinator) trimExcess(ctx context.Context, reservation Reservation, won Account) error {
	bound, err := coordinator.boundAccounts(ctx, reservation.ID)
	if err != nil {
		return err
	}
	if len(bound) <= reservation.AccountCount {
		return nil
	}
	if _, err := coordinator.releaser.releaseAccount(ctx, won, reservation.ID, "reservation over-filled"); err != nil {
		return err
	}
	remaining, err := coordinator.boundAccounts(ctx, reservation.ID)
	if err != nil {
		return err
	}
	if len(remaining) < reservation.AccountCount {
		return coordinator.requeue(ctx, reservation.ID, "reservation short after over-fill release")
	}
	return nil
}

func (coordinator *Coordinator) boundAccounts(ctx context.Context, reservationID ReservationID) ([]Account, error) {
	accounts, err := coordinator.accounts.ListAccountsByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	bound := make([]Account, 0, len(accounts))
	for _, account := range accounts {
		if account.Status == AccountStatusReserved && account.ReservationID == reservationID {
			bound = append(bound, account)
		}
	}
	return bound, nil
}

func (coordinator *Coordinator) requeue(ctx context.Context, reservationID ReservationID, reason string) error {
	err := EnqueueReserveAttempt(ctx, coordinator.queue, reservationID, coordinator.settings.retryDelay)
	status := OperationStatusRequeued
	if err != nil {
		status = ""
	}
	coordinator.logAttempt(ctx, reservationID, status, reason, err)
	return err
}

func (coordinator *Coordinator) pause(ctx context.Context) error {
	jitter := coordinator.settings.attemptJitter
	if jitter <= 0 {
		return nil
	}
	delay := time.Duration(coordinator.settings.intn(int(jitter/time.Millisecond)+1)) * time.Millisecond
	return coordinator.settings.sleep(ctx, delay)
}

func (coordinator *Coordinator) logAttempt(ctx context.Context, reservationID ReservationID, status string, message string, err error) {
	coordinator.settings.logOperation(ctx, OperationLog{
		Operation:     operationProcessAttempt,
		ReservationID: reservationID,
		Status:        status,
		Message:       message,
		Error:         err,
	})
}

// GetReservationStatus reports the reservation, its bound accounts and, once ready,
// credentials for using them.
func (coordinator *Coordinator) GetReservationStatus(ctx context.Context, reservationID ReservationID) (ReservationStatus, error) {
	reservation, err := coordinator.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return ReservationStatus{}, err
	}
	bound, err := coordinator.boundAccounts(ctx, reservation.ID)
	if err != nil {
		return ReservationStatus{}, err
	}
	accountIDs := make([]AccountID, 0, len(bound))
	for _, account := range bound {
		accountIDs = append(accountIDs, account.ID)
	}
	sort.Slice(accountIDs, func(left, right int) bool {
		return accountIDs[left].String() < accountIDs[right].String()
	})
	status := ReservationStatus{
		Reservation: reservation,
		Ready:       len(bound) == reservation.AccountCount,
		Accounts:    accountIDs,
	}
	if status.Ready && coordinator.settings.credentials != nil {
		credentials, err := coordinator.settings.credentials.IssueCredentials(ctx, reservation, accountIDs)
		if err != nil {
			return ReservationStatus{}, err
		}
		status.Credentials = credentials
	}
	return status, nil
}

// RemoveReservation deletes the reservation and sends its accounts to cleanup.
func (coordinator *Coordinator) RemoveReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	reservation, err := coordinator.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		coordinator.settings.logOperation(ctx, OperationLog{
			Operation:     operationRemoveReservation,
			ReservationID: reservationID,
			Error:         err,
		})
		return Reservation{}, err
	}
	if err := coordinator.releaser.removeReservation(ctx, reservation, operationRemoveReservation); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// HandleReserveBatch is the reserve queue consumer.
func (coordinator *Coordinator) HandleReserveBatch(ctx context.Context, messages []Message) []string {
	return ProcessBatch(ctx, messages, func(ctx context.Context, message Message) error {
		reservationID, err := DecodeReserveAttempt(message.Body)
		if err != nil {
			coordinator.settings.logOperation(ctx, OperationLog{
				Operation: operationProcessAttempt,
				Message:   "message " + message.ID,
				Error:     err,
			})
			return err
		}
		return coordinator.ProcessAttempt(ctx, reservationID)
	})
}
