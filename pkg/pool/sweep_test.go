package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSweepJammedAccountsRecoversStaleNonReadyAccounts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	queue := &stubQueue{}
	stale := fixedNow.Add(-time.Hour)
	cleaningID := store.addAccount(test, "111111111111", AccountStatusInCleaning, ReservationID{}, stale)
	dirtyID := store.addAccount(test, "222222222222", AccountStatusDirty, ReservationID{}, stale)
	freshID := store.addAccount(test, "333333333333", AccountStatusInCleaning, ReservationID{}, fixedNow.Add(-time.Minute))
	readyID := store.addAccount(test, "444444444444", AccountStatusReady, ReservationID{}, stale)
	sweeper := mustNewSweeper(test, store, queue)

	report, err := sweeper.SweepJammedAccounts(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 2 || len(report.Recovered) != 2 || report.Failed != 0 {
		test.Fatalf("unexpected report %+v", report)
	}
	for _, accountID := range []AccountID{cleaningID, dirtyID} {
		account := store.mustAccount(test, accountID)
		if account.Status != AccountStatusDirty || !account.UpdatedAt.Equal(fixedNow) {
			test.Fatalf("expected %s re-dirtied now, got %+v", accountID, account)
		}
	}
	if store.mustAccount(test, freshID).Status != AccountStatusInCleaning {
		test.Fatalf("expected fresh account untouched")
	}
	if store.mustAccount(test, readyID).Status != AccountStatusReady {
		test.Fatalf("expected ready account untouched")
	}
	if cleanups := queue.named(QueueCleanAccounts); len(cleanups) != 2 {
		test.Fatalf("expected two cleanup triggers, got %d", len(cleanups))
	}
}

func TestSweepJammedAccountsHonorsThreshold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addAccount(test, "111111111111", AccountStatusDirty, ReservationID{}, fixedNow.Add(-10*time.Minute))
	sweeper := mustNewSweeper(test, store, &stubQueue{}, WithJammedThreshold(5*time.Minute))

	report, err := sweeper.SweepJammedAccounts(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if len(report.Recovered) != 1 {
		test.Fatalf("expected recovery with short threshold, got %+v", report)
	}
}

func TestSweepJammedAccountsSkipsLostRace(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	queue := &stubQueue{}
	accountID := store.addAccount(test, "111111111111", AccountStatusInCleaning, ReservationID{}, fixedNow.Add(-time.Hour))
	store.beforeTransition = func(store *stubStore, transition AccountTransition) {
		account := store.accounts[transition.AccountID]
		account.Status = AccountStatusReady
		account.Version = "cleaned"
		store.accounts[account.ID] = account
	}
	logger := &recorderLogger{}
	sweeper := mustNewSweeper(test, store, queue, WithOperationLogger(logger))

	report, err := sweeper.SweepJammedAccounts(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if len(report.Recovered) != 0 || report.Failed != 0 {
		test.Fatalf("expected lost race to be skipped, got %+v", report)
	}
	if store.mustAccount(test, accountID).Status != AccountStatusReady {
		test.Fatalf("expected concurrent ready write to win")
	}
	if len(queue.items) != 0 {
		test.Fatalf("expected no cleanup trigger")
	}
	conflicts := 0
	for _, entry := range logger.withOperation(operationSweepJammed) {
		if entry.Status == OperationStatusConflict {
			conflicts++
		}
	}
	if conflicts != 1 {
		test.Fatalf("expected one conflict log entry, got %d", conflicts)
	}
}

func TestSweepJammedAccountsReportsListFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.listErr = errors.New("scan failed")
	sweeper := mustNewSweeper(test, store, &stubQueue{})
	if _, err := sweeper.SweepJammedAccounts(context.Background()); err == nil {
		test.Fatalf("expected list failure")
	}
}

func TestSweepOrphanedAccountsRecoversMissingReservations(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	queue := &stubQueue{}
	live := mustReservation(test, store, "live", 1, fixedNow)
	keptID := store.addAccount(test, "111111111111", AccountStatusReserved, live.ID, fixedNow)
	orphanID := store.addAccount(test, "222222222222", AccountStatusReserved, mustReservationID(test, "deleted"), fixedNow)
	unboundID := store.addAccount(test, "333333333333", AccountStatusReserved, ReservationID{}, fixedNow)
	sweeper := mustNewSweeper(test, store, queue)

	report, err := sweeper.SweepOrphanedAccounts(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 3 || len(report.Recovered) != 2 {
		test.Fatalf("unexpected report %+v", report)
	}
	if store.mustAccount(test, keptID).Status != AccountStatusReserved {
		test.Fatalf("expected live reservation kept")
	}
	for _, accountID := range []AccountID{orphanID, unboundID} {
		account := store.mustAccount(test, accountID)
		if account.Status != AccountStatusDirty || account.HasReservation() {
			test.Fatalf("expected %s dirty and unbound, got %+v", accountID, account)
		}
	}
	if len(store.events) != 2 {
		test.Fatalf("expected two status events, got %d", len(store.events))
	}
}

func TestSweepExpiredReservationsReleasesAndPrunes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	queue := &stubQueue{}
	expired := mustReservation(test, store, "expired", 1, fixedNow.Add(-time.Hour))
	current := mustReservation(test, store, "current", 1, fixedNow)
	expiredAccountID := store.addAccount(test, "111111111111", AccountStatusReserved, expired.ID, fixedNow.Add(-time.Hour))
	currentAccountID := store.addAccount(test, "222222222222", AccountStatusReserved, current.ID, fixedNow)
	store.events = []AccountEvent{
		{ID: "old", AccountID: expiredAccountID, ExpiresAt: fixedNow.Add(-time.Minute)},
		{ID: "new", AccountID: expiredAccountID, ExpiresAt: fixedNow.Add(time.Hour)},
	}
	sweeper := mustNewSweeper(test, store, queue)

	report, err := sweeper.SweepExpiredReservations(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 1 || len(report.Recovered) != 1 || report.Recovered[0] != expiredAccountID {
		test.Fatalf("unexpected report %+v", report)
	}
	if _, ok := store.reservations[expired.ID]; ok {
		test.Fatalf("expected expired reservation deleted")
	}
	if _, ok := store.reservations[current.ID]; !ok {
		test.Fatalf("expected current reservation kept")
	}
	if store.mustAccount(test, currentAccountID).Status != AccountStatusReserved {
		test.Fatalf("expected current account kept")
	}
	for _, event := range store.events {
		if event.ID == "old" {
			test.Fatalf("expected expired event pruned")
		}
	}
}

func TestNewSweeperRejectsMissingQueue(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	_, err := NewSweeper(store, store, nil, func() time.Time { return fixedNow })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
