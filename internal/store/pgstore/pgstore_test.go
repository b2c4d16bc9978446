package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const testDatabaseURLEnv = "ENVPOOL_TEST_DATABASE_URL"

func newIntegrationStore(test *testing.T) *Store {
	test.Helper()
	databaseURL := os.Getenv(testDatabaseURLEnv)
	if databaseURL == "" {
		test.Skipf("%s is not set", testDatabaseURLEnv)
	}
	ctx := context.Background()
	connectionPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		test.Fatalf("pgxpool: %v", err)
	}
	test.Cleanup(connectionPool.Close)
	store := New(connectionPool)
	if err := store.Migrate(ctx); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func TestIsReservationConflict(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "plain", err: errors.New("boom"), expected: false},
		{name: "other constraint", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "pool_accounts_pkey"}, expected: false},
		{name: "reservation primary key", err: fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintReservationPrimary}), expected: true},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if actual := isReservationConflict(testCase.err); actual != testCase.expected {
				test.Fatalf("expected %v, got %v", testCase.expected, actual)
			}
		})
	}
}

func TestTransitionAccountAgainstPostgres(test *testing.T) {
	store := newIntegrationStore(test)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	accountID, err := pool.NewAccountID("it-" + uuid.NewString())
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if err := store.PutAccount(ctx, pool.Account{ID: accountID, Status: pool.AccountStatusReady, Version: "v1", UpdatedAt: now}); err != nil {
		test.Fatalf("put: %v", err)
	}
	reservationID, err := pool.NewReservationID(uuid.NewString())
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	reservation, err := pool.NewReservation(reservationID, "integration", 1, now)
	if err != nil {
		test.Fatalf("reservation: %v", err)
	}
	if err := store.CreateReservation(ctx, reservation); err != nil {
		test.Fatalf("create reservation: %v", err)
	}
	test.Cleanup(func() { _ = store.DeleteReservation(context.Background(), reservationID) })
	if err := store.CreateReservation(ctx, reservation); !errors.Is(err, pool.ErrReservationExists) {
		test.Fatalf("expected ErrReservationExists, got %v", err)
	}

	transition := pool.AccountTransition{
		AccountID:       accountID,
		ExpectedStatus:  pool.AccountStatusReady,
		ExpectedVersion: "v1",
		NextStatus:      pool.AccountStatusReserved,
		ReservationID:   reservationID,
		NextVersion:     "v2",
		UpdatedAt:       now,
	}
	updated, err := store.TransitionAccount(ctx, transition)
	if err != nil {
		test.Fatalf("transition: %v", err)
	}
	if updated.ReservationID != reservationID || updated.Version != "v2" {
		test.Fatalf("unexpected account %+v", updated)
	}
	if _, err := store.TransitionAccount(ctx, transition); !errors.Is(err, pool.ErrPreconditionFailed) {
		test.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	bound, err := store.ListAccountsByReservation(ctx, reservationID)
	if err != nil || len(bound) != 1 {
		test.Fatalf("expected one bound account, got %d: %v", len(bound), err)
	}
}

func TestCreateAccountAgainstPostgres(test *testing.T) {
	store := newIntegrationStore(test)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	accountID, err := pool.NewAccountID("it-" + uuid.NewString())
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if err := store.CreateAccount(ctx, pool.Account{ID: accountID, Status: pool.AccountStatusReserved, Version: "v1", UpdatedAt: now}); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateAccount(ctx, pool.Account{ID: accountID, Status: pool.AccountStatusReady, Version: "v2", UpdatedAt: now}); !errors.Is(err, pool.ErrAccountExists) {
		test.Fatalf("expected ErrAccountExists, got %v", err)
	}
	stored, err := store.GetAccount(ctx, accountID)
	if err != nil || stored.Status != pool.AccountStatusReserved || stored.Version != "v1" {
		test.Fatalf("expected original record, got %+v: %v", stored, err)
	}
}
