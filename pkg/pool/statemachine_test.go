package pool

import (
	"errors"
	"testing"
	"time"
)

func TestValidateTransitionAllowsLifecycleOnly(test *testing.T) {
	test.Parallel()
	statuses := []AccountStatus{AccountStatusReady, AccountStatusReserved, AccountStatusDirty, AccountStatusInCleaning}
	allowed := map[[2]AccountStatus]bool{
		{AccountStatusReady, AccountStatusReserved}:   true,
		{AccountStatusReserved, AccountStatusDirty}:   true,
		{AccountStatusDirty, AccountStatusInCleaning}: true,
		{AccountStatusInCleaning, AccountStatusReady}: true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			err := ValidateTransition(from, to)
			if allowed[[2]AccountStatus{from, to}] {
				if err != nil {
					test.Fatalf("expected %s -> %s allowed, got %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				test.Fatalf("expected %s -> %s rejected, got %v", from, to, err)
			}
		}
	}
}

func TestValidateRecovery(test *testing.T) {
	test.Parallel()
	for _, status := range []AccountStatus{AccountStatusReserved, AccountStatusDirty, AccountStatusInCleaning} {
		if err := ValidateRecovery(status); err != nil {
			test.Fatalf("expected recovery from %s, got %v", status, err)
		}
	}
	if err := ValidateRecovery(AccountStatusReady); !errors.Is(err, ErrInvalidTransition) {
		test.Fatalf("expected ready to be rejected, got %v", err)
	}
	if err := ValidateRecovery(AccountStatus("bogus")); !errors.Is(err, ErrInvalidAccountStatus) {
		test.Fatalf("expected unknown status to be rejected, got %v", err)
	}
}

func TestPlanTransitionClearsReservationOutsideReserved(test *testing.T) {
	test.Parallel()
	reservationID := mustReservationID(test, "res-1")
	account := Account{
		ID:            mustAccountID(test, "111111111111"),
		Status:        AccountStatusReserved,
		ReservationID: reservationID,
		Version:       "v1",
		UpdatedAt:     fixedNow.Add(-time.Hour),
	}
	planned := planTransition(account, AccountStatusDirty, reservationID, "v2", fixedNow)
	if !planned.ReservationID.IsZero() {
		test.Fatalf("expected reservation cleared, got %s", planned.ReservationID)
	}
	if !planned.Matches(account) {
		test.Fatalf("expected plan to match its source account")
	}
	applied := planned.Apply(account)
	if applied.Status != AccountStatusDirty || applied.Version != "v2" || !applied.UpdatedAt.Equal(fixedNow) {
		test.Fatalf("unexpected applied account %+v", applied)
	}
	account.Version = "v9"
	if planned.Matches(account) {
		test.Fatalf("expected version mismatch")
	}
}
