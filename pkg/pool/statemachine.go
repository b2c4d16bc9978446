package pool

import (
	"fmt"
	"time"
)

// forward lists the only transitions allowed outside of recovery.
var forward = map[AccountStatus]AccountStatus{
	AccountStatusReady:      AccountStatusReserved,
	AccountStatusReserved:   AccountStatusDirty,
	AccountStatusDirty:      AccountStatusInCleaning,
	AccountStatusInCleaning: AccountStatusReady,
}

// ValidateTransition checks a regular lifecycle step.
func ValidateTransition(from AccountStatus, to AccountStatus) error {
	next, ok := forward[from]
	if !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateRecovery checks a forced move back to dirty, used by release and the sweeps.
// Any non-ready account may be forced to dirty.
func ValidateRecovery(from AccountStatus) error {
	if from == AccountStatusReady {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, AccountStatusDirty)
	}
	if _, err := ParseAccountStatus(from.String()); err != nil {
		return err
	}
	return nil
}

// PlanTransition validates a regular lifecycle step and builds its conditional write.
func PlanTransition(account Account, next AccountStatus, reservationID ReservationID, version string, now time.Time) (AccountTransition, error) {
	if err := ValidateTransition(account.Status, next); err != nil {
		return AccountTransition{}, err
	}
	return planTransition(account, next, reservationID, version, now), nil
}

// planTransition builds the conditional write that moves account to next.
// The reservation reference is kept only for the reserved status.
func planTransition(account Account, next AccountStatus, reservationID ReservationID, version string, now time.Time) AccountTransition {
	if next != AccountStatusReserved {
		reservationID = ReservationID{}
	}
	return AccountTransition{
		AccountID:       account.ID,
		ExpectedStatus:  account.Status,
		ExpectedVersion: account.Version,
		NextStatus:      next,
		ReservationID:   reservationID,
		NextVersion:     version,
		UpdatedAt:       now.UTC(),
	}
}

// Apply returns the account as it looks after the transition commits.
func (transition AccountTransition) Apply(account Account) Account {
	account.Status = transition.NextStatus
	account.ReservationID = transition.ReservationID
	account.Version = transition.NextVersion
	account.UpdatedAt = transition.UpdatedAt
	return account
}

// Matches reports whether account satisfies the transition precondition.
func (transition AccountTransition) Matches(account Account) bool {
	return account.Status == transition.ExpectedStatus && account.Version == transition.ExpectedVersion
}
