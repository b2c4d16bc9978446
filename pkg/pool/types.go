package pool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AccountID identifies a pooled environment account.
type AccountID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// AccountStatus is the account lifecycle state.
type AccountStatus string

const (
	AccountStatusReady      AccountStatus = "ready"
	AccountStatusReserved   AccountStatus = "reserved"
	AccountStatusDirty      AccountStatus = "dirty"
	AccountStatusInCleaning AccountStatus = "in-cleaning"
)

// Account is a stored account record.
type Account struct {
	ID            AccountID
	Status        AccountStatus
	ReservationID ReservationID
	Version       string
	UpdatedAt     time.Time
}

// HasReservation reports whether the account points at a reservation.
func (account Account) HasReservation() bool {
	return !account.ReservationID.IsZero()
}

// Reservation is a claim on a number of accounts.
type Reservation struct {
	ID           ReservationID
	Name         string
	AccountCount int
	Timestamp    time.Time
}

// ExpiredAt reports whether the reservation is older than ttl at now.
func (reservation Reservation) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(reservation.Timestamp) > ttl
}

// ReservationStatus is the externally visible view of a reservation.
type ReservationStatus struct {
	Reservation Reservation
	Ready       bool
	Accounts    []AccountID
	Credentials *Credentials
}

// Credentials are short-lived provider credentials handed to a reservation holder.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// AccountEvent is one entry of the account status-change log.
type AccountEvent struct {
	ID        string
	AccountID AccountID
	Status    AccountStatus
	Message   string
	Details   map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AccountTransition describes one conditional account write.
// The write commits only if the stored status and version still equal
// ExpectedStatus and ExpectedVersion.
type AccountTransition struct {
	AccountID       AccountID
	ExpectedStatus  AccountStatus
	ExpectedVersion string
	NextStatus      AccountStatus
	ReservationID   ReservationID
	NextVersion     string
	UpdatedAt       time.Time
}

// AccountStore is the persistence contract for account records.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// CreateAccount inserts a new account and fails with ErrAccountExists when the
	// id is already registered. Existing records are never overwritten.
	CreateAccount(ctx context.Context, account Account) error
	// PutAccount writes the record unconditionally.
	PutAccount(ctx context.Context, account Account) error
	ListAccounts(ctx context.Context) ([]Account, error)
	ListAccountsByStatus(ctx context.Context, status AccountStatus) ([]Account, error)
	ListAccountsByReservation(ctx context.Context, reservationID ReservationID) ([]Account, error)
	// TransitionAccount applies the transition atomically and returns the stored record.
	// It fails with ErrPreconditionFailed when the expected status/version no longer
	// match and with ErrAccountNotFound when the account does not exist.
	TransitionAccount(ctx context.Context, transition AccountTransition) (Account, error)
}

// ReservationStore is the persistence contract for reservation records.
type ReservationStore interface {
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	DeleteReservation(ctx context.Context, reservationID ReservationID) error
	ListReservations(ctx context.Context) ([]Reservation, error)
}

// EventStore keeps the account status-change log.
type EventStore interface {
	RecordEvent(ctx context.Context, event AccountEvent) error
	ListEvents(ctx context.Context, accountID AccountID, limit int) ([]AccountEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int, error)
}

// CredentialsIssuer hands out credentials for a ready reservation.
type CredentialsIssuer interface {
	IssueCredentials(ctx context.Context, reservation Reservation, accounts []AccountID) (*Credentials, error)
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// OptionalReservationID parses a possibly empty stored reference.
func OptionalReservationID(raw string) ReservationID {
	return ReservationID{value: strings.TrimSpace(raw)}
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id ReservationID) IsZero() bool {
	return id.value == ""
}

// ParseAccountStatus validates a stored status value.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	status := AccountStatus(strings.TrimSpace(raw))
	switch status {
	case AccountStatusReady, AccountStatusReserved, AccountStatusDirty, AccountStatusInCleaning:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountStatus, raw)
	}
}

// String returns the status value.
func (status AccountStatus) String() string {
	return string(status)
}

// NewReservation validates the caller supplied fields of a reservation.
func NewReservation(reservationID ReservationID, name string, accountCount int, timestamp time.Time) (Reservation, error) {
	if reservationID.IsZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidReservationName)
	}
	if accountCount <= 0 {
		return Reservation{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAccountCount)
	}
	return Reservation{
		ID:           reservationID,
		Name:         trimmedName,
		AccountCount: accountCount,
		Timestamp:    timestamp.UTC(),
	}, nil
}
