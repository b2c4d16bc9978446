package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	constraintReservationPrimary = "pool_reservations_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectEvent            = "event"
	errorSubjectReservation      = "reservation"
	errorSubjectSchema           = "schema"
	errorCodeCreate              = "create"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeMigrate             = "migrate"
	errorCodePrune               = "prune"
	errorCodePut                 = "put"
	errorCodeTransition          = "transition"

	sqlSchema = `
		create table if not exists pool_accounts (
			account_id     text primary key,
			status         text not null,
			reservation_id text,
			version        text not null,
			updated_at     timestamptz not null
		);
		create index if not exists idx_pool_accounts_status on pool_accounts(status);
		create index if not exists idx_pool_accounts_reservation on pool_accounts(reservation_id);
		create table if not exists pool_reservations (
			reservation_id text primary key,
			name           text not null,
			account_count  integer not null,
			created_at     timestamptz not null
		);
		create table if not exists pool_account_events (
			event_id   text primary key,
			account_id text not null,
			status     text not null,
			message    text not null,
			details    jsonb not null default '{}'::jsonb,
			created_at timestamptz not null,
			expires_at timestamptz not null
		);
		create index if not exists idx_pool_events_account_created on pool_account_events(account_id, created_at);
		create index if not exists idx_pool_events_expires on pool_account_events(expires_at);
	`

	sqlSelectAccountColumns = `
		select account_id, status, coalesce(reservation_id,''), version, updated_at
		from pool_accounts
	`

	sqlInsertAccount = `
		insert into pool_accounts(account_id, status, reservation_id, version, updated_at)
		values ($1, $2, nullif($3,''), $4, $5)
		on conflict (account_id) do nothing
	`

	sqlUpsertAccount = `
		insert into pool_accounts(account_id, status, reservation_id, version, updated_at)
		values ($1, $2, nullif($3,''), $4, $5)
		on conflict (account_id) do update set
			status = excluded.status,
			reservation_id = excluded.reservation_id,
			version = excluded.version,
			updated_at = excluded.updated_at
	`

	sqlTransitionAccount = `
		update pool_accounts
		set status = $4, reservation_id = nullif($5,''), version = $6, updated_at = $7
		where account_id = $1 and status = $2 and version = $3
		returning account_id, status, coalesce(reservation_id,''), version, updated_at
	`

	sqlInsertReservation = `
		insert into pool_reservations(reservation_id, name, account_count, created_at)
		values ($1, $2, $3, $4)
	`

	sqlSelectReservation = `
		select reservation_id, name, account_count, created_at
		from pool_reservations
		where reservation_id = $1
	`

	sqlListReservations = `
		select reservation_id, name, account_count, created_at
		from pool_reservations
		order by created_at asc
	`

	sqlDeleteReservation = `delete from pool_reservations where reservation_id = $1`

	sqlInsertEvent = `
		insert into pool_account_events(event_id, account_id, status, message, details, created_at, expires_at)
		values ($1, $2, $3, $4, $5::jsonb, $6, $7)
	`

	sqlListEvents = `
		select event_id, account_id, status, message, details::text, created_at, expires_at
		from pool_account_events
		where account_id = $1
		order by created_at desc
		limit $2
	`

	sqlPruneEvents = `delete from pool_account_events where expires_at < $1`

	maxListEventsLimit = 1000
)

// Store implements pool.AccountStore, pool.ReservationStore and pool.EventStore using a pgx pool.
// Account transitions are single conditional UPDATE statements.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the pool tables when they are missing.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID pool.AccountID) (pool.Account, error) {
	row := store.pool.QueryRow(ctx, sqlSelectAccountColumns+" where account_id = $1", accountID.String())
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, pool.ErrAccountNotFound)
		}
		return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) CreateAccount(ctx context.Context, account pool.Account) error {
	tag, err := store.pool.Exec(ctx, sqlInsertAccount,
		account.ID.String(),
		account.Status.String(),
		account.ReservationID.String(),
		account.Version,
		account.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, pool.ErrAccountExists)
	}
	return nil
}

func (store *Store) PutAccount(ctx context.Context, account pool.Account) error {
	_, err := store.pool.Exec(ctx, sqlUpsertAccount,
		account.ID.String(),
		account.Status.String(),
		account.ReservationID.String(),
		account.Version,
		account.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodePut, err)
	}
	return nil
}

func (store *Store) ListAccounts(ctx context.Context) ([]pool.Account, error) {
	return store.queryAccounts(ctx, sqlSelectAccountColumns+" order by account_id asc")
}

func (store *Store) ListAccountsByStatus(ctx context.Context, status pool.AccountStatus) ([]pool.Account, error) {
	return store.queryAccounts(ctx, sqlSelectAccountColumns+" where status = $1 order by account_id asc", status.String())
}

func (store *Store) ListAccountsByReservation(ctx context.Context, reservationID pool.ReservationID) ([]pool.Account, error) {
	return store.queryAccounts(ctx, sqlSelectAccountColumns+" where reservation_id = $1 order by account_id asc", reservationID.String())
}

func (store *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]pool.Account, error) {
	rows, err := store.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]pool.Account, 0, 16)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

// TransitionAccount is a conditional update on (status, version).
func (store *Store) TransitionAccount(ctx context.Context, transition pool.AccountTransition) (pool.Account, error) {
	row := store.pool.QueryRow(ctx, sqlTransitionAccount,
		transition.AccountID.String(),
		transition.ExpectedStatus.String(),
		transition.ExpectedVersion,
		transition.NextStatus.String(),
		transition.ReservationID.String(),
		transition.NextVersion,
		transition.UpdatedAt.UTC(),
	)
	account, err := scanAccount(row)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeTransition, err)
	}
	if _, err := store.GetAccount(ctx, transition.AccountID); err != nil {
		return pool.Account{}, err
	}
	return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeTransition, pool.ErrPreconditionFailed)
}

func (store *Store) CreateReservation(ctx context.Context, reservation pool.Reservation) error {
	_, err := store.pool.Exec(ctx, sqlInsertReservation,
		reservation.ID.String(),
		reservation.Name,
		reservation.AccountCount,
		reservation.Timestamp.UTC(),
	)
	if isReservationConflict(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, pool.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID pool.ReservationID) (pool.Reservation, error) {
	reservation, err := scanReservation(store.pool.QueryRow(ctx, sqlSelectReservation, reservationID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pool.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, pool.ErrUnknownReservation)
		}
		return pool.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return reservation, nil
}

func (store *Store) DeleteReservation(ctx context.Context, reservationID pool.ReservationID) error {
	tag, err := store.pool.Exec(ctx, sqlDeleteReservation, reservationID.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeDelete, pool.ErrUnknownReservation)
	}
	return nil
}

func (store *Store) ListReservations(ctx context.Context) ([]pool.Reservation, error) {
	rows, err := store.pool.Query(ctx, sqlListReservations)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	reservations := make([]pool.Reservation, 0, 16)
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

func (store *Store) RecordEvent(ctx context.Context, event pool.AccountEvent) error {
	details, err := json.Marshal(detailsOrEmpty(event.Details))
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	_, err = store.pool.Exec(ctx, sqlInsertEvent,
		event.ID,
		event.AccountID.String(),
		event.Status.String(),
		event.Message,
		string(details),
		event.CreatedAt.UTC(),
		event.ExpiresAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// ListEvents returns the newest events of an account first.
func (store *Store) ListEvents(ctx context.Context, accountID pool.AccountID, limit int) ([]pool.AccountEvent, error) {
	if limit <= 0 || limit > maxListEventsLimit {
		limit = maxListEventsLimit
	}
	rows, err := store.pool.Query(ctx, sqlListEvents, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	return events, nil
}

func (store *Store) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	tag, err := store.pool.Exec(ctx, sqlPruneEvents, before.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodePrune, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanAccount(row pgx.Row) (pool.Account, error) {
	var (
		accountValue     string
		statusValue      string
		reservationValue string
		versionValue     string
		updatedAt        time.Time
	)
	if err := row.Scan(&accountValue, &statusValue, &reservationValue, &versionValue, &updatedAt); err != nil {
		return pool.Account{}, err
	}
	accountID, err := pool.NewAccountID(accountValue)
	if err != nil {
		return pool.Account{}, err
	}
	status, err := pool.ParseAccountStatus(statusValue)
	if err != nil {
		return pool.Account{}, err
	}
	return pool.Account{
		ID:            accountID,
		Status:        status,
		ReservationID: pool.OptionalReservationID(reservationValue),
		Version:       versionValue,
		UpdatedAt:     updatedAt.UTC(),
	}, nil
}

func scanReservation(row pgx.Row) (pool.Reservation, error) {
	var (
		reservationValue string
		nameValue        string
		accountCount     int
		createdAt        time.Time
	)
	if err := row.Scan(&reservationValue, &nameValue, &accountCount, &createdAt); err != nil {
		return pool.Reservation{}, err
	}
	reservationID, err := pool.NewReservationID(reservationValue)
	if err != nil {
		return pool.Reservation{}, err
	}
	return pool.NewReservation(reservationID, nameValue, accountCount, createdAt)
}

func scanEvents(rows pgx.Rows) ([]pool.AccountEvent, error) {
	events := make([]pool.AccountEvent, 0, 32)
	for rows.Next() {
		var (
			eventIDValue   string
			accountValue   string
			statusValue    string
			messageValue   string
			detailsValue   string
			createdAt      time.Time
			expiresAtValue time.Time
		)
		if err := rows.Scan(&eventIDValue, &accountValue, &statusValue, &messageValue, &detailsValue, &createdAt, &expiresAtValue); err != nil {
			return nil, err
		}
		accountID, err := pool.NewAccountID(accountValue)
		if err != nil {
			return nil, err
		}
		status, err := pool.ParseAccountStatus(statusValue)
		if err != nil {
			return nil, err
		}
		details := map[string]string{}
		if err := json.Unmarshal([]byte(detailsValue), &details); err != nil {
			return nil, err
		}
		events = append(events, pool.AccountEvent{
			ID:        eventIDValue,
			AccountID: accountID,
			Status:    status,
			Message:   messageValue,
			Details:   details,
			CreatedAt: createdAt.UTC(),
			ExpiresAt: expiresAtValue.UTC(),
		})
	}
	return events, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return pool.WrapError(errorOperationStore, subject, code, err)
}

func detailsOrEmpty(details map[string]string) map[string]string {
	if details == nil {
		return map[string]string{}
	}
	return details
}

func isReservationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReservationPrimary
	}
	return false
}
