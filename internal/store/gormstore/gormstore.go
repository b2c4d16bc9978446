package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEvent       = "event"
	errorSubjectReservation = "reservation"
	errorCodeCreate         = "create"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeMigrate        = "migrate"
	errorCodePrune          = "prune"
	errorCodePut            = "put"
	errorCodeTransition     = "transition"
)

// Store implements pool.AccountStore, pool.ReservationStore and pool.EventStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the pool tables.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID pool.AccountID) (pool.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, pool.ErrAccountNotFound)
		}
		return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) CreateAccount(ctx context.Context, account pool.Account) error {
	model := accountModel(account)
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, pool.ErrAccountExists)
	}
	return nil
}

func (store *Store) PutAccount(ctx context.Context, account pool.Account) error {
	model := accountModel(account)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "reservation_id", "version", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodePut, err)
	}
	return nil
}

func (store *Store) ListAccounts(ctx context.Context) ([]pool.Account, error) {
	return store.listAccounts(ctx, store.db.WithContext(ctx))
}

func (store *Store) ListAccountsByStatus(ctx context.Context, status pool.AccountStatus) ([]pool.Account, error) {
	return store.listAccounts(ctx, store.db.WithContext(ctx).Where("status = ?", status.String()))
}

func (store *Store) ListAccountsByReservation(ctx context.Context, reservationID pool.ReservationID) ([]pool.Account, error) {
	return store.listAccounts(ctx, store.db.WithContext(ctx).Where("reservation_id = ?", reservationID.String()))
}

func (store *Store) listAccounts(_ context.Context, query *gorm.DB) ([]pool.Account, error) {
	var rows []Account
	if err := query.Order("account_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]pool.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// TransitionAccount is a conditional update on (status, version).
func (store *Store) TransitionAccount(ctx context.Context, transition pool.AccountTransition) (pool.Account, error) {
	var reservationID *string
	if !transition.ReservationID.IsZero() {
		value := transition.ReservationID.String()
		reservationID = &value
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND status = ? AND version = ?",
			transition.AccountID.String(), transition.ExpectedStatus.String(), transition.ExpectedVersion).
		Updates(map[string]any{
			"status":         transition.NextStatus.String(),
			"reservation_id": reservationID,
			"version":        transition.NextVersion,
			"updated_at":     transition.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetAccount(ctx, transition.AccountID); err != nil {
			return pool.Account{}, err
		}
		return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeTransition, pool.ErrPreconditionFailed)
	}
	return store.GetAccount(ctx, transition.AccountID)
}

func (store *Store) CreateReservation(ctx context.Context, reservation pool.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ID.String(),
		Name:          reservation.Name,
		AccountCount:  reservation.AccountCount,
		CreatedAt:     reservation.Timestamp.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, pool.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID pool.ReservationID) (pool.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).Where("reservation_id = ?", reservationID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pool.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, pool.ErrUnknownReservation)
		}
		return pool.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return pool.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) DeleteReservation(ctx context.Context, reservationID pool.ReservationID) error {
	result := store.db.WithContext(ctx).Where("reservation_id = ?", reservationID.String()).Delete(&Reservation{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeDelete, pool.ErrUnknownReservation)
	}
	return nil
}

func (store *Store) ListReservations(ctx context.Context) ([]pool.Reservation, error) {
	var rows []Reservation
	if err := store.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]pool.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) RecordEvent(ctx context.Context, event pool.AccountEvent) error {
	model := AccountEvent{
		EventID:   event.ID,
		AccountID: event.AccountID.String(),
		Status:    event.Status.String(),
		Message:   event.Message,
		Details:   datatypes.NewJSONType(detailsOrEmpty(event.Details)),
		CreatedAt: event.CreatedAt.UTC(),
		ExpiresAt: event.ExpiresAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// ListEvents returns the newest events of an account first.
func (store *Store) ListEvents(ctx context.Context, accountID pool.AccountID, limit int) ([]pool.AccountEvent, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []AccountEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]pool.AccountEvent, 0, len(rows))
	for _, row := range rows {
		event, err := mapEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (store *Store) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	result := store.db.WithContext(ctx).Where("expires_at < ?", before.UTC()).Delete(&AccountEvent{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodePrune, result.Error)
	}
	return int(result.RowsAffected), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return pool.WrapError(errorOperationStore, subject, code, err)
}

func accountModel(account pool.Account) Account {
	model := Account{
		AccountID: account.ID.String(),
		Status:    account.Status.String(),
		Version:   account.Version,
		UpdatedAt: account.UpdatedAt.UTC(),
	}
	if account.HasReservation() {
		value := account.ReservationID.String()
		model.ReservationID = &value
	}
	return model
}

func mapAccount(row Account) (pool.Account, error) {
	accountID, err := pool.NewAccountID(row.AccountID)
	if err != nil {
		return pool.Account{}, err
	}
	status, err := pool.ParseAccountStatus(row.Status)
	if err != nil {
		return pool.Account{}, err
	}
	account := pool.Account{
		ID:        accountID,
		Status:    status,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if row.ReservationID != nil {
		account.ReservationID = pool.OptionalReservationID(*row.ReservationID)
	}
	return account, nil
}

func mapReservation(row Reservation) (pool.Reservation, error) {
	reservationID, err := pool.NewReservationID(row.ReservationID)
	if err != nil {
		return pool.Reservation{}, err
	}
	return pool.NewReservation(reservationID, row.Name, row.AccountCount, row.CreatedAt)
}

func mapEvent(row AccountEvent) (pool.AccountEvent, error) {
	accountID, err := pool.NewAccountID(row.AccountID)
	if err != nil {
		return pool.AccountEvent{}, err
	}
	status, err := pool.ParseAccountStatus(row.Status)
	if err != nil {
		return pool.AccountEvent{}, err
	}
	return pool.AccountEvent{
		ID:        row.EventID,
		AccountID: accountID,
		Status:    status,
		Message:   row.Message,
		Details:   row.Details.Data(),
		CreatedAt: row.CreatedAt.UTC(),
		ExpiresAt: row.ExpiresAt.UTC(),
	}, nil
}

func detailsOrEmpty(details map[string]string) map[string]string {
	if details == nil {
		return map[string]string{}
	}
	return details
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
