// Package badgerstore keeps pool records in an embedded Badger database.
//
// Records are JSON values under prefixed keys. Account transitions run inside a
// Badger read-write transaction: the stored (status, version) is checked and the
// new record written in the same transaction, and a commit conflict with another
// writer is reported as pool.ErrPreconditionFailed. Secondary lookups (by status,
// by reservation) scan the account prefix; pools are small enough for that.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	prefixAccount     = "account:"
	prefixReservation = "reservation:"
	prefixEvent       = "event:"

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
	errorCodePrune          = "prune"
	errorCodePut            = "put"
	errorCodeTransition     = "transition"
)

// Store implements pool.AccountStore, pool.ReservationStore and pool.EventStore with Badger.
type Store struct {
	db    *badger.DB
	nowFn func() time.Time
}

type accountRecord struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	ReservationID string    `json:"reservationId,omitempty"`
	Version       string    `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type reservationRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AccountCount int       `json:"accountCount"`
	Timestamp    time.Time `json:"timestamp"`
}

type eventRecord struct {
	ID        string            `json:"id"`
	AccountID string            `json:"accountId"`
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Open opens (or creates) a store at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return New(db), nil
}

// New wraps an already opened Badger database.
func New(db *badger.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// Close releases the database.
func (store *Store) Close() error {
	return store.db.Close()
}

func accountKey(accountID string) []byte {
	return []byte(prefixAccount + accountID)
}

func reservationKey(reservationID string) []byte {
	return []byte(prefixReservation + reservationID)
}

// eventKey sorts an account's events by creation time.
func eventKey(accountID string, createdAt time.Time, eventID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixEvent, accountID, createdAt.UTC().UnixNano(), eventID))
}

func (store *Store) GetAccount(_ context.Context, accountID pool.AccountID) (pool.Account, error) {
	var account pool.Account
	err := store.db.View(func(txn *badger.Txn) error {
		loaded, err := readAccount(txn, accountID.String())
		if err != nil {
			return err
		}
		account = loaded
		return nil
	})
	if err != nil {
		return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) CreateAccount(_ context.Context, account pool.Account) error {
	err := store.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(accountKey(account.ID.String())); err == nil {
			return pool.ErrAccountExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeAccount(txn, account)
	})
	if errors.Is(err, pool.ErrAccountExists) || errors.Is(err, badger.ErrConflict) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, pool.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) PutAccount(_ context.Context, account pool.Account) error {
	err := store.db.Update(func(txn *badger.Txn) error {
		return writeAccount(txn, account)
	})
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodePut, err)
	}
	return nil
}

func (store *Store) ListAccounts(_ context.Context) ([]pool.Account, error) {
	return store.scanAccounts(func(pool.Account) bool { return true })
}

func (store *Store) ListAccountsByStatus(_ context.Context, status pool.AccountStatus) ([]pool.Account, error) {
	return store.scanAccounts(func(account pool.Account) bool { return account.Status == status })
}

func (store *Store) ListAccountsByReservation(_ context.Context, reservationID pool.ReservationID) ([]pool.Account, error) {
	return store.scanAccounts(func(account pool.Account) bool { return account.ReservationID == reservationID })
}

func (store *Store) scanAccounts(keep func(pool.Account) bool) ([]pool.Account, error) {
	accounts := make([]pool.Account, 0, 16)
	err := store.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iterator.Close()
		prefix := []byte(prefixAccount)
		for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
			var record accountRecord
			if err := iterator.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &record)
			}); err != nil {
				return err
			}
			account, err := mapAccount(record)
			if err != nil {
				return err
			}
			if keep(account) {
				accounts = append(accounts, account)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

// TransitionAccount checks and writes the account in one Badger transaction.
func (store *Store) TransitionAccount(_ context.Context, transition pool.AccountTransition) (pool.Account, error) {
	var updated pool.Account
	err := store.db.Update(func(txn *badger.Txn) error {
		current, err := readAccount(txn, transition.AccountID.String())
		if err != nil {
			return err
		}
		if !transition.Matches(current) {
			return pool.ErrPreconditionFailed
		}
		updated = transition.Apply(current)
		return writeAccount(txn, updated)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = pool.ErrPreconditionFailed
	}
	if err != nil {
		return pool.Account{}, wrapStoreError(errorSubjectAccount, errorCodeTransition, err)
	}
	return updated, nil
}

func (store *Store) CreateReservation(_ context.Context, reservation pool.Reservation) error {
	err := store.db.Update(func(txn *badger.Txn) error {
		key := reservationKey(reservation.ID.String())
		if _, err := txn.Get(key); err == nil {
			return pool.ErrReservationExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		value, err := json.Marshal(reservationRecord{
			ID:           reservation.ID.String(),
			Name:         reservation.Name,
			AccountCount: reservation.AccountCount,
			Timestamp:    reservation.Timestamp.UTC(),
		})
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	if errors.Is(err, pool.ErrReservationExists) || errors.Is(err, badger.ErrConflict) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, pool.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(_ context.Context, reservationID pool.ReservationID) (pool.Reservation, error) {
	var record reservationRecord
	err := store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reservationKey(reservationID.String()))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return pool.ErrUnknownReservation
			}
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &record)
		})
	})
	if err != nil {
		return pool.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(record)
	if err != nil {
		return pool.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) DeleteReservation(_ context.Context, reservationID pool.ReservationID) error {
	err := store.db.Update(func(txn *badger.Txn) error {
		key := reservationKey(reservationID.String())
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return pool.ErrUnknownReservation
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) ListReservations(_ context.Context) ([]pool.Reservation, error) {
	reservations := make([]pool.Reservation, 0, 16)
	err := store.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iterator.Close()
		prefix := []byte(prefixReservation)
		for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
			var record reservationRecord
			if err := iterator.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &record)
			}); err != nil {
				return err
			}
			reservation, err := mapReservation(record)
			if err != nil {
				return err
			}
			reservations = append(reservations, reservation)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	sort.Slice(reservations, func(left, right int) bool {
		return reservations[left].Timestamp.Before(reservations[right].Timestamp)
	})
	return reservations, nil
}

// RecordEvent stores the event with a Badger TTL matching its expiry, so expired
// events disappear even if PruneEvents never runs.
func (store *Store) RecordEvent(_ context.Context, event pool.AccountEvent) error {
	value, err := json.Marshal(eventRecord{
		ID:        event.ID,
		AccountID: event.AccountID.String(),
		Status:    event.Status.String(),
		Message:   event.Message,
		Details:   event.Details,
		CreatedAt: event.CreatedAt.UTC(),
		ExpiresAt: event.ExpiresAt.UTC(),
	})
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	entry := badger.NewEntry(eventKey(event.AccountID.String(), event.CreatedAt, event.ID), value)
	if ttl := event.ExpiresAt.Sub(store.nowFn()); ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	if err := store.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	}); err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// ListEvents returns the newest events of an account first.
func (store *Store) ListEvents(_ context.Context, accountID pool.AccountID, limit int) ([]pool.AccountEvent, error) {
	events := make([]pool.AccountEvent, 0, 16)
	err := store.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		iterator := txn.NewIterator(options)
		defer iterator.Close()
		prefix := []byte(prefixEvent + accountID.String() + ":")
		seek := append(bytes.Clone(prefix), 0xFF)
		for iterator.Seek(seek); iterator.ValidForPrefix(prefix); iterator.Next() {
			event, err := readEvent(iterator.Item())
			if err != nil {
				return err
			}
			events = append(events, event)
			if limit > 0 && len(events) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	return events, nil
}

func (store *Store) PruneEvents(_ context.Context, before time.Time) (int, error) {
	expired := make([][]byte, 0)
	err := store.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iterator.Close()
		prefix := []byte(prefixEvent)
		for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
			event, err := readEvent(iterator.Item())
			if err != nil {
				return err
			}
			if event.ExpiresAt.Before(before) {
				expired = append(expired, iterator.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodePrune, err)
	}
	batch := store.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range expired {
		if err := batch.Delete(key); err != nil {
			return 0, wrapStoreError(errorSubjectEvent, errorCodePrune, err)
		}
	}
	if err := batch.Flush(); err != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodePrune, err)
	}
	return len(expired), nil
}

func readAccount(txn *badger.Txn, accountID string) (pool.Account, error) {
	item, err := txn.Get(accountKey(accountID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return pool.Account{}, pool.ErrAccountNotFound
		}
		return pool.Account{}, err
	}
	var record accountRecord
	if err := item.Value(func(value []byte) error {
		return json.Unmarshal(value, &record)
	}); err != nil {
		return pool.Account{}, err
	}
	return mapAccount(record)
}

func writeAccount(txn *badger.Txn, account pool.Account) error {
	value, err := json.Marshal(accountRecord{
		ID:            account.ID.String(),
		Status:        account.Status.String(),
		ReservationID: account.ReservationID.String(),
		Version:       account.Version,
		UpdatedAt:     account.UpdatedAt.UTC(),
	})
	if err != nil {
		return err
	}
	return txn.Set(accountKey(account.ID.String()), value)
}

func readEvent(item *badger.Item) (pool.AccountEvent, error) {
	var record eventRecord
	if err := item.Value(func(value []byte) error {
		return json.Unmarshal(value, &record)
	}); err != nil {
		return pool.AccountEvent{}, err
	}
	accountID, err := pool.NewAccountID(record.AccountID)
	if err != nil {
		return pool.AccountEvent{}, err
	}
	status, err := pool.ParseAccountStatus(record.Status)
	if err != nil {
		return pool.AccountEvent{}, err
	}
	return pool.AccountEvent{
		ID:        record.ID,
		AccountID: accountID,
		Status:    status,
		Message:   record.Message,
		Details:   record.Details,
		CreatedAt: record.CreatedAt.UTC(),
		ExpiresAt: record.ExpiresAt.UTC(),
	}, nil
}

func mapAccount(record accountRecord) (pool.Account, error) {
	accountID, err := pool.NewAccountID(record.ID)
	if err != nil {
		return pool.Account{}, err
	}
	status, err := pool.ParseAccountStatus(record.Status)
	if err != nil {
		return pool.Account{}, err
	}
	return pool.Account{
		ID:            accountID,
		Status:        status,
		ReservationID: pool.OptionalReservationID(record.ReservationID),
		Version:       record.Version,
		UpdatedAt:     record.UpdatedAt.UTC(),
	}, nil
}

func mapReservation(record reservationRecord) (pool.Reservation, error) {
	reservationID, err := pool.NewReservationID(record.ID)
	if err != nil {
		return pool.Reservation{}, err
	}
	return pool.NewReservation(reservationID, record.Name, record.AccountCount, record.Timestamp)
}

func wrapStoreError(subject string, code string, err error) error {
	return pool.WrapError(errorOperationStore, subject, code, err)
}
