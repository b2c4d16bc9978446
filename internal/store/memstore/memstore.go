// Package memstore keeps accounts, reservations and events in process memory.
// It backs the memory store driver and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// Store implements pool.AccountStore, pool.ReservationStore and pool.EventStore.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]pool.Account
	reservations map[string]pool.Reservation
	events       []pool.AccountEvent
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]pool.Account),
		reservations: make(map[string]pool.Reservation),
	}
}

// GetAccount implements pool.AccountStore.
func (store *Store) GetAccount(_ context.Context, accountID pool.AccountID) (pool.Account, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return pool.Account{}, pool.ErrAccountNotFound
	}
	return account, nil
}

// CreateAccount implements pool.AccountStore.
func (store *Store) CreateAccount(_ context.Context, account pool.Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.accounts[account.ID.String()]; exists {
		return pool.ErrAccountExists
	}
	store.accounts[account.ID.String()] = account
	return nil
}

// PutAccount implements pool.AccountStore.
func (store *Store) PutAccount(_ context.Context, account pool.Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[account.ID.String()] = account
	return nil
}

// ListAccounts implements pool.AccountStore.
func (store *Store) ListAccounts(_ context.Context) ([]pool.Account, error) {
	return store.filter(func(pool.Account) bool { return true }), nil
}

// ListAccountsByStatus implements pool.AccountStore.
func (store *Store) ListAccountsByStatus(_ context.Context, status pool.AccountStatus) ([]pool.Account, error) {
	return store.filter(func(account pool.Account) bool { return account.Status == status }), nil
}

// ListAccountsByReservation implements pool.AccountStore.
func (store *Store) ListAccountsByReservation(_ context.Context, reservationID pool.ReservationID) ([]pool.Account, error) {
	return store.filter(func(account pool.Account) bool { return account.ReservationID == reservationID }), nil
}

func (store *Store) filter(keep func(pool.Account) bool) []pool.Account {
	store.mu.RLock()
	defer store.mu.RUnlock()
	accounts := make([]pool.Account, 0, len(store.accounts))
	for _, account := range store.accounts {
		if keep(account) {
			accounts = append(accounts, account)
		}
	}
	sort.Slice(accounts, func(left, right int) bool {
		return accounts[left].ID.String() < accounts[right].ID.String()
	})
	return accounts
}

// TransitionAccount implements pool.AccountStore.
func (store *Store) TransitionAccount(_ context.Context, transition pool.AccountTransition) (pool.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[transition.AccountID.String()]
	if !ok {
		return pool.Account{}, pool.ErrAccountNotFound
	}
	if !transition.Matches(account) {
		return pool.Account{}, pool.ErrPreconditionFailed
	}
	updated := transition.Apply(account)
	store.accounts[updated.ID.String()] = updated
	return updated, nil
}

// CreateReservation implements pool.ReservationStore.
func (store *Store) CreateReservation(_ context.Context, reservation pool.Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.reservations[reservation.ID.String()]; exists {
		return pool.ErrReservationExists
	}
	store.reservations[reservation.ID.String()] = reservation
	return nil
}

// GetReservation implements pool.ReservationStore.
func (store *Store) GetReservation(_ context.Context, reservationID pool.ReservationID) (pool.Reservation, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		return pool.Reservation{}, pool.ErrUnknownReservation
	}
	return reservation, nil
}

// DeleteReservation implements pool.ReservationStore.
func (store *Store) DeleteReservation(_ context.Context, reservationID pool.ReservationID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.reservations[reservationID.String()]; !ok {
		return pool.ErrUnknownReservation
	}
	delete(store.reservations, reservationID.String())
	return nil
}

// ListReservations implements pool.ReservationStore.
func (store *Store) ListReservations(_ context.Context) ([]pool.Reservation, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	reservations := make([]pool.Reservation, 0, len(store.reservations))
	for _, reservation := range store.reservations {
		reservations = append(reservations, reservation)
	}
	sort.Slice(reservations, func(left, right int) bool {
		return reservations[left].Timestamp.Before(reservations[right].Timestamp)
	})
	return reservations, nil
}

// RecordEvent implements pool.EventStore.
func (store *Store) RecordEvent(_ context.Context, event pool.AccountEvent) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.events = append(store.events, event)
	return nil
}

// ListEvents implements pool.EventStore, newest first.
func (store *Store) ListEvents(_ context.Context, accountID pool.AccountID, limit int) ([]pool.AccountEvent, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	events := make([]pool.AccountEvent, 0)
	for index := len(store.events) - 1; index >= 0; index-- {
		if store.events[index].AccountID != accountID {
			continue
		}
		events = append(events, store.events[index])
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// PruneEvents implements pool.EventStore.
func (store *Store) PruneEvents(_ context.Context, before time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	kept := make([]pool.AccountEvent, 0, len(store.events))
	for _, event := range store.events {
		if event.ExpiresAt.Before(before) {
			continue
		}
		kept = append(kept, event)
	}
	pruned := len(store.events) - len(kept)
	store.events = kept
	return pruned, nil
}
