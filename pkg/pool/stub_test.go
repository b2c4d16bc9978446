package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type stubStore struct {
	mu           sync.Mutex
	accounts     map[AccountID]Account
	reservations map[ReservationID]Reservation
	events       []AccountEvent
	// beforeTransition runs inside TransitionAccount before the precondition check.
	beforeTransition func(store *stubStore, transition AccountTransition)
	transitionErr    error
	listErr          error
	deleteErr        error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     make(map[AccountID]Account),
		reservations: make(map[ReservationID]Reservation),
	}
}

func (store *stubStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) CreateAccount(_ context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.accounts[account.ID]; exists {
		return ErrAccountExists
	}
	store.accounts[account.ID] = account
	return nil
}

func (store *stubStore) PutAccount(_ context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[account.ID] = account
	return nil
}

func (store *stubStore) ListAccounts(_ context.Context) ([]Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listErr != nil {
		return nil, store.listErr
	}
	return store.sortedLocked(func(Account) bool { return true }), nil
}

func (store *stubStore) ListAccountsByStatus(_ context.Context, status AccountStatus) ([]Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listErr != nil {
		return nil, store.listErr
	}
	return store.sortedLocked(func(account Account) bool { return account.Status == status }), nil
}

func (store *stubStore) ListAccountsByReservation(_ context.Context, reservationID ReservationID) ([]Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.sortedLocked(func(account Account) bool { return account.ReservationID == reservationID }), nil
}

func (store *stubStore) sortedLocked(keep func(Account) bool) []Account {
	accounts := make([]Account, 0, len(store.accounts))
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

func (store *stubStore) TransitionAccount(_ context.Context, transition AccountTransition) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.transitionErr != nil {
		return Account{}, store.transitionErr
	}
	if store.beforeTransition != nil {
		hook := store.beforeTransition
		store.beforeTransition = nil
		hook(store, transition)
	}
	account, ok := store.accounts[transition.AccountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if !transition.Matches(account) {
		return Account{}, ErrPreconditionFailed
	}
	updated := transition.Apply(account)
	store.accounts[updated.ID] = updated
	return updated, nil
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.reservations[reservation.ID]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.ID] = reservation
	return nil
}

func (store *stubStore) GetReservation(_ context.Context, reservationID ReservationID) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) DeleteReservation(_ context.Context, reservationID ReservationID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.deleteErr != nil {
		return store.deleteErr
	}
	if _, ok := store.reservations[reservationID]; !ok {
		return ErrUnknownReservation
	}
	delete(store.reservations, reservationID)
	return nil
}

func (store *stubStore) ListReservations(_ context.Context) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservations := make([]Reservation, 0, len(store.reservations))
	for _, reservation := range store.reservations {
		reservations = append(reservations, reservation)
	}
	sort.Slice(reservations, func(left, right int) bool {
		return reservations[left].ID.String() < reservations[right].ID.String()
	})
	return reservations, nil
}

func (store *stubStore) RecordEvent(_ context.Context, event AccountEvent) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.events = append(store.events, event)
	return nil
}

func (store *stubStore) ListEvents(_ context.Context, accountID AccountID, limit int) ([]AccountEvent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	events := make([]AccountEvent, 0)
	for _, event := range store.events {
		if event.AccountID == accountID {
			events = append(events, event)
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (store *stubStore) PruneEvents(_ context.Context, before time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	kept := store.events[:0]
	pruned := 0
	for _, event := range store.events {
		if event.ExpiresAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, event)
	}
	store.events = kept
	return pruned, nil
}

func (store *stubStore) mustAccount(test *testing.T, accountID AccountID) Account {
	test.Helper()
	account, err := store.GetAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("account %s: %v", accountID, err)
	}
	return account
}

func (store *stubStore) addAccount(test *testing.T, raw string, status AccountStatus, reservationID ReservationID, updatedAt time.Time) AccountID {
	test.Helper()
	accountID := mustAccountID(test, raw)
	store.accounts[accountID] = Account{
		ID:            accountID,
		Status:        status,
		ReservationID: reservationID,
		Version:       "v0-" + raw,
		UpdatedAt:     updatedAt,
	}
	return accountID
}

type enqueuedItem struct {
	queueName string
	body      string
	delay     time.Duration
}

type stubQueue struct {
	mu      sync.Mutex
	items   []enqueuedItem
	failAt  int
	failErr error
}

func (queue *stubQueue) Enqueue(_ context.Context, queueName string, body []byte, delay time.Duration) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.failErr != nil && len(queue.items) == queue.failAt {
		return queue.failErr
	}
	queue.items = append(queue.items, enqueuedItem{queueName: queueName, body: string(body), delay: delay})
	return nil
}

func (queue *stubQueue) named(queueName string) []enqueuedItem {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	items := make([]enqueuedItem, 0)
	for _, item := range queue.items {
		if item.queueName == queueName {
			items = append(items, item)
		}
	}
	return items
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) withOperation(operation string) []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	matched := make([]OperationLog, 0)
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, entry)
		}
	}
	return matched
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func mustReservation(test *testing.T, store *stubStore, raw string, count int, timestamp time.Time) Reservation {
	test.Helper()
	reservation, err := NewReservation(mustReservationID(test, raw), "integration", count, timestamp)
	if err != nil {
		test.Fatalf("reservation: %v", err)
	}
	store.reservations[reservation.ID] = reservation
	return reservation
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	counter := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter)
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func firstIndex(int) int { return 0 }

func mustNewCoordinator(test *testing.T, store *stubStore, queue *stubQueue, extra ...Option) *Coordinator {
	test.Helper()
	optionList := append([]Option{
		WithSleeper(noSleep),
		WithRandom(firstIndex),
		WithIDGenerator(sequentialIDs("id")),
		WithEventStore(store),
	}, extra...)
	coordinator, err := NewCoordinator(store, store, queue, func() time.Time { return fixedNow }, optionList...)
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	return coordinator
}

func mustNewSweeper(test *testing.T, store *stubStore, queue *stubQueue, extra ...Option) *Sweeper {
	test.Helper()
	optionList := append([]Option{
		WithIDGenerator(sequentialIDs("sweep")),
		WithEventStore(store),
	}, extra...)
	sweeper, err := NewSweeper(store, store, queue, func() time.Time { return fixedNow }, optionList...)
	if err != nil {
		test.Fatalf("sweeper: %v", err)
	}
	return sweeper
}
