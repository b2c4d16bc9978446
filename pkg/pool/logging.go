package pool

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Option configures a Coordinator or Sweeper.
type Option func(*options)

// OperationLogger records domain-level events emitted by pool operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one pool operation.
type OperationLog struct {
	Operation     string
	AccountID     AccountID
	ReservationID ReservationID
	Status        string
	Message       string
	Error         error
}

type options struct {
	logger          OperationLogger
	events          EventStore
	credentials     CredentialsIssuer
	reservationTTL  time.Duration
	retryDelay      time.Duration
	attemptJitter   time.Duration
	jammedThreshold time.Duration
	eventTTL        time.Duration
	sleep           func(ctx context.Context, delay time.Duration) error
	intn            func(n int) int
	newID           func() string
}

func defaultOptions() options {
	return options{
		reservationTTL:  DefaultReservationTTL,
		retryDelay:      DefaultReservationRetryDelay,
		attemptJitter:   DefaultAttemptJitter,
		jammedThreshold: DefaultJammedThreshold,
		eventTTL:        DefaultEventTTL,
		sleep:           sleepContext,
		intn:            rand.IntN,
		newID:           uuid.NewString,
	}
}

func applyOptions(optionList []Option) options {
	settings := defaultOptions()
	for _, option := range optionList {
		if option != nil {
			option(&settings)
		}
	}
	return settings
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(settings *options) {
		settings.logger = logger
	}
}

// WithEventStore wires the account status-change log.
func WithEventStore(events EventStore) Option {
	return func(settings *options) {
		settings.events = events
	}
}

// WithCredentialsIssuer attaches credentials to ready reservations.
func WithCredentialsIssuer(issuer CredentialsIssuer) Option {
	return func(settings *options) {
		settings.credentials = issuer
	}
}

// WithReservationTTL overrides how long a reservation lives.
func WithReservationTTL(ttl time.Duration) Option {
	return func(settings *options) {
		if ttl > 0 {
			settings.reservationTTL = ttl
		}
	}
}

// WithRetryDelay overrides the requeue delay used when no account could be reserved.
func WithRetryDelay(delay time.Duration) Option {
	return func(settings *options) {
		if delay >= 0 {
			settings.retryDelay = delay
		}
	}
}

// WithAttemptJitter bounds the random pause between two conditional writes.
func WithAttemptJitter(jitter time.Duration) Option {
	return func(settings *options) {
		if jitter >= 0 {
			settings.attemptJitter = jitter
		}
	}
}

// WithJammedThreshold overrides how long a non-ready account may sit untouched.
func WithJammedThreshold(threshold time.Duration) Option {
	return func(settings *options) {
		if threshold > 0 {
			settings.jammedThreshold = threshold
		}
	}
}

// WithEventTTL overrides how long account events are kept.
func WithEventTTL(ttl time.Duration) Option {
	return func(settings *options) {
		if ttl > 0 {
			settings.eventTTL = ttl
		}
	}
}

// WithSleeper replaces the delay function; tests use it to avoid real waits.
func WithSleeper(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(settings *options) {
		if sleep != nil {
			settings.sleep = sleep
		}
	}
}

// WithRandom replaces the source of uniformly random indexes in [0, n).
func WithRandom(intn func(n int) int) Option {
	return func(settings *options) {
		if intn != nil {
			settings.intn = intn
		}
	}
}

// WithIDGenerator replaces the generator of reservation ids and account versions.
func WithIDGenerator(newID func() string) Option {
	return func(settings *options) {
		if newID != nil {
			settings.newID = newID
		}
	}
}

func (settings options) logOperation(ctx context.Context, entry OperationLog) {
	if settings.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	settings.logger.LogOperation(ctx, entry)
}

// recordEvent writes to the event log; the log is advisory so failures are only reported.
func (settings options) recordEvent(ctx context.Context, account Account, message string, now time.Time) {
	if settings.events == nil {
		return
	}
	event := AccountEvent{
		ID:        settings.newID(),
		AccountID: account.ID,
		Status:    account.Status,
		Message:   message,
		Details:   map[string]string{"version": account.Version},
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(settings.eventTTL),
	}
	if account.HasReservation() {
		event.Details["reservation_id"] = account.ReservationID.String()
	}
	if err := settings.events.RecordEvent(ctx, event); err != nil {
		settings.logOperation(ctx, OperationLog{
			Operation: "record_event",
			AccountID: account.ID,
			Error:     err,
		})
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
