package cleanup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	operationCleanAccount  = "clean_account"
	operationRunCleaner    = "run_cleaner"
	operationCleanResource = "clean_resource"

	// DefaultRetryDelay is the pause between a retry outcome and the refresh that follows.
	DefaultRetryDelay = time.Second

	tracerName = "github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
)

// OperationLogger receives one record per cleanup step.
type OperationLogger interface {
	LogCleanup(ctx context.Context, entry OperationLog)
}

// OperationLog describes one cleanup step.
type OperationLog struct {
	Operation    string
	AccountID    pool.AccountID
	ResourceType string
	Region       string
	ResourceID   string
	Status       string
	Message      string
	Error        error
}

// Option configures a Driver or Orchestrator.
type Option func(*options)

type options struct {
	logger      OperationLogger
	events      pool.EventStore
	eventTTL    time.Duration
	retryDelay  time.Duration
	maxAttempts int
	sleep       func(ctx context.Context, delay time.Duration) error
	newID       func() string
	tracer      trace.Tracer
}

func applyOptions(optionList []Option) options {
	settings := options{
		eventTTL:   pool.DefaultEventTTL,
		retryDelay: DefaultRetryDelay,
		sleep:      sleepContext,
		newID:      uuid.NewString,
		tracer:     otel.Tracer(tracerName),
	}
	for _, option := range optionList {
		if option != nil {
			option(&settings)
		}
	}
	return settings
}

// WithOperationLogger wires a logger for cleanup steps.
func WithOperationLogger(logger OperationLogger) Option {
	return func(settings *options) {
		settings.logger = logger
	}
}

// WithEventStore records account status changes made by the orchestrator.
func WithEventStore(events pool.EventStore, ttl time.Duration) Option {
	return func(settings *options) {
		settings.events = events
		if ttl > 0 {
			settings.eventTTL = ttl
		}
	}
}

// WithRetryDelay overrides the pause before refreshing a resource that asked for a retry.
func WithRetryDelay(delay time.Duration) Option {
	return func(settings *options) {
		if delay >= 0 {
			settings.retryDelay = delay
		}
	}
}

// WithMaxAttempts bounds CleanOne calls per resource. Zero keeps the loop unbounded.
func WithMaxAttempts(attempts int) Option {
	return func(settings *options) {
		if attempts >= 0 {
			settings.maxAttempts = attempts
		}
	}
}

// WithSleeper replaces the delay function.
func WithSleeper(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(settings *options) {
		if sleep != nil {
			settings.sleep = sleep
		}
	}
}

// WithIDGenerator replaces the generator of account versions and event ids.
func WithIDGenerator(newID func() string) Option {
	return func(settings *options) {
		if newID != nil {
			settings.newID = newID
		}
	}
}

// WithTracerProvider takes spans from provider instead of the global one.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(settings *options) {
		if provider != nil {
			settings.tracer = provider.Tracer(tracerName)
		}
	}
}

func (settings options) log(ctx context.Context, entry OperationLog) {
	if settings.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = pool.OperationStatusError
		} else {
			entry.Status = pool.OperationStatusOK
		}
	}
	settings.logger.LogCleanup(ctx, entry)
}

func (settings options) recordEvent(ctx context.Context, account pool.Account, message string, now time.Time) {
	if settings.events == nil {
		return
	}
	event := pool.AccountEvent{
		ID:        settings.newID(),
		AccountID: account.ID,
		Status:    account.Status,
		Message:   message,
		Details:   map[string]string{"version": account.Version},
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(settings.eventTTL),
	}
	if err := settings.events.RecordEvent(ctx, event); err != nil {
		settings.log(ctx, OperationLog{Operation: "record_event", AccountID: account.ID, Error: err})
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
