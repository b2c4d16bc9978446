// Package memqueue is an in-process, at-least-once work queue with delayed delivery.
// It backs the memory queue driver for single-process runs and tests.
package memqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	defaultBatchSize       = 10
	defaultPollInterval    = 200 * time.Millisecond
	defaultRedeliveryDelay = 5 * time.Second
)

type entry struct {
	message   pool.Message
	visibleAt time.Time
	delivered int
}

// Queue keeps named queues of pending messages.
type Queue struct {
	mu              sync.Mutex
	pending         map[string][]*entry
	inFlight        map[string]map[string]*entry
	deadLetters     map[string][]pool.Message
	nowFn           func() time.Time
	newID           func() string
	batchSize       int
	pollInterval    time.Duration
	redeliveryDelay time.Duration
	maxDeliveries   int
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the time source used for delays.
func WithClock(now func() time.Time) Option {
	return func(queue *Queue) {
		if now != nil {
			queue.nowFn = now
		}
	}
}

// WithBatchSize bounds how many messages one handler call receives.
func WithBatchSize(size int) Option {
	return func(queue *Queue) {
		if size > 0 {
			queue.batchSize = size
		}
	}
}

// WithPollInterval sets how often an idle consumer looks for visible messages.
func WithPollInterval(interval time.Duration) Option {
	return func(queue *Queue) {
		if interval > 0 {
			queue.pollInterval = interval
		}
	}
}

// WithRedeliveryDelay sets how long a failed message stays invisible.
func WithRedeliveryDelay(delay time.Duration) Option {
	return func(queue *Queue) {
		if delay >= 0 {
			queue.redeliveryDelay = delay
		}
	}
}

// WithMaxDeliveries moves a message to the dead letters after that many failed deliveries.
// Zero retries forever.
func WithMaxDeliveries(deliveries int) Option {
	return func(queue *Queue) {
		if deliveries >= 0 {
			queue.maxDeliveries = deliveries
		}
	}
}

// New returns an empty Queue.
func New(optionList ...Option) *Queue {
	queue := &Queue{
		pending:         make(map[string][]*entry),
		inFlight:        make(map[string]map[string]*entry),
		deadLetters:     make(map[string][]pool.Message),
		nowFn:           time.Now,
		newID:           uuid.NewString,
		batchSize:       defaultBatchSize,
		pollInterval:    defaultPollInterval,
		redeliveryDelay: defaultRedeliveryDelay,
	}
	for _, option := range optionList {
		if option != nil {
			option(queue)
		}
	}
	return queue
}

// Enqueue implements pool.Queue.
func (queue *Queue) Enqueue(ctx context.Context, queueName string, body []byte, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.pending[queueName] = append(queue.pending[queueName], &entry{
		message:   pool.Message{ID: queue.newID(), Body: append([]byte(nil), body...)},
		visibleAt: queue.nowFn().Add(delay),
	})
	return nil
}

// Receive takes up to max visible messages off queueName and marks them in flight.
func (queue *Queue) Receive(queueName string, max int) []pool.Message {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	now := queue.nowFn()
	entries := queue.pending[queueName]
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].visibleAt.Before(entries[right].visibleAt)
	})
	received := make([]pool.Message, 0, max)
	kept := entries[:0]
	for _, pendingEntry := range entries {
		if len(received) < max && !pendingEntry.visibleAt.After(now) {
			pendingEntry.delivered++
			if queue.inFlight[queueName] == nil {
				queue.inFlight[queueName] = make(map[string]*entry)
			}
			queue.inFlight[queueName][pendingEntry.message.ID] = pendingEntry
			received = append(received, pendingEntry.message)
			continue
		}
		kept = append(kept, pendingEntry)
	}
	queue.pending[queueName] = kept
	return received
}

// Settle acknowledges the in-flight messages and makes the failed ones visible again
// after the redelivery delay.
func (queue *Queue) Settle(queueName string, messages []pool.Message, failedIDs []string) {
	failed := make(map[string]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		failed[id] = struct{}{}
	}
	queue.mu.Lock()
	defer queue.mu.Unlock()
	for _, message := range messages {
		flightEntry, ok := queue.inFlight[queueName][message.ID]
		if !ok {
			continue
		}
		delete(queue.inFlight[queueName], message.ID)
		if _, isFailed := failed[message.ID]; !isFailed {
			continue
		}
		if queue.maxDeliveries > 0 && flightEntry.delivered >= queue.maxDeliveries {
			queue.deadLetters[queueName] = append(queue.deadLetters[queueName], flightEntry.message)
			continue
		}
		flightEntry.visibleAt = queue.nowFn().Add(queue.redeliveryDelay)
		queue.pending[queueName] = append(queue.pending[queueName], flightEntry)
	}
}

// Consume implements pool.Consumer. It returns nil when ctx is done.
func (queue *Queue) Consume(ctx context.Context, queueName string, handler pool.BatchHandler) error {
	ticker := time.NewTicker(queue.pollInterval)
	defer ticker.Stop()
	for {
		if queue.DeliverOnce(ctx, queueName, handler) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DeliverOnce hands one batch of visible messages to handler and reports its size.
func (queue *Queue) DeliverOnce(ctx context.Context, queueName string, handler pool.BatchHandler) int {
	if ctx.Err() != nil {
		return 0
	}
	messages := queue.Receive(queueName, queue.batchSize)
	if len(messages) == 0 {
		return 0
	}
	failed := handler(ctx, messages)
	queue.Settle(queueName, messages, failed)
	return len(messages)
}

// Len reports how many messages wait on queueName, visible or not.
func (queue *Queue) Len(queueName string) int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return len(queue.pending[queueName])
}

// DeadLetters returns the messages that exhausted their deliveries.
func (queue *Queue) DeadLetters(queueName string) []pool.Message {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return append([]pool.Message(nil), queue.deadLetters[queueName]...)
}

// Close is a no-op; it lets the queue stand in wherever a closable queue is expected.
func (queue *Queue) Close() error {
	return nil
}
