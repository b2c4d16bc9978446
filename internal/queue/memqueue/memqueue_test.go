package memqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *manualClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
}

func TestDelayedMessagesStayInvisible(test *testing.T) {
	test.Parallel()
	clock := &manualClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	queue := New(WithClock(clock.Now))
	ctx := context.Background()

	if err := queue.Enqueue(ctx, pool.QueueReserveAccounts, []byte(`{"reservationId":"r1"}`), 10*time.Second); err != nil {
		test.Fatalf("enqueue: %v", err)
	}
	if received := queue.Receive(pool.QueueReserveAccounts, 10); len(received) != 0 {
		test.Fatalf("expected no visible messages, got %d", len(received))
	}
	clock.Advance(10 * time.Second)
	received := queue.Receive(pool.QueueReserveAccounts, 10)
	if len(received) != 1 || string(received[0].Body) != `{"reservationId":"r1"}` {
		test.Fatalf("unexpected messages %+v", received)
	}
	queue.Settle(pool.QueueReserveAccounts, received, nil)
	if queue.Len(pool.QueueReserveAccounts) != 0 {
		test.Fatalf("expected acknowledged message to be gone")
	}
}

func TestFailedMessagesAreRedelivered(test *testing.T) {
	test.Parallel()
	clock := &manualClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	queue := New(WithClock(clock.Now), WithRedeliveryDelay(time.Second), WithMaxDeliveries(2))
	ctx := context.Background()
	for _, body := range []string{"ok", "bad"} {
		if err := queue.Enqueue(ctx, pool.QueueCleanAccounts, []byte(body), 0); err != nil {
			test.Fatalf("enqueue: %v", err)
		}
	}

	failBad := func(_ context.Context, messages []pool.Message) []string {
		failed := make([]string, 0)
		for _, message := range messages {
			if string(message.Body) == "bad" {
				failed = append(failed, message.ID)
			}
		}
		return failed
	}

	if delivered := queue.DeliverOnce(ctx, pool.QueueCleanAccounts, failBad); delivered != 2 {
		test.Fatalf("expected 2 delivered, got %d", delivered)
	}
	if delivered := queue.DeliverOnce(ctx, pool.QueueCleanAccounts, failBad); delivered != 0 {
		test.Fatalf("expected failed message to wait for redelivery, got %d", delivered)
	}
	clock.Advance(time.Second)
	if delivered := queue.DeliverOnce(ctx, pool.QueueCleanAccounts, failBad); delivered != 1 {
		test.Fatalf("expected redelivery, got %d", delivered)
	}
	if queue.Len(pool.QueueCleanAccounts) != 0 {
		test.Fatalf("expected queue to be empty after dead-lettering")
	}
	deadLetters := queue.DeadLetters(pool.QueueCleanAccounts)
	if len(deadLetters) != 1 || string(deadLetters[0].Body) != "bad" {
		test.Fatalf("unexpected dead letters %+v", deadLetters)
	}
}

func TestConsumeStopsWithContext(test *testing.T) {
	test.Parallel()
	queue := New(WithPollInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	if err := queue.Enqueue(ctx, pool.QueueCleanAccounts, []byte("x"), 0); err != nil {
		test.Fatalf("enqueue: %v", err)
	}
	handled := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, pool.QueueCleanAccounts, func(_ context.Context, messages []pool.Message) []string {
			handled <- struct{}{}
			return nil
		})
	}()
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		test.Fatalf("message was not consumed")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("consume: %v", err)
		}
	case <-time.After(2 * time.Second):
		test.Fatalf("consume did not stop")
	}
}
