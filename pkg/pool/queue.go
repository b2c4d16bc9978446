package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one delivery taken from a work queue.
type Message struct {
	ID   string
	Body []byte
}

// Queue is the producer side of an at-least-once delayed work queue.
// A delay is a scheduling hint; consumers must not rely on it.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, body []byte, delay time.Duration) error
}

// BatchHandler processes a batch and returns the ids of the messages that failed
// and must be redelivered. Messages not listed are never delivered again.
type BatchHandler func(ctx context.Context, messages []Message) []string

// Consumer drives a BatchHandler from a named queue until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, queueName string, handler BatchHandler) error
}

// ReserveAccountItem asks the coordinator to grow a reservation by one account.
type ReserveAccountItem struct {
	ReservationID string `json:"reservationId"`
}

// CleanAccountItem asks the orchestrator to clean one account.
type CleanAccountItem struct {
	AccountID string `json:"accountId"`
}

// EnqueueReserveAttempt puts one reservation attempt on the reserve queue.
func EnqueueReserveAttempt(ctx context.Context, queue Queue, reservationID ReservationID, delay time.Duration) error {
	return enqueueItem(ctx, queue, QueueReserveAccounts, ReserveAccountItem{ReservationID: reservationID.String()}, delay)
}

// EnqueueCleanup puts one cleanup trigger on the clean queue.
func EnqueueCleanup(ctx context.Context, queue Queue, accountID AccountID) error {
	return enqueueItem(ctx, queue, QueueCleanAccounts, CleanAccountItem{AccountID: accountID.String()}, 0)
}

// DecodeReserveAttempt parses a reserve queue message body.
func DecodeReserveAttempt(body []byte) (ReservationID, error) {
	var item ReserveAccountItem
	if err := json.Unmarshal(body, &item); err != nil {
		return ReservationID{}, WrapError(errorOperationService, errorSubjectQueue, errorCodeDecode, fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}
	reservationID, err := NewReservationID(item.ReservationID)
	if err != nil {
		return ReservationID{}, WrapError(errorOperationService, errorSubjectQueue, errorCodeDecode, fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}
	return reservationID, nil
}

// DecodeCleanup parses a clean queue message body.
func DecodeCleanup(body []byte) (AccountID, error) {
	var item CleanAccountItem
	if err := json.Unmarshal(body, &item); err != nil {
		return AccountID{}, WrapError(errorOperationService, errorSubjectQueue, errorCodeDecode, fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}
	accountID, err := NewAccountID(item.AccountID)
	if err != nil {
		return AccountID{}, WrapError(errorOperationService, errorSubjectQueue, errorCodeDecode, fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}
	return accountID, nil
}

func enqueueItem(ctx context.Context, queue Queue, queueName string, item any, delay time.Duration) error {
	body, err := json.Marshal(item)
	if err != nil {
		return WrapError(errorOperationService, errorSubjectQueue, errorCodeEnqueue, err)
	}
	if err := queue.Enqueue(ctx, queueName, body, delay); err != nil {
		return WrapError(errorOperationService, errorSubjectQueue, errorCodeEnqueue, err)
	}
	return nil
}

// ProcessBatch runs process for each message in order and collects the ids that failed.
// Structurally invalid messages are failed too, so the queue's own policy dead-letters them.
func ProcessBatch(ctx context.Context, messages []Message, process func(ctx context.Context, message Message) error) []string {
	failed := make([]string, 0)
	for _, message := range messages {
		if err := process(ctx, message); err != nil {
			failed = append(failed, message.ID)
		}
	}
	return failed
}

// QueueNames lists every queue the pool uses.
func QueueNames() []string {
	return []string{QueueReserveAccounts, QueueCleanAccounts}
}

