package pool

import (
	"context"
	"errors"
	"testing"
)

func TestDecodeCleanup(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "valid", body: `{"accountId":" 123456789012 "}`, want: "123456789012"},
		{name: "empty", body: `{"accountId":""}`, wantErr: true},
		{name: "garbled", body: `{`, wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			accountID, err := DecodeCleanup([]byte(testCase.body))
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidMessage) {
					test.Fatalf("expected ErrInvalidMessage, got %v", err)
				}
				var operationError OperationError
				if !errors.As(err, &operationError) || operationError.Code() != errorCodeDecode {
					test.Fatalf("expected decode operation error, got %v", err)
				}
				return
			}
			if err != nil || accountID.String() != testCase.want {
				test.Fatalf("unexpected decode result %q: %v", accountID, err)
			}
		})
	}
}

func TestEnqueueCleanupWrapsQueueFailure(test *testing.T) {
	test.Parallel()
	queue := &stubQueue{failErr: errors.New("offline")}
	err := EnqueueCleanup(context.Background(), queue, mustAccountID(test, "123456789012"))
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Subject() != errorSubjectQueue {
		test.Fatalf("expected queue operation error, got %v", err)
	}
}

func TestProcessBatchKeepsOrderOfFailures(test *testing.T) {
	test.Parallel()
	messages := []Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	failed := ProcessBatch(context.Background(), messages, func(_ context.Context, message Message) error {
		if message.ID == "b" {
			return nil
		}
		return errors.New("failed")
	})
	if len(failed) != 2 || failed[0] != "a" || failed[1] != "c" {
		test.Fatalf("unexpected failed ids %v", failed)
	}
}

