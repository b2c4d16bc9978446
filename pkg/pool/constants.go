package pool

import "time"

const (
	operationRequestReservation = "request_reservation"
	operationProcessAttempt     = "process_attempt"
	operationRemoveReservation  = "remove_reservation"
	operationExpireReservation  = "expire_reservation"
	operationReleaseAccount     = "release_account"
	operationReserveAccount     = "reserve_account"
	operationSweepJammed        = "sweep_jammed"
	operationSweepOrphaned      = "sweep_orphaned"
	operationSweepExpired       = "sweep_expired"

	// Status values reported through OperationLog.
	OperationStatusOK        = "ok"
	OperationStatusError     = "error"
	OperationStatusConflict  = "conflict"
	OperationStatusRequeued  = "requeued"
	OperationStatusDiscarded = "discarded"

	errorOperationService   = "service"
	errorSubjectAccount     = "account"
	errorSubjectReservation = "reservation"
	errorSubjectQueue       = "queue"
	errorCodeEnqueue        = "enqueue"
	errorCodeDecode         = "decode"
	errorCodeTransition     = "transition"
)

// Queue names used by the pool.
const (
	QueueReserveAccounts = "reserve-accounts"
	QueueCleanAccounts   = "clean-accounts"
)

// Defaults taken when no option overrides them.
const (
	DefaultReservationTTL        = 10 * time.Minute
	DefaultReservationRetryDelay = 10 * time.Second
	DefaultAttemptJitter         = time.Second
	DefaultJammedThreshold       = 30 * time.Minute
	DefaultEventTTL              = 24 * time.Hour
)
