package models

// PendingOperation is a durable queue entry for a transaction that could not
// reach the remote authority. It is written in the same unit as the
// pending-local transaction and removed once the sweeper reaches a terminal
// outcome.
type PendingOperation struct {
	// ID is a ULID, so lexical order is creation order.
	ID string

	Identity       string
	IdempotencyKey string

	// Payload is the JSON commit request replayed by the sweeper.
	Payload []byte

	// Attempts counts sweeper passes that failed to reach the authority.
	Attempts int

	// NextAttemptAt is the Unix timestamp (milliseconds) before which the
	// sweeper leaves the operation alone.
	NextAttemptAt int64

	LastError string

	// CreatedAt is the Unix timestamp when the operation was enqueued.
	CreatedAt int64
}

// Terminal describes how the sweeper closes a pending-local transaction.
type Terminal struct {
	// Status is StatusConfirmed, StatusFailed or StatusReversed.
	Status Status

	// Revision is the remote revision for a confirmation.
	Revision int64

	// Reason is recorded for failed and reversed transactions.
	Reason string
}
