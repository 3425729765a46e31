package models

// RecordStatus is the state of an idempotency record.
type RecordStatus string

const (
	// RecordInFlight marks a submission that has not reached a terminal
	// outcome. A pending-local transaction keeps its record in flight.
	RecordInFlight  RecordStatus = "in-flight"
	RecordCompleted RecordStatus = "completed"
)

// OutcomeStatus is what a submission returned to its caller.
type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomePending   OutcomeStatus = "pending"
	OutcomeRejected  OutcomeStatus = "rejected"
)

// Outcome is the snapshot re-returned for a reused idempotency key.
type Outcome struct {
	Status      OutcomeStatus `json:"status"`
	Transaction Transaction   `json:"transaction"`
	Rejection   *Rejection    `json:"rejection,omitempty"`
}

// IdempotencyRecord maps a client idempotency key to its outcome.
type IdempotencyRecord struct {
	Identity       string
	IdempotencyKey string
	Status         RecordStatus

	// Fingerprint identifies the request the key was first used for.
	Fingerprint string

	// Outcome is nil while the first commit attempt is still running.
	Outcome *Outcome

	CreatedAt int64
	UpdatedAt int64
}
