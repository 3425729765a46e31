package models

// Kind classifies a monetary movement.
type Kind string

const (
	KindTopup      Kind = "credit-topup"
	KindTransfer   Kind = "debit-transfer"
	KindRecharge   Kind = "debit-recharge"
	KindTaskSpend  Kind = "debit-task-spend"
	KindTaskReward Kind = "credit-task-reward"
	KindFee        Kind = "fee"

	// KindAdjustment is a server-originated correction written during
	// reconciliation. It is never submitted by a user.
	KindAdjustment Kind = "adjustment"
)

// Valid reports whether k can be submitted by a user.
func (k Kind) Valid() bool {
	switch k {
	case KindTopup, KindTransfer, KindRecharge, KindTaskSpend, KindTaskReward, KindFee:
		return true
	}
	return false
}

// IsDebit reports whether the movement takes money out of the account.
func (k Kind) IsDebit() bool {
	switch k {
	case KindTransfer, KindRecharge, KindTaskSpend, KindFee:
		return true
	}
	return false
}

// RequiresCounterparty reports whether a recipient reference is mandatory.
func (k Kind) RequiresCounterparty() bool {
	return k == KindTransfer || k == KindRecharge
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusConfirmed    Status = "confirmed"
	StatusPendingLocal Status = "pending-local"
	StatusFailed       Status = "failed"
	StatusReversed     Status = "reversed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s != StatusPendingLocal
}

// Transaction is one entry of the append-only transaction log.
type Transaction struct {
	// Seq is the local insertion order, assigned by the store.
	Seq int64

	// Identity is the owning account.
	Identity string

	// IdempotencyKey is the client-generated UUID, unique per account.
	IdempotencyKey string

	Kind Kind

	// AmountMinorUnits is the signed balance delta. Debits are negative and
	// include the fee.
	AmountMinorUnits int64

	// FeeMinorUnits is the fee part of the amount. Never negative.
	FeeMinorUnits int64

	// CounterpartyRef is the recipient phone number, biller or task reference.
	CounterpartyRef string

	Status Status

	// CreatedAt is the Unix timestamp of the first submission.
	CreatedAt int64

	// ConfirmedRevision is the remote revision that confirmed the transaction.
	// Nil until confirmed.
	ConfirmedRevision *int64

	// FailureReason explains a failed or reversed transaction.
	FailureReason string
}

// Principal returns the amount without the fee, as a positive number.
func (t *Transaction) Principal() int64 {
	if t.AmountMinorUnits < 0 {
		return -t.AmountMinorUnits - t.FeeMinorUnits
	}
	return t.AmountMinorUnits + t.FeeMinorUnits
}

// Revision returns the confirmed revision or zero.
func (t *Transaction) Revision() int64 {
	if t.ConfirmedRevision == nil {
		return 0
	}
	return *t.ConfirmedRevision
}
