// Package storage provides abstractions for the local ledger store.
package storage

import (
	"context"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

// Store defines the local ledger: one account per identity, the append-only
// transaction log, the pending-operation queue and the idempotency records.
//
// Every mutation goes through Update so the account, the log, the queue and
// the idempotency record change as one durable unit. Callers serialize
// mutations per account with the account lock.
type Store interface {
	// Update runs fn inside one storage transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// GetAccount returns models.ErrAccountNotFound for an unknown identity.
	GetAccount(ctx context.Context, identity string) (*models.Account, error)

	// ListTransactions returns transactions newest first.
	ListTransactions(ctx context.Context, identity string, filter TransactionFilter) ([]*models.Transaction, error)

	// ListPending returns the pending queue of one account, oldest first.
	ListPending(ctx context.Context, identity string) ([]*models.PendingOperation, error)

	// ListPendingIdentities returns every identity with queued operations.
	ListPendingIdentities(ctx context.Context) ([]string, error)

	// PurgeIdempotency deletes completed idempotency records last updated
	// before the given Unix timestamp and returns how many were removed.
	PurgeIdempotency(ctx context.Context, before int64) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// Tx is the set of operations available inside one unit of work.
type Tx interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, identity string) (*models.Account, error)

	// GetTransaction returns nil and no error when the key is unknown.
	GetTransaction(ctx context.Context, identity, key string) (*models.Transaction, error)

	// CheckFunds returns models.ErrInsufficientFunds when amount would take
	// the spendable balance below zero. Pending-local credits are not
	// spendable; pending-local debits are already part of the balance.
	CheckFunds(ctx context.Context, identity string, amount int64) error

	// ApplyPendingLocal appends a pending-local transaction, applies its
	// amount optimistically and enqueues op, all or nothing. A debit that
	// fails CheckFunds is rejected before anything is written.
	ApplyPendingLocal(ctx context.Context, txn *models.Transaction, op *models.PendingOperation) error

	// MarkTerminal closes a pending-local transaction and removes its queue
	// entry. Failed and reversed outcomes undo the optimistic amount.
	MarkTerminal(ctx context.Context, identity, key string, outcome models.Terminal) (*models.Transaction, error)

	// ReconcileBalance folds a remote snapshot into the account. A snapshot
	// older than the last synced revision is ignored. Any difference from
	// the local confirmed total is recorded as an adjustment transaction.
	ReconcileBalance(ctx context.Context, identity string, snapshot models.Snapshot) (*models.Account, error)

	// CountPending returns the number of queued operations for identity.
	CountPending(ctx context.Context, identity string) (int, error)

	// ReschedulePending records a failed commit attempt.
	ReschedulePending(ctx context.Context, id string, attempts int, nextAttemptAt int64, lastErr string) error

	// GetIdempotency returns nil and no error when the key is unknown.
	GetIdempotency(ctx context.Context, identity, key string) (*models.IdempotencyRecord, error)

	// PutIdempotency inserts or replaces a record.
	PutIdempotency(ctx context.Context, record *models.IdempotencyRecord) error
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	// Statuses keeps only the given statuses. Empty means all.
	Statuses []models.Status

	// Kinds keeps only the given kinds. Empty means all.
	Kinds []models.Kind

	// BeforeSeq returns only transactions with a smaller Seq. Zero means
	// start from the newest.
	BeforeSeq int64

	// Limit caps the result. Zero means no limit.
	Limit int
}
