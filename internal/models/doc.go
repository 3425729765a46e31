// Package models defines the domain models of the offline-first wallet ledger.
//
// # Models
//
//   - Account: the single local wallet for one identity (phone number)
//   - Transaction: one monetary movement in the append-only transaction log
//   - PendingOperation: a transaction waiting to be confirmed by the remote authority
//   - IdempotencyRecord: the remembered outcome for a client idempotency key
//
// # Money
//
// Amounts are int64 minor units. A debit carries a negative AmountMinorUnits
// that already includes FeeMinorUnits, so the account balance is always the
// plain sum of confirmed and pending-local amounts.
//
// # Ownership
//
// Only the transaction executor and the reconciliation sweeper mutate these
// records, and both do so under the per-account lock.
package models
