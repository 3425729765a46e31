// Package idempotency remembers the outcome of every submission so that a
// resubmitted idempotency key returns the original result instead of moving
// money again.
//
// The Tracker has no storage of its own. It works on the storage.Tx of the
// caller's unit of work, so the record and the ledger writes it guards commit
// or roll back together.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage"
)

// Fingerprint identifies the request an idempotency key was first used for.
// amount is the principal in minor units, without the fee.
func Fingerprint(kind models.Kind, amount int64, counterparty string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(amount, 10)))
	h.Write([]byte{0})
	h.Write([]byte(counterparty))
	return hex.EncodeToString(h.Sum(nil))
}

// Result is what BeginOrReuse found.
type Result struct {
	// IsNew is true when the caller must drive the commit.
	IsNew bool

	// Prior is the outcome to return as-is when IsNew is false.
	Prior *models.Outcome
}

// Tracker implements begin, pending and complete on idempotency records.
type Tracker struct {
	logger *slog.Logger
}

// NewTracker creates a Tracker. A nil logger means slog.Default().
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger}
}

// BeginOrReuse is consulted before any mutation for a submission.
//
// A completed record returns its outcome. An in-flight record with a pending
// snapshot returns that snapshot. An in-flight record without one was left
// by a crash before commit and is reported new, so the commit is re-driven
// with the same key. Without a record the transaction log is checked, which
// covers records purged after the retention window. Otherwise an in-flight
// record is written.
//
// A key reused for a different request fails with models.ErrValidation.
func (t *Tracker) BeginOrReuse(ctx context.Context, tx storage.Tx, identity, key, fingerprint string) (Result, error) {
	record, err := tx.GetIdempotency(ctx, identity, key)
	if err != nil {
		return Result{}, err
	}

	if record != nil {
		if record.Fingerprint != fingerprint {
			return Result{}, models.Validationf("idempotency key %s was used for a different request", key)
		}
		switch {
		case record.Status == models.RecordCompleted && record.Outcome != nil:
			t.logger.Debug("Reusing completed outcome", "identity", identity, "idempotency_key", key)
			return Result{Prior: record.Outcome}, nil
		case record.Outcome != nil:
			t.logger.Debug("Reusing pending outcome", "identity", identity, "idempotency_key", key)
			return Result{Prior: record.Outcome}, nil
		default:
			t.logger.Info("Re-driving interrupted submission", "identity", identity, "idempotency_key", key)
			return Result{IsNew: true}, nil
		}
	}

	txn, err := tx.GetTransaction(ctx, identity, key)
	if err != nil {
		return Result{}, err
	}
	if txn != nil {
		if Fingerprint(txn.Kind, txn.Principal(), txn.CounterpartyRef) != fingerprint {
			return Result{}, models.Validationf("idempotency key %s was used for a different request", key)
		}
		return Result{Prior: OutcomeOf(txn)}, nil
	}

	err = tx.PutIdempotency(ctx, &models.IdempotencyRecord{
		Identity:       identity,
		IdempotencyKey: key,
		Status:         models.RecordInFlight,
		Fingerprint:    fingerprint,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{IsNew: true}, nil
}

// MarkPending stores the pending snapshot and keeps the record in flight.
func (t *Tracker) MarkPending(ctx context.Context, tx storage.Tx, identity, key string, outcome *models.Outcome) error {
	return t.save(ctx, tx, identity, key, models.RecordInFlight, outcome)
}

// Complete stores the terminal outcome.
func (t *Tracker) Complete(ctx context.Context, tx storage.Tx, identity, key string, outcome *models.Outcome) error {
	return t.save(ctx, tx, identity, key, models.RecordCompleted, outcome)
}

func (t *Tracker) save(ctx context.Context, tx storage.Tx, identity, key string, status models.RecordStatus, outcome *models.Outcome) error {
	record, err := tx.GetIdempotency(ctx, identity, key)
	if err != nil {
		return err
	}
	if record == nil {
		// Purged after the retention window. Rebuild it from the outcome.
		txn := outcome.Transaction
		record = &models.IdempotencyRecord{
			Identity:       identity,
			IdempotencyKey: key,
			Fingerprint:    Fingerprint(txn.Kind, txn.Principal(), txn.CounterpartyRef),
		}
	}
	record.Status = status
	record.Outcome = outcome

	if err := tx.PutIdempotency(ctx, record); err != nil {
		return fmt.Errorf("failed to record %s outcome: %w", status, err)
	}
	return nil
}

// OutcomeOf derives the caller-facing outcome from a logged transaction.
func OutcomeOf(txn *models.Transaction) *models.Outcome {
	outcome := &models.Outcome{Transaction: *txn}
	switch txn.Status {
	case models.StatusConfirmed:
		outcome.Status = models.OutcomeConfirmed
	case models.StatusPendingLocal:
		outcome.Status = models.OutcomePending
	default:
		outcome.Status = models.OutcomeRejected
		outcome.Rejection = models.ParseRejection(txn.FailureReason)
	}
	return outcome
}
