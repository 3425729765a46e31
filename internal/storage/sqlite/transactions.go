package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage"
)

const transactionColumns = `seq, identity, idempotency_key, kind, amount, fee, counterparty_ref, status, created_at, confirmed_revision, failure_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	txn := &models.Transaction{}
	var (
		kind, status string
		counterparty sql.NullString
		revision     sql.NullInt64
		reason       sql.NullString
	)
	err := row.Scan(
		&txn.Seq,
		&txn.Identity,
		&txn.IdempotencyKey,
		&kind,
		&txn.AmountMinorUnits,
		&txn.FeeMinorUnits,
		&counterparty,
		&status,
		&txn.CreatedAt,
		&revision,
		&reason,
	)
	if err != nil {
		return nil, err
	}
	txn.Kind = models.Kind(kind)
	txn.Status = models.Status(status)
	if counterparty.Valid {
		txn.CounterpartyRef = counterparty.String
	}
	if revision.Valid {
		rev := revision.Int64
		txn.ConfirmedRevision = &rev
	}
	if reason.Valid {
		txn.FailureReason = reason.String
	}
	return txn, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// insertTransaction appends txn to the log and fills in Seq and CreatedAt.
func (t *sqliteTx) insertTransaction(ctx context.Context, txn *models.Transaction) error {
	if txn.CreatedAt == 0 {
		txn.CreatedAt = time.Now().Unix()
	}

	var revision any
	if txn.ConfirmedRevision != nil {
		revision = *txn.ConfirmedRevision
	}

	res, err := t.q.ExecContext(ctx,
		`INSERT INTO transactions (identity, idempotency_key, kind, amount, fee, counterparty_ref, status, created_at, confirmed_revision, failure_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.Identity, txn.IdempotencyKey, string(txn.Kind), txn.AmountMinorUnits, txn.FeeMinorUnits,
		nullString(txn.CounterpartyRef), string(txn.Status), txn.CreatedAt, revision, nullString(txn.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction sequence: %w", err)
	}
	txn.Seq = seq
	return nil
}

// GetTransaction retrieves a transaction by idempotency key.
func (t *sqliteTx) GetTransaction(ctx context.Context, identity, key string) (*models.Transaction, error) {
	txn, err := scanTransaction(t.q.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE identity = ? AND idempotency_key = ?",
		identity, key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// CheckFunds rejects a debit that would overdraw the spendable balance.
func (t *sqliteTx) CheckFunds(ctx context.Context, identity string, amount int64) error {
	if amount >= 0 {
		return nil
	}

	account, err := getAccount(ctx, t.q, identity)
	if err != nil {
		return err
	}

	var pendingCredits int64
	err = t.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions
		 WHERE identity = ? AND status = ? AND amount > 0`,
		identity, string(models.StatusPendingLocal),
	).Scan(&pendingCredits)
	if err != nil {
		return fmt.Errorf("failed to sum pending credits: %w", err)
	}

	spendable := account.BalanceMinorUnits - pendingCredits
	if spendable+amount < 0 {
		return fmt.Errorf("%w: spendable %d, requested %d", models.ErrInsufficientFunds, spendable, -amount)
	}
	return nil
}

// ApplyPendingLocal appends a pending-local transaction, applies its amount
// and enqueues op in the same SQL transaction.
func (t *sqliteTx) ApplyPendingLocal(ctx context.Context, txn *models.Transaction, op *models.PendingOperation) error {
	if err := t.CheckFunds(ctx, txn.Identity, txn.AmountMinorUnits); err != nil {
		return err
	}

	txn.Status = models.StatusPendingLocal
	txn.ConfirmedRevision = nil
	if err := t.insertTransaction(ctx, txn); err != nil {
		return err
	}

	op.Identity = txn.Identity
	op.IdempotencyKey = txn.IdempotencyKey
	if err := t.insertPending(ctx, op); err != nil {
		return err
	}

	return t.addToBalance(ctx, txn.Identity, txn.AmountMinorUnits, 0)
}

// MarkTerminal closes a pending-local transaction.
func (t *sqliteTx) MarkTerminal(ctx context.Context, identity, key string, outcome models.Terminal) (*models.Transaction, error) {
	txn, err := t.GetTransaction(ctx, identity, key)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("%w: unknown key %s", models.ErrNotPending, key)
	}
	if txn.Status != models.StatusPendingLocal {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrNotPending, key, txn.Status)
	}

	switch outcome.Status {
	case models.StatusConfirmed:
		_, err = t.q.ExecContext(ctx,
			"UPDATE transactions SET status = ?, confirmed_revision = ? WHERE seq = ?",
			string(models.StatusConfirmed), outcome.Revision, txn.Seq,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to confirm transaction: %w", err)
		}
		if err := t.addToBalance(ctx, identity, 0, outcome.Revision); err != nil {
			return nil, err
		}
		rev := outcome.Revision
		txn.ConfirmedRevision = &rev

	case models.StatusFailed, models.StatusReversed:
		_, err = t.q.ExecContext(ctx,
			"UPDATE transactions SET status = ?, failure_reason = ? WHERE seq = ?",
			string(outcome.Status), nullString(outcome.Reason), txn.Seq,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to close transaction: %w", err)
		}
		if err := t.addToBalance(ctx, identity, -txn.AmountMinorUnits, 0); err != nil {
			return nil, err
		}
		txn.FailureReason = outcome.Reason

	default:
		return nil, fmt.Errorf("unsupported terminal status %q", outcome.Status)
	}
	txn.Status = outcome.Status

	if err := t.deletePending(ctx, identity, key); err != nil {
		return nil, err
	}
	return txn, nil
}

// ReconcileBalance lets the remote snapshot win over the local confirmed total.
func (t *sqliteTx) ReconcileBalance(ctx context.Context, identity string, snapshot models.Snapshot) (*models.Account, error) {
	account, err := getAccount(ctx, t.q, identity)
	if err != nil {
		return nil, err
	}
	if snapshot.Revision < account.LastSyncedRevision {
		return account, nil
	}

	var confirmed, pending int64
	err = t.q.QueryRowContext(ctx,
		`SELECT
		     COALESCE(SUM(CASE WHEN status = ? THEN amount END), 0),
		     COALESCE(SUM(CASE WHEN status = ? THEN amount END), 0)
		 FROM transactions WHERE identity = ?`,
		string(models.StatusConfirmed), string(models.StatusPendingLocal), identity,
	).Scan(&confirmed, &pending)
	if err != nil {
		return nil, fmt.Errorf("failed to fold transactions: %w", err)
	}

	if diff := snapshot.BalanceMinorUnits - confirmed; diff != 0 {
		revision := snapshot.Revision
		adjustment := &models.Transaction{
			Identity:          identity,
			IdempotencyKey:    fmt.Sprintf("adjustment-%d-%s", snapshot.Revision, uuid.NewString()),
			Kind:              models.KindAdjustment,
			AmountMinorUnits:  diff,
			Status:            models.StatusConfirmed,
			ConfirmedRevision: &revision,
		}
		if err := t.insertTransaction(ctx, adjustment); err != nil {
			return nil, err
		}
	}

	now := time.Now().Unix()
	balance := snapshot.BalanceMinorUnits + pending
	_, err = t.q.ExecContext(ctx,
		"UPDATE accounts SET balance = ?, last_synced_revision = ?, updated_at = ? WHERE identity = ?",
		balance, snapshot.Revision, now, identity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile balance: %w", err)
	}

	account.BalanceMinorUnits = balance
	account.LastSyncedRevision = snapshot.Revision
	account.UpdatedAt = now
	return account, nil
}

// ListTransactions retrieves an account's transactions newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, identity string, filter storage.TransactionFilter) ([]*models.Transaction, error) {
	var (
		where = []string{"identity = ?"}
		args  = []any{identity}
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?"+repeatPlaceholder(len(filter.Statuses)-1)+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.Kinds) > 0 {
		where = append(where, "kind IN (?"+repeatPlaceholder(len(filter.Kinds)-1)+")")
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	if filter.BeforeSeq > 0 {
		where = append(where, "seq < ?")
		args = append(args, filter.BeforeSeq)
	}

	query := "SELECT " + transactionColumns + " FROM transactions WHERE " +
		strings.Join(where, " AND ") + " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return txns, nil
}
