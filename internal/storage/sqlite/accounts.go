package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

const accountColumns = `identity, display_name, balance, pin_hash, last_synced_revision, created_at, updated_at`

func getAccount(ctx context.Context, q querier, identity string) (*models.Account, error) {
	account := &models.Account{}
	err := q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE identity = ?",
		identity,
	).Scan(
		&account.Identity,
		&account.DisplayName,
		&account.BalanceMinorUnits,
		&account.PinHash,
		&account.LastSyncedRevision,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, identity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// GetAccount retrieves an account by identity.
func (s *SQLiteStore) GetAccount(ctx context.Context, identity string) (*models.Account, error) {
	return getAccount(ctx, s.db, identity)
}

// GetAccount retrieves an account inside the unit of work.
func (t *sqliteTx) GetAccount(ctx context.Context, identity string) (*models.Account, error) {
	return getAccount(ctx, t.q, identity)
}

// CreateAccount inserts a new account with a zero balance unless one is given.
func (t *sqliteTx) CreateAccount(ctx context.Context, account *models.Account) error {
	var exists int
	err := t.q.QueryRowContext(ctx, "SELECT 1 FROM accounts WHERE identity = ?", account.Identity).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", models.ErrAccountExists, account.Identity)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check account existence: %w", err)
	}

	now := time.Now().Unix()
	if account.CreatedAt == 0 {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err = t.q.ExecContext(ctx,
		"INSERT INTO accounts ("+accountColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		account.Identity,
		account.DisplayName,
		account.BalanceMinorUnits,
		account.PinHash,
		account.LastSyncedRevision,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// addToBalance applies delta and raises the synced revision to at least revision.
func (t *sqliteTx) addToBalance(ctx context.Context, identity string, delta, revision int64) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE accounts
		 SET balance = balance + ?,
		     last_synced_revision = MAX(last_synced_revision, ?),
		     updated_at = ?
		 WHERE identity = ?`,
		delta, revision, time.Now().Unix(), identity,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}
