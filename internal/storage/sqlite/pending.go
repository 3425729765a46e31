package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

// insertPending enqueues op. The ULID keeps the queue in creation order.
func (t *sqliteTx) insertPending(ctx context.Context, op *models.PendingOperation) error {
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().Unix()
	}
	if op.Payload == nil {
		op.Payload = []byte("{}")
	}

	_, err := t.q.ExecContext(ctx,
		`INSERT INTO pending_operations (id, identity, idempotency_key, payload, attempts, next_attempt_at, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Identity, op.IdempotencyKey, op.Payload, op.Attempts, op.NextAttemptAt,
		nullString(op.LastError), op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue pending operation: %w", err)
	}
	return nil
}

func (t *sqliteTx) deletePending(ctx context.Context, identity, key string) error {
	_, err := t.q.ExecContext(ctx,
		"DELETE FROM pending_operations WHERE identity = ? AND idempotency_key = ?",
		identity, key,
	)
	if err != nil {
		return fmt.Errorf("failed to dequeue pending operation: %w", err)
	}
	return nil
}

// CountPending returns the length of an account's queue.
func (t *sqliteTx) CountPending(ctx context.Context, identity string) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_operations WHERE identity = ?",
		identity,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// ReschedulePending records a failed commit attempt.
func (t *sqliteTx) ReschedulePending(ctx context.Context, id string, attempts int, nextAttemptAt int64, lastErr string) error {
	res, err := t.q.ExecContext(ctx,
		"UPDATE pending_operations SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?",
		attempts, nextAttemptAt, nullString(lastErr), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule pending operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pending operation not found: %s", id)
	}
	return nil
}

// ListPending retrieves an account's pending queue, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context, identity string) ([]*models.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity, idempotency_key, payload, attempts, next_attempt_at, last_error, created_at
		 FROM pending_operations WHERE identity = ? ORDER BY id ASC`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op := &models.PendingOperation{}
		var lastErr sql.NullString
		if err := rows.Scan(&op.ID, &op.Identity, &op.IdempotencyKey, &op.Payload,
			&op.Attempts, &op.NextAttemptAt, &lastErr, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		if lastErr.Valid {
			op.LastError = lastErr.String
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending operations: %w", err)
	}

	return ops, nil
}

// ListPendingIdentities retrieves every identity with a non-empty queue.
func (s *SQLiteStore) ListPendingIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT identity FROM pending_operations ORDER BY identity",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending identities: %w", err)
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}

	return identities, nil
}
