package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

// GetIdempotency retrieves the record for a key, or nil if there is none.
func (t *sqliteTx) GetIdempotency(ctx context.Context, identity, key string) (*models.IdempotencyRecord, error) {
	record := &models.IdempotencyRecord{}
	var (
		status  string
		outcome []byte
	)
	err := t.q.QueryRowContext(ctx,
		`SELECT identity, idempotency_key, status, fingerprint, outcome, created_at, updated_at
		 FROM idempotency_records WHERE identity = ? AND idempotency_key = ?`,
		identity, key,
	).Scan(&record.Identity, &record.IdempotencyKey, &status, &record.Fingerprint,
		&outcome, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	record.Status = models.RecordStatus(status)
	if len(outcome) > 0 {
		record.Outcome = &models.Outcome{}
		if err := json.Unmarshal(outcome, record.Outcome); err != nil {
			return nil, fmt.Errorf("failed to decode idempotency outcome: %w", err)
		}
	}
	return record, nil
}

// PutIdempotency inserts or replaces the record for a key.
func (t *sqliteTx) PutIdempotency(ctx context.Context, record *models.IdempotencyRecord) error {
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	var outcome []byte
	if record.Outcome != nil {
		b, err := json.Marshal(record.Outcome)
		if err != nil {
			return fmt.Errorf("failed to encode idempotency outcome: %w", err)
		}
		outcome = b
	}

	_, err := t.q.ExecContext(ctx,
		`INSERT INTO idempotency_records (identity, idempotency_key, status, fingerprint, outcome, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity, idempotency_key) DO UPDATE SET
		     status = excluded.status,
		     outcome = excluded.outcome,
		     updated_at = excluded.updated_at`,
		record.Identity, record.IdempotencyKey, string(record.Status), record.Fingerprint,
		outcome, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return nil
}

// PurgeIdempotency removes completed records last touched before the cutoff.
// In-flight records are kept regardless of age.
func (s *SQLiteStore) PurgeIdempotency(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_records WHERE status = ? AND updated_at < ?",
		string(models.RecordCompleted), before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged records: %w", err)
	}
	return n, nil
}
