package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage/sqlite"
)

const identity = "01700000000"

func setupTestStore(t *testing.T) storage.Store {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	err = store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.CreateAccount(context.Background(), &models.Account{Identity: identity, PinHash: "hash"})
	})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return store
}

func begin(t *testing.T, store storage.Store, tracker *Tracker, key, fingerprint string) (Result, error) {
	t.Helper()
	var result Result
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		var err error
		result, err = tracker.BeginOrReuse(context.Background(), tx, identity, key, fingerprint)
		return err
	})
	return result, err
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(models.KindTransfer, 1000, "01811111111")
	tests := []struct {
		name  string
		other string
		same  bool
	}{
		{"identical request", Fingerprint(models.KindTransfer, 1000, "01811111111"), true},
		{"different amount", Fingerprint(models.KindTransfer, 1001, "01811111111"), false},
		{"different kind", Fingerprint(models.KindRecharge, 1000, "01811111111"), false},
		{"different counterparty", Fingerprint(models.KindTransfer, 1000, "01822222222"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (a == tt.other) != tt.same {
				t.Errorf("Expected same=%v for %s", tt.same, tt.name)
			}
		})
	}
}

func TestTracker_BeginOrReuse(t *testing.T) {
	store := setupTestStore(t)
	tracker := NewTracker(nil)
	ctx := context.Background()
	fp := Fingerprint(models.KindTopup, 500, "")

	t.Run("first use is new", func(t *testing.T) {
		result, err := begin(t, store, tracker, "k1", fp)
		if err != nil {
			t.Fatalf("BeginOrReuse failed: %v", err)
		}
		if !result.IsNew {
			t.Error("Expected IsNew for a fresh key")
		}
	})

	t.Run("in-flight without snapshot is re-driven", func(t *testing.T) {
		result, err := begin(t, store, tracker, "k1", fp)
		if err != nil {
			t.Fatalf("BeginOrReuse failed: %v", err)
		}
		if !result.IsNew {
			t.Error("Expected IsNew for an interrupted submission")
		}
	})

	t.Run("pending snapshot is reused", func(t *testing.T) {
		err := store.Update(ctx, func(tx storage.Tx) error {
			return tracker.MarkPending(ctx, tx, identity, "k1", &models.Outcome{
				Status:      models.OutcomePending,
				Transaction: models.Transaction{IdempotencyKey: "k1", Kind: models.KindTopup, AmountMinorUnits: 500},
			})
		})
		if err != nil {
			t.Fatalf("MarkPending failed: %v", err)
		}

		result, err := begin(t, store, tracker, "k1", fp)
		if err != nil {
			t.Fatalf("BeginOrReuse failed: %v", err)
		}
		if result.IsNew || result.Prior == nil || result.Prior.Status != models.OutcomePending {
			t.Errorf("Expected prior pending outcome, got %+v", result)
		}
	})

	t.Run("completed outcome is reused", func(t *testing.T) {
		err := store.Update(ctx, func(tx storage.Tx) error {
			return tracker.Complete(ctx, tx, identity, "k1", &models.Outcome{
				Status:      models.OutcomeConfirmed,
				Transaction: models.Transaction{IdempotencyKey: "k1", Kind: models.KindTopup, AmountMinorUnits: 500},
			})
		})
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}

		result, err := begin(t, store, tracker, "k1", fp)
		if err != nil {
			t.Fatalf("BeginOrReuse failed: %v", err)
		}
		if result.IsNew || result.Prior.Status != models.OutcomeConfirmed {
			t.Errorf("Expected prior confirmed outcome, got %+v", result)
		}
	})

	t.Run("key reused for a different request", func(t *testing.T) {
		_, err := begin(t, store, tracker, "k1", Fingerprint(models.KindTopup, 600, ""))
		if !errors.Is(err, models.ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})

	t.Run("rolled back unit leaves no record", func(t *testing.T) {
		sentinel := errors.New("abort")
		err := store.Update(ctx, func(tx storage.Tx) error {
			if _, err := tracker.BeginOrReuse(ctx, tx, identity, "k2", fp); err != nil {
				return err
			}
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("Expected sentinel error, got %v", err)
		}

		err = store.Update(ctx, func(tx storage.Tx) error {
			record, err := tx.GetIdempotency(ctx, identity, "k2")
			if err != nil {
				return err
			}
			if record != nil {
				t.Errorf("Expected no record after rollback, got %+v", record)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("GetIdempotency failed: %v", err)
		}
	})
}

func TestTracker_TransactionLogFallback(t *testing.T) {
	store := setupTestStore(t)
	tracker := NewTracker(nil)
	ctx := context.Background()

	err := store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.ApplyPendingLocal(ctx, &models.Transaction{
			Identity:         identity,
			IdempotencyKey:   "old-topup",
			Kind:             models.KindTopup,
			AmountMinorUnits: 2500,
		}, &models.PendingOperation{}); err != nil {
			return err
		}
		if _, err := tx.MarkTerminal(ctx, identity, "old-topup", models.Terminal{
			Status:   models.StatusConfirmed,
			Revision: 7,
		}); err != nil {
			return err
		}

		if err := tx.ApplyPendingLocal(ctx, &models.Transaction{
			Identity:         identity,
			IdempotencyKey:   "old-send",
			Kind:             models.KindTransfer,
			AmountMinorUnits: -1005,
			FeeMinorUnits:    5,
			CounterpartyRef:  "01899999999",
		}, &models.PendingOperation{}); err != nil {
			return err
		}
		_, err := tx.MarkTerminal(ctx, identity, "old-send", models.Terminal{
			Status: models.StatusFailed,
			Reason: "limit_exceeded: daily cap",
		})
		return err
	})
	if err != nil {
		t.Fatalf("Seeding transactions failed: %v", err)
	}

	t.Run("confirmed transaction without record", func(t *testing.T) {
		result, err := begin(t, store, tracker, "old-topup", Fingerprint(models.KindTopup, 2500, ""))
		if err != nil {
			t.Fatalf("BeginOrReuse failed: %v", err)
		}
		if result.IsNew || result.Prior.Status != models.OutcomeConfirmed {
			t.Fatalf("Expected confirmed prior outcome, got %+v", result)
		}
		if result.Prior.Transaction.Revision() != 7 {
			t.Errorf("Expected revision 7, got %d", result.Prior.Transaction.Revision())
		}
	})

	t.Run("failed transaction without record", func(t *testing.T) {
		result, err := begin(t, store, tracker, "old-send", Fingerprint(models.KindTransfer, 1000, "01899999999"))
		if err != nil {
			t.Fatalf("BeginOrReuse failed: %v", err)
		}
		if result.IsNew || result.Prior.Status != models.OutcomeRejected {
			t.Fatalf("Expected rejected prior outcome, got %+v", result)
		}
		if result.Prior.Rejection.Code != models.RejectLimitExceeded || result.Prior.Rejection.Message != "daily cap" {
			t.Errorf("Expected limit_exceeded with message, got %+v", result.Prior.Rejection)
		}
	})
}
