package sweeper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/auth"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/gateway"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/gateway/gatewaytest"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/idempotency"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/ledger"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/locks"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/retry"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage/sqlite"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/wire"
)

const (
	testIdentity  = "01700000000"
	testPIN       = "1234"
	testRecipient = "01811111111"
)

type testEnv struct {
	store     *sqlite.SQLiteStore
	authority *gatewaytest.Authority
	client    gateway.Authority
	executor  *ledger.Executor
	sweeper   *Sweeper
	tracker   *idempotency.Tracker
	locks     *locks.AccountLocks
	notifier  *ledger.Notifier
}

// setupTestSweeper wires an executor and a sweeper the way walletd does,
// sharing the tracker, the locks and the notifier.
func setupTestSweeper(t *testing.T, requeue retry.Policy) *testEnv {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authority := gatewaytest.New()
	t.Cleanup(authority.Close)

	client := gateway.New(authority.URL(), authority.Signer(), gateway.Options{
		Policy: retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2},
	})

	tracker := idempotency.NewTracker(nil)
	accountLocks := locks.New()
	notifier := ledger.NewNotifier()

	executor := ledger.NewExecutor(store, client, ledger.Options{
		Tracker:  tracker,
		Locks:    accountLocks,
		Notifier: notifier,
		PINs:     auth.NewBcryptPIN(bcrypt.MinCost),
	})
	sweeper := New(store, client, Options{
		Tracker:  tracker,
		Locks:    accountLocks,
		Notifier: notifier,
		Policy:   requeue,
		Interval: time.Hour,
	})
	return &testEnv{
		store:     store,
		authority: authority,
		client:    client,
		executor:  executor,
		sweeper:   sweeper,
		tracker:   tracker,
		locks:     accountLocks,
		notifier:  notifier,
	}
}

// immediate requeues unreachable operations without waiting.
var immediate = retry.Policy{MaxAttempts: 1, InitialDelay: 0, Multiplier: 1}

func (env *testEnv) open(t *testing.T, identity string, balance int64) {
	t.Helper()
	env.authority.Seed(identity, balance)
	if _, err := env.executor.OpenAccount(context.Background(), identity, "Test", testPIN); err != nil {
		t.Fatalf("OpenAccount failed: %v", err)
	}
}

func (env *testEnv) submitPending(t *testing.T, identity, key string, amount int64) {
	t.Helper()
	outcome, err := env.executor.Submit(context.Background(), ledger.Submission{
		Identity:         identity,
		Pin:              testPIN,
		Kind:             models.KindTransfer,
		AmountMinorUnits: amount,
		CounterpartyRef:  testRecipient,
		IdempotencyKey:   key,
	}, ledger.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit %s failed: %v", key, err)
	}
	if outcome.Status != models.OutcomePending {
		t.Fatalf("Expected %s to be pending, got %s", key, outcome.Status)
	}
}

// executorWith builds a second executor on the same store, tracker, locks
// and notifier, talking to authority.
func (env *testEnv) executorWith(authority gateway.Authority) *ledger.Executor {
	return ledger.NewExecutor(env.store, authority, ledger.Options{
		Tracker:  env.tracker,
		Locks:    env.locks,
		Notifier: env.notifier,
		PINs:     auth.NewBcryptPIN(bcrypt.MinCost),
	})
}

func transfer(key string, amount int64) ledger.Submission {
	return ledger.Submission{
		Identity:         testIdentity,
		Pin:              testPIN,
		Kind:             models.KindTransfer,
		AmountMinorUnits: amount,
		CounterpartyRef:  testRecipient,
		IdempotencyKey:   key,
	}
}

func (env *testEnv) balance(t *testing.T, identity string) int64 {
	t.Helper()
	account, err := env.store.GetAccount(context.Background(), identity)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	return account.BalanceMinorUnits
}

func (env *testEnv) transaction(t *testing.T, identity, key string) *models.Transaction {
	t.Helper()
	txns, err := env.store.ListTransactions(context.Background(), identity, storage.TransactionFilter{})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	for _, txn := range txns {
		if txn.IdempotencyKey == key {
			return txn
		}
	}
	t.Fatalf("Transaction %s not found", key)
	return nil
}

func (env *testEnv) queued(t *testing.T, identity string) []*models.PendingOperation {
	t.Helper()
	ops, err := env.store.ListPending(context.Background(), identity)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	return ops
}

func TestSweeper_ConvergesAfterReconnect(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	env.open(t, testIdentity, 5000)

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-1", 1000)
	if balance := env.balance(t, testIdentity); balance != 3995 {
		t.Fatalf("Expected optimistic balance 3995, got %d", balance)
	}

	env.authority.SetOffline(false)
	report, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Confirmed != 1 || report.Waiting != 0 {
		t.Errorf("Expected 1 confirmed and nothing waiting, got %+v", report)
	}

	txn := env.transaction(t, testIdentity, "send-1")
	if txn.Status != models.StatusConfirmed || txn.ConfirmedRevision == nil {
		t.Errorf("Expected confirmed transaction with a revision, got %+v", txn)
	}
	if n := len(env.queued(t, testIdentity)); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}

	remote, _ := env.authority.State(testIdentity)
	if balance := env.balance(t, testIdentity); balance != 3995 || remote != 3995 {
		t.Errorf("Expected local and remote balance 3995, got %d and %d", balance, remote)
	}

	t.Run("resubmission returns the confirmed outcome", func(t *testing.T) {
		outcome, err := env.executor.Submit(context.Background(), ledger.Submission{
			Identity:         testIdentity,
			Pin:              testPIN,
			Kind:             models.KindTransfer,
			AmountMinorUnits: 1000,
			CounterpartyRef:  testRecipient,
			IdempotencyKey:   "send-1",
		}, ledger.SubmitOptions{})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if outcome.Status != models.OutcomeConfirmed {
			t.Errorf("Expected confirmed, got %s", outcome.Status)
		}
		if n := len(env.authority.Applied(testIdentity)); n != 1 {
			t.Errorf("Expected one remote commit, got %d", n)
		}
	})

	t.Run("nothing left to sweep", func(t *testing.T) {
		report, err := env.sweeper.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if report.Confirmed != 0 || report.Waiting != 0 {
			t.Errorf("Expected an empty pass, got %+v", report)
		}
	})
}

func TestSweeper_PreservesOrder(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	env.open(t, testIdentity, 5000)

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-a", 1000)
	env.submitPending(t, testIdentity, "send-b", 500)
	env.authority.SetOffline(false)

	if _, err := env.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	applied := env.authority.Applied(testIdentity)
	if len(applied) != 2 || applied[0].IdempotencyKey != "send-a" || applied[1].IdempotencyKey != "send-b" {
		t.Fatalf("Expected send-a then send-b, got %+v", applied)
	}

	a := env.transaction(t, testIdentity, "send-a")
	b := env.transaction(t, testIdentity, "send-b")
	if a.Revision() >= b.Revision() {
		t.Errorf("Expected revision(a) < revision(b), got %d and %d", a.Revision(), b.Revision())
	}
	if balance := env.balance(t, testIdentity); balance != 5000-1005-505 {
		t.Errorf("Expected balance %d, got %d", 5000-1005-505, balance)
	}
}

func TestSweeper_StillUnreachable(t *testing.T) {
	env := setupTestSweeper(t, retry.Policy{MaxAttempts: 1, InitialDelay: time.Hour})
	env.open(t, testIdentity, 5000)

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-a", 1000)
	env.submitPending(t, testIdentity, "send-b", 1000)

	report, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Rescheduled != 1 || report.Waiting != 2 {
		t.Errorf("Expected the head rescheduled and both waiting, got %+v", report)
	}

	ops := env.queued(t, testIdentity)
	if len(ops) != 2 {
		t.Fatalf("Expected 2 queued operations, got %d", len(ops))
	}
	if ops[0].IdempotencyKey != "send-a" || ops[0].Attempts != 1 || ops[0].LastError == "" {
		t.Errorf("Expected send-a rescheduled once with an error, got %+v", ops[0])
	}
	if ops[1].Attempts != 0 {
		t.Errorf("Expected send-b untouched behind the head, got %d attempts", ops[1].Attempts)
	}
	if ops[0].NextAttemptAt <= time.Now().Add(30*time.Minute).UnixMilli() {
		t.Errorf("Expected next attempt about an hour out, got %d", ops[0].NextAttemptAt)
	}

	t.Run("not due yet", func(t *testing.T) {
		env.authority.SetOffline(false)
		calls := env.authority.Calls()

		report, err := env.sweeper.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if env.authority.Calls() != calls {
			t.Error("Expected no remote call for an operation that is not due")
		}
		if report.Waiting != 2 {
			t.Errorf("Expected 2 waiting, got %d", report.Waiting)
		}
	})

	if balance := env.balance(t, testIdentity); balance != 5000-2*1005 {
		t.Errorf("Expected optimistic balance %d, got %d", 5000-2*1005, balance)
	}
}

func TestSweeper_RejectionReverses(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	env.open(t, testIdentity, 5000)

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-1", 1000)
	env.authority.SetOffline(false)
	env.authority.RejectKey("send-1", models.RejectInvalidRecipient)

	report, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Reversed != 1 {
		t.Errorf("Expected 1 reversed, got %+v", report)
	}

	if balance := env.balance(t, testIdentity); balance != 5000 {
		t.Errorf("Expected balance restored to 5000, got %d", balance)
	}
	txn := env.transaction(t, testIdentity, "send-1")
	if txn.Status != models.StatusReversed {
		t.Errorf("Expected reversed, got %s", txn.Status)
	}

	_, err = env.executor.Submit(context.Background(), ledger.Submission{
		Identity:         testIdentity,
		Pin:              testPIN,
		Kind:             models.KindTransfer,
		AmountMinorUnits: 1000,
		CounterpartyRef:  testRecipient,
		IdempotencyKey:   "send-1",
	}, ledger.SubmitOptions{})
	var rejection *models.Rejection
	if !errors.As(err, &rejection) || rejection.Code != models.RejectInvalidRecipient {
		t.Errorf("Expected invalid_recipient on resubmission, got %v", err)
	}
}

func TestSweeper_RemoteWins(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	env.open(t, testIdentity, 5000)

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-1", 1000)

	// A credit lands on the backend while the device is offline.
	env.authority.Seed(testIdentity, 8000)
	env.authority.SetOffline(false)

	if _, err := env.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	remote, revision := env.authority.State(testIdentity)
	if remote != 6995 {
		t.Fatalf("Expected remote balance 6995, got %d", remote)
	}
	account, err := env.store.GetAccount(context.Background(), testIdentity)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.BalanceMinorUnits != remote || account.LastSyncedRevision != revision {
		t.Errorf("Expected %d at revision %d, got %+v", remote, revision, account)
	}

	adjustments, err := env.store.ListTransactions(context.Background(), testIdentity, storage.TransactionFilter{
		Kinds: []models.Kind{models.KindAdjustment},
	})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(adjustments) != 2 || adjustments[0].AmountMinorUnits != 3000 {
		t.Errorf("Expected a 3000 adjustment after the opening one, got %+v", adjustments)
	}
}

func TestSweeper_ManyAccounts(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	identities := []string{"01700000001", "01700000002", "01700000003"}
	for _, id := range identities {
		env.open(t, id, 2000)
	}

	env.authority.SetOffline(true)
	for _, id := range identities {
		env.submitPending(t, id, "send-"+id, 100)
	}
	env.authority.SetOffline(false)

	report, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Confirmed != 3 {
		t.Errorf("Expected 3 confirmed, got %+v", report)
	}
	for _, id := range identities {
		remote, _ := env.authority.State(id)
		if balance := env.balance(t, id); balance != 1895 || remote != 1895 {
			t.Errorf("%s: expected 1895 local and remote, got %d and %d", id, balance, remote)
		}
	}
}

func TestSweeper_SinglePass(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	env.open(t, testIdentity, 5000)

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-1", 1000)
	env.authority.SetOffline(false)
	env.authority.SetDelay(300 * time.Millisecond)

	calls := env.authority.Calls()
	done := make(chan Report, 1)
	go func() {
		report, _ := env.sweeper.Sweep(context.Background())
		done <- report
	}()

	deadline := time.Now().Add(2 * time.Second)
	for env.authority.Calls() == calls && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	report, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if !report.Skipped {
		t.Error("Expected the overlapping pass to be skipped")
	}

	if first := <-done; first.Confirmed != 1 {
		t.Errorf("Expected the first pass to confirm, got %+v", first)
	}
}

func TestSweeper_RunAndKick(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	env.open(t, testIdentity, 5000)

	var (
		mu       sync.Mutex
		balances []int64
	)
	unsubscribe := env.notifier.Subscribe(func(c ledger.BalanceChange) {
		mu.Lock()
		balances = append(balances, c.BalanceMinorUnits)
		mu.Unlock()
	})
	defer unsubscribe()

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-1", 1000)
	env.authority.SetOffline(false)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- env.sweeper.Run(ctx) }()

	env.sweeper.Kick()
	deadline := time.Now().Add(2 * time.Second)
	for len(env.queued(t, testIdentity)) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(env.queued(t, testIdentity)); n != 0 {
		t.Fatalf("Expected Run to drain the queue, %d left", n)
	}

	cancel()
	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(balances) < 2 || balances[len(balances)-1] != 3995 {
		t.Errorf("Expected pending and confirmed notifications ending at 3995, got %v", balances)
	}
}

func TestSweeper_OrderAcrossReconnect(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	env.open(t, testIdentity, 5000)
	ctx := context.Background()

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-a", 1000)
	env.authority.SetOffline(false)

	outcome, err := env.executor.Submit(ctx, transfer("send-b", 500), ledger.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit send-b failed: %v", err)
	}
	if outcome.Status != models.OutcomePending {
		t.Fatalf("Expected send-b to wait behind send-a, got %s", outcome.Status)
	}
	if n := len(env.authority.Applied(testIdentity)); n != 0 {
		t.Fatalf("Expected nothing applied remotely before the sweep, got %d", n)
	}

	report, err := env.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Confirmed != 2 || report.Waiting != 0 {
		t.Errorf("Expected 2 confirmed and nothing waiting, got %+v", report)
	}

	applied := env.authority.Applied(testIdentity)
	if len(applied) != 2 || applied[0].IdempotencyKey != "send-a" || applied[1].IdempotencyKey != "send-b" {
		t.Fatalf("Expected send-a then send-b, got %+v", applied)
	}
	a := env.transaction(t, testIdentity, "send-a")
	b := env.transaction(t, testIdentity, "send-b")
	if a.Revision() >= b.Revision() {
		t.Errorf("Expected revision(a) < revision(b), got %d and %d", a.Revision(), b.Revision())
	}

	remote, _ := env.authority.State(testIdentity)
	if local := env.balance(t, testIdentity); local != remote || local != 5000-1005-505 {
		t.Errorf("Expected local and remote %d, got %d and %d", 5000-1005-505, local, remote)
	}
}

// crashAfterCommit lets the authority apply a commit and then dies before
// the executor sees the answer.
type crashAfterCommit struct {
	gateway.Authority
}

func (a *crashAfterCommit) CommitTransaction(ctx context.Context, req *wire.CommitRequest) (*gateway.Commit, error) {
	if _, err := a.Authority.CommitTransaction(ctx, req); err != nil {
		return nil, err
	}
	panic("process killed after remote accept")
}

// lostResponse lets the authority apply a commit and reports it unreachable.
type lostResponse struct {
	gateway.Authority
}

func (a *lostResponse) CommitTransaction(ctx context.Context, req *wire.CommitRequest) (*gateway.Commit, error) {
	if _, err := a.Authority.CommitTransaction(ctx, req); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: connection reset", models.ErrUnreachable)
}

func TestSweeper_RecoversInterruptedCommit(t *testing.T) {
	t.Run("crash between remote accept and local confirm", func(t *testing.T) {
		env := setupTestSweeper(t, immediate)
		env.open(t, testIdentity, 5000)
		ctx := context.Background()

		crashing := env.executorWith(&crashAfterCommit{Authority: env.client})
		func() {
			defer func() {
				if recover() == nil {
					t.Fatal("Expected the submission to be interrupted")
				}
			}()
			crashing.Submit(ctx, transfer("crash-1", 1000), ledger.SubmitOptions{})
		}()

		if remote, _ := env.authority.State(testIdentity); remote != 3995 {
			t.Fatalf("Expected the authority to have applied crash-1, got %d", remote)
		}
		if txn := env.transaction(t, testIdentity, "crash-1"); txn.Status != models.StatusPendingLocal {
			t.Fatalf("Expected crash-1 to survive as pending-local, got %s", txn.Status)
		}
		if n := len(env.queued(t, testIdentity)); n != 1 {
			t.Fatalf("Expected crash-1 to be queued, got %d", n)
		}

		report, err := env.sweeper.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if report.Confirmed != 1 {
			t.Errorf("Expected crash-1 to be confirmed, got %+v", report)
		}

		remote, _ := env.authority.State(testIdentity)
		if local := env.balance(t, testIdentity); local != remote || local != 3995 {
			t.Errorf("Expected local and remote 3995, got %d and %d", local, remote)
		}
		if n := len(env.authority.Applied(testIdentity)); n != 1 {
			t.Errorf("Expected crash-1 applied once, got %d", n)
		}

		outcome, err := env.executor.Submit(ctx, transfer("crash-1", 1000), ledger.SubmitOptions{})
		if err != nil || outcome.Status != models.OutcomeConfirmed {
			t.Errorf("Expected resubmission to return confirmed, got %+v %v", outcome, err)
		}
	})

	t.Run("response lost after remote accept", func(t *testing.T) {
		env := setupTestSweeper(t, immediate)
		env.open(t, testIdentity, 5000)
		ctx := context.Background()

		outcome, err := env.executorWith(&lostResponse{Authority: env.client}).
			Submit(ctx, transfer("lost-1", 1000), ledger.SubmitOptions{})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if outcome.Status != models.OutcomePending {
			t.Fatalf("Expected pending, got %s", outcome.Status)
		}
		ops := env.queued(t, testIdentity)
		if len(ops) != 1 || ops[0].LastError == "" {
			t.Fatalf("Expected one queued operation with its error, got %+v", ops)
		}

		if _, err := env.sweeper.Sweep(ctx); err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		remote, _ := env.authority.State(testIdentity)
		if local := env.balance(t, testIdentity); local != remote || local != 3995 {
			t.Errorf("Expected local and remote 3995, got %d and %d", local, remote)
		}
		if n := len(env.authority.Applied(testIdentity)); n != 1 {
			t.Errorf("Expected lost-1 applied once, got %d", n)
		}
	})
}

func TestSweeper_SkipsOperationSettledElsewhere(t *testing.T) {
	env := setupTestSweeper(t, immediate)
	env.open(t, testIdentity, 5000)
	ctx := context.Background()

	env.authority.SetOffline(true)
	env.submitPending(t, testIdentity, "send-1", 1000)
	env.authority.SetOffline(false)

	ops := env.queued(t, testIdentity)
	if len(ops) != 1 {
		t.Fatalf("Expected one queued operation, got %d", len(ops))
	}
	if _, err := env.sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	// A stale copy of the settled operation.
	res, err := env.sweeper.settle(ctx, ops[0])
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if res != resultSettled {
		t.Errorf("Expected %q, got %q", resultSettled, res)
	}
	if n := len(env.authority.Applied(testIdentity)); n != 1 {
		t.Errorf("Expected send-1 applied once, got %d", n)
	}
}
