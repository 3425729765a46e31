// Package ledger is the wallet's transaction executor.
//
// A submission moves through Authorizing and Committing to one of three
// results. Confirmed means the remote authority accepted it. Pending means
// the authority could not be reached, or older operations are still queued
// for the account, and the sweeper will settle it. Rejected means the
// authority refused it; the refusal is logged and the balance is untouched.
//
// Every authorized submission is written ahead as a pending-local
// transaction with a queue entry before the authority is called, so a
// crash at any point leaves something the sweeper can re-drive.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/auth"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/fees"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/gateway"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/idempotency"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/locks"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/metrics"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/wire"
)

// DefaultCommitTimeout bounds the Committing phase when neither the
// executor nor the submission sets one.
const DefaultCommitTimeout = 15 * time.Second

// Syncer starts a reconciliation pass. The sweeper implements it.
type Syncer interface {
	Kick() bool
}

// Options configures an Executor. Zero values get working defaults.
type Options struct {
	Tracker       *idempotency.Tracker
	Locks         *locks.AccountLocks
	Fees          *fees.Schedule
	PINs          auth.PINHasher
	Notifier      *Notifier
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	CommitTimeout time.Duration

	// Syncer, if set, is kicked when a submission queues behind older
	// pending operations.
	Syncer Syncer

	// PINMaxAttempts consecutive wrong PINs lock the identity out of
	// Submit for PINLockout.
	PINMaxAttempts int
	PINLockout     time.Duration
}

// Executor applies monetary operations to the local ledger.
type Executor struct {
	store         storage.Store
	authority     gateway.Authority
	tracker       *idempotency.Tracker
	locks         *locks.AccountLocks
	fees          *fees.Schedule
	pins          auth.PINHasher
	notifier      *Notifier
	metrics       *metrics.Metrics
	logger        *slog.Logger
	commitTimeout time.Duration
	syncer        Syncer
	pinGuard      *pinGuard
}

// NewExecutor creates an Executor.
func NewExecutor(store storage.Store, authority gateway.Authority, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracker == nil {
		opts.Tracker = idempotency.NewTracker(opts.Logger)
	}
	if opts.Locks == nil {
		opts.Locks = locks.New()
	}
	if opts.Fees == nil {
		opts.Fees = fees.Default()
	}
	if opts.PINs == nil {
		opts.PINs = auth.NewBcryptPIN(0)
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier()
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	if opts.PINMaxAttempts <= 0 {
		opts.PINMaxAttempts = DefaultPINMaxAttempts
	}
	if opts.PINLockout <= 0 {
		opts.PINLockout = DefaultPINLockout
	}
	return &Executor{
		store:         store,
		authority:     authority,
		tracker:       opts.Tracker,
		locks:         opts.Locks,
		fees:          opts.Fees,
		pins:          opts.PINs,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		commitTimeout: opts.CommitTimeout,
		syncer:        opts.Syncer,
		pinGuard:      newPINGuard(opts.PINMaxAttempts, opts.PINLockout),
	}
}

// Submission is one user-initiated monetary operation.
type Submission struct {
	Identity string
	Pin      string
	Kind     models.Kind

	// AmountMinorUnits is the positive principal. The fee is added on top
	// for debits and taken out for credits.
	AmountMinorUnits int64

	CounterpartyRef string

	// IdempotencyKey is generated when empty.
	IdempotencyKey string
}

// SubmitOptions tunes a single submission.
type SubmitOptions struct {
	// CommitTimeout bounds the remote commit. Zero means the executor default.
	CommitTimeout time.Duration
}

func (s *Submission) validate() error {
	if s.Identity == "" {
		return models.Validationf("identity is required")
	}
	if !s.Kind.Valid() {
		return models.Validationf("unsupported kind %q", s.Kind)
	}
	if s.AmountMinorUnits <= 0 {
		return models.Validationf("amount must be positive")
	}
	if s.Kind.RequiresCounterparty() && s.CounterpartyRef == "" {
		return models.Validationf("%s requires a counterparty", s.Kind)
	}
	return nil
}

// Submit authorizes and commits one operation.
//
// A confirmed or pending result returns the outcome and a nil error. A remote
// rejection returns the outcome together with its *models.Rejection. Local
// failures (validation, PIN, insufficient funds) return only an error and
// leave nothing behind. Resubmitting a key returns the first outcome.
func (e *Executor) Submit(ctx context.Context, sub Submission, opts SubmitOptions) (*models.Outcome, error) {
	if err := sub.validate(); err != nil {
		e.metrics.Submission(string(sub.Kind), "invalid")
		return nil, err
	}

	account, err := e.store.GetAccount(ctx, sub.Identity)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(account, sub); err != nil {
		e.metrics.Submission(string(sub.Kind), "unauthorized")
		e.logger.Warn("Submission refused", "identity", sub.Identity, "kind", sub.Kind, "error", err)
		return nil, err
	}

	quote, err := e.fees.Quote(sub.Kind, sub.AmountMinorUnits)
	if err != nil {
		e.metrics.Submission(string(sub.Kind), "invalid")
		return nil, err
	}

	if sub.IdempotencyKey == "" {
		sub.IdempotencyKey = uuid.NewString()
	}
	logger := e.logger.With("identity", sub.Identity, "idempotency_key", sub.IdempotencyKey, "kind", sub.Kind)
	logger.Info("Submit request received", "amount", quote.Principal, "fee", quote.Fee)

	unlock, err := e.locks.Lock(ctx, sub.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	defer unlock()

	txn := &models.Transaction{
		Identity:         sub.Identity,
		IdempotencyKey:   sub.IdempotencyKey,
		Kind:             sub.Kind,
		AmountMinorUnits: signedAmount(sub.Kind, quote),
		FeeMinorUnits:    quote.Fee,
		CounterpartyRef:  sub.CounterpartyRef,
		CreatedAt:        time.Now().Unix(),
	}
	req := commitRequestFor(txn)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending payload: %w", err)
	}
	op := &models.PendingOperation{
		Identity:       txn.Identity,
		IdempotencyKey: txn.IdempotencyKey,
		Payload:        payload,
		NextAttemptAt:  time.Now().UnixMilli(),
	}
	fingerprint := idempotency.Fingerprint(sub.Kind, quote.Principal, sub.CounterpartyRef)

	var (
		begin   idempotency.Result
		queued  int
		pending = &models.Outcome{Status: models.OutcomePending}
		written *models.Account
	)
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		begin, err = e.tracker.BeginOrReuse(ctx, tx, sub.Identity, sub.IdempotencyKey, fingerprint)
		if err != nil || !begin.IsNew {
			return err
		}
		if queued, err = tx.CountPending(ctx, sub.Identity); err != nil {
			return err
		}
		if err := tx.ApplyPendingLocal(ctx, txn, op); err != nil {
			return err
		}
		pending.Transaction = *txn
		if err := e.tracker.MarkPending(ctx, tx, txn.Identity, txn.IdempotencyKey, pending); err != nil {
			return err
		}
		written, err = tx.GetAccount(ctx, sub.Identity)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			e.metrics.Submission(string(sub.Kind), "insufficient_funds")
			logger.Info("Submission refused locally", "error", err)
		}
		return nil, err
	}
	if !begin.IsNew {
		logger.Info("Returning prior outcome", "status", begin.Prior.Status)
		return priorResult(begin.Prior)
	}

	// Older operations reach the authority first.
	if queued > 0 {
		e.metrics.Submission(string(txn.Kind), string(models.OutcomePending))
		logger.Info("Queued behind pending operations", "queued", queued, "pending_id", op.ID)
		e.notifier.PublishAccount(written)
		if e.syncer != nil {
			e.syncer.Kick()
		}
		return pending, nil
	}

	timeout := opts.CommitTimeout
	if timeout <= 0 {
		timeout = e.commitTimeout
	}
	commitCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	commit, commitErr := e.authority.CommitTransaction(commitCtx, req)
	cancel()

	// The remote call may have had side effects. Record them even if the
	// caller has gone away.
	wctx := context.WithoutCancel(ctx)

	var rejection *models.Rejection
	switch {
	case commitErr == nil:
		e.metrics.CommitDuration("accepted", time.Since(start))
		return e.confirm(wctx, logger, txn, commit)
	case errors.As(commitErr, &rejection):
		e.metrics.CommitDuration("rejected", time.Since(start))
		return e.reject(wctx, logger, txn, rejection)
	default:
		e.metrics.CommitDuration("unreachable", time.Since(start))
		return e.keepPending(wctx, logger, pending, op, commitErr)
	}
}

// authorize verifies the PIN and enforces the wrong-PIN lockout.
func (e *Executor) authorize(account *models.Account, sub Submission) error {
	if err := e.pinGuard.check(sub.Identity); err != nil {
		return err
	}
	if err := e.pins.Verify(account.PinHash, sub.Pin); err != nil {
		if e.pinGuard.fail(sub.Identity) {
			e.logger.Warn("Identity locked out after wrong PINs", "identity", sub.Identity)
		}
		return err
	}
	e.pinGuard.succeed(sub.Identity)
	return nil
}

// confirm promotes the written-ahead transaction and lets the commit's
// snapshot correct the balance.
func (e *Executor) confirm(ctx context.Context, logger *slog.Logger, txn *models.Transaction, commit *gateway.Commit) (*models.Outcome, error) {
	var (
		outcome *models.Outcome
		account *models.Account
	)
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		confirmed, err := tx.MarkTerminal(ctx, txn.Identity, txn.IdempotencyKey, models.Terminal{
			Status:   models.StatusConfirmed,
			Revision: commit.Revision,
		})
		if err != nil {
			return err
		}
		outcome = idempotency.OutcomeOf(confirmed)
		if err := e.tracker.Complete(ctx, tx, txn.Identity, txn.IdempotencyKey, outcome); err != nil {
			return err
		}
		account, err = tx.ReconcileBalance(ctx, txn.Identity, models.Snapshot{
			BalanceMinorUnits: commit.BalanceMinorUnits,
			Revision:          commit.Revision,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record confirmed transaction: %w", err)
	}

	e.metrics.Submission(string(txn.Kind), string(models.OutcomeConfirmed))
	logger.Info("Transaction confirmed", "revision", commit.Revision, "balance", account.BalanceMinorUnits)
	e.notifier.PublishAccount(account)
	return outcome, nil
}

// reject closes the written-ahead transaction as failed, which undoes its
// optimistic amount.
func (e *Executor) reject(ctx context.Context, logger *slog.Logger, txn *models.Transaction, rejection *models.Rejection) (*models.Outcome, error) {
	outcome := &models.Outcome{Status: models.OutcomeRejected, Rejection: rejection}

	err := e.store.Update(ctx, func(tx storage.Tx) error {
		failed, err := tx.MarkTerminal(ctx, txn.Identity, txn.IdempotencyKey, models.Terminal{
			Status: models.StatusFailed,
			Reason: rejection.Reason(),
		})
		if err != nil {
			return err
		}
		outcome.Transaction = *failed
		return e.tracker.Complete(ctx, tx, txn.Identity, txn.IdempotencyKey, outcome)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record rejected transaction: %w", err)
	}

	e.metrics.Submission(string(txn.Kind), string(models.OutcomeRejected))
	logger.Info("Transaction rejected", "code", rejection.Code, "reason", rejection.Message)
	return outcome, rejection
}

// keepPending leaves the written-ahead operation queued for the sweeper and
// records why the commit failed.
func (e *Executor) keepPending(ctx context.Context, logger *slog.Logger, outcome *models.Outcome, op *models.PendingOperation, cause error) (*models.Outcome, error) {
	var account *models.Account
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.ReschedulePending(ctx, op.ID, op.Attempts, op.NextAttemptAt, cause.Error()); err != nil {
			return err
		}
		var err error
		account, err = tx.GetAccount(ctx, op.Identity)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record pending transaction: %w", err)
	}

	e.metrics.Submission(string(outcome.Transaction.Kind), string(models.OutcomePending))
	logger.Warn("Remote authority unreachable, applied locally",
		"pending_id", op.ID,
		"balance", account.BalanceMinorUnits,
		"error", cause,
	)
	e.notifier.PublishAccount(account)
	return outcome, nil
}

// OpenAccount provisions the local account for identity and seeds its
// balance from the remote authority when it is reachable.
func (e *Executor) OpenAccount(ctx context.Context, identity, displayName, pin string) (*models.Account, error) {
	if identity == "" {
		return nil, models.Validationf("identity is required")
	}
	hash, err := e.pins.Hash(pin)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	defer unlock()

	account := &models.Account{
		Identity:    identity,
		DisplayName: displayName,
		PinHash:     hash,
	}
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		return tx.CreateAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Account opened", "identity", identity)

	fetchCtx, cancel := context.WithTimeout(ctx, e.commitTimeout)
	snapshot, err := e.authority.FetchAccountState(fetchCtx, identity)
	cancel()
	if err != nil {
		e.logger.Warn("Could not seed balance, will reconcile later", "identity", identity, "error", err)
		return account, nil
	}

	err = e.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		account, err = tx.ReconcileBalance(ctx, identity, snapshot)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seed balance: %w", err)
	}
	e.notifier.PublishAccount(account)
	return account, nil
}

// Balance returns the account with its current balance.
func (e *Executor) Balance(ctx context.Context, identity string) (*models.Account, error) {
	return e.store.GetAccount(ctx, identity)
}

// OnBalanceChanged registers callback for every balance change of any
// account and returns a func that unregisters it.
func (e *Executor) OnBalanceChanged(callback func(BalanceChange)) (unsubscribe func()) {
	return e.notifier.Subscribe(callback)
}

// signedAmount is the balance delta. Debits carry principal plus fee as a
// negative number. Credits carry principal minus fee.
func signedAmount(kind models.Kind, q fees.Quote) int64 {
	if kind.IsDebit() {
		return -q.Total()
	}
	return q.Principal - q.Fee
}

func commitRequestFor(txn *models.Transaction) *wire.CommitRequest {
	return &wire.CommitRequest{
		Identity:         txn.Identity,
		IdempotencyKey:   txn.IdempotencyKey,
		Kind:             string(txn.Kind),
		AmountMinorUnits: txn.AmountMinorUnits,
		FeeMinorUnits:    txn.FeeMinorUnits,
		CounterpartyRef:  txn.CounterpartyRef,
		RequestedAt:      wire.UnixTimestamp(txn.CreatedAt),
	}
}

func priorResult(prior *models.Outcome) (*models.Outcome, error) {
	if prior.Status == models.OutcomeRejected && prior.Rejection != nil {
		return prior, prior.Rejection
	}
	return prior, nil
}
