// Package sweeper drives pending-local transactions to a terminal outcome
// once the remote authority is reachable again.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/gateway"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/idempotency"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/ledger"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/locks"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/metrics"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/retry"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/wire"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultConcurrency = 4
	DefaultRetention   = 720 * time.Hour
)

// Options configures a Sweeper. Tracker, Locks and Notifier must be the
// ones the executor uses.
type Options struct {
	Tracker  *idempotency.Tracker
	Locks    *locks.AccountLocks
	Notifier *ledger.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Policy spaces out attempts for an operation that stays unreachable.
	Policy retry.Policy

	// Concurrency is the number of accounts swept in parallel.
	Concurrency int

	Interval time.Duration

	// Retention is how long completed idempotency records are kept.
	Retention time.Duration
}

// Report summarizes one pass.
type Report struct {
	Confirmed   int
	Reversed    int
	Rescheduled int

	// Waiting counts operations left in the queue after the pass.
	Waiting int

	Purged int64

	// Skipped is set when another pass was already running.
	Skipped bool
}

func (r *Report) add(o Report) {
	r.Confirmed += o.Confirmed
	r.Reversed += o.Reversed
	r.Rescheduled += o.Rescheduled
	r.Waiting += o.Waiting
}

// Sweeper replays the pending queue against the remote authority.
type Sweeper struct {
	store     storage.Store
	authority gateway.Authority
	tracker   *idempotency.Tracker
	locks     *locks.AccountLocks
	notifier  *ledger.Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger

	policy      retry.Policy
	concurrency int
	interval    time.Duration
	retention   time.Duration

	running atomic.Bool
	kick    chan struct{}
}

// New creates a Sweeper.
func New(store storage.Store, authority gateway.Authority, opts Options) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracker == nil {
		opts.Tracker = idempotency.NewTracker(opts.Logger)
	}
	if opts.Locks == nil {
		opts.Locks = locks.New()
	}
	if opts.Notifier == nil {
		opts.Notifier = ledger.NewNotifier()
	}
	if opts.Policy.MaxAttempts == 0 && opts.Policy.InitialDelay == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Sweeper{
		store:       store,
		authority:   authority,
		tracker:     opts.Tracker,
		locks:       opts.Locks,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "sweeper"),
		policy:      opts.Policy,
		concurrency: opts.Concurrency,
		interval:    opts.Interval,
		retention:   opts.Retention,
		kick:        make(chan struct{}, 1),
	}
}

// Run sweeps once at start, then on every interval tick and every Kick,
// until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", "interval", s.interval, "concurrency", s.concurrency)
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
	}
}

// Kick requests a pass from Run, for example when connectivity returns. It
// reports false if a request is already waiting.
func (s *Sweeper) Kick() bool {
	select {
	case s.kick <- struct{}{}:
		return true
	default:
		return false
	}
}

// Sweep runs one pass over every account with queued operations. A call
// made while another pass is running returns at once with Skipped set.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer s.running.Store(false)

	identities, err := s.store.ListPendingIdentities(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list pending accounts: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
		errs   []error
	)
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, identity := range identities {
		g.Go(func() error {
			r, err := s.sweepAccount(ctx, identity)
			mu.Lock()
			defer mu.Unlock()
			report.add(r)
			if err != nil {
				errs = append(errs, fmt.Errorf("account %s: %w", identity, err))
			}
			return nil
		})
	}
	g.Wait()

	purged, err := s.store.PurgeIdempotency(ctx, time.Now().Add(-s.retention).Unix())
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to purge idempotency records: %w", err))
	}
	report.Purged = purged

	s.metrics.SetPending(report.Waiting)
	if len(identities) > 0 || purged > 0 {
		s.logger.Info("Sweep finished",
			"accounts", len(identities),
			"confirmed", report.Confirmed,
			"reversed", report.Reversed,
			"rescheduled", report.Rescheduled,
			"waiting", report.Waiting,
			"purged", purged,
		)
	}
	return report, errors.Join(errs...)
}

// sweepAccount replays one account's queue oldest first and stops at the
// first operation that cannot be settled, so later operations never reach
// the authority ahead of earlier ones.
func (s *Sweeper) sweepAccount(ctx context.Context, identity string) (Report, error) {
	var report Report

	ops, err := s.store.ListPending(ctx, identity)
	if err != nil {
		return report, err
	}

	for i, op := range ops {
		if op.NextAttemptAt > time.Now().UnixMilli() {
			report.Waiting += len(ops) - i
			return report, nil
		}

		res, err := s.settle(ctx, op)
		if err != nil {
			report.Waiting += len(ops) - i
			return report, err
		}
		s.metrics.SweepOperation(string(res))

		switch res {
		case resultConfirmed:
			report.Confirmed++
		case resultReversed:
			report.Reversed++
		case resultSettled:
		case resultRescheduled:
			report.Rescheduled++
			report.Waiting += len(ops) - i
			return report, nil
		}
	}
	return report, nil
}

type result string

const (
	resultConfirmed   result = "confirmed"
	resultReversed    result = "reversed"
	resultRescheduled result = "rescheduled"

	// resultSettled means the executor closed the operation while this
	// pass was waiting for the account lock.
	resultSettled result = "settled"
)

// settle replays one operation under the account lock.
func (s *Sweeper) settle(ctx context.Context, op *models.PendingOperation) (result, error) {
	unlock, err := s.locks.Lock(ctx, op.Identity)
	if err != nil {
		return "", fmt.Errorf("failed to lock account: %w", err)
	}
	defer unlock()

	logger := s.logger.With("identity", op.Identity, "idempotency_key", op.IdempotencyKey, "pending_id", op.ID)

	var txn *models.Transaction
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		txn, err = tx.GetTransaction(ctx, op.Identity, op.IdempotencyKey)
		return err
	})
	if err != nil {
		return "", err
	}
	if txn == nil || txn.Status != models.StatusPendingLocal {
		logger.Debug("Operation already settled")
		return resultSettled, nil
	}

	var req wire.CommitRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		logger.Error("Unreadable pending payload, reversing", "error", err)
		rejection := &models.Rejection{Code: models.RejectOther, Message: "unreadable pending payload"}
		return resultReversed, s.reverse(context.WithoutCancel(ctx), logger, op, rejection)
	}

	commit, commitErr := s.authority.CommitTransaction(ctx, &req)

	// As in the executor, the authority may have acted on the call.
	wctx := context.WithoutCancel(ctx)

	var rejection *models.Rejection
	switch {
	case commitErr == nil:
		return resultConfirmed, s.confirm(wctx, logger, op, commit)
	case errors.As(commitErr, &rejection):
		return resultReversed, s.reverse(wctx, logger, op, rejection)
	default:
		return resultRescheduled, s.reschedule(wctx, logger, op, commitErr)
	}
}

func (s *Sweeper) confirm(ctx context.Context, logger *slog.Logger, op *models.PendingOperation, commit *gateway.Commit) error {
	// The authority's current state wins. Fall back to the commit's own
	// view when it cannot be fetched.
	snapshot := models.Snapshot{BalanceMinorUnits: commit.BalanceMinorUnits, Revision: commit.Revision}
	if fetched, err := s.authority.FetchAccountState(ctx, op.Identity); err != nil {
		logger.Warn("Could not fetch account state after confirmation", "error", err)
	} else {
		snapshot = fetched
	}

	var account *models.Account
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		txn, err := tx.MarkTerminal(ctx, op.Identity, op.IdempotencyKey, models.Terminal{
			Status:   models.StatusConfirmed,
			Revision: commit.Revision,
		})
		if err != nil {
			return err
		}
		if err := s.tracker.Complete(ctx, tx, op.Identity, op.IdempotencyKey, idempotency.OutcomeOf(txn)); err != nil {
			return err
		}
		account, err = tx.ReconcileBalance(ctx, op.Identity, snapshot)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to confirm pending transaction: %w", err)
	}

	logger.Info("Pending transaction confirmed", "revision", commit.Revision, "balance", account.BalanceMinorUnits)
	s.notifier.PublishAccount(account)
	return nil
}

func (s *Sweeper) reverse(ctx context.Context, logger *slog.Logger, op *models.PendingOperation, rejection *models.Rejection) error {
	var account *models.Account
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		txn, err := tx.MarkTerminal(ctx, op.Identity, op.IdempotencyKey, models.Terminal{
			Status: models.StatusReversed,
			Reason: rejection.Reason(),
		})
		if err != nil {
			return err
		}
		if err := s.tracker.Complete(ctx, tx, op.Identity, op.IdempotencyKey, idempotency.OutcomeOf(txn)); err != nil {
			return err
		}
		account, err = tx.GetAccount(ctx, op.Identity)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reverse pending transaction: %w", err)
	}

	logger.Info("Pending transaction reversed", "code", rejection.Code, "balance", account.BalanceMinorUnits)
	s.notifier.PublishAccount(account)
	return nil
}

func (s *Sweeper) reschedule(ctx context.Context, logger *slog.Logger, op *models.PendingOperation, cause error) error {
	attempts := op.Attempts + 1
	next := time.Now().Add(s.policy.Delay(attempts))

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		return tx.ReschedulePending(ctx, op.ID, attempts, next.UnixMilli(), cause.Error())
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule pending operation: %w", err)
	}

	logger.Warn("Remote authority still unreachable", "attempts", attempts, "next_attempt_at", next, "error", cause)
	return nil
}
