package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/fees"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/ledger"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/middleware"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/wire"
)

// Syncer starts a reconciliation pass. The sweeper implements it.
type Syncer = ledger.Syncer

// WalletService implements the WalletService RPC interface.
type WalletService struct {
	executor *ledger.Executor
	syncer   Syncer
	logger   *slog.Logger
}

// NewWalletService creates a new wallet service.
func NewWalletService(executor *ledger.Executor, syncer Syncer, logger *slog.Logger) *WalletService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletService{
		executor: executor,
		syncer:   syncer,
		logger:   logger,
	}
}

// Handler returns the path prefix and the handler serving every
// WalletService procedure.
func (s *WalletService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		wire.WithCodec(),
		connect.WithInterceptors(middleware.LoggingInterceptor(s.logger)),
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle(wire.WalletOpenAccountProcedure,
		connect.NewUnaryHandler(wire.WalletOpenAccountProcedure, s.OpenAccount, opts...))
	mux.Handle(wire.WalletSubmitProcedure,
		connect.NewUnaryHandler(wire.WalletSubmitProcedure, s.Submit, opts...))
	mux.Handle(wire.WalletGetBalanceProcedure,
		connect.NewUnaryHandler(wire.WalletGetBalanceProcedure, s.GetBalance, opts...))
	mux.Handle(wire.WalletGetHistoryProcedure,
		connect.NewUnaryHandler(wire.WalletGetHistoryProcedure, s.GetHistory, opts...))
	mux.Handle(wire.WalletSyncProcedure,
		connect.NewUnaryHandler(wire.WalletSyncProcedure, s.Sync, opts...))
	mux.Handle(wire.WalletWatchBalanceProcedure,
		connect.NewServerStreamHandler(wire.WalletWatchBalanceProcedure, s.WatchBalance, opts...))

	return "/" + wire.WalletServiceName + "/", mux
}

// OpenAccount provisions the local wallet for an identity.
func (s *WalletService) OpenAccount(ctx context.Context, req *connect.Request[wire.OpenAccountRequest]) (*connect.Response[wire.OpenAccountResponse], error) {
	s.logger.Info("OpenAccount request", "identity", req.Msg.Identity)

	account, err := s.executor.OpenAccount(ctx, req.Msg.Identity, req.Msg.DisplayName, req.Msg.Pin)
	if err != nil {
		s.logger.Error("OpenAccount failed", "identity", req.Msg.Identity, "error", err)
		return nil, connectError(err)
	}

	return connect.NewResponse(&wire.OpenAccountResponse{
		Balance: balanceFromAccount(account),
	}), nil
}

// Submit authorizes and commits one monetary operation. A pending result is
// a success; the sweeper settles it later.
func (s *WalletService) Submit(ctx context.Context, req *connect.Request[wire.SubmitRequest]) (*connect.Response[wire.SubmitResponse], error) {
	msg := req.Msg
	outcome, err := s.executor.Submit(ctx, ledger.Submission{
		Identity:         msg.Identity,
		Pin:              msg.Pin,
		Kind:             models.Kind(msg.Kind),
		AmountMinorUnits: msg.AmountMinorUnits,
		CounterpartyRef:  msg.CounterpartyRef,
		IdempotencyKey:   msg.IdempotencyKey,
	}, ledger.SubmitOptions{
		CommitTimeout: time.Duration(msg.CommitTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(wire.SubmitResponseFromOutcome(outcome)), nil
}

// GetBalance returns the current balance, pending operations included.
func (s *WalletService) GetBalance(ctx context.Context, req *connect.Request[wire.GetBalanceRequest]) (*connect.Response[wire.BalanceResponse], error) {
	account, err := s.executor.Balance(ctx, req.Msg.Identity)
	if err != nil {
		return nil, connectError(err)
	}
	resp := balanceFromAccount(account)
	return connect.NewResponse(&resp), nil
}

// GetHistory returns one page of transactions, newest first.
func (s *WalletService) GetHistory(ctx context.Context, req *connect.Request[wire.GetHistoryRequest]) (*connect.Response[wire.GetHistoryResponse], error) {
	page, err := s.executor.History(ctx, req.Msg.Identity, ledger.PageParams{
		PageSize:  req.Msg.PageSize,
		PageToken: req.Msg.PageToken,
	})
	if err != nil {
		return nil, connectError(err)
	}

	resp := &wire.GetHistoryResponse{
		Transactions:  make([]wire.TransactionView, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, txn := range page.Items {
		resp.Transactions = append(resp.Transactions, wire.TransactionFromModel(txn))
	}
	return connect.NewResponse(resp), nil
}

// Sync asks the sweeper for a reconciliation pass.
func (s *WalletService) Sync(ctx context.Context, req *connect.Request[wire.SyncRequest]) (*connect.Response[wire.SyncResponse], error) {
	triggered := s.syncer.Kick()
	s.logger.Info("Sync requested", "triggered", triggered)
	return connect.NewResponse(&wire.SyncResponse{Triggered: triggered}), nil
}

// WatchBalance streams the current balance and then every change until the
// client goes away. A slow client only ever sees the latest balance.
func (s *WalletService) WatchBalance(ctx context.Context, req *connect.Request[wire.WatchBalanceRequest], stream *connect.ServerStream[wire.BalanceResponse]) error {
	identity := req.Msg.Identity

	updates := make(chan ledger.BalanceChange, 1)
	unsubscribe := s.executor.OnBalanceChanged(func(change ledger.BalanceChange) {
		if change.Identity != identity {
			return
		}
		for {
			select {
			case updates <- change:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	account, err := s.executor.Balance(ctx, identity)
	if err != nil {
		return connectError(err)
	}
	current := balanceFromAccount(account)
	if err := stream.Send(&current); err != nil {
		return err
	}
	s.logger.Debug("Watching balance", "identity", identity)

	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-updates:
			current.BalanceMinorUnits = change.BalanceMinorUnits
			current.Formatted = fees.Format(change.BalanceMinorUnits)
			current.LastSyncedRevision = change.LastSyncedRevision
			if err := stream.Send(&current); err != nil {
				return err
			}
		}
	}
}

func balanceFromAccount(account *models.Account) wire.BalanceResponse {
	return wire.BalanceResponse{
		Identity:           account.Identity,
		DisplayName:        account.DisplayName,
		BalanceMinorUnits:  account.BalanceMinorUnits,
		Formatted:          fees.Format(account.BalanceMinorUnits),
		LastSyncedRevision: account.LastSyncedRevision,
	}
}

// connectError maps ledger errors to Connect codes. Rejections carry their
// reason code in the Reject-Reason metadata, as the remote authority does.
func connectError(err error) error {
	var rejection *models.Rejection
	switch {
	case errors.As(err, &rejection):
		cerr := connect.NewError(connect.CodeFailedPrecondition, err)
		cerr.Meta().Set(wire.RejectReasonHeader, rejection.Code)
		return cerr
	case errors.Is(err, models.ErrInsufficientFunds):
		cerr := connect.NewError(connect.CodeFailedPrecondition, err)
		cerr.Meta().Set(wire.RejectReasonHeader, models.RejectInsufficientFunds)
		return cerr
	case errors.Is(err, models.ErrPINLocked):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, models.ErrAuthorization):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, models.ErrValidation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, models.ErrAccountNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, models.ErrAccountExists):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
