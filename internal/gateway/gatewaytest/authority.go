// Package gatewaytest provides an in-memory remote account authority served
// over httptest, with knobs to take it offline or make it reject.
package gatewaytest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"connectrpc.com/connect"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/auth"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/middleware"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/wire"
)

// Secret is the session secret the authority verifies tokens with.
const Secret = "gatewaytest-secret"

type account struct {
	balance  int64
	revision int64
}

type commitResult struct {
	resp *wire.CommitResponse
	err  error
}

// Authority is the reference backend. It is idempotent per key, assigns
// increasing revisions per account and rejects overdrafts.
type Authority struct {
	server *httptest.Server
	signer *auth.SessionSigner

	mu         sync.Mutex
	accounts   map[string]*account
	results    map[string]commitResult
	applied    map[string][]wire.CommitRequest
	rejectKeys map[string]string
	offline    bool
	failNext   int
	delay      time.Duration
	calls      int
}

// New starts an authority. Call Close when done.
func New() *Authority {
	a := &Authority{
		signer:     auth.NewSessionSigner(Secret, time.Minute),
		accounts:   make(map[string]*account),
		results:    make(map[string]commitResult),
		applied:    make(map[string][]wire.CommitRequest),
		rejectKeys: make(map[string]string),
	}

	opts := []connect.HandlerOption{
		wire.WithCodec(),
		connect.WithInterceptors(middleware.RequireSession(a.signer)),
	}
	mux := http.NewServeMux()
	mux.Handle(wire.AuthoritySubmitTransactionProcedure,
		connect.NewUnaryHandler(wire.AuthoritySubmitTransactionProcedure, a.submitTransaction, opts...))
	mux.Handle(wire.AuthorityGetAccountProcedure,
		connect.NewUnaryHandler(wire.AuthorityGetAccountProcedure, a.getAccount, opts...))

	a.server = httptest.NewServer(mux)
	return a
}

// URL is the base URL to build a gateway.Client with.
func (a *Authority) URL() string { return a.server.URL }

// Signer returns a signer whose tokens the authority accepts.
func (a *Authority) Signer() *auth.SessionSigner { return a.signer }

// Close shuts the server down.
func (a *Authority) Close() { a.server.Close() }

// Seed sets an account's balance as a change made elsewhere, bumping its revision.
func (a *Authority) Seed(identity string, balance int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.accountLocked(identity)
	acc.balance = balance
	acc.revision++
}

// SetOffline makes every call fail with Unavailable until reset.
func (a *Authority) SetOffline(offline bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offline = offline
}

// FailNext makes the next n calls fail with Unavailable.
func (a *Authority) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = n
}

// RejectKey makes a commit with the given idempotency key fail with code.
func (a *Authority) RejectKey(key, code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejectKeys[key] = code
}

// SetDelay holds every call for d or until the caller gives up.
func (a *Authority) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// State returns an account's balance and revision.
func (a *Authority) State(identity string) (balance, revision int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.accountLocked(identity)
	return acc.balance, acc.revision
}

// Applied returns the commits applied for identity, in order.
func (a *Authority) Applied(identity string) []wire.CommitRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]wire.CommitRequest(nil), a.applied[identity]...)
}

// Calls returns how many requests reached the handlers.
func (a *Authority) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *Authority) accountLocked(identity string) *account {
	acc, ok := a.accounts[identity]
	if !ok {
		acc = &account{}
		a.accounts[identity] = acc
	}
	return acc
}

// admit applies the configured delay and failures.
func (a *Authority) admit(ctx context.Context) error {
	a.mu.Lock()
	a.calls++
	delay := a.delay
	fail := a.offline
	if !fail && a.failNext > 0 {
		a.failNext--
		fail = true
	}
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return connect.NewError(connect.CodeDeadlineExceeded, ctx.Err())
		}
	}
	if fail {
		return connect.NewError(connect.CodeUnavailable, errors.New("authority unavailable"))
	}
	return nil
}

func reject(code connect.Code, reason, message string) error {
	err := connect.NewError(code, errors.New(message))
	err.Meta().Set(wire.RejectReasonHeader, reason)
	return err
}

func (a *Authority) submitTransaction(ctx context.Context, req *connect.Request[wire.CommitRequest]) (*connect.Response[wire.CommitResponse], error) {
	if err := a.admit(ctx); err != nil {
		return nil, err
	}

	msg := req.Msg
	if middleware.GetIdentity(ctx) != msg.Identity {
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	resultKey := msg.Identity + "/" + msg.IdempotencyKey
	if prior, ok := a.results[resultKey]; ok {
		if prior.err != nil {
			return nil, prior.err
		}
		return connect.NewResponse(prior.resp), nil
	}

	acc := a.accountLocked(msg.Identity)
	var result commitResult
	switch code, rejected := a.rejectKeys[msg.IdempotencyKey]; {
	case rejected:
		result.err = reject(connect.CodeFailedPrecondition, code, "rejected by test authority")
	case msg.AmountMinorUnits == 0 || msg.FeeMinorUnits < 0:
		result.err = reject(connect.CodeInvalidArgument, models.RejectOther, "invalid amount")
	case acc.balance+msg.AmountMinorUnits < 0:
		result.err = reject(connect.CodeFailedPrecondition, models.RejectInsufficientFunds, "balance too low")
	default:
		acc.balance += msg.AmountMinorUnits
		acc.revision++
		a.applied[msg.Identity] = append(a.applied[msg.Identity], *msg)
		result.resp = &wire.CommitResponse{
			Accepted:          true,
			Revision:          acc.revision,
			BalanceMinorUnits: acc.balance,
		}
	}
	a.results[resultKey] = result

	if result.err != nil {
		return nil, result.err
	}
	return connect.NewResponse(result.resp), nil
}

func (a *Authority) getAccount(ctx context.Context, req *connect.Request[wire.AccountRequest]) (*connect.Response[wire.AccountResponse], error) {
	if err := a.admit(ctx); err != nil {
		return nil, err
	}
	if middleware.GetIdentity(ctx) != req.Msg.Identity {
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.accountLocked(req.Msg.Identity)
	return connect.NewResponse(&wire.AccountResponse{
		Identity:          req.Msg.Identity,
		BalanceMinorUnits: acc.balance,
		Revision:          acc.revision,
		AsOf:              wire.UnixTimestamp(time.Now().Unix()),
	}), nil
}
