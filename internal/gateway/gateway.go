// Package gateway is the wallet's client for the remote account authority.
//
// Every call is retried with exponential backoff for transport failures.
// Business rejections are terminal and come back as *models.Rejection.
// Anything that leaves the outcome unknown comes back wrapping
// models.ErrUnreachable, which callers turn into a pending result.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/auth"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/metrics"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/middleware"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/retry"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/wire"
)

// Commit is an accepted commit.
type Commit struct {
	Revision          int64
	BalanceMinorUnits int64
}

// Authority is the remote contract used by the executor and the sweeper.
type Authority interface {
	CommitTransaction(ctx context.Context, req *wire.CommitRequest) (*Commit, error)
	FetchAccountState(ctx context.Context, identity string) (models.Snapshot, error)
}

// Options configures a Client.
type Options struct {
	Policy     retry.Policy
	HTTPClient connect.HTTPClient
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client implements Authority over Connect.
type Client struct {
	submit  *connect.Client[wire.CommitRequest, wire.CommitResponse]
	account *connect.Client[wire.AccountRequest, wire.AccountResponse]
	signer  *auth.SessionSigner
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ Authority = (*Client)(nil)

// New creates a Client for the authority at baseURL.
func New(baseURL string, signer *auth.SessionSigner, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}

	clientOpts := []connect.ClientOption{
		wire.WithCodec(),
		connect.WithInterceptors(middleware.LoggingInterceptor(opts.Logger)),
	}
	return &Client{
		submit: connect.NewClient[wire.CommitRequest, wire.CommitResponse](
			opts.HTTPClient, baseURL+wire.AuthoritySubmitTransactionProcedure, clientOpts...,
		),
		account: connect.NewClient[wire.AccountRequest, wire.AccountResponse](
			opts.HTTPClient, baseURL+wire.AuthorityGetAccountProcedure, clientOpts...,
		),
		signer:  signer,
		policy:  opts.Policy,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// CommitTransaction asks the authority to apply req. It is safe to call
// again with the same idempotency key.
func (c *Client) CommitTransaction(ctx context.Context, req *wire.CommitRequest) (*Commit, error) {
	ctx = middleware.WithIdentity(ctx, req.Identity)
	resp, err := retry.Do(ctx, c.policyFor(wire.AuthoritySubmitTransactionProcedure, req.Identity),
		func(ctx context.Context) (*wire.CommitResponse, error) {
			r := connect.NewRequest(req)
			if err := c.authorize(r.Header(), req.Identity); err != nil {
				return nil, err
			}
			res, err := c.submit.CallUnary(ctx, r)
			if err != nil {
				return nil, classify(err)
			}
			return res.Msg, nil
		})
	if err != nil {
		return nil, normalize(err)
	}

	if !resp.Accepted {
		code := resp.Reason
		if code == "" {
			code = models.RejectOther
		}
		return nil, &models.Rejection{Code: code, Message: "not accepted"}
	}
	return &Commit{Revision: resp.Revision, BalanceMinorUnits: resp.BalanceMinorUnits}, nil
}

// FetchAccountState returns the authoritative balance and revision.
func (c *Client) FetchAccountState(ctx context.Context, identity string) (models.Snapshot, error) {
	ctx = middleware.WithIdentity(ctx, identity)
	resp, err := retry.Do(ctx, c.policyFor(wire.AuthorityGetAccountProcedure, identity),
		func(ctx context.Context) (*wire.AccountResponse, error) {
			r := connect.NewRequest(&wire.AccountRequest{Identity: identity})
			if err := c.authorize(r.Header(), identity); err != nil {
				return nil, err
			}
			res, err := c.account.CallUnary(ctx, r)
			if err != nil {
				return nil, classify(err)
			}
			return res.Msg, nil
		})
	if err != nil {
		return models.Snapshot{}, normalize(err)
	}
	return models.Snapshot{BalanceMinorUnits: resp.BalanceMinorUnits, Revision: resp.Revision}, nil
}

func (c *Client) authorize(header http.Header, identity string) error {
	token, err := c.signer.Sign(identity)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%w: %w", models.ErrUnreachable, err))
	}
	header.Set("Authorization", middleware.BearerToken(token))
	return nil
}

func (c *Client) policyFor(procedure, identity string) retry.Policy {
	p := c.policy
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.metrics.RemoteRetry(procedure)
		c.logger.Warn("Retrying remote call",
			"procedure", procedure,
			"identity", identity,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
	}
	return p
}

// classify sorts a Connect error into retryable, rejection or unreachable.
func classify(err error) error {
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable,
		connect.CodeDeadlineExceeded,
		connect.CodeUnknown,
		connect.CodeInternal,
		connect.CodeAborted,
		connect.CodeResourceExhausted:
		return err

	case connect.CodeInvalidArgument,
		connect.CodeFailedPrecondition,
		connect.CodePermissionDenied,
		connect.CodeNotFound,
		connect.CodeAlreadyExists,
		connect.CodeOutOfRange:
		return retry.Permanent(rejectionFrom(err))

	default:
		// Unauthenticated, Canceled and the rest leave the outcome unknown.
		return retry.Permanent(fmt.Errorf("%w: %w", models.ErrUnreachable, err))
	}
}

func rejectionFrom(err error) *models.Rejection {
	rejection := &models.Rejection{Code: models.RejectOther}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		if code := connectErr.Meta().Get(wire.RejectReasonHeader); code != "" {
			rejection.Code = code
		}
		rejection.Message = connectErr.Message()
	}
	return rejection
}

// normalize makes every non-rejection failure match models.ErrUnreachable.
func normalize(err error) error {
	var rejection *models.Rejection
	if errors.As(err, &rejection) {
		return rejection
	}
	if errors.Is(err, models.ErrUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrUnreachable, err)
}
