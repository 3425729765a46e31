package wire

import (
	"time"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

const (
	// WalletServiceName is the fully-qualified name of the presentation API.
	WalletServiceName = "ebondhu.wallet.v1.WalletService"

	WalletOpenAccountProcedure  = "/" + WalletServiceName + "/OpenAccount"
	WalletSubmitProcedure       = "/" + WalletServiceName + "/Submit"
	WalletGetBalanceProcedure   = "/" + WalletServiceName + "/GetBalance"
	WalletGetHistoryProcedure   = "/" + WalletServiceName + "/GetHistory"
	WalletSyncProcedure         = "/" + WalletServiceName + "/Sync"
	WalletWatchBalanceProcedure = "/" + WalletServiceName + "/WatchBalance"
)

type OpenAccountRequest struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	Pin         string `json:"pin"`
}

type OpenAccountResponse struct {
	Balance BalanceResponse `json:"balance"`
}

// SubmitRequest is one user-initiated monetary operation.
type SubmitRequest struct {
	Identity string `json:"identity"`
	Pin      string `json:"pin"`
	Kind     string `json:"kind"`

	// AmountMinorUnits is the positive principal. The fee is added by the wallet.
	AmountMinorUnits int64  `json:"amount_minor_units"`
	CounterpartyRef  string `json:"counterparty_ref,omitempty"`

	// IdempotencyKey is generated by the wallet when empty.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CommitTimeoutMs overrides the default commit timeout when positive.
	CommitTimeoutMs int64 `json:"commit_timeout_ms,omitempty"`
}

type SubmitResponse struct {
	// Status is "confirmed", "pending" or "rejected".
	Status      string          `json:"status"`
	Transaction TransactionView `json:"transaction"`
	Rejection   *RejectionView  `json:"rejection,omitempty"`
}

type RejectionView struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type GetBalanceRequest struct {
	Identity string `json:"identity"`
}

type BalanceResponse struct {
	Identity           string `json:"identity"`
	DisplayName        string `json:"display_name,omitempty"`
	BalanceMinorUnits  int64  `json:"balance_minor_units"`
	Formatted          string `json:"formatted"`
	LastSyncedRevision int64  `json:"last_synced_revision"`
}

type GetHistoryRequest struct {
	Identity  string `json:"identity"`
	PageSize  int    `json:"page_size,omitempty"`
	PageToken string `json:"page_token,omitempty"`
}

type GetHistoryResponse struct {
	Transactions  []TransactionView `json:"transactions"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type SyncRequest struct{}

type SyncResponse struct {
	// Triggered is false when a pass was already requested.
	Triggered bool `json:"triggered"`
}

type WatchBalanceRequest struct {
	Identity string `json:"identity"`
}

// TransactionView is a transaction as shown to the UI.
type TransactionView struct {
	IdempotencyKey    string    `json:"idempotency_key"`
	Kind              string    `json:"kind"`
	AmountMinorUnits  int64     `json:"amount_minor_units"`
	FeeMinorUnits     int64     `json:"fee_minor_units"`
	CounterpartyRef   string    `json:"counterparty_ref,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         Timestamp `json:"created_at"`
	ConfirmedRevision *int64    `json:"confirmed_revision,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
}

// TransactionFromModel converts a logged transaction for the UI.
func TransactionFromModel(txn *models.Transaction) TransactionView {
	return TransactionView{
		IdempotencyKey:    txn.IdempotencyKey,
		Kind:              string(txn.Kind),
		AmountMinorUnits:  txn.AmountMinorUnits,
		FeeMinorUnits:     txn.FeeMinorUnits,
		CounterpartyRef:   txn.CounterpartyRef,
		Status:            string(txn.Status),
		CreatedAt:         UnixTimestamp(txn.CreatedAt),
		ConfirmedRevision: txn.ConfirmedRevision,
		FailureReason:     txn.FailureReason,
	}
}

// SubmitResponseFromOutcome converts an executor outcome for the UI.
func SubmitResponseFromOutcome(outcome *models.Outcome) *SubmitResponse {
	resp := &SubmitResponse{
		Status:      string(outcome.Status),
		Transaction: TransactionFromModel(&outcome.Transaction),
	}
	if outcome.Rejection != nil {
		resp.Rejection = &RejectionView{
			Code:    outcome.Rejection.Code,
			Message: outcome.Rejection.Message,
		}
	}
	return resp
}

func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
