package wire

const (
	// AuthorityServiceName is the fully-qualified name of the remote account authority.
	AuthorityServiceName = "ebondhu.authority.v1.AccountAuthority"

	AuthoritySubmitTransactionProcedure = "/" + AuthorityServiceName + "/SubmitTransaction"
	AuthorityGetAccountProcedure        = "/" + AuthorityServiceName + "/GetAccount"
)

// RejectReasonHeader carries the rejection code on a terminal Connect error.
const RejectReasonHeader = "Reject-Reason"

// CommitRequest asks the authority to apply one transaction. It is also the
// payload stored with a pending operation and replayed by the sweeper.
type CommitRequest struct {
	Identity       string `json:"identity"`
	IdempotencyKey string `json:"idempotency_key"`
	Kind           string `json:"kind"`

	// AmountMinorUnits is the signed delta including the fee.
	AmountMinorUnits int64  `json:"amount_minor_units"`
	FeeMinorUnits    int64  `json:"fee_minor_units"`
	CounterpartyRef  string `json:"counterparty_ref,omitempty"`

	RequestedAt Timestamp `json:"requested_at"`
}

// CommitResponse is the authority's answer to a CommitRequest.
type CommitResponse struct {
	Accepted          bool   `json:"accepted"`
	Revision          int64  `json:"revision"`
	BalanceMinorUnits int64  `json:"balance_minor_units"`
	Reason            string `json:"reason,omitempty"`
}

// AccountRequest asks for an account's authoritative state.
type AccountRequest struct {
	Identity string `json:"identity"`
}

// AccountResponse is the authoritative state of an account.
type AccountResponse struct {
	Identity          string    `json:"identity"`
	BalanceMinorUnits int64     `json:"balance_minor_units"`
	Revision          int64     `json:"revision"`
	AsOf              Timestamp `json:"as_of"`
}
