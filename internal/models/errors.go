package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthorization is returned for a wrong PIN. It never touches the ledger.
	ErrAuthorization = errors.New("invalid PIN")

	// ErrPINLocked is returned with ErrAuthorization while an identity is
	// locked out after repeated wrong PINs.
	ErrPINLocked = errors.New("too many wrong PINs")

	// ErrValidation is returned for malformed requests before any state is created.
	ErrValidation = errors.New("invalid request")

	// ErrInsufficientFunds is returned when a debit would overdraw the account.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRemoteRejected is matched by every business rejection from the remote authority.
	ErrRemoteRejected = errors.New("rejected by remote authority")

	// ErrUnreachable means the remote authority could not be reached within
	// the retry budget. Submissions turn it into a pending result.
	ErrUnreachable = errors.New("remote authority unreachable")

	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrNotPending      = errors.New("transaction is not pending")
)

// Rejection codes shared with the remote authority.
const (
	RejectInsufficientFunds = "insufficient_funds"
	RejectLimitExceeded     = "limit_exceeded"
	RejectInvalidRecipient  = "invalid_recipient"
	RejectInvalidPIN        = "invalid_pin"
	RejectOther             = "rejected"
)

// Rejection is a terminal business rejection from the remote authority.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return fmt.Sprintf("%s: %s", ErrRemoteRejected, r.Code)
	}
	return fmt.Sprintf("%s: %s: %s", ErrRemoteRejected, r.Code, r.Message)
}

// Is lets errors.Is match ErrRemoteRejected for every rejection and
// ErrInsufficientFunds for an overdraft rejection.
func (r *Rejection) Is(target error) bool {
	switch target {
	case ErrRemoteRejected:
		return true
	case ErrInsufficientFunds:
		return r.Code == RejectInsufficientFunds
	}
	return false
}

// Validationf returns an ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Reason formats the rejection for Transaction.FailureReason.
func (r *Rejection) Reason() string {
	if r.Message == "" {
		return r.Code
	}
	return r.Code + ": " + r.Message
}

// ParseRejection is the inverse of Rejection.Reason.
func ParseRejection(reason string) *Rejection {
	code, message, _ := strings.Cut(reason, ": ")
	if code == "" {
		code = RejectOther
	}
	return &Rejection{Code: code, Message: message}
}
