package models

// Account is the local wallet for one identity.
type Account struct {
	// Identity is the account owner's phone number.
	Identity string

	// DisplayName is the name shown to the user.
	DisplayName string

	// BalanceMinorUnits is the confirmed balance plus every pending-local delta.
	BalanceMinorUnits int64

	// PinHash is the bcrypt hash of the transaction PIN.
	PinHash string

	// LastSyncedRevision is the highest remote revision folded into the
	// balance. Zero if the account was never synced.
	LastSyncedRevision int64

	// CreatedAt is the Unix timestamp when the account was opened locally.
	CreatedAt int64

	// UpdatedAt is the Unix timestamp of the last balance mutation.
	UpdatedAt int64
}

// Snapshot is the remote authority's view of an account.
type Snapshot struct {
	BalanceMinorUnits int64
	Revision          int64
}
