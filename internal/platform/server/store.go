package server

import (
	"context"
	"time"
)

// Transaction is the durable record of one deposit or withdrawal. Amounts are
// int64 minor units (cents) in the single accounting currency.
type Transaction struct {
	ID             string
	UserID         string
	Type           TxType
	AmountMinor    int64
	Currency       string
	Network        string
	Address        string
	GatewayTrackID string
	Status         TxStatus
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LedgerStore is the contract both store implementations satisfy. Every
// method that touches a transaction status together with a user balance
// applies both inside one atomic unit or neither.
type LedgerStore interface {
	// EnsureUser creates the user row with a zero balance if it does not exist.
	EnsureUser(ctx context.Context, userID string) error

	// GetBalance returns the current balance in minor units.
	// ErrNotFound when the user does not exist.
	GetBalance(ctx context.Context, userID string) (int64, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	FindByTrackID(ctx context.Context, trackID string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error)

	// CreateDeposit inserts a pending deposit. Deposits never pre-credit, so
	// there is no balance effect.
	CreateDeposit(ctx context.Context, tx *Transaction) error

	// CreateWithdrawal atomically checks balance >= amount, deducts, and
	// inserts the pending withdrawal. ErrInsufficientBalance leaves the
	// ledger untouched. Safe under concurrent withdrawals by the same user.
	CreateWithdrawal(ctx context.Context, tx *Transaction) error

	// MarkProcessing moves a pending transaction to processing and assigns
	// the gateway track id. The track id is assigned exactly once;
	// ErrTrackIDAssigned if one is already present.
	MarkProcessing(ctx context.Context, txID, trackID string) error

	// ApplyOutcome is the single terminal-outcome writer shared by the
	// creation-path compensation and the reconciliation engine. Under the
	// row lock it no-ops on completed transactions (and on failed ones
	// unless allowReopen), then writes the status, error message and the
	// balance delta as one unit. A delta that would drive a balance
	// negative aborts with ErrConsistency. The returned transaction
	// reflects the committed state; applied reports whether anything
	// changed.
	ApplyOutcome(ctx context.Context, txID string, status TxStatus, balanceDelta int64, errMsg string, allowReopen bool) (tx *Transaction, applied bool, err error)

	// ListStalledWithdrawals returns withdrawals still processing whose last
	// update is older than the cutoff, for the settlement poller.
	ListStalledWithdrawals(ctx context.Context, olderThan time.Time) ([]*Transaction, error)
}

func cloneTransaction(in *Transaction) *Transaction {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}
