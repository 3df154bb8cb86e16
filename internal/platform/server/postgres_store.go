package server

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// PostgresStore persists the ledger through database/sql over the pgx stdlib
// driver. Status writes and balance mutations share one transaction; the
// contended rows are taken FOR UPDATE so concurrent reconciliations of the
// same user serialize without any process-wide lock.
type PostgresStore struct {
	db  *sql.DB
	clk clock.Clock
}

var _ LedgerStore = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, clk clock.Clock) *PostgresStore {
	return &PostgresStore{db: db, clk: clk}
}

func (s *PostgresStore) now() time.Time {
	if s.clk == nil {
		return time.Now().UTC()
	}
	return s.clk.Now().UTC()
}

func (s *PostgresStore) EnsureUser(ctx context.Context, userID string) error {
	const q = `
INSERT INTO ledger_users (user_id, balance_minor, created_at, updated_at)
VALUES ($1, 0, $2, $2)
ON CONFLICT (user_id) DO NOTHING
`
	_, err := s.db.ExecContext(ctx, q, userID, s.now())
	return err
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	const q = `SELECT balance_minor FROM ledger_users WHERE user_id = $1`
	var bal int64
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return bal, nil
}

const txColumns = `
transaction_id, user_id, tx_type, amount_minor, currency,
COALESCE(network, ''), COALESCE(address, ''), COALESCE(gateway_track_id, ''),
status, COALESCE(error_message, ''), created_at, updated_at
`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	var tx Transaction
	var typ, status string
	err := row.Scan(
		&tx.ID, &tx.UserID, &typ, &tx.AmountMinor, &tx.Currency,
		&tx.Network, &tx.Address, &tx.GatewayTrackID,
		&status, &tx.ErrorMessage, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Type = TxType(typ)
	tx.Status = TxStatus(status)
	return &tx, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM payment_transactions WHERE transaction_id = $1`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, q, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

func (s *PostgresStore) FindByTrackID(ctx context.Context, trackID string) (*Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM payment_transactions WHERE gateway_track_id = $1`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, q, trackID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + txColumns + `
FROM payment_transactions
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

const insertTx = `
INSERT INTO payment_transactions (
  transaction_id, user_id, tx_type, amount_minor, currency,
  network, address, status, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NULLIF($7,''), $8, $9, $9)
`

func (s *PostgresStore) CreateDeposit(ctx context.Context, tx *Transaction) error {
	now := s.now()
	tx.Status = StatusPending
	tx.CreatedAt = now
	tx.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, insertTx,
		tx.ID, tx.UserID, string(TxTypeDeposit), tx.AmountMinor, tx.Currency,
		tx.Network, tx.Address, string(StatusPending), now,
	)
	return err
}

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, tx *Transaction) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	// Eligibility check and deduction are one statement: the row update only
	// lands when the balance still covers the amount, so two concurrent
	// withdrawals cannot both pass the check.
	const debit = `
UPDATE ledger_users
SET balance_minor = balance_minor - $2, updated_at = $3
WHERE user_id = $1 AND balance_minor >= $2
`
	now := s.now()
	res, err := dbtx.ExecContext(ctx, debit, tx.UserID, tx.AmountMinor, now)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := dbtx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM ledger_users WHERE user_id = $1)`, tx.UserID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientBalance
	}

	tx.Status = StatusPending
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if _, err := dbtx.ExecContext(ctx, insertTx,
		tx.ID, tx.UserID, string(TxTypeWithdraw), tx.AmountMinor, tx.Currency,
		tx.Network, tx.Address, string(StatusPending), now,
	); err != nil {
		return err
	}

	return dbtx.Commit()
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, txID, trackID string) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const lock = `
SELECT status, COALESCE(gateway_track_id, '')
FROM payment_transactions
WHERE transaction_id = $1
FOR UPDATE
`
	var status, existing string
	err = dbtx.QueryRowContext(ctx, lock, txID).Scan(&status, &existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if existing != "" {
		return ErrTrackIDAssigned
	}
	if !CanTransition(TxStatus(status), StatusProcessing) {
		return ErrConsistency
	}

	const update = `
UPDATE payment_transactions
SET status = $2, gateway_track_id = $3, updated_at = $4
WHERE transaction_id = $1
`
	if _, err := dbtx.ExecContext(ctx, update, txID, string(StatusProcessing), trackID, s.now()); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *PostgresStore) ApplyOutcome(ctx context.Context, txID string, status TxStatus, balanceDelta int64, errMsg string, allowReopen bool) (*Transaction, bool, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	lock := `SELECT ` + txColumns + `
FROM payment_transactions
WHERE transaction_id = $1
FOR UPDATE`
	tx, err := scanTransaction(dbtx.QueryRowContext(ctx, lock, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if tx.Status == StatusCompleted {
		return tx, false, nil
	}
	if tx.Status == StatusFailed && !allowReopen {
		return tx, false, nil
	}

	now := s.now()
	if balanceDelta != 0 {
		const adjust = `
UPDATE ledger_users
SET balance_minor = balance_minor + $2, updated_at = $3
WHERE user_id = $1 AND balance_minor + $2 >= 0
`
		res, err := dbtx.ExecContext(ctx, adjust, tx.UserID, balanceDelta, now)
		if err != nil {
			return nil, false, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		if affected == 0 {
			return nil, false, ErrConsistency
		}
	}

	const update = `
UPDATE payment_transactions
SET status = $2, error_message = NULLIF($3, ''), updated_at = $4
WHERE transaction_id = $1
`
	keepMsg := errMsg
	if keepMsg == "" {
		keepMsg = tx.ErrorMessage
	}
	if _, err := dbtx.ExecContext(ctx, update, txID, string(status), keepMsg, now); err != nil {
		return nil, false, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, false, err
	}

	tx.Status = status
	if errMsg != "" {
		tx.ErrorMessage = errMsg
	}
	tx.UpdatedAt = now
	return tx, true, nil
}

func (s *PostgresStore) ListStalledWithdrawals(ctx context.Context, olderThan time.Time) ([]*Transaction, error) {
	q := `SELECT ` + txColumns + `
FROM payment_transactions
WHERE tx_type = $1 AND status = $2 AND updated_at < $3
ORDER BY updated_at ASC`
	rows, err := s.db.QueryContext(ctx, q, string(TxTypeWithdraw), string(StatusProcessing), olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
