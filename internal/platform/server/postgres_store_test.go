package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clk := clock.Fixed{T: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
	return NewPostgresStore(db, clk), mock
}

var txTestColumns = []string{
	"transaction_id", "user_id", "tx_type", "amount_minor", "currency",
	"network", "address", "gateway_track_id",
	"status", "error_message", "created_at", "updated_at",
}

func txRow(id, userID string, txType TxType, amount int64, status TxStatus, at time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(txTestColumns).AddRow(
		id, userID, string(txType), amount, "USD",
		"", "", "track-1",
		string(status), "", at, at,
	)
}

func TestPostgresCreateWithdrawalRollsBackWhenBalanceShort(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_users").
		WithArgs("user-1", int64(4000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	tx := &Transaction{ID: "tx-1", UserID: "user-1", Type: TxTypeWithdraw, AmountMinor: 4000, Currency: "TRX"}
	err := store.CreateWithdrawal(context.Background(), tx)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresCreateWithdrawalUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_users").
		WithArgs("ghost", int64(4000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	tx := &Transaction{ID: "tx-1", UserID: "ghost", Type: TxTypeWithdraw, AmountMinor: 4000, Currency: "TRX"}
	err := store.CreateWithdrawal(context.Background(), tx)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresCreateWithdrawalDebitAndInsertShareTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_users").
		WithArgs("user-1", int64(4000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payment_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx := &Transaction{ID: "tx-1", UserID: "user-1", Type: TxTypeWithdraw, AmountMinor: 4000, Currency: "TRX"}
	if err := store.CreateWithdrawal(context.Background(), tx); err != nil {
		t.Fatalf("create withdrawal err: %v", err)
	}
	if tx.Status != StatusPending {
		t.Fatalf("status = %s, want pending", tx.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresApplyOutcomeSkipsCompletedRow(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("tx-1").
		WillReturnRows(txRow("tx-1", "user-1", TxTypeDeposit, 5000, StatusCompleted, at))
	mock.ExpectRollback()

	tx, applied, err := store.ApplyOutcome(context.Background(), "tx-1", StatusCompleted, 5000, "", false)
	if err != nil {
		t.Fatalf("apply err: %v", err)
	}
	if applied {
		t.Fatal("completed row must not be applied again")
	}
	if tx.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", tx.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresApplyOutcomeBalanceAndStatusShareTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("tx-1").
		WillReturnRows(txRow("tx-1", "user-1", TxTypeWithdraw, 4000, StatusProcessing, at))
	mock.ExpectExec("UPDATE ledger_users").
		WithArgs("user-1", int64(4000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payment_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, applied, err := store.ApplyOutcome(context.Background(), "tx-1", StatusFailed, 4000, "gateway reported failed", false)
	if err != nil {
		t.Fatalf("apply err: %v", err)
	}
	if !applied {
		t.Fatal("expected outcome to apply")
	}
	if tx.Status != StatusFailed || tx.ErrorMessage != "gateway reported failed" {
		t.Fatalf("tx = %+v, want failed with message", tx)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresApplyOutcomeRefusesNegativeBalance(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("tx-1").
		WillReturnRows(txRow("tx-1", "user-1", TxTypeWithdraw, 4000, StatusProcessing, at))
	// The guarded update matches no row when the delta would overdraw.
	mock.ExpectExec("UPDATE ledger_users").
		WithArgs("user-1", int64(-4000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err := store.ApplyOutcome(context.Background(), "tx-1", StatusFailed, -4000, "", false)
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("err = %v, want ErrConsistency", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresMarkProcessingRefusesSecondTrackID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "gateway_track_id"}).
			AddRow(string(StatusProcessing), "track-1"))
	mock.ExpectRollback()

	err := store.MarkProcessing(context.Background(), "tx-1", "track-2")
	if !errors.Is(err, ErrTrackIDAssigned) {
		t.Fatalf("err = %v, want ErrTrackIDAssigned", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresFindByTrackIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM payment_transactions").
		WithArgs("track-unknown").
		WillReturnRows(sqlmock.NewRows(txTestColumns))

	_, err := store.FindByTrackID(context.Background(), "track-unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
