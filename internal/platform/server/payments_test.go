package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/gateway"
)

type fakeGateway struct {
	mu sync.Mutex

	invoiceErr error
	payoutErr  error
	statusRes  *gateway.PayoutStatusResult
	statusErr  error

	invoices  []gateway.InvoiceRequest
	payouts   []gateway.PayoutRequest
	nextTrack int
}

var _ gateway.Client = (*fakeGateway)(nil)

func (g *fakeGateway) CreateInvoice(_ context.Context, req gateway.InvoiceRequest) (*gateway.InvoiceResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.invoiceErr != nil {
		return nil, g.invoiceErr
	}
	g.invoices = append(g.invoices, req)
	g.nextTrack++
	track := fmt.Sprintf("track-%d", g.nextTrack)
	return &gateway.InvoiceResult{TrackID: track, PayURL: "https://pay.example/" + track}, nil
}

func (g *fakeGateway) CreatePayout(_ context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	g.payouts = append(g.payouts, req)
	g.nextTrack++
	return &gateway.PayoutResult{TrackID: fmt.Sprintf("track-%d", g.nextTrack)}, nil
}

func (g *fakeGateway) PayoutStatus(_ context.Context, trackID string) (*gateway.PayoutStatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if g.statusRes != nil {
		res := *g.statusRes
		if res.TrackID == "" {
			res.TrackID = trackID
		}
		return &res, nil
	}
	return &gateway.PayoutStatusResult{TrackID: trackID, Status: "processing"}, nil
}

func newTestService(t *testing.T) (*PaymentsService, *MemoryStore, *fakeGateway) {
	t.Helper()
	clk := clock.Fixed{T: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
	store := NewMemoryStore(clk)
	gw := &fakeGateway{}
	svc := NewPaymentsService(store, gw, clk)
	return svc, store, gw
}

// fund runs a deposit through the full webhook path so the user has a
// credited balance to spend.
func fund(t *testing.T, svc *PaymentsService, userID string, amountMinor int64) {
	t.Helper()
	ctx := context.Background()
	receipt, err := svc.CreateDeposit(ctx, userID, amountMinor)
	if err != nil {
		t.Fatalf("fund deposit err: %v", err)
	}
	res, err := svc.Reconcile(ctx, receipt.TrackID, "paid", amountMinor, "deposit")
	if err != nil {
		t.Fatalf("fund reconcile err: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("fund deposit status = %s, want completed", res.Status)
	}
}

func mustBalance(t *testing.T, svc *PaymentsService, userID string) int64 {
	t.Helper()
	bal, err := svc.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance err: %v", err)
	}
	return bal
}

func TestCreateDepositHappyPath(t *testing.T) {
	svc, _, gw := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.CreateDeposit(ctx, "user-1", 5000)
	if err != nil {
		t.Fatalf("create deposit err: %v", err)
	}
	if receipt.Status != StatusProcessing {
		t.Fatalf("receipt status = %s, want processing", receipt.Status)
	}
	if receipt.TrackID == "" || receipt.PayURL == "" {
		t.Fatalf("receipt missing gateway fields: %+v", receipt)
	}
	if len(gw.invoices) != 1 || gw.invoices[0].AmountMinor != 5000 {
		t.Fatalf("invoice request not forwarded: %+v", gw.invoices)
	}
	// A processing deposit has not credited anything yet.
	if bal := mustBalance(t, svc, "user-1"); bal != 0 {
		t.Fatalf("balance after pending deposit = %d, want 0", bal)
	}
}

func TestCreateDepositValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		amount int64
	}{
		{"missing user", "", 5000},
		{"below minimum", "user-1", 99},
		{"above maximum", "user-1", 1_000_001},
		{"zero amount", "user-1", 0},
		{"negative amount", "user-1", -100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateDeposit(ctx, tc.userID, tc.amount)
			if !IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestCreateDepositGatewayFailureMarksFailed(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()
	gw.invoiceErr = &gateway.Error{Op: "create_invoice", StatusCode: 503, Message: "provider down"}

	_, err := svc.CreateDeposit(ctx, "user-1", 5000)
	if err == nil {
		t.Fatal("expected gateway error")
	}
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("err = %v, want gateway.Error", err)
	}

	txs, err := store.ListTransactions(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("list err: %v", err)
	}
	if len(txs) != 1 || txs[0].Status != StatusFailed {
		t.Fatalf("transaction after gateway failure = %+v, want one failed", txs)
	}
	if bal := mustBalance(t, svc, "user-1"); bal != 0 {
		t.Fatalf("balance after failed deposit = %d, want 0", bal)
	}
}

func TestCreateWithdrawalDeductsUpFront(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", 10_000)

	receipt, err := svc.CreateWithdrawal(ctx, "user-1", 4000, "TXhQrvoJEvNYYxF2Sv8sWpHBFxkFAF11ed", "TRC20")
	if err != nil {
		t.Fatalf("create withdrawal err: %v", err)
	}
	if receipt.Status != StatusProcessing {
		t.Fatalf("receipt status = %s, want processing", receipt.Status)
	}
	if receipt.BalanceMinor != 6000 {
		t.Fatalf("receipt balance = %d, want 6000", receipt.BalanceMinor)
	}
	if bal := mustBalance(t, svc, "user-1"); bal != 6000 {
		t.Fatalf("balance = %d, want 6000", bal)
	}
}

func TestCreateWithdrawalInsufficientBalance(t *testing.T) {
	svc, _, gw := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", 1000)

	_, err := svc.CreateWithdrawal(ctx, "user-1", 2000, "TXhQrvoJEvNYYxF2Sv8sWpHBFxkFAF11ed", "TRC20")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	// The provider must never see a payout the ledger refused.
	if len(gw.payouts) != 0 {
		t.Fatalf("payout forwarded despite insufficient balance: %+v", gw.payouts)
	}
	if bal := mustBalance(t, svc, "user-1"); bal != 1000 {
		t.Fatalf("balance = %d, want 1000", bal)
	}
}

func TestCreateWithdrawalValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", 100_000)
	goodAddr := "TXhQrvoJEvNYYxF2Sv8sWpHBFxkFAF11ed"

	cases := []struct {
		name    string
		amount  int64
		address string
		network string
	}{
		{"below minimum", 99, goodAddr, "TRC20"},
		{"above maximum", 500_001, goodAddr, "TRC20"},
		{"address too short", 2000, "short", "TRC20"},
		{"address too long", 2000, strings.Repeat("a", 101), "TRC20"},
		{"unknown network", 2000, goodAddr, "DOGE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateWithdrawal(ctx, "user-1", tc.amount, tc.address, tc.network)
			if !IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
	// Validation failures never touch the balance.
	if bal := mustBalance(t, svc, "user-1"); bal != 100_000 {
		t.Fatalf("balance = %d, want 100000", bal)
	}
}

func TestCreateWithdrawalGatewayFailureRefunds(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", 10_000)
	gw.payoutErr = &gateway.Error{Op: "create_payout", StatusCode: 502, Message: "rejected"}

	_, err := svc.CreateWithdrawal(ctx, "user-1", 4000, "TXhQrvoJEvNYYxF2Sv8sWpHBFxkFAF11ed", "TRC20")
	if err == nil {
		t.Fatal("expected gateway error")
	}
	if bal := mustBalance(t, svc, "user-1"); bal != 10_000 {
		t.Fatalf("balance after refund = %d, want 10000", bal)
	}

	txs, err := store.ListTransactions(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("list err: %v", err)
	}
	var withdrawal *Transaction
	for _, tx := range txs {
		if tx.Type == TxTypeWithdraw {
			withdrawal = tx
		}
	}
	if withdrawal == nil || withdrawal.Status != StatusFailed {
		t.Fatalf("withdrawal after refund = %+v, want failed", withdrawal)
	}
}

func TestNetworkIsCaseInsensitive(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", 10_000)

	receipt, err := svc.CreateWithdrawal(ctx, "user-1", 2000, "TXhQrvoJEvNYYxF2Sv8sWpHBFxkFAF11ed", "trc20")
	if err != nil {
		t.Fatalf("create withdrawal err: %v", err)
	}
	tx, err := store.GetTransaction(ctx, receipt.TransactionID)
	if err != nil {
		t.Fatalf("get transaction err: %v", err)
	}
	if tx.Network != "TRC20" {
		t.Fatalf("network stored as %q, want TRC20", tx.Network)
	}
}

func TestOutcomeFor(t *testing.T) {
	cases := []struct {
		name       string
		txType     TxType
		success    bool
		wantStatus TxStatus
		wantDelta  int64
	}{
		{"deposit success credits", TxTypeDeposit, true, StatusCompleted, 2500},
		{"deposit failure moves nothing", TxTypeDeposit, false, StatusFailed, 0},
		{"withdraw success moves nothing", TxTypeWithdraw, true, StatusCompleted, 0},
		{"withdraw failure refunds", TxTypeWithdraw, false, StatusFailed, 2500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, delta := outcomeFor(tc.txType, tc.success, 2500)
			if status != tc.wantStatus || delta != tc.wantDelta {
				t.Fatalf("outcomeFor() = (%s, %d), want (%s, %d)", status, delta, tc.wantStatus, tc.wantDelta)
			}
		})
	}
}

func TestAuditChainStaysVerifiable(t *testing.T) {
	svc, _, gw := newTestService(t)
	ctx := context.Background()

	fund(t, svc, "user-1", 10_000)
	if _, err := svc.CreateWithdrawal(ctx, "user-1", 2000, "TXhQrvoJEvNYYxF2Sv8sWpHBFxkFAF11ed", "TRC20"); err != nil {
		t.Fatalf("withdrawal err: %v", err)
	}
	gw.payoutErr = errors.New("provider down")
	_, _ = svc.CreateWithdrawal(ctx, "user-1", 1000, "TXhQrvoJEvNYYxF2Sv8sWpHBFxkFAF11ed", "TRC20")

	if err := svc.AuditStore.Verify(); err != nil {
		t.Fatalf("audit chain verify: %v", err)
	}
	if len(svc.AuditStore.Events()) == 0 {
		t.Fatal("expected audit events")
	}
}
