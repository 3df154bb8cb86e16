package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/gateway"
)

const accountingCurrency = "USD"

// Limits bound what the creation paths accept. Amounts are minor units.
type Limits struct {
	DepositMinMinor  int64
	DepositMaxMinor  int64
	WithdrawMinMinor int64
	WithdrawMaxMinor int64
	AddressMinLen    int
	AddressMaxLen    int
	Networks         []string
}

func DefaultLimits() Limits {
	return Limits{
		DepositMinMinor:  100,       // $1
		DepositMaxMinor:  1_000_000, // $10000
		WithdrawMinMinor: 100,
		WithdrawMaxMinor: 500_000, // $5000
		AddressMinLen:    20,
		AddressMaxLen:    100,
		Networks:         []string{"TRC20", "ERC20", "BEP20"},
	}
}

func (l Limits) networkAllowed(network string) bool {
	for _, n := range l.Networks {
		if strings.EqualFold(n, network) {
			return true
		}
	}
	return false
}

// PaymentsService owns the transaction state machine and the balance
// invariants around it. All balance mutations flow through the store's
// atomic operations; the service decides, the store commits.
type PaymentsService struct {
	AuditStore *audit.InMemoryStore

	store   LedgerStore
	gw      gateway.Client
	clk     clock.Clock
	log     zerolog.Logger
	metrics *Metrics

	limits         Limits
	gatewayTimeout time.Duration
	payoutCurrency string

	recent      *recentTracks
	nextAuditID atomic.Int64
}

func NewPaymentsService(store LedgerStore, gw gateway.Client, clk clock.Clock) *PaymentsService {
	return &PaymentsService{
		AuditStore:     audit.NewInMemoryStore(),
		store:          store,
		gw:             gw,
		clk:            clk,
		log:            zerolog.Nop(),
		limits:         DefaultLimits(),
		gatewayTimeout: 10 * time.Second,
		payoutCurrency: "TRX",
		recent:         newRecentTracks(recentTracksCapacity),
	}
}

func (s *PaymentsService) SetLogger(log zerolog.Logger) { s.log = log }
func (s *PaymentsService) SetMetrics(m *Metrics)        { s.metrics = m }

func (s *PaymentsService) SetLimits(l Limits) {
	if l.DepositMinMinor > 0 && l.DepositMaxMinor >= l.DepositMinMinor {
		s.limits.DepositMinMinor = l.DepositMinMinor
		s.limits.DepositMaxMinor = l.DepositMaxMinor
	}
	if l.WithdrawMinMinor > 0 && l.WithdrawMaxMinor >= l.WithdrawMinMinor {
		s.limits.WithdrawMinMinor = l.WithdrawMinMinor
		s.limits.WithdrawMaxMinor = l.WithdrawMaxMinor
	}
	if l.AddressMinLen > 0 && l.AddressMaxLen >= l.AddressMinLen {
		s.limits.AddressMinLen = l.AddressMinLen
		s.limits.AddressMaxLen = l.AddressMaxLen
	}
	if len(l.Networks) > 0 {
		s.limits.Networks = l.Networks
	}
}

func (s *PaymentsService) SetGatewayTimeout(d time.Duration) {
	if d > 0 {
		s.gatewayTimeout = d
	}
}

func (s *PaymentsService) SetPayoutCurrency(currency string) {
	if currency != "" {
		s.payoutCurrency = currency
	}
}

func (s *PaymentsService) now() time.Time {
	if s.clk == nil {
		return time.Now().UTC()
	}
	return s.clk.Now().UTC()
}

type DepositReceipt struct {
	TransactionID string
	TrackID       string
	PayURL        string
	Status        TxStatus
}

// CreateDeposit records a pending deposit before contacting the provider, so
// an audit record exists even if the invoice call never returns. Deposits
// never pre-credit the balance.
func (s *PaymentsService) CreateDeposit(ctx context.Context, userID string, amountMinor int64) (*DepositReceipt, error) {
	if userID == "" {
		return nil, validationErr("user_id", "required")
	}
	if amountMinor < s.limits.DepositMinMinor || amountMinor > s.limits.DepositMaxMinor {
		return nil, validationErr("amount", fmt.Sprintf("must be between %d and %d minor units",
			s.limits.DepositMinMinor, s.limits.DepositMaxMinor))
	}
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        TxTypeDeposit,
		AmountMinor: amountMinor,
		Currency:    accountingCurrency,
	}
	if err := s.store.CreateDeposit(ctx, tx); err != nil {
		s.metrics.ObserveTransactionCreated(TxTypeDeposit, "error")
		return nil, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	inv, err := s.gw.CreateInvoice(gwCtx, gateway.InvoiceRequest{
		AmountMinor: amountMinor,
		Currency:    accountingCurrency,
		OrderRef:    tx.ID,
		Description: "balance deposit",
	})
	s.metrics.ObserveGatewayRequest("create_invoice", err)
	if err != nil {
		// A timeout does not prove the provider rejected the invoice; a late
		// callback for this transaction is still honored by Reconcile.
		if _, _, cErr := s.applyTerminal(ctx, tx, "system", false, err.Error(), false); cErr != nil {
			s.log.Error().Err(cErr).Str("transaction_id", tx.ID).
				Msg("deposit failure could not be recorded; transaction left pending")
			return nil, fmt.Errorf("record deposit failure for %s: %w", tx.ID, ErrConsistency)
		}
		s.metrics.ObserveTransactionCreated(TxTypeDeposit, "gateway_error")
		return nil, err
	}

	if err := s.store.MarkProcessing(ctx, tx.ID, inv.TrackID); err != nil {
		s.log.Error().Err(err).Str("transaction_id", tx.ID).Str("track_id", inv.TrackID).
			Msg("invoice accepted but track id could not be attached")
		return nil, fmt.Errorf("attach track id to %s: %w", tx.ID, ErrConsistency)
	}

	s.metrics.ObserveTransactionCreated(TxTypeDeposit, "ok")
	s.appendAudit(userID, "transaction", tx.ID, "deposit_requested",
		s.balanceSnapshot(ctx, userID), s.balanceSnapshot(ctx, userID), audit.ResultSuccess, "")
	s.log.Info().Str("transaction_id", tx.ID).Str("track_id", inv.TrackID).
		Int64("amount_minor", amountMinor).Msg("deposit invoice created")

	return &DepositReceipt{
		TransactionID: tx.ID,
		TrackID:       inv.TrackID,
		PayURL:        inv.PayURL,
		Status:        StatusProcessing,
	}, nil
}

type WithdrawalReceipt struct {
	TransactionID string
	TrackID       string
	Status        TxStatus
	BalanceMinor  int64
}

// CreateWithdrawal deducts eligibility-checked funds before the payout call.
// If the provider rejects the payout the deduction is compensated in the same
// atomic unit as the failed-status write.
func (s *PaymentsService) CreateWithdrawal(ctx context.Context, userID string, amountMinor int64, address, network string) (*WithdrawalReceipt, error) {
	if userID == "" {
		return nil, validationErr("user_id", "required")
	}
	if amountMinor < s.limits.WithdrawMinMinor || amountMinor > s.limits.WithdrawMaxMinor {
		return nil, validationErr("amount", fmt.Sprintf("must be between %d and %d minor units",
			s.limits.WithdrawMinMinor, s.limits.WithdrawMaxMinor))
	}
	address = strings.TrimSpace(address)
	if len(address) < s.limits.AddressMinLen || len(address) > s.limits.AddressMaxLen {
		return nil, validationErr("address", fmt.Sprintf("length must be between %d and %d",
			s.limits.AddressMinLen, s.limits.AddressMaxLen))
	}
	if !s.limits.networkAllowed(network) {
		return nil, validationErr("network", "must be one of "+strings.Join(s.limits.Networks, ", "))
	}
	network = strings.ToUpper(network)

	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}

	before := s.balanceSnapshot(ctx, userID)
	tx := &Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        TxTypeWithdraw,
		AmountMinor: amountMinor,
		Currency:    s.payoutCurrency,
		Network:     network,
		Address:     address,
	}
	if err := s.store.CreateWithdrawal(ctx, tx); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.metrics.ObserveTransactionCreated(TxTypeWithdraw, "insufficient_balance")
			s.appendAudit(userID, "transaction", tx.ID, "withdrawal_denied", before, before,
				audit.ResultDenied, "insufficient balance")
		}
		return nil, err
	}
	s.appendAudit(userID, "transaction", tx.ID, "withdrawal_requested",
		before, s.balanceSnapshot(ctx, userID), audit.ResultSuccess, "")

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	payout, err := s.gw.CreatePayout(gwCtx, gateway.PayoutRequest{
		Address:     address,
		AmountMinor: amountMinor,
		Currency:    s.payoutCurrency,
		Network:     network,
		Memo:        tx.ID,
		Description: "balance withdrawal",
	})
	s.metrics.ObserveGatewayRequest("create_payout", err)
	if err != nil {
		// Compensating action: restore the deducted funds together with the
		// failed-status write. If this cannot commit the ledger is
		// inconsistent and the error must reach an operator.
		if _, _, cErr := s.applyTerminal(ctx, tx, "system", false, err.Error(), false); cErr != nil {
			s.log.Error().Err(cErr).Str("transaction_id", tx.ID).Str("user_id", userID).
				Int64("amount_minor", amountMinor).
				Msg("withdrawal refund could not be committed; funds deducted without payout")
			return nil, fmt.Errorf("refund withdrawal %s: %w", tx.ID, ErrConsistency)
		}
		s.metrics.ObserveTransactionCreated(TxTypeWithdraw, "gateway_error")
		return nil, err
	}

	if err := s.store.MarkProcessing(ctx, tx.ID, payout.TrackID); err != nil {
		s.log.Error().Err(err).Str("transaction_id", tx.ID).Str("track_id", payout.TrackID).
			Msg("payout accepted but track id could not be attached")
		return nil, fmt.Errorf("attach track id to %s: %w", tx.ID, ErrConsistency)
	}

	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransactionCreated(TxTypeWithdraw, "ok")
	s.log.Info().Str("transaction_id", tx.ID).Str("track_id", payout.TrackID).
		Int64("amount_minor", amountMinor).Str("network", network).Msg("payout created")

	return &WithdrawalReceipt{
		TransactionID: tx.ID,
		TrackID:       payout.TrackID,
		Status:        StatusProcessing,
		BalanceMinor:  bal,
	}, nil
}

func (s *PaymentsService) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, validationErr("user_id", "required")
	}
	return s.store.GetBalance(ctx, userID)
}

func (s *PaymentsService) Transactions(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error) {
	if userID == "" {
		return nil, validationErr("user_id", "required")
	}
	return s.store.ListTransactions(ctx, userID, limit, offset)
}

// TrackStatus is the operator-facing lookup by gateway tracking id.
func (s *PaymentsService) TrackStatus(ctx context.Context, trackID string) (*Transaction, error) {
	if trackID == "" {
		return nil, validationErr("track_id", "required")
	}
	return s.store.FindByTrackID(ctx, trackID)
}

// outcomeFor is the single mapping from a terminal intent to the status
// write and balance delta. Deposits credit on success and never on failure;
// withdrawals were deducted up front, so only failure moves money (refund).
func outcomeFor(txType TxType, success bool, amountMinor int64) (TxStatus, int64) {
	if success {
		if txType == TxTypeDeposit {
			return StatusCompleted, amountMinor
		}
		return StatusCompleted, 0
	}
	if txType == TxTypeWithdraw {
		return StatusFailed, amountMinor
	}
	return StatusFailed, 0
}

// applyTerminal commits a terminal outcome through the store's atomic
// writer and records audit/metrics when something actually changed. Both the
// creation-path compensation and the reconciliation engine land here, so the
// credit/refund arithmetic exists exactly once.
func (s *PaymentsService) applyTerminal(ctx context.Context, tx *Transaction, actorID string, success bool, errMsg string, allowReopen bool) (*Transaction, bool, error) {
	status, delta := outcomeFor(tx.Type, success, tx.AmountMinor)

	before := s.balanceSnapshot(ctx, tx.UserID)
	updated, applied, err := s.store.ApplyOutcome(ctx, tx.ID, status, delta, errMsg, allowReopen)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return updated, false, nil
	}

	action := fmt.Sprintf("%s_%s", tx.Type, status)
	s.appendAudit(actorID, "transaction", tx.ID, action,
		before, s.balanceSnapshot(ctx, tx.UserID), audit.ResultSuccess, errMsg)
	s.metrics.ObserveReconcileOutcome(tx.Type, status)
	if tx.Type == TxTypeWithdraw && status == StatusFailed {
		s.metrics.ObserveRefund()
	}
	return updated, true, nil
}

func (s *PaymentsService) balanceSnapshot(ctx context.Context, userID string) []byte {
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return []byte(`{}`)
	}
	b, _ := json.Marshal(map[string]any{"user_id": userID, "balance_minor": bal})
	return b
}

func (s *PaymentsService) appendAudit(actorID, objectType, objectID, action string, before, after []byte, result audit.Result, reason string) {
	if s.AuditStore == nil {
		return
	}
	now := s.now()
	_, err := s.AuditStore.Append(audit.Event{
		AuditID:    fmt.Sprintf("audit-%d", s.nextAuditID.Add(1)),
		OccurredAt: now,
		RecordedAt: now,
		ActorID:    actorID,
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Before:     before,
		After:      after,
		Result:     result,
		Reason:     reason,
	})
	if err != nil {
		s.log.Error().Err(err).Str("object_id", objectID).Msg("audit append failed")
	}
}
