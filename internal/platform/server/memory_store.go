package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// MemoryStore keeps the ledger in process memory. It backs tests and
// DB-less development runs with the same semantics as the Postgres store:
// one mutex stands in for the per-row locks.
type MemoryStore struct {
	clk clock.Clock

	mu        sync.Mutex
	balances  map[string]int64
	txByID    map[string]*Transaction
	idByTrack map[string]string
}

var _ LedgerStore = (*MemoryStore)(nil)

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clk:       clk,
		balances:  make(map[string]int64),
		txByID:    make(map[string]*Transaction),
		idByTrack: make(map[string]string),
	}
}

func (s *MemoryStore) now() time.Time {
	if s.clk == nil {
		return time.Now().UTC()
	}
	return s.clk.Now().UTC()
}

func (s *MemoryStore) EnsureUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[userID]; !ok {
		s.balances[userID] = 0
	}
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return bal, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, txID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txByID[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *MemoryStore) FindByTrackID(_ context.Context, trackID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idByTrack[trackID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransaction(s.txByID[id]), nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, limit, offset int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Transaction, 0)
	for _, tx := range s.txByID {
		if tx.UserID == userID {
			all = append(all, tx)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*Transaction, 0, end-offset)
	for _, tx := range all[offset:end] {
		out = append(out, cloneTransaction(tx))
	}
	return out, nil
}

func (s *MemoryStore) CreateDeposit(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cp := cloneTransaction(tx)
	cp.Status = StatusPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.txByID[cp.ID] = cp
	if _, ok := s.balances[cp.UserID]; !ok {
		s.balances[cp.UserID] = 0
	}
	*tx = *cp
	return nil
}

func (s *MemoryStore) CreateWithdrawal(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[tx.UserID]
	if !ok {
		return ErrNotFound
	}
	if bal < tx.AmountMinor {
		return ErrInsufficientBalance
	}

	now := s.now()
	cp := cloneTransaction(tx)
	cp.Status = StatusPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.balances[tx.UserID] = bal - tx.AmountMinor
	s.txByID[cp.ID] = cp
	*tx = *cp
	return nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, txID, trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txByID[txID]
	if !ok {
		return ErrNotFound
	}
	if tx.GatewayTrackID != "" {
		return ErrTrackIDAssigned
	}
	if !CanTransition(tx.Status, StatusProcessing) {
		return ErrConsistency
	}
	tx.GatewayTrackID = trackID
	tx.Status = StatusProcessing
	tx.UpdatedAt = s.now()
	s.idByTrack[trackID] = txID
	return nil
}

func (s *MemoryStore) ApplyOutcome(_ context.Context, txID string, status TxStatus, balanceDelta int64, errMsg string, allowReopen bool) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txByID[txID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if tx.Status == StatusCompleted {
		return cloneTransaction(tx), false, nil
	}
	if tx.Status == StatusFailed && !allowReopen {
		return cloneTransaction(tx), false, nil
	}

	if balanceDelta != 0 {
		bal, ok := s.balances[tx.UserID]
		if !ok {
			return nil, false, ErrConsistency
		}
		if bal+balanceDelta < 0 {
			return nil, false, ErrConsistency
		}
		s.balances[tx.UserID] = bal + balanceDelta
	}

	tx.Status = status
	if errMsg != "" {
		tx.ErrorMessage = errMsg
	}
	tx.UpdatedAt = s.now()
	return cloneTransaction(tx), true, nil
}

func (s *MemoryStore) ListStalledWithdrawals(_ context.Context, olderThan time.Time) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Transaction, 0)
	for _, tx := range s.txByID {
		if tx.Type == TxTypeWithdraw && tx.Status == StatusProcessing && tx.UpdatedAt.Before(olderThan) {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
