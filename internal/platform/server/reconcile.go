package server

import (
	"context"
	"fmt"
	"sync"
)

const (
	recentTracksCapacity = 1000
	recentTracksEvict    = 100
)

// recentTracks is a bounded recency filter over tracking ids whose terminal
// outcome already committed. It only short-circuits obvious replays; the
// durable completed-status check in Reconcile is the real idempotency guard,
// so losing this cache on restart is harmless.
type recentTracks struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string
}

func newRecentTracks(capacity int) *recentTracks {
	if capacity <= 0 {
		capacity = recentTracksCapacity
	}
	return &recentTracks{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

func (r *recentTracks) Contains(trackID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[trackID]
	return ok
}

func (r *recentTracks) Add(trackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[trackID]; ok {
		return
	}
	r.seen[trackID] = struct{}{}
	r.order = append(r.order, trackID)
	if len(r.order) > r.cap {
		evict := recentTracksEvict
		if evict > len(r.order) {
			evict = len(r.order)
		}
		for _, old := range r.order[:evict] {
			delete(r.seen, old)
		}
		r.order = r.order[evict:]
	}
}

func (r *recentTracks) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// ReconcileResult is what the webhook handler shapes its reply from.
type ReconcileResult struct {
	TrackID     string
	Status      TxStatus
	Duplicate   bool
	Anomaly     bool
	Transaction *Transaction
}

// Reconcile applies one provider status report to the ledger. It is safe to
// call concurrently with itself and with the creation paths for the same
// transaction, and safe to retry: terminal transactions are never mutated
// twice.
func (s *PaymentsService) Reconcile(ctx context.Context, trackID, providerStatus string, reportedAmountMinor int64, reportedType string) (*ReconcileResult, error) {
	if trackID == "" {
		return nil, validationErr("track_id", "required")
	}

	if s.recent.Contains(trackID) {
		s.metrics.ObserveDuplicateHit()
		s.log.Warn().Str("track_id", trackID).Msg("duplicate callback short-circuited")
		return &ReconcileResult{TrackID: trackID, Status: StatusCompleted, Duplicate: true}, nil
	}

	tx, err := s.store.FindByTrackID(ctx, trackID)
	if err != nil {
		return nil, err
	}

	// Durable idempotency guard. The gateway may deliver the same terminal
	// callback many times; once completed, every replay is a no-op.
	if tx.Status == StatusCompleted {
		s.recent.Add(trackID)
		return &ReconcileResult{TrackID: trackID, Status: StatusCompleted, Duplicate: true, Transaction: tx}, nil
	}

	if reportedType != "" && reportedType != string(tx.Type) {
		s.log.Warn().Str("track_id", trackID).Str("reported_type", reportedType).
			Str("recorded_type", string(tx.Type)).Msg("callback type disagrees with ledger record")
	}

	intent := NormalizeProviderStatus(providerStatus)
	errMsg := ""
	if intent == IntentFailure {
		errMsg = "gateway reported " + providerStatus
	}

	// Partial payments never settle: anything short of the recorded amount
	// forces the failure branch, including the refund path for withdrawals.
	if reportedAmountMinor < tx.AmountMinor {
		intent = IntentFailure
		errMsg = fmt.Sprintf("underpayment: reported %d, expected %d", reportedAmountMinor, tx.AmountMinor)
	}

	if intent == IntentPending {
		return &ReconcileResult{TrackID: trackID, Status: tx.Status, Transaction: tx}, nil
	}

	success := intent == IntentSuccess

	// A withdrawal that already failed was already refunded. A later "paid"
	// report means the provider sent funds we gave back; re-deducting could
	// overdraw a balance spent in the meantime, so this is left to an
	// operator.
	if success && tx.Type == TxTypeWithdraw && tx.Status == StatusFailed {
		s.metrics.ObserveAnomaly()
		s.log.Error().Str("track_id", trackID).Str("transaction_id", tx.ID).
			Msg("paid callback for refunded withdrawal; manual review required")
		return &ReconcileResult{TrackID: trackID, Status: tx.Status, Anomaly: true, Transaction: tx}, nil
	}

	// A deposit failed by a creation-path timeout can still be completed by a
	// late callback: the callback is higher authority and crediting is safe
	// because deposits never pre-credit.
	allowReopen := success && tx.Type == TxTypeDeposit

	updated, applied, err := s.applyTerminal(ctx, tx, "gateway", success, errMsg, allowReopen)
	if err != nil {
		return nil, err
	}
	if applied {
		s.log.Info().Str("track_id", trackID).Str("transaction_id", tx.ID).
			Str("status", string(updated.Status)).Msg("callback reconciled")
	}

	// The filter learns a track id only after its completed outcome durably
	// committed; failed outcomes stay out so a higher-authority success can
	// still reach the store.
	if updated.Status == StatusCompleted {
		s.recent.Add(trackID)
	}
	return &ReconcileResult{TrackID: trackID, Status: updated.Status, Transaction: updated}, nil
}
