package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/gateway"
)

// SettlementPoller watches withdrawals stalled in processing and resolves
// them by polling the provider, feeding every answer through the same
// Reconcile path the webhook uses. It exists because a delivery failure on
// the provider side would otherwise park a withdrawal in processing forever.
type SettlementPoller struct {
	store   LedgerStore
	svc     *PaymentsService
	gw      gateway.Client
	clk     clock.Clock
	log     zerolog.Logger
	metrics *Metrics

	interval    time.Duration
	stallAfter  time.Duration
	giveUpAfter time.Duration

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

func NewSettlementPoller(store LedgerStore, svc *PaymentsService, gw gateway.Client, clk clock.Clock) *SettlementPoller {
	return &SettlementPoller{
		store:       store,
		svc:         svc,
		gw:          gw,
		clk:         clk,
		log:         zerolog.Nop(),
		interval:    30 * time.Second,
		stallAfter:  2 * time.Minute,
		giveUpAfter: 30 * time.Minute,
		nextAttempt: make(map[string]time.Time),
	}
}

func (p *SettlementPoller) SetLogger(log zerolog.Logger) { p.log = log }
func (p *SettlementPoller) SetMetrics(m *Metrics)        { p.metrics = m }

func (p *SettlementPoller) SetIntervals(interval, stallAfter, giveUpAfter time.Duration) {
	if interval > 0 {
		p.interval = interval
	}
	if stallAfter > 0 {
		p.stallAfter = stallAfter
	}
	if giveUpAfter > 0 {
		p.giveUpAfter = giveUpAfter
	}
}

func (p *SettlementPoller) now() time.Time {
	if p.clk == nil {
		return time.Now().UTC()
	}
	return p.clk.Now().UTC()
}

func (p *SettlementPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()
	p.log.Info().Dur("interval", p.interval).Msg("settlement poller started")
}

func (p *SettlementPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SettlementPoller) tick(ctx context.Context) {
	now := p.now()
	stalled, err := p.store.ListStalledWithdrawals(ctx, now.Add(-p.stallAfter))
	if err != nil {
		p.metrics.ObserveSettlementRun(err)
		p.log.Warn().Err(err).Msg("list stalled withdrawals failed")
		return
	}
	p.metrics.ObserveSettlementRun(nil)

	for _, tx := range stalled {
		if !p.shouldAttempt(tx.ID, now) {
			continue
		}
		p.resolve(ctx, tx, now)
	}
}

func (p *SettlementPoller) resolve(ctx context.Context, tx *Transaction, now time.Time) {
	status, err := p.gw.PayoutStatus(ctx, tx.GatewayTrackID)
	p.metrics.ObserveGatewayRequest("payout_status", err)
	if err != nil {
		// The provider may be unreachable while the payout is fine. Only
		// after the give-up horizon is the withdrawal failed (and refunded)
		// through the normal reconcile path; a later authoritative callback
		// for a completed payout would then surface as an anomaly rather
		// than silently moving money.
		if now.Sub(tx.UpdatedAt) >= p.giveUpAfter {
			p.log.Warn().Str("transaction_id", tx.ID).Str("track_id", tx.GatewayTrackID).
				Msg("payout unresolved past give-up horizon; failing")
			if _, rErr := p.svc.Reconcile(ctx, tx.GatewayTrackID, "expired", tx.AmountMinor, string(tx.Type)); rErr != nil {
				p.log.Error().Err(rErr).Str("transaction_id", tx.ID).Msg("failing stalled withdrawal failed")
				p.scheduleNext(tx.ID, p.interval)
				return
			}
			p.metrics.ObserveSettlementResolved()
			p.clearSchedule(tx.ID)
			return
		}
		p.scheduleNext(tx.ID, p.interval*2)
		return
	}

	reported := status.AmountMinor
	if reported == 0 {
		// Some provider responses omit the amount on non-terminal payouts;
		// the recorded amount avoids a spurious underpayment failure.
		reported = tx.AmountMinor
	}
	res, err := p.svc.Reconcile(ctx, tx.GatewayTrackID, status.Status, reported, string(tx.Type))
	if err != nil {
		p.log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("reconcile from poll failed")
		p.scheduleNext(tx.ID, p.interval)
		return
	}
	if res.Status.Terminal() {
		p.metrics.ObserveSettlementResolved()
		p.log.Info().Str("transaction_id", tx.ID).Str("status", string(res.Status)).
			Msg("stalled withdrawal settled by polling")
		p.clearSchedule(tx.ID)
		return
	}
	p.scheduleNext(tx.ID, p.interval*2)
}

func (p *SettlementPoller) shouldAttempt(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	return !ok || now.After(next)
}

func (p *SettlementPoller) scheduleNext(id string, after time.Duration) {
	p.mu.Lock()
	p.nextAttempt[id] = p.now().Add(after)
	p.mu.Unlock()
}

func (p *SettlementPoller) clearSchedule(id string) {
	p.mu.Lock()
	delete(p.nextAttempt, id)
	p.mu.Unlock()
}
