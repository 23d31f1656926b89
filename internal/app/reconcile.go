package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/carefunds/funds-service/internal/store"
	"github.com/carefunds/funds-service/pkg/rabbitmq"
	"github.com/robfig/cron/v3"
)

const (
	defaultReconcileSchedule = "@every 5m"
	defaultReconcileLimit    = 100
	reconcileRunTimeout      = 2 * time.Minute
)

// Reconciler surfaces transfers that were charged, could not be allocated and could not
// be refunded. It only raises alerts; it never moves money or retries refunds.
type Reconciler struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	limit     int
	now       func() time.Time
}

func NewReconciler(repo store.Repository, publisher rabbitmq.Publisher) *Reconciler {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	return &Reconciler{
		repo:      repo,
		publisher: publisher,
		limit:     defaultReconcileLimit,
		now:       time.Now,
	}
}

// ReconcileStrandedTransfers alerts on every unreconciled attempt once and returns how
// many were alerted.
func (r *Reconciler) ReconcileStrandedTransfers(ctx context.Context) (int, error) {
	attempts, err := r.repo.ListUnreconciledTransferAttempts(ctx, r.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unreconciled transfer attempts: %w", err)
	}

	alerted := 0
	for _, attempt := range attempts {
		chargeID := derefString(attempt.ChargeID)
		refundErr := derefString(attempt.RefundError)
		log.Printf("level=error component=reconciler msg=\"charged transfer needs manual reconciliation\" transfer_id=%s reference=%s charge_id=%s funder_id=%s dependent_id=%s amount=%d refund_err=%q",
			attempt.ID, attempt.Reference, chargeID, attempt.FunderID, attempt.DependentID, attempt.Amount, refundErr)

		event := domain.TransferReconciliationEvent{
			TransferID:      attempt.ID,
			Reference:       attempt.Reference,
			ChargeID:        chargeID,
			FunderID:        attempt.FunderID,
			DependentID:     attempt.DependentID,
			Amount:          attempt.Amount,
			AllocationError: derefString(attempt.FailureReason),
			RefundError:     refundErr,
			OccurredAt:      r.now().UTC(),
		}
		if err := r.publisher.Publish(ctx, domain.EventsExchange, domain.RoutingKeyReconciliationRequired, event); err != nil {
			// Leave alerted_at unset so the next run tries again.
			log.Printf("level=warn component=reconciler msg=\"failed to publish reconciliation event\" transfer_id=%s err=%v", attempt.ID, err)
			continue
		}
		if err := r.repo.MarkTransferAttemptAlerted(ctx, attempt.ID, r.now().UTC()); err != nil {
			log.Printf("level=warn component=reconciler msg=\"failed to mark transfer attempt alerted\" transfer_id=%s err=%v", attempt.ID, err)
			continue
		}
		alerted++
	}
	return alerted, nil
}

// ReconcileScheduler runs the Reconciler on a cron schedule.
type ReconcileScheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
}

func NewReconcileScheduler(reconciler *Reconciler, schedule string) *ReconcileScheduler {
	if schedule == "" {
		schedule = defaultReconcileSchedule
	}
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &ReconcileScheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *ReconcileScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("failed to schedule reconciliation job %q: %w", s.schedule, err)
	}
	log.Printf("level=info component=reconciler msg=\"scheduled reconciliation job\" schedule=%q", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done when a running sweep finishes.
func (s *ReconcileScheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *ReconcileScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileRunTimeout)
	defer cancel()

	count, err := s.reconciler.ReconcileStrandedTransfers(ctx)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"reconciliation run failed\" err=%v", err)
		return
	}
	if count > 0 {
		log.Printf("level=info component=reconciler msg=\"reconciliation run finished\" alerted=%d", count)
	}
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
