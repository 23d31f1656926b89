/**
 * @description
 * This file contains the transfer orchestrator. A funder's card is charged and the
 * proceeds are allocated into the dependent's Main account tree. The steps run as a
 * state machine recorded in transfer_attempts:
 *
 *   validating -> charging -> allocating -> completed
 *
 * with the failure exits validation_failed, charge_failed and
 * allocation_failed_after_charge.
 *
 * @notes
 * - Nothing is written before validation passes, and no ledger row exists until the
 *   charge has succeeded.
 * - An allocation failure after a successful charge is compensated by a single refund.
 *   A failed refund is never retried here; the reconciliation sweep surfaces it.
 *
 * @dependencies
 * - internal/store: accounts, ledger and transfer attempts.
 * - pkg/chargeclient: card charges and refunds.
 * - pkg/rabbitmq: transfer lifecycle events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/carefunds/funds-service/internal/store"
	"github.com/carefunds/funds-service/pkg/chargeclient"
	"github.com/carefunds/funds-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

const refundTimeout = 30 * time.Second

// ChargeGateway is the card processor as seen by the orchestrator.
type ChargeGateway interface {
	Charge(ctx context.Context, req chargeclient.ChargeRequest) (*chargeclient.ChargeResult, error)
	Refund(ctx context.Context, chargeID, reason string) (*chargeclient.RefundResult, error)
}

// TransferOptions tunes validation and rate limiting.
type TransferOptions struct {
	Limits AmountLimits
	Quota  TransferQuota
}

// TransferService sends money from funders' cards to dependents.
type TransferService struct {
	repo      store.Repository
	allocator *Allocator
	gateway   ChargeGateway
	publisher rabbitmq.Publisher
	throttle  TransferThrottle
	opts      TransferOptions
	now       func() time.Time
}

// NewTransferService creates a TransferService. A nil publisher disables events and a
// nil throttle disables rate limiting.
func NewTransferService(
	repo store.Repository,
	allocator *Allocator,
	gateway ChargeGateway,
	publisher rabbitmq.Publisher,
	throttle TransferThrottle,
	opts TransferOptions,
) *TransferService {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if opts.Limits.Min.IsZero() && opts.Limits.Max.IsZero() {
		opts.Limits = DefaultAmountLimits
	}
	if opts.Quota.Limit > 0 && opts.Quota.Window <= 0 {
		opts.Quota.Window = time.Minute
	}
	return &TransferService{
		repo:      repo,
		allocator: allocator,
		gateway:   gateway,
		publisher: publisher,
		throttle:  throttle,
		opts:      opts,
		now:       time.Now,
	}
}

// SendTransfer charges the funder's card and allocates the amount to the dependent.
func (s *TransferService) SendTransfer(ctx context.Context, funderID uuid.UUID, req domain.SendTransferRequest) (*domain.TransferSummary, error) {
	const op = "send_transfer"

	amount, source, beneficiary, err := s.validate(ctx, funderID, req)
	if err != nil {
		log.Printf("level=info component=transfer_service state=%s funder_id=%s dependent_id=%s err=%q", domain.TransferStateValidationFailed, funderID, req.DependentID, err)
		return nil, err
	}

	attemptID := uuid.New()
	if err := s.admit(ctx, funderID, attemptID); err != nil {
		log.Printf("level=info component=transfer_service state=%s funder_id=%s dependent_id=%s err=%q", domain.TransferStateValidationFailed, funderID, req.DependentID, err)
		return nil, err
	}

	now := s.now().UTC()
	attempt := &domain.TransferAttempt{
		ID:              attemptID,
		Reference:       newTransferReference(now),
		FunderID:        funderID,
		DependentID:     req.DependentID,
		FundingSourceID: source.ID,
		Amount:          amount,
		State:           domain.TransferStateCharging,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateTransferAttempt(ctx, attempt); err != nil {
		return nil, newError(KindPersistence, op, "failed to record transfer attempt", err)
	}

	charge, err := s.gateway.Charge(ctx, chargeclient.ChargeRequest{
		AuthorizationCode: source.AuthorizationCode,
		Email:             source.Email,
		AmountMinor:       amount,
		Currency:          domain.CurrencyZAR,
		Reference:         attempt.Reference,
		Metadata: map[string]interface{}{
			"transfer_id":       attempt.ID.String(),
			"funder_id":         funderID.String(),
			"dependent_id":      req.DependentID.String(),
			"funding_source_id": source.ID.String(),
		},
	})
	if chargeclient.IsUnconfirmedCharge(err) {
		return nil, s.strandUnconfirmedCharge(context.WithoutCancel(ctx), attempt, err)
	}
	if err != nil {
		s.updateAttempt(ctx, attempt.ID, store.TransferAttemptUpdate{
			State:         store.StringPtr(domain.TransferStateChargeFailed),
			FailureReason: store.StringPtr(err.Error()),
		})
		return nil, chargeError(op, err)
	}
	log.Printf("level=info component=transfer_service msg=\"card charged\" transfer_id=%s reference=%s charge_id=%s amount=%d", attempt.ID, attempt.Reference, charge.ChargeID, amount)

	// The card has been debited; finish bookkeeping even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	s.updateAttempt(ctx, attempt.ID, store.TransferAttemptUpdate{
		State:    store.StringPtr(domain.TransferStateAllocating),
		ChargeID: store.StringPtr(charge.ChargeID),
	})

	allocation, err := s.allocator.Allocate(ctx, AllocationRequest{
		MainAccountID: beneficiary.ID,
		Amount:        amount,
		Reference:     attempt.Reference,
		Description:   transferDescription(req.Description),
		Metadata: map[string]interface{}{
			"charge_id":         charge.ChargeID,
			"funder_id":         funderID.String(),
			"funding_source_id": source.ID.String(),
			"transfer_id":       attempt.ID.String(),
		},
	})
	if err != nil {
		return nil, s.compensate(ctx, attempt, charge.ChargeID, err)
	}

	completedAt := s.now().UTC()
	s.updateAttempt(ctx, attempt.ID, store.TransferAttemptUpdate{
		State: store.StringPtr(domain.TransferStateCompleted),
	})

	event := domain.TransferCompletedEvent{
		TransferID:       attempt.ID,
		Reference:        attempt.Reference,
		ChargeID:         charge.ChargeID,
		FunderID:         funderID,
		DependentID:      req.DependentID,
		Amount:           amount,
		TotalSplitAmount: allocation.TotalSplitAmount,
		RemainingAmount:  allocation.RemainingAmount,
		OccurredAt:       completedAt,
	}
	if err := s.publisher.Publish(ctx, domain.EventsExchange, domain.RoutingKeyTransferCompleted, event); err != nil {
		log.Printf("level=warn component=transfer_service msg=\"failed to publish transfer completed event\" transfer_id=%s err=%v", attempt.ID, err)
	}

	beneficiary.Balance = allocation.Main.NewBalance
	beneficiary.LastTransactionAt = &completedAt
	log.Printf("level=info component=transfer_service state=%s transfer_id=%s reference=%s amount=%d split_total=%d remaining=%d",
		domain.TransferStateCompleted, attempt.ID, attempt.Reference, amount, allocation.TotalSplitAmount, allocation.RemainingAmount)

	return &domain.TransferSummary{
		TransferID:    attempt.ID,
		Reference:     attempt.Reference,
		ChargeID:      charge.ChargeID,
		Amount:        amount,
		Currency:      domain.CurrencyZAR,
		FundingSource: *source,
		Beneficiary:   *beneficiary,
		Status:        domain.TransferStateCompleted,
		CompletedAt:   completedAt,
		Allocation:    allocation,
	}, nil
}

func (s *TransferService) validate(ctx context.Context, funderID uuid.UUID, req domain.SendTransferRequest) (int64, *domain.FundingSource, *domain.Account, error) {
	const op = "validate_transfer"

	amount, err := ToMinorUnits(req.Amount, s.opts.Limits)
	if err != nil {
		return 0, nil, nil, newError(KindValidation, op, err.Error(), err)
	}

	source, err := s.repo.FindFundingSourceByID(ctx, req.FundingSourceID)
	if err != nil {
		if errors.Is(err, store.ErrFundingSourceNotFound) {
			return 0, nil, nil, newError(KindNotFound, op, "funding source not found", err)
		}
		return 0, nil, nil, newError(KindPersistence, op, "failed to load funding source", err)
	}
	if source.UserID != funderID {
		return 0, nil, nil, newError(KindAuthorization, op, "funding source does not belong to you", ErrFundingSourceNotOwned)
	}
	if source.Status != domain.StatusActive {
		return 0, nil, nil, newError(KindAuthorization, op, "funding source is not active", ErrFundingSourceInactive)
	}

	rel, err := s.repo.FindRelationship(ctx, funderID, req.DependentID)
	if err != nil && !errors.Is(err, store.ErrRelationshipNotFound) {
		return 0, nil, nil, newError(KindPersistence, op, "failed to load relationship", err)
	}
	if err != nil || rel.Status != domain.StatusActive {
		return 0, nil, nil, newError(KindAuthorization, op, "you are not authorized to fund this dependent", ErrRelationshipInactive)
	}

	beneficiary, err := s.repo.FindMainAccountByUserID(ctx, req.DependentID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return 0, nil, nil, newError(KindNotFound, op, "dependent main account not found", err)
		}
		return 0, nil, nil, newError(KindPersistence, op, "failed to load dependent account", err)
	}
	if !beneficiary.IsActive() {
		return 0, nil, nil, newError(KindAuthorization, op, "dependent main account is inactive", ErrAccountInactive)
	}

	return amount, source, beneficiary, nil
}

// admit runs once a request has passed every read-only check, so rejected requests
// never use up the funder's quota.
func (s *TransferService) admit(ctx context.Context, funderID, transferID uuid.UUID) error {
	if s.throttle == nil || !s.opts.Quota.enabled() {
		return nil
	}
	admission, err := s.throttle.Admit(ctx, funderID, transferID, s.opts.Quota)
	if err != nil {
		// Throttle outages must not block transfers.
		log.Printf("level=warn component=transfer_service msg=\"transfer throttle unavailable\" funder_id=%s err=%v", funderID, err)
		return nil
	}
	if !admission.Allowed {
		return &Error{
			Kind:      KindRateLimited,
			Op:        "admit_transfer",
			Message:   fmt.Sprintf("too many transfers, try again in %d seconds", retryAfterSeconds(admission.RetryAfter)),
			Err:       ErrRateLimited,
			Transient: true,
		}
	}
	return nil
}

// compensate refunds a charge whose allocation failed. It makes exactly one refund call.
func (s *TransferService) compensate(ctx context.Context, attempt *domain.TransferAttempt, chargeID string, allocErr error) error {
	refundCtx, cancel := context.WithTimeout(ctx, refundTimeout)
	defer cancel()

	_, refundErr := s.gateway.Refund(refundCtx, chargeID, fmt.Sprintf("allocation failed for transfer %s", attempt.Reference))

	update := store.TransferAttemptUpdate{
		State:         store.StringPtr(domain.TransferStateAllocationFailedAfterCharge),
		FailureReason: store.StringPtr(allocErr.Error()),
		RefundStatus:  store.StringPtr(domain.RefundStatusSucceeded),
	}
	if refundErr != nil {
		update.RefundStatus = store.StringPtr(domain.RefundStatusFailed)
		update.RefundError = store.StringPtr(refundErr.Error())
	}
	s.updateAttempt(ctx, attempt.ID, update)

	failure := &AllocationFailedError{
		TransferID:    attempt.ID.String(),
		ChargeID:      chargeID,
		Reference:     attempt.Reference,
		AllocationErr: allocErr,
		RefundErr:     refundErr,
	}

	if refundErr == nil {
		log.Printf("level=warn component=transfer_service state=%s transfer_id=%s charge_id=%s msg=\"allocation failed, charge refunded\" err=%v",
			domain.TransferStateAllocationFailedAfterCharge, attempt.ID, chargeID, allocErr)
		return failure
	}

	log.Printf("level=error component=transfer_service state=%s transfer_id=%s charge_id=%s amount=%d msg=\"allocation failed and refund failed, manual reconciliation required\" allocation_err=%q refund_err=%q",
		domain.TransferStateAllocationFailedAfterCharge, attempt.ID, chargeID, attempt.Amount, allocErr, refundErr)

	event := domain.TransferReconciliationEvent{
		TransferID:      attempt.ID,
		Reference:       attempt.Reference,
		ChargeID:        chargeID,
		FunderID:        attempt.FunderID,
		DependentID:     attempt.DependentID,
		Amount:          attempt.Amount,
		AllocationError: allocErr.Error(),
		RefundError:     refundErr.Error(),
		OccurredAt:      s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, domain.EventsExchange, domain.RoutingKeyCompensationFailed, event); err != nil {
		log.Printf("level=error component=transfer_service msg=\"failed to publish compensation failed event\" transfer_id=%s err=%v", attempt.ID, err)
	}
	return failure
}

// strandUnconfirmedCharge handles a charge the processor reported as successful without
// an id. The card may have been debited but there is nothing to refund against, so the
// attempt is left for the reconciliation sweep and support is alerted straight away.
func (s *TransferService) strandUnconfirmedCharge(ctx context.Context, attempt *domain.TransferAttempt, chargeErr error) error {
	const reason = "refund not attempted: processor returned no charge id"
	s.updateAttempt(ctx, attempt.ID, store.TransferAttemptUpdate{
		State:         store.StringPtr(domain.TransferStateAllocationFailedAfterCharge),
		FailureReason: store.StringPtr(chargeErr.Error()),
		RefundStatus:  store.StringPtr(domain.RefundStatusFailed),
		RefundError:   store.StringPtr(reason),
	})

	log.Printf("level=error component=transfer_service state=%s transfer_id=%s reference=%s amount=%d msg=\"charge unconfirmed, manual reconciliation required\" err=%q",
		domain.TransferStateAllocationFailedAfterCharge, attempt.ID, attempt.Reference, attempt.Amount, chargeErr)

	event := domain.TransferReconciliationEvent{
		TransferID:      attempt.ID,
		Reference:       attempt.Reference,
		FunderID:        attempt.FunderID,
		DependentID:     attempt.DependentID,
		Amount:          attempt.Amount,
		AllocationError: chargeErr.Error(),
		RefundError:     reason,
		OccurredAt:      s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, domain.EventsExchange, domain.RoutingKeyCompensationFailed, event); err != nil {
		log.Printf("level=error component=transfer_service msg=\"failed to publish compensation failed event\" transfer_id=%s err=%v", attempt.ID, err)
	}

	return &Error{
		Kind:    KindCompensation,
		Op:      "charge_card",
		Message: "Your card charge could not be confirmed. Support has been notified.",
		Err:     chargeErr,
	}
}

// updateAttempt is best effort: the attempt row is an audit trail and never gates money.
func (s *TransferService) updateAttempt(ctx context.Context, attemptID uuid.UUID, update store.TransferAttemptUpdate) {
	if err := s.repo.UpdateTransferAttempt(ctx, attemptID, update); err != nil {
		state := ""
		if update.State != nil {
			state = *update.State
		}
		log.Printf("level=warn component=transfer_service msg=\"failed to update transfer attempt\" transfer_id=%s state=%s err=%v", attemptID, state, err)
	}
}

func chargeError(op string, err error) error {
	message := "payment gateway is unavailable"
	var apiErr *chargeclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Declined {
			message = "card was declined: " + apiErr.Message
		} else if apiErr.StatusCode < 500 {
			message = "charge was rejected: " + apiErr.Message
		}
	}
	return &Error{
		Kind:      KindGateway,
		Op:        op,
		Message:   message,
		Err:       err,
		Transient: chargeclient.IsTransient(err),
	}
}

func newTransferReference(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("TRF-%s-%s", at.Format("20060102150405"), suffix)
}

func transferDescription(description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return "Transfer from funder"
	}
	return description
}
