package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"github.com/smallbiznis/escrow/internal/escrow/holdguard"
	"github.com/smallbiznis/escrow/internal/money"
	"gorm.io/gorm"
)

// transition applies one action to a locked order in memory. The service
// persists whatever it leaves behind.
type transition struct {
	ctx    context.Context
	tx     *gorm.DB
	guard  *holdguard.Guard
	policy config.EscrowPolicy
	actor  domain.Actor
	now    time.Time

	order      *domain.PaymentOrder
	milestones []domain.PaymentMilestone

	milestone *domain.PaymentMilestone
	amount    *money.Amount
	note      string
	metadata  map[string]any
	blocked   *holdguard.Decision
}

var _ domain.ActionHandler = (*transition)(nil)

func newTransition(ctx context.Context, tx *gorm.DB, guard *holdguard.Guard, policy config.EscrowPolicy, actor domain.Actor, now time.Time, order *domain.PaymentOrder, milestones []domain.PaymentMilestone) *transition {
	return &transition{
		ctx:        ctx,
		tx:         tx,
		guard:      guard,
		policy:     policy,
		actor:      actor,
		now:        now,
		order:      order,
		milestones: milestones,
		metadata:   map[string]any{},
	}
}

func invalidTransition(action domain.ActionName, status domain.OrderStatus) error {
	return fmt.Errorf("%w: %s not allowed in %s", domain.ErrInvalidTransition, action, status)
}

func (t *transition) findMilestone(id snowflake.ID) (*domain.PaymentMilestone, error) {
	for i := range t.milestones {
		if t.milestones[i].ID == id {
			t.milestone = &t.milestones[i]
			t.metadata["milestone_id"] = id.String()
			return t.milestone, nil
		}
	}
	return nil, domain.ErrMilestoneNotFound
}

func (t *transition) moved(a money.Amount) {
	t.amount = &a
	t.metadata["amount"] = a.String()
}

// holdCheck runs the guard. A blocking decision is recorded so the caller
// can commit the DISPUTE_BLOCK row before returning the rejection.
func (t *transition) holdCheck() error {
	decision, err := t.guard.Check(t.ctx, t.tx, t.order)
	if err != nil {
		return err
	}
	if decision.Blocked {
		decision.Block(t.order, t.now)
		t.blocked = &decision
		return decision.Err()
	}
	return nil
}

func (t *transition) MarkPaymentPending(a domain.MarkPaymentPending) error {
	if t.order.Status != domain.OrderStatusUnpaid {
		return invalidTransition(a.Name(), t.order.Status)
	}
	t.order.Status = domain.OrderStatusPendingPayment
	t.note = a.Note
	return nil
}

func (t *transition) MarkPaidHeld(a domain.MarkPaidHeld) error {
	switch t.order.Status {
	case domain.OrderStatusUnpaid, domain.OrderStatusPendingPayment:
	default:
		return invalidTransition(a.Name(), t.order.Status)
	}
	t.order.AmountHeld = t.order.AmountTotal
	t.order.Status = domain.OrderStatusPaidHeld
	t.moved(t.order.AmountTotal)
	t.note = a.Note
	return nil
}

func (t *transition) CancelOrder(a domain.CancelOrder) error {
	switch t.order.Status {
	case domain.OrderStatusUnpaid, domain.OrderStatusPendingPayment:
	default:
		return invalidTransition(a.Name(), t.order.Status)
	}
	t.order.Status = domain.OrderStatusCanceled
	t.note = a.Note
	return nil
}

func (t *transition) ReleaseMilestone(a domain.ReleaseMilestone) error {
	m, err := t.findMilestone(a.MilestoneID)
	if err != nil {
		return err
	}
	if m.Status == domain.MilestoneStatusReleased {
		return domain.ErrMilestoneAlreadyReleased
	}

	switch t.order.Status {
	case domain.OrderStatusPaidHeld, domain.OrderStatusPartiallyReleased:
		if !t.actor.IsAdmin() && t.order.RefundReviewPending() {
			return domain.ErrRefundUnderReview
		}
	case domain.OrderStatusRefundPending:
		if !t.actor.IsAdmin() && (t.order.RefundReviewPending() || t.policy.BlockReleaseWhileRefundPending) {
			return domain.ErrRefundUnderReview
		}
	default:
		return invalidTransition(a.Name(), t.order.Status)
	}

	if !t.actor.IsAdmin() {
		switch m.ReleaseReviewStatus {
		case domain.ReviewStatusPendingReview:
			return domain.ErrReviewPending
		case domain.ReviewStatusRejected:
			return domain.ErrReviewRejected
		}
	}
	if m.Amount > t.order.AmountHeld {
		return fmt.Errorf("%w: milestone %s exceeds held %s", domain.ErrInsufficientHeld, m.Amount, t.order.AmountHeld)
	}
	// An open refund must keep something to refund; the review is closed by
	// refund_reject or refund_complete, never by a release.
	if t.order.Status == domain.OrderStatusRefundPending && m.Amount == t.order.AmountHeld {
		return fmt.Errorf("%w: releasing %s would leave nothing to refund", domain.ErrRefundUnderReview, m.Amount)
	}

	if err := t.holdCheck(); err != nil {
		return err
	}
	if t.order.HoldBlockedByDispute {
		return domain.ErrOrderOnHold
	}

	held, err := t.order.AmountHeld.Sub(m.Amount)
	if err != nil {
		return err
	}
	released, err := t.order.AmountReleased.Add(m.Amount)
	if err != nil {
		return err
	}
	t.order.AmountHeld = held
	t.order.AmountReleased = released

	switch {
	case held.IsZero():
		t.order.Status = domain.OrderStatusReleased
	case t.order.Status != domain.OrderStatusRefundPending:
		t.order.Status = domain.OrderStatusPartiallyReleased
	}

	now := t.now
	m.Status = domain.MilestoneStatusReleased
	m.ReleasedAt = &now
	m.ReleasedBy = t.actor.ID
	m.UpdatedAt = now

	t.moved(m.Amount)
	t.note = a.Note
	return nil
}

func (t *transition) RequestMilestoneRelease(a domain.RequestMilestoneRelease) error {
	if t.order.Status.Terminal() {
		return invalidTransition(a.Name(), t.order.Status)
	}
	m, err := t.findMilestone(a.MilestoneID)
	if err != nil {
		return err
	}
	if m.Status == domain.MilestoneStatusReleased {
		return domain.ErrMilestoneAlreadyReleased
	}

	now := t.now
	t.metadata["previous_review_status"] = string(m.ReleaseReviewStatus)
	m.Status = domain.MilestoneStatusReadyForRelease
	m.ReleaseReviewStatus = domain.ReviewStatusPendingReview
	m.ReleaseRequestedAt = &now
	m.ReleaseRequestedBy = t.actor.ID
	m.ReviewedAt = nil
	m.ReviewedBy = ""
	m.UpdatedAt = now
	t.note = a.Note
	return nil
}

func (t *transition) reviewMilestone(name domain.ActionName, id snowflake.ID, outcome domain.ReviewStatus, note string) error {
	if t.order.Status.Terminal() {
		return invalidTransition(name, t.order.Status)
	}
	m, err := t.findMilestone(id)
	if err != nil {
		return err
	}
	if m.Status == domain.MilestoneStatusReleased {
		return domain.ErrMilestoneAlreadyReleased
	}
	if m.ReleaseReviewStatus != domain.ReviewStatusPendingReview {
		return domain.ErrReviewNotPending
	}

	now := t.now
	m.ReleaseReviewStatus = outcome
	m.ReviewedAt = &now
	m.ReviewedBy = t.actor.ID
	m.UpdatedAt = now
	t.metadata["review_status"] = string(outcome)
	t.note = note
	return nil
}

func (t *transition) ApproveMilestoneRelease(a domain.ApproveMilestoneRelease) error {
	return t.reviewMilestone(a.Name(), a.MilestoneID, domain.ReviewStatusApproved, a.Note)
}

func (t *transition) RejectMilestoneRelease(a domain.RejectMilestoneRelease) error {
	return t.reviewMilestone(a.Name(), a.MilestoneID, domain.ReviewStatusRejected, a.Note)
}

func (t *transition) AdminHold(a domain.AdminHold) error {
	if t.order.Status.Terminal() {
		return invalidTransition(a.Name(), t.order.Status)
	}
	t.metadata["previous_hold_reason_code"] = string(t.order.HoldReasonCode)
	t.metadata["hold_reason_code"] = string(a.ReasonCode)
	t.order.HoldBlockedByDispute = true
	t.order.HoldReasonCode = a.ReasonCode
	t.order.HoldReason = a.Reason
	t.order.HoldDisputeID = ""
	t.note = a.Note
	return nil
}

func (t *transition) AdminReleaseHold(a domain.AdminReleaseHold) error {
	if !t.order.HoldBlockedByDispute {
		return domain.ErrNotOnHold
	}
	if err := t.holdCheck(); err != nil {
		return err
	}
	t.metadata["previous_hold_reason_code"] = string(t.order.HoldReasonCode)
	if t.order.HoldDisputeID != "" {
		t.metadata["previous_dispute_id"] = t.order.HoldDisputeID
	}
	t.order.HoldBlockedByDispute = false
	t.order.HoldReasonCode = domain.HoldReasonNone
	t.order.HoldReason = ""
	t.order.HoldDisputeID = ""
	t.note = a.Note
	return nil
}

func (t *transition) SetHoldReason(a domain.SetHoldReason) error {
	t.metadata["previous_hold_reason_code"] = string(t.order.HoldReasonCode)
	t.metadata["hold_reason_code"] = string(a.ReasonCode)
	t.order.HoldReasonCode = a.ReasonCode
	t.order.HoldReason = a.Reason
	t.note = a.Note
	return nil
}

func (t *transition) SetReconciliationStatus(a domain.SetReconciliationStatus) error {
	now := t.now
	t.metadata["previous_reconciliation_status"] = string(t.order.ReconciliationStatus)
	t.metadata["reconciliation_status"] = string(a.Status)
	t.order.ReconciliationStatus = a.Status
	t.order.ReconciliationNote = a.Note
	t.order.ReconciledBy = t.actor.ID
	t.order.ReconciledAt = &now
	t.note = a.Note
	return nil
}

func (t *transition) RefundRequest(a domain.RefundRequest) error {
	switch t.order.Status {
	case domain.OrderStatusPaidHeld, domain.OrderStatusPartiallyReleased:
	case domain.OrderStatusRefundPending:
		return domain.ErrRefundUnderReview
	default:
		return invalidTransition(a.Name(), t.order.Status)
	}

	now := t.now
	t.order.Status = domain.OrderStatusRefundPending
	t.order.RefundReviewStatus = domain.ReviewStatusPendingReview
	t.order.RefundReason = a.Reason
	t.order.RefundDescription = a.Description
	t.order.RefundRequestedAt = &now
	t.order.RefundReviewedAt = nil
	t.order.RefundReviewedBy = ""
	t.metadata["refund_reason"] = string(a.Reason)
	t.note = a.Note
	return nil
}

func (t *transition) pendingRefundReview() error {
	if t.order.Status != domain.OrderStatusRefundPending {
		return domain.ErrRefundNotPending
	}
	if t.order.RefundReviewStatus != domain.ReviewStatusPendingReview {
		return domain.ErrReviewNotPending
	}
	return nil
}

func (t *transition) RefundApprove(a domain.RefundApprove) error {
	if err := t.pendingRefundReview(); err != nil {
		return err
	}
	now := t.now
	t.order.RefundReviewStatus = domain.ReviewStatusApproved
	t.order.RefundReviewedAt = &now
	t.order.RefundReviewedBy = t.actor.ID
	t.metadata["refund_review_status"] = string(domain.ReviewStatusApproved)
	t.note = a.Note
	return nil
}

func (t *transition) RefundReject(a domain.RefundReject) error {
	if err := t.pendingRefundReview(); err != nil {
		return err
	}
	now := t.now
	t.order.RefundReviewStatus = domain.ReviewStatusRejected
	t.order.RefundReviewedAt = &now
	t.order.RefundReviewedBy = t.actor.ID
	if t.order.AmountReleased.IsPositive() {
		t.order.Status = domain.OrderStatusPartiallyReleased
	} else {
		t.order.Status = domain.OrderStatusPaidHeld
	}
	t.metadata["refund_review_status"] = string(domain.ReviewStatusRejected)
	t.note = a.Note
	return nil
}

// RefundComplete moves the remaining held amount to refunded. Funds already
// released stay released, so after completion
// refunded = total - released. refunded == total holds only when no
// milestone was released before the refund.
func (t *transition) RefundComplete(a domain.RefundComplete) error {
	if t.order.Status != domain.OrderStatusRefundPending {
		return domain.ErrRefundNotPending
	}
	switch t.order.RefundReviewStatus {
	case domain.ReviewStatusPendingReview:
		return domain.ErrRefundUnderReview
	case domain.ReviewStatusRejected:
		return invalidTransition(a.Name(), t.order.Status)
	}

	refund := t.order.AmountHeld
	refunded, err := t.order.AmountRefunded.Add(refund)
	if err != nil {
		return err
	}
	t.order.AmountRefunded = refunded
	t.order.AmountHeld = money.Zero()
	t.order.Status = domain.OrderStatusRefunded
	t.moved(refund)
	t.note = a.Note
	return nil
}
