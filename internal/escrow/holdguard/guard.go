// Package holdguard decides whether an order may release funds right now.
//
// The guard is consulted inside the same transaction that performs a
// release, after the order row has been locked, so a dispute opened between
// the check and the commit cannot slip through.
package holdguard

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Decision struct {
	Blocked bool
	Dispute *domain.ActiveDispute
}

type Guard struct {
	checker domain.DisputeChecker
	policy  config.PolicySource
	log     *zap.Logger
}

func New(checker domain.DisputeChecker, policy config.PolicySource, log *zap.Logger) *Guard {
	return &Guard{
		checker: checker,
		policy:  policy,
		log:     log.Named("holdguard"),
	}
}

// Check asks the dispute collaborator about the order on tx, the transaction
// holding the order lock. Any checker failure is returned as
// ErrDisputeCheckUnavailable and must deny the release.
func (g *Guard) Check(ctx context.Context, tx *gorm.DB, order *domain.PaymentOrder) (Decision, error) {
	if order == nil {
		return Decision{}, domain.ErrOrderNotFound
	}

	query := domain.DisputeQuery{
		OrderID:        order.ID,
		ConversationID: order.ConversationID,
		CaseID:         order.CaseID,
		BidID:          order.BidID,
		Statuses:       g.policy.Get().BlockingDisputeStatuses,
	}

	dispute, err := g.checker.ActiveDispute(ctx, tx, query)
	if err != nil {
		g.log.Warn("dispute check failed, denying release",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		return Decision{}, fmt.Errorf("%w: %v", domain.ErrDisputeCheckUnavailable, err)
	}
	if dispute == nil {
		return Decision{}, nil
	}

	g.log.Info("release blocked by dispute",
		zap.String("order_id", order.ID.String()),
		zap.String("dispute_id", dispute.ID),
		zap.String("dispute_status", dispute.Status),
	)
	return Decision{Blocked: true, Dispute: dispute}, nil
}

// Block records a blocking decision on the order. The caller persists the
// order and a DISPUTE_BLOCK event, commits, and then returns Err().
func (d Decision) Block(order *domain.PaymentOrder, now time.Time) {
	if !d.Blocked || d.Dispute == nil {
		return
	}
	order.HoldBlockedByDispute = true
	order.HoldReasonCode = domain.HoldReasonDispute
	order.HoldReason = d.reason()
	order.HoldDisputeID = d.Dispute.ID
	order.UpdatedAt = now
}

func (d Decision) Err() error {
	if !d.Blocked || d.Dispute == nil {
		return nil
	}
	return &domain.DisputeBlockedError{DisputeID: d.Dispute.ID, Status: d.Dispute.Status}
}

func (d Decision) Metadata() map[string]any {
	if d.Dispute == nil {
		return map[string]any{}
	}
	return map[string]any{
		"dispute_id":     d.Dispute.ID,
		"dispute_status": d.Dispute.Status,
		"hold_reason":    d.reason(),
	}
}

func (d Decision) reason() string {
	if d.Dispute.Reason != "" {
		return d.Dispute.Reason
	}
	return fmt.Sprintf("dispute %s is %s", d.Dispute.ID, d.Dispute.Status)
}
