package domain

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/escrow/internal/money"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrOrderNotFound     = errors.New("order_not_found")
	ErrMilestoneNotFound = errors.New("milestone_not_found")
)

// State conflicts. These map to 409.
var (
	ErrInvalidTransition        = errors.New("invalid_transition")
	ErrMilestoneAlreadyReleased = errors.New("milestone_already_released")
	ErrMilestoneRequired        = errors.New("milestone_required")
	ErrReviewNotPending         = errors.New("review_not_pending")
	ErrReviewPending            = errors.New("release_review_pending")
	ErrReviewRejected           = errors.New("release_review_rejected")
	ErrRefundNotPending         = errors.New("refund_not_pending")
	ErrRefundUnderReview        = errors.New("refund_under_review")
	ErrInsufficientHeld         = errors.New("insufficient_held")
	ErrOrderOnHold              = errors.New("order_on_hold")
	ErrNotOnHold                = errors.New("order_not_on_hold")
	ErrConcurrentModification   = errors.New("concurrent_modification")
)

// Validation failures. These map to 400.
var (
	ErrInvalidAction               = errors.New("invalid_action")
	ErrInvalidActor                = errors.New("invalid_actor")
	ErrInvalidReasonCode           = errors.New("invalid_hold_reason_code")
	ErrInvalidReconciliationStatus = errors.New("invalid_reconciliation_status")
	ErrInvalidRefundReason         = errors.New("invalid_refund_reason")
	ErrInvalidAmount               = errors.New("invalid_amount")
	ErrInvalidOrder                = errors.New("invalid_order")
)

// ErrDisputeCheckUnavailable is returned when the dispute collaborator cannot
// answer. Releases fail closed.
var ErrDisputeCheckUnavailable = errors.New("dispute_check_unavailable")

// DisputeBlockedError rejects an action because an active dispute exists.
// The DISPUTE_BLOCK event has already been committed when it is returned.
type DisputeBlockedError struct {
	DisputeID string
	Status    string
}

func (e *DisputeBlockedError) Error() string {
	if e.DisputeID == "" {
		return "dispute_blocked"
	}
	return fmt.Sprintf("dispute_blocked: dispute %s is %s", e.DisputeID, e.Status)
}

func IsDisputeBlocked(err error) (*DisputeBlockedError, bool) {
	var blocked *DisputeBlockedError
	if errors.As(err, &blocked) {
		return blocked, true
	}
	return nil, false
}

func IsStateConflict(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrMilestoneAlreadyReleased),
		errors.Is(err, ErrMilestoneRequired),
		errors.Is(err, ErrReviewNotPending),
		errors.Is(err, ErrReviewPending),
		errors.Is(err, ErrReviewRejected),
		errors.Is(err, ErrRefundNotPending),
		errors.Is(err, ErrRefundUnderReview),
		errors.Is(err, ErrInsufficientHeld),
		errors.Is(err, ErrOrderOnHold),
		errors.Is(err, ErrNotOnHold),
		errors.Is(err, ErrConcurrentModification):
		return true
	}
	_, blocked := IsDisputeBlocked(err)
	return blocked
}

func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidAction),
		errors.Is(err, ErrInvalidActor),
		errors.Is(err, ErrInvalidReasonCode),
		errors.Is(err, ErrInvalidReconciliationStatus),
		errors.Is(err, ErrInvalidRefundReason),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidOrder),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrNegativeAmount):
		return true
	}
	return false
}
