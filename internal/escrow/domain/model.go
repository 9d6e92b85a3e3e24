package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrow/internal/money"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusUnpaid            OrderStatus = "UNPAID"
	OrderStatusPendingPayment    OrderStatus = "PENDING_PAYMENT"
	OrderStatusPaidHeld          OrderStatus = "PAID_HELD"
	OrderStatusPartiallyReleased OrderStatus = "PARTIALLY_RELEASED"
	OrderStatusReleased          OrderStatus = "RELEASED"
	OrderStatusRefundPending     OrderStatus = "REFUND_PENDING"
	OrderStatusRefunded          OrderStatus = "REFUNDED"
	OrderStatusCanceled          OrderStatus = "CANCELED"
)

// Funded reports whether the order has left the pre-capture states, after
// which held + released + refunded must equal the total.
func (s OrderStatus) Funded() bool {
	switch s {
	case OrderStatusUnpaid, OrderStatusPendingPayment, OrderStatusCanceled:
		return false
	default:
		return true
	}
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusReleased, OrderStatusRefunded, OrderStatusCanceled:
		return true
	default:
		return false
	}
}

type MilestoneStatus string

const (
	MilestoneStatusPending         MilestoneStatus = "PENDING"
	MilestoneStatusReadyForRelease MilestoneStatus = "READY_FOR_RELEASE"
	MilestoneStatusReleased        MilestoneStatus = "RELEASED"
)

// ReviewStatus is shared by milestone release reviews and refund reviews.
type ReviewStatus string

const (
	ReviewStatusNone          ReviewStatus = "NONE"
	ReviewStatusPendingReview ReviewStatus = "PENDING_REVIEW"
	ReviewStatusApproved      ReviewStatus = "APPROVED"
	ReviewStatusRejected      ReviewStatus = "REJECTED"
)

type HoldReasonCode string

const (
	HoldReasonNone             HoldReasonCode = "NONE"
	HoldReasonDispute          HoldReasonCode = "DISPUTE"
	HoldReasonFraudReview      HoldReasonCode = "FRAUD_REVIEW"
	HoldReasonComplianceReview HoldReasonCode = "COMPLIANCE_REVIEW"
	HoldReasonChargebackRisk   HoldReasonCode = "CHARGEBACK_RISK"
	HoldReasonOther            HoldReasonCode = "OTHER"
)

func (c HoldReasonCode) Valid() bool {
	switch c {
	case HoldReasonNone, HoldReasonDispute, HoldReasonFraudReview,
		HoldReasonComplianceReview, HoldReasonChargebackRisk, HoldReasonOther:
		return true
	default:
		return false
	}
}

type ReconciliationStatus string

const (
	ReconciliationUnreconciled ReconciliationStatus = "UNRECONCILED"
	ReconciliationMatched      ReconciliationStatus = "MATCHED"
	ReconciliationMismatched   ReconciliationStatus = "MISMATCHED"
	ReconciliationException    ReconciliationStatus = "EXCEPTION"
	ReconciliationResolved     ReconciliationStatus = "RESOLVED"
)

func (s ReconciliationStatus) Valid() bool {
	switch s {
	case ReconciliationUnreconciled, ReconciliationMatched, ReconciliationMismatched,
		ReconciliationException, ReconciliationResolved:
		return true
	default:
		return false
	}
}

type RefundReason string

const (
	RefundReasonServiceNotRendered    RefundReason = "SERVICE_NOT_RENDERED"
	RefundReasonUnsatisfactoryService RefundReason = "UNSATISFACTORY_SERVICE"
	RefundReasonDuplicatePayment      RefundReason = "DUPLICATE_PAYMENT"
	RefundReasonEngagementCanceled    RefundReason = "ENGAGEMENT_CANCELED"
	RefundReasonOther                 RefundReason = "OTHER"
)

func (r RefundReason) Valid() bool {
	switch r {
	case RefundReasonServiceNotRendered, RefundReasonUnsatisfactoryService,
		RefundReasonDuplicatePayment, RefundReasonEngagementCanceled, RefundReasonOther:
		return true
	default:
		return false
	}
}

// PaymentOrder is the aggregate root. It is never hard-deleted.
type PaymentOrder struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	PayerID        string       `json:"payer_id" gorm:"type:text;not null;index"`
	PayeeID        string       `json:"payee_id" gorm:"type:text;not null;index"`
	CaseID         string       `json:"case_id,omitempty" gorm:"type:text"`
	ConversationID string       `json:"conversation_id,omitempty" gorm:"type:text"`
	BidID          string       `json:"bid_id,omitempty" gorm:"type:text"`
	Currency       string       `json:"currency" gorm:"type:text;not null"`
	Status         OrderStatus  `json:"status" gorm:"type:text;not null"`

	AmountTotal    money.Amount `json:"amount_total" gorm:"not null"`
	AmountHeld     money.Amount `json:"amount_held" gorm:"not null"`
	AmountReleased money.Amount `json:"amount_released" gorm:"not null"`
	AmountRefunded money.Amount `json:"amount_refunded" gorm:"not null"`

	HoldBlockedByDispute bool           `json:"hold_blocked_by_dispute" gorm:"not null"`
	HoldReasonCode       HoldReasonCode `json:"hold_reason_code" gorm:"type:text;not null"`
	HoldReason           string         `json:"hold_reason,omitempty" gorm:"type:text"`
	HoldDisputeID        string         `json:"hold_dispute_id,omitempty" gorm:"type:text"`

	RefundReviewStatus ReviewStatus `json:"refund_review_status,omitempty" gorm:"type:text"`
	RefundReason       RefundReason `json:"refund_reason,omitempty" gorm:"type:text"`
	RefundDescription  string       `json:"refund_description,omitempty" gorm:"type:text"`
	RefundRequestedAt  *time.Time   `json:"refund_requested_at,omitempty"`
	RefundReviewedAt   *time.Time   `json:"refund_reviewed_at,omitempty"`
	RefundReviewedBy   string       `json:"refund_reviewed_by,omitempty" gorm:"type:text"`

	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status" gorm:"type:text;not null"`
	ReconciliationNote   string               `json:"reconciliation_note,omitempty" gorm:"type:text"`
	ReconciledBy         string               `json:"reconciled_by,omitempty" gorm:"type:text"`
	ReconciledAt         *time.Time           `json:"reconciled_at,omitempty"`

	Version   int64     `json:"version" gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (PaymentOrder) TableName() string { return "payment_orders" }

// RefundReviewPending is true while an administrator has not yet resolved a
// refund request.
func (o *PaymentOrder) RefundReviewPending() bool {
	return o.RefundReviewStatus == ReviewStatusPendingReview
}

// CheckBalances validates the money invariant for the order's current status.
func (o *PaymentOrder) CheckBalances() error {
	if o.Status.Funded() {
		return money.CheckSettled(o.AmountTotal, o.AmountHeld, o.AmountReleased, o.AmountRefunded)
	}
	return money.CheckTotals(o.AmountTotal, o.AmountHeld, o.AmountReleased, o.AmountRefunded)
}

type PaymentMilestone struct {
	ID                  snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrderID             snowflake.ID    `json:"order_id" gorm:"not null;index"`
	Title               string          `json:"title" gorm:"type:text;not null"`
	Description         string          `json:"description,omitempty" gorm:"type:text"`
	Amount              money.Amount    `json:"amount" gorm:"not null"`
	Status              MilestoneStatus `json:"status" gorm:"type:text;not null"`
	ReleaseReviewStatus ReviewStatus    `json:"release_review_status" gorm:"type:text;not null"`
	SortOrder           int             `json:"sort_order" gorm:"not null"`
	TargetDate          *time.Time      `json:"target_date,omitempty"`
	ReleaseRequestedAt  *time.Time      `json:"release_requested_at,omitempty"`
	ReleaseRequestedBy  string          `json:"release_requested_by,omitempty" gorm:"type:text"`
	ReviewedAt          *time.Time      `json:"reviewed_at,omitempty"`
	ReviewedBy          string          `json:"reviewed_by,omitempty" gorm:"type:text"`
	ReleasedAt          *time.Time      `json:"released_at,omitempty"`
	ReleasedBy          string          `json:"released_by,omitempty" gorm:"type:text"`
	CreatedAt           time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time       `json:"updated_at" gorm:"not null"`
}

func (PaymentMilestone) TableName() string { return "payment_milestones" }

type EventType string

const (
	EventTypeOrderCreated              EventType = "ORDER_CREATED"
	EventTypePaymentPending            EventType = "PAYMENT_PENDING"
	EventTypeMarkPaidHeld              EventType = "MARK_PAID_HELD"
	EventTypeOrderCanceled             EventType = "ORDER_CANCELED"
	EventTypeMilestoneReleased         EventType = "MILESTONE_RELEASED"
	EventTypeMilestoneReleaseRequested EventType = "MILESTONE_RELEASE_REQUESTED"
	EventTypeMilestoneReleaseApproved  EventType = "MILESTONE_RELEASE_APPROVED"
	EventTypeMilestoneReleaseRejected  EventType = "MILESTONE_RELEASE_REJECTED"
	EventTypeAdminHold                 EventType = "ADMIN_HOLD"
	EventTypeAdminHoldReleased         EventType = "ADMIN_HOLD_RELEASED"
	EventTypeHoldReasonUpdated         EventType = "HOLD_REASON_UPDATED"
	EventTypeReconciliationUpdated     EventType = "RECONCILIATION_UPDATED"
	EventTypeRefundRequested           EventType = "REFUND_REQUESTED"
	EventTypeRefundApproved            EventType = "REFUND_APPROVED"
	EventTypeRefundRejected            EventType = "REFUND_REJECTED"
	EventTypeRefundCompleted           EventType = "REFUND_COMPLETED"
	EventTypeDisputeBlock              EventType = "DISPUTE_BLOCK"
)

// PaymentEvent is an append-only audit row. Rows are never updated or deleted.
type PaymentEvent struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrderID     snowflake.ID      `json:"order_id" gorm:"not null;index"`
	MilestoneID *snowflake.ID     `json:"milestone_id,omitempty"`
	Type        EventType         `json:"type" gorm:"type:text;not null"`
	ActorType   string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID     string            `json:"actor_id" gorm:"type:text;not null"`
	Amount      *money.Amount     `json:"amount,omitempty"`
	Note        string            `json:"note,omitempty" gorm:"type:text"`
	Metadata    datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null"`
}

func (PaymentEvent) TableName() string { return "payment_order_events" }

// OrderSnapshot is the read model returned by every action and by reads.
type OrderSnapshot struct {
	Order      PaymentOrder       `json:"order"`
	Milestones []PaymentMilestone `json:"milestones"`
	Events     []PaymentEvent     `json:"events,omitempty"`
}

// ReleasedMilestoneTotal sums RELEASED milestone amounts.
func (s *OrderSnapshot) ReleasedMilestoneTotal() (money.Amount, error) {
	var total money.Amount
	for _, m := range s.Milestones {
		if m.Status != MilestoneStatusReleased {
			continue
		}
		next, err := total.Add(m.Amount)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}
