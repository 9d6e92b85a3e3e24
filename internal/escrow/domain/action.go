package domain

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Role string

const (
	RoleClient   Role = "client"
	RoleAttorney Role = "attorney"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleAttorney, RoleAdmin:
		return true
	default:
		return false
	}
}

// Actor is the authenticated caller of an action.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" || !a.Role.Valid() {
		return ErrInvalidActor
	}
	return nil
}

type ActionName string

const (
	ActionMarkPaymentPending      ActionName = "mark_payment_pending"
	ActionMarkPaidHeld            ActionName = "mark_paid_held"
	ActionCancelOrder             ActionName = "cancel_order"
	ActionReleaseMilestone        ActionName = "release_milestone"
	ActionRequestMilestoneRelease ActionName = "request_milestone_release"
	ActionApproveMilestoneRelease ActionName = "approve_milestone_release"
	ActionRejectMilestoneRelease  ActionName = "reject_milestone_release"
	ActionAdminHold               ActionName = "admin_hold"
	ActionAdminReleaseHold        ActionName = "admin_release_hold"
	ActionSetHoldReason           ActionName = "set_hold_reason"
	ActionSetReconciliationStatus ActionName = "set_reconciliation_status"
	ActionRefundRequest           ActionName = "refund_request"
	ActionRefundApprove           ActionName = "refund_approve"
	ActionRefundReject            ActionName = "refund_reject"
	ActionRefundComplete          ActionName = "refund_complete"
)

// ActionCreateOrder authorizes order creation. It is not an order action.
const ActionCreateOrder ActionName = "create_order"

// AllActions lists every action the engine accepts.
var AllActions = []ActionName{
	ActionMarkPaymentPending,
	ActionMarkPaidHeld,
	ActionCancelOrder,
	ActionReleaseMilestone,
	ActionRequestMilestoneRelease,
	ActionApproveMilestoneRelease,
	ActionRejectMilestoneRelease,
	ActionAdminHold,
	ActionAdminReleaseHold,
	ActionSetHoldReason,
	ActionSetReconciliationStatus,
	ActionRefundRequest,
	ActionRefundApprove,
	ActionRefundReject,
	ActionRefundComplete,
}

// Action is a closed set of order transitions. Dispatch goes through
// ActionHandler so that adding an action without handling it fails to
// compile.
type Action interface {
	Name() ActionName
	EventType() EventType
	Accept(h ActionHandler) error
}

type ActionHandler interface {
	MarkPaymentPending(MarkPaymentPending) error
	MarkPaidHeld(MarkPaidHeld) error
	CancelOrder(CancelOrder) error
	ReleaseMilestone(ReleaseMilestone) error
	RequestMilestoneRelease(RequestMilestoneRelease) error
	ApproveMilestoneRelease(ApproveMilestoneRelease) error
	RejectMilestoneRelease(RejectMilestoneRelease) error
	AdminHold(AdminHold) error
	AdminReleaseHold(AdminReleaseHold) error
	SetHoldReason(SetHoldReason) error
	SetReconciliationStatus(SetReconciliationStatus) error
	RefundRequest(RefundRequest) error
	RefundApprove(RefundApprove) error
	RefundReject(RefundReject) error
	RefundComplete(RefundComplete) error
}

type MarkPaymentPending struct{ Note string }

func (MarkPaymentPending) Name() ActionName               { return ActionMarkPaymentPending }
func (MarkPaymentPending) EventType() EventType           { return EventTypePaymentPending }
func (a MarkPaymentPending) Accept(h ActionHandler) error { return h.MarkPaymentPending(a) }

type MarkPaidHeld struct{ Note string }

func (MarkPaidHeld) Name() ActionName               { return ActionMarkPaidHeld }
func (MarkPaidHeld) EventType() EventType           { return EventTypeMarkPaidHeld }
func (a MarkPaidHeld) Accept(h ActionHandler) error { return h.MarkPaidHeld(a) }

type CancelOrder struct{ Note string }

func (CancelOrder) Name() ActionName               { return ActionCancelOrder }
func (CancelOrder) EventType() EventType           { return EventTypeOrderCanceled }
func (a CancelOrder) Accept(h ActionHandler) error { return h.CancelOrder(a) }

type ReleaseMilestone struct {
	MilestoneID snowflake.ID
	Note        string
}

func (ReleaseMilestone) Name() ActionName               { return ActionReleaseMilestone }
func (ReleaseMilestone) EventType() EventType           { return EventTypeMilestoneReleased }
func (a ReleaseMilestone) Accept(h ActionHandler) error { return h.ReleaseMilestone(a) }

type RequestMilestoneRelease struct {
	MilestoneID snowflake.ID
	Note        string
}

func (RequestMilestoneRelease) Name() ActionName { return ActionRequestMilestoneRelease }
func (RequestMilestoneRelease) EventType() EventType {
	return EventTypeMilestoneReleaseRequested
}
func (a RequestMilestoneRelease) Accept(h ActionHandler) error {
	return h.RequestMilestoneRelease(a)
}

type ApproveMilestoneRelease struct {
	MilestoneID snowflake.ID
	Note        string
}

func (ApproveMilestoneRelease) Name() ActionName { return ActionApproveMilestoneRelease }
func (ApproveMilestoneRelease) EventType() EventType {
	return EventTypeMilestoneReleaseApproved
}
func (a ApproveMilestoneRelease) Accept(h ActionHandler) error {
	return h.ApproveMilestoneRelease(a)
}

type RejectMilestoneRelease struct {
	MilestoneID snowflake.ID
	Note        string
}

func (RejectMilestoneRelease) Name() ActionName { return ActionRejectMilestoneRelease }
func (RejectMilestoneRelease) EventType() EventType {
	return EventTypeMilestoneReleaseRejected
}
func (a RejectMilestoneRelease) Accept(h ActionHandler) error {
	return h.RejectMilestoneRelease(a)
}

type AdminHold struct {
	ReasonCode HoldReasonCode
	Reason     string
	Note       string
}

func (AdminHold) Name() ActionName               { return ActionAdminHold }
func (AdminHold) EventType() EventType           { return EventTypeAdminHold }
func (a AdminHold) Accept(h ActionHandler) error { return h.AdminHold(a) }

type AdminReleaseHold struct{ Note string }

func (AdminReleaseHold) Name() ActionName               { return ActionAdminReleaseHold }
func (AdminReleaseHold) EventType() EventType           { return EventTypeAdminHoldReleased }
func (a AdminReleaseHold) Accept(h ActionHandler) error { return h.AdminReleaseHold(a) }

type SetHoldReason struct {
	ReasonCode HoldReasonCode
	Reason     string
	Note       string
}

func (SetHoldReason) Name() ActionName               { return ActionSetHoldReason }
func (SetHoldReason) EventType() EventType           { return EventTypeHoldReasonUpdated }
func (a SetHoldReason) Accept(h ActionHandler) error { return h.SetHoldReason(a) }

type SetReconciliationStatus struct {
	Status ReconciliationStatus
	Note   string
}

func (SetReconciliationStatus) Name() ActionName { return ActionSetReconciliationStatus }
func (SetReconciliationStatus) EventType() EventType {
	return EventTypeReconciliationUpdated
}
func (a SetReconciliationStatus) Accept(h ActionHandler) error {
	return h.SetReconciliationStatus(a)
}

type RefundRequest struct {
	Reason      RefundReason
	Description string
	Note        string
}

func (RefundRequest) Name() ActionName               { return ActionRefundRequest }
func (RefundRequest) EventType() EventType           { return EventTypeRefundRequested }
func (a RefundRequest) Accept(h ActionHandler) error { return h.RefundRequest(a) }

type RefundApprove struct{ Note string }

func (RefundApprove) Name() ActionName               { return ActionRefundApprove }
func (RefundApprove) EventType() EventType           { return EventTypeRefundApproved }
func (a RefundApprove) Accept(h ActionHandler) error { return h.RefundApprove(a) }

type RefundReject struct{ Note string }

func (RefundReject) Name() ActionName               { return ActionRefundReject }
func (RefundReject) EventType() EventType           { return EventTypeRefundRejected }
func (a RefundReject) Accept(h ActionHandler) error { return h.RefundReject(a) }

type RefundComplete struct{ Note string }

func (RefundComplete) Name() ActionName               { return ActionRefundComplete }
func (RefundComplete) EventType() EventType           { return EventTypeRefundCompleted }
func (a RefundComplete) Accept(h ActionHandler) error { return h.RefundComplete(a) }

// ActionRequest is the wire shape of POST /orders/:id/actions.
type ActionRequest struct {
	Action               string `json:"action"`
	MilestoneID          string `json:"milestone_id,omitempty"`
	Note                 string `json:"note,omitempty"`
	HoldReasonCode       string `json:"hold_reason_code,omitempty"`
	HoldReason           string `json:"hold_reason,omitempty"`
	ReconciliationStatus string `json:"reconciliation_status,omitempty"`
	RefundReason         string `json:"refund_reason,omitempty"`
	RefundDescription    string `json:"refund_description,omitempty"`
}

// ParseAction validates a request and builds the typed action.
func ParseAction(req ActionRequest) (Action, error) {
	note := strings.TrimSpace(req.Note)
	name := ActionName(strings.ToLower(strings.TrimSpace(req.Action)))

	switch name {
	case ActionMarkPaymentPending:
		return MarkPaymentPending{Note: note}, nil
	case ActionMarkPaidHeld:
		return MarkPaidHeld{Note: note}, nil
	case ActionCancelOrder:
		return CancelOrder{Note: note}, nil
	case ActionReleaseMilestone, ActionRequestMilestoneRelease,
		ActionApproveMilestoneRelease, ActionRejectMilestoneRelease:
		id, err := parseMilestoneID(req.MilestoneID)
		if err != nil {
			return nil, err
		}
		switch name {
		case ActionReleaseMilestone:
			return ReleaseMilestone{MilestoneID: id, Note: note}, nil
		case ActionRequestMilestoneRelease:
			return RequestMilestoneRelease{MilestoneID: id, Note: note}, nil
		case ActionApproveMilestoneRelease:
			return ApproveMilestoneRelease{MilestoneID: id, Note: note}, nil
		default:
			return RejectMilestoneRelease{MilestoneID: id, Note: note}, nil
		}
	case ActionAdminHold:
		code := HoldReasonOther
		if raw := strings.TrimSpace(req.HoldReasonCode); raw != "" {
			code = HoldReasonCode(strings.ToUpper(raw))
		}
		if !code.Valid() || code == HoldReasonNone {
			return nil, ErrInvalidReasonCode
		}
		return AdminHold{ReasonCode: code, Reason: strings.TrimSpace(req.HoldReason), Note: note}, nil
	case ActionAdminReleaseHold:
		return AdminReleaseHold{Note: note}, nil
	case ActionSetHoldReason:
		code := HoldReasonCode(strings.ToUpper(strings.TrimSpace(req.HoldReasonCode)))
		if !code.Valid() {
			return nil, ErrInvalidReasonCode
		}
		return SetHoldReason{ReasonCode: code, Reason: strings.TrimSpace(req.HoldReason), Note: note}, nil
	case ActionSetReconciliationStatus:
		status := ReconciliationStatus(strings.ToUpper(strings.TrimSpace(req.ReconciliationStatus)))
		if !status.Valid() {
			return nil, ErrInvalidReconciliationStatus
		}
		return SetReconciliationStatus{Status: status, Note: note}, nil
	case ActionRefundRequest:
		reason := RefundReason(strings.ToUpper(strings.TrimSpace(req.RefundReason)))
		if !reason.Valid() {
			return nil, ErrInvalidRefundReason
		}
		return RefundRequest{
			Reason:      reason,
			Description: strings.TrimSpace(req.RefundDescription),
			Note:        note,
		}, nil
	case ActionRefundApprove:
		return RefundApprove{Note: note}, nil
	case ActionRefundReject:
		return RefundReject{Note: note}, nil
	case ActionRefundComplete:
		return RefundComplete{Note: note}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
}

func parseMilestoneID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrMilestoneRequired
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, ErrMilestoneNotFound
	}
	return id, nil
}
