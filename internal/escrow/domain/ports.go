package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrow/internal/money"
	"github.com/smallbiznis/escrow/pkg/db/pagination"
	"gorm.io/gorm"
)

// Repository persists orders, milestones and the event log. Every method
// takes the handle to run on so that callers control the transaction.
type Repository interface {
	InsertOrder(ctx context.Context, db *gorm.DB, order *PaymentOrder) error
	InsertMilestone(ctx context.Context, db *gorm.DB, milestone *PaymentMilestone) error
	FindOrder(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentOrder, error)
	FindOrderForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentOrder, error)
	// UpdateOrder writes the order if its stored version still equals
	// expectedVersion. It reports false when another writer got there first.
	UpdateOrder(ctx context.Context, db *gorm.DB, order *PaymentOrder, expectedVersion int64) (bool, error)
	ListMilestones(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]PaymentMilestone, error)
	UpdateMilestone(ctx context.Context, db *gorm.DB, milestone *PaymentMilestone) error
	InsertEvent(ctx context.Context, db *gorm.DB, event *PaymentEvent) error
	ListEvents(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]PaymentEvent, error)
	ListEventsPage(ctx context.Context, db *gorm.DB, orderID snowflake.ID, after *EventCursor, limit int) ([]PaymentEvent, error)
}

// EventCursor positions a page in the (created_at, id) ordering.
type EventCursor struct {
	CreatedAt time.Time
	ID        snowflake.ID
}

// DisputeQuery carries the opaque references a dispute may be filed against.
type DisputeQuery struct {
	OrderID        snowflake.ID
	ConversationID string
	CaseID         string
	BidID          string
	Statuses       []string
}

type ActiveDispute struct {
	ID     string
	Status string
	Reason string
}

//go:generate mockgen -destination=mock/dispute_checker.go -package=mock github.com/smallbiznis/escrow/internal/escrow/domain DisputeChecker

// DisputeChecker answers whether a blocking dispute exists. A nil dispute
// with a nil error means none is active. db is the caller's transaction;
// adapters backed by the same database must query through it.
type DisputeChecker interface {
	ActiveDispute(ctx context.Context, db *gorm.DB, q DisputeQuery) (*ActiveDispute, error)
}

type Notification struct {
	OrderID     snowflake.ID      `json:"order_id"`
	MilestoneID *snowflake.ID     `json:"milestone_id,omitempty"`
	EventType   EventType         `json:"event_type"`
	Status      OrderStatus       `json:"status"`
	Recipients  []string          `json:"recipients"`
	ActorID     string            `json:"actor_id"`
	Amount      *money.Amount     `json:"amount,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Notifier is fire-and-forget. Errors are logged by the caller and never
// undo a committed transition.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Auditor mirrors committed order events into the shared audit trail.
type Auditor interface {
	AuditLog(ctx context.Context, actorType string, actorID string, action string, targetType string, targetID string, metadata map[string]any) error
}

// Authorizer decides whether an actor may run an action on an order.
type Authorizer interface {
	Authorize(ctx context.Context, actor Actor, action ActionName, order *PaymentOrder) error
	CanView(ctx context.Context, actor Actor, order *PaymentOrder) error
}

type MilestoneInput struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Amount      money.Amount `json:"amount"`
	SortOrder   *int         `json:"sort_order,omitempty"`
	TargetDate  *time.Time   `json:"target_date,omitempty"`
}

type CreateOrderRequest struct {
	PayerID        string           `json:"payer_id"`
	PayeeID        string           `json:"payee_id"`
	CaseID         string           `json:"case_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	BidID          string           `json:"bid_id,omitempty"`
	Currency       string           `json:"currency"`
	AmountTotal    money.Amount     `json:"amount_total"`
	Milestones     []MilestoneInput `json:"milestones"`
}

type ListEventsRequest struct {
	pagination.Pagination
	OrderID snowflake.ID
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []PaymentEvent `json:"events"`
}

type Service interface {
	CreateOrder(ctx context.Context, actor Actor, req CreateOrderRequest) (*OrderSnapshot, error)
	Apply(ctx context.Context, orderID snowflake.ID, actor Actor, action Action) (*OrderSnapshot, error)
	GetOrder(ctx context.Context, orderID snowflake.ID, viewer Actor) (*OrderSnapshot, error)
	ListEvents(ctx context.Context, viewer Actor, req ListEventsRequest) (ListEventsResponse, error)
}
