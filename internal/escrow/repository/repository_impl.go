package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"gorm.io/gorm"
)

const orderColumns = `id, payer_id, payee_id, case_id, conversation_id, bid_id, currency, status,
	amount_total, amount_held, amount_released, amount_refunded,
	hold_blocked_by_dispute, hold_reason_code, hold_reason, hold_dispute_id,
	refund_review_status, refund_reason, refund_description,
	refund_requested_at, refund_reviewed_at, refund_reviewed_by,
	reconciliation_status, reconciliation_note, reconciled_by, reconciled_at,
	version, created_at, updated_at`

const milestoneColumns = `id, order_id, title, description, amount, status, release_review_status,
	sort_order, target_date, release_requested_at, release_requested_by,
	reviewed_at, reviewed_by, released_at, released_by, created_at, updated_at`

const eventColumns = `id, order_id, milestone_id, type, actor_type, actor_id, amount, note, metadata, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order *domain.PaymentOrder) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.PayerID,
		order.PayeeID,
		order.CaseID,
		order.ConversationID,
		order.BidID,
		order.Currency,
		order.Status,
		order.AmountTotal,
		order.AmountHeld,
		order.AmountReleased,
		order.AmountRefunded,
		order.HoldBlockedByDispute,
		order.HoldReasonCode,
		order.HoldReason,
		order.HoldDisputeID,
		order.RefundReviewStatus,
		order.RefundReason,
		order.RefundDescription,
		order.RefundRequestedAt,
		order.RefundReviewedAt,
		order.RefundReviewedBy,
		order.ReconciliationStatus,
		order.ReconciliationNote,
		order.ReconciledBy,
		order.ReconciledAt,
		order.Version,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) InsertMilestone(ctx context.Context, db *gorm.DB, m *domain.PaymentMilestone) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_milestones (`+milestoneColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.OrderID,
		m.Title,
		m.Description,
		m.Amount,
		m.Status,
		m.ReleaseReviewStatus,
		m.SortOrder,
		m.TargetDate,
		m.ReleaseRequestedAt,
		m.ReleaseRequestedBy,
		m.ReviewedAt,
		m.ReviewedBy,
		m.ReleasedAt,
		m.ReleasedBy,
		m.CreatedAt,
		m.UpdatedAt,
	).Error
}

func (r *repo) FindOrder(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PaymentOrder, error) {
	return r.findOrder(ctx, db, id, false)
}

// FindOrderForUpdate locks the order row for the rest of the transaction.
// SQLite has no row locks; its single writer gives the same exclusion.
func (r *repo) FindOrderForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PaymentOrder, error) {
	return r.findOrder(ctx, db, id, true)
}

func (r *repo) findOrder(ctx context.Context, db *gorm.DB, id snowflake.ID, lock bool) (*domain.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + `
		 FROM payment_orders
		 WHERE id = ?
		 LIMIT 1`
	if lock && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var item domain.PaymentOrder
	if err := db.WithContext(ctx).Raw(query, id).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateOrder(ctx context.Context, db *gorm.DB, order *domain.PaymentOrder, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_orders SET
			status = ?,
			amount_held = ?,
			amount_released = ?,
			amount_refunded = ?,
			hold_blocked_by_dispute = ?,
			hold_reason_code = ?,
			hold_reason = ?,
			hold_dispute_id = ?,
			refund_review_status = ?,
			refund_reason = ?,
			refund_description = ?,
			refund_requested_at = ?,
			refund_reviewed_at = ?,
			refund_reviewed_by = ?,
			reconciliation_status = ?,
			reconciliation_note = ?,
			reconciled_by = ?,
			reconciled_at = ?,
			version = ?,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		order.Status,
		order.AmountHeld,
		order.AmountReleased,
		order.AmountRefunded,
		order.HoldBlockedByDispute,
		order.HoldReasonCode,
		order.HoldReason,
		order.HoldDisputeID,
		order.RefundReviewStatus,
		order.RefundReason,
		order.RefundDescription,
		order.RefundRequestedAt,
		order.RefundReviewedAt,
		order.RefundReviewedBy,
		order.ReconciliationStatus,
		order.ReconciliationNote,
		order.ReconciledBy,
		order.ReconciledAt,
		order.Version,
		order.UpdatedAt,
		order.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListMilestones(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.PaymentMilestone, error) {
	var items []domain.PaymentMilestone
	err := db.WithContext(ctx).Raw(
		`SELECT `+milestoneColumns+`
		 FROM payment_milestones
		 WHERE order_id = ?
		 ORDER BY sort_order ASC, id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateMilestone(ctx context.Context, db *gorm.DB, m *domain.PaymentMilestone) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_milestones SET
			status = ?,
			release_review_status = ?,
			release_requested_at = ?,
			release_requested_by = ?,
			reviewed_at = ?,
			reviewed_by = ?,
			released_at = ?,
			released_by = ?,
			updated_at = ?
		 WHERE id = ? AND order_id = ?`,
		m.Status,
		m.ReleaseReviewStatus,
		m.ReleaseRequestedAt,
		m.ReleaseRequestedBy,
		m.ReviewedAt,
		m.ReviewedBy,
		m.ReleasedAt,
		m.ReleasedBy,
		m.UpdatedAt,
		m.ID,
		m.OrderID,
	).Error
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, e *domain.PaymentEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_order_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.OrderID,
		e.MilestoneID,
		e.Type,
		e.ActorType,
		e.ActorID,
		e.Amount,
		e.Note,
		e.Metadata,
		e.CreatedAt,
	).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.PaymentEvent, error) {
	var items []domain.PaymentEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM payment_order_events
		 WHERE order_id = ?
		 ORDER BY created_at ASC, id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListEventsPage returns up to limit events strictly after the cursor.
func (r *repo) ListEventsPage(ctx context.Context, db *gorm.DB, orderID snowflake.ID, after *domain.EventCursor, limit int) ([]domain.PaymentEvent, error) {
	query := db.WithContext(ctx).
		Table("payment_order_events").
		Select(eventColumns).
		Where("order_id = ?", orderID)
	if after != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))",
			after.CreatedAt, after.CreatedAt, after.ID)
	}

	var items []domain.PaymentEvent
	if err := query.Order("created_at ASC, id ASC").Limit(limit).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
