// Package dispute adapts the dispute ticketing system to the escrow
// engine's DisputeChecker port. The engine only reads disputes; it never
// opens or resolves them.
package dispute

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"gorm.io/gorm"
)

// SQLChecker reads the ticketing system's disputes table, shared through the
// same database. Queries run on the handle passed to ActiveDispute so the
// check sees, and waits on, the caller's transaction.
type SQLChecker struct {
	timeout time.Duration
}

func NewSQLChecker() *SQLChecker {
	return &SQLChecker{timeout: 3 * time.Second}
}

type disputeRow struct {
	ID     string
	Status string
	Reason string
}

// ActiveDispute returns the oldest dispute in a blocking status that
// references the order, its conversation, its case or its originating bid.
func (c *SQLChecker) ActiveDispute(ctx context.Context, db *gorm.DB, q domain.DisputeQuery) (*domain.ActiveDispute, error) {
	if db == nil {
		return nil, errors.New("dispute check requires a database handle")
	}
	if len(q.Statuses) == 0 {
		return nil, nil
	}

	refs := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if q.OrderID != 0 {
		refs = append(refs, "order_id = ?")
		args = append(args, q.OrderID.String())
	}
	if v := strings.TrimSpace(q.ConversationID); v != "" {
		refs = append(refs, "conversation_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.CaseID); v != "" {
		refs = append(refs, "case_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.BidID); v != "" {
		refs = append(refs, "bid_id = ?")
		args = append(args, v)
	}
	if len(refs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var row disputeRow
	err := db.WithContext(ctx).
		Table("disputes").
		Select("id, status, reason").
		Where("status IN ?", q.Statuses).
		Where("("+strings.Join(refs, " OR ")+")", args...).
		Order("created_at ASC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return &domain.ActiveDispute{ID: row.ID, Status: row.Status, Reason: row.Reason}, nil
}
