package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/escrow/internal/audit/domain"
	"github.com/smallbiznis/escrow/internal/audit/repository"
	"github.com/smallbiznis/escrow/internal/clock"
	"github.com/smallbiznis/escrow/internal/migration"
	obscontext "github.com/smallbiznis/escrow/internal/observability/context"
	"github.com/smallbiznis/escrow/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, name string) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migration.ApplySQLiteSchema(context.Background(), db))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	}), fake
}

func TestAuditLogMasksFreeText(t *testing.T) {
	svc, _ := newTestService(t, "audit_mask")
	ctx := obscontext.WithRequestID(context.Background(), "req-42")

	err := svc.AuditLog(ctx, "admin", "ops-1", "ADMIN_HOLD", "payment_order", "100", map[string]any{
		"hold_reason_code": "FRAUD_REVIEW",
		"hold_reason":      "card reported stolen",
	})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TargetID: "100"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, "admin", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "ops-1", *entry.ActorID)
	require.NotNil(t, entry.RequestID)
	assert.Equal(t, "req-42", *entry.RequestID)
	assert.Equal(t, "FRAUD_REVIEW", entry.Metadata["hold_reason_code"])
	assert.NotEqual(t, "card reported stolen", entry.Metadata["hold_reason"])
	assert.Contains(t, entry.Metadata["hold_reason"], "****")
}

func TestAuditLogResolvesActorFromContext(t *testing.T) {
	svc, _ := newTestService(t, "audit_actor")

	ctx := obscontext.WithActor(context.Background(), "client", "client-1")
	require.NoError(t, svc.AuditLog(ctx, "", "", "MARK_PAID_HELD", "payment_order", "7", nil))
	require.NoError(t, svc.AuditLog(context.Background(), "", "", "SWEEP", "", "", nil))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 2)

	byAction := map[string]auditdomain.AuditLog{}
	for _, entry := range resp.AuditLogs {
		byAction[entry.Action] = entry
	}
	assert.Equal(t, "client", byAction["MARK_PAID_HELD"].ActorType)
	require.NotNil(t, byAction["MARK_PAID_HELD"].ActorID)
	assert.Equal(t, "client-1", *byAction["MARK_PAID_HELD"].ActorID)

	sweep := byAction["SWEEP"]
	assert.Equal(t, string(auditdomain.ActorTypeSystem), sweep.ActorType)
	assert.Nil(t, sweep.ActorID)
	assert.Equal(t, "unknown", sweep.TargetType)
	assert.Nil(t, sweep.TargetID)
}

func TestAuditLogRequiresAction(t *testing.T) {
	svc, _ := newTestService(t, "audit_action")
	err := svc.AuditLog(context.Background(), "admin", "ops-1", " ", "payment_order", "1", nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPagesNewestFirst(t *testing.T) {
	svc, fake := newTestService(t, "audit_paging")
	ctx := context.Background()

	actions := []string{"ORDER_CREATED", "MARK_PAID_HELD", "MILESTONE_RELEASED", "MILESTONE_RELEASED", "REFUND_REQUESTED"}
	for _, action := range actions {
		fake.Advance(time.Minute)
		require.NoError(t, svc.AuditLog(ctx, "client", "client-1", action, "payment_order", "9", nil))
	}

	var (
		seen  []string
		token string
	)
	for i := 0; i < 5; i++ {
		resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
			Pagination: pagination.Pagination{PageToken: token, PageSize: 2},
		})
		require.NoError(t, err)
		for _, entry := range resp.AuditLogs {
			seen = append(seen, entry.Action)
		}
		if !resp.HasMore {
			break
		}
		token = resp.NextPageToken
	}
	assert.Equal(t, []string{
		"REFUND_REQUESTED", "MILESTONE_RELEASED", "MILESTONE_RELEASED", "MARK_PAID_HELD", "ORDER_CREATED",
	}, seen)

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "MILESTONE_RELEASED"})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 2)
}

func TestListRejectsInvertedRange(t *testing.T) {
	svc, _ := newTestService(t, "audit_range")
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	_, err = svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
