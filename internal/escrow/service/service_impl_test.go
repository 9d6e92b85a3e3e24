package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/escrow/internal/authorization"
	"github.com/smallbiznis/escrow/internal/clock"
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/dispute"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"github.com/smallbiznis/escrow/internal/escrow/holdguard"
	"github.com/smallbiznis/escrow/internal/escrow/repository"
	"github.com/smallbiznis/escrow/internal/migration"
	"github.com/smallbiznis/escrow/internal/money"
	"github.com/smallbiznis/escrow/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	admin    = domain.Actor{ID: "ops-1", Role: domain.RoleAdmin}
	client   = domain.Actor{ID: "client-1", Role: domain.RoleClient}
	attorney = domain.Actor{ID: "attorney-1", Role: domain.RoleAttorney}
	stranger = domain.Actor{ID: "client-2", Role: domain.RoleClient}
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) last() domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

type auditorMock struct {
	mock.Mock
}

func (m *auditorMock) AuditLog(ctx context.Context, actorType string, actorID string, action string, targetType string, targetID string, metadata map[string]any) error {
	args := m.Called(ctx, actorType, actorID, action, targetType, targetID, metadata)
	return args.Error(0)
}

// flakyRepo reports a lost version race a fixed number of times.
type flakyRepo struct {
	domain.Repository
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRepo) UpdateOrder(ctx context.Context, db *gorm.DB, order *domain.PaymentOrder, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()
	return r.Repository.UpdateOrder(ctx, db, order, expectedVersion)
}

// gatedRepo holds the first n callers of ListMilestones until all of them
// have arrived, so their transactions read the same order version.
type gatedRepo struct {
	domain.Repository
	mu      sync.Mutex
	waiting int
	gate    chan struct{}
}

func newGatedRepo(n int) *gatedRepo {
	return &gatedRepo{Repository: repository.Provide(), waiting: n, gate: make(chan struct{})}
}

func (r *gatedRepo) ListMilestones(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.PaymentMilestone, error) {
	r.mu.Lock()
	if r.waiting > 0 {
		r.waiting--
		if r.waiting == 0 {
			close(r.gate)
		}
		r.mu.Unlock()
		select {
		case <-r.gate:
		case <-time.After(5 * time.Second):
			return nil, errors.New("gated repo: peers never arrived")
		}
	} else {
		r.mu.Unlock()
	}
	return r.Repository.ListMilestones(ctx, db, orderID)
}

type harness struct {
	svc      domain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	disputes *dispute.StaticChecker
	notifier *recordingNotifier
	repo     domain.Repository
}

type harnessSettings struct {
	params   Params
	checker  domain.DisputeChecker
	dsn      string
	maxConns int
}

type harnessOption func(*harnessSettings)

func withPolicy(p config.EscrowPolicy) harnessOption {
	return func(s *harnessSettings) { s.params.Policy = config.NewStaticPolicy(p) }
}

func withRepo(repo domain.Repository) harnessOption {
	return func(s *harnessSettings) { s.params.Repo = repo }
}

func withAuditor(a domain.Auditor) harnessOption {
	return func(s *harnessSettings) { s.params.Auditor = a }
}

func withMaxRetries(n int) harnessOption {
	return func(s *harnessSettings) { s.params.Cfg.Escrow.MaxRetries = n }
}

// withSQLDisputes reads disputes from the harness database instead of the
// in-memory checker.
func withSQLDisputes() harnessOption {
	return func(s *harnessSettings) { s.checker = dispute.NewSQLChecker() }
}

// withFileDB runs on a WAL database file with a real connection pool, so
// transactions overlap instead of queueing for one connection.
func withFileDB(t *testing.T) harnessOption {
	path := filepath.Join(t.TempDir(), "escrow.db")
	return func(s *harnessSettings) {
		s.dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		s.maxConns = 4
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)

	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	disputes := dispute.NewStaticChecker()
	notifier := &recordingNotifier{}

	settings := harnessSettings{
		params: Params{
			Log:        log,
			Clock:      fake,
			GenID:      node,
			Cfg:        config.Config{Escrow: config.EscrowConfig{MaxRetries: 3}},
			Policy:     config.NewStaticPolicy(config.DefaultEscrowPolicy()),
			Repo:       repository.Provide(),
			Authorizer: authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer}),
			Notifier:   notifier,
		},
		checker:  disputes,
		dsn:      fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		maxConns: 1,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	db, err := gorm.Open(sqlite.Open(settings.dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(settings.maxConns)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migration.ApplySQLiteSchema(context.Background(), db))

	params := settings.params
	params.DB = db
	params.Guard = holdguard.New(settings.checker, params.Policy, log)

	return &harness{
		svc:      NewService(params),
		db:       db,
		clock:    fake,
		disputes: disputes,
		notifier: notifier,
		repo:     params.Repo,
	}
}

// createOrder opens a 1000.00 order with milestones of 400.00 and 600.00.
func (h *harness) createOrder(t *testing.T) *domain.OrderSnapshot {
	t.Helper()
	snap, err := h.svc.CreateOrder(context.Background(), admin, domain.CreateOrderRequest{
		PayerID:        client.ID,
		PayeeID:        attorney.ID,
		CaseID:         "case-1",
		ConversationID: "conv-1",
		Currency:       "usd",
		AmountTotal:    money.MustParse("1000"),
		Milestones: []domain.MilestoneInput{
			{Title: "Discovery", Amount: money.MustParse("400")},
			{Title: "Trial", Amount: money.MustParse("600")},
		},
	})
	require.NoError(t, err)
	return snap
}

func (h *harness) apply(t *testing.T, orderID snowflake.ID, actor domain.Actor, action domain.Action) *domain.OrderSnapshot {
	t.Helper()
	h.clock.Advance(time.Second)
	snap, err := h.svc.Apply(context.Background(), orderID, actor, action)
	require.NoError(t, err, "%s by %s", action.Name(), actor.Role)
	assertInvariants(t, snap)
	return snap
}

func (h *harness) applyErr(orderID snowflake.ID, actor domain.Actor, action domain.Action) error {
	h.clock.Advance(time.Second)
	_, err := h.svc.Apply(context.Background(), orderID, actor, action)
	return err
}

func (h *harness) get(t *testing.T, orderID snowflake.ID) *domain.OrderSnapshot {
	t.Helper()
	snap, err := h.svc.GetOrder(context.Background(), orderID, admin)
	require.NoError(t, err)
	assertInvariants(t, snap)
	return snap
}

// funded opens an order and moves it to PAID_HELD.
func (h *harness) funded(t *testing.T) *domain.OrderSnapshot {
	t.Helper()
	snap := h.createOrder(t)
	return h.apply(t, snap.Order.ID, client, domain.MarkPaidHeld{})
}

func assertInvariants(t *testing.T, snap *domain.OrderSnapshot) {
	t.Helper()
	require.NotNil(t, snap)
	assert.NoError(t, snap.Order.CheckBalances())
	released, err := snap.ReleasedMilestoneTotal()
	require.NoError(t, err)
	assert.Equal(t, snap.Order.AmountReleased, released)
}

func lastEvent(snap *domain.OrderSnapshot) domain.PaymentEvent {
	return snap.Events[len(snap.Events)-1]
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)
	snap := h.createOrder(t)

	assert.Equal(t, domain.OrderStatusUnpaid, snap.Order.Status)
	assert.Equal(t, "USD", snap.Order.Currency)
	assert.Equal(t, money.MustParse("1000"), snap.Order.AmountTotal)
	assert.True(t, snap.Order.AmountHeld.IsZero())
	assert.Equal(t, domain.HoldReasonNone, snap.Order.HoldReasonCode)
	assert.Equal(t, domain.ReconciliationUnreconciled, snap.Order.ReconciliationStatus)
	assert.Equal(t, int64(1), snap.Order.Version)

	require.Len(t, snap.Milestones, 2)
	assert.Equal(t, "Discovery", snap.Milestones[0].Title)
	assert.Equal(t, domain.MilestoneStatusPending, snap.Milestones[0].Status)
	assert.Equal(t, domain.ReviewStatusNone, snap.Milestones[0].ReleaseReviewStatus)

	require.Len(t, snap.Events, 1)
	assert.Equal(t, domain.EventTypeOrderCreated, snap.Events[0].Type)
	assert.Equal(t, admin.ID, snap.Events[0].ActorID)
}

func TestCreateOrder_Validation(t *testing.T) {
	h := newHarness(t)
	base := func() domain.CreateOrderRequest {
		return domain.CreateOrderRequest{
			PayerID:     client.ID,
			PayeeID:     attorney.ID,
			Currency:    "USD",
			AmountTotal: money.MustParse("100"),
			Milestones:  []domain.MilestoneInput{{Title: "Only", Amount: money.MustParse("100")}},
		}
	}

	tests := []struct {
		name   string
		actor  domain.Actor
		mutate func(*domain.CreateOrderRequest)
		want   error
	}{
		{"non admin", client, func(*domain.CreateOrderRequest) {}, domain.ErrForbidden},
		{"same parties", admin, func(r *domain.CreateOrderRequest) { r.PayeeID = r.PayerID }, domain.ErrInvalidOrder},
		{"bad currency", admin, func(r *domain.CreateOrderRequest) { r.Currency = "dollars" }, domain.ErrInvalidOrder},
		{"zero total", admin, func(r *domain.CreateOrderRequest) { r.AmountTotal = 0 }, domain.ErrInvalidAmount},
		{"untitled milestone", admin, func(r *domain.CreateOrderRequest) { r.Milestones[0].Title = " " }, domain.ErrInvalidOrder},
		{"milestones exceed total", admin, func(r *domain.CreateOrderRequest) {
			r.Milestones = append(r.Milestones, domain.MilestoneInput{Title: "Extra", Amount: money.MustParse("0.01")})
		}, domain.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := h.svc.CreateOrder(context.Background(), tt.actor, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMilestoneReleaseScenario(t *testing.T) {
	h := newHarness(t)
	snap := h.createOrder(t)
	orderID := snap.Order.ID
	first, second := snap.Milestones[0].ID, snap.Milestones[1].ID

	snap = h.apply(t, orderID, client, domain.MarkPaidHeld{})
	assert.Equal(t, domain.OrderStatusPaidHeld, snap.Order.Status)
	assert.Equal(t, money.MustParse("1000"), snap.Order.AmountHeld)

	snap = h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: first, Note: "phase one done"})
	assert.Equal(t, domain.OrderStatusPartiallyReleased, snap.Order.Status)
	assert.Equal(t, money.MustParse("600"), snap.Order.AmountHeld)
	assert.Equal(t, money.MustParse("400"), snap.Order.AmountReleased)
	assert.Equal(t, domain.MilestoneStatusReleased, snap.Milestones[0].Status)
	assert.Equal(t, client.ID, snap.Milestones[0].ReleasedBy)

	ev := lastEvent(snap)
	assert.Equal(t, domain.EventTypeMilestoneReleased, ev.Type)
	require.NotNil(t, ev.Amount)
	assert.Equal(t, money.MustParse("400"), *ev.Amount)
	require.NotNil(t, ev.MilestoneID)
	assert.Equal(t, first, *ev.MilestoneID)
	assert.Equal(t, "phase one done", ev.Note)
	assert.Equal(t, "PAID_HELD", ev.Metadata["previous_status"])
	assert.Equal(t, "PARTIALLY_RELEASED", ev.Metadata["new_status"])

	snap = h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: second})
	assert.Equal(t, domain.OrderStatusReleased, snap.Order.Status)
	assert.True(t, snap.Order.AmountHeld.IsZero())
	assert.Equal(t, money.MustParse("1000"), snap.Order.AmountReleased)
	assert.Equal(t, int64(4), snap.Order.Version)

	// ORDER_CREATED plus one row per applied action.
	require.Len(t, snap.Events, 4)
	assert.Equal(t, []domain.EventType{
		domain.EventTypeOrderCreated,
		domain.EventTypeMarkPaidHeld,
		domain.EventTypeMilestoneReleased,
		domain.EventTypeMilestoneReleased,
	}, eventTypes(snap.Events))
}

func TestReleaseMilestone_Rejections(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID
	first := snap.Milestones[0].ID

	h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: first})

	err := h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrMilestoneAlreadyReleased)

	err = h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: 12345})
	assert.ErrorIs(t, err, domain.ErrMilestoneNotFound)

	err = h.applyErr(orderID, attorney, domain.ReleaseMilestone{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = h.applyErr(orderID, stranger, domain.ReleaseMilestone{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = h.applyErr(99, client, domain.ReleaseMilestone{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	after := h.get(t, orderID)
	assert.Equal(t, money.MustParse("600"), after.Order.AmountHeld)
	assert.Len(t, after.Events, 3)
}

func TestReleaseMilestone_BeforePayment(t *testing.T) {
	h := newHarness(t)
	snap := h.createOrder(t)

	err := h.applyErr(snap.Order.ID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPaymentLifecycle(t *testing.T) {
	h := newHarness(t)
	snap := h.createOrder(t)
	orderID := snap.Order.ID

	snap = h.apply(t, orderID, client, domain.MarkPaymentPending{})
	assert.Equal(t, domain.OrderStatusPendingPayment, snap.Order.Status)

	err := h.applyErr(orderID, client, domain.MarkPaymentPending{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	snap = h.apply(t, orderID, client, domain.MarkPaidHeld{})
	assert.Equal(t, domain.OrderStatusPaidHeld, snap.Order.Status)

	err = h.applyErr(orderID, client, domain.CancelOrder{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	snap := h.createOrder(t)

	snap = h.apply(t, snap.Order.ID, client, domain.CancelOrder{Note: "changed my mind"})
	assert.Equal(t, domain.OrderStatusCanceled, snap.Order.Status)

	err := h.applyErr(snap.Order.ID, client, domain.MarkPaidHeld{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = h.applyErr(snap.Order.ID, admin, domain.AdminHold{ReasonCode: domain.HoldReasonOther})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDisputeBlocksRelease(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID
	first := snap.Milestones[0].ID
	version := snap.Order.Version

	h.disputes.Open("conv-1", domain.ActiveDispute{ID: "D-1", Status: "open", Reason: "work not delivered"})

	err := h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: first})
	blocked, ok := domain.IsDisputeBlocked(err)
	require.True(t, ok, "expected dispute block, got %v", err)
	assert.Equal(t, "D-1", blocked.DisputeID)

	after := h.get(t, orderID)
	assert.Equal(t, domain.OrderStatusPaidHeld, after.Order.Status)
	assert.Equal(t, money.MustParse("1000"), after.Order.AmountHeld)
	assert.True(t, after.Order.AmountReleased.IsZero())
	assert.True(t, after.Order.HoldBlockedByDispute)
	assert.Equal(t, domain.HoldReasonDispute, after.Order.HoldReasonCode)
	assert.Equal(t, "D-1", after.Order.HoldDisputeID)
	assert.Equal(t, "work not delivered", after.Order.HoldReason)
	assert.Equal(t, version+1, after.Order.Version)
	assert.Equal(t, domain.MilestoneStatusPending, after.Milestones[0].Status)

	ev := lastEvent(after)
	assert.Equal(t, domain.EventTypeDisputeBlock, ev.Type)
	assert.Nil(t, ev.Amount)
	require.NotNil(t, ev.MilestoneID)
	assert.Equal(t, first, *ev.MilestoneID)
	assert.Equal(t, "D-1", ev.Metadata["dispute_id"])
	assert.Equal(t, "release_milestone", ev.Metadata["action"])

	// The block is announced like any other committed event.
	assert.Equal(t, domain.EventTypeDisputeBlock, h.notifier.last().EventType)

	// An administrator cannot lift the hold while the dispute is open.
	err = h.applyErr(orderID, admin, domain.AdminReleaseHold{})
	_, ok = domain.IsDisputeBlocked(err)
	assert.True(t, ok)
	assert.Equal(t, domain.EventTypeDisputeBlock, lastEvent(h.get(t, orderID)).Type)

	h.disputes.Resolve("D-1")

	// Resolving the dispute does not lift the hold by itself.
	err = h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrOrderOnHold)

	snap = h.apply(t, orderID, admin, domain.AdminReleaseHold{Note: "dispute closed"})
	assert.False(t, snap.Order.HoldBlockedByDispute)
	assert.Equal(t, domain.HoldReasonNone, snap.Order.HoldReasonCode)
	assert.Empty(t, snap.Order.HoldDisputeID)
	assert.Equal(t, "D-1", lastEvent(snap).Metadata["previous_dispute_id"])

	snap = h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: first})
	assert.Equal(t, domain.OrderStatusPartiallyReleased, snap.Order.Status)

	// created, paid, block, block, release-hold, release
	assert.Len(t, snap.Events, 6)
}

func TestDisputeStatusOutsidePolicyDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)

	h.disputes.Open("case-1", domain.ActiveDispute{ID: "D-2", Status: "closed"})

	snap = h.apply(t, snap.Order.ID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	assert.False(t, snap.Order.HoldBlockedByDispute)
}

func TestDisputeCheckFailureFailsClosed(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID

	h.disputes.FailWith(errors.New("ticketing database unreachable"))

	err := h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	assert.ErrorIs(t, err, domain.ErrDisputeCheckUnavailable)

	after := h.get(t, orderID)
	assert.Equal(t, snap.Order.Version, after.Order.Version)
	assert.Equal(t, money.MustParse("1000"), after.Order.AmountHeld)
	assert.Len(t, after.Events, len(snap.Events))

	// Actions that never release funds are unaffected.
	h.apply(t, orderID, admin, domain.SetReconciliationStatus{Status: domain.ReconciliationMatched})
}

// The harness pool has one connection, held by the action's transaction
// while the dispute table is read.
func TestSQLDisputeCheckRunsInActionTransaction(t *testing.T) {
	h := newHarness(t, withSQLDisputes())
	snap := h.funded(t)
	orderID := snap.Order.ID

	snap = h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	assert.Equal(t, domain.OrderStatusPartiallyReleased, snap.Order.Status)

	require.NoError(t, h.db.Exec(
		`INSERT INTO disputes (id, conversation_id, status, reason) VALUES (?, ?, ?, ?)`,
		"D-9", "conv-1", "under_review", "invoice disputed",
	).Error)

	err := h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[1].ID})
	blocked, ok := domain.IsDisputeBlocked(err)
	require.True(t, ok, "expected dispute block, got %v", err)
	assert.Equal(t, "D-9", blocked.DisputeID)

	after := h.get(t, orderID)
	assert.Equal(t, money.MustParse("600"), after.Order.AmountHeld)
	assert.Equal(t, "invoice disputed", after.Order.HoldReason)
}

func TestAdminHold(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID

	snap = h.apply(t, orderID, admin, domain.AdminHold{ReasonCode: domain.HoldReasonFraudReview, Reason: "velocity alert"})
	assert.True(t, snap.Order.HoldBlockedByDispute)
	assert.Equal(t, domain.HoldReasonFraudReview, snap.Order.HoldReasonCode)
	assert.Equal(t, domain.OrderStatusPaidHeld, snap.Order.Status)

	err := h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	assert.ErrorIs(t, err, domain.ErrOrderOnHold)

	snap = h.apply(t, orderID, admin, domain.SetHoldReason{ReasonCode: domain.HoldReasonComplianceReview, Reason: "kyc"})
	assert.Equal(t, domain.HoldReasonComplianceReview, snap.Order.HoldReasonCode)
	assert.Equal(t, "FRAUD_REVIEW", lastEvent(snap).Metadata["previous_hold_reason_code"])

	snap = h.apply(t, orderID, admin, domain.AdminReleaseHold{})
	assert.False(t, snap.Order.HoldBlockedByDispute)

	err = h.applyErr(orderID, admin, domain.AdminReleaseHold{})
	assert.ErrorIs(t, err, domain.ErrNotOnHold)

	err = h.applyErr(orderID, client, domain.AdminHold{ReasonCode: domain.HoldReasonOther})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestMilestoneReview(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID
	first, second := snap.Milestones[0].ID, snap.Milestones[1].ID

	snap = h.apply(t, orderID, attorney, domain.RequestMilestoneRelease{MilestoneID: first, Note: "filed"})
	assert.Equal(t, domain.MilestoneStatusReadyForRelease, snap.Milestones[0].Status)
	assert.Equal(t, domain.ReviewStatusPendingReview, snap.Milestones[0].ReleaseReviewStatus)
	assert.Equal(t, attorney.ID, snap.Milestones[0].ReleaseRequestedBy)

	err := h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrReviewPending)

	snap = h.apply(t, orderID, admin, domain.RejectMilestoneRelease{MilestoneID: first})
	assert.Equal(t, domain.ReviewStatusRejected, snap.Milestones[0].ReleaseReviewStatus)
	assert.Equal(t, admin.ID, snap.Milestones[0].ReviewedBy)

	err = h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrReviewRejected)

	err = h.applyErr(orderID, admin, domain.ApproveMilestoneRelease{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrReviewNotPending)

	// A fresh request reopens the review.
	h.apply(t, orderID, attorney, domain.RequestMilestoneRelease{MilestoneID: first})
	snap = h.apply(t, orderID, admin, domain.ApproveMilestoneRelease{MilestoneID: first})
	assert.Equal(t, domain.ReviewStatusApproved, snap.Milestones[0].ReleaseReviewStatus)

	snap = h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: first})
	assert.Equal(t, domain.MilestoneStatusReleased, snap.Milestones[0].Status)

	err = h.applyErr(orderID, attorney, domain.RequestMilestoneRelease{MilestoneID: first})
	assert.ErrorIs(t, err, domain.ErrMilestoneAlreadyReleased)

	// Administrators may release regardless of the review outcome.
	h.apply(t, orderID, attorney, domain.RequestMilestoneRelease{MilestoneID: second})
	h.apply(t, orderID, admin, domain.RejectMilestoneRelease{MilestoneID: second})
	snap = h.apply(t, orderID, admin, domain.ReleaseMilestone{MilestoneID: second})
	assert.Equal(t, domain.OrderStatusReleased, snap.Order.Status)

	err = h.applyErr(orderID, attorney, domain.RequestMilestoneRelease{MilestoneID: second})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRefundRejectReturnsToPreviousStatus(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID

	h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})

	snap = h.apply(t, orderID, client, domain.RefundRequest{
		Reason:      domain.RefundReasonUnsatisfactoryService,
		Description: "second phase never started",
	})
	assert.Equal(t, domain.OrderStatusRefundPending, snap.Order.Status)
	assert.Equal(t, domain.ReviewStatusPendingReview, snap.Order.RefundReviewStatus)
	assert.Equal(t, domain.RefundReasonUnsatisfactoryService, snap.Order.RefundReason)
	require.NotNil(t, snap.Order.RefundRequestedAt)

	err := h.applyErr(orderID, client, domain.RefundRequest{Reason: domain.RefundReasonOther})
	assert.ErrorIs(t, err, domain.ErrRefundUnderReview)

	err = h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[1].ID})
	assert.ErrorIs(t, err, domain.ErrRefundUnderReview)

	err = h.applyErr(orderID, admin, domain.RefundComplete{})
	assert.ErrorIs(t, err, domain.ErrRefundUnderReview)

	snap = h.apply(t, orderID, admin, domain.RefundReject{Note: "work in progress"})
	assert.Equal(t, domain.OrderStatusPartiallyReleased, snap.Order.Status)
	assert.Equal(t, domain.ReviewStatusRejected, snap.Order.RefundReviewStatus)
	assert.Equal(t, admin.ID, snap.Order.RefundReviewedBy)

	err = h.applyErr(orderID, admin, domain.RefundReject{})
	assert.ErrorIs(t, err, domain.ErrRefundNotPending)
}

func TestRefundRejectWithNothingReleased(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)

	h.apply(t, snap.Order.ID, client, domain.RefundRequest{Reason: domain.RefundReasonDuplicatePayment})
	snap = h.apply(t, snap.Order.ID, admin, domain.RefundReject{})
	assert.Equal(t, domain.OrderStatusPaidHeld, snap.Order.Status)
}

func TestRefundCompleteRefundsRemainingHeld(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID

	h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	h.apply(t, orderID, client, domain.RefundRequest{Reason: domain.RefundReasonServiceNotRendered})
	snap = h.apply(t, orderID, admin, domain.RefundApprove{})
	assert.Equal(t, domain.OrderStatusRefundPending, snap.Order.Status)
	assert.Equal(t, domain.ReviewStatusApproved, snap.Order.RefundReviewStatus)

	snap = h.apply(t, orderID, admin, domain.RefundComplete{})
	assert.Equal(t, domain.OrderStatusRefunded, snap.Order.Status)
	assert.True(t, snap.Order.AmountHeld.IsZero())
	assert.Equal(t, money.MustParse("400"), snap.Order.AmountReleased)
	assert.Equal(t, money.MustParse("600"), snap.Order.AmountRefunded)

	ev := lastEvent(snap)
	assert.Equal(t, domain.EventTypeRefundCompleted, ev.Type)
	require.NotNil(t, ev.Amount)
	assert.Equal(t, money.MustParse("600"), *ev.Amount)

	err := h.applyErr(orderID, admin, domain.RefundComplete{})
	assert.ErrorIs(t, err, domain.ErrRefundNotPending)
	err = h.applyErr(orderID, client, domain.RefundRequest{Reason: domain.RefundReasonOther})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReleaseWhileRefundApproved(t *testing.T) {
	t.Run("policy blocks non admins", func(t *testing.T) {
		h := newHarness(t)
		snap := h.funded(t)
		orderID := snap.Order.ID
		h.apply(t, orderID, client, domain.RefundRequest{Reason: domain.RefundReasonOther})
		h.apply(t, orderID, admin, domain.RefundApprove{})

		err := h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
		assert.ErrorIs(t, err, domain.ErrRefundUnderReview)

		// Administrators may still pay out; the order stays in refund review.
		after := h.apply(t, orderID, admin, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
		assert.Equal(t, domain.OrderStatusRefundPending, after.Order.Status)

		// but not the last held funds.
		err = h.applyErr(orderID, admin, domain.ReleaseMilestone{MilestoneID: snap.Milestones[1].ID})
		assert.ErrorIs(t, err, domain.ErrRefundUnderReview)

		after = h.apply(t, orderID, admin, domain.RefundComplete{})
		assert.Equal(t, domain.OrderStatusRefunded, after.Order.Status)
		assert.Equal(t, money.MustParse("600"), after.Order.AmountRefunded)
	})

	t.Run("policy off allows payer", func(t *testing.T) {
		policy := config.DefaultEscrowPolicy()
		policy.BlockReleaseWhileRefundPending = false
		h := newHarness(t, withPolicy(policy))
		snap := h.funded(t)
		orderID := snap.Order.ID
		h.apply(t, orderID, client, domain.RefundRequest{Reason: domain.RefundReasonOther})

		// A pending review always blocks the payer.
		err := h.applyErr(orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
		assert.ErrorIs(t, err, domain.ErrRefundUnderReview)

		h.apply(t, orderID, admin, domain.RefundApprove{})
		after := h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
		assert.Equal(t, money.MustParse("400"), after.Order.AmountReleased)
	})
}

func TestReleaseCannotDrainOpenRefund(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID

	h.apply(t, orderID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	pending := h.apply(t, orderID, client, domain.RefundRequest{Reason: domain.RefundReasonServiceNotRendered})

	err := h.applyErr(orderID, admin, domain.ReleaseMilestone{MilestoneID: snap.Milestones[1].ID})
	assert.ErrorIs(t, err, domain.ErrRefundUnderReview)

	after := h.get(t, orderID)
	assert.Equal(t, domain.OrderStatusRefundPending, after.Order.Status)
	assert.Equal(t, domain.ReviewStatusPendingReview, after.Order.RefundReviewStatus)
	assert.Equal(t, money.MustParse("600"), after.Order.AmountHeld)
	assert.Equal(t, pending.Order.Version, after.Order.Version)
	assert.Len(t, after.Events, len(pending.Events))

	// The review can still be closed, after which the release goes through.
	snap = h.apply(t, orderID, admin, domain.RefundReject{})
	assert.Equal(t, domain.OrderStatusPartiallyReleased, snap.Order.Status)

	snap = h.apply(t, orderID, admin, domain.ReleaseMilestone{MilestoneID: snap.Milestones[1].ID})
	assert.Equal(t, domain.OrderStatusReleased, snap.Order.Status)
	assert.Equal(t, domain.ReviewStatusRejected, snap.Order.RefundReviewStatus)
}

func TestRefundCompleteWithNothingReleased(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID

	h.apply(t, orderID, client, domain.RefundRequest{Reason: domain.RefundReasonDuplicatePayment})
	h.apply(t, orderID, admin, domain.RefundApprove{})
	snap = h.apply(t, orderID, admin, domain.RefundComplete{})

	assert.Equal(t, domain.OrderStatusRefunded, snap.Order.Status)
	assert.Equal(t, snap.Order.AmountTotal, snap.Order.AmountRefunded)
	assert.True(t, snap.Order.AmountReleased.IsZero())
}

func TestSetReconciliationStatus(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)

	snap = h.apply(t, snap.Order.ID, admin, domain.SetReconciliationStatus{
		Status: domain.ReconciliationMismatched,
		Note:   "bank shows 999.99",
	})
	assert.Equal(t, domain.ReconciliationMismatched, snap.Order.ReconciliationStatus)
	assert.Equal(t, "bank shows 999.99", snap.Order.ReconciliationNote)
	assert.Equal(t, admin.ID, snap.Order.ReconciledBy)
	require.NotNil(t, snap.Order.ReconciledAt)
	assert.Equal(t, "UNRECONCILED", lastEvent(snap).Metadata["previous_reconciliation_status"])

	err := h.applyErr(snap.Order.ID, client, domain.SetReconciliationStatus{Status: domain.ReconciliationResolved})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestConcurrentReleaseOfSameMilestone(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID
	first := snap.Milestones[0].ID

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Apply(context.Background(), orderID, client, domain.ReleaseMilestone{MilestoneID: first})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrMilestoneAlreadyReleased)
	}
	assert.Equal(t, 1, succeeded)

	after := h.get(t, orderID)
	assert.Equal(t, money.MustParse("400"), after.Order.AmountReleased)
	assert.Len(t, after.Events, 3)
}

func TestOverlappingReleasesOfSameMilestone(t *testing.T) {
	gated := newGatedRepo(0)
	h := newHarness(t, withFileDB(t), withRepo(gated))
	snap := h.funded(t)
	orderID := snap.Order.ID
	first := snap.Milestones[0].ID

	// Both transactions load version N before either writes.
	gated.mu.Lock()
	gated.waiting = 2
	gated.mu.Unlock()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Apply(context.Background(), orderID, client, domain.ReleaseMilestone{MilestoneID: first})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t,
			errors.Is(err, domain.ErrMilestoneAlreadyReleased) || errors.Is(err, domain.ErrConcurrentModification),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	after := h.get(t, orderID)
	assert.Equal(t, money.MustParse("400"), after.Order.AmountReleased)
	assert.Equal(t, money.MustParse("600"), after.Order.AmountHeld)
	assert.Equal(t, snap.Order.Version+1, after.Order.Version)
	assert.Len(t, after.Events, 3)
}

func TestApplyRetriesLostVersionRace(t *testing.T) {
	flaky := &flakyRepo{Repository: repository.Provide()}
	h := newHarness(t, withRepo(flaky))
	snap := h.funded(t)
	flaky.failures = 2
	flaky.calls = 0

	snap = h.apply(t, snap.Order.ID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, money.MustParse("400"), snap.Order.AmountReleased)
	assert.Len(t, snap.Events, 3)
}

func TestApplyGivesUpAfterMaxRetries(t *testing.T) {
	flaky := &flakyRepo{Repository: repository.Provide()}
	h := newHarness(t, withRepo(flaky), withMaxRetries(2))
	snap := h.funded(t)

	flaky.failures = 10
	flaky.calls = 0
	err := h.applyErr(snap.Order.ID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, 2, flaky.calls)

	after := h.get(t, snap.Order.ID)
	assert.Equal(t, snap.Order.Version, after.Order.Version)
	assert.Len(t, after.Events, 2)
}

func TestSideEffectFailuresDoNotUndoCommit(t *testing.T) {
	auditor := &auditorMock{}
	auditor.On("AuditLog", mock.Anything, "client", client.ID, string(domain.EventTypeMilestoneReleased),
		targetTypeOrder, mock.Anything, mock.Anything).Return(errors.New("audit store down")).Once()
	auditor.On("AuditLog", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h := newHarness(t, withAuditor(auditor))
	h.notifier.err = errors.New("broker down")
	snap := h.funded(t)

	snap = h.apply(t, snap.Order.ID, client, domain.ReleaseMilestone{MilestoneID: snap.Milestones[0].ID})
	assert.Equal(t, domain.OrderStatusPartiallyReleased, snap.Order.Status)

	n := h.notifier.last()
	assert.Equal(t, domain.EventTypeMilestoneReleased, n.EventType)
	assert.ElementsMatch(t, []string{client.ID, attorney.ID}, n.Recipients)
	require.NotNil(t, n.Amount)
	assert.Equal(t, money.MustParse("400"), *n.Amount)
	assert.Equal(t, "PARTIALLY_RELEASED", n.Metadata["new_status"])

	auditor.AssertCalled(t, "AuditLog", mock.Anything, "client", client.ID, string(domain.EventTypeMilestoneReleased),
		targetTypeOrder, snap.Order.ID.String(), mock.Anything)
}

func TestNotificationRecipientsIncludeAdmins(t *testing.T) {
	policy := config.DefaultEscrowPolicy()
	policy.AdminRecipients = []string{"finance@escrow"}
	h := newHarness(t, withPolicy(policy))
	h.funded(t)

	assert.ElementsMatch(t, []string{client.ID, attorney.ID, "finance@escrow"}, h.notifier.last().Recipients)
}

func TestGetOrderVisibility(t *testing.T) {
	h := newHarness(t)
	snap := h.createOrder(t)

	for _, viewer := range []domain.Actor{admin, client, attorney} {
		_, err := h.svc.GetOrder(context.Background(), snap.Order.ID, viewer)
		assert.NoError(t, err, viewer.ID)
	}
	_, err := h.svc.GetOrder(context.Background(), snap.Order.ID, stranger)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.svc.GetOrder(context.Background(), 1, admin)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestListEventsPaging(t *testing.T) {
	h := newHarness(t)
	snap := h.funded(t)
	orderID := snap.Order.ID
	for _, status := range []domain.ReconciliationStatus{
		domain.ReconciliationMatched,
		domain.ReconciliationException,
		domain.ReconciliationResolved,
	} {
		h.apply(t, orderID, admin, domain.SetReconciliationStatus{Status: status})
	}
	all := h.get(t, orderID).Events
	require.Len(t, all, 5)

	var (
		paged []domain.PaymentEvent
		token string
		pages int
	)
	for {
		resp, err := h.svc.ListEvents(context.Background(), client, domain.ListEventsRequest{
			Pagination: pagination.Pagination{PageToken: token, PageSize: 2},
			OrderID:    orderID,
		})
		require.NoError(t, err)
		pages++
		paged = append(paged, resp.Events...)
		if !resp.HasMore {
			assert.Empty(t, resp.NextPageToken)
			break
		}
		token = resp.NextPageToken
		require.Less(t, pages, 10)
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, eventIDs(all), eventIDs(paged))

	_, err := h.svc.ListEvents(context.Background(), client, domain.ListEventsRequest{
		Pagination: pagination.Pagination{PageToken: "not-a-token"},
		OrderID:    orderID,
	})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)

	_, err = h.svc.ListEvents(context.Background(), stranger, domain.ListEventsRequest{OrderID: orderID})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestApplyRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	snap := h.createOrder(t)

	_, err := h.svc.Apply(context.Background(), snap.Order.ID, client, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidAction)

	_, err = h.svc.Apply(context.Background(), snap.Order.ID, domain.Actor{Role: domain.RoleClient}, domain.MarkPaidHeld{})
	assert.ErrorIs(t, err, domain.ErrInvalidActor)
}

func TestCheckInvariantsRejectsDrift(t *testing.T) {
	order := &domain.PaymentOrder{
		Status:         domain.OrderStatusPartiallyReleased,
		AmountTotal:    money.MustParse("1000"),
		AmountHeld:     money.MustParse("600"),
		AmountReleased: money.MustParse("400"),
	}
	milestones := []domain.PaymentMilestone{
		{Amount: money.MustParse("400"), Status: domain.MilestoneStatusReleased},
		{Amount: money.MustParse("600"), Status: domain.MilestoneStatusPending},
	}
	assert.NoError(t, checkInvariants(order, milestones))

	order.AmountHeld = money.MustParse("500")
	assert.ErrorIs(t, checkInvariants(order, milestones), money.ErrInvariant)

	order.AmountHeld = money.MustParse("600")
	milestones[1].Status = domain.MilestoneStatusReleased
	assert.ErrorIs(t, checkInvariants(order, milestones), money.ErrInvariant)
}

func eventTypes(events []domain.PaymentEvent) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func eventIDs(events []domain.PaymentEvent) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}
