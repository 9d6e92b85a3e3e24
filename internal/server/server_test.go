package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	auditdomain "github.com/smallbiznis/escrow/internal/audit/domain"
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"github.com/smallbiznis/escrow/internal/money"
	"github.com/smallbiznis/escrow/internal/observability"
	obsmetrics "github.com/smallbiznis/escrow/internal/observability/metrics"
	"github.com/smallbiznis/escrow/internal/ratelimit"
	"github.com/smallbiznis/escrow/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

var (
	adminActor  = domain.Actor{ID: "ops-1", Role: domain.RoleAdmin}
	clientActor = domain.Actor{ID: "client-1", Role: domain.RoleClient}
)

type fakeEscrowService struct {
	err         error
	applyCalls  int
	lastAction  domain.Action
	lastOrderID snowflake.ID
	lastActor   domain.Actor
	lastCreate  domain.CreateOrderRequest
	lastEvents  domain.ListEventsRequest
}

func (f *fakeEscrowService) snapshot(id snowflake.ID) *domain.OrderSnapshot {
	return &domain.OrderSnapshot{Order: domain.PaymentOrder{
		ID:          id,
		Status:      domain.OrderStatusPaidHeld,
		AmountTotal: money.MustParse("1000"),
		AmountHeld:  money.MustParse("1000"),
	}}
}

func (f *fakeEscrowService) CreateOrder(ctx context.Context, actor domain.Actor, req domain.CreateOrderRequest) (*domain.OrderSnapshot, error) {
	_ = ctx
	f.lastActor = actor
	f.lastCreate = req
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot(42), nil
}

func (f *fakeEscrowService) Apply(ctx context.Context, orderID snowflake.ID, actor domain.Actor, action domain.Action) (*domain.OrderSnapshot, error) {
	_ = ctx
	f.applyCalls++
	f.lastOrderID = orderID
	f.lastActor = actor
	f.lastAction = action
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot(orderID), nil
}

func (f *fakeEscrowService) GetOrder(ctx context.Context, orderID snowflake.ID, viewer domain.Actor) (*domain.OrderSnapshot, error) {
	_ = ctx
	f.lastOrderID = orderID
	f.lastActor = viewer
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot(orderID), nil
}

func (f *fakeEscrowService) ListEvents(ctx context.Context, viewer domain.Actor, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	_ = ctx
	f.lastActor = viewer
	f.lastEvents = req
	if f.err != nil {
		return domain.ListEventsResponse{}, f.err
	}
	return domain.ListEventsResponse{
		PageInfo: pagination.PageInfo{NextPageToken: "next", HasMore: true},
		Events: []domain.PaymentEvent{
			{ID: 1, OrderID: req.OrderID, Type: domain.EventTypeOrderCreated},
		},
	}, nil
}

type fakeAuditService struct {
	lastReq auditdomain.ListAuditLogRequest
}

func (f *fakeAuditService) AuditLog(ctx context.Context, actorType, actorID, action, targetType, targetID string, metadata map[string]any) error {
	_ = ctx
	return nil
}

func (f *fakeAuditService) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	_ = ctx
	f.lastReq = req
	if req.StartAt != nil && req.EndAt != nil && req.EndAt.Before(*req.StartAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}
	return auditdomain.ListAuditLogResponse{AuditLogs: []auditdomain.AuditLog{{ID: 9, Action: "ADMIN_HOLD"}}}, nil
}

type fakeLimiter struct {
	result *ratelimit.RateLimitResult
	err    error
	calls  int
}

func (f *fakeLimiter) Allow(ctx context.Context, actorID string) (*ratelimit.RateLimitResult, error) {
	_ = ctx
	_ = actorID
	f.calls++
	return f.result, f.err
}

type testServer struct {
	srv    *Server
	escrow *fakeEscrowService
	audit  *fakeAuditService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := NewEngine(
		observability.Config{Environment: "test"},
		obsmetrics.NewHTTPMetricsWith(prometheus.NewRegistry(), obsmetrics.Config{ServiceName: "escrow"}),
	)
	escrowSvc := &fakeEscrowService{}
	auditSvc := &fakeAuditService{}

	srv, err := NewServer(ServerParams{
		Gin:       engine,
		Cfg:       config.Config{AuthJWTSecret: testSecret},
		Log:       zap.NewNop(),
		EscrowSvc: escrowSvc,
		AuditSvc:  auditSvc,
	})
	require.NoError(t, err)
	return &testServer{srv: srv, escrow: escrowSvc, audit: auditSvc}
}

func (ts *testServer) token(t *testing.T, actor domain.Actor) string {
	t.Helper()
	raw, err := ts.srv.tokens.Sign(actor, time.Hour)
	require.NoError(t, err)
	return raw
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		payload, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestNewServerRequiresSecret(t *testing.T) {
	_, err := NewServer(ServerParams{
		Gin: gin.New(),
		Log: zap.NewNop(),
	})
	assert.ErrorIs(t, err, ErrJWTSecretRequired)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/orders/42", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/orders/42", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := ts.srv.tokens.Sign(clientActor, -time.Hour)
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/orders/42", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	otherKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, actorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "client-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "client",
	}).SignedString([]byte("another-secret"))
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/orders/42", otherKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, actorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "client-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "client",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/orders/42", wrongAlg, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	badRole, err := ts.srv.tokens.Sign(domain.Actor{ID: "x", Role: "superuser"}, time.Hour)
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/orders/42", badRole, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/orders/42", ts.token(t, clientActor), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, clientActor, ts.escrow.lastActor)
	assert.Equal(t, snowflake.ID(42), ts.escrow.lastOrderID)
}

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{
		"payer_id":     "client-1",
		"payee_id":     "attorney-1",
		"currency":     "USD",
		"amount_total": "1000.00",
		"milestones": []map[string]any{
			{"title": "Discovery", "amount": "400"},
			{"title": "Trial", "amount": "600"},
		},
	}

	rec := ts.do(t, http.MethodPost, "/api/orders", ts.token(t, clientActor), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/orders", ts.token(t, adminActor), body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, money.MustParse("1000"), ts.escrow.lastCreate.AmountTotal)
	require.Len(t, ts.escrow.lastCreate.Milestones, 2)
	assert.Equal(t, money.MustParse("600"), ts.escrow.lastCreate.Milestones[1].Amount)

	var resp struct {
		Data domain.OrderSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, snowflake.ID(42), resp.Data.Order.ID)
	assert.Equal(t, domain.OrderStatusPaidHeld, resp.Data.Order.Status)

	body["amount_total"] = "ten dollars"
	rec = ts.do(t, http.MethodPost, "/api/orders", ts.token(t, adminActor), body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "amount", payload.Errors[0].Field)

	rec = ts.do(t, http.MethodPost, "/api/orders", ts.token(t, adminActor), "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyAction(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/orders/42/actions", ts.token(t, clientActor), map[string]any{
		"action":       "release_milestone",
		"milestone_id": "7",
		"note":         " looks good ",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ReleaseMilestone{MilestoneID: 7, Note: "looks good"}, ts.escrow.lastAction)
	assert.Equal(t, snowflake.ID(42), ts.escrow.lastOrderID)

	rec = ts.do(t, http.MethodPost, "/api/orders/42/actions", ts.token(t, clientActor), map[string]any{
		"action": "teleport_funds",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_action", payload.Errors[0].Code)
	assert.Equal(t, "action", payload.Errors[0].Field)

	rec = ts.do(t, http.MethodPost, "/api/orders/42/actions", ts.token(t, clientActor), map[string]any{
		"action": "release_milestone",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "milestone_required", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/orders/not-an-id/actions", ts.token(t, clientActor), map[string]any{
		"action": "mark_paid_held",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1, ts.escrow.applyCalls)
}

func TestApplyActionErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
		code   string
	}{
		{"dispute blocked", &domain.DisputeBlockedError{DisputeID: "D-9", Status: "OPEN"}, http.StatusConflict, "dispute_blocked", "dispute_blocked"},
		{"already released", fmt.Errorf("milestone 7: %w", domain.ErrMilestoneAlreadyReleased), http.StatusConflict, "state_conflict", "milestone_already_released"},
		{"concurrent", domain.ErrConcurrentModification, http.StatusConflict, "state_conflict", "concurrent_modification"},
		{"forbidden", domain.ErrForbidden, http.StatusForbidden, "forbidden", ""},
		{"order missing", domain.ErrOrderNotFound, http.StatusNotFound, "not_found", ""},
		{"milestone missing", domain.ErrMilestoneNotFound, http.StatusNotFound, "not_found", ""},
		{"dispute service down", fmt.Errorf("check: %w", domain.ErrDisputeCheckUnavailable), http.StatusServiceUnavailable, "service_unavailable", ""},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.escrow.err = tc.err

			rec := ts.do(t, http.MethodPost, "/api/orders/42/actions", ts.token(t, clientActor), map[string]any{
				"action":       "release_milestone",
				"milestone_id": "7",
			})
			require.Equal(t, tc.status, rec.Code)
			payload := decodeError(t, rec)
			assert.Equal(t, tc.typ, payload.Type)
			assert.Equal(t, tc.code, payload.Code)
			if tc.typ == "dispute_blocked" {
				assert.Equal(t, "D-9", payload.DisputeID)
			}
			if tc.code == "concurrent_modification" {
				assert.NotContains(t, payload.Message, "concurrent_modification")
			}
		})
	}
}

func TestActionRateLimit(t *testing.T) {
	ts := newTestServer(t)
	limiter := &fakeLimiter{result: &ratelimit.RateLimitResult{
		Allowed:    false,
		Limit:      5,
		Remaining:  0,
		ResetTime:  time.Unix(1_800_000_000, 0),
		RetryAfter: 1500 * time.Millisecond,
	}}
	ts.srv.limiter = limiter
	body := map[string]any{"action": "mark_paid_held"}

	rec := ts.do(t, http.MethodPost, "/api/orders/42/actions", ts.token(t, clientActor), body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1800000000", rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, 0, ts.escrow.applyCalls)

	// Reads are not throttled.
	rec = ts.do(t, http.MethodGet, "/api/orders/42", ts.token(t, clientActor), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	limiter.result = nil
	limiter.err = errors.New("redis down")
	rec = ts.do(t, http.MethodPost, "/api/orders/42/actions", ts.token(t, clientActor), body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.escrow.applyCalls)
	assert.Equal(t, 2, limiter.calls)
}

func TestListOrderEvents(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/orders/42/events?page_size=2&page_token=abc", ts.token(t, clientActor), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snowflake.ID(42), ts.escrow.lastEvents.OrderID)
	assert.Equal(t, 2, ts.escrow.lastEvents.PageSize)
	assert.Equal(t, "abc", ts.escrow.lastEvents.PageToken)

	var resp struct {
		Data     []domain.PaymentEvent `json:"data"`
		PageInfo pagination.PageInfo   `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, domain.EventTypeOrderCreated, resp.Data[0].Type)
	assert.True(t, resp.PageInfo.HasMore)
	assert.Equal(t, "next", resp.PageInfo.NextPageToken)

	ts.escrow.err = pagination.ErrInvalidPageToken
	rec = ts.do(t, http.MethodGet, "/api/orders/42/events?page_token=zzz", ts.token(t, clientActor), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "page_token", payload.Errors[0].Field)
}

func TestListAuditLogs(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/audit-logs", ts.token(t, clientActor), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/audit-logs?order_id=55&action=admin_hold&page_size=10&start_at=2026-03-01T00:00:00Z", ts.token(t, adminActor), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payment_order", ts.audit.lastReq.TargetType)
	assert.Equal(t, "55", ts.audit.lastReq.TargetID)
	assert.Equal(t, "ADMIN_HOLD", ts.audit.lastReq.Action)
	assert.Equal(t, 10, ts.audit.lastReq.PageSize)
	require.NotNil(t, ts.audit.lastReq.StartAt)
	assert.Nil(t, ts.audit.lastReq.EndAt)

	rec = ts.do(t, http.MethodGet, "/api/audit-logs?start_at=yesterday", ts.token(t, adminActor), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "start_at", decodeError(t, rec).Errors[0].Field)

	rec = ts.do(t, http.MethodGet, "/api/audit-logs?start_at=2026-03-02T00:00:00Z&end_at=2026-03-01T00:00:00Z", ts.token(t, adminActor), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_time_range", decodeError(t, rec).Errors[0].Code)
}

func TestUnknownRouteAndHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(domain.ErrReviewPending)
	assert.Equal(t, "state_conflict", typ)
	assert.Equal(t, "release_review_pending", code)

	typ, code = classifyErrorForLog(domain.ErrInvalidRefundReason)
	assert.Equal(t, "validation_error", typ)
	assert.Equal(t, "invalid_refund_reason", code)

	typ, _ = classifyErrorForLog(ErrRateLimited)
	assert.Equal(t, "rate_limited", typ)
}
