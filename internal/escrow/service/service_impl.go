package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrow/internal/clock"
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"github.com/smallbiznis/escrow/internal/escrow/holdguard"
	"github.com/smallbiznis/escrow/internal/money"
	"github.com/smallbiznis/escrow/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/escrow/pkg/db"
	"github.com/smallbiznis/escrow/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const targetTypeOrder = "payment_order"

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	GenID  *snowflake.Node
	Cfg    config.Config
	Policy config.PolicySource

	Repo       domain.Repository
	Guard      *holdguard.Guard
	Authorizer domain.Authorizer

	Notifier      domain.Notifier        `optional:"true"`
	Auditor       domain.Auditor         `optional:"true"`
	EscrowMetrics *metrics.EscrowMetrics `optional:"true"`
	Metrics       *metrics.Metrics       `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	policy     config.PolicySource
	maxRetries int

	repo       domain.Repository
	guard      *holdguard.Guard
	authorizer domain.Authorizer

	notifier      domain.Notifier
	auditor       domain.Auditor
	escrowMetrics *metrics.EscrowMetrics
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

func NewService(p Params) domain.Service {
	retries := p.Cfg.Escrow.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("escrow.service"),
		clock:      p.Clock,
		genID:      p.GenID,
		policy:     p.Policy,
		maxRetries: retries,

		repo:       p.Repo,
		guard:      p.Guard,
		authorizer: p.Authorizer,

		notifier:      p.Notifier,
		auditor:       p.Auditor,
		escrowMetrics: p.EscrowMetrics,
		metrics:       p.Metrics,
		tracer:        otel.Tracer("escrow/service"),
	}
}

// committed is what survives a transaction for the after-commit hooks.
type committed struct {
	order    domain.PaymentOrder
	event    domain.PaymentEvent
	snapshot *domain.OrderSnapshot
}

func (s *Service) CreateOrder(ctx context.Context, actor domain.Actor, req domain.CreateOrderRequest) (*domain.OrderSnapshot, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := s.authorizer.Authorize(ctx, actor, domain.ActionCreateOrder, nil); err != nil {
		return nil, err
	}
	if err := validateCreateOrder(&req); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	order := domain.PaymentOrder{
		ID:                   s.genID.Generate(),
		PayerID:              req.PayerID,
		PayeeID:              req.PayeeID,
		CaseID:               req.CaseID,
		ConversationID:       req.ConversationID,
		BidID:                req.BidID,
		Currency:             req.Currency,
		Status:               domain.OrderStatusUnpaid,
		AmountTotal:          req.AmountTotal,
		HoldReasonCode:       domain.HoldReasonNone,
		RefundReviewStatus:   domain.ReviewStatusNone,
		ReconciliationStatus: domain.ReconciliationUnreconciled,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	milestones := make([]domain.PaymentMilestone, 0, len(req.Milestones))
	for i, in := range req.Milestones {
		sortOrder := i
		if in.SortOrder != nil {
			sortOrder = *in.SortOrder
		}
		milestones = append(milestones, domain.PaymentMilestone{
			ID:                  s.genID.Generate(),
			OrderID:             order.ID,
			Title:               in.Title,
			Description:         in.Description,
			Amount:              in.Amount,
			Status:              domain.MilestoneStatusPending,
			ReleaseReviewStatus: domain.ReviewStatusNone,
			SortOrder:           sortOrder,
			TargetDate:          in.TargetDate,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	}

	total := order.AmountTotal
	event := domain.PaymentEvent{
		ID:        s.genID.Generate(),
		OrderID:   order.ID,
		Type:      domain.EventTypeOrderCreated,
		ActorType: string(actor.Role),
		ActorID:   actor.ID,
		Amount:    &total,
		Metadata: datatypes.JSONMap{
			"new_status":      string(order.Status),
			"milestone_count": len(milestones),
			"currency":        order.Currency,
		},
		CreatedAt: now,
	}

	var snapshot *domain.OrderSnapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertOrder(ctx, tx, &order); err != nil {
			return err
		}
		for i := range milestones {
			if err := s.repo.InsertMilestone(ctx, tx, &milestones[i]); err != nil {
				return err
			}
		}
		if err := s.repo.InsertEvent(ctx, tx, &event); err != nil {
			return err
		}
		var err error
		snapshot, err = s.loadSnapshot(ctx, tx, &order)
		return err
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: duplicate identifier", domain.ErrInvalidOrder)
		}
		s.log.Error("failed to create order", zap.Error(err))
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("amount_total", order.AmountTotal.String()),
		zap.Int("milestones", len(milestones)),
	)
	s.afterCommit(ctx, actor, committed{order: order, event: event})
	return snapshot, nil
}

func validateCreateOrder(req *domain.CreateOrderRequest) error {
	req.PayerID = strings.TrimSpace(req.PayerID)
	req.PayeeID = strings.TrimSpace(req.PayeeID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	if req.PayerID == "" || req.PayeeID == "" {
		return fmt.Errorf("%w: payer_id and payee_id are required", domain.ErrInvalidOrder)
	}
	if req.PayerID == req.PayeeID {
		return fmt.Errorf("%w: payer and payee must differ", domain.ErrInvalidOrder)
	}
	if len(req.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", domain.ErrInvalidOrder)
	}
	if !req.AmountTotal.IsPositive() {
		return fmt.Errorf("%w: amount_total must be positive", domain.ErrInvalidAmount)
	}

	var allocated money.Amount
	for i := range req.Milestones {
		m := &req.Milestones[i]
		m.Title = strings.TrimSpace(m.Title)
		if m.Title == "" {
			return fmt.Errorf("%w: milestone %d has no title", domain.ErrInvalidOrder, i)
		}
		if !m.Amount.IsPositive() {
			return fmt.Errorf("%w: milestone %d amount must be positive", domain.ErrInvalidAmount, i)
		}
		next, err := allocated.Add(m.Amount)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidAmount, err)
		}
		allocated = next
	}
	if allocated > req.AmountTotal {
		return fmt.Errorf("%w: milestones total %s exceeds order total %s",
			domain.ErrInvalidAmount, allocated, req.AmountTotal)
	}
	return nil
}

// Apply runs one action in its own transaction, retrying when another writer
// changed the order between read and write.
func (s *Service) Apply(ctx context.Context, orderID snowflake.ID, actor domain.Actor, action domain.Action) (*domain.OrderSnapshot, error) {
	if action == nil {
		return nil, domain.ErrInvalidAction
	}
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	name := string(action.Name())
	ctx, span := s.tracer.Start(ctx, "escrow.apply", trace.WithAttributes(
		attribute.String("escrow.action", name),
		attribute.String("escrow.order_id", orderID.String()),
		attribute.String("escrow.actor_role", string(actor.Role)),
	))
	defer span.End()

	start := time.Now()
	var (
		result    *committed
		rejection error
		err       error
	)
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		result, rejection, err = s.applyOnce(ctx, orderID, actor, action)
		if err == nil || !isRetryable(err) || attempt == s.maxRetries {
			break
		}
		s.escrowMetrics.IncRetry(name)
		s.log.Debug("retrying action after concurrent modification",
			zap.String("order_id", orderID.String()),
			zap.String("action", name),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil && isRetryable(err) && !errors.Is(err, domain.ErrConcurrentModification) {
		err = fmt.Errorf("%w: %v", domain.ErrConcurrentModification, err)
	}

	if rejection != nil {
		// The DISPUTE_BLOCK row is committed; the caller still sees a failure.
		s.escrowMetrics.IncDisputeBlock(name)
		s.escrowMetrics.ObserveAction(name, metrics.OutcomeDisputeBlocked, time.Since(start))
		span.SetStatus(codes.Error, rejection.Error())
		s.afterCommit(ctx, actor, *result)
		return nil, rejection
	}
	if err != nil {
		s.escrowMetrics.ObserveAction(name, outcomeOf(err), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !domain.IsStateConflict(err) && !domain.IsValidation(err) &&
			!errors.Is(err, domain.ErrForbidden) && !errors.Is(err, domain.ErrOrderNotFound) &&
			!errors.Is(err, domain.ErrMilestoneNotFound) {
			s.log.Error("action failed",
				zap.String("order_id", orderID.String()),
				zap.String("action", name),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.escrowMetrics.ObserveAction(name, metrics.OutcomeOK, time.Since(start))
	s.log.Info("action applied",
		zap.String("order_id", orderID.String()),
		zap.String("action", name),
		zap.String("actor_id", actor.ID),
		zap.String("status", string(result.order.Status)),
	)
	s.afterCommit(ctx, actor, *result)
	return result.snapshot, nil
}

// applyOnce returns a non-nil rejection when the action was refused but its
// side effect was still committed.
func (s *Service) applyOnce(ctx context.Context, orderID snowflake.ID, actor domain.Actor, action domain.Action) (*committed, error, error) {
	var (
		result    committed
		rejection error
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		order, err := s.repo.FindOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		s.escrowMetrics.ObserveLockWait(time.Since(lockStart))
		if order == nil {
			return domain.ErrOrderNotFound
		}
		if err := s.authorizer.Authorize(ctx, actor, action.Name(), order); err != nil {
			return err
		}

		milestones, err := s.repo.ListMilestones(ctx, tx, orderID)
		if err != nil {
			return err
		}

		before := *order
		now := s.clock.Now().UTC()
		t := newTransition(ctx, tx, s.guard, s.policy.Get(), actor, now, order, milestones)

		eventType := action.EventType()
		applyErr := action.Accept(t)
		if applyErr != nil {
			if _, blocked := domain.IsDisputeBlocked(applyErr); !blocked || t.blocked == nil {
				return applyErr
			}
			// Write-on-rejection: only the hold fields and the block event.
			blockedOrder := before
			t.blocked.Block(&blockedOrder, now)
			t.order = &blockedOrder
			t.milestone = nil
			t.amount = nil
			t.metadata = t.blocked.Metadata()
			t.metadata["action"] = string(action.Name())
			if ms, ok := action.(domain.ReleaseMilestone); ok {
				id := ms.MilestoneID
				t.metadata["milestone_id"] = id.String()
				result.event.MilestoneID = &id
			}
			eventType = domain.EventTypeDisputeBlock
			rejection = applyErr
		}

		t.metadata["previous_status"] = string(before.Status)
		t.metadata["new_status"] = string(t.order.Status)
		t.order.Version = before.Version + 1
		t.order.UpdatedAt = now

		if err := checkInvariants(t.order, t.milestones); err != nil {
			return err
		}

		ok, err := s.repo.UpdateOrder(ctx, tx, t.order, before.Version)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrentModification
		}
		if t.milestone != nil {
			if err := s.repo.UpdateMilestone(ctx, tx, t.milestone); err != nil {
				return err
			}
		}

		event := domain.PaymentEvent{
			ID:          s.genID.Generate(),
			OrderID:     t.order.ID,
			MilestoneID: result.event.MilestoneID,
			Type:        eventType,
			ActorType:   string(actor.Role),
			ActorID:     actor.ID,
			Amount:      t.amount,
			Note:        t.note,
			Metadata:    datatypes.JSONMap(t.metadata),
			CreatedAt:   now,
		}
		if t.milestone != nil {
			id := t.milestone.ID
			event.MilestoneID = &id
		}
		if err := s.repo.InsertEvent(ctx, tx, &event); err != nil {
			return err
		}

		result.order = *t.order
		result.event = event
		if rejection != nil {
			return nil
		}
		result.snapshot, err = s.loadSnapshot(ctx, tx, t.order)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &result, rejection, nil
}

// checkInvariants refuses to persist a state that breaks the balance rules.
func checkInvariants(order *domain.PaymentOrder, milestones []domain.PaymentMilestone) error {
	if err := order.CheckBalances(); err != nil {
		return err
	}
	snapshot := domain.OrderSnapshot{Milestones: milestones}
	released, err := snapshot.ReleasedMilestoneTotal()
	if err != nil {
		return err
	}
	if released != order.AmountReleased {
		return fmt.Errorf("%w: released milestones %s != amount_released %s",
			money.ErrInvariant, released, order.AmountReleased)
	}
	return nil
}

func (s *Service) loadSnapshot(ctx context.Context, db *gorm.DB, order *domain.PaymentOrder) (*domain.OrderSnapshot, error) {
	milestones, err := s.repo.ListMilestones(ctx, db, order.ID)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListEvents(ctx, db, order.ID)
	if err != nil {
		return nil, err
	}
	return &domain.OrderSnapshot{
		Order:      *order,
		Milestones: milestones,
		Events:     events,
	}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID snowflake.ID, viewer domain.Actor) (*domain.OrderSnapshot, error) {
	if err := viewer.Validate(); err != nil {
		return nil, err
	}
	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	if err := s.authorizer.CanView(ctx, viewer, order); err != nil {
		return nil, err
	}
	return s.loadSnapshot(ctx, s.db, order)
}

func (s *Service) ListEvents(ctx context.Context, viewer domain.Actor, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	if err := viewer.Validate(); err != nil {
		return domain.ListEventsResponse{}, err
	}
	order, err := s.repo.FindOrder(ctx, s.db, req.OrderID)
	if err != nil {
		return domain.ListEventsResponse{}, err
	}
	if order == nil {
		return domain.ListEventsResponse{}, domain.ErrOrderNotFound
	}
	if err := s.authorizer.CanView(ctx, viewer, order); err != nil {
		return domain.ListEventsResponse{}, err
	}

	var after *domain.EventCursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListEventsResponse{}, err
		}
		createdAt, err := cursor.Time()
		if err != nil {
			return domain.ListEventsResponse{}, pagination.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListEventsResponse{}, pagination.ErrInvalidPageToken
		}
		after = &domain.EventCursor{CreatedAt: createdAt, ID: id}
	}

	limit := req.Limit()
	items, err := s.repo.ListEventsPage(ctx, s.db, order.ID, after, limit+1)
	if err != nil {
		return domain.ListEventsResponse{}, err
	}

	page, info, err := pagination.BuildCursorPageInfo(items, limit, func(e domain.PaymentEvent) pagination.Cursor {
		return pagination.Cursor{
			ID:        e.ID.String(),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return domain.ListEventsResponse{}, err
	}
	if page == nil {
		page = []domain.PaymentEvent{}
	}
	return domain.ListEventsResponse{PageInfo: info, Events: page}, nil
}

// afterCommit runs the best-effort side effects. Failures are logged only.
func (s *Service) afterCommit(ctx context.Context, actor domain.Actor, c committed) {
	if s.notifier != nil {
		recipients := []string{c.order.PayerID, c.order.PayeeID}
		recipients = append(recipients, s.policy.Get().AdminRecipients...)

		n := domain.Notification{
			OrderID:     c.order.ID,
			MilestoneID: c.event.MilestoneID,
			EventType:   c.event.Type,
			Status:      c.order.Status,
			Recipients:  recipients,
			ActorID:     actor.ID,
			Amount:      c.event.Amount,
			OccurredAt:  c.event.CreatedAt,
			Metadata:    stringMetadata(c.event.Metadata),
		}
		err := s.notifier.Notify(ctx, n)
		s.metrics.RecordNotification(ctx, "notifier", string(c.event.Type), err)
		if err != nil {
			s.log.Warn("notification dispatch failed",
				zap.String("order_id", c.order.ID.String()),
				zap.String("event_type", string(c.event.Type)),
				zap.Error(err),
			)
		}
	}

	if s.auditor != nil {
		metadata := map[string]any{}
		for k, v := range c.event.Metadata {
			metadata[k] = v
		}
		metadata["event_id"] = c.event.ID.String()
		if c.event.Amount != nil {
			metadata["amount"] = c.event.Amount.String()
		}
		err := s.auditor.AuditLog(ctx, string(actor.Role), actor.ID, string(c.event.Type),
			targetTypeOrder, c.order.ID.String(), metadata)
		if err != nil {
			s.log.Warn("audit mirroring failed",
				zap.String("order_id", c.order.ID.String()),
				zap.String("event_type", string(c.event.Type)),
				zap.Error(err),
			)
		}
	}
}

func stringMetadata(in datatypes.JSONMap) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func isRetryable(err error) bool {
	if errors.Is(err, domain.ErrConcurrentModification) {
		return true
	}
	return pkgdb.IsSerializationErr(err)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return metrics.OutcomeForbidden
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrMilestoneNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, domain.ErrDisputeCheckUnavailable):
		return metrics.OutcomeUnavailable
	case domain.IsStateConflict(err):
		return metrics.OutcomeConflict
	case domain.IsValidation(err):
		return metrics.OutcomeValidation
	default:
		return metrics.OutcomeError
	}
}
