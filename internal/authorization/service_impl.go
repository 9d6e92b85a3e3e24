package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const ObjectPaymentOrder = "payment_order"

var ErrEnforcerUnavailable = errors.New("authorization_enforcer_unavailable")

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	Auditor  domain.Auditor `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditor  domain.Auditor
}

// NewEnforcer loads role policies from the casbin_rule table, seeding the
// defaults on first start.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// NewMemoryEnforcer keeps the default policies in memory only.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) domain.Authorizer {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditor:  p.Auditor,
	}
}

// Authorize checks the role policy, then that a non-admin actor is the
// party the action belongs to. order is nil for create_order.
func (s *ServiceImpl) Authorize(ctx context.Context, actor domain.Actor, action domain.ActionName, order *domain.PaymentOrder) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if s.enforcer == nil {
		return ErrEnforcerUnavailable
	}

	allowed, err := s.enforcer.Enforce(roleSubject(actor.Role), ObjectPaymentOrder, string(action))
	if err != nil {
		return err
	}
	if !allowed {
		s.denied(ctx, actor, action, order, "role")
		return fmt.Errorf("%w: role %s cannot %s", domain.ErrForbidden, actor.Role, action)
	}

	if order != nil && !isParty(actor, order) {
		s.denied(ctx, actor, action, order, "party")
		return fmt.Errorf("%w: %s is not a party to the order", domain.ErrForbidden, actor.ID)
	}
	return nil
}

// CanView allows the payer, the payee and administrators.
func (s *ServiceImpl) CanView(ctx context.Context, actor domain.Actor, order *domain.PaymentOrder) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if order == nil {
		return domain.ErrOrderNotFound
	}
	if actor.IsAdmin() || actor.ID == order.PayerID || actor.ID == order.PayeeID {
		return nil
	}
	return domain.ErrForbidden
}

func isParty(actor domain.Actor, order *domain.PaymentOrder) bool {
	switch actor.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleClient:
		return actor.ID == order.PayerID
	case domain.RoleAttorney:
		return actor.ID == order.PayeeID
	default:
		return false
	}
}

func (s *ServiceImpl) denied(ctx context.Context, actor domain.Actor, action domain.ActionName, order *domain.PaymentOrder, reason string) {
	targetID := ""
	if order != nil {
		targetID = order.ID.String()
	}
	s.log.Info("authorization denied",
		zap.String("actor_id", actor.ID),
		zap.String("role", string(actor.Role)),
		zap.String("action", string(action)),
		zap.String("order_id", targetID),
		zap.String("reason", reason),
	)
	if s.auditor == nil {
		return
	}
	if err := s.auditor.AuditLog(ctx, string(actor.Role), actor.ID, "authorization.denied", ObjectPaymentOrder, targetID, map[string]any{
		"action": string(action),
		"reason": reason,
	}); err != nil {
		s.log.Warn("failed to audit denied authorization", zap.Error(err))
	}
}

func roleSubject(role domain.Role) string {
	return fmt.Sprintf("role:%s", role)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	client := roleSubject(domain.RoleClient)
	attorney := roleSubject(domain.RoleAttorney)
	admin := roleSubject(domain.RoleAdmin)

	policies := [][]string{
		// Client (payer)
		{client, ObjectPaymentOrder, string(domain.ActionMarkPaymentPending)},
		{client, ObjectPaymentOrder, string(domain.ActionMarkPaidHeld)},
		{client, ObjectPaymentOrder, string(domain.ActionCancelOrder)},
		{client, ObjectPaymentOrder, string(domain.ActionReleaseMilestone)},
		{client, ObjectPaymentOrder, string(domain.ActionRefundRequest)},

		// Attorney (payee)
		{attorney, ObjectPaymentOrder, string(domain.ActionRequestMilestoneRelease)},

		// Admin
		{admin, ObjectPaymentOrder, string(domain.ActionCreateOrder)},
	}
	for _, action := range domain.AllActions {
		policies = append(policies, []string{admin, ObjectPaymentOrder, string(action)})
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
