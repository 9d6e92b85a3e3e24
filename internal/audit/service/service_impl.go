package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/escrow/internal/audit/domain"
	"github.com/smallbiznis/escrow/internal/audit/masking"
	"github.com/smallbiznis/escrow/internal/clock"
	obscontext "github.com/smallbiznis/escrow/internal/observability/context"
	"github.com/smallbiznis/escrow/internal/observability/metrics"
	"github.com/smallbiznis/escrow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    auditdomain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    auditdomain.Repository
	metrics *metrics.Metrics
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("audit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) AuditLog(ctx context.Context, actorType, actorID, action, targetType, targetID string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}
	actorType, actorID = s.resolveActor(ctx, actorType, actorID)

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		ActorID:    normalize(actorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   normalize(targetID),
		RequestID:  normalize(obscontext.RequestIDFromContext(ctx)),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if masked := masking.MaskKeys(metadata, masking.FreeTextKeys...); masked != nil {
		entry.Metadata = datatypes.JSONMap(masked)
	}

	err := s.repo.Insert(ctx, s.db, &entry)
	s.metrics.RecordAuditMirror(ctx, action, err)
	if err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, err
		}
		createdAt, err := decoded.Time()
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, pagination.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, pagination.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{ID: id, CreatedAt: createdAt}
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      limit,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	page, info, err := pagination.BuildCursorPageInfo(items, limit, func(item *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	logs := make([]auditdomain.AuditLog, 0, len(page))
	for _, item := range page {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}
	return auditdomain.ListAuditLogResponse{PageInfo: info, AuditLogs: logs}, nil
}

func (s *Service) resolveActor(ctx context.Context, actorType, actorID string) (string, string) {
	actorType = strings.TrimSpace(actorType)
	actorID = strings.TrimSpace(actorID)
	if actorType == "" {
		if role, id := obscontext.ActorFromContext(ctx); id != "" {
			actorType = role
			if actorID == "" {
				actorID = id
			}
		}
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	return actorType, actorID
}

func normalize(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
