package dispute

import (
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispute",
	fx.Provide(NewChecker),
)

func NewChecker(cfg config.Config, log *zap.Logger) domain.DisputeChecker {
	switch cfg.Escrow.DisputeSource {
	case config.DisputeSourceStatic:
		log.Warn("using in-memory dispute checker, no disputes will block releases")
		return NewStaticChecker()
	default:
		return NewSQLChecker()
	}
}
