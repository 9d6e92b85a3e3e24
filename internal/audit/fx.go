package audit

import (
	auditdomain "github.com/smallbiznis/escrow/internal/audit/domain"
	"github.com/smallbiznis/escrow/internal/audit/repository"
	"github.com/smallbiznis/escrow/internal/audit/service"
	"github.com/smallbiznis/escrow/internal/config"
	escrowdomain "github.com/smallbiznis/escrow/internal/escrow/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(provideAuditor),
)

// provideAuditor exposes the audit service as the escrow Auditor port, or
// nothing when mirroring is disabled.
func provideAuditor(cfg config.Config, svc auditdomain.Service) escrowdomain.Auditor {
	if !cfg.Escrow.AuditEnabled {
		return nil
	}
	return svc
}
