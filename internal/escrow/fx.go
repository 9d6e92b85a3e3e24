package escrow

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/escrow/holdguard"
	"github.com/smallbiznis/escrow/internal/escrow/repository"
	"github.com/smallbiznis/escrow/internal/escrow/service"
	"go.uber.org/fx"
)

var Module = fx.Module("escrow",
	fx.Provide(NewNode),
	fx.Provide(repository.Provide),
	fx.Provide(holdguard.New),
	fx.Provide(service.NewService),
)

// NewNode builds the id generator shared by orders, milestones, events and
// audit entries. Each API instance needs its own node id.
func NewNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
