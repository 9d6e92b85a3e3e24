package main

import (
	"github.com/smallbiznis/escrow/internal/clock"
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/migration"
	"github.com/smallbiznis/escrow/internal/observability"
	"github.com/smallbiznis/escrow/internal/server"
	"github.com/smallbiznis/escrow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		migration.Module,

		// Escrow engine and HTTP surface
		server.Module,
	)
	app.Run()
}
