package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/openprocure/provena/internal/audit"
	"github.com/openprocure/provena/internal/clock"
	"github.com/openprocure/provena/internal/config"
	"github.com/openprocure/provena/internal/events"
	"github.com/openprocure/provena/internal/idempotency"
	"github.com/openprocure/provena/internal/ledger"
	"github.com/openprocure/provena/internal/migration"
	"github.com/openprocure/provena/internal/observability"
	"github.com/openprocure/provena/internal/reconciliation"
	"github.com/openprocure/provena/internal/saga"
	"github.com/openprocure/provena/internal/server"
	"github.com/openprocure/provena/internal/worker"
	"github.com/openprocure/provena/pkg/db"
	"github.com/openprocure/provena/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		migration.Module,
		observability.Module,

		// Domains
		events.Module,
		idempotency.Module,
		audit.Module,
		ledger.Module,
		reconciliation.Module,
		saga.Module,
		worker.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
