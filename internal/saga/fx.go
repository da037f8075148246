package saga

import (
	"github.com/openprocure/provena/internal/events"
	sagadomain "github.com/openprocure/provena/internal/saga/domain"
	"github.com/openprocure/provena/internal/saga/service"
	"go.uber.org/fx"
)

// Module wires the saga orchestrator and registers it as the bus handler.
var Module = fx.Module("saga.orchestrator",
	fx.Provide(service.NewOrchestrator),
	fx.Provide(func(orch sagadomain.Orchestrator) events.Handler {
		return orch.HandleEvent
	}),
)
