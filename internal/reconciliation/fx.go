package reconciliation

import (
	"github.com/openprocure/provena/internal/reconciliation/service"
	"go.uber.org/fx"
)

// Module wires the three-way match engine.
var Module = fx.Module("reconciliation.service",
	fx.Provide(service.NewService),
)
