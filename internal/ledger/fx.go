package ledger

import (
	"github.com/openprocure/provena/internal/ledger/service"
	"go.uber.org/fx"
)

// Module wires the budget control service.
var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
)
