package audit

import (
	"github.com/openprocure/provena/internal/audit/repository"
	"github.com/openprocure/provena/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
