package organization

import (
	"github.com/vuongducdai/saas-starter/internal/organization/repository"
	"github.com/vuongducdai/saas-starter/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
