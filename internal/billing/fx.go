package billing

import (
	"github.com/vuongducdai/saas-starter/internal/billing/repository"
	"github.com/vuongducdai/saas-starter/internal/billing/service"
	billingstripe "github.com/vuongducdai/saas-starter/internal/billing/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(billingstripe.NewGateway),
	fx.Provide(billingstripe.NewVerifier),
	fx.Provide(service.NewService),
)
