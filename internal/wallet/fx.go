package wallet

import (
	"github.com/smallbiznis/freelancepay/internal/wallet/generator"
	"github.com/smallbiznis/freelancepay/internal/wallet/repository"
	"github.com/smallbiznis/freelancepay/internal/wallet/service"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet",
	fx.Provide(repository.Provide),
	fx.Provide(generator.Provide),
	fx.Provide(service.NewService),
)
