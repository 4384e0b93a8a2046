package publicinvoice

import (
	"github.com/smallbiznis/freelancepay/internal/publicinvoice/repository"
	"github.com/smallbiznis/freelancepay/internal/publicinvoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"publicinvoice",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
