package merchant

import (
	"github.com/smallbiznis/freelancepay/internal/merchant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("merchant",
	fx.Provide(repository.Provide),
)
