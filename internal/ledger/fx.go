package ledger

import (
	"github.com/smallbiznis/freelancepay/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	fx.Provide(service.NewService),
)
