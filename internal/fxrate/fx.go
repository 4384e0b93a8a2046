package fxrate

import (
	"github.com/smallbiznis/freelancepay/internal/fxrate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fxrate",
	fx.Provide(service.NewProvider),
)
