package payment

import (
	"github.com/smallbiznis/freelancepay/internal/payment/adapters/chaintransfer"
	"github.com/smallbiznis/freelancepay/internal/payment/adapters/stripe"
	"github.com/smallbiznis/freelancepay/internal/payment/chainquery"
	"github.com/smallbiznis/freelancepay/internal/payment/checkout"
	"github.com/smallbiznis/freelancepay/internal/payment/idempotency"
	"github.com/smallbiznis/freelancepay/internal/payment/repository"
	"github.com/smallbiznis/freelancepay/internal/payment/settlement"
	"github.com/smallbiznis/freelancepay/internal/payment/verifier"
	"github.com/smallbiznis/freelancepay/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.NewAdapter),
	fx.Provide(chaintransfer.NewAdapter),
	fx.Provide(idempotency.New),
	fx.Provide(chainquery.New),
	fx.Provide(chainquery.Provide),
	fx.Provide(verifier.New),
	fx.Provide(settlement.NewService),
	fx.Provide(checkout.ProvideSessionAPI),
	fx.Provide(checkout.NewService),
	fx.Provide(webhook.NewService),
)
