package payment

import (
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/payment/orphan"
	"github.com/smallbiznis/entitle/internal/payment/repository"
	paymentservice "github.com/smallbiznis/entitle/internal/payment/service"
	"github.com/smallbiznis/entitle/internal/payment/signature"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(orphan.NewSink),
	fx.Provide(func(cfg config.Config) *signature.Verifier {
		return signature.NewVerifier(cfg.PaymentWebhookSecret)
	}),
	fx.Provide(paymentservice.NewService),
)
