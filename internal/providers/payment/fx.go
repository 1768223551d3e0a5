package payment

import (
	"errors"

	"github.com/smallbiznis/entitle/internal/config"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.payment",
	fx.Provide(NewProcessor),
)

// NewProcessor falls back to the local processor outside production when no
// processor credentials are configured.
func NewProcessor(cfg config.Config, log *zap.Logger) (paymentdomain.Processor, error) {
	if cfg.Processor.KeyID != "" && cfg.Processor.KeySecret != "" {
		return NewClient(cfg.Processor), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("PROCESSOR_KEY_ID and PROCESSOR_KEY_SECRET are required in production")
	}
	log.Warn("processor credentials missing; using local order processor")
	return NewLocalProcessor(), nil
}
