package providers

import (
	"github.com/smallbiznis/entitle/internal/providers/payment"
	"github.com/smallbiznis/entitle/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	payment.Module,
	pdf.Module,
)
