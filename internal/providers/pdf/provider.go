package pdf

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)

var ErrIncompleteReceipt = errors.New("incomplete_receipt")

// Provider renders purchase documents.
type Provider interface {
	GenerateReceipt(ctx context.Context, data ReceiptData) ([]byte, error)
}

// ReceiptData is everything printed on a purchase receipt. Amount is in minor units.
type ReceiptData struct {
	Issuer           string
	Receipt          string
	IntentID         string
	UserID           string
	PlanType         string
	Credits          int64
	Amount           int64
	Currency         string
	ProcessorOrderID string
	PaymentID        string
	PaidAt           time.Time
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}
