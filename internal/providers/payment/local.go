package payment

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
)

// LocalProcessor mints orders in-process for development and tests.
// Repeated idempotency keys return the order minted the first time.
type LocalProcessor struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	byKey   map[string]paymentdomain.ProcessorOrder
}

func NewLocalProcessor() *LocalProcessor {
	return &LocalProcessor{
		entropy: ulid.Monotonic(rand.Reader, 0),
		byKey:   make(map[string]paymentdomain.ProcessorOrder),
	}
}

func (p *LocalProcessor) CreateOrder(ctx context.Context, in paymentdomain.ProcessorOrderRequest) (paymentdomain.ProcessorOrder, error) {
	if err := ctx.Err(); err != nil {
		return paymentdomain.ProcessorOrder{}, err
	}
	if in.AmountMinorUnits <= 0 {
		return paymentdomain.ProcessorOrder{}, paymentdomain.ErrProcessorRejected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if in.IdempotencyKey != "" {
		if existing, ok := p.byKey[in.IdempotencyKey]; ok {
			return existing, nil
		}
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy)
	order := paymentdomain.ProcessorOrder{
		ID:       "order_" + strings.ToLower(id.String()),
		Status:   "created",
		Amount:   in.AmountMinorUnits,
		Currency: strings.ToUpper(in.Currency),
	}
	if in.IdempotencyKey != "" {
		p.byKey[in.IdempotencyKey] = order
	}
	return order, nil
}
