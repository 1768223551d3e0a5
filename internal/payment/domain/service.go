package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitle/pkg/db/pagination"
)

type CreateOrderRequest struct {
	UserID           string            `json:"-"`
	IdempotencyKey   string            `json:"idempotency_key"`
	AmountMinorUnits int64             `json:"amount_minor_units"`
	Currency         string            `json:"currency"`
	PlanType         string            `json:"plan_type"`
	CreditsRequested int64             `json:"credits_requested"`
	Notes            map[string]string `json:"notes,omitempty"`
}

type CreateOrderResponse struct {
	PurchaseIntentID string       `json:"purchase_intent_id"`
	ProcessorOrderID string       `json:"processor_order_id"`
	AmountMinorUnits int64        `json:"amount_minor_units"`
	Currency         string       `json:"currency"`
	PlanType         PlanType     `json:"plan_type"`
	Status           IntentStatus `json:"status"`
	// Replayed is true when an existing intent was returned for the idempotency key.
	Replayed bool `json:"replayed"`
}

type ListPurchasesRequest struct {
	UserID    string
	PageToken string
	PageSize  int32
}

type ListPurchasesResponse struct {
	pagination.PageInfo
	Purchases []PurchaseIntent `json:"purchases"`
}

type RecoverOrphansResult struct {
	Recovered int `json:"recovered"`
	Existing  int `json:"existing"`
	Discarded int `json:"discarded"`
	Requeued  int `json:"requeued"`
}

type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error)
	ListPurchases(ctx context.Context, req ListPurchasesRequest) (ListPurchasesResponse, error)
	GetPurchase(ctx context.Context, userID, intentID string) (PurchaseIntent, error)
	GetByProcessorOrderID(ctx context.Context, orderID string) (PurchaseIntent, error)
	RecoverOrphans(ctx context.Context, limit int) (RecoverOrphansResult, error)
}

var (
	ErrInvalidRequest        = errors.New("invalid_request")
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrInvalidPlanType       = errors.New("invalid_plan_type")
	ErrInvalidCredits        = errors.New("invalid_credits")
	ErrIdempotencyMismatch   = errors.New("idempotency_key_reused")
	ErrOrderInProgress       = errors.New("order_in_progress")
	ErrRateLimited           = errors.New("rate_limited")
	ErrNotFound              = errors.New("purchase_not_found")
	ErrProcessorUnavailable  = errors.New("processor_unavailable")
	ErrProcessorRejected     = errors.New("processor_rejected")
	ErrTransientStorage      = errors.New("transient_storage")
	ErrPartialFailure        = errors.New("partial_failure")
)

// IsInvalidRequest reports whether err is any validation failure.
func IsInvalidRequest(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		ErrInvalidUser,
		ErrInvalidIdempotencyKey,
		ErrInvalidAmount,
		ErrInvalidCurrency,
		ErrInvalidPlanType,
		ErrInvalidCredits,
		ErrIdempotencyMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
