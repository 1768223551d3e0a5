package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
)

// CompletionRequest is the processor's completion callback.
type CompletionRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

type ApplyResult struct {
	IntentID   snowflake.ID           `json:"intent_id"`
	UserID     string                 `json:"user_id"`
	PlanType   paymentdomain.PlanType `json:"plan_type"`
	Replayed   bool                   `json:"replayed"`
	NewBalance *int64                 `json:"new_balance,omitempty"`
	NewPeriod  *MembershipPeriod      `json:"new_period,omitempty"`
}

type Service interface {
	// ApplyCompletion moves a pending intent to completed and grants its
	// credits or membership exactly once. Replays return the original result.
	ApplyCompletion(ctx context.Context, req CompletionRequest) (ApplyResult, error)
	// ExpireStale fails pending intents created before cutoff.
	ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

var (
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrUnknownOrder       = errors.New("unknown_order")
	ErrConflictingPayment = errors.New("conflicting_payment")
	ErrAlreadyFailed      = errors.New("already_failed")
	ErrUnknownPlan        = errors.New("unknown_plan")
	ErrTransientStorage   = paymentdomain.ErrTransientStorage
)
