// Package domain contains purchase intent models and the plan catalog.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// IntentStatus is the lifecycle state of a purchase intent.
// Transitions are pending -> completed or pending -> failed; both targets are terminal.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusCompleted IntentStatus = "completed"
	IntentStatusFailed    IntentStatus = "failed"
)

func (s IntentStatus) Terminal() bool {
	return s == IntentStatusCompleted || s == IntentStatusFailed
}

// PurchaseIntent records a requested payment until the processor confirms it.
type PurchaseIntent struct {
	ID                 snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID             string         `json:"user_id" gorm:"type:text;not null"`
	IdempotencyKey     string         `json:"-" gorm:"type:text;not null"`
	Receipt            string         `json:"receipt" gorm:"type:text;not null"`
	ProcessorOrderID   string         `json:"processor_order_id" gorm:"type:text;not null"`
	ProcessorPaymentID *string        `json:"processor_payment_id,omitempty" gorm:"type:text"`
	AmountMinorUnits   int64          `json:"amount_minor_units" gorm:"not null"`
	Currency           string         `json:"currency" gorm:"type:text;not null"`
	CreditsRequested   int64          `json:"credits_requested" gorm:"not null"`
	PlanType           PlanType       `json:"plan_type" gorm:"type:text;not null"`
	Status             IntentStatus   `json:"status" gorm:"type:text;not null"`
	AppliedBalance     *int64         `json:"applied_balance,omitempty"`
	FailureReason      *string        `json:"failure_reason,omitempty" gorm:"type:text"`
	Notes              datatypes.JSON `json:"notes,omitempty" gorm:"type:jsonb"`
	CreatedAt          time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time      `json:"updated_at" gorm:"not null"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	FailedAt           *time.Time     `json:"failed_at,omitempty"`
}

func (PurchaseIntent) TableName() string { return "purchase_intents" }

// PaymentID returns the recorded processor payment id or an empty string.
func (p PurchaseIntent) PaymentID() string {
	if p.ProcessorPaymentID == nil {
		return ""
	}
	return *p.ProcessorPaymentID
}

// Orphan is a processor order that was minted but never persisted locally.
type Orphan struct {
	IntentID         snowflake.ID      `json:"intent_id"`
	UserID           string            `json:"user_id"`
	IdempotencyKey   string            `json:"idempotency_key"`
	Receipt          string            `json:"receipt"`
	ProcessorOrderID string            `json:"processor_order_id"`
	AmountMinorUnits int64             `json:"amount_minor_units"`
	Currency         string            `json:"currency"`
	CreditsRequested int64             `json:"credits_requested"`
	PlanType         PlanType          `json:"plan_type"`
	Notes            map[string]string `json:"notes,omitempty"`
	Reason           string            `json:"reason"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Intent rebuilds the pending purchase intent the orphan stands for. The
// intent is stamped with the recovery time so the pending TTL counts from the
// moment it became visible to completions.
func (o Orphan) Intent(notes datatypes.JSON, now time.Time) PurchaseIntent {
	return PurchaseIntent{
		ID:               o.IntentID,
		UserID:           o.UserID,
		IdempotencyKey:   o.IdempotencyKey,
		Receipt:          o.Receipt,
		ProcessorOrderID: o.ProcessorOrderID,
		AmountMinorUnits: o.AmountMinorUnits,
		Currency:         o.Currency,
		CreditsRequested: o.CreditsRequested,
		PlanType:         o.PlanType,
		Status:           IntentStatusPending,
		Notes:            notes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
