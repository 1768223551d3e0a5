package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PurchaseIntent, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, userID, key string) (*PurchaseIntent, error)
	FindByProcessorOrderID(ctx context.Context, db *gorm.DB, orderID string) (*PurchaseIntent, error)
	// Insert reports false when an intent with the same idempotency key or order id exists.
	Insert(ctx context.Context, db *gorm.DB, intent *PurchaseIntent) (bool, error)
	// MarkCompleted only updates rows still pending and reports whether it won.
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID string, completedAt time.Time) (bool, error)
	SetAppliedBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64) error
	// MarkFailed only updates rows still pending and reports whether it won.
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, failedAt time.Time) (bool, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string, afterID snowflake.ID, limit int) ([]PurchaseIntent, error)
	ListStalePending(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]PurchaseIntent, error)
}

// OrphanSink holds processor orders awaiting reconciliation. Pop reserves the
// oldest orphan; it stays in flight until Ack drops it or Nack queues it
// again. Reclaim returns orphans left in flight by an interrupted run.
type OrphanSink interface {
	Push(ctx context.Context, orphan Orphan) error
	// Pop returns nil when the sink is empty.
	Pop(ctx context.Context) (*Orphan, error)
	Ack(ctx context.Context, orphan Orphan) error
	Nack(ctx context.Context, orphan Orphan) error
	Reclaim(ctx context.Context) (int64, error)
	Len(ctx context.Context) (int64, error)
}

// ProcessorOrderRequest is sent to the payment processor to mint an order.
type ProcessorOrderRequest struct {
	AmountMinorUnits int64
	Currency         string
	Receipt          string
	Notes            map[string]string
	IdempotencyKey   string
}

type ProcessorOrder struct {
	ID       string
	Status   string
	Amount   int64
	Currency string
}

// Processor is the external payment processor.
type Processor interface {
	CreateOrder(ctx context.Context, req ProcessorOrderRequest) (ProcessorOrder, error)
}
