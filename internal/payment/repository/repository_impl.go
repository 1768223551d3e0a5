package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const intentColumns = `id, user_id, idempotency_key, receipt, processor_order_id, processor_payment_id,
	amount_minor_units, currency, credits_requested, plan_type, status, applied_balance,
	failure_reason, notes, created_at, updated_at, completed_at, failed_at`

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.PurchaseIntent, error) {
	var item domain.PurchaseIntent
	err := db.WithContext(ctx).Raw(
		`SELECT `+intentColumns+`
		 FROM purchase_intents
		 WHERE `+where+`
		 LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PurchaseIntent, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, userID, key string) (*domain.PurchaseIntent, error) {
	return r.findOne(ctx, db, `user_id = ? AND idempotency_key = ?`, userID, key)
}

func (r *repo) FindByProcessorOrderID(ctx context.Context, db *gorm.DB, orderID string) (*domain.PurchaseIntent, error) {
	return r.findOne(ctx, db, `processor_order_id = ?`, orderID)
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, intent *domain.PurchaseIntent) (bool, error) {
	notes := intent.Notes
	if len(notes) == 0 {
		notes = []byte("{}")
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO purchase_intents (
			id, user_id, idempotency_key, receipt, processor_order_id,
			amount_minor_units, currency, credits_requested, plan_type, status,
			notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		intent.ID,
		intent.UserID,
		intent.IdempotencyKey,
		intent.Receipt,
		intent.ProcessorOrderID,
		intent.AmountMinorUnits,
		intent.Currency,
		intent.CreditsRequested,
		intent.PlanType,
		intent.Status,
		notes,
		intent.CreatedAt,
		intent.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID string, completedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchase_intents
		 SET status = ?, processor_payment_id = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.IntentStatusCompleted,
		paymentID,
		completedAt,
		completedAt,
		id,
		domain.IntentStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) SetAppliedBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE purchase_intents
		 SET applied_balance = ?
		 WHERE id = ?`,
		balance,
		id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, failedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchase_intents
		 SET status = ?, failure_reason = ?, failed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.IntentStatusFailed,
		reason,
		failedAt,
		failedAt,
		id,
		domain.IntentStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string, afterID snowflake.ID, limit int) ([]domain.PurchaseIntent, error) {
	query := `SELECT ` + intentColumns + `
		 FROM purchase_intents
		 WHERE user_id = ?`
	args := []any{userID}
	if afterID != 0 {
		query += ` AND id < ?`
		args = append(args, afterID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var items []domain.PurchaseIntent
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListStalePending(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.PurchaseIntent, error) {
	var items []domain.PurchaseIntent
	err := db.WithContext(ctx).Raw(
		`SELECT `+intentColumns+`
		 FROM purchase_intents
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		domain.IntentStatusPending,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
