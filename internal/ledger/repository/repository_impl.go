package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) LockBalance(ctx context.Context, db *gorm.DB, userID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (user_id, balance, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (user_id) DO UPDATE SET updated_at = excluded.updated_at`,
		userID,
		now,
	).Error
}

func (r *repo) AddCredits(ctx context.Context, db *gorm.DB, userID string, credits int64, now time.Time) (int64, error) {
	if err := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET balance = balance + ?, updated_at = ?
		 WHERE user_id = ?`,
		credits,
		now,
		userID,
	).Error; err != nil {
		return 0, err
	}

	var balance int64
	if err := db.WithContext(ctx).Raw(
		`SELECT balance FROM credit_balances WHERE user_id = ?`,
		userID,
	).Scan(&balance).Error; err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, userID string) (*domain.CreditBalance, error) {
	var item domain.CreditBalance
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, balance, updated_at
		 FROM credit_balances
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.UserID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) LatestPeriod(ctx context.Context, db *gorm.DB, userID string) (*domain.MembershipPeriod, error) {
	var item domain.MembershipPeriod
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, plan_type, period_start, period_end, source_intent_id, created_at
		 FROM membership_periods
		 WHERE user_id = ?
		 ORDER BY period_end DESC
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertPeriod(ctx context.Context, db *gorm.DB, period *domain.MembershipPeriod) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO membership_periods (
			id, user_id, plan_type, period_start, period_end, source_intent_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		period.ID,
		period.UserID,
		period.PlanType,
		period.PeriodStart.UTC(),
		period.PeriodEnd.UTC(),
		period.SourceIntentID,
		period.CreatedAt.UTC(),
	).Error
}

func (r *repo) FindPeriodBySource(ctx context.Context, db *gorm.DB, intentID snowflake.ID) (*domain.MembershipPeriod, error) {
	var item domain.MembershipPeriod
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, plan_type, period_start, period_end, source_intent_id, created_at
		 FROM membership_periods
		 WHERE source_intent_id = ?
		 LIMIT 1`,
		intentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
