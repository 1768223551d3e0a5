package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// LockBalance creates the user's balance row if missing and holds its row
	// lock for the rest of the transaction.
	LockBalance(ctx context.Context, db *gorm.DB, userID string, now time.Time) error
	AddCredits(ctx context.Context, db *gorm.DB, userID string, credits int64, now time.Time) (int64, error)
	GetBalance(ctx context.Context, db *gorm.DB, userID string) (*CreditBalance, error)
	LatestPeriod(ctx context.Context, db *gorm.DB, userID string) (*MembershipPeriod, error)
	InsertPeriod(ctx context.Context, db *gorm.DB, period *MembershipPeriod) error
	FindPeriodBySource(ctx context.Context, db *gorm.DB, intentID snowflake.ID) (*MembershipPeriod, error)
}
