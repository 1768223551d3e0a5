package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites timestamps so scheduler jobs see aged rows.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// AgeIntent moves a pending intent's created_at back by age.
func (ta *TimeAccelerator) AgeIntent(ctx context.Context, intentID snowflake.ID, age time.Duration) error {
	now := time.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE purchase_intents
		 SET created_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now.Add(-age),
		now,
		intentID,
		paymentdomain.IntentStatusPending,
	).Error
}
