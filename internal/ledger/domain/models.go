// Package domain contains credit balances and membership periods written on
// payment completion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
)

// CreditBalance only grows here; consumption is recorded elsewhere.
type CreditBalance struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;type:text"`
	Balance   int64     `json:"balance" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// MembershipPeriod is a premium window granted by one completed intent.
type MembershipPeriod struct {
	ID             snowflake.ID           `json:"id" gorm:"primaryKey"`
	UserID         string                 `json:"user_id" gorm:"type:text;not null"`
	PlanType       paymentdomain.PlanType `json:"plan_type" gorm:"type:text;not null"`
	PeriodStart    time.Time              `json:"period_start" gorm:"not null"`
	PeriodEnd      time.Time              `json:"period_end" gorm:"not null"`
	SourceIntentID snowflake.ID           `json:"source_intent_id" gorm:"not null"`
	CreatedAt      time.Time              `json:"created_at" gorm:"not null"`
}

func (MembershipPeriod) TableName() string { return "membership_periods" }

// NextPeriod starts at the later of now and the end of the latest period so
// renewals extend instead of overlapping.
func NextPeriod(latest *MembershipPeriod, now time.Time, duration time.Duration) (time.Time, time.Time) {
	start := now
	if latest != nil && latest.PeriodEnd.After(now) {
		start = latest.PeriodEnd
	}
	return start, start.Add(duration)
}
