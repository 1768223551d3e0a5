// Package domain derives premium entitlement from membership periods.
package domain

import (
	"context"
	"math"
	"time"

	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
)

type Entitlement struct {
	UserID          string                 `json:"user_id"`
	IsPremium       bool                   `json:"is_premium"`
	PlanType        paymentdomain.PlanType `json:"plan_type"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	DaysUntilExpiry *int                   `json:"days_until_expiry,omitempty"`
}

type Service interface {
	Resolve(ctx context.Context, userID string) (Entitlement, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// Evaluate computes entitlement from the user's most recent period. Users
// without an active premium period are reported on the flexible plan.
func Evaluate(userID string, latest *ledgerdomain.MembershipPeriod, now time.Time) Entitlement {
	ent := Entitlement{UserID: userID, PlanType: paymentdomain.PlanFlexible}
	if latest == nil || !latest.PeriodEnd.After(now) || !latest.PlanType.IsPremium() {
		return ent
	}

	end := latest.PeriodEnd.UTC()
	days := int(math.Ceil(end.Sub(now).Hours() / 24))
	ent.IsPremium = true
	ent.PlanType = latest.PlanType
	ent.ExpiresAt = &end
	ent.DaysUntilExpiry = &days
	return ent
}
