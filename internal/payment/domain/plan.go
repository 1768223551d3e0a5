package domain

import (
	"strings"
	"time"
)

// PlanType is the closed set of purchasable plans.
type PlanType string

const (
	PlanFlexible       PlanType = "flexible"
	PlanPremiumMonthly PlanType = "premium-monthly"
	PlanPremiumAnnual  PlanType = "premium-annual"
)

// Plan describes what completing a purchase of a plan type grants.
type Plan struct {
	Type     PlanType
	Premium  bool
	Duration time.Duration
}

// GrantsCredits reports whether completion adds to the credit balance.
func (p Plan) GrantsCredits() bool { return !p.Premium }

var catalog = map[PlanType]Plan{
	PlanFlexible:       {Type: PlanFlexible},
	PlanPremiumMonthly: {Type: PlanPremiumMonthly, Premium: true, Duration: 30 * 24 * time.Hour},
	PlanPremiumAnnual:  {Type: PlanPremiumAnnual, Premium: true, Duration: 365 * 24 * time.Hour},
}

// ParsePlanType normalizes raw input. Unknown tags are rejected, never defaulted.
func ParsePlanType(raw string) (PlanType, error) {
	plan := PlanType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := catalog[plan]; !ok {
		return "", ErrInvalidPlanType
	}
	return plan, nil
}

// Lookup returns the catalog entry for a stored plan type.
func Lookup(plan PlanType) (Plan, bool) {
	p, ok := catalog[plan]
	return p, ok
}

func (p PlanType) IsPremium() bool {
	entry, ok := catalog[p]
	return ok && entry.Premium
}

func (p PlanType) Duration() time.Duration {
	return catalog[p].Duration
}
