package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectPurchase       = "purchase"
	ObjectReceipt        = "receipt"
	ObjectEntitlement    = "entitlement"
	ObjectReconciliation = "reconciliation"
)

const (
	ActionPurchaseCreate  = "purchase.create"
	ActionPurchaseView    = "purchase.view"
	ActionPurchaseViewAny = "purchase.view_any"

	ActionReceiptDownload = "receipt.download"

	ActionEntitlementView = "entitlement.view"

	ActionReconciliationRun = "reconciliation.run"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from the casbin_rule table and seeds the built-in role grants.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

// Authorize checks whether actor, acting with role, may perform action on object.
// Actors are subjects of the form "user:<id>" or "system".
func (s *ServiceImpl) Authorize(ctx context.Context, actor string, role string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor, role)
	if err != nil {
		s.logDenied(actor, object, action, err)
		return err
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(subject, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

func resolveActor(actor string, role string) (string, string, error) {
	if actor == "system" {
		return actor, "role:system", nil
	}
	if !strings.HasPrefix(actor, "user:") || strings.TrimSpace(strings.TrimPrefix(actor, "user:")) == "" {
		return "", "", ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return "", "", ErrInvalidRole
	}
	return actor, fmt.Sprintf("role:%s", role), nil
}

// ensureGrouping keeps exactly one role link per subject, matching the role carried by the token.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) logDenied(subject, object, action string, reason error) {
	s.log.Info("authorization denied",
		zap.String("subject", subject),
		zap.String("object", object),
		zap.String("action", action),
		zap.Error(reason),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Purchasers act on their own orders and entitlements.
		{"role:user", ObjectPurchase, ActionPurchaseCreate},
		{"role:user", ObjectPurchase, ActionPurchaseView},
		{"role:user", ObjectReceipt, ActionReceiptDownload},
		{"role:user", ObjectEntitlement, ActionEntitlementView},

		// Operators inspect any purchase and drive reconciliation.
		{"role:operator", ObjectPurchase, ActionPurchaseView},
		{"role:operator", ObjectPurchase, ActionPurchaseViewAny},
		{"role:operator", ObjectReceipt, ActionReceiptDownload},
		{"role:operator", ObjectEntitlement, ActionEntitlementView},
		{"role:operator", ObjectReconciliation, ActionReconciliationRun},

		{"role:system", ObjectReconciliation, ActionReconciliationRun},
		{"role:system", ObjectPurchase, ActionPurchaseViewAny},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
