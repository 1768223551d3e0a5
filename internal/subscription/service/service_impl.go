package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/entitle/internal/clock"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  ledgerdomain.Repository
}

// Service reads committed ledger state directly; nothing is cached so a
// just-completed purchase is visible on the next read.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  ledgerdomain.Repository
}

func NewService(p Params) subscriptiondomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: clk,
		repo:  p.Repo,
	}
}

func (s *Service) Resolve(ctx context.Context, userID string) (subscriptiondomain.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.Entitlement{}, paymentdomain.ErrInvalidUser
	}
	latest, err := s.repo.LatestPeriod(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.Entitlement{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransientStorage, err)
	}
	return subscriptiondomain.Evaluate(userID, latest, s.clock.Now().UTC()), nil
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, paymentdomain.ErrInvalidUser
	}
	balance, err := s.repo.GetBalance(ctx, s.db, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", paymentdomain.ErrTransientStorage, err)
	}
	if balance == nil {
		return 0, nil
	}
	return balance.Balance, nil
}
