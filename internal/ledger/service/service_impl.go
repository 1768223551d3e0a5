package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	obslogger "github.com/smallbiznis/entitle/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitle/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/payment/signature"
	"github.com/smallbiznis/entitle/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxApplyAttempts = 3
	expiredReason    = "expired"
)

// errRaced rolls back a transaction whose compare-and-swap found the intent
// no longer pending.
var errRaced = errors.New("intent no longer pending")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Verifier    *signature.Verifier
	Repo        ledgerdomain.Repository
	PaymentRepo paymentdomain.Repository
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	verifier    *signature.Verifier
	repo        ledgerdomain.Repository
	paymentRepo paymentdomain.Repository
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		clock:       clk,
		verifier:    p.Verifier,
		repo:        p.Repo,
		paymentRepo: p.PaymentRepo,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) ApplyCompletion(ctx context.Context, req ledgerdomain.CompletionRequest) (ledgerdomain.ApplyResult, error) {
	// The signature covers the identifiers exactly as received, so they are
	// neither trimmed nor normalized before verification or lookup.
	orderID := req.OrderID
	paymentID := req.PaymentID
	log := obslogger.WithContext(ctx, s.log).With(zap.String("order_id", orderID))

	// Verify before any lookup so forged calls learn nothing about orders.
	if !s.verifier.Verify(orderID, paymentID, req.Signature) {
		s.obsMetrics.RecordSignatureRejected(ctx)
		log.Warn("security: completion signature rejected", zap.String("payment_id", paymentID))
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrInvalidSignature
	}

	intent, err := s.paymentRepo.FindByProcessorOrderID(ctx, s.db, orderID)
	if err != nil {
		return ledgerdomain.ApplyResult{}, fmt.Errorf("%w: %v", ledgerdomain.ErrTransientStorage, err)
	}
	if intent == nil {
		log.Warn("completion for unknown order", zap.String("payment_id", paymentID))
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrUnknownOrder
	}
	log = obslogger.WithUser(log, intent.UserID).With(zap.String("plan_type", string(intent.PlanType)))

	if intent.Status != paymentdomain.IntentStatusPending {
		return s.resolveSettled(ctx, log, intent, paymentID)
	}

	plan, ok := paymentdomain.Lookup(intent.PlanType)
	if !ok {
		log.Error("stored intent has unknown plan type")
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrUnknownPlan
	}

	result, err := s.applyWithRetry(ctx, intent, plan, paymentID)
	switch {
	case errors.Is(err, errRaced):
		current, findErr := s.paymentRepo.FindByID(ctx, s.db, intent.ID)
		if findErr != nil {
			return ledgerdomain.ApplyResult{}, fmt.Errorf("%w: reload raced intent: %v", ledgerdomain.ErrTransientStorage, findErr)
		}
		if current == nil {
			log.Error("intent disappeared after losing the completion race", zap.String("intent_id", intent.ID.String()))
			return ledgerdomain.ApplyResult{}, fmt.Errorf("%w: intent %s missing after completion race", ledgerdomain.ErrTransientStorage, intent.ID)
		}
		return s.resolveSettled(ctx, log, current, paymentID)
	case err != nil && db.IsDuplicateKeyErr(err):
		s.obsMetrics.RecordCompletion(ctx, string(intent.PlanType), "conflict")
		log.Error("payment id already recorded on another order", zap.String("payment_id", paymentID), zap.Error(err))
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrConflictingPayment
	case err != nil:
		log.Error("completion could not be applied", zap.Error(err))
		return ledgerdomain.ApplyResult{}, fmt.Errorf("%w: %v", ledgerdomain.ErrTransientStorage, err)
	}

	s.obsMetrics.RecordCompletion(ctx, string(intent.PlanType), "applied")
	fields := []zap.Field{zap.String("intent_id", intent.ID.String()), zap.String("payment_id", paymentID)}
	if result.NewBalance != nil {
		fields = append(fields, zap.Int64("balance", *result.NewBalance))
	}
	if result.NewPeriod != nil {
		fields = append(fields, zap.Time("period_end", result.NewPeriod.PeriodEnd))
	}
	log.Info("purchase completed", fields...)
	return result, nil
}

func (s *Service) applyWithRetry(ctx context.Context, intent *paymentdomain.PurchaseIntent, plan paymentdomain.Plan, paymentID string) (ledgerdomain.ApplyResult, error) {
	var (
		result ledgerdomain.ApplyResult
		err    error
	)
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		result, err = s.apply(ctx, intent, plan, paymentID)
		if err == nil || !db.IsRetryableErr(err) || attempt == maxApplyAttempts {
			return result, err
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return result, err
}

// apply performs the pending->completed swap and the grant in one transaction.
// The balance row lock serializes concurrent completions for the same user.
func (s *Service) apply(ctx context.Context, intent *paymentdomain.PurchaseIntent, plan paymentdomain.Plan, paymentID string) (ledgerdomain.ApplyResult, error) {
	now := s.clock.Now().UTC()
	result := ledgerdomain.ApplyResult{
		IntentID: intent.ID,
		UserID:   intent.UserID,
		PlanType: intent.PlanType,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := s.paymentRepo.MarkCompleted(ctx, tx, intent.ID, paymentID, now)
		if err != nil {
			return err
		}
		if !won {
			return errRaced
		}

		if err := s.repo.LockBalance(ctx, tx, intent.UserID, now); err != nil {
			return err
		}

		if plan.GrantsCredits() {
			balance, err := s.repo.AddCredits(ctx, tx, intent.UserID, intent.CreditsRequested, now)
			if err != nil {
				return err
			}
			if err := s.paymentRepo.SetAppliedBalance(ctx, tx, intent.ID, balance); err != nil {
				return err
			}
			result.NewBalance = &balance
			return nil
		}

		latest, err := s.repo.LatestPeriod(ctx, tx, intent.UserID)
		if err != nil {
			return err
		}
		start, end := ledgerdomain.NextPeriod(latest, now, plan.Duration)
		period := &ledgerdomain.MembershipPeriod{
			ID:             s.genID.Generate(),
			UserID:         intent.UserID,
			PlanType:       intent.PlanType,
			PeriodStart:    start,
			PeriodEnd:      end,
			SourceIntentID: intent.ID,
			CreatedAt:      now,
		}
		if err := s.repo.InsertPeriod(ctx, tx, period); err != nil {
			return err
		}
		result.NewPeriod = period
		return nil
	})
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	return result, nil
}

func (s *Service) resolveSettled(ctx context.Context, log *zap.Logger, intent *paymentdomain.PurchaseIntent, paymentID string) (ledgerdomain.ApplyResult, error) {
	switch intent.Status {
	case paymentdomain.IntentStatusCompleted:
		if intent.PaymentID() != paymentID {
			s.obsMetrics.RecordCompletion(ctx, string(intent.PlanType), "conflict")
			log.Error("completion conflicts with recorded payment",
				zap.String("payment_id", paymentID),
				zap.String("recorded_payment_id", intent.PaymentID()),
			)
			return ledgerdomain.ApplyResult{}, ledgerdomain.ErrConflictingPayment
		}
		result, err := s.replayResult(ctx, intent)
		if err != nil {
			return ledgerdomain.ApplyResult{}, err
		}
		s.obsMetrics.RecordCompletion(ctx, string(intent.PlanType), "replayed")
		log.Debug("completion replayed", zap.String("payment_id", paymentID))
		return result, nil
	case paymentdomain.IntentStatusFailed:
		s.obsMetrics.RecordCompletion(ctx, string(intent.PlanType), "failed")
		log.Error("payment captured for failed intent; refund or reconcile manually", zap.String("payment_id", paymentID))
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrAlreadyFailed
	default:
		return ledgerdomain.ApplyResult{}, fmt.Errorf("%w: unexpected status %q", ledgerdomain.ErrTransientStorage, intent.Status)
	}
}

func (s *Service) replayResult(ctx context.Context, intent *paymentdomain.PurchaseIntent) (ledgerdomain.ApplyResult, error) {
	result := ledgerdomain.ApplyResult{
		IntentID: intent.ID,
		UserID:   intent.UserID,
		PlanType: intent.PlanType,
		Replayed: true,
	}
	if !intent.PlanType.IsPremium() {
		result.NewBalance = intent.AppliedBalance
		return result, nil
	}
	period, err := s.repo.FindPeriodBySource(ctx, s.db, intent.ID)
	if err != nil {
		return ledgerdomain.ApplyResult{}, fmt.Errorf("%w: %v", ledgerdomain.ErrTransientStorage, err)
	}
	result.NewPeriod = period
	return result, nil
}

func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	items, err := s.paymentRepo.ListStalePending(ctx, s.db, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledgerdomain.ErrTransientStorage, err)
	}

	now := s.clock.Now().UTC()
	expired := 0
	for _, item := range items {
		won, err := s.paymentRepo.MarkFailed(ctx, s.db, item.ID, expiredReason, now)
		if err != nil {
			s.obsMetrics.RecordIntentsExpired(ctx, expired)
			return expired, fmt.Errorf("%w: %v", ledgerdomain.ErrTransientStorage, err)
		}
		if !won {
			continue
		}
		expired++
		s.log.Info("pending intent expired",
			zap.String("intent_id", item.ID.String()),
			zap.String("order_id", item.ProcessorOrderID),
			zap.String("user_id", item.UserID),
		)
	}
	s.obsMetrics.RecordIntentsExpired(ctx, expired)
	return expired, nil
}
